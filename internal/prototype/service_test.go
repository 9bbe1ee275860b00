package prototype

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinsuchenak/protosync/internal/inherit"
	"github.com/martinsuchenak/protosync/internal/model"
	"github.com/martinsuchenak/protosync/internal/storage"
)

type testEnv struct {
	store    *storage.SQLStore
	svc      *Service
	template model.Host
	host     model.Host
	tplRule  model.DiscoveryRule
	hostRule model.DiscoveryRule
}

func setupService(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	store, err := storage.NewSQLiteStorage(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	env := &testEnv{
		store: store,
		svc:   NewService(store, inherit.NewEngine(store, inherit.Options{})),
	}

	env.template = model.Host{Name: "Template VMware", Status: model.HostStatusTemplate}
	require.NoError(t, store.CreateHost(ctx, &env.template))
	env.host = model.Host{Name: "vcenter-01", ParentTemplateIDs: []string{env.template.ID}}
	require.NoError(t, store.CreateHost(ctx, &env.host))

	env.tplRule = model.DiscoveryRule{HostID: env.template.ID, Name: "Discover VMware VMs", Key: "vmware.vm.discovery"}
	require.NoError(t, store.CreateDiscoveryRule(ctx, &env.tplRule))
	env.hostRule = model.DiscoveryRule{HostID: env.host.ID, Name: "Discover VMware VMs", Key: "vmware.vm.discovery", LineageID: env.tplRule.ID}
	require.NoError(t, store.CreateDiscoveryRule(ctx, &env.hostRule))

	return env
}

func (env *testEnv) vmPrototype() model.HostPrototype {
	return model.HostPrototype{
		DiscoveryRuleID: env.tplRule.ID,
		Host:            "{#VM.UUID}",
		Name:            "{#VM.NAME}",
		GroupLinks:      []model.GroupPrototype{{GroupID: "vm-group"}},
		GroupPrototypes: []model.GroupPrototype{{Name: "{#CLUSTER.NAME}"}},
		Templates:       []string{"Template VM VMware Guest"},
	}
}

func (env *testEnv) childOf(t *testing.T) model.HostPrototype {
	t.Helper()
	protos, err := env.store.FindHostPrototypesByRuleIDs(context.Background(), []string{env.hostRule.ID})
	require.NoError(t, err)
	require.Len(t, protos, 1)
	return protos[0]
}

func TestService_Create(t *testing.T) {
	env := setupService(t)

	result, err := env.svc.Create(context.Background(), []model.HostPrototype{env.vmPrototype()})
	require.NoError(t, err)
	require.Len(t, result.Prototypes, 1)
	require.Len(t, result.Inherited, 1)
	assert.Len(t, result.IDs(), 2)

	native := result.Prototypes[0]
	assert.Len(t, native.UUID, 32, "template prototypes get a UUID")
	assert.Equal(t, model.PrototypeStatusEnabled, native.Status)

	child := env.childOf(t)
	assert.Equal(t, native.ID, child.LineageID)
	assert.Empty(t, child.UUID)
	require.Len(t, child.GroupPrototypes, 1)
	assert.Equal(t, native.GroupPrototypes[0].ID, child.GroupPrototypes[0].LineageID)
}

func TestService_Create_Validation(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(p *model.HostPrototype)
		want   error
	}{
		{"missing host", func(p *model.HostPrototype) { p.Host = " " }, ErrInvalidInput},
		{"missing rule", func(p *model.HostPrototype) { p.DiscoveryRuleID = "" }, ErrInvalidInput},
		{"id given", func(p *model.HostPrototype) { p.ID = "abc" }, ErrInvalidInput},
		{"bad status", func(p *model.HostPrototype) { p.Status = "paused" }, ErrInvalidInput},
		{"link without group", func(p *model.HostPrototype) { p.GroupLinks = []model.GroupPrototype{{Name: "x"}} }, ErrInvalidInput},
		{"unknown rule", func(p *model.HostPrototype) { p.DiscoveryRuleID = "missing" }, storage.ErrDiscoveryRuleNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := env.vmPrototype()
			tt.mutate(&p)
			_, err := env.svc.Create(ctx, []model.HostPrototype{p})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestService_Create_OnDiscoveredHost(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()

	vm := model.Host{Name: "vm-17", Status: model.HostStatusDiscovered}
	require.NoError(t, env.store.CreateHost(ctx, &vm))
	rule := model.DiscoveryRule{HostID: vm.ID, Name: "Disks", Key: "disk.discovery"}
	require.NoError(t, env.store.CreateDiscoveryRule(ctx, &rule))

	_, err := env.svc.Create(ctx, []model.HostPrototype{{DiscoveryRuleID: rule.ID, Host: "{#DISK}"}})
	assert.ErrorIs(t, err, ErrDiscoveredOwner)
	assert.True(t, IsInputError(err))
}

func TestService_Create_Conflict(t *testing.T) {
	env := setupService(t)

	a := env.vmPrototype()
	b := env.vmPrototype()
	b.Name = "other"

	_, err := env.svc.Create(context.Background(), []model.HostPrototype{a, b})

	var conflictErr *inherit.ConflictError
	require.ErrorAs(t, err, &conflictErr)
	assert.Contains(t, err.Error(), `of template "Template VMware"`)

	protos, err := env.store.FindHostPrototypesByRuleIDs(context.Background(), []string{env.tplRule.ID})
	require.NoError(t, err)
	assert.Empty(t, protos)
}

// seedForeignCopy stores a copy of a prototype from another template on the
// host rule, so the next push of the same host name collides with it
func (env *testEnv) seedForeignCopy(t *testing.T, host string) {
	t.Helper()
	ctx := context.Background()

	other := model.Host{Name: "Template vSphere", Status: model.HostStatusTemplate}
	require.NoError(t, env.store.CreateHost(ctx, &other))
	otherRule := model.DiscoveryRule{HostID: other.ID, Name: "Discover VMs", Key: "vsphere.vm.discovery"}
	require.NoError(t, env.store.CreateDiscoveryRule(ctx, &otherRule))

	origin, err := env.store.SaveHostPrototypes(ctx, []model.HostPrototype{{DiscoveryRuleID: otherRule.ID, Host: host}})
	require.NoError(t, err)
	_, err = env.store.SaveHostPrototypes(ctx, []model.HostPrototype{{DiscoveryRuleID: env.hostRule.ID, Host: host, LineageID: origin[0].ID}})
	require.NoError(t, err)
}

func TestService_Create_PropagationConflict(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	env.seedForeignCopy(t, "{#VM.UUID}")

	for attempt := 1; attempt <= 2; attempt++ {
		result, err := env.svc.Create(ctx, []model.HostPrototype{env.vmPrototype()})

		var conflictErr *inherit.ConflictError
		require.ErrorAs(t, err, &conflictErr, "attempt %d", attempt)
		assert.Nil(t, result)
		assert.Contains(t, err.Error(), `"{#VM.UUID}"`)

		protos, err := env.store.FindHostPrototypesByRuleIDs(ctx, []string{env.tplRule.ID})
		require.NoError(t, err)
		assert.Empty(t, protos, "attempt %d left the template prototype behind", attempt)
	}
}

func TestService_Update_PropagationConflict(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()

	created, err := env.svc.Create(ctx, []model.HostPrototype{env.vmPrototype()})
	require.NoError(t, err)
	native := created.Prototypes[0]
	env.seedForeignCopy(t, "{#VM.ID}")

	update := native.Clone()
	update.Host = "{#VM.ID}"
	result, err := env.svc.Update(ctx, []model.HostPrototype{update})

	var conflictErr *inherit.ConflictError
	require.ErrorAs(t, err, &conflictErr)
	assert.Nil(t, result)

	stored, err := env.store.ListHostPrototypes(ctx, &model.HostPrototypeFilter{IDs: []string{native.ID}})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "{#VM.UUID}", stored[0].Host)
}

func TestService_Update(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()

	created, err := env.svc.Create(ctx, []model.HostPrototype{env.vmPrototype()})
	require.NoError(t, err)
	native := created.Prototypes[0]
	childBefore := env.childOf(t)

	// Resubmitted groups without IDs keep their stored rows
	update := native.Clone()
	update.Status = model.PrototypeStatusDisabled
	update.GroupLinks = []model.GroupPrototype{{GroupID: "vm-group"}}
	update.GroupPrototypes = []model.GroupPrototype{{Name: "{#DATACENTER.NAME}"}}

	result, err := env.svc.Update(ctx, []model.HostPrototype{update})
	require.NoError(t, err)
	require.Len(t, result.Prototypes, 1)
	saved := result.Prototypes[0]
	assert.Equal(t, native.UUID, saved.UUID)
	assert.Equal(t, native.GroupLinks[0].ID, saved.GroupLinks[0].ID)
	assert.NotEqual(t, native.GroupPrototypes[0].ID, saved.GroupPrototypes[0].ID)

	child := env.childOf(t)
	assert.Equal(t, childBefore.ID, child.ID)
	assert.Equal(t, model.PrototypeStatusDisabled, child.Status)
	assert.Equal(t, childBefore.GroupLinks[0].ID, child.GroupLinks[0].ID)
	require.Len(t, child.GroupPrototypes, 1)
	assert.Equal(t, "{#DATACENTER.NAME}", child.GroupPrototypes[0].Name)
}

func TestService_Update_Templated(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()

	_, err := env.svc.Create(ctx, []model.HostPrototype{env.vmPrototype()})
	require.NoError(t, err)
	child := env.childOf(t)

	child.Status = model.PrototypeStatusDisabled
	_, err = env.svc.Update(ctx, []model.HostPrototype{child})
	assert.ErrorIs(t, err, ErrTemplatedUpdate)

	_, err = env.svc.Update(ctx, []model.HostPrototype{{ID: "missing", Host: "x"}})
	assert.ErrorIs(t, err, storage.ErrHostPrototypeNotFound)
}

func TestService_Delete(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()

	created, err := env.svc.Create(ctx, []model.HostPrototype{env.vmPrototype()})
	require.NoError(t, err)
	native := created.Prototypes[0]
	child := env.childOf(t)

	_, err = env.svc.Delete(ctx, []string{child.ID})
	assert.ErrorIs(t, err, ErrTemplatedDelete)

	vm := model.Host{Name: "guest-01", Status: model.HostStatusDiscovered, PrototypeID: child.ID}
	require.NoError(t, env.store.CreateHost(ctx, &vm))

	deleted, err := env.svc.Delete(ctx, []string{native.ID})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{native.ID, child.ID}, deleted)

	left, err := env.store.ListHostPrototypes(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, left)

	hosts, err := env.store.GetHosts(ctx, []string{vm.ID})
	require.NoError(t, err)
	assert.Empty(t, hosts, "hosts discovered from a deleted prototype go with it")
}

func TestService_Unlink(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()

	_, err := env.svc.Create(ctx, []model.HostPrototype{env.vmPrototype()})
	require.NoError(t, err)

	unlinked, err := env.svc.Unlink(ctx, []string{env.hostRule.ID})
	require.NoError(t, err)
	require.Len(t, unlinked, 1)

	child := env.childOf(t)
	assert.Empty(t, child.LineageID)
	assert.Empty(t, child.UUID, "prototypes on hosts get no UUID")
	for _, g := range child.Groups() {
		assert.Empty(t, g.LineageID)
	}

	again, err := env.svc.Unlink(ctx, []string{env.hostRule.ID})
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestService_Unlink_TemplateOwner(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()

	child := model.Host{Name: "Template VMware Hypervisor", Status: model.HostStatusTemplate, ParentTemplateIDs: []string{env.template.ID}}
	require.NoError(t, env.store.CreateHost(ctx, &child))
	childRule := model.DiscoveryRule{HostID: child.ID, Name: "Discover VMware VMs", Key: "vmware.vm.discovery", LineageID: env.tplRule.ID}
	require.NoError(t, env.store.CreateDiscoveryRule(ctx, &childRule))

	created, err := env.svc.Create(ctx, []model.HostPrototype{env.vmPrototype()})
	require.NoError(t, err)
	require.Len(t, created.Inherited, 2)

	unlinked, err := env.svc.Unlink(ctx, []string{childRule.ID})
	require.NoError(t, err)
	require.Len(t, unlinked, 1)
	assert.Empty(t, unlinked[0].LineageID)
	assert.Len(t, unlinked[0].UUID, 32, "prototypes on templates get a fresh UUID")
	assert.NotEqual(t, created.Prototypes[0].UUID, unlinked[0].UUID)
}

func TestService_Link(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()

	_, err := env.svc.Create(ctx, []model.HostPrototype{env.vmPrototype()})
	require.NoError(t, err)

	late := model.Host{Name: "vcenter-02", ParentTemplateIDs: []string{env.template.ID}}
	require.NoError(t, env.store.CreateHost(ctx, &late))
	lateRule := model.DiscoveryRule{HostID: late.ID, Name: "Discover VMware VMs", Key: "vmware.vm.discovery", LineageID: env.tplRule.ID}
	require.NoError(t, env.store.CreateDiscoveryRule(ctx, &lateRule))

	linked, err := env.svc.Link(ctx, []string{env.tplRule.ID}, []string{late.ID})
	require.NoError(t, err)
	require.Len(t, linked, 1)
	assert.Equal(t, lateRule.ID, linked[0].DiscoveryRuleID)

	_, err = env.svc.Link(ctx, nil, []string{late.ID})
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestService_SyncTemplates(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()

	_, err := env.svc.Create(ctx, []model.HostPrototype{env.vmPrototype()})
	require.NoError(t, err)

	changed, err := env.svc.SyncTemplates(ctx, []string{env.template.ID}, nil)
	require.NoError(t, err)
	assert.Empty(t, changed, "already in sync")

	_, err = env.svc.SyncTemplates(ctx, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}
