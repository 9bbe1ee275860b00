package inherit

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinsuchenak/protosync/internal/log"
	"github.com/martinsuchenak/protosync/internal/model"
)

func TestCheckNoDuplicates(t *testing.T) {
	tests := []struct {
		name       string
		candidates []model.HostPrototype
		want       []ConflictDescription
	}{
		{
			name: "distinct names",
			candidates: []model.HostPrototype{
				{DiscoveryRuleID: "r1", Host: "a"},
				{DiscoveryRuleID: "r1", Host: "b"},
			},
		},
		{
			name: "same names in different rules",
			candidates: []model.HostPrototype{
				{DiscoveryRuleID: "r1", Host: "a"},
				{DiscoveryRuleID: "r2", Host: "a"},
			},
		},
		{
			name: "duplicate host name",
			candidates: []model.HostPrototype{
				{DiscoveryRuleID: "r1", Host: "a", Name: "A"},
				{DiscoveryRuleID: "r1", Host: "a", Name: "B"},
			},
			want: []ConflictDescription{{Field: FieldHost, Value: "a", RuleID: "r1"}},
		},
		{
			name: "duplicate visible name",
			candidates: []model.HostPrototype{
				{DiscoveryRuleID: "r1", Host: "a", Name: "Same"},
				{DiscoveryRuleID: "r1", Host: "b", Name: "Same"},
			},
			want: []ConflictDescription{{Field: FieldVisibleName, Value: "Same", RuleID: "r1"}},
		},
		{
			name: "visible name defaults to host name",
			candidates: []model.HostPrototype{
				{DiscoveryRuleID: "r1", Host: "a"},
				{DiscoveryRuleID: "r1", Host: "b", Name: "a"},
			},
			want: []ConflictDescription{{Field: FieldVisibleName, Value: "a", RuleID: "r1"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CheckNoDuplicates(tt.candidates))
		})
	}
}

func TestChecker_CheckRepository(t *testing.T) {
	store := newMemStore()
	store.addHost("tpl", model.HostStatusTemplate)
	store.addRule("r1", "tpl", "")
	a := store.addPrototype(model.HostPrototype{DiscoveryRuleID: "r1", Host: "a"})
	b := store.addPrototype(model.HostPrototype{DiscoveryRuleID: "r1", Host: "b"})
	checker := NewChecker(store)
	ctx := context.Background()

	t.Run("new prototype takes a stored name", func(t *testing.T) {
		conflicts, err := checker.CheckRepository(ctx, []model.HostPrototype{{DiscoveryRuleID: "r1", Host: "a", Name: "new"}})
		require.NoError(t, err)
		assert.Equal(t, []ConflictDescription{{Field: FieldHost, Value: "a", RuleID: "r1"}}, conflicts)
	})

	t.Run("updating a prototype keeps its own name", func(t *testing.T) {
		conflicts, err := checker.CheckRepository(ctx, []model.HostPrototype{a})
		require.NoError(t, err)
		assert.Empty(t, conflicts)
	})

	t.Run("names vacated in the same batch are free", func(t *testing.T) {
		swapA, swapB := a, b
		swapA.Host, swapA.Name = "b", "b"
		swapB.Host, swapB.Name = "a", "a"
		conflicts, err := checker.CheckRepository(ctx, []model.HostPrototype{swapA, swapB})
		require.NoError(t, err)
		assert.Empty(t, conflicts)
	})

	t.Run("described conflict names rule and template", func(t *testing.T) {
		err := checker.Check(ctx, []model.HostPrototype{{DiscoveryRuleID: "r1", Host: "c", Name: "b"}})

		var conflictErr *ConflictError
		require.ErrorAs(t, err, &conflictErr)
		assert.Equal(t,
			`host prototype with visible name "b" already exists in discovery rule "Rule r1" of template "tpl"`,
			err.Error())
	})
}

func TestConflictError_Error(t *testing.T) {
	err := &ConflictError{Conflicts: []ConflictDescription{
		{Field: FieldHost, Value: "a"},
		{Field: FieldHost, Value: "b", RuleName: "Disks", OwnerName: "srv", OwnerIsTemplate: false},
	}}

	assert.Equal(t, `host prototype with host name "a" already exists (and 1 more)`, err.Error())
	assert.Equal(t, []string{
		`host prototype with host name "a" already exists`,
		`host prototype with host name "b" already exists in discovery rule "Disks" of host "srv"`,
	}, err.Messages())
}

// brokenLookups fails the name lookups a conflict description is enriched with
type brokenLookups struct {
	*memStore
	rules bool
	hosts bool
}

func (b *brokenLookups) GetDiscoveryRules(ctx context.Context, ids []string) ([]model.DiscoveryRule, error) {
	if b.rules {
		return nil, errors.New("rules unavailable")
	}
	return b.memStore.GetDiscoveryRules(ctx, ids)
}

func (b *brokenLookups) GetHosts(ctx context.Context, ids []string) ([]model.Host, error) {
	if b.hosts {
		return nil, errors.New("hosts unavailable")
	}
	return b.memStore.GetHosts(ctx, ids)
}

func TestChecker_Conflict_LookupFailures(t *testing.T) {
	store := newMemStore()
	store.addHost("tpl", model.HostStatusTemplate)
	store.addRule("r1", "tpl", "")
	conflicts := []ConflictDescription{{Field: FieldHost, Value: "a", RuleID: "r1"}}

	tests := []struct {
		name      string
		repo      *brokenLookups
		wantRule  string
		wantOwner string
		wantLog   string
	}{
		{"rules fail", &brokenLookups{memStore: store, rules: true}, "", "", "Conflict rule lookup failed"},
		{"hosts fail", &brokenLookups{memStore: store, hosts: true}, "Rule r1", "", "Conflict owner lookup failed"},
		{"both work", &brokenLookups{memStore: store}, "Rule r1", "tpl", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			log.ConfigureWriter(&buf, "debug", "json")
			t.Cleanup(func() { log.Configure("info", "console") })

			err := NewChecker(tt.repo).Conflict(context.Background(), conflicts)
			require.Len(t, err.Conflicts, 1)
			assert.Equal(t, tt.wantRule, err.Conflicts[0].RuleName)
			assert.Equal(t, tt.wantOwner, err.Conflicts[0].OwnerName)
			if tt.wantLog == "" {
				assert.Empty(t, buf.String())
			} else {
				assert.Contains(t, buf.String(), tt.wantLog)
			}
		})
	}
}
