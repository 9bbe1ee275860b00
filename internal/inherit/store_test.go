package inherit

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/martinsuchenak/protosync/internal/model"
	"github.com/martinsuchenak/protosync/internal/storage"
)

// memStore is an in-memory storage.Store for engine tests. Transactions
// snapshot the whole state and restore it on error.
type memStore struct {
	mu sync.Mutex

	hosts  map[string]model.Host
	rules  map[string]model.DiscoveryRule
	protos map[string]model.HostPrototype
	order  []string // prototype insertion order
	seq    int

	saved        int // prototypes written by SaveHostPrototypes
	txs          int
	failSaveRule string // SaveHostPrototypes fails for batches touching this rule
}

func newMemStore() *memStore {
	return &memStore{
		hosts:  make(map[string]model.Host),
		rules:  make(map[string]model.DiscoveryRule),
		protos: make(map[string]model.HostPrototype),
	}
}

func (m *memStore) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq)
}

// Fixture helpers

func (m *memStore) addHost(name string, status model.HostStatus, templates ...string) model.Host {
	h := model.Host{ID: name, Name: name, Status: status, ParentTemplateIDs: templates}
	m.hosts[h.ID] = h
	return h
}

func (m *memStore) addRule(id, hostID, lineageID string) model.DiscoveryRule {
	r := model.DiscoveryRule{ID: id, HostID: hostID, Name: "Rule " + id, Key: id, LineageID: lineageID}
	m.rules[r.ID] = r
	return r
}

func (m *memStore) addPrototype(p model.HostPrototype) model.HostPrototype {
	saved, err := m.SaveHostPrototypes(context.Background(), []model.HostPrototype{p})
	if err != nil {
		panic(err)
	}
	m.saved = 0
	return saved[0]
}

func (m *memStore) prototypesOf(ruleID string) []model.HostPrototype {
	out, _ := m.FindHostPrototypesByRuleIDs(context.Background(), []string{ruleID})
	return out
}

// HostRepository

func (m *memStore) GetHosts(ctx context.Context, ids []string) ([]model.Host, error) {
	var out []model.Host
	for _, id := range ids {
		if h, ok := m.hosts[id]; ok {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *memStore) ListHosts(ctx context.Context, filter *model.HostFilter) ([]model.Host, error) {
	var out []model.Host
	for _, h := range m.hosts {
		if filter != nil && filter.Status != "" && h.Status != filter.Status {
			continue
		}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memStore) FindLinkedHosts(ctx context.Context, templateIDs, hostIDs []string) ([]model.Host, error) {
	var out []model.Host
	for _, h := range m.hosts {
		if h.IsDiscovered() {
			continue
		}
		if len(hostIDs) > 0 && !slices.Contains(hostIDs, h.ID) {
			continue
		}
		for _, t := range templateIDs {
			if h.LinksTemplate(t) {
				out = append(out, h)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memStore) CreateHost(ctx context.Context, host *model.Host) error {
	if host.ID == "" {
		host.ID = m.nextID("host")
	}
	m.hosts[host.ID] = *host
	return nil
}

// DiscoveryRuleRepository

func (m *memStore) GetDiscoveryRules(ctx context.Context, ids []string) ([]model.DiscoveryRule, error) {
	var out []model.DiscoveryRule
	for _, id := range ids {
		if r, ok := m.rules[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) ListDiscoveryRules(ctx context.Context, filter *model.DiscoveryRuleFilter) ([]model.DiscoveryRule, error) {
	var out []model.DiscoveryRule
	for _, r := range m.rules {
		if filter != nil {
			if len(filter.IDs) > 0 && !slices.Contains(filter.IDs, r.ID) {
				continue
			}
			if len(filter.HostIDs) > 0 && !slices.Contains(filter.HostIDs, r.HostID) {
				continue
			}
			if filter.Native && r.LineageID != "" {
				continue
			}
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) FindDiscoveryRulesByParentIDs(ctx context.Context, parentIDs, hostIDs []string) ([]model.DiscoveryRule, error) {
	var out []model.DiscoveryRule
	for _, r := range m.rules {
		if r.LineageID == "" || !slices.Contains(parentIDs, r.LineageID) {
			continue
		}
		if len(hostIDs) > 0 && !slices.Contains(hostIDs, r.HostID) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) CreateDiscoveryRule(ctx context.Context, rule *model.DiscoveryRule) error {
	if rule.ID == "" {
		rule.ID = m.nextID("rule")
	}
	m.rules[rule.ID] = *rule
	return nil
}

// HostPrototypeRepository

func (m *memStore) FindHostPrototypesByRuleIDs(ctx context.Context, ruleIDs []string) ([]model.HostPrototype, error) {
	return m.ListHostPrototypes(ctx, &model.HostPrototypeFilter{DiscoveryRuleIDs: ruleIDs})
}

func (m *memStore) ListHostPrototypes(ctx context.Context, filter *model.HostPrototypeFilter) ([]model.HostPrototype, error) {
	var out []model.HostPrototype
	for _, id := range m.order {
		p, ok := m.protos[id]
		if !ok {
			continue
		}
		if filter != nil {
			if len(filter.IDs) > 0 && !slices.Contains(filter.IDs, p.ID) {
				continue
			}
			if len(filter.DiscoveryRuleIDs) > 0 && !slices.Contains(filter.DiscoveryRuleIDs, p.DiscoveryRuleID) {
				continue
			}
			if len(filter.LineageIDs) > 0 && !slices.Contains(filter.LineageIDs, p.LineageID) {
				continue
			}
			if filter.Native && p.LineageID != "" {
				continue
			}
		}
		out = append(out, p.Clone())
	}
	return out, nil
}

func (m *memStore) SaveHostPrototypes(ctx context.Context, batch []model.HostPrototype) ([]model.HostPrototype, error) {
	for _, p := range batch {
		if m.failSaveRule != "" && p.DiscoveryRuleID == m.failSaveRule {
			return nil, fmt.Errorf("disk full")
		}
	}

	now := time.Now()
	out := make([]model.HostPrototype, 0, len(batch))
	for _, p := range batch {
		p = p.Clone()
		p.Normalize()
		if p.ID == "" {
			p.ID = m.nextID("hp")
			p.CreatedAt = now
		}
		if _, ok := m.protos[p.ID]; !ok {
			m.order = append(m.order, p.ID)
		}
		p.UpdatedAt = now

		var keep []string
		for _, groups := range [][]model.GroupPrototype{p.GroupLinks, p.GroupPrototypes} {
			for i := range groups {
				if groups[i].ID == "" {
					groups[i].ID = m.nextID("gp")
				}
				groups[i].HostPrototypeID = p.ID
				keep = append(keep, groups[i].ID)
			}
		}
		if old, ok := m.protos[p.ID]; ok {
			var stale []string
			for _, g := range old.Groups() {
				if !slices.Contains(keep, g.ID) {
					stale = append(stale, g.ID)
				}
			}
			m.clearGroupLineage(stale)
		}

		m.protos[p.ID] = p
		out = append(out, p.Clone())
		m.saved++
	}

	// Same uniqueness the SQL schema enforces
	seen := make(map[string]string)
	for _, p := range m.protos {
		for _, key := range []string{"host:" + p.Host, "name:" + p.VisibleName()} {
			k := p.DiscoveryRuleID + "/" + key
			if other, ok := seen[k]; ok {
				return nil, fmt.Errorf("unique constraint failed: %s (%s, %s)", k, other, p.ID)
			}
			seen[k] = p.ID
		}
	}
	return out, nil
}

func (m *memStore) DeleteHostPrototypes(ctx context.Context, ids []string) error {
	for id, h := range m.hosts {
		if h.PrototypeID != "" && slices.Contains(ids, h.PrototypeID) {
			delete(m.hosts, id)
		}
	}
	for _, id := range ids {
		if p, ok := m.protos[id]; ok {
			var groupIDs []string
			for _, g := range p.Groups() {
				groupIDs = append(groupIDs, g.ID)
			}
			m.clearGroupLineage(groupIDs)
		}
	}
	for pid, p := range m.protos {
		if slices.Contains(ids, p.LineageID) {
			p.LineageID = ""
			m.protos[pid] = p
		}
	}
	for _, id := range ids {
		delete(m.protos, id)
	}
	return nil
}

func (m *memStore) DeleteGroupPrototypes(ctx context.Context, ids []string) error {
	m.clearGroupLineage(ids)
	for pid, p := range m.protos {
		drop := func(g model.GroupPrototype) bool { return slices.Contains(ids, g.ID) }
		p.GroupLinks = slices.DeleteFunc(p.GroupLinks, drop)
		p.GroupPrototypes = slices.DeleteFunc(p.GroupPrototypes, drop)
		m.protos[pid] = p
	}
	return nil
}

func (m *memStore) clearGroupLineage(ids []string) {
	if len(ids) == 0 {
		return
	}
	for pid, p := range m.protos {
		p = p.Clone()
		for i := range p.GroupLinks {
			if slices.Contains(ids, p.GroupLinks[i].LineageID) {
				p.GroupLinks[i].LineageID = ""
			}
		}
		for i := range p.GroupPrototypes {
			if slices.Contains(ids, p.GroupPrototypes[i].LineageID) {
				p.GroupPrototypes[i].LineageID = ""
			}
		}
		m.protos[pid] = p
	}
}

// Store

func (m *memStore) WithTx(ctx context.Context, fn func(tx storage.Repository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs++

	hosts := cloneMap(m.hosts, func(h model.Host) model.Host { return h })
	rules := cloneMap(m.rules, func(r model.DiscoveryRule) model.DiscoveryRule { return r })
	protos := cloneMap(m.protos, func(p model.HostPrototype) model.HostPrototype { return p.Clone() })
	order := slices.Clone(m.order)
	saved := m.saved

	if err := fn(m); err != nil {
		m.hosts, m.rules, m.protos, m.order, m.saved = hosts, rules, protos, order, saved
		return err
	}
	return nil
}

func (m *memStore) Close() error { return nil }

func cloneMap[V any](in map[string]V, clone func(V) V) map[string]V {
	out := make(map[string]V, len(in))
	for k, v := range in {
		out[k] = clone(v)
	}
	return out
}

var _ storage.Store = (*memStore)(nil)
