// Package prototype implements the write paths for native host prototypes.
// Every successful write is pushed down the template tree by the
// propagation engine.
package prototype

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/martinsuchenak/protosync/internal/inherit"
	"github.com/martinsuchenak/protosync/internal/log"
	"github.com/martinsuchenak/protosync/internal/model"
	"github.com/martinsuchenak/protosync/internal/storage"
)

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrDiscoveredOwner = errors.New("cannot create a host prototype on a discovered host")
	ErrTemplatedUpdate = errors.New("cannot update templated host prototype")
	ErrTemplatedDelete = errors.New("cannot delete templated host prototype")
)

// IsInputError reports whether err was caused by the request rather than by
// the stored data or the backend
func IsInputError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrDiscoveredOwner) ||
		errors.Is(err, ErrTemplatedUpdate) ||
		errors.Is(err, ErrTemplatedDelete)
}

// Result is the outcome of a write: the prototypes written directly and the
// inherited copies the engine created or updated from them
type Result struct {
	Prototypes []model.HostPrototype `json:"prototypes"`
	Inherited  []model.HostPrototype `json:"inherited"`
}

// IDs returns the IDs of every written prototype, direct ones first
func (r *Result) IDs() []string {
	ids := make([]string, 0, len(r.Prototypes)+len(r.Inherited))
	for _, p := range r.Prototypes {
		ids = append(ids, p.ID)
	}
	for _, p := range r.Inherited {
		ids = append(ids, p.ID)
	}
	return ids
}

// Service owns host prototype writes
type Service struct {
	store  storage.Store
	engine *inherit.Engine
}

// NewService creates a service on top of store and engine
func NewService(store storage.Store, engine *inherit.Engine) *Service {
	return &Service{store: store, engine: engine}
}

// Create adds native prototypes and propagates them. Prototypes on templates
// get a UUID.
func (s *Service) Create(ctx context.Context, protos []model.HostPrototype) (*Result, error) {
	if len(protos) == 0 {
		return nil, fmt.Errorf("%w: no host prototypes given", ErrInvalidInput)
	}

	batch := make([]model.HostPrototype, len(protos))
	for i, p := range protos {
		if p.ID != "" {
			return nil, fmt.Errorf("%w: new host prototype %q must not have an id", ErrInvalidInput, p.Host)
		}
		if err := validate(&p); err != nil {
			return nil, err
		}
		p = p.Clone()
		p.LineageID = ""
		p.Normalize()
		for _, groups := range [][]model.GroupPrototype{p.GroupLinks, p.GroupPrototypes} {
			for j := range groups {
				groups[j].ID = ""
				groups[j].LineageID = ""
			}
		}
		batch[i] = p
	}

	owners, err := s.ruleOwners(ctx, batch)
	if err != nil {
		return nil, err
	}
	for i := range batch {
		owner := owners[batch[i].DiscoveryRuleID]
		if owner.IsDiscovered() {
			return nil, ErrDiscoveredOwner
		}
		if owner.IsTemplate() {
			if batch[i].UUID == "" {
				batch[i].UUID = newUUID()
			}
		} else {
			batch[i].UUID = ""
		}
	}

	return s.saveAndPropagate(ctx, batch)
}

// Update rewrites native prototypes and propagates them. Inherited copies
// can only change through their parent.
func (s *Service) Update(ctx context.Context, protos []model.HostPrototype) (*Result, error) {
	if len(protos) == 0 {
		return nil, fmt.Errorf("%w: no host prototypes given", ErrInvalidInput)
	}

	ids := make([]string, len(protos))
	for i, p := range protos {
		if p.ID == "" {
			return nil, fmt.Errorf("%w: host prototype id is required", ErrInvalidInput)
		}
		ids[i] = p.ID
	}

	stored, err := s.loadNative(ctx, ids, ErrTemplatedUpdate)
	if err != nil {
		return nil, err
	}

	batch := make([]model.HostPrototype, len(protos))
	for i, p := range protos {
		current := stored[p.ID]
		p = p.Clone()
		p.DiscoveryRuleID = current.DiscoveryRuleID
		if err := validate(&p); err != nil {
			return nil, err
		}
		p.LineageID = ""
		p.UUID = current.UUID
		p.CreatedAt = current.CreatedAt
		p.Normalize()
		p.GroupLinks = reconcileGroups(p.GroupLinks, current.GroupLinks, func(a, b *model.GroupPrototype) bool { return a.GroupID == b.GroupID })
		p.GroupPrototypes = reconcileGroups(p.GroupPrototypes, current.GroupPrototypes, func(a, b *model.GroupPrototype) bool { return a.Name == b.Name })
		batch[i] = p
	}

	return s.saveAndPropagate(ctx, batch)
}

func (s *Service) saveAndPropagate(ctx context.Context, batch []model.HostPrototype) (*Result, error) {
	if err := s.engine.Checker().Check(ctx, batch); err != nil {
		return nil, err
	}
	// nothing is written when the first level below would be rejected
	if err := s.engine.Preflight(ctx, batch, nil); err != nil {
		return nil, err
	}

	saved, err := s.store.SaveHostPrototypes(ctx, batch)
	if err != nil {
		log.Error("Failed to save host prototypes", "error", err)
		return nil, &inherit.PersistenceError{Op: "saving host prototypes", Err: err}
	}

	result := &Result{Prototypes: saved}
	result.Inherited, err = s.engine.Propagate(ctx, saved, nil)
	if err != nil {
		return result, err
	}

	log.Info("Host prototypes saved", "count", len(saved), "inherited", len(result.Inherited))
	return result, nil
}

// Delete removes native prototypes together with every inherited copy and
// the hosts discovered from any of them. It returns all deleted IDs.
func (s *Service) Delete(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no host prototype ids given", ErrInvalidInput)
	}
	if _, err := s.loadNative(ctx, ids, ErrTemplatedDelete); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var all []string
	frontier := ids
	for len(frontier) > 0 {
		var next []string
		for _, id := range frontier {
			if !seen[id] {
				seen[id] = true
				all = append(all, id)
				next = append(next, id)
			}
		}
		if len(next) == 0 {
			break
		}

		children, err := s.store.ListHostPrototypes(ctx, &model.HostPrototypeFilter{LineageIDs: next})
		if err != nil {
			return nil, fmt.Errorf("loading inherited host prototypes: %w", err)
		}
		frontier = frontier[:0:0]
		for _, c := range children {
			frontier = append(frontier, c.ID)
		}
	}

	if err := s.store.DeleteHostPrototypes(ctx, all); err != nil {
		log.Error("Failed to delete host prototypes", "error", err)
		return nil, &inherit.PersistenceError{Op: "deleting host prototypes", Err: err}
	}

	log.Info("Host prototypes deleted", "requested", len(ids), "deleted", len(all))
	return all, nil
}

// Unlink turns the inherited prototypes of the given rules into native ones.
// Prototypes on templates get a fresh UUID.
func (s *Service) Unlink(ctx context.Context, ruleIDs []string) ([]model.HostPrototype, error) {
	if len(ruleIDs) == 0 {
		return nil, fmt.Errorf("%w: no discovery rule ids given", ErrInvalidInput)
	}

	protos, err := s.store.FindHostPrototypesByRuleIDs(ctx, ruleIDs)
	if err != nil {
		return nil, fmt.Errorf("loading host prototypes: %w", err)
	}

	var batch []model.HostPrototype
	for _, p := range protos {
		if p.IsInherited() {
			batch = append(batch, p)
		}
	}
	if len(batch) == 0 {
		return nil, nil
	}

	owners, err := s.ruleOwners(ctx, batch)
	if err != nil {
		return nil, err
	}
	for i := range batch {
		p := &batch[i]
		p.LineageID = ""
		for j := range p.GroupLinks {
			p.GroupLinks[j].LineageID = ""
		}
		for j := range p.GroupPrototypes {
			p.GroupPrototypes[j].LineageID = ""
		}
		if owner := owners[p.DiscoveryRuleID]; owner.IsTemplate() {
			p.UUID = newUUID()
		}
	}

	saved, err := s.store.SaveHostPrototypes(ctx, batch)
	if err != nil {
		log.Error("Failed to unlink host prototypes", "error", err)
		return nil, &inherit.PersistenceError{Op: "unlinking host prototypes", Err: err}
	}

	log.Info("Host prototypes unlinked", "rules", len(ruleIDs), "count", len(saved))
	return saved, nil
}

// Link pushes every prototype of the parent rules to the given hosts. It is
// called once the hosts link the template and carry the inherited rules.
func (s *Service) Link(ctx context.Context, parentRuleIDs, hostIDs []string) ([]model.HostPrototype, error) {
	if len(parentRuleIDs) == 0 || len(hostIDs) == 0 {
		return nil, fmt.Errorf("%w: discovery rule ids and host ids are required", ErrInvalidInput)
	}

	parents, err := s.store.FindHostPrototypesByRuleIDs(ctx, parentRuleIDs)
	if err != nil {
		return nil, fmt.Errorf("loading host prototypes: %w", err)
	}
	return s.engine.Propagate(ctx, parents, hostIDs)
}

// SyncTemplates pushes the native prototypes of the templates
func (s *Service) SyncTemplates(ctx context.Context, templateIDs, hostIDs []string) ([]model.HostPrototype, error) {
	if len(templateIDs) == 0 {
		return nil, fmt.Errorf("%w: template ids are required", ErrInvalidInput)
	}
	return s.engine.SyncTemplates(ctx, templateIDs, hostIDs)
}

// loadNative loads the prototypes by ID and fails with notNative when one of
// them is an inherited copy
func (s *Service) loadNative(ctx context.Context, ids []string, notNative error) (map[string]model.HostPrototype, error) {
	protos, err := s.store.ListHostPrototypes(ctx, &model.HostPrototypeFilter{IDs: ids})
	if err != nil {
		return nil, fmt.Errorf("loading host prototypes: %w", err)
	}

	byID := make(map[string]model.HostPrototype, len(protos))
	for _, p := range protos {
		byID[p.ID] = p
	}
	for _, id := range ids {
		p, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("host prototype %s: %w", id, storage.ErrHostPrototypeNotFound)
		}
		if p.IsInherited() {
			return nil, fmt.Errorf("%w %q", notNative, p.Host)
		}
	}
	return byID, nil
}

// ruleOwners maps each rule of protos to the host or template owning it
func (s *Service) ruleOwners(ctx context.Context, protos []model.HostPrototype) (map[string]model.Host, error) {
	var ruleIDs []string
	for _, p := range protos {
		ruleIDs = append(ruleIDs, p.DiscoveryRuleID)
	}

	rules, err := s.store.GetDiscoveryRules(ctx, ruleIDs)
	if err != nil {
		return nil, fmt.Errorf("loading discovery rules: %w", err)
	}
	ruleByID := make(map[string]model.DiscoveryRule, len(rules))
	var hostIDs []string
	for _, r := range rules {
		ruleByID[r.ID] = r
		hostIDs = append(hostIDs, r.HostID)
	}

	hosts, err := s.store.GetHosts(ctx, hostIDs)
	if err != nil {
		return nil, fmt.Errorf("loading hosts: %w", err)
	}
	hostByID := make(map[string]model.Host, len(hosts))
	for _, h := range hosts {
		hostByID[h.ID] = h
	}

	owners := make(map[string]model.Host, len(ruleIDs))
	for _, id := range ruleIDs {
		r, ok := ruleByID[id]
		if !ok {
			return nil, fmt.Errorf("discovery rule %s: %w", id, storage.ErrDiscoveryRuleNotFound)
		}
		h, ok := hostByID[r.HostID]
		if !ok {
			return nil, fmt.Errorf("owner of discovery rule %s: %w", id, storage.ErrHostNotFound)
		}
		owners[id] = h
	}
	return owners, nil
}

func validate(p *model.HostPrototype) error {
	if p.DiscoveryRuleID == "" {
		return fmt.Errorf("%w: discovery rule id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("%w: host name is required", ErrInvalidInput)
	}
	switch p.Status {
	case "", model.PrototypeStatusEnabled, model.PrototypeStatusDisabled:
	default:
		return fmt.Errorf("%w: invalid status %q", ErrInvalidInput, p.Status)
	}
	switch p.InventoryMode {
	case "", model.InventoryDisabled, model.InventoryManual, model.InventoryAutomatic:
	default:
		return fmt.Errorf("%w: invalid inventory mode %q", ErrInvalidInput, p.InventoryMode)
	}
	for _, g := range p.GroupLinks {
		if g.GroupID == "" || g.Name != "" {
			return fmt.Errorf("%w: group links need a group id and no name", ErrInvalidInput)
		}
	}
	for _, g := range p.GroupPrototypes {
		if g.Name == "" || g.GroupID != "" {
			return fmt.Errorf("%w: group prototypes need a name and no group id", ErrInvalidInput)
		}
	}
	return nil
}

// reconcileGroups keeps the IDs of stored groups the request still carries,
// matching by ID first and then with same
func reconcileGroups(submitted, stored []model.GroupPrototype, same func(a, b *model.GroupPrototype) bool) []model.GroupPrototype {
	used := make([]bool, len(stored))
	out := make([]model.GroupPrototype, 0, len(submitted))

	for _, g := range submitted {
		g.LineageID = ""
		matched := -1
		for i := range stored {
			if !used[i] && g.ID != "" && stored[i].ID == g.ID {
				matched = i
				break
			}
		}
		if matched < 0 {
			for i := range stored {
				if !used[i] && same(&g, &stored[i]) {
					matched = i
					break
				}
			}
		}
		if matched >= 0 {
			used[matched] = true
			g.ID = stored[matched].ID
		} else {
			g.ID = ""
		}
		out = append(out, g)
	}
	return out
}

// newUUID returns a 32 character hex UUID for template objects
func newUUID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
