// Package inherit propagates host prototypes from template discovery rules to
// every host and template that inherits them.
//
// A walk starts from the prototypes of one discovery rule and descends one
// generation at a time: the children written for generation n become the
// parents of generation n+1. Each generation is written in one transaction.
package inherit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/martinsuchenak/protosync/internal/log"
	"github.com/martinsuchenak/protosync/internal/model"
	"github.com/martinsuchenak/protosync/internal/storage"
)

// Options configures an Engine
type Options struct {
	MaxDepth int // zero means DefaultMaxDepth
}

// Engine is the propagation driver
type Engine struct {
	store    storage.Store
	checker  *Checker
	maxDepth int
}

// NewEngine creates an engine on top of store
func NewEngine(store storage.Store, opts Options) *Engine {
	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Engine{
		store:    store,
		checker:  NewChecker(store),
		maxDepth: maxDepth,
	}
}

// Checker returns the conflict checker the engine uses
func (e *Engine) Checker() *Checker {
	return e.checker
}

// Propagate pushes parents to every host linked to the templates owning their
// discovery rules, recursively. targetHostIDs restricts the first generation
// only. It returns every child prototype created or updated. Generations
// committed before a failure stay committed.
func (e *Engine) Propagate(ctx context.Context, parents []model.HostPrototype, targetHostIDs []string) ([]model.HostPrototype, error) {
	var order []string
	byRule := make(map[string][]model.HostPrototype)
	for _, p := range parents {
		if _, ok := byRule[p.DiscoveryRuleID]; !ok {
			order = append(order, p.DiscoveryRuleID)
		}
		byRule[p.DiscoveryRuleID] = append(byRule[p.DiscoveryRuleID], p)
	}

	var changed []model.HostPrototype
	for _, ruleID := range order {
		out, err := e.walk(ctx, byRule[ruleID], targetHostIDs)
		changed = append(changed, out...)
		if err != nil {
			return changed, err
		}
	}
	return changed, nil
}

// walk descends from the prototypes of a single discovery rule. Lineage gives
// every rule one parent, so inside a walk a rule can only come up twice when
// template links form a loop.
func (e *Engine) walk(ctx context.Context, parents []model.HostPrototype, targetHostIDs []string) ([]model.HostPrototype, error) {
	pc := NewPropagationContext(e.maxDepth)
	var changed []model.HostPrototype

	for len(parents) > 0 {
		if err := ctx.Err(); err != nil {
			return changed, err
		}
		if err := pc.Enter(ruleIDsOf(parents)); err != nil {
			log.Error("Propagation aborted", "rule_id", parents[0].DiscoveryRuleID, "depth", pc.Depth, "error", err)
			return changed, err
		}

		gen, err := e.generation(ctx, pc, parents, targetHostIDs)
		if err != nil {
			return changed, err
		}

		log.Debug("Host prototype generation propagated",
			"depth", pc.Depth, "hosts", gen.hosts,
			"created", gen.created, "updated", gen.updated, "unchanged", gen.unchanged)

		changed = append(changed, gen.changed...)
		parents = gen.children
		targetHostIDs = nil
	}
	return changed, nil
}

// generation is the outcome of propagating one set of parents one level down
type generation struct {
	children []model.HostPrototype // every child, written or not
	changed  []model.HostPrototype // children that were written

	hosts     int
	created   int
	updated   int
	unchanged int
}

// target is one host receiving the parents of one discovery rule
type target struct {
	host    model.Host
	rule    model.DiscoveryRule
	parents []model.HostPrototype
}

// plan is one generation matched and checked but not yet written
type plan struct {
	candidates    []model.HostPrototype
	bases         []*model.HostPrototype
	removedGroups []string
	hosts         int
}

// Preflight matches and checks the first generation below parents without
// writing anything. Parents that are not saved yet may have an empty ID.
func (e *Engine) Preflight(ctx context.Context, parents []model.HostPrototype, targetHostIDs []string) error {
	pending := make([]model.HostPrototype, len(parents))
	for i, p := range parents {
		if p.ID == "" {
			// never equal to a stored lineage
			p.ID = fmt.Sprintf("pending-%d", i)
		}
		pending[i] = p
	}

	pc := NewPropagationContext(e.maxDepth)
	if err := pc.Enter(ruleIDsOf(pending)); err != nil {
		return err
	}
	_, err := e.plan(ctx, pc, pending, targetHostIDs)
	return err
}

func (e *Engine) plan(ctx context.Context, pc *PropagationContext, parents []model.HostPrototype, targetHostIDs []string) (*plan, error) {
	pl := &plan{}

	targets, err := e.resolveTargets(ctx, parents, targetHostIDs)
	if err != nil || len(targets) == 0 {
		return pl, err
	}

	hostSeen := make(map[string]bool)
	var childRuleIDs []string
	for _, t := range targets {
		if pc.Visited(t.rule.ID) {
			err := &CycleError{RuleID: t.rule.ID, Depth: pc.Depth, MaxDepth: pc.MaxDepth}
			log.Error("Propagation aborted", "rule_id", t.rule.ID, "host", t.host.Name, "error", err)
			return nil, err
		}
		if !hostSeen[t.host.ID] {
			hostSeen[t.host.ID] = true
			pl.hosts++
		}
		childRuleIDs = append(childRuleIDs, t.rule.ID)
	}

	existing, err := e.store.FindHostPrototypesByRuleIDs(ctx, childRuleIDs)
	if err != nil {
		return nil, persistenceError("loading inherited host prototypes", err)
	}
	existingByRule := make(map[string][]model.HostPrototype)
	for _, p := range existing {
		existingByRule[p.DiscoveryRuleID] = append(existingByRule[p.DiscoveryRuleID], p)
	}

	var conflicts []ConflictDescription
	for _, t := range targets {
		current := existingByRule[t.rule.ID]
		for i := range t.parents {
			parent := &t.parents[i]

			res := Match(parent, &t.rule, current)
			if res.Conflict != nil {
				d := *res.Conflict
				d.OwnerName = t.host.Name
				d.OwnerIsTemplate = t.host.IsTemplate()
				conflicts = append(conflicts, d)
				continue
			}

			base := findPrototype(current, res.ExistingID)
			child, removed := inheritPrototype(parent, &t.rule, base)
			pl.candidates = append(pl.candidates, child)
			pl.bases = append(pl.bases, base)
			pl.removedGroups = append(pl.removedGroups, removed...)
		}
	}

	if len(conflicts) > 0 {
		err := e.checker.Conflict(ctx, conflicts)
		log.Warn("Host prototype propagation rejected", "conflicts", len(conflicts), "error", err)
		return nil, err
	}
	if err := e.checker.Check(ctx, pl.candidates); err != nil {
		var conflictErr *ConflictError
		if errors.As(err, &conflictErr) {
			log.Warn("Host prototype propagation rejected", "conflicts", len(conflictErr.Conflicts), "error", err)
			return nil, err
		}
		return nil, persistenceError("checking stored host prototypes", err)
	}
	return pl, nil
}

func (e *Engine) generation(ctx context.Context, pc *PropagationContext, parents []model.HostPrototype, targetHostIDs []string) (*generation, error) {
	pl, err := e.plan(ctx, pc, parents, targetHostIDs)
	if err != nil {
		return nil, err
	}
	gen := &generation{hosts: pl.hosts}
	candidates, bases, removedGroups := pl.candidates, pl.bases, pl.removedGroups

	var (
		toSave  []model.HostPrototype
		saveIdx []int
	)
	for i := range candidates {
		if bases[i] != nil && candidates[i].SameDefinition(bases[i]) {
			gen.unchanged++
			continue
		}
		if bases[i] == nil {
			gen.created++
		} else {
			gen.updated++
		}
		toSave = append(toSave, candidates[i])
		saveIdx = append(saveIdx, i)
	}

	if len(toSave) > 0 || len(removedGroups) > 0 {
		err := e.store.WithTx(ctx, func(tx storage.Repository) error {
			if err := tx.DeleteGroupPrototypes(ctx, removedGroups); err != nil {
				return err
			}
			saved, err := tx.SaveHostPrototypes(ctx, toSave)
			if err != nil {
				return err
			}
			if len(saved) != len(toSave) {
				return fmt.Errorf("saved %d of %d host prototypes", len(saved), len(toSave))
			}
			for j, p := range saved {
				candidates[saveIdx[j]] = p
			}
			gen.changed = saved
			return nil
		})
		if err != nil {
			return nil, persistenceError("saving inherited host prototypes", err)
		}
	}

	gen.children = candidates
	return gen, nil
}

// resolveTargets finds, for every linked host, the child rule inherited from
// each parent rule whose owner the host links to
func (e *Engine) resolveTargets(ctx context.Context, parents []model.HostPrototype, targetHostIDs []string) ([]target, error) {
	ruleIDs := ruleIDsOf(parents)

	rules, err := e.store.GetDiscoveryRules(ctx, ruleIDs)
	if err != nil {
		return nil, persistenceError("loading discovery rules", err)
	}
	ruleByID := make(map[string]model.DiscoveryRule, len(rules))
	var templateIDs []string
	for _, r := range rules {
		ruleByID[r.ID] = r
		templateIDs = append(templateIDs, r.HostID)
	}
	for _, id := range ruleIDs {
		if _, ok := ruleByID[id]; !ok {
			return nil, fmt.Errorf("discovery rule %s: %w", id, storage.ErrDiscoveryRuleNotFound)
		}
	}

	hosts, err := e.store.FindLinkedHosts(ctx, templateIDs, targetHostIDs)
	if err != nil {
		return nil, persistenceError("loading linked hosts", err)
	}
	if len(hosts) == 0 {
		return nil, nil
	}

	hostIDs := make([]string, len(hosts))
	for i, h := range hosts {
		hostIDs[i] = h.ID
	}
	childRules, err := e.store.FindDiscoveryRulesByParentIDs(ctx, ruleIDs, hostIDs)
	if err != nil {
		return nil, persistenceError("loading inherited discovery rules", err)
	}

	type ruleHost struct{ parentRule, host string }
	childRuleFor := make(map[ruleHost]model.DiscoveryRule, len(childRules))
	for _, r := range childRules {
		childRuleFor[ruleHost{r.LineageID, r.HostID}] = r
	}

	parentsByRule := make(map[string][]model.HostPrototype)
	for _, p := range parents {
		parentsByRule[p.DiscoveryRuleID] = append(parentsByRule[p.DiscoveryRuleID], p)
	}

	var targets []target
	for _, h := range hosts {
		if h.IsDiscovered() {
			continue
		}
		for _, ruleID := range ruleIDs {
			parentRule := ruleByID[ruleID]
			if !h.LinksTemplate(parentRule.HostID) {
				continue
			}
			child, ok := childRuleFor[ruleHost{ruleID, h.ID}]
			if !ok {
				skip := &MissingChildRuleError{HostID: h.ID, HostName: h.Name, ParentRuleID: ruleID}
				log.Debug("Skipping host", "reason", skip.Error())
				continue
			}
			targets = append(targets, target{host: h, rule: child, parents: parentsByRule[ruleID]})
		}
	}
	return targets, nil
}

// SyncTemplates pushes the native host prototypes of every discovery rule
// owned by templateIDs, restricted to targetHostIDs when it is not empty
func (e *Engine) SyncTemplates(ctx context.Context, templateIDs, targetHostIDs []string) ([]model.HostPrototype, error) {
	if len(templateIDs) == 0 {
		return nil, nil
	}

	rules, err := e.store.ListDiscoveryRules(ctx, &model.DiscoveryRuleFilter{HostIDs: templateIDs})
	if err != nil {
		return nil, persistenceError("loading template discovery rules", err)
	}
	if len(rules) == 0 {
		return nil, nil
	}

	ruleIDs := make([]string, len(rules))
	for i, r := range rules {
		ruleIDs[i] = r.ID
	}
	parents, err := e.store.ListHostPrototypes(ctx, &model.HostPrototypeFilter{DiscoveryRuleIDs: ruleIDs, Native: true})
	if err != nil {
		return nil, persistenceError("loading template host prototypes", err)
	}

	return e.Propagate(ctx, parents, targetHostIDs)
}

// SyncResult summarizes a full resync
type SyncResult struct {
	Templates int
	Changed   int
	Failed    int
	Duration  time.Duration
}

// SyncAll resyncs every template separately. A failing template does not stop
// the others; all failures are returned joined.
func (e *Engine) SyncAll(ctx context.Context) (*SyncResult, error) {
	start := time.Now()
	result := &SyncResult{}

	templates, err := e.store.ListHosts(ctx, &model.HostFilter{Status: model.HostStatusTemplate})
	if err != nil {
		return result, persistenceError("loading templates", err)
	}

	var errs []error
	for _, t := range templates {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		result.Templates++

		changed, err := e.SyncTemplates(ctx, []string{t.ID}, nil)
		result.Changed += len(changed)
		if err != nil {
			result.Failed++
			log.Warn("Template sync failed", "template", t.Name, "error", err)
			errs = append(errs, fmt.Errorf("template %q: %w", t.Name, err))
		}
	}

	result.Duration = time.Since(start)
	log.Info("Template sync completed",
		"templates", result.Templates, "changed", result.Changed,
		"failed", result.Failed, "duration", result.Duration.String())
	return result, errors.Join(errs...)
}

// inheritPrototype builds the child of parent on rule, reusing base when the
// matcher found one
func inheritPrototype(parent *model.HostPrototype, rule *model.DiscoveryRule, base *model.HostPrototype) (model.HostPrototype, []string) {
	child := parent.Clone()
	child.Normalize()
	child.ID = ""
	child.CreatedAt = time.Time{}
	child.UpdatedAt = time.Time{}
	if base != nil {
		child.ID = base.ID
		child.CreatedAt = base.CreatedAt
		child.UpdatedAt = base.UpdatedAt
	}
	child.DiscoveryRuleID = rule.ID
	child.LineageID = parent.ID
	child.UUID = ""

	links, protos, removed := MatchGroups(parent, base)
	child.GroupLinks = links
	child.GroupPrototypes = protos
	return child, removed
}

func findPrototype(protos []model.HostPrototype, id string) *model.HostPrototype {
	if id == "" {
		return nil
	}
	for i := range protos {
		if protos[i].ID == id {
			return &protos[i]
		}
	}
	return nil
}

func ruleIDsOf(protos []model.HostPrototype) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, p := range protos {
		if !seen[p.DiscoveryRuleID] {
			seen[p.DiscoveryRuleID] = true
			ids = append(ids, p.DiscoveryRuleID)
		}
	}
	return ids
}

func persistenceError(op string, err error) error {
	log.Error("Host prototype storage failed", "op", op, "error", err)
	return &PersistenceError{Op: op, Err: err}
}
