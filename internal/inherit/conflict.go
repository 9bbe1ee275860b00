package inherit

import (
	"context"
	"fmt"

	"github.com/martinsuchenak/protosync/internal/log"
	"github.com/martinsuchenak/protosync/internal/model"
	"github.com/martinsuchenak/protosync/internal/storage"
)

type nameKey struct {
	rule  string
	field ConflictField
	value string
}

// CheckNoDuplicates reports host names and visible names that occur more
// than once among candidates of the same discovery rule
func CheckNoDuplicates(candidates []model.HostPrototype) []ConflictDescription {
	seen := make(map[nameKey]bool)
	var conflicts []ConflictDescription

	for i := range candidates {
		c := &candidates[i]
		for _, key := range candidateKeys(c) {
			if seen[key] {
				conflicts = append(conflicts, ConflictDescription{Field: key.field, Value: key.value, RuleID: key.rule})
				continue
			}
			seen[key] = true
		}
	}
	return conflicts
}

func candidateKeys(p *model.HostPrototype) []nameKey {
	return []nameKey{
		{rule: p.DiscoveryRuleID, field: FieldHost, value: p.Host},
		{rule: p.DiscoveryRuleID, field: FieldVisibleName, value: p.VisibleName()},
	}
}

// Checker vets candidates against each other and against stored prototypes
type Checker struct {
	repo storage.Repository
}

// NewChecker returns a Checker reading from repo
func NewChecker(repo storage.Repository) *Checker {
	return &Checker{repo: repo}
}

// CheckRepository reports candidates whose names are taken by a stored
// prototype of the same rule with a different ID. Stored prototypes that are
// themselves in the batch are ignored since their names are about to change.
func (c *Checker) CheckRepository(ctx context.Context, candidates []model.HostPrototype) ([]ConflictDescription, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	inBatch := make(map[string]bool, len(candidates))
	var ruleIDs []string
	for _, p := range candidates {
		if p.ID != "" {
			inBatch[p.ID] = true
		}
		ruleIDs = append(ruleIDs, p.DiscoveryRuleID)
	}

	stored, err := c.repo.FindHostPrototypesByRuleIDs(ctx, ruleIDs)
	if err != nil {
		return nil, fmt.Errorf("loading stored host prototypes: %w", err)
	}

	taken := make(map[nameKey]string)
	for i := range stored {
		if inBatch[stored[i].ID] {
			continue
		}
		for _, key := range candidateKeys(&stored[i]) {
			taken[key] = stored[i].ID
		}
	}

	var conflicts []ConflictDescription
	for i := range candidates {
		for _, key := range candidateKeys(&candidates[i]) {
			if id, ok := taken[key]; ok && id != candidates[i].ID {
				conflicts = append(conflicts, ConflictDescription{Field: key.field, Value: key.value, RuleID: key.rule})
			}
		}
	}
	return conflicts, nil
}

// Check runs both duplicate checks and returns a described ConflictError
// when any of them fails
func (c *Checker) Check(ctx context.Context, candidates []model.HostPrototype) error {
	conflicts := CheckNoDuplicates(candidates)

	stored, err := c.CheckRepository(ctx, candidates)
	if err != nil {
		return err
	}
	conflicts = append(conflicts, stored...)

	if len(conflicts) == 0 {
		return nil
	}
	return c.Conflict(ctx, conflicts)
}

// Conflict fills rule and owner names into conflicts and wraps them in a
// ConflictError. Lookup failures leave the names empty.
func (c *Checker) Conflict(ctx context.Context, conflicts []ConflictDescription) *ConflictError {
	var ruleIDs []string
	for _, d := range conflicts {
		ruleIDs = append(ruleIDs, d.RuleID)
	}

	rules, err := c.repo.GetDiscoveryRules(ctx, ruleIDs)
	if err != nil {
		log.Debug("Conflict rule lookup failed", "rules", len(ruleIDs), "error", err)
	}
	ruleByID := make(map[string]model.DiscoveryRule, len(rules))
	var ownerIDs []string
	for _, r := range rules {
		ruleByID[r.ID] = r
		ownerIDs = append(ownerIDs, r.HostID)
	}

	owners, err := c.repo.GetHosts(ctx, ownerIDs)
	if err != nil {
		log.Debug("Conflict owner lookup failed", "hosts", len(ownerIDs), "error", err)
	}
	ownerByID := make(map[string]model.Host, len(owners))
	for _, h := range owners {
		ownerByID[h.ID] = h
	}

	out := make([]ConflictDescription, len(conflicts))
	for i, d := range conflicts {
		if r, ok := ruleByID[d.RuleID]; ok {
			if d.RuleName == "" {
				d.RuleName = r.Name
			}
			if h, ok := ownerByID[r.HostID]; ok {
				d.OwnerName = h.Name
				d.OwnerIsTemplate = h.IsTemplate()
			}
		}
		out[i] = d
	}
	return &ConflictError{Conflicts: out}
}
