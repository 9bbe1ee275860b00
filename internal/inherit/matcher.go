package inherit

import "github.com/martinsuchenak/protosync/internal/model"

// MatchResult tells the engine which existing child a parent resolves to.
// An empty ExistingID with no Conflict means a new child must be created.
type MatchResult struct {
	ExistingID string
	Adopted    bool // the existing child had no lineage to this parent before
	Conflict   *ConflictDescription
}

// Match resolves a parent prototype against the existing prototypes of a
// child rule: by lineage first, then by host name when the child is native.
// A same-named child inherited from anything else is a conflict.
func Match(parent *model.HostPrototype, childRule *model.DiscoveryRule, existing []model.HostPrototype) MatchResult {
	for i := range existing {
		if existing[i].LineageID == parent.ID {
			return MatchResult{ExistingID: existing[i].ID}
		}
	}

	for i := range existing {
		child := &existing[i]
		if child.Host != parent.Host {
			continue
		}
		if child.LineageID == "" {
			return MatchResult{ExistingID: child.ID, Adopted: true}
		}
		return MatchResult{Conflict: &ConflictDescription{
			Field:    FieldHost,
			Value:    parent.Host,
			RuleID:   childRule.ID,
			RuleName: childRule.Name,
		}}
	}

	return MatchResult{}
}

// MatchGroups builds the inherited group links and group prototypes of a child
// from the parent's groups. Existing child groups are reused by lineage, then
// by group id for links or by name for prototypes. IDs of child groups that no
// parent group claims are returned as removed.
func MatchGroups(parent *model.HostPrototype, child *model.HostPrototype) (links, protos []model.GroupPrototype, removed []string) {
	var existing []model.GroupPrototype
	if child != nil {
		existing = child.Groups()
	}
	claimed := make([]bool, len(existing))

	claim := func(match func(g *model.GroupPrototype) bool) string {
		for i := range existing {
			if !claimed[i] && match(&existing[i]) {
				claimed[i] = true
				return existing[i].ID
			}
		}
		return ""
	}

	inherit := func(pg model.GroupPrototype) model.GroupPrototype {
		id := claim(func(g *model.GroupPrototype) bool { return g.LineageID == pg.ID })
		if id == "" {
			id = claim(func(g *model.GroupPrototype) bool {
				if pg.IsLink() {
					return g.IsLink() && g.GroupID == pg.GroupID
				}
				return !g.IsLink() && g.Name == pg.Name
			})
		}
		out := model.GroupPrototype{ID: id, GroupID: pg.GroupID, Name: pg.Name, LineageID: pg.ID}
		if child != nil {
			out.HostPrototypeID = child.ID
		}
		return out
	}

	for _, g := range parent.GroupLinks {
		links = append(links, inherit(g))
	}
	for _, g := range parent.GroupPrototypes {
		protos = append(protos, inherit(g))
	}
	for i, g := range existing {
		if !claimed[i] {
			removed = append(removed, g.ID)
		}
	}
	return links, protos, removed
}
