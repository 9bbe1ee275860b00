package model

import (
	"slices"
	"time"
)

// PrototypeStatus is the status given to hosts created from a prototype
type PrototypeStatus string

const (
	PrototypeStatusEnabled  PrototypeStatus = "enabled"
	PrototypeStatusDisabled PrototypeStatus = "disabled"
)

// InventoryMode controls how inventory is populated on discovered hosts
type InventoryMode string

const (
	InventoryDisabled  InventoryMode = "disabled"
	InventoryManual    InventoryMode = "manual"
	InventoryAutomatic InventoryMode = "automatic"
)

// HostPrototype describes hosts that a discovery rule creates
type HostPrototype struct {
	ID              string           `json:"id"`
	DiscoveryRuleID string           `json:"discovery_rule_id"`
	Host            string           `json:"host"` // Technical name, unique per rule
	Name            string           `json:"name"` // Visible name, unique per rule
	Status          PrototypeStatus  `json:"status"`
	Discover        bool             `json:"discover"`
	InventoryMode   InventoryMode    `json:"inventory_mode"`
	UUID            string           `json:"uuid,omitempty"`
	LineageID       string           `json:"lineage_id,omitempty"` // Prototype this one was inherited from
	GroupLinks      []GroupPrototype `json:"group_links"`
	GroupPrototypes []GroupPrototype `json:"group_prototypes"`
	Templates       []string         `json:"templates"`
	Tags            []Tag            `json:"tags"`
	Macros          []Macro          `json:"macros"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// GroupPrototype is either a static link to an existing host group (GroupID)
// or a group name pattern evaluated per discovered value (Name)
type GroupPrototype struct {
	ID              string `json:"id,omitempty"`
	HostPrototypeID string `json:"host_prototype_id,omitempty"`
	GroupID         string `json:"group_id,omitempty"`
	Name            string `json:"name,omitempty"`
	LineageID       string `json:"lineage_id,omitempty"`
}

// IsLink reports whether the group prototype is a static group link
func (g *GroupPrototype) IsLink() bool {
	return g.GroupID != ""
}

// Tag is a host tag copied onto discovered hosts
type Tag struct {
	Tag   string `json:"tag"`
	Value string `json:"value"`
}

// Macro is a user macro copied onto discovered hosts
type Macro struct {
	Macro       string `json:"macro"`
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
}

// HostPrototypeFilter holds filter criteria for listing host prototypes
type HostPrototypeFilter struct {
	IDs              []string
	DiscoveryRuleIDs []string
	LineageIDs       []string
	Native           bool // Only prototypes without lineage
}

// IsInherited reports whether the prototype was copied from a template
func (p *HostPrototype) IsInherited() bool {
	return p.LineageID != ""
}

// VisibleName returns Name, falling back to the technical name
func (p *HostPrototype) VisibleName() string {
	if p.Name == "" {
		return p.Host
	}
	return p.Name
}

// Normalize fills defaults for the display name, status and inventory mode
func (p *HostPrototype) Normalize() {
	if p.Name == "" {
		p.Name = p.Host
	}
	if p.Status == "" {
		p.Status = PrototypeStatusEnabled
	}
	if p.InventoryMode == "" {
		p.InventoryMode = InventoryDisabled
	}
}

// Groups returns group links followed by group prototypes
func (p *HostPrototype) Groups() []GroupPrototype {
	groups := make([]GroupPrototype, 0, len(p.GroupLinks)+len(p.GroupPrototypes))
	groups = append(groups, p.GroupLinks...)
	return append(groups, p.GroupPrototypes...)
}

// Clone returns a deep copy of the prototype
func (p HostPrototype) Clone() HostPrototype {
	p.GroupLinks = slices.Clone(p.GroupLinks)
	p.GroupPrototypes = slices.Clone(p.GroupPrototypes)
	p.Templates = slices.Clone(p.Templates)
	p.Tags = slices.Clone(p.Tags)
	p.Macros = slices.Clone(p.Macros)
	return p
}

// SameDefinition reports whether o stores exactly the same definition as p,
// ignoring timestamps. Group, tag, macro and template order is significant.
func (p *HostPrototype) SameDefinition(o *HostPrototype) bool {
	if p.ID != o.ID || p.DiscoveryRuleID != o.DiscoveryRuleID || p.LineageID != o.LineageID {
		return false
	}
	if p.Host != o.Host || p.VisibleName() != o.VisibleName() || p.Status != o.Status ||
		p.Discover != o.Discover || p.InventoryMode != o.InventoryMode || p.UUID != o.UUID {
		return false
	}
	return sameGroups(p.GroupLinks, o.GroupLinks) &&
		sameGroups(p.GroupPrototypes, o.GroupPrototypes) &&
		slices.Equal(p.Templates, o.Templates) &&
		slices.Equal(p.Tags, o.Tags) &&
		slices.Equal(p.Macros, o.Macros)
}

func sameGroups(a, b []GroupPrototype) bool {
	return slices.EqualFunc(a, b, func(x, y GroupPrototype) bool {
		return x.ID == y.ID && x.GroupID == y.GroupID && x.Name == y.Name && x.LineageID == y.LineageID
	})
}
