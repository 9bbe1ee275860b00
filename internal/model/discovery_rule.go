package model

import "time"

// DiscoveryRule is a low-level discovery definition on a host or template
type DiscoveryRule struct {
	ID        string    `json:"id"`
	HostID    string    `json:"host_id"` // Host or template the rule is defined on
	Name      string    `json:"name"`
	Key       string    `json:"key"`
	LineageID string    `json:"lineage_id,omitempty"` // Parent rule this one was inherited from
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsInherited reports whether the rule was copied from a parent template rule
func (r *DiscoveryRule) IsInherited() bool {
	return r.LineageID != ""
}

// DiscoveryRuleFilter holds filter criteria for listing discovery rules
type DiscoveryRuleFilter struct {
	IDs     []string
	HostIDs []string
	Native  bool // Only rules without lineage
}
