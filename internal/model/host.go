package model

import "time"

// HostStatus distinguishes regular hosts, templates and hosts created by discovery
type HostStatus string

const (
	HostStatusMonitored    HostStatus = "monitored"
	HostStatusNotMonitored HostStatus = "not_monitored"
	HostStatusTemplate     HostStatus = "template"
	HostStatusDiscovered   HostStatus = "discovered"
)

// Valid reports whether s is a known host status
func (s HostStatus) Valid() bool {
	switch s {
	case HostStatusMonitored, HostStatusNotMonitored, HostStatusTemplate, HostStatusDiscovered:
		return true
	}
	return false
}

// Host represents a monitored host or a template
type Host struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Status            HostStatus `json:"status"`
	ParentTemplateIDs []string   `json:"parent_template_ids"`
	PrototypeID       string     `json:"prototype_id,omitempty"` // Host prototype a discovered host was created from
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// IsTemplate reports whether the host is a template
func (h *Host) IsTemplate() bool {
	return h.Status == HostStatusTemplate
}

// IsDiscovered reports whether the host was itself created by discovery
func (h *Host) IsDiscovered() bool {
	return h.Status == HostStatusDiscovered
}

// LinksTemplate reports whether templateID is among the host's parent templates
func (h *Host) LinksTemplate(templateID string) bool {
	for _, id := range h.ParentTemplateIDs {
		if id == templateID {
			return true
		}
	}
	return false
}

// HostFilter holds filter criteria for listing hosts
type HostFilter struct {
	Status HostStatus // Filter by status
	Name   string     // Filter by name (partial match)
}
