package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/martinsuchenak/protosync/internal/log"
	"github.com/martinsuchenak/protosync/internal/model"
)

// listHosts handles GET /api/hosts
func (h *Handler) listHosts(w http.ResponseWriter, r *http.Request) {
	filter := &model.HostFilter{
		Status: model.HostStatus(r.URL.Query().Get("status")),
		Name:   r.URL.Query().Get("name"),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		h.writeError(w, http.StatusBadRequest, "invalid status: "+string(filter.Status))
		return
	}

	hosts, err := h.store.ListHosts(r.Context(), filter)
	if err != nil {
		h.internalError(w, err)
		return
	}

	log.Debug("Listed hosts", "count", len(hosts), "status", filter.Status)
	h.writeJSON(w, http.StatusOK, hosts)
}

// createHost handles POST /api/hosts
func (h *Handler) createHost(w http.ResponseWriter, r *http.Request) {
	var host model.Host
	if !h.decode(w, r, &host) {
		return
	}

	if strings.TrimSpace(host.Name) == "" {
		h.writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if host.Status != "" && !host.Status.Valid() {
		h.writeError(w, http.StatusBadRequest, "invalid status: "+string(host.Status))
		return
	}
	host.ID = ""

	if len(host.ParentTemplateIDs) > 0 {
		templates, err := h.store.GetHosts(r.Context(), host.ParentTemplateIDs)
		if err != nil {
			h.internalError(w, err)
			return
		}
		found := make(map[string]bool, len(templates))
		for _, t := range templates {
			if t.IsTemplate() {
				found[t.ID] = true
			}
		}
		for _, id := range host.ParentTemplateIDs {
			if !found[id] {
				h.writeError(w, http.StatusBadRequest, "unknown template: "+id)
				return
			}
		}
	}

	if err := h.store.CreateHost(r.Context(), &host); err != nil {
		h.internalError(w, err)
		return
	}

	log.Info("Host created", "id", host.ID, "name", host.Name, "status", host.Status)
	h.writeJSON(w, http.StatusCreated, host)
}

// listDiscoveryRules handles GET /api/discovery-rules
func (h *Handler) listDiscoveryRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := &model.DiscoveryRuleFilter{HostIDs: q["host_id"]}
	if v := q.Get("native"); v != "" {
		native, err := strconv.ParseBool(v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid native flag")
			return
		}
		filter.Native = native
	}

	rules, err := h.store.ListDiscoveryRules(r.Context(), filter)
	if err != nil {
		h.internalError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rules)
}

// createDiscoveryRule handles POST /api/discovery-rules
func (h *Handler) createDiscoveryRule(w http.ResponseWriter, r *http.Request) {
	var rule model.DiscoveryRule
	if !h.decode(w, r, &rule) {
		return
	}

	if rule.HostID == "" || strings.TrimSpace(rule.Name) == "" {
		h.writeError(w, http.StatusBadRequest, "host_id and name are required")
		return
	}
	rule.ID = ""

	owners, err := h.store.GetHosts(r.Context(), []string{rule.HostID})
	if err != nil {
		h.internalError(w, err)
		return
	}
	if len(owners) == 0 {
		h.writeError(w, http.StatusNotFound, "host not found")
		return
	}

	if rule.LineageID != "" {
		parents, err := h.store.GetDiscoveryRules(r.Context(), []string{rule.LineageID})
		if err != nil {
			h.internalError(w, err)
			return
		}
		if len(parents) == 0 {
			h.writeError(w, http.StatusBadRequest, "unknown parent discovery rule: "+rule.LineageID)
			return
		}
		if !owners[0].LinksTemplate(parents[0].HostID) {
			h.writeError(w, http.StatusBadRequest, "host does not link the template of the parent discovery rule")
			return
		}
	}

	if err := h.store.CreateDiscoveryRule(r.Context(), &rule); err != nil {
		h.internalError(w, err)
		return
	}

	log.Info("Discovery rule created", "id", rule.ID, "host_id", rule.HostID, "lineage_id", rule.LineageID)
	h.writeJSON(w, http.StatusCreated, rule)
}
