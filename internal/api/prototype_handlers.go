package api

import (
	"net/http"
	"strconv"

	"github.com/martinsuchenak/protosync/internal/log"
	"github.com/martinsuchenak/protosync/internal/model"
	"github.com/martinsuchenak/protosync/internal/storage"
)

type ruleIDsRequest struct {
	RuleIDs []string `json:"rule_ids"`
	HostIDs []string `json:"host_ids"`
}

type syncRequest struct {
	TemplateIDs []string `json:"template_ids"`
	HostIDs     []string `json:"host_ids"`
}

// listHostPrototypes handles GET /api/host-prototypes
func (h *Handler) listHostPrototypes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := &model.HostPrototypeFilter{
		DiscoveryRuleIDs: q["rule_id"],
		LineageIDs:       q["lineage_id"],
	}
	if v := q.Get("native"); v != "" {
		native, err := strconv.ParseBool(v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid native flag")
			return
		}
		filter.Native = native
	}

	protos, err := h.store.ListHostPrototypes(r.Context(), filter)
	if err != nil {
		h.internalError(w, err)
		return
	}

	log.Debug("Listed host prototypes", "count", len(protos), "rules", filter.DiscoveryRuleIDs)
	h.writeJSON(w, http.StatusOK, protos)
}

// getHostPrototype handles GET /api/host-prototypes/{id}
func (h *Handler) getHostPrototype(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	protos, err := h.store.ListHostPrototypes(r.Context(), &model.HostPrototypeFilter{IDs: []string{id}})
	if err != nil {
		h.internalError(w, err)
		return
	}
	if len(protos) == 0 {
		h.writeServiceError(w, storage.ErrHostPrototypeNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, protos[0])
}

// createHostPrototypes handles POST /api/host-prototypes with a JSON array
func (h *Handler) createHostPrototypes(w http.ResponseWriter, r *http.Request) {
	var protos []model.HostPrototype
	if !h.decode(w, r, &protos) {
		return
	}

	result, err := h.service.Create(r.Context(), protos)
	if err != nil {
		log.Warn("Host prototype creation failed", "count", len(protos), "error", err)
		h.writeWriteError(w, result, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, result)
}

// updateHostPrototype handles PUT /api/host-prototypes/{id}
func (h *Handler) updateHostPrototype(w http.ResponseWriter, r *http.Request) {
	var proto model.HostPrototype
	if !h.decode(w, r, &proto) {
		return
	}
	proto.ID = r.PathValue("id")

	result, err := h.service.Update(r.Context(), []model.HostPrototype{proto})
	if err != nil {
		log.Warn("Host prototype update failed", "id", proto.ID, "error", err)
		h.writeWriteError(w, result, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// deleteHostPrototype handles DELETE /api/host-prototypes/{id}
func (h *Handler) deleteHostPrototype(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	deleted, err := h.service.Delete(r.Context(), []string{id})
	if err != nil {
		log.Warn("Host prototype deletion failed", "id", id, "error", err)
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

// linkDiscoveryRules handles POST /api/discovery-rules/link
func (h *Handler) linkDiscoveryRules(w http.ResponseWriter, r *http.Request) {
	var req ruleIDsRequest
	if !h.decode(w, r, &req) {
		return
	}

	linked, err := h.service.Link(r.Context(), req.RuleIDs, req.HostIDs)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"host_prototypes": nonNil(linked)})
}

// unlinkDiscoveryRules handles POST /api/discovery-rules/unlink
func (h *Handler) unlinkDiscoveryRules(w http.ResponseWriter, r *http.Request) {
	var req ruleIDsRequest
	if !h.decode(w, r, &req) {
		return
	}

	unlinked, err := h.service.Unlink(r.Context(), req.RuleIDs)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"host_prototypes": nonNil(unlinked)})
}

// syncTemplates handles POST /api/templates/sync
func (h *Handler) syncTemplates(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if !h.decode(w, r, &req) {
		return
	}

	changed, err := h.service.SyncTemplates(r.Context(), req.TemplateIDs, req.HostIDs)
	if err != nil {
		log.Warn("Template sync failed", "templates", req.TemplateIDs, "error", err)
		h.writeServiceError(w, err)
		return
	}

	log.Info("Templates synced", "templates", len(req.TemplateIDs), "changed", len(changed))
	h.writeJSON(w, http.StatusOK, map[string]any{"host_prototypes": nonNil(changed)})
}

// syncStatus handles GET /api/sync/status
func (h *Handler) syncStatus(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		h.writeError(w, http.StatusNotFound, "scheduler disabled")
		return
	}
	h.writeJSON(w, http.StatusOK, h.scheduler.Status())
}

// runSync handles POST /api/sync/run
func (h *Handler) runSync(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		h.writeError(w, http.StatusNotFound, "scheduler disabled")
		return
	}
	go h.scheduler.RunNow()
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func nonNil(protos []model.HostPrototype) []model.HostPrototype {
	if protos == nil {
		return []model.HostPrototype{}
	}
	return protos
}
