package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/martinsuchenak/protosync/internal/inherit"
	"github.com/martinsuchenak/protosync/internal/log"
	"github.com/martinsuchenak/protosync/internal/prototype"
	"github.com/martinsuchenak/protosync/internal/storage"
	"github.com/martinsuchenak/protosync/internal/worker"
)

const maxBodySize = 1 << 20

// Handler handles HTTP requests
type Handler struct {
	store     storage.Store
	service   *prototype.Service
	scheduler *worker.Scheduler
}

// NewHandler creates a new API handler. scheduler may be nil.
func NewHandler(store storage.Store, service *prototype.Service, scheduler *worker.Scheduler) *Handler {
	return &Handler{store: store, service: service, scheduler: scheduler}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Hosts and templates
	mux.HandleFunc("GET /api/hosts", h.listHosts)
	mux.HandleFunc("POST /api/hosts", h.createHost)

	// Discovery rules
	mux.HandleFunc("GET /api/discovery-rules", h.listDiscoveryRules)
	mux.HandleFunc("POST /api/discovery-rules", h.createDiscoveryRule)
	mux.HandleFunc("POST /api/discovery-rules/link", h.linkDiscoveryRules)
	mux.HandleFunc("POST /api/discovery-rules/unlink", h.unlinkDiscoveryRules)

	// Host prototypes
	mux.HandleFunc("GET /api/host-prototypes", h.listHostPrototypes)
	mux.HandleFunc("POST /api/host-prototypes", h.createHostPrototypes)
	mux.HandleFunc("GET /api/host-prototypes/{id}", h.getHostPrototype)
	mux.HandleFunc("PUT /api/host-prototypes/{id}", h.updateHostPrototype)
	mux.HandleFunc("DELETE /api/host-prototypes/{id}", h.deleteHostPrototype)

	// Sync
	mux.HandleFunc("POST /api/templates/sync", h.syncTemplates)
	mux.HandleFunc("GET /api/sync/status", h.syncStatus)
	mux.HandleFunc("POST /api/sync/run", h.runSync)
}

// decode reads a JSON request body into v
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		log.Warn("Invalid request body", "path", r.URL.Path, "error", err)
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// internalError logs the error and writes a generic 500 response
func (h *Handler) internalError(w http.ResponseWriter, err error) {
	log.Error("Internal server error", "error", err)
	h.writeError(w, http.StatusInternalServerError, "Internal Server Error")
}

// writeWriteError is writeServiceError for create and update. A conflict
// below the first level leaves the rows written so far committed, and their
// IDs are reported with the conflict.
func (h *Handler) writeWriteError(w http.ResponseWriter, result *prototype.Result, err error) {
	var conflictErr *inherit.ConflictError
	if result != nil && errors.As(err, &conflictErr) {
		h.writeJSON(w, http.StatusConflict, map[string]any{
			"error":     conflictErr.Error(),
			"conflicts": conflictErr.Messages(),
			"committed": result.IDs(),
		})
		return
	}
	h.writeServiceError(w, err)
}

// writeServiceError maps engine, service and storage errors to responses.
// Persistence and unknown errors never reach the client.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	var conflictErr *inherit.ConflictError
	var cycleErr *inherit.CycleError

	switch {
	case errors.As(err, &conflictErr):
		h.writeJSON(w, http.StatusConflict, map[string]any{
			"error":     conflictErr.Error(),
			"conflicts": conflictErr.Messages(),
		})
	case errors.As(err, &cycleErr):
		h.writeError(w, http.StatusUnprocessableEntity, cycleErr.Error())
	case errors.Is(err, storage.ErrHostNotFound),
		errors.Is(err, storage.ErrDiscoveryRuleNotFound),
		errors.Is(err, storage.ErrHostPrototypeNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case prototype.IsInputError(err):
		h.writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.internalError(w, err)
	}
}
