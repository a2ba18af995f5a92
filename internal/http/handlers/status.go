package handlers

import (
	"net/http"

	"github.com/gramcrm/server/internal/status"
)

// StatusHandler exposes the system snapshot.
type StatusHandler struct {
	service *status.Service
}

// NewStatusHandler creates a new status handler
func NewStatusHandler(service *status.Service) *StatusHandler {
	return &StatusHandler{service: service}
}

// HandleStatus handles GET /status
func (h *StatusHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.Snapshot(r.Context())
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "failed to gather status")
		return
	}
	respondJSON(w, http.StatusOK, snap)
}
