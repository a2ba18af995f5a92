// Package handlers contains the HTTP endpoint implementations.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gramcrm/server/internal/auth"
	"github.com/gramcrm/server/internal/dispatch"
	"github.com/gramcrm/server/internal/protocol"
	"github.com/gramcrm/server/internal/repo"
	"github.com/gramcrm/server/internal/session"
)

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]string{"error": message}
	_ = json.NewEncoder(w).Encode(response)
}

// respondJSON sends a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

// respondDomainError maps domain errors onto HTTP statuses. Unknown errors
// become 500 without leaking internals.
func respondDomainError(w http.ResponseWriter, err error) {
	var vErr *auth.ValidationError
	if errors.As(err, &vErr) {
		respondWithError(w, http.StatusBadRequest, vErr.Error())
		return
	}
	var aErr *auth.AuthError
	if errors.As(err, &aErr) {
		respondWithError(w, http.StatusUnauthorized, aErr.Message)
		return
	}
	if wait, ok := protocol.AsFloodWait(err); ok {
		respondWithError(w, http.StatusTooManyRequests,
			fmt.Sprintf("rate limited by upstream, retry in %s", wait))
		return
	}

	switch {
	case errors.Is(err, repo.ErrNotFound):
		respondWithError(w, http.StatusNotFound, "not found")
	case errors.Is(err, auth.ErrNoPendingLogin):
		respondWithError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrNotRunning),
		errors.Is(err, session.ErrAuthInProgress),
		errors.Is(err, session.ErrNoCredential):
		respondWithError(w, http.StatusConflict, err.Error())
	case errors.Is(err, dispatch.ErrEmptyMessage):
		respondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, protocol.ErrSessionInvalid):
		respondWithError(w, http.StatusUnauthorized, "session credential rejected; authentication required")
	case errors.Is(err, protocol.ErrAccountDeactivated):
		respondWithError(w, http.StatusForbidden, "account is deactivated upstream")
	default:
		respondWithError(w, http.StatusInternalServerError, "internal error")
	}
}

// maskPhone masks a phone number for logging (e.g., +49******89)
func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	prefix := phone[:2]
	suffix := phone[len(phone)-2:]
	masked := strings.Repeat("*", len(phone)-4)
	return prefix + masked + suffix
}
