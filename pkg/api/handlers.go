package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/GustavPetterssonBjorklund/Statix/pkg/identity"
	"github.com/GustavPetterssonBjorklund/Statix/pkg/nodeauth"
	"github.com/GustavPetterssonBjorklund/Statix/pkg/store"
)

// timeFormat is the wire format for timestamps in response bodies.
const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// writeError maps recognized error classes onto the status table; any
// unrecognized error yields a logged 500.
func (s *server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, identity.ErrInvalidCredentials),
		errors.Is(err, identity.ErrInvalidToken),
		errors.Is(err, nodeauth.ErrInvalidNodeToken):
		writeJSON(w, http.StatusUnauthorized, errorResponse{err.Error()})
	case errors.Is(err, identity.ErrAccountDisabled),
		errors.Is(err, identity.ErrAccountLocked),
		errors.Is(err, identity.ErrNotBootstrapToken):
		writeJSON(w, http.StatusForbidden, errorResponse{err.Error()})
	case errors.Is(err, identity.ErrInvalidInput),
		errors.Is(err, identity.ErrLastAdmin),
		errors.Is(err, identity.ErrUnknownRole),
		errors.Is(err, identity.ErrUnknownPermission):
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})
	case errors.Is(err, store.ErrConflict):
		writeJSON(w, http.StatusConflict, errorResponse{err.Error()})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{"not found"})
	default:
		s.log.WithError(err).Error("Request failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})
	}
}

// --- Public handlers ---

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"version": s.version,
	})
}

// handleDBHealth pings the database.
func (s *server) handleDBHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.log.WithError(err).Error("Database health check failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false})

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
