package api

import (
	"encoding/json"
	"net/http"

	"github.com/GustavPetterssonBjorklund/Statix/pkg/identity"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string                `json:"token"`
	ExpiresAt string                `json:"expiresAt"`
	User      identity.UserSnapshot `json:"user"`
}

// handleLogin authenticates email/password and mints a session bearer.
func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	if req.Email == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"email and password are required"})

		return
	}

	result, err := s.identity.Login(
		r.Context(), req.Email, req.Password,
		clientIP(r), r.UserAgent(),
	)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token:     result.Token,
		ExpiresAt: result.ExpiresAt.Format(timeFormat),
		User:      result.User,
	})
}

// handleMe returns the authenticated user with its permission union.
func (s *server) handleMe(w http.ResponseWriter, r *http.Request) {
	principal := principalFromContext(r.Context())

	writeJSON(w, http.StatusOK, identity.Snapshot(principal))
}

// handleLogout revokes the current session. Idempotent.
func (s *server) handleLogout(w http.ResponseWriter, r *http.Request) {
	principal := principalFromContext(r.Context())

	if err := s.identity.Logout(
		r.Context(), bearerFromContext(r.Context()), principal,
	); err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleBootstrapStatus reports whether the first admin is unclaimed.
func (s *server) handleBootstrapStatus(w http.ResponseWriter, r *http.Request) {
	needs, err := s.identity.NeedsBootstrap(r.Context())
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"needsBootstrap": needs})
}

type bootstrapClaimRequest struct {
	Token       string `json:"token"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

// handleBootstrapClaim converts the shell admin into a credentialed one.
func (s *server) handleBootstrapClaim(w http.ResponseWriter, r *http.Request) {
	var req bootstrapClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	if req.Token == "" || req.Email == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"token, email and password are required"})

		return
	}

	if err := s.identity.Claim(
		r.Context(), req.Token, req.Email, req.Password, req.DisplayName,
	); err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type setPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

// handleSetPassword completes an invite or reset with a one-time token.
func (s *server) handleSetPassword(w http.ResponseWriter, r *http.Request) {
	var req setPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	if req.Token == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"token and password are required"})

		return
	}

	if err := s.identity.SetPassword(r.Context(), req.Token, req.Password); err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
