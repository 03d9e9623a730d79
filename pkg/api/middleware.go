package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/GustavPetterssonBjorklund/Statix/pkg/store"
)

type contextKey string

const (
	principalContextKey contextKey = "principal"
	bearerContextKey    contextKey = "bearer"
)

// requestLogger logs incoming HTTP requests.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		s.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("remote", r.RemoteAddr).
			WithField("duration", time.Since(start)).
			Debug("Request handled")
	})
}

// requireAuth resolves the Authorization bearer to a session principal
// and injects it into the request context.
func (s *server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bearer := bearerFromRequest(r)
		if bearer == "" {
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"authentication required"})

			return
		}

		principal, err := s.identity.Authenticate(r.Context(), bearer)
		if err != nil {
			s.writeError(w, err)

			return
		}

		ctx := context.WithValue(r.Context(), principalContextKey, principal)
		ctx = context.WithValue(ctx, bearerContextKey, bearer)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAdmin gates the identity-management routes on the admin role.
func (s *server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := principalFromContext(r.Context())
		if principal == nil || !principal.HasRole(store.RoleAdmin) {
			writeJSON(w, http.StatusForbidden,
				errorResponse{"insufficient permissions"})

			return
		}

		next.ServeHTTP(w, r)
	})
}

// principalFromContext extracts the session principal, nil when absent.
func principalFromContext(ctx context.Context) *store.SessionPrincipal {
	principal, _ := ctx.Value(principalContextKey).(*store.SessionPrincipal)

	return principal
}

// bearerFromContext returns the raw bearer used to authenticate.
func bearerFromContext(ctx context.Context) string {
	bearer, _ := ctx.Value(bearerContextKey).(string)

	return bearer
}

// bearerFromRequest extracts the bearer from the Authorization header.
func bearerFromRequest(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}

	return strings.TrimSpace(header[len("Bearer "):])
}

// canReadNode reports whether the principal may read one node.
func canReadNode(principal *store.SessionPrincipal, nodeID string) bool {
	return principal.HasPermission("nodes:read") ||
		principal.HasPermission("node:read:"+nodeID)
}

// canWriteNode reports whether the principal may mutate one node.
func canWriteNode(principal *store.SessionPrincipal, nodeID string) bool {
	return principal.HasPermission("nodes:delete") ||
		principal.HasPermission("node:write:"+nodeID)
}

// hasAnyNodeRead reports whether the principal holds any per-node read
// grant; used to filter multi-node listings.
func hasAnyNodeRead(principal *store.SessionPrincipal) bool {
	for _, code := range principal.Permissions {
		if strings.HasPrefix(code, "node:read:") {
			return true
		}
	}

	return false
}
