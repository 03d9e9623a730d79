package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	credentialLimiter := s.credentialRateLimiter()

	// Public endpoints.
	r.Get("/health", s.handleHealth)
	r.Get("/db/health", s.handleDBHealth)

	r.Route("/auth", func(r chi.Router) {
		r.Get("/bootstrap/status", s.handleBootstrapStatus)

		r.Group(func(r chi.Router) {
			r.Use(credentialLimiter)

			r.Post("/bootstrap/claim", s.handleBootstrapClaim)
			r.Post("/login", s.handleLogin)
			r.Post("/set-password", s.handleSetPassword)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			r.Get("/me", s.handleMe)
			r.Post("/logout", s.handleLogout)
		})

		// Admin-only identity management.
		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Use(s.requireAdmin)

			r.Get("/users", s.handleListUsers)
			r.Post("/users", s.handleCreateUser)
			r.Delete("/users/{userId}", s.handleDeleteUser)
			r.Post("/users/{userId}/roles", s.handleReplaceUserRoles)

			r.Get("/roles", s.handleListRoles)
			r.Post("/roles", s.handleCreateRole)
			r.Post("/roles/{roleName}/permissions", s.handleReplaceRolePermissions)

			r.Get("/permissions", s.handleListPermissions)
		})
	})

	r.Route("/nodes", func(r chi.Router) {
		// Agent credential exchange is unauthenticated: the node token
		// is the proof.
		r.With(credentialLimiter).Post("/auth/exchange", s.handleNodeExchange)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			r.Get("/", s.handleListNodes)
			r.Post("/create", s.handleCreateNode)
			r.Get("/{nodeId}/metrics", s.handleNodeMetrics)
			r.Patch("/{nodeId}", s.handleRenameNode)
			r.Delete("/{nodeId}", s.handleDeleteNode)
		})
	})

	r.Get("/ws/nodes", s.handleNodesSocket)

	return r
}

// corsMiddleware returns a CORS handler configured from the server config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods:   []string{"GET", "HEAD", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           300,
	}

	origins := s.cfg.Server.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		// Reflect the requesting origin so credentials work from any origin.
		opts.AllowOriginFunc = func(_ *http.Request, _ string) bool {
			return true
		}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
