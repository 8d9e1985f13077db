package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gatekeeper/internal/auth"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Session endpoints authenticate with the body, not a header
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/refresh", s.handleRefresh)
		r.Post("/auth/logout", s.handleLogout)

		r.With(s.optionalAuthMiddleware).Get("/info", s.handleInfo)

		r.With(s.bearerAuthMiddleware).Get("/auth/me", s.handleMe)

		r.Group(func(r chi.Router) {
			r.Use(s.flexibleAuthMiddleware)

			r.Post("/auth/logout-all", s.handleLogoutAll)
			r.Get("/auth/sessions", s.handleListSessions)
			r.Delete("/auth/sessions/{sessionID}", s.handleRevokeSession)

			r.Route("/users", func(r chi.Router) {
				r.With(s.requireRole(auth.RoleAdmin)).Get("/", s.handleListUsers)
				r.With(s.requireRole(auth.RoleAdmin)).Post("/", s.handleCreateUser)

				r.Route("/{userID}", func(r chi.Router) {
					r.With(s.requireRole(auth.RoleAdmin)).Delete("/", s.handleDeleteUser)

					r.Group(func(r chi.Router) {
						r.Use(s.requireOwnerOrAdmin("userID"))

						r.Get("/", s.handleGetUser)
						r.Patch("/", s.handleUpdateUser)
						r.Put("/password", s.handleChangePassword)
						r.Get("/sessions", s.handleListUserSessions)
						r.Delete("/sessions", s.handleRevokeUserSessions)

						r.Route("/api-keys", func(r chi.Router) {
							r.Get("/", s.handleListAPIKeys)
							r.Post("/", s.handleCreateAPIKey)
							r.Delete("/{keyID}", s.handleRevokeAPIKey)
						})
					})
				})
			})

			r.Group(func(r chi.Router) {
				r.Use(s.requireRole(auth.RoleAdmin))

				r.Get("/audit", s.handleListAuditLogs)
				r.Get("/metrics", s.handleMetrics)
				if s.hub != nil {
					r.Get("/events/ws", s.handleEventStream)
				}
			})
		})
	})

	return r
}
