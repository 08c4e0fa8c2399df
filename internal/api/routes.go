package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	// Public routes (no auth required)
	r.Get("/healthz", h.Health)

	r.Route("/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(h.apiKey))

		r.Post("/session", h.CreateSession)
		r.Get("/session/{id}", h.GetSession)

		r.Get("/migration/status", h.MigrationStatus)

		r.Route("/users/{userID}", func(r chi.Router) {
			r.Post("/merge", h.Merge)
			r.Post("/migration/start", h.StartMigration)
			r.Post("/migration/restart", h.RestartMigration)
			r.Post("/logout", h.Logout)
		})
	})

	return r
}
