package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/RubenJachtDigital/ga4-server-side-tagging-sub002/internal/config"
)

// SetupRoutes configures the public collect endpoint and the admin surface.
func SetupRoutes(h *Handlers, cfg config.ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	if cfg.DebugMode {
		r.Use(middleware.Logger)
	}

	// The collect endpoint is called cross-origin from storefront pages;
	// origin enforcement happens in the admission pipeline, not here.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/collect", h.Collect)

		r.Route("/admin", func(r chi.Router) {
			r.Use(adminAuth(cfg.AdminAPIKey))
			r.Post("/process", h.TriggerProcess)
			r.Post("/requeue", h.Requeue)
			r.Get("/stats", h.Stats)
			r.Get("/events/pending", h.PendingEvents)
		})
	})

	return r
}
