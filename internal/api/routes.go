package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ignite/newsletter-queue/internal/config"
)

// SetupRoutes configures all routes. Webhooks authenticate with provider
// signatures; /admin requires the configured bearer token.
func SetupRoutes(cfg config.ServerConfig, h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(requestLogger)

	r.Get("/health", h.health.HandleHealth)
	r.Get("/health/live", h.health.HandleLiveness)
	r.Get("/health/ready", h.health.HandleReadiness)

	r.Post("/webhooks/{provider}", h.HandleWebhook)

	r.Route("/admin", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			MaxAge:         300,
		}))
		r.Use(requireAdminToken(cfg.AdminToken))

		r.Post("/newsletters/{id}/send", h.EnqueueSend)
		r.Get("/newsletters/{id}/summary", h.NewsletterSummary)

		r.Get("/queue", h.ListJobs)
		r.Post("/queue/process", h.ProcessNow)
		r.Post("/queue/retry", h.RetryJobs)
		r.Post("/queue/delete", h.DeleteJobs)
		r.Post("/queue/clear", h.ClearJobs)
	})

	return r
}
