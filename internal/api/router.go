package api

import (
	"encoding/json"
	"net/http"

	"github.com/agentoven/agentoven/sandbox-plane/internal/api/handlers"
	"github.com/agentoven/agentoven/sandbox-plane/internal/api/middleware"
	"github.com/agentoven/agentoven/sandbox-plane/internal/config"
	"github.com/agentoven/agentoven/sandbox-plane/internal/metrics"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

const serviceName = "sandbox-plane"

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id", "X-Trace-Id"},
		MaxAge:         300,
	}))
	r.Use(middleware.NewAPIKeyAuth(cfg.APIKeys).Middleware)

	// Health & info
	r.Get("/health", healthHandler(h))
	r.Get("/version", versionHandler(cfg))
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/agents", func(r chi.Router) {
			r.Get("/", h.ListAgents)
			r.Post("/", h.UpsertAgent)
			r.Route("/{agentID}", func(r chi.Router) {
				r.Get("/", h.GetAgent)
				r.Put("/", h.UpsertAgent)
				r.Delete("/", h.DeleteAgent)
				r.Post("/execute", h.ExecuteAgent)
				r.Post("/sessions", h.OpenSession)
			})
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", h.ListSessions)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", h.GetSession)
				r.Post("/execute", h.ExecuteInSession)
				r.Post("/hibernate", h.HibernateSession)
				r.Post("/resume", h.ResumeSession)
				r.Post("/stop", h.StopSession)
				r.Get("/activities", h.ListActivities)
			})
		})
	})

	return r
}

func healthHandler(h *handlers.Handlers) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":      "healthy",
			"service":     serviceName,
			"simulated":   h.Sessions.Simulated(),
			"idle_timers": h.Sessions.IdleTimerCount(),
		})
	}
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": serviceName,
		})
	}
}
