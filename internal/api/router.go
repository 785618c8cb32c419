package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Auro-rium/aex/internal/api/handlers"
	"github.com/Auro-rium/aex/internal/api/middleware"
	"github.com/Auro-rium/aex/internal/config"
	"github.com/Auro-rium/aex/internal/identity"
	"github.com/Auro-rium/aex/internal/store"
)

// NewRouter creates the HTTP router with all gateway routes. The /v1 tree
// is mirrored under /openai/v1 so SDKs configured with a base_url of either
// shape work unchanged.
func NewRouter(cfg *config.Config, h *handlers.Handlers, auth *identity.Authenticator, s *store.Store) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-AEX-Step-Id", "X-AEX-Provider-Key", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-AEX-Execution-Id", "X-AEX-Reserve-Micro", "X-AEX-Commit-Micro", "X-AEX-Idempotent-Hit"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/ready", readyHandler(s))
	r.Get("/version", versionHandler(cfg))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	v1 := func(r chi.Router) {
		r.Use(middleware.BearerAuth(auth))

		r.Post("/chat/completions", h.ChatCompletions)
		r.Post("/responses", h.Responses)
		r.Post("/embeddings", h.Embeddings)
		r.Post("/tools/execute", h.ToolsExecute)

		r.Get("/models", h.ListModels)
		r.Get("/executions/{executionID}", h.GetExecution)
		r.Get("/agents/me", h.Me)
	}
	r.Route("/v1", v1)
	r.Route("/openai/v1", v1)

	// Admin control surface
	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.AdminKey(cfg.AdminControlKey))

		r.Get("/activity", h.Activity)
		r.Get("/replay", h.Replay)
		r.Post("/reload_config", h.ReloadConfig)
		r.Post("/control/{action}", h.Control)
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "aex-gateway",
	})
}

func readyHandler(s *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "store unavailable"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	}
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "aex-gateway",
		})
	}
}
