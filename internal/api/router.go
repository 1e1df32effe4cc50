package api

import (
	"net/http"

	"github.com/lifeos-nexus/council/internal/api/handlers"
	"github.com/lifeos-nexus/council/internal/api/middleware"
	"github.com/lifeos-nexus/council/internal/config"
	"github.com/rs/zerolog/log"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates the HTTP router with all council routes. ws serves the
// extension socket at /ws and sits outside compression and API key auth.
func NewRouter(cfg *config.Config, h *handlers.Handlers, ws http.Handler) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	// Extension socket
	r.Handle("/ws", ws)

	auth := middleware.NewAPIKeyAuth(cfg.APIKeys)
	if auth.Enabled() {
		log.Info().Int("keys", len(cfg.APIKeys)).Msg("🔐 API key auth enabled")
	}

	r.Group(func(r chi.Router) {
		r.Use(chimw.Compress(5))
		r.Use(auth.Middleware)

		// Health & info
		r.Get("/health", h.Health)
		r.Get("/version", h.VersionInfo)

		// Council
		r.Post("/prompt", h.Prompt)
		r.Get("/auth-status", h.AuthStatus)

		// Conversations (via extension)
		r.Get("/conversations", h.ListConversations)
		r.Get("/conversations/{id}", h.GetConversation)
		r.Delete("/conversations/{id}", h.DeleteConversation)

		// Request history
		r.Get("/requests", h.ListRequests)
		r.Get("/requests/{id}", h.GetRequest)
		r.Delete("/requests/{id}", h.DeleteRequest)
		r.Get("/active-request", h.ActiveRequest)
	})

	// Status page or UI bundle
	if handlers.HasIndex(cfg.StaticDir) {
		log.Info().Str("dir", cfg.StaticDir).Msg("📁 Serving UI bundle")
		r.Handle("/*", handlers.Static(cfg.StaticDir))
	} else {
		r.Get("/", h.Index)
	}

	return r
}
