// Package api exposes the conversation surface over HTTP: sending turns,
// paging windows, search, export/import, delivery metrics, and a websocket
// that relays session events to the presentation layer.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/parleyhq/parley/internal/deliver"
	"github.com/parleyhq/parley/internal/session"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/window"
)

// ServerConfig contains the collaborators behind the HTTP surface.
type ServerConfig struct {
	Logger      *slog.Logger
	Store       *store.Store        // Required
	Windows     *window.Manager     // Required
	Controller  *session.Controller // Required
	Coordinator *deliver.Coordinator
	CORSOrigins []string

	// StateFile backs the current-conversation resource. Empty disables it.
	StateFile string
}

// Server is the JSON API HTTP server.
type Server struct {
	router http.Handler
}

// NewServer creates the API server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Store == nil || cfg.Windows == nil || cfg.Controller == nil {
		return nil, errors.New("store, windows, and controller are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &handlers{
		store:       cfg.Store,
		windows:     cfg.Windows,
		controller:  cfg.Controller,
		coordinator: cfg.Coordinator,
		corsOrigins: cfg.CORSOrigins,
		stateFile:   cfg.StateFile,
		logger:      logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(cfg.CORSOrigins))

	r.Get("/healthz", h.health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/conversations", h.listConversations)
		r.Delete("/conversations/{id}", h.deleteConversation)
		r.Get("/conversations/{id}/messages", h.windowPage)
		r.Post("/conversations/{id}/messages", h.send)
		r.Get("/conversations/{id}/export", h.exportConversation)
		r.Get("/conversations/{id}/stream", h.stream)
		r.Post("/messages/{id}/retry", h.retry)
		r.Get("/search", h.search)
		r.Get("/export", h.exportAll)
		r.Post("/import", h.importBundle)
		r.Get("/metrics", h.metrics)
		r.Get("/state/current-conversation", h.currentConversation)
		r.Put("/state/current-conversation", h.setCurrentConversation)
		r.Delete("/state/current-conversation", h.clearCurrentConversation)
	})

	return &Server{router: r}, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type handlers struct {
	store       *store.Store
	windows     *window.Manager
	controller  *session.Controller
	coordinator *deliver.Coordinator
	corsOrigins []string
	stateFile   string
	logger      *slog.Logger
}

// corsMiddleware allows the configured origins. An empty list disables
// cross-origin access entirely.
func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && allowed[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// health serves liveness probes.
func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
