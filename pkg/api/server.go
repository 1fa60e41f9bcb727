// Package api exposes the bridge over HTTP: ask endpoints, credential and
// model views, the lifecycle event stream, health, and metrics.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odvcencio/chatbridge/pkg/bus"
	"github.com/odvcencio/chatbridge/pkg/credential"
	"github.com/odvcencio/chatbridge/pkg/logging"
	"github.com/odvcencio/chatbridge/pkg/model"
	"github.com/odvcencio/chatbridge/pkg/storage"
	"github.com/odvcencio/chatbridge/pkg/stream"
)

// Asker runs one logical chat request, emitting output events on out.
// *relay.Relay satisfies it.
type Asker interface {
	Ask(ctx context.Context, req model.AskRequest, out *stream.Stream)
}

// Server is the bridge API server.
type Server struct {
	asker      Asker
	pool       *credential.Pool
	store      *storage.Store
	eventBus   bus.MessageBus
	logger     *logging.Logger
	httpServer *http.Server
}

// ServerConfig configures the API server.
type ServerConfig struct {
	// Address to listen on (default: 127.0.0.1:8091)
	Address string

	// Asker handles chat requests (required)
	Asker Asker

	// Pool backs the credentials view (optional)
	Pool *credential.Pool

	// Store backs the usage ledger views (optional)
	Store *storage.Store

	// EventBus feeds the lifecycle stream endpoints (optional)
	EventBus bus.MessageBus

	// Logger receives request events (optional)
	Logger *logging.Logger

	// RatePerSecond caps ask submissions; zero disables limiting
	RatePerSecond float64
	RateBurst     int

	// AllowedOrigins for CORS and WebSocket upgrades; empty means any
	AllowedOrigins []string
}

// NewServer creates a new API server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:8091"
	}

	s := &Server{
		asker:    cfg.Asker,
		pool:     cfg.Pool,
		store:    cfg.Store,
		eventBus: cfg.EventBus,
		logger:   cfg.Logger,
	}

	r := chi.NewRouter()
	r.Use(corsMiddleware(cfg.AllowedOrigins))
	r.Use(s.loggingMiddleware)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		ask := r.With(rateLimitMiddleware(cfg.RatePerSecond, cfg.RateBurst))
		ask.Post("/ask", s.handleAsk)
		ask.Post("/ask/stream", s.handleAskStream)

		r.Get("/models", s.handleListModels)
		r.Get("/credentials", s.handleListCredentials)
		r.Get("/evictions", s.handleListEvictions)
		r.Get("/stream", s.handleStream)
		r.Get("/ws", s.handleWebSocket)
	})

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // long for streaming
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the server's HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the API server and blocks until it stops.
func (s *Server) Start() error {
	if s.logger != nil {
		s.logger.Info(logging.CategoryAPI, "server_started", "",
			map[string]any{"address": s.httpServer.Addr})
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
