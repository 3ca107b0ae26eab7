package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/hub"
	"github.com/opensource-finance/harrier/internal/metrics"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	if deps.MaxBodyBytes == 0 {
		deps.MaxBodyBytes = cfg.MaxBodyBytes
	}
	handler := NewHandler(deps)
	router := chi.NewRouter()

	router.Use(CORSMiddleware(cfg.AllowedOrigins))
	router.Use(RecoverMiddleware(handler.logger))
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware(handler.logger))
	router.Use(middleware.RealIP)

	// Health and metrics endpoints
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Handle("/metrics", metrics.Handler())

	// JSON API
	router.Group(func(r chi.Router) {
		r.Use(middleware.Compress(5)) // Gzip compression

		// Scoring
		r.Post("/score", handler.Score)
		r.Post("/ingest", handler.Ingest)

		// Transaction and profile retrieval
		r.Get("/transactions/{id}", handler.GetTransaction)
		r.Get("/users/{id}/profile", handler.GetProfile)

		// Alert lifecycle
		r.Get("/alerts", handler.ListAlerts)
		r.Get("/alerts/{id}", handler.GetAlert)
		r.Patch("/alerts/{id}", handler.UpdateAlert)

		// Rule catalog and statistics
		r.Get("/rules", handler.ListRules)
		r.Get("/stats", handler.Stats)
	})

	// Live channels
	if deps.Hub != nil {
		router.Get("/ws/transactions", deps.Hub.Handler(hub.ChannelTransactions))
		router.Get("/ws/alerts", deps.Hub.Handler(hub.ChannelAlerts))
	}

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	// Websocket connections reset their own deadlines after the upgrade.
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
