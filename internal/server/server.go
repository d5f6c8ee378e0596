package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Modulend/core-v1/internal/domain"
	"github.com/Modulend/core-v1/internal/metrics"
	"github.com/Modulend/core-v1/internal/server/handler"
	"github.com/Modulend/core-v1/internal/server/middleware"
	"github.com/Modulend/core-v1/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// MaxSkew bounds the age of a signed request's timestamp.
	MaxSkew time.Duration
	// RateLimit is requests per RateWindow per client IP; 0 disables it.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health     *handler.HealthHandler
	Agreements *handler.AgreementHandler
}

// Server is the HTTP + WebSocket API of the brokering core.
type Server struct {
	httpServer *http.Server
	router     chi.Router
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered. Mutating routes
// require a signed request; reads are public.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	r := NewRouter(cfg, handlers, wsHub, limiter, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		router:     r,
		logger:     logger,
	}
}

// NewRouter builds the route tree.
func NewRouter(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) chi.Router {
	maxSkew := cfg.MaxSkew
	if maxSkew <= 0 {
		maxSkew = 5 * time.Minute
	}
	window := cfg.RateWindow
	if window <= 0 {
		window = time.Minute
	}

	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.CORSOrigins))
	r.Use(middleware.Logging(logger))
	r.Use(metrics.Middleware)

	r.Get("/api/health", handlers.Health.HealthCheck)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	if wsHub != nil {
		r.Get("/ws", wsHub.HandleWS)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(limiter, cfg.RateLimit, window))

		r.Get("/agreements", handlers.Agreements.ListAgreements)
		r.Get("/agreements/{hash}", handlers.Agreements.GetAgreement)

		r.Group(func(r chi.Router) {
			r.Use(middleware.SignedRequest(maxSkew, time.Now))
			r.Post("/orders/fill", handlers.Agreements.FillOrder)
			r.Post("/agreements/kick", handlers.Agreements.Kick)
			r.Post("/agreements/exit", handlers.Agreements.Exit)
		})
	})

	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
