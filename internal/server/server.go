// Package server exposes the settlement engine and prediction registry over
// HTTP and streams their events over WebSocket.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/forecastpool/internal/domain"
	"github.com/alanyoungcy/forecastpool/internal/server/handler"
	"github.com/alanyoungcy/forecastpool/internal/server/middleware"
	"github.com/alanyoungcy/forecastpool/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // operator key; if empty, operator routes reject every request
	// RateLimit caps signed participant requests per client IP per
	// RateWindow. Zero disables limiting.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health   *handler.HealthHandler
	Rounds   *handler.RoundHandler
	Operator *handler.OperatorHandler
	Registry *handler.RegistryHandler
}

// Options carries the optional collaborators of the server.
type Options struct {
	Hub      *ws.Hub
	Limiter  domain.RateLimiter
	Metrics  http.Handler
	Observer middleware.Observer
}

// Server is the headless HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (logging, CORS, operator auth, rate limiting) and
// attaches the WebSocket hub.
func NewServer(cfg Config, handlers Handlers, opts Options, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	operator := middleware.Auth(cfg.APIKey, logger)
	op := func(f http.HandlerFunc) http.Handler { return operator(f) }

	signed := func(f http.HandlerFunc) http.Handler { return f }
	if opts.Limiter != nil && cfg.RateLimit > 0 {
		limit := middleware.RateLimit(opts.Limiter, "participant", cfg.RateLimit, cfg.RateWindow, logger)
		signed = func(f http.HandlerFunc) http.Handler { return limit(f) }
	}

	// --- Register routes ---

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Round queries.
	rounds := handlers.Rounds
	mux.HandleFunc("GET /api/rounds", rounds.ListRounds)
	mux.HandleFunc("GET /api/rounds/{id}", rounds.GetRound)
	mux.HandleFunc("GET /api/rounds/{id}/distribution", rounds.GetDistribution)
	mux.HandleFunc("GET /api/rounds/{id}/wagers", rounds.ListWagers)
	mux.HandleFunc("GET /api/rounds/{id}/wagers/{participant}", rounds.GetWager)
	mux.HandleFunc("GET /api/settings", rounds.GetSettings)
	mux.HandleFunc("GET /api/treasury", rounds.GetTreasury)

	// Signed participant operations.
	mux.Handle("POST /api/rounds/{id}/wagers", signed(rounds.PlaceWager))
	mux.Handle("POST /api/rounds/{id}/claim", signed(rounds.Claim))

	// Trigger interface.
	ops := handlers.Operator
	mux.HandleFunc("GET /api/upkeep", ops.CheckUpkeep)
	mux.Handle("POST /api/upkeep", op(ops.PerformUpkeep))

	// Operator lifecycle and settings.
	mux.Handle("POST /api/operator/rounds", op(ops.StartRound))
	mux.Handle("POST /api/operator/rounds/{id}/resolve", op(ops.ResolveRound))
	mux.Handle("PUT /api/operator/settings/fee", op(ops.SetFee))
	mux.Handle("PUT /api/operator/settings/threshold", op(ops.SetThreshold))
	mux.Handle("PUT /api/operator/settings/auto-distribution", op(ops.SetAutoDistribution))
	mux.Handle("POST /api/operator/pause", op(ops.Pause))
	mux.Handle("POST /api/operator/unpause", op(ops.Unpause))
	mux.Handle("POST /api/operator/withdraw", op(ops.Withdraw))
	mux.Handle("GET /api/operator/ledger", op(ops.Ledger))

	// Registry.
	reg := handlers.Registry
	mux.HandleFunc("GET /api/predictions", reg.ListPredictions)
	mux.HandleFunc("GET /api/predictions/latest", reg.Latest)
	mux.HandleFunc("GET /api/predictions/{id}", reg.GetPrediction)
	mux.Handle("POST /api/predictions", signed(reg.Submit))
	mux.HandleFunc("GET /api/price", reg.Price)
	mux.HandleFunc("POST /api/feed/price", reg.FeedPrice)
	mux.HandleFunc("GET /api/forecasters", reg.ListForecasters)
	mux.HandleFunc("GET /api/sources", reg.ListSources)
	mux.Handle("POST /api/operator/forecasters/{address}", op(reg.AuthorizeForecaster))
	mux.Handle("DELETE /api/operator/forecasters/{address}", op(reg.RevokeForecaster))
	mux.Handle("POST /api/operator/predictions/{id}/deactivate", op(reg.Deactivate))
	mux.Handle("PUT /api/operator/sources/{name}", op(reg.PutSource))

	// WebSocket endpoint.
	if opts.Hub != nil {
		mux.HandleFunc("GET /ws", opts.Hub.HandleWS)
	}
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	// Build the middleware chain.
	var h http.Handler = mux
	h = middleware.Logging(logger, opts.Observer)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		handler:    h,
		logger:     logger,
	}
}

// Handler returns the fully wrapped handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
