package web

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/onllm-dev/onpace/internal/metrics"
)

// Login attempts allowed per client IP within loginWindow.
const (
	loginAttempts = 10
	loginWindow   = 15 * time.Minute
)

// Server wraps an HTTP server with graceful shutdown capabilities
type Server struct {
	httpServer *http.Server
	handler    *Handler
	limiter    *RateLimiter
	logger     *slog.Logger
}

// NewServer creates a new Server listening on addr. m may be nil.
func NewServer(addr string, handler *Handler, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	limiter := NewRateLimiter(loginAttempts, loginWindow)

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           Routes(handler, m, limiter, logger),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		handler: handler,
		limiter: limiter,
		logger:  logger,
	}
}

// Routes builds the full route table.
func Routes(h *Handler, m *metrics.Metrics, limiter *RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	auth := RequireUser(h.store, h.validator, logger)
	protect := func(fn http.HandlerFunc) http.Handler {
		return auth(fn)
	}

	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", m.Handler())
	mux.Handle("POST /login", RateLimitMiddleware(limiter, logger)(http.HandlerFunc(h.Login)))
	mux.HandleFunc("POST /logout", h.Logout)

	mux.Handle("GET /api/dashboard", protect(h.Dashboard))
	mux.Handle("POST /api/dashboard/refresh", protect(h.RefreshDashboard))
	mux.Handle("GET /api/dashboard/chart-data", protect(h.ChartData))
	mux.Handle("GET /api/usage", protect(h.Usage))
	mux.Handle("POST /api/usage/refresh", protect(h.RefreshUsage))
	mux.Handle("GET /api/usage/today", protect(h.Today))
	mux.Handle("GET /api/usage/history", protect(h.History))
	mux.Handle("PUT /api/timezone", protect(h.UpdateTimezone))

	return InstrumentMiddleware(m)(mux)
}

// Start begins listening for HTTP requests
func (s *Server) Start() error {
	s.logger.Info("starting web server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// PruneLoop drops stale login rate-limit entries every interval until ctx
// is cancelled.
func (s *Server) PruneLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.limiter.Prune(); n > 0 {
				s.logger.Debug("pruned login rate-limit entries", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down web server")
	return s.httpServer.Shutdown(ctx)
}
