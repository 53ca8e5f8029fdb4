// Package server exposes the service over HTTP with gin.
//
// Identity is taken from the X-Account-ID header, which the upstream
// identity provider sets; the server does not authenticate callers itself.
// Admin routes additionally require X-Admin-Token.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/unlockd/internal/metrics"
	"github.com/roach88/unlockd/internal/service"
)

const (
	// HeaderAccountID carries the caller's account id.
	HeaderAccountID = "X-Account-ID"

	// HeaderAdminToken authorizes admin routes.
	HeaderAdminToken = "X-Admin-Token"

	// HeaderRequestID is echoed back on every response.
	HeaderRequestID = "X-Request-ID"

	maxBodySize     = 1 << 20 // 1MB
	shutdownTimeout = 10 * time.Second
)

// Server is the unlockd HTTP API.
type Server struct {
	svc        *service.Service
	router     *gin.Engine
	logger     *slog.Logger
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer
	adminToken string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics records HTTP metrics in m and serves g on /metrics.
func WithMetrics(m *metrics.Metrics, g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = g
	}
}

// WithAdminToken enables the admin routes. With an empty token they
// always answer 403.
func WithAdminToken(token string) Option {
	return func(s *Server) { s.adminToken = token }
}

// New creates a Server and registers its routes.
func New(svc *service.Service, opts ...Option) *Server {
	s := &Server{
		svc:      svc,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		gatherer: prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(s)
	}

	router := gin.New()
	router.Use(gin.Recovery(), s.requestID(), s.observe())
	s.router = router

	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := router.Group("/v1", s.requireAccount())
	{
		v1.GET("/verticals", s.handleVerticals)
		v1.GET("/verticals/:key", s.handleVertical)
		v1.GET("/verticals/:key/records", s.handleRecords)
		v1.GET("/verticals/:key/entitlements", s.handleEntitlements)
		v1.POST("/verticals/:key/unlock", s.handleUnlock)
		v1.POST("/verticals/:key/quote", s.handleQuote)
		v1.GET("/balance", s.handleBalance)
		v1.GET("/ledger", s.handleLedger)
	}

	router.POST("/rpc/:operation", s.requireAccount(), s.handleRPC)

	admin := router.Group("/v1/admin", s.requireAdmin())
	{
		admin.POST("/credits", s.handleCredit)
	}

	router.NoRoute(func(c *gin.Context) {
		abort(c, http.StatusNotFound, codeNotFound, "no such route")
	})

	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info("shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
