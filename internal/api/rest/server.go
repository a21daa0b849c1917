// Package rest exposes the fraud engine over HTTP: analysis submission,
// persisted-result lookup, batch analysis, cache introspection and health.
// Handlers decode straight into domain types, so payload validation is the
// domain's validation, and every response travels in the same envelope.
package rest

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/detection"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/fraud"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/invoice"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/infrastructure/cache"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/infrastructure/config"
)

// Analyzer runs analyses; *detection.Service satisfies it.
type Analyzer interface {
	Analyze(ctx context.Context, inv *invoice.Invoice, classifications invoice.ClassificationSet) (*fraud.AnalysisResult, error)
	AnalyzeBatch(ctx context.Context, items []detection.BatchItem) ([]detection.BatchResult, error)
}

// AnalysisStore persists and serves consolidated results.
type AnalysisStore interface {
	Save(ctx context.Context, result *fraud.AnalysisResult) error
	GetByID(ctx context.Context, id uuid.UUID) (*fraud.AnalysisResult, error)
	ListRecent(ctx context.Context, limit int) ([]*fraud.AnalysisResult, error)
}

// TransactionStore appends analyzed invoices to the historical feed.
type TransactionStore interface {
	Store(ctx context.Context, record fraud.TransactionRecord) error
}

// Dependencies carries everything the server needs but does not build
// itself. Analyzer and Logger are required; the rest degrade to "endpoint
// disabled" or "step skipped".
type Dependencies struct {
	Analyzer     Analyzer
	Analyses     AnalysisStore
	Transactions TransactionStore
	CacheStats   cache.StatsProvider
	Health       *HealthService
	// RateLimiter, when set, replaces the in-process limiter with the
	// shared Redis sliding window.
	RateLimiter cache.RateLimiter
	// Instrument wraps the composed handler; cmd/api passes its
	// Prometheus instrumentation here.
	Instrument func(http.Handler) http.Handler
	// Metrics, when set, is mounted at GET /metrics.
	Metrics http.Handler
	Logger  *slog.Logger
}

// Server is the HTTP front of the engine.
type Server struct {
	config     *config.Config
	logger     *slog.Logger
	httpServer *http.Server
	handler    http.Handler
	health     *HealthService
}

// NewServer composes routes and the middleware chain. It does not listen;
// call Start.
func NewServer(cfg *config.Config, deps Dependencies) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if deps.Analyzer == nil {
		return nil, fmt.Errorf("analyzer is required")
	}
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	health := deps.Health
	if health == nil {
		health = NewHealthService(deps.Logger)
	}

	s := &Server{
		config: cfg,
		logger: deps.Logger,
		health: health,
	}

	h := &analysisHandler{
		analyzer:     deps.Analyzer,
		analyses:     deps.Analyses,
		transactions: deps.Transactions,
		cacheStats:   deps.CacheStats,
		logger:       deps.Logger,
	}

	handler := s.routes(h, deps.Metrics)
	handler = s.applyMiddleware(handler, deps)
	if deps.Instrument != nil {
		handler = deps.Instrument(handler)
	}
	s.handler = handler

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  2 * time.Minute,
	}
	return s, nil
}

// Handler exposes the composed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes(h *analysisHandler, metrics http.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.health.handleHealth)
	mux.HandleFunc("GET /healthz", s.health.handleLiveness)
	mux.HandleFunc("GET /ready", s.health.handleReadiness)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}

	v1 := http.NewServeMux()
	v1.HandleFunc("POST /analyses", h.handleAnalyze)
	v1.HandleFunc("POST /analyses/batch", h.handleAnalyzeBatch)
	v1.HandleFunc("GET /analyses", h.handleListAnalyses)
	v1.HandleFunc("GET /analyses/{id}", h.handleGetAnalysis)
	v1.HandleFunc("GET /cache/stats", h.handleCacheStats)

	mux.Handle("/api/v1/", http.StripPrefix("/api/v1", v1))
	return mux
}

// applyMiddleware wires the chain outermost first: request identity and
// logging wrap everything, auth and rate limiting sit just inside, the
// request timeout runs last so handlers see an already-bounded context.
func (s *Server) applyMiddleware(handler http.Handler, deps Dependencies) http.Handler {
	limiter := s.rateLimitMiddleware(deps.RateLimiter)

	middlewares := []Middleware{
		requestIDMiddleware(),
		loggingMiddleware(s.logger),
		recoveryMiddleware(s.logger),
		securityHeadersMiddleware(),
		corsMiddleware(),
		conditionalMiddleware(limiter, skipHealthAndMetrics),
		timeoutMiddleware(s.config.Server.RequestTimeout),
		conditionalMiddleware(authMiddleware(s.config.Security, s.logger), skipUnauthenticated(s.config.Security)),
	}

	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return handler
}

// Start serves until the context is canceled or SIGINT/SIGTERM arrives,
// then drains connections within the configured shutdown window.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case sig := <-sigCh:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("server context canceled")
	}
	return s.Shutdown()
}

// Shutdown drains in-flight requests, forcing closure after the window.
func (s *Server) Shutdown() error {
	timeout := s.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

// skipHealthAndMetrics exempts probe and scrape traffic from limits.
func skipHealthAndMetrics(r *http.Request) bool {
	switch r.URL.Path {
	case "/health", "/healthz", "/ready", "/metrics":
		return true
	}
	return false
}

// skipUnauthenticated: auth only guards the API surface, and only when a
// secret is configured at all.
func skipUnauthenticated(sec config.SecurityConfig) func(*http.Request) bool {
	return func(r *http.Request) bool {
		if sec.JWTSecret == "" {
			return true
		}
		return skipHealthAndMetrics(r)
	}
}
