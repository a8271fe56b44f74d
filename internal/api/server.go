// Package api exposes the sentinel ledger, response orchestrator and
// pipeline over HTTP. Handlers are thin adapters: they parse the request,
// call one collaborator and map its errors to status codes.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"sentinel/internal/config"
	"sentinel/internal/credentials"
	"sentinel/internal/metrics"
	"sentinel/internal/middleware"
	"sentinel/internal/pipeline"
	"sentinel/internal/schema"
	"sentinel/internal/storage"
)

// Orchestrator executes explicit actions and investigator status changes.
type Orchestrator interface {
	ExecuteAction(ctx context.Context, req schema.ActionRequest) (schema.ActionResult, error)
	UpdateThreatStatus(ctx context.Context, id string, status schema.ThreatStatus, override bool) (*schema.Threat, error)
}

// Cycler ingests single records and runs pipeline cycles on demand.
type Cycler interface {
	Ingest(ctx context.Context, rec *schema.LogRecord) error
	RunOnce(ctx context.Context) (pipeline.CycleReport, error)
}

// StatsProvider computes the dashboard summary.
type StatsProvider interface {
	Compute(ctx context.Context) schema.SystemStats
}

// CredentialReporter reports which enrichment credentials are configured.
type CredentialReporter interface {
	Status() credentials.Status
}

// HealthCheck reports the health of one dependency.
type HealthCheck func(ctx context.Context) error

// Deps are the collaborators behind the API.
type Deps struct {
	Ledger       storage.Ledger
	Orchestrator Orchestrator
	Cycler       Cycler
	Stats        StatsProvider
	Credentials  CredentialReporter
}

func (d Deps) validate() error {
	switch {
	case d.Ledger == nil:
		return errors.New("api: ledger is required")
	case d.Orchestrator == nil:
		return errors.New("api: orchestrator is required")
	case d.Cycler == nil:
		return errors.New("api: cycler is required")
	case d.Stats == nil:
		return errors.New("api: stats provider is required")
	}
	return nil
}

// Server serves the sentinel HTTP API.
type Server struct {
	deps        Deps
	checks      map[string]HealthCheck
	metrics     *metrics.Metrics
	metricsPath string
	logger      *slog.Logger
	started     time.Time
	now         func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics exposes m on the metrics path, /metrics by default.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMetricsPath moves the exposition endpoint.
func WithMetricsPath(path string) Option {
	return func(s *Server) {
		if path != "" {
			s.metricsPath = path
		}
	}
}

// WithHealthCheck adds a named dependency check to /health.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) { s.checks[name] = check }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// NewServer creates an API server.
func NewServer(deps Deps, opts ...Option) (*Server, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	s := &Server{
		deps:        deps,
		checks:      make(map[string]HealthCheck),
		metricsPath: "/metrics",
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.started = s.now()
	return s, nil
}

// Handler returns the routed API without middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/logs", s.handleListLogs)
	mux.HandleFunc("POST /v1/logs", s.handleIngestLog)
	mux.HandleFunc("GET /v1/threats", s.handleListThreats)
	mux.HandleFunc("GET /v1/threats/{id}", s.handleGetThreat)
	mux.HandleFunc("PATCH /v1/threats/{id}", s.handleUpdateThreat)
	mux.HandleFunc("GET /v1/actions", s.handleListActions)
	mux.HandleFunc("POST /v1/actions", s.handleExecuteAction)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("POST /v1/cycles", s.handleRunCycle)
	mux.HandleFunc("GET /v1/credentials/status", s.handleCredentialStatus)
	mux.HandleFunc("GET /health", s.handleHealth)

	if s.metrics != nil {
		mux.Handle("GET "+s.metricsPath, promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}
	return mux
}

// WithMiddleware wraps h in the standard middleware chain. The returned
// rate limiter owns a cleanup goroutine and must be stopped by the caller.
func WithMiddleware(h http.Handler, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (http.Handler, *middleware.RateLimiter) {
	limiter := middleware.NewRateLimiter(cfg.RateLimit, logger)

	h = middleware.APIKey(cfg.Auth)(h)
	h = limiter.Middleware(m)(h)
	h = middleware.SecurityHeaders(cfg.Headers, logger)(h)
	if cfg.CORS.Enabled {
		h = cors.New(cors.Options{
			AllowedOrigins:   cfg.CORS.AllowedOrigins,
			AllowedMethods:   cfg.CORS.AllowedMethods,
			AllowedHeaders:   cfg.CORS.AllowedHeaders,
			ExposedHeaders:   cfg.CORS.ExposedHeaders,
			AllowCredentials: cfg.CORS.AllowCredentials,
			MaxAge:           cfg.CORS.MaxAge,
		}).Handler(h)
	}
	h = middleware.Logging(logger, m)(h)
	h = middleware.Recovery(logger)(h)
	return h, limiter
}
