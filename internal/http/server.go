// Package http exposes the recallguard engine over a JSON HTTP API.
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/recallguard/internal/audit"
	"github.com/fyrsmithlabs/recallguard/internal/config"
	"github.com/fyrsmithlabs/recallguard/internal/engine"
	"github.com/fyrsmithlabs/recallguard/internal/experience"
	"github.com/fyrsmithlabs/recallguard/internal/logging"
	"github.com/fyrsmithlabs/recallguard/internal/monitor"
	"github.com/fyrsmithlabs/recallguard/internal/retrieval"
	"github.com/fyrsmithlabs/recallguard/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/recallguard/internal/http"

// Engine is the subset of *engine.Engine the API serves.
type Engine interface {
	Ingest(ctx context.Context, inputs []experience.Input, opts engine.IngestOptions) ([]engine.IngestResult, error)
	Seed(ctx context.Context, sf *experience.SeedFile, seedOpts experience.SeedOptions, opts engine.IngestOptions) ([]engine.IngestResult, error)
	Query(ctx context.Context, q retrieval.Query) (*retrieval.Response, error)
	Get(ctx context.Context, id string) (*experience.Experience, error)
	List(ctx context.Context, f store.Filter) ([]*experience.Experience, error)
	AuditTrail(ctx context.Context, id string) ([]store.AuditEntry, error)
	Flag(ctx context.Context, id, reason string) (*experience.Experience, error)
	Review(ctx context.Context, id, reviewer string) (*experience.Experience, error)
	Recompute(ctx context.Context, id string) (*experience.Experience, error)
	Purge(ctx context.Context, id, reason string) error
	Rebuild(ctx context.Context) (uint64, error)
	Flush(ctx context.Context) (uint64, error)
	Scan(ctx context.Context, set *audit.PatternSet, record bool) ([]audit.Match, error)
	PoisonRate(ctx context.Context, w monitor.Window) (float64, error)
	Summary(ctx context.Context) (*monitor.Summary, error)
	Export(ctx context.Context, out io.Writer, w monitor.Window) (int, error)
	Status(ctx context.Context) (*engine.Status, error)
}

// Server serves the API, /health and /metrics.
type Server struct {
	echo   *echo.Echo
	engine Engine
	logger *logging.Logger
	tracer trace.Tracer
	meter  metric.Meter
	config config.ServerConfig
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request and error logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTracer sets the tracer used for request spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Server) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithMeter sets the meter used for request metrics.
func WithMeter(m metric.Meter) Option {
	return func(s *Server) {
		if m != nil {
			s.meter = m
		}
	}
}

// NewServer creates a server for eng.
func NewServer(eng Engine, cfg config.ServerConfig, opts ...Option) (*Server, error) {
	if eng == nil {
		return nil, errors.New("engine is required")
	}

	s := &Server{
		engine: eng,
		logger: logging.Nop(),
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
		config: cfg,
	}
	for _, opt := range opts {
		opt(s)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestContext)
	e.Use(s.tracing)
	e.Use(NewHTTPMetrics(s.meter, s.logger.Underlying()).MetricsMiddleware())
	e.Use(s.requestLog)
	if cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.BodyLimit))
	}
	if cfg.RateLimit > 0 {
		e.Use(rateLimiter(cfg.RateLimit, cfg.RateBurst))
	}

	s.echo = e
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/experiences", s.handleIngest)
	v1.GET("/experiences", s.handleList)
	v1.GET("/experiences/:id", s.handleGet)
	v1.DELETE("/experiences/:id", s.handlePurge)
	v1.GET("/experiences/:id/audit", s.handleAuditTrail)
	v1.POST("/experiences/:id/flag", s.handleFlag)
	v1.POST("/experiences/:id/review", s.handleReview)
	v1.POST("/experiences/:id/recompute", s.handleRecompute)
	v1.POST("/seed", s.handleSeed)
	v1.POST("/query", s.handleQuery)
	v1.POST("/audit/scan", s.handleScan)
	v1.POST("/index/rebuild", s.handleRebuild)
	v1.POST("/index/flush", s.handleFlush)
	v1.GET("/monitor/summary", s.handleSummary)
	v1.GET("/monitor/poison-rate", s.handlePoisonRate)
	v1.GET("/monitor/events", s.handleEvents)
}

// ServeHTTP lets the server be mounted or driven by httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start serves on the configured address until Shutdown.
func (s *Server) Start() error {
	addr := s.config.Addr()
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	err := s.echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}

// requestContext attaches the request id and logger to the request context.
func (s *Server) requestContext(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := logging.WithRequestID(c.Request().Context(), c.Response().Header().Get(echo.HeaderXRequestID))
		ctx = logging.WithLogger(ctx, s.logger)
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}

func (s *Server) requestLog(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			// Let echo write the error response so the logged status is final.
			c.Error(err)
		}
		s.logger.Info(c.Request().Context(), "http request",
			zap.String("method", c.Request().Method),
			zap.String("route", c.Path()),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
		)
		return nil
	}
}

// rateLimiter limits each client IP to r requests per second with burst b.
func rateLimiter(r float64, b int) echo.MiddlewareFunc {
	if b < 1 {
		b = int(r) + 1
	}
	limits := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(r),
		Burst:     b,
		ExpiresIn: 3 * time.Minute,
	})
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/health" || c.Path() == "/metrics"
		},
		Store: limits,
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
		},
	})
}

// fail maps engine errors onto HTTP status codes.
func (s *Server) fail(c echo.Context, err error) error {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error(c.Request().Context(), "request failed", zap.Error(err))
		return echo.NewHTTPError(code, "internal error").SetInternal(err)
	}
	return echo.NewHTTPError(code, err.Error()).SetInternal(err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, experience.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, experience.ErrDuplicateID), errors.Is(err, experience.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, experience.ErrValidation),
		errors.Is(err, audit.ErrInvalidRule),
		errors.Is(err, audit.ErrInvalidRegex),
		errors.Is(err, audit.ErrInvalidTOML):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func badRequest(format string, args ...interface{}) error {
	return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf(format, args...))
}
