// Package http provides the insightd REST API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/insightd/internal/insight"
	"github.com/fyrsmithlabs/insightd/internal/logging"
	"github.com/fyrsmithlabs/insightd/internal/reflection"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ReflectionService is the reflection intake the API drives.
type ReflectionService interface {
	Create(ctx context.Context, r *reflection.Reflection) (*reflection.Reflection, error)
	Get(ctx context.Context, id string) (*reflection.Reflection, error)
}

// InsightService is the engine surface the API exposes.
type InsightService interface {
	Ingest(ctx context.Context, r *reflection.Reflection) (*insight.IngestResult, error)
	Get(ctx context.Context, id string) (*insight.Insight, error)
	List(ctx context.Context, f insight.ListFilter) (*insight.Page, error)
	Stats(ctx context.Context) (*insight.Stats, error)
	Traces(ctx context.Context, id string, limit int) ([]insight.TraceRecord, error)
	UpdateStatus(ctx context.Context, id string, to insight.Status, taskID string) (*insight.Insight, error)
	Sweep(ctx context.Context) (*insight.SweepResult, error)
}

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server provides HTTP endpoints for insightd.
type Server struct {
	echo        *echo.Echo
	reflections ReflectionService
	insights    InsightService
	storage     Pinger
	limiter     *clientLimiter
	logger      *zap.Logger
	config      *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host    string
	Port    int
	Version string

	// IntakeRate is the per-client reflection intake rate in requests per
	// second. Zero disables throttling.
	IntakeRate  float64
	IntakeBurst int
}

// NewServer creates a new HTTP server. storage may be nil.
func NewServer(reflections ReflectionService, insights InsightService, storage Pinger, logger *zap.Logger, cfg *Config) (*Server, error) {
	if reflections == nil || insights == nil {
		return nil, errors.New("reflection and insight services are required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9191,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestContext(logger))
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())

	s := &Server{
		echo:        e,
		reflections: reflections,
		insights:    insights,
		storage:     storage,
		limiter:     newClientLimiter(cfg.IntakeRate, cfg.IntakeBurst),
		logger:      logger,
		config:      cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/reflections", s.handleCreateReflection, s.limiter.middleware())
	v1.GET("/reflections/:id", s.handleGetReflection)
	v1.POST("/reflections/:id/ingest", s.handleIngestReflection)

	v1.GET("/insights", s.handleListInsights)
	v1.GET("/insights/stats", s.handleStats)
	v1.POST("/insights/sweep", s.handleSweep)
	v1.GET("/insights/:id", s.handleGetInsight)
	v1.GET("/insights/:id/traces", s.handleTraces)
	v1.PATCH("/insights/:id/status", s.handleUpdateStatus)
}

// requestContext copies the echo request id into the request context and
// logs each request with the context fields.
func requestContext(logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			id := c.Response().Header().Get(echo.HeaderXRequestID)
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), id)))

			err := next(c)
			if err != nil {
				// Let echo write the error response so the status is final.
				c.Error(err)
			}

			fields := append(logging.ContextFields(c.Request().Context()),
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			logger.Info("http request", fields...)
			return nil
		}
	}
}

// Handler exposes the router, mainly for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server. It returns http.ErrServerClosed after Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
