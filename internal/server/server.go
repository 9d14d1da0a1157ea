// Package server exposes the gateway over HTTP: the event query endpoint,
// admin operations, health probes, and the metrics scrape handler.
package server

import (
	"context"
	stderr "errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	slogecho "github.com/samber/slog-echo"

	"github.com/calgate/calgate/internal/circuit"
	"github.com/calgate/calgate/internal/connpool"
	"github.com/calgate/calgate/internal/eventstore"
	"github.com/calgate/calgate/internal/feed"
	"github.com/calgate/calgate/internal/flaggate"
	"github.com/calgate/calgate/internal/metrics"
	"github.com/calgate/calgate/internal/pipeline"
	"github.com/calgate/calgate/internal/pressure"
	"github.com/calgate/calgate/pkg/errors"
)

// Config holds the HTTP-facing settings.
type Config struct {
	// Addr is the listen address, host:port.
	Addr string

	// OriginURL is the feed endpoint the legacy path fetches directly.
	OriginURL string

	// RequestTimeout bounds the legacy path's direct origin requests.
	RequestTimeout time.Duration

	// BatchWindow and BatchMaxSize configure the event query batcher.
	BatchWindow  time.Duration
	BatchMaxSize int

	// Logger receives request and handler diagnostics. Nil selects
	// slog.Default.
	Logger *slog.Logger
}

// Deps are the subsystems the handlers dispatch into. Metrics and Refresher
// may be nil; the corresponding routes degrade instead of panicking.
type Deps struct {
	Gate      *flaggate.Gate
	Pipeline  *pipeline.Pipeline
	Pool      *connpool.Manager
	Breakers  *circuit.Manager
	Store     *eventstore.Store
	Pressure  *pressure.Monitor
	Refresher *feed.Refresher
	Metrics   *metrics.Collector
}

// Server is the HTTP gateway. It owns the event query batcher and the plain
// client the legacy path uses, and shuts both down with the listener.
type Server struct {
	echo    *echo.Echo
	config  Config
	deps    Deps
	batcher *pipeline.Batcher
	legacy  *http.Client
	logger  *slog.Logger
}

// New assembles the gateway routes around the given dependencies.
func New(config Config, deps Deps) *Server {
	if config.BatchWindow <= 0 {
		config.BatchWindow = 25 * time.Millisecond
	}
	if config.BatchMaxSize <= 0 {
		config.BatchMaxSize = 16
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 10 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config: config,
		deps:   deps,
		legacy: &http.Client{Timeout: config.RequestTimeout},
		logger: logger,
	}

	batchConfig := pipeline.BatchConfig{
		Window:  config.BatchWindow,
		MaxSize: config.BatchMaxSize,
		Run:     s.runEventsBatch,
		Logger:  logger,
	}
	if deps.Metrics != nil {
		batchConfig.OnDispatch = deps.Metrics.ObserveBatchDispatch
	}
	s.batcher = pipeline.NewBatcher(batchConfig)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(slogecho.New(logger))
	e.Use(middleware.Recover())
	if deps.Metrics != nil {
		e.Use(s.observeRequests)
	}

	e.GET("/api/events", s.handleEvents)
	e.POST("/api/refresh", s.handleRefresh)
	e.POST("/api/cache/flush", s.handleCacheFlush)
	e.GET("/api/status", s.handleStatus)
	e.GET("/healthz", s.handleHealthz)
	e.GET("/readyz", s.handleReadyz)
	if deps.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(deps.Metrics.Handler()))
	}

	s.echo = e
	return s
}

// Start serves until Shutdown is called. http.ErrServerClosed is the normal
// shutdown outcome and is not reported as an error.
func (s *Server) Start() error {
	err := s.echo.Start(s.config.Addr)
	if err != nil && !stderr.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests, then closes the batcher so queued
// windows dispatch before the process exits.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.echo.Shutdown(ctx)
	s.batcher.Close()
	return err
}

// BatchStats exposes the event batcher's counters for the status and metrics
// surfaces.
func (s *Server) BatchStats() pipeline.BatchStats {
	return s.batcher.GetStats()
}

// observeRequests records one duration sample per request, labeled with the
// registered route rather than the raw path to keep cardinality bounded.
func (s *Server) observeRequests(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		s.deps.Metrics.ObserveHTTPRequest(
			c.Path(), c.Request().Method, c.Response().Status, time.Since(start))
		return err
	}
}

// errorJSON renders a coded error with its mapped HTTP status.
func errorJSON(c echo.Context, err error) error {
	var ge *errors.GateError
	if stderr.As(err, &ge) {
		return c.JSON(errors.HTTPStatusOf(err), map[string]string{
			"error": ge.Message,
			"code":  string(ge.Code),
		})
	}
	return c.JSON(errors.HTTPStatusOf(err), map[string]string{"error": err.Error()})
}
