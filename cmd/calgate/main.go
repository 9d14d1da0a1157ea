// calgate fronts a calendar origin with a memory-bounded gateway: pooled
// origin connections behind circuit breakers, a response cache with
// single-flight fetch collapsing and query batching, a persistent SQLite
// event store, and a feature-flag gate that falls back to an unoptimized
// path when the optimized one misbehaves.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/calgate/calgate/internal/circuit"
	"github.com/calgate/calgate/internal/config"
	"github.com/calgate/calgate/internal/connpool"
	"github.com/calgate/calgate/internal/eventstore"
	"github.com/calgate/calgate/internal/feed"
	"github.com/calgate/calgate/internal/flaggate"
	"github.com/calgate/calgate/internal/metrics"
	"github.com/calgate/calgate/internal/pipeline"
	"github.com/calgate/calgate/internal/pressure"
	"github.com/calgate/calgate/internal/server"
)

func main() {
	if err := run(); err != nil {
		slog.Error("calgate failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}

	cfg := config.NewDefault()
	if path := os.Getenv("CALGATE_CONFIG"); path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return fmt.Errorf("load config file: %w", err)
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return fmt.Errorf("load config from environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	cfg.ApplyLimits(logger)

	logger.Info("starting calgate",
		"addr", cfg.Server.Addr,
		"origin", cfg.Origin.URL,
		"store", cfg.Store.Path)

	collector := metrics.NewCollector(metrics.Config{})

	breakers := circuit.NewManager(circuit.Config{
		FailureThreshold: uint32(cfg.Breaker.FailureThreshold),
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		OnStateChange:    collector.BreakerTransition,
	})

	monitor := pressure.NewMonitor(pressure.Config{
		MemoryBudgetBytes: cfg.Pressure.MemoryBudgetBytes,
		WarningFraction:   cfg.Pressure.Warning,
		CriticalFraction:  cfg.Pressure.Critical,
		EmergencyFraction: cfg.Pressure.Emergency,
		SampleInterval:    cfg.Pressure.SampleInterval,
		Logger:            logger,
	})

	pool := connpool.NewManager(connpool.Config{
		MaxPerHost:          cfg.Pool.MaxPerHost,
		EmergencyMaxPerHost: cfg.Pool.EmergencyMaxPerHost,
		IdleTimeout:         cfg.Pool.IdleTimeout,
		LeaseTimeout:        cfg.Pool.LeaseTimeout,
		ReapInterval:        cfg.Pool.ReapInterval,
		RequestTimeout:      cfg.Origin.RequestTimeout,
		Breakers:            breakers,
		Logger:              logger,
	})

	pipe := pipeline.NewPipeline(pipeline.PipelineConfig{
		Cache: pipeline.CacheConfig{
			MemoryBudgetBytes:   cfg.Cache.MemoryBudgetBytes,
			MaxEntries:          cfg.Cache.MaxEntries,
			EntrySizeLimitBytes: cfg.Cache.EntrySizeLimitBytes,
			TTL:                 cfg.Cache.TTL,
		},
		Logger: logger,
	})

	// Pressure transitions shrink the pool and shed the cache.
	monitor.Subscribe(pool.HandlePressure)
	monitor.Subscribe(pipe.HandlePressure)

	store, err := eventstore.Open(eventstore.Config{
		Path:       cfg.Store.Path,
		TTLSeconds: cfg.Store.TTLSeconds,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}

	gate := flaggate.NewGate(logger)
	gate.SetFlag(flaggate.Flag{
		Name:    flaggate.FlagOptimizedPipeline,
		Enabled: cfg.Flags.OptimizedPipeline.Enabled,
		Rollout: cfg.Flags.OptimizedPipeline.Rollout,
	})

	refresher, err := feed.New(feed.Config{
		URL:          cfg.Origin.URL,
		TTL:          time.Duration(cfg.Store.TTLSeconds) * time.Second,
		OnRefresh:    collector.ObserveFeedRefresh,
		ObserveFetch: collector.ObserveFetch,
		Logger:       logger,
	}, pool, pipe, store)
	if err != nil {
		store.Close()
		return fmt.Errorf("configure feed refresher: %w", err)
	}

	srv := server.New(server.Config{
		Addr:           cfg.Server.Addr,
		OriginURL:      cfg.Origin.URL,
		RequestTimeout: cfg.Origin.RequestTimeout,
		BatchWindow:    cfg.Batch.Window,
		BatchMaxSize:   cfg.Batch.MaxSize,
		Logger:         logger,
	}, server.Deps{
		Gate:      gate,
		Pipeline:  pipe,
		Pool:      pool,
		Breakers:  breakers,
		Store:     store,
		Pressure:  monitor,
		Refresher: refresher,
		Metrics:   collector,
	})

	collector.RegisterSources(metrics.Sources{
		Pool:     pool.GetStats,
		Pipeline: pipe.GetStats,
		Batch:    srv.BatchStats,
		Breakers: breakers.GetStats,
		Pressure: monitor.GetStats,
		Store: func() (*eventstore.StoreStats, error) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return store.Stats(ctx)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := monitor.Start(ctx); err != nil {
		store.Close()
		return fmt.Errorf("start pressure monitor: %w", err)
	}
	if err := pool.Start(ctx); err != nil {
		monitor.Stop()
		store.Close()
		return fmt.Errorf("start connection pool: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		return refresher.Run(gctx)
	})
	g.Go(func() error {
		return runStoreCleanup(gctx, store, cfg.Store.Retention, cfg.Store.CleanupInterval, logger)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "timeout", cfg.Server.ShutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	// The loops are done; release the sockets, then the database.
	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if poolErr := pool.Shutdown(drainCtx); poolErr != nil {
		logger.Warn("pool shutdown incomplete", "error", poolErr)
	}
	cancel()
	monitor.Stop()
	if closeErr := store.Close(); closeErr != nil && err == nil {
		err = closeErr
	}

	if err != nil {
		return err
	}
	logger.Info("calgate stopped")
	return nil
}

// runStoreCleanup periodically removes events that ended before the retention
// horizon. A non-positive retention or interval disables the sweep.
func runStoreCleanup(ctx context.Context, store *eventstore.Store, retention, interval time.Duration, logger *slog.Logger) error {
	if retention <= 0 || interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			removed, err := store.Cleanup(ctx, retention)
			if err != nil {
				logger.Warn("store cleanup failed", "error", err)
				continue
			}
			if removed > 0 {
				logger.Info("store cleanup removed expired events", "events", removed)
			}
		}
	}
}

func newLogger(cfg *config.Configuration) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
