// Package feed keeps the persistent event store in sync with the upstream
// calendar feed. A background loop refreshes when the stored events go stale;
// manual refreshes share the same single-flight, so concurrent triggers cost
// one origin fetch.
package feed

import (
	"context"
	stderr "errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/calgate/calgate/internal/connpool"
	"github.com/calgate/calgate/internal/eventstore"
	"github.com/calgate/calgate/internal/pipeline"
	"github.com/calgate/calgate/pkg/errors"
	"github.com/calgate/calgate/pkg/retry"
)

// maxFeedBytes bounds how much feed payload a refresh will buffer.
const maxFeedBytes = 8 << 20

// minInterval floors the refresh cadence so a tiny TTL cannot turn the loop
// into a busy poll. Staleness still gates each tick.
const minInterval = 15 * time.Second

// Config configures the feed refresher.
type Config struct {
	// URL is the origin feed endpoint.
	URL string

	// TTL is the freshness lifetime of stored events. The refresh cadence
	// derives from it when Interval is zero.
	TTL time.Duration

	// Interval overrides the derived refresh cadence.
	Interval time.Duration

	// Retry configures backoff for failed fetch attempts within one refresh.
	Retry retry.Config

	// OnRefresh is called once per completed refresh attempt with its
	// outcome.
	OnRefresh func(err error)

	// ObserveFetch is called once per origin request with the host, the
	// request duration, and its outcome.
	ObserveFetch func(host string, duration time.Duration, err error)

	// Logger receives refresher diagnostics. Nil selects slog.Default.
	Logger *slog.Logger
}

// Stats is a snapshot of refresher counters.
type Stats struct {
	Refreshes      uint64        `json:"refreshes"`
	Failures       uint64        `json:"failures"`
	EventsUpserted uint64        `json:"events_upserted"`
	LastRefresh    time.Time     `json:"last_refresh,omitempty"`
	LastError      string        `json:"last_error,omitempty"`
	Interval       time.Duration `json:"interval"`
}

// Refresher drives staleness-based synchronization between the origin feed
// and the event store. Fetches go through the connection pool and collapse
// through the pipeline's single-flight, so the refresh loop, request-path
// refreshes, and manual triggers never stack origin calls.
type Refresher struct {
	config  Config
	pool    *connpool.Manager
	pipe    *pipeline.Pipeline
	store   *eventstore.Store
	retryer *retry.Retryer
	logger  *slog.Logger

	host      string
	flightKey string
	interval  time.Duration

	mu    sync.Mutex
	stats Stats
}

// New creates a refresher for the given feed URL. The URL must be absolute
// http or https.
func New(config Config, pool *connpool.Manager, pipe *pipeline.Pipeline, store *eventstore.Store) (*Refresher, error) {
	u, err := url.Parse(config.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.NewError(errors.ErrCodeConfigInvalid, "feed URL must be an absolute http or https URL").
			WithComponent("feed").
			WithDetail("url", config.URL).
			WithCause(err)
	}

	ttl := config.TTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	interval := config.Interval
	if interval <= 0 {
		interval = refreshInterval(ttl)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Refresher{
		config:    config,
		pool:      pool,
		pipe:      pipe,
		store:     store,
		retryer:   retry.New(config.Retry),
		logger:    logger,
		host:      u.Host,
		flightKey: "feed:" + config.URL,
		interval:  interval,
	}, nil
}

// refreshInterval derives the loop cadence from the store TTL: a third of the
// TTL, capped at five minutes, floored at minInterval.
func refreshInterval(ttl time.Duration) time.Duration {
	interval := ttl / 3
	if interval > 5*time.Minute {
		interval = 5 * time.Minute
	}
	if interval < minInterval {
		interval = minInterval
	}
	return interval
}

// Interval returns the effective refresh cadence.
func (r *Refresher) Interval() time.Duration {
	return r.interval
}

// Run drives the refresh loop until ctx is cancelled. Each tick refreshes
// only when the store is stale; one failed refresh never stops the loop.
func (r *Refresher) Run(ctx context.Context) error {
	// Fill an empty or stale store before the first tick so early queries
	// have data to serve.
	r.refreshIfStale(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.refreshIfStale(ctx)
		}
	}
}

func (r *Refresher) refreshIfStale(ctx context.Context) {
	stale, err := r.store.IsStale(ctx)
	if err != nil {
		r.logger.Warn("freshness check failed, attempting refresh", "error", err)
	}
	if !stale {
		return
	}
	if err := r.Refresh(ctx); err != nil {
		r.logger.Warn("feed refresh failed", "error", err)
	}
}

// Refresh performs one refresh: fetch the feed, decode it, and upsert into
// the store. Concurrent calls collapse into a single in-flight refresh that
// every caller observes. The refresh keeps running if ctx is cancelled while
// other callers still wait on it.
func (r *Refresher) Refresh(ctx context.Context) error {
	_, err := r.pipe.GetOrFetch(ctx, r.flightKey, r.refreshFlight, pipeline.Policy{NoStore: true})
	return err
}

// refreshFlight runs at most once per in-flight refresh.
func (r *Refresher) refreshFlight(ctx context.Context) (*pipeline.FetchResult, error) {
	var result *pipeline.FetchResult
	err := r.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		res, fetchErr := r.fetchFeed(ctx)
		if fetchErr != nil {
			return fetchErr
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, r.recordFailure(ctx, err)
	}

	events, err := Decode(result.Value)
	if err != nil {
		return nil, r.recordFailure(ctx, err)
	}

	count, err := r.store.Upsert(ctx, events)
	if err != nil {
		return nil, r.recordFailure(ctx, err)
	}

	r.mu.Lock()
	r.stats.Refreshes++
	r.stats.EventsUpserted += uint64(count)
	r.stats.LastRefresh = time.Now()
	r.stats.LastError = ""
	r.mu.Unlock()

	if r.config.OnRefresh != nil {
		r.config.OnRefresh(nil)
	}
	r.logger.Info("feed refreshed", "events", count)
	return result, nil
}

// recordFailure books a failed refresh in the store metadata and the local
// counters, returning the original error for the flight's waiters.
func (r *Refresher) recordFailure(ctx context.Context, refreshErr error) error {
	if storeErr := r.store.RecordFetchFailure(ctx, refreshErr); storeErr != nil {
		r.logger.Warn("failed to record fetch failure", "error", storeErr)
	}

	r.mu.Lock()
	r.stats.Failures++
	r.stats.LastError = refreshErr.Error()
	r.mu.Unlock()

	if r.config.OnRefresh != nil {
		r.config.OnRefresh(refreshErr)
	}
	return refreshErr
}

// fetchFeed performs one origin request over a pooled connection.
func (r *Refresher) fetchFeed(ctx context.Context) (*pipeline.FetchResult, error) {
	conn, err := r.pool.Acquire(connpool.WithOwner(ctx, "feed"), r.host)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.config.URL, nil)
	if err != nil {
		r.pool.Release(conn, err)
		return nil, errors.NewError(errors.ErrCodeFetchFailed, "failed to build feed request").
			WithComponent("feed").
			WithOperation("fetch").
			WithCause(err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := conn.Client().Do(req)
	if err != nil {
		r.pool.Release(conn, err)
		r.observeFetch(time.Since(start), err)
		return nil, classifyFetchError(err)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes+1))
	resp.Body.Close()
	if err == nil {
		switch {
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			err = errors.Newf(errors.ErrCodeFetchFailed, "feed returned status %d", resp.StatusCode).
				WithComponent("feed").
				WithOperation("fetch").
				WithDetail("status", resp.StatusCode)
		case len(body) > maxFeedBytes:
			err = errors.NewError(errors.ErrCodeFetchFailed, "feed payload exceeds size limit").
				WithComponent("feed").
				WithOperation("fetch").
				WithDetail("limit_bytes", maxFeedBytes)
		}
	} else {
		err = errors.NewError(errors.ErrCodeFetchFailed, "failed to read feed payload").
			WithComponent("feed").
			WithOperation("fetch").
			WithCause(err)
	}

	r.pool.Release(conn, err)
	r.observeFetch(time.Since(start), err)
	if err != nil {
		return nil, err
	}

	return &pipeline.FetchResult{
		Value:       body,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

func (r *Refresher) observeFetch(duration time.Duration, err error) {
	if r.config.ObserveFetch != nil {
		r.config.ObserveFetch(r.host, duration, err)
	}
}

// classifyFetchError separates timeouts from other transport failures so the
// error taxonomy and retry policy see the right code.
func classifyFetchError(err error) error {
	code := errors.ErrCodeFetchFailed
	message := "feed request failed"

	var netErr net.Error
	if stderr.Is(err, context.DeadlineExceeded) || (stderr.As(err, &netErr) && netErr.Timeout()) {
		code = errors.ErrCodeFetchTimeout
		message = "feed request timed out"
	}

	return errors.NewError(code, message).
		WithComponent("feed").
		WithOperation("fetch").
		WithCause(err)
}

// GetStats returns a snapshot of refresher counters.
func (r *Refresher) GetStats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := r.stats
	stats.Interval = r.interval
	return stats
}
