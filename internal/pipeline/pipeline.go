package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/calgate/calgate/internal/pressure"
	"github.com/calgate/calgate/pkg/errors"
)

// FetchResult is what an origin fetch produced.
type FetchResult struct {
	Value       []byte
	StatusCode  int
	ContentType string
}

// FetchFunc performs the origin fetch for a key. It must honor ctx and is
// invoked at most once per in-flight key regardless of caller count.
type FetchFunc func(ctx context.Context) (*FetchResult, error)

// Policy controls caching for a single request.
type Policy struct {
	// TTL overrides the cache default for this entry. Zero keeps the
	// default.
	TTL time.Duration

	// NoStore serves the fetch result without caching it.
	NoStore bool
}

// PipelineConfig configures a request pipeline.
type PipelineConfig struct {
	Cache  CacheConfig
	Logger *slog.Logger
}

// PipelineStats aggregates request counters with a cache snapshot.
type PipelineStats struct {
	Requests       uint64     `json:"requests"`
	CacheHits      uint64     `json:"cache_hits"`
	CacheMisses    uint64     `json:"cache_misses"`
	Fetches        uint64     `json:"fetches"`
	JoinedFlights  uint64     `json:"joined_flights"`
	AbandonedWaits uint64     `json:"abandoned_waits"`
	FetchFailures  uint64     `json:"fetch_failures"`
	Inserts        uint64     `json:"inserts"`
	Uncacheable    uint64     `json:"uncacheable"`
	InFlight       int64      `json:"in_flight"`
	Cache          CacheStats `json:"cache"`
}

// Pipeline serves requests cache-first, collapsing concurrent misses for the
// same key into a single origin fetch whose result fans out to every waiter.
type Pipeline struct {
	cache   *Cache
	logger  *slog.Logger
	flights singleflight.Group

	inFlight atomic.Int64

	stats struct {
		requests      atomic.Uint64
		hits          atomic.Uint64
		misses        atomic.Uint64
		fetches       atomic.Uint64
		joined        atomic.Uint64
		abandoned     atomic.Uint64
		fetchFailures atomic.Uint64
		inserts       atomic.Uint64
		uncacheable   atomic.Uint64
	}
}

// NewPipeline creates a request pipeline with its own response cache.
func NewPipeline(config PipelineConfig) *Pipeline {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cache:  NewCache(config.Cache),
		logger: logger,
	}
}

// GetOrFetch returns the cached value for key or fetches it. Concurrent
// callers for the same key share one fetch invocation and one outcome.
// Cancelling ctx abandons the wait; a fetch other callers still wait on keeps
// running. Fetch errors are returned to every waiter and never cached.
func (p *Pipeline) GetOrFetch(ctx context.Context, key string, fetch FetchFunc, policy Policy) ([]byte, error) {
	p.stats.requests.Add(1)

	if value := p.cache.Get(key); value != nil {
		p.stats.hits.Add(1)
		return value, nil
	}
	p.stats.misses.Add(1)

	// The fetch runs detached from this caller's cancellation so waiters
	// that joined the flight are not starved by the first caller leaving.
	fetchCtx := context.WithoutCancel(ctx)
	ch := p.flights.DoChan(key, func() (interface{}, error) {
		return p.runFetch(fetchCtx, key, fetch, policy)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			p.stats.joined.Add(1)
		}
		value := res.Val.([]byte)
		out := make([]byte, len(value))
		copy(out, value)
		return out, nil
	case <-ctx.Done():
		p.stats.abandoned.Add(1)
		return nil, errors.NewError(errors.ErrCodeFetchTimeout, "abandoned wait on in-flight fetch").
			WithComponent("pipeline").
			WithOperation("get_or_fetch").
			WithDetail("key", key).
			WithCause(ctx.Err())
	}
}

// Invalidate removes a single cached entry.
func (p *Pipeline) Invalidate(key string) {
	p.cache.Invalidate(key)
}

// Flush drops the entire response cache.
func (p *Pipeline) Flush() {
	p.cache.Clear()
}

// HandlePressure forwards memory pressure transitions to the response cache.
// Suitable as a pressure.Observer.
func (p *Pipeline) HandlePressure(old, new pressure.Level) {
	if new == pressure.LevelEmergency {
		p.logger.Warn("memory emergency, clearing response cache",
			"entries", p.cache.Len(),
			"size_bytes", p.cache.Size())
	}
	p.cache.HandlePressure(old, new)
}

// GetStats returns a snapshot of pipeline and cache counters.
func (p *Pipeline) GetStats() PipelineStats {
	return PipelineStats{
		Requests:       p.stats.requests.Load(),
		CacheHits:      p.stats.hits.Load(),
		CacheMisses:    p.stats.misses.Load(),
		Fetches:        p.stats.fetches.Load(),
		JoinedFlights:  p.stats.joined.Load(),
		AbandonedWaits: p.stats.abandoned.Load(),
		FetchFailures:  p.stats.fetchFailures.Load(),
		Inserts:        p.stats.inserts.Load(),
		Uncacheable:    p.stats.uncacheable.Load(),
		InFlight:       p.inFlight.Load(),
		Cache:          p.cache.GetStats(),
	}
}

// runFetch executes the origin fetch once per in-flight key and caches
// acceptable results.
func (p *Pipeline) runFetch(ctx context.Context, key string, fetch FetchFunc, policy Policy) (interface{}, error) {
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	p.stats.fetches.Add(1)

	result, err := fetch(ctx)
	if err != nil {
		p.stats.fetchFailures.Add(1)
		return nil, err
	}
	if result == nil || len(result.Value) == 0 {
		p.stats.fetchFailures.Add(1)
		return nil, errors.NewError(errors.ErrCodeFetchFailed, "origin returned an empty result").
			WithComponent("pipeline").
			WithOperation("fetch").
			WithDetail("key", key)
	}

	if !p.cacheable(result, policy) {
		p.stats.uncacheable.Add(1)
		return result.Value, nil
	}
	if p.cache.Insert(key, result.Value, policy.TTL) {
		p.stats.inserts.Add(1)
	} else {
		p.stats.uncacheable.Add(1)
	}
	return result.Value, nil
}

// cacheable decides whether a fetch result may enter the cache: a successful
// status, a servable content type, and a size within the per-entry limit.
func (p *Pipeline) cacheable(result *FetchResult, policy Policy) bool {
	if policy.NoStore {
		return false
	}
	if result.StatusCode != 0 && (result.StatusCode < 200 || result.StatusCode >= 300) {
		return false
	}
	if ct := result.ContentType; ct != "" {
		if !strings.Contains(ct, "json") && !strings.HasPrefix(ct, "text/") {
			return false
		}
	}
	return int64(len(result.Value)) <= p.cache.config.EntrySizeLimitBytes
}
