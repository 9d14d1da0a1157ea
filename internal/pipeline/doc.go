/*
Package pipeline implements the cache-first request path that keeps origin
fetches scarce on a memory-constrained host.

The pipeline serves every calendar request from a bounded in-memory cache
when it can, collapses concurrent misses for the same key into a single
origin fetch, and groups compatible requests into dispatch windows so a
burst of near-simultaneous queries costs one upstream round trip.

# Request Flow

	┌─────────────────────────────────────────────┐
	│               HTTP Handlers                 │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│               Pipeline                      │  ← This Package
	│                                             │
	│   1. Cache lookup ──────────── hit ──→ done │
	│   2. Join in-flight fetch ──── hit ──→ wait │
	│   3. Start fetch (exactly one per key)      │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│               Batcher                       │
	│   (compatible requests share one window)    │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│          Connection Pool → Origin           │
	└─────────────────────────────────────────────┘

Only step 3 touches the origin. Steps 1 and 2 hold no locks across I/O; the
cache mutex covers bookkeeping only.

# Eviction Tiers

The cache enforces its memory budget synchronously on every insert and
re-evaluates on memory pressure transitions. Severity escalates with usage:

At 70% of budget:
- Evict least-recently-used entries
- Trim until usage drops below 65%

At 85% of budget:
- Rank entries by recency times hit frequency
- Evict lowest-scoring entries until usage drops below 75%

At 95% of budget, or on an emergency pressure transition:
- Clear the entire cache

An insert that would overshoot the budget outright evicts oldest entries
first, so the budget holds even mid-insert. Values above the per-entry size
limit never enter the cache and are served directly to the caller.

# Single-Flight Fetches

Concurrent misses for one key share a single fetch:

- The first miss starts the origin fetch
- Later misses for the same key wait on the same flight
- The result, success or error, fans out to every waiter
- Errors are never cached; the next request retries

A caller that cancels its context stops waiting immediately, but the shared
fetch keeps running for the callers still attached to it.

# Batching

The Batcher collapses requests that share a batch key into windows:

- A window opens on its first member and dispatches after Window elapses
- Reaching MaxSize dispatches early; at the boundary the size bound wins
- Results return to members by arrival position
- Windows for different keys never block each other

# Usage

	pipe := pipeline.NewPipeline(pipeline.PipelineConfig{
		Cache: pipeline.CacheConfig{
			MemoryBudgetBytes:   8 << 20,
			MaxEntries:          2048,
			EntrySizeLimitBytes: 512 << 10,
			TTL:                 5 * time.Minute,
		},
		Logger: logger,
	})

	value, err := pipe.GetOrFetch(ctx, key, func(ctx context.Context) (*pipeline.FetchResult, error) {
		return fetchFromOrigin(ctx, key)
	}, pipeline.Policy{})
	if err != nil {
		return err
	}

	// Wire the cache into the memory pressure monitor.
	monitor.Subscribe(pipe.HandlePressure)

	// Inspect effectiveness.
	stats := pipe.GetStats()
	fmt.Printf("hit rate: %.2f%%\n", stats.Cache.HitRate*100)

# Thread Safety

All types in this package are safe for concurrent use. Counters are atomic,
the cache serializes mutation behind a single mutex held only for map and
list bookkeeping, and batch windows dispatch outside the batcher lock.
*/
package pipeline
