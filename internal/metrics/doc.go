/*
Package metrics exports Prometheus metrics for every calgate component.

The package splits instrumentation by how the underlying value behaves.
Event-shaped values (latencies, dispatch counts, state transitions) are
recorded through hook methods the components call as things happen.
State-shaped values (pool occupancy, cache size, breaker state) are read
from component stats snapshots at scrape time, so gauges are always
current without a sampling loop holding extra memory.

# Architecture

	┌──────────────────────────────────────────────┐
	│                 Components                   │
	│  connpool  pipeline  circuit  pressure  ...  │
	└──────────────────────────────────────────────┘
	     │ hooks                        │ GetStats()
	     ▼                              ▼
	┌─────────────┐              ┌─────────────┐
	│  Collector  │              │  exporter   │  ← reads snapshots
	│ (histograms,│              │ (const      │     on every scrape
	│  counters)  │              │  metrics)   │
	└──────┬──────┘              └──────┬──────┘
	       │                           │
	       └────────── Registry ───────┘
	                      │
	                  /metrics

# Metric Families

Hook-driven:
  - calgate_fetch_duration_seconds{host}: origin fetch latency
  - calgate_fetch_errors_total{host}: failed origin fetches
  - calgate_http_request_duration_seconds{route,method,status}: gateway latency
  - calgate_batch_dispatches_total{trigger}: dispatched windows by trigger
  - calgate_batch_size: window size distribution
  - calgate_breaker_transitions_total{target,to}: committed state changes
  - calgate_feed_refreshes_total{outcome}: refresh attempts

Snapshot-driven (a sample per scrape):
  - calgate_pool_active{host}, calgate_pool_idle{host}, calgate_pool_waiting{host}
  - calgate_cache_memory_bytes, calgate_cache_entries, calgate_cache_evictions_total{tier}
  - calgate_pipeline_in_flight, calgate_batch_open_windows
  - calgate_breaker_state{target}: 0 closed, 1 half-open, 2 open
  - calgate_pressure_level: 0 normal through 3 emergency
  - calgate_store_events, calgate_store_file_size_bytes

# Usage

	collector := metrics.NewCollector(metrics.Config{Namespace: "calgate"})

	// Component hooks.
	breakers := circuit.NewManager(circuit.Config{
		OnStateChange: collector.BreakerTransition,
	})

	// Snapshot sources, wired once the components exist.
	collector.RegisterSources(metrics.Sources{
		Pool:     pool.GetStats,
		Pipeline: pipe.GetStats,
		Breakers: breakers.GetStats,
	})

	mux.Handle("/metrics", collector.Handler())

# Cardinality

Per-host and per-target labels stay bounded because the gateway talks to a
small fixed set of origins. Request keys, batch keys, and client addresses
never become label values.

# Thread Safety

All Collector methods are safe for concurrent use. The snapshot exporter
only reads component stats methods, which take their own locks.
*/
package metrics
