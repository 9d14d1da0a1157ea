package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/calgate/calgate/internal/circuit"
	"github.com/calgate/calgate/internal/connpool"
	"github.com/calgate/calgate/internal/eventstore"
	"github.com/calgate/calgate/internal/pipeline"
	"github.com/calgate/calgate/internal/pressure"
)

// Sources supplies the component snapshots the exporter reads at scrape time.
// Nil fields are skipped.
type Sources struct {
	Pool     func() connpool.Stats
	Pipeline func() pipeline.PipelineStats
	Batch    func() pipeline.BatchStats
	Breakers func() map[string]circuit.CircuitBreakerStats
	Pressure func() pressure.Stats
	Store    func() (*eventstore.StoreStats, error)
}

// RegisterSources attaches the snapshot exporter for the given components.
// Call at most once, after the components exist.
func (c *Collector) RegisterSources(sources Sources) {
	c.registry.MustRegister(newExporter(c, sources))
}

// exporter converts component stats snapshots into Prometheus metrics on every
// scrape, so gauge values are always current without a sampling loop.
type exporter struct {
	sources Sources

	poolMax          *prometheus.Desc
	poolActive       *prometheus.Desc
	poolIdle         *prometheus.Desc
	poolWaiting      *prometheus.Desc
	poolCreated      *prometheus.Desc
	poolDestroyed    *prometheus.Desc
	poolReuses       *prometheus.Desc
	poolTimeouts     *prometheus.Desc
	poolLeaks        *prometheus.Desc
	poolRejects      *prometheus.Desc
	cacheHits        *prometheus.Desc
	cacheMisses      *prometheus.Desc
	cacheEvictions   *prometheus.Desc
	cacheClears      *prometheus.Desc
	cacheRejected    *prometheus.Desc
	cacheBytes       *prometheus.Desc
	cacheBudget      *prometheus.Desc
	cacheEntries     *prometheus.Desc
	requests         *prometheus.Desc
	fetches          *prometheus.Desc
	joinedFlights    *prometheus.Desc
	abandonedWaits   *prometheus.Desc
	fetchFailures    *prometheus.Desc
	inFlight         *prometheus.Desc
	openWindows      *prometheus.Desc
	breakerState     *prometheus.Desc
	pressureLevel    *prometheus.Desc
	pressureRSS      *prometheus.Desc
	pressureHeap     *prometheus.Desc
	pressureHeapSys  *prometheus.Desc
	pressureBudget   *prometheus.Desc
	storeEvents      *prometheus.Desc
	storeCancelled   *prometheus.Desc
	storeFileSize    *prometheus.Desc
	storeFailStreak  *prometheus.Desc
	storeUnavailable *prometheus.Desc
}

func newExporter(c *Collector, sources Sources) *exporter {
	ns := c.namespace
	return &exporter{
		sources: sources,

		poolMax: prometheus.NewDesc(ns+"_pool_max_per_host",
			"Effective per-host connection cap", nil, nil),
		poolActive: prometheus.NewDesc(ns+"_pool_active",
			"Leased connections per host", []string{"host"}, nil),
		poolIdle: prometheus.NewDesc(ns+"_pool_idle",
			"Idle connections per host", []string{"host"}, nil),
		poolWaiting: prometheus.NewDesc(ns+"_pool_waiting",
			"Callers queued for a connection per host", []string{"host"}, nil),
		poolCreated: prometheus.NewDesc(ns+"_pool_created_total",
			"Total connections created", nil, nil),
		poolDestroyed: prometheus.NewDesc(ns+"_pool_destroyed_total",
			"Total connections closed", nil, nil),
		poolReuses: prometheus.NewDesc(ns+"_pool_reuses_total",
			"Total acquires served by an existing connection", nil, nil),
		poolTimeouts: prometheus.NewDesc(ns+"_pool_timeouts_total",
			"Total acquires that timed out waiting", nil, nil),
		poolLeaks: prometheus.NewDesc(ns+"_pool_leaks_total",
			"Total leases reclaimed as leaks", nil, nil),
		poolRejects: prometheus.NewDesc(ns+"_pool_breaker_rejects_total",
			"Total acquires rejected by an open circuit breaker", nil, nil),

		cacheHits: prometheus.NewDesc(ns+"_cache_hits_total",
			"Total response cache hits", nil, nil),
		cacheMisses: prometheus.NewDesc(ns+"_cache_misses_total",
			"Total response cache misses", nil, nil),
		cacheEvictions: prometheus.NewDesc(ns+"_cache_evictions_total",
			"Total evicted cache entries by tier", []string{"tier"}, nil),
		cacheClears: prometheus.NewDesc(ns+"_cache_clears_total",
			"Total full cache clears", nil, nil),
		cacheRejected: prometheus.NewDesc(ns+"_cache_rejected_total",
			"Total values rejected by the entry size limit", nil, nil),
		cacheBytes: prometheus.NewDesc(ns+"_cache_memory_bytes",
			"Current cache memory usage", nil, nil),
		cacheBudget: prometheus.NewDesc(ns+"_cache_memory_budget_bytes",
			"Configured cache memory budget", nil, nil),
		cacheEntries: prometheus.NewDesc(ns+"_cache_entries",
			"Current cache entry count", nil, nil),

		requests: prometheus.NewDesc(ns+"_pipeline_requests_total",
			"Total requests served by the pipeline", nil, nil),
		fetches: prometheus.NewDesc(ns+"_pipeline_fetches_total",
			"Total origin fetches started by the pipeline", nil, nil),
		joinedFlights: prometheus.NewDesc(ns+"_pipeline_joined_flights_total",
			"Total callers that joined an in-flight fetch", nil, nil),
		abandonedWaits: prometheus.NewDesc(ns+"_pipeline_abandoned_waits_total",
			"Total callers that stopped waiting on an in-flight fetch", nil, nil),
		fetchFailures: prometheus.NewDesc(ns+"_pipeline_fetch_failures_total",
			"Total failed pipeline fetches", nil, nil),
		inFlight: prometheus.NewDesc(ns+"_pipeline_in_flight",
			"Origin fetches currently in flight", nil, nil),

		openWindows: prometheus.NewDesc(ns+"_batch_open_windows",
			"Batch windows currently collecting members", nil, nil),

		breakerState: prometheus.NewDesc(ns+"_breaker_state",
			"Circuit breaker state per target (0 closed, 1 half-open, 2 open)",
			[]string{"target"}, nil),

		pressureLevel: prometheus.NewDesc(ns+"_pressure_level",
			"Memory pressure level ordinal (0 normal through 3 emergency)", nil, nil),
		pressureRSS: prometheus.NewDesc(ns+"_pressure_rss_bytes",
			"Sampled resident set size", nil, nil),
		pressureHeap: prometheus.NewDesc(ns+"_pressure_heap_alloc_bytes",
			"Sampled Go heap allocation", nil, nil),
		pressureHeapSys: prometheus.NewDesc(ns+"_pressure_heap_sys_bytes",
			"Sampled Go heap obtained from the OS", nil, nil),
		pressureBudget: prometheus.NewDesc(ns+"_pressure_memory_budget_bytes",
			"Configured process memory budget", nil, nil),

		storeEvents: prometheus.NewDesc(ns+"_store_events",
			"Rows in the persistent event cache", nil, nil),
		storeCancelled: prometheus.NewDesc(ns+"_store_cancelled_events",
			"Cancelled rows in the persistent event cache", nil, nil),
		storeFileSize: prometheus.NewDesc(ns+"_store_file_size_bytes",
			"Size of the event database file", nil, nil),
		storeFailStreak: prometheus.NewDesc(ns+"_store_consecutive_failures",
			"Consecutive feed fetch failures recorded in store metadata", nil, nil),
		storeUnavailable: prometheus.NewDesc(ns+"_store_scrape_errors",
			"Whether the last metrics scrape failed to read the store", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (e *exporter) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(e, ch)
}

// Collect implements prometheus.Collector.
func (e *exporter) Collect(ch chan<- prometheus.Metric) {
	gauge := func(desc *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v, labels...)
	}
	counter := func(desc *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, v, labels...)
	}

	if e.sources.Pool != nil {
		stats := e.sources.Pool()
		gauge(e.poolMax, float64(stats.MaxPerHost))
		counter(e.poolCreated, float64(stats.Created))
		counter(e.poolDestroyed, float64(stats.Destroyed))
		counter(e.poolReuses, float64(stats.Reuses))
		counter(e.poolTimeouts, float64(stats.Timeouts))
		counter(e.poolLeaks, float64(stats.Leaks))
		counter(e.poolRejects, float64(stats.BreakerRejects))
		for host, hs := range stats.Hosts {
			gauge(e.poolActive, float64(hs.Leased), host)
			gauge(e.poolIdle, float64(hs.Idle), host)
			gauge(e.poolWaiting, float64(hs.Waiting), host)
		}
	}

	if e.sources.Pipeline != nil {
		stats := e.sources.Pipeline()
		counter(e.requests, float64(stats.Requests))
		counter(e.fetches, float64(stats.Fetches))
		counter(e.joinedFlights, float64(stats.JoinedFlights))
		counter(e.abandonedWaits, float64(stats.AbandonedWaits))
		counter(e.fetchFailures, float64(stats.FetchFailures))
		gauge(e.inFlight, float64(stats.InFlight))

		cache := stats.Cache
		counter(e.cacheHits, float64(cache.Hits))
		counter(e.cacheMisses, float64(cache.Misses))
		counter(e.cacheClears, float64(cache.Clears))
		counter(e.cacheRejected, float64(cache.Rejected))
		gauge(e.cacheBytes, float64(cache.SizeBytes))
		gauge(e.cacheBudget, float64(cache.BudgetBytes))
		gauge(e.cacheEntries, float64(cache.Entries))
		for tier, n := range cache.EvictionsByTier {
			counter(e.cacheEvictions, float64(n), tier)
		}
	}

	if e.sources.Batch != nil {
		stats := e.sources.Batch()
		gauge(e.openWindows, float64(stats.OpenWindows))
	}

	if e.sources.Breakers != nil {
		for target, stats := range e.sources.Breakers() {
			gauge(e.breakerState, breakerStateValue(stats.State), target)
		}
	}

	if e.sources.Pressure != nil {
		stats := e.sources.Pressure()
		gauge(e.pressureLevel, float64(stats.Level))
		gauge(e.pressureRSS, float64(stats.RSSBytes))
		gauge(e.pressureHeap, float64(stats.HeapAllocBytes))
		gauge(e.pressureHeapSys, float64(stats.HeapSysBytes))
		gauge(e.pressureBudget, float64(stats.BudgetBytes))
	}

	if e.sources.Store != nil {
		stats, err := e.sources.Store()
		if err != nil || stats == nil {
			gauge(e.storeUnavailable, 1)
			return
		}
		gauge(e.storeUnavailable, 0)
		gauge(e.storeEvents, float64(stats.Events))
		gauge(e.storeCancelled, float64(stats.Cancelled))
		gauge(e.storeFileSize, float64(stats.FileSizeBytes))
		if stats.Metadata != nil {
			gauge(e.storeFailStreak, float64(stats.Metadata.ConsecutiveFailures))
		}
	}
}

// breakerStateValue maps breaker states onto the exported ordinal scale:
// 0 closed, 1 half-open, 2 open.
func breakerStateValue(s circuit.State) float64 {
	switch s {
	case circuit.StateHalfOpen:
		return 1
	case circuit.StateOpen:
		return 2
	default:
		return 0
	}
}
