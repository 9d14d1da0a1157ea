package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/calgate/calgate/internal/circuit"
)

// Config represents metrics configuration
type Config struct {
	Namespace string `yaml:"namespace"`
}

// Collector owns the Prometheus registry and every calgate instrument. Event
// instruments (histograms, transition counters) are driven by component hooks;
// state gauges and component counters are exported at scrape time through the
// snapshot exporter registered with RegisterSources.
type Collector struct {
	registry  *prometheus.Registry
	namespace string

	fetchDuration      *prometheus.HistogramVec
	fetchErrors        *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
	batchDispatches    *prometheus.CounterVec
	batchSize          prometheus.Histogram
	breakerTransitions *prometheus.CounterVec
	feedRefreshes      *prometheus.CounterVec
}

// NewCollector creates a new metrics collector with its own registry.
func NewCollector(config Config) *Collector {
	if config.Namespace == "" {
		config.Namespace = "calgate"
	}

	c := &Collector{
		registry:  prometheus.NewRegistry(),
		namespace: config.Namespace,

		fetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: "fetch",
				Name:      "duration_seconds",
				Help:      "Duration of origin fetches in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
			},
			[]string{"host"},
		),
		fetchErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: "fetch",
				Name:      "errors_total",
				Help:      "Total number of failed origin fetches",
			},
			[]string{"host"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of gateway HTTP requests in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
			},
			[]string{"route", "method", "status"},
		),
		batchDispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: "batch",
				Name:      "dispatches_total",
				Help:      "Total number of dispatched batch windows by trigger",
			},
			[]string{"trigger"},
		),
		batchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: "batch",
				Name:      "size",
				Help:      "Distribution of batch window sizes at dispatch",
				Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
			},
		),
		breakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: "breaker",
				Name:      "transitions_total",
				Help:      "Total number of circuit breaker state transitions",
			},
			[]string{"target", "to"},
		),
		feedRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: "feed",
				Name:      "refreshes_total",
				Help:      "Total number of feed refresh attempts by outcome",
			},
			[]string{"outcome"},
		),
	}

	c.registry.MustRegister(
		c.fetchDuration,
		c.fetchErrors,
		c.httpDuration,
		c.batchDispatches,
		c.batchSize,
		c.breakerTransitions,
		c.feedRefreshes,
	)

	return c
}

// Registry returns the collector's Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns the scrape handler for the /metrics route.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// ObserveFetch records one origin fetch.
func (c *Collector) ObserveFetch(host string, duration time.Duration, err error) {
	c.fetchDuration.WithLabelValues(host).Observe(duration.Seconds())
	if err != nil {
		c.fetchErrors.WithLabelValues(host).Inc()
	}
}

// ObserveHTTPRequest records one gateway request.
func (c *Collector) ObserveHTTPRequest(route, method string, status int, duration time.Duration) {
	c.httpDuration.WithLabelValues(route, method, strconv.Itoa(status)).Observe(duration.Seconds())
}

// ObserveBatchDispatch records one dispatched batch window. Matches the
// pipeline.BatchConfig.OnDispatch signature.
func (c *Collector) ObserveBatchDispatch(trigger string, size int) {
	c.batchDispatches.WithLabelValues(trigger).Inc()
	c.batchSize.Observe(float64(size))
}

// BreakerTransition records a committed breaker state change. Matches the
// circuit.Config.OnStateChange signature; it must not call back into the
// breaker.
func (c *Collector) BreakerTransition(target string, from, to circuit.State) {
	c.breakerTransitions.WithLabelValues(target, to.String()).Inc()
}

// ObserveFeedRefresh records one feed refresh attempt.
func (c *Collector) ObserveFeedRefresh(err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	c.feedRefreshes.WithLabelValues(outcome).Inc()
}
