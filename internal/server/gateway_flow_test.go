package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calgate/calgate/internal/eventstore"
	"github.com/calgate/calgate/internal/feed"
	"github.com/calgate/calgate/internal/metrics"
)

// TestGatewayFlow drives the optimized path end to end: a first query against
// an empty store refreshes from the origin through the pooled single-flight
// fetch, a repeat query serves from cache, a forced refresh hits the origin
// again, and the status and metrics surfaces reflect all of it.
func TestGatewayFlow(t *testing.T) {
	var originHits atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		originHits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"uid":"flow-1","subject":"Ops sync","start":"2026-04-01T10:00:00Z","end":"2026-04-01T11:00:00Z"}]`))
	}))
	defer origin.Close()

	deps := newTestDeps(t, "")
	enableOptimized(deps)
	collector := metrics.NewCollector(metrics.Config{})
	deps.Metrics = collector

	refresher, err := feed.New(feed.Config{
		URL:          origin.URL,
		TTL:          15 * time.Minute,
		OnRefresh:    collector.ObserveFeedRefresh,
		ObserveFetch: collector.ObserveFetch,
		Logger:       quietLogger(),
	}, deps.Pool, deps.Pipeline, deps.Store)
	require.NoError(t, err)
	deps.Refresher = refresher

	s := newTestServer(t, Config{OriginURL: origin.URL}, deps)

	collector.RegisterSources(metrics.Sources{
		Pool:     deps.Pool.GetStats,
		Pipeline: deps.Pipeline.GetStats,
		Batch:    s.BatchStats,
		Breakers: deps.Breakers.GetStats,
		Store: func() (*eventstore.StoreStats, error) {
			return deps.Store.Stats(context.Background())
		},
	})

	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	// First query: the empty store is stale, so the batch refreshes from
	// the origin before answering.
	rec := do(s, http.MethodGet, eventsURL(base, base.Add(6*time.Hour)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeEventsResponse(t, rec)
	assert.Equal(t, 1, resp.Count)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, "flow-1", resp.Events[0].SourceUID)
	assert.Equal(t, int32(1), originHits.Load())

	// The same window again serves from the response cache, no origin call.
	rec = do(s, http.MethodGet, eventsURL(base, base.Add(6*time.Hour)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(1), originHits.Load())
	assert.GreaterOrEqual(t, deps.Pipeline.GetStats().CacheHits, uint64(1))

	// A forced refresh always goes to the origin.
	rec = do(s, http.MethodPost, "/api/refresh")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int32(2), originHits.Load())

	rec = do(s, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var status statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.NotNil(t, status.Feed)
	assert.Equal(t, uint64(2), status.Feed.Refreshes)
	require.NotNil(t, status.Gate)
	assert.Equal(t, uint64(2), status.Gate.OptimizedRuns)
	require.NotNil(t, status.Store)
	assert.Equal(t, int64(1), status.Store.Events)

	// The scrape carries both the snapshot gauges and the hook counters.
	rec = do(s, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "calgate_store_events 1")
	assert.Contains(t, body, `calgate_feed_refreshes_total{outcome="success"} 2`)
	assert.Contains(t, body, "calgate_http_request_duration_seconds")
}
