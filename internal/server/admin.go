package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/calgate/calgate/internal/circuit"
	"github.com/calgate/calgate/internal/connpool"
	"github.com/calgate/calgate/internal/eventstore"
	"github.com/calgate/calgate/internal/feed"
	"github.com/calgate/calgate/internal/flaggate"
	"github.com/calgate/calgate/internal/pipeline"
	"github.com/calgate/calgate/internal/pressure"
)

// handleRefresh forces one feed refresh, synchronously. Concurrent calls and
// the background loop collapse into the same flight.
func (s *Server) handleRefresh(c echo.Context) error {
	if s.deps.Refresher == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"error": "no feed refresher configured",
		})
	}
	if err := s.deps.Refresher.Refresh(c.Request().Context()); err != nil {
		return errorJSON(c, err)
	}

	stats := s.deps.Refresher.GetStats()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"refreshes":       stats.Refreshes,
		"events_upserted": stats.EventsUpserted,
	})
}

// handleCacheFlush empties the response cache. With ?store=1 it also wipes
// the event store, forcing the next query to refetch the feed.
func (s *Server) handleCacheFlush(c echo.Context) error {
	s.deps.Pipeline.Flush()

	resp := map[string]interface{}{"cache": "flushed"}
	if c.QueryParam("store") == "1" {
		removed, err := s.deps.Store.Cleanup(c.Request().Context(), 0)
		if err != nil {
			return errorJSON(c, err)
		}
		resp["store_events_removed"] = removed
	}
	return c.JSON(http.StatusOK, resp)
}

type statusResponse struct {
	Pool       *connpool.Stats                        `json:"pool,omitempty"`
	Pipeline   *pipeline.PipelineStats                `json:"pipeline,omitempty"`
	Batch      *pipeline.BatchStats                   `json:"batch,omitempty"`
	Breakers   map[string]circuit.CircuitBreakerStats `json:"breakers,omitempty"`
	Pressure   *pressure.Stats                        `json:"pressure,omitempty"`
	Gate       *flaggate.GateStats                    `json:"gate,omitempty"`
	Feed       *feed.Stats                            `json:"feed,omitempty"`
	Store      *eventstore.StoreStats                 `json:"store,omitempty"`
	StoreError string                                 `json:"store_error,omitempty"`
}

// handleStatus reports a point-in-time snapshot of every subsystem.
func (s *Server) handleStatus(c echo.Context) error {
	var resp statusResponse

	if s.deps.Pool != nil {
		stats := s.deps.Pool.GetStats()
		resp.Pool = &stats
	}
	if s.deps.Pipeline != nil {
		stats := s.deps.Pipeline.GetStats()
		resp.Pipeline = &stats
	}
	if s.batcher != nil {
		stats := s.batcher.GetStats()
		resp.Batch = &stats
	}
	if s.deps.Breakers != nil {
		resp.Breakers = s.deps.Breakers.GetStats()
	}
	if s.deps.Pressure != nil {
		stats := s.deps.Pressure.GetStats()
		resp.Pressure = &stats
	}
	if s.deps.Gate != nil {
		stats := s.deps.Gate.GetStats()
		resp.Gate = &stats
	}
	if s.deps.Refresher != nil {
		stats := s.deps.Refresher.GetStats()
		resp.Feed = &stats
	}
	if s.deps.Store != nil {
		stats, err := s.deps.Store.Stats(c.Request().Context())
		if err != nil {
			resp.StoreError = err.Error()
		} else {
			resp.Store = stats
		}
	}

	return c.JSON(http.StatusOK, resp)
}
