package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/calgate/calgate/internal/eventstore"
	"github.com/calgate/calgate/internal/feed"
	"github.com/calgate/calgate/internal/flaggate"
	"github.com/calgate/calgate/internal/pipeline"
	"github.com/calgate/calgate/pkg/errors"
)

// legacyMaxFeedBytes bounds the body read on the legacy path's direct fetch.
const legacyMaxFeedBytes = 8 << 20

// eventsWindow is one caller's query range. It doubles as the batch payload
// for collapsed store queries.
type eventsWindow struct {
	Start time.Time
	End   time.Time
}

type eventsResponse struct {
	Start  time.Time          `json:"start"`
	End    time.Time          `json:"end"`
	Count  int                `json:"count"`
	Events []eventstore.Event `json:"events"`
}

func parseWindow(c echo.Context) (eventsWindow, error) {
	start, err := time.Parse(time.RFC3339, c.QueryParam("start"))
	if err != nil {
		return eventsWindow{}, fmt.Errorf("start must be RFC3339: %w", err)
	}
	end, err := time.Parse(time.RFC3339, c.QueryParam("end"))
	if err != nil {
		return eventsWindow{}, fmt.Errorf("end must be RFC3339: %w", err)
	}
	if !end.After(start) {
		return eventsWindow{}, fmt.Errorf("end must be after start")
	}
	return eventsWindow{Start: start.UTC(), End: end.UTC()}, nil
}

// handleEvents serves the event list for a time window. The flag gate picks
// the optimized path (cache, single-flight, batching) or the legacy path
// (direct store query), and optimized failures fall back without surfacing.
func (s *Server) handleEvents(c echo.Context) error {
	window, err := parseWindow(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	result, err := s.deps.Gate.Dispatch(c.Request().Context(),
		flaggate.FlagOptimizedPipeline, c.RealIP(),
		func(ctx context.Context) (interface{}, error) {
			return s.eventsOptimized(ctx, window)
		},
		func(ctx context.Context) (interface{}, error) {
			return s.eventsLegacy(ctx, window)
		},
	)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSONBlob(http.StatusOK, result.([]byte))
}

// eventsOptimized resolves the window through the response cache. Misses for
// the same window join one flight, and the flight's store query rides the
// batcher with any other window in flux.
func (s *Server) eventsOptimized(ctx context.Context, window eventsWindow) ([]byte, error) {
	key := fmt.Sprintf("events:%d:%d", window.Start.Unix(), window.End.Unix())
	return s.deps.Pipeline.GetOrFetch(ctx, key, func(ctx context.Context) (*pipeline.FetchResult, error) {
		result, err := s.batcher.Submit(ctx, "events", window)
		if err != nil {
			return nil, err
		}
		return &pipeline.FetchResult{
			Value:       result.([]byte),
			StatusCode:  http.StatusOK,
			ContentType: echo.MIMEApplicationJSON,
		}, nil
	}, pipeline.Policy{})
}

// runEventsBatch serves one dispatched window of queries with a single store
// round trip: one staleness-gated refresh, one query spanning every member's
// range, then a per-member filter. Results line up with the submitted
// payloads.
func (s *Server) runEventsBatch(ctx context.Context, items []interface{}) ([]interface{}, error) {
	windows := make([]eventsWindow, len(items))
	var span eventsWindow
	for i, item := range items {
		w, ok := item.(eventsWindow)
		if !ok {
			return nil, errors.Newf(errors.ErrCodeInternalError, "unexpected batch payload %T", item)
		}
		windows[i] = w
		if i == 0 || w.Start.Before(span.Start) {
			span.Start = w.Start
		}
		if i == 0 || w.End.After(span.End) {
			span.End = w.End
		}
	}

	s.refreshIfStale(ctx)

	events, err := s.deps.Store.Query(ctx, span.Start, span.End)
	if err != nil {
		return nil, err
	}

	results := make([]interface{}, len(windows))
	for i, w := range windows {
		body, err := encodeEvents(w, filterWindow(events, w))
		if err != nil {
			return nil, err
		}
		results[i] = body
	}
	return results, nil
}

// refreshIfStale triggers one single-flight feed refresh when the store has
// outlived its TTL. A failed refresh is logged and the stored events serve.
func (s *Server) refreshIfStale(ctx context.Context) {
	if s.deps.Refresher == nil {
		return
	}
	stale, err := s.deps.Store.IsStale(ctx)
	if err != nil || !stale {
		return
	}
	if err := s.deps.Refresher.Refresh(ctx); err != nil {
		s.logger.Warn("refresh ahead of query failed, serving stored events", "error", err)
	}
}

// eventsLegacy is the unoptimized path: no cache, no batching, no pooled
// connections. It queries the store directly, refreshing it first over a
// plain HTTP client when stale.
func (s *Server) eventsLegacy(ctx context.Context, window eventsWindow) ([]byte, error) {
	stale, err := s.deps.Store.IsStale(ctx)
	if err == nil && stale {
		if err := s.legacyRefresh(ctx); err != nil {
			s.logger.Warn("legacy refresh failed, serving stored events", "error", err)
		}
	}

	events, err := s.deps.Store.Query(ctx, window.Start, window.End)
	if err != nil {
		return nil, err
	}
	return encodeEvents(window, events)
}

// legacyRefresh fetches and stores the feed without touching the optimized
// subsystems, so it keeps working when they are the thing that is broken.
func (s *Server) legacyRefresh(ctx context.Context) error {
	if s.config.OriginURL == "" {
		return errors.NewError(errors.ErrCodeConfigInvalid, "no origin URL configured for legacy refresh").
			WithComponent("server")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.OriginURL, nil)
	if err != nil {
		return errors.NewError(errors.ErrCodeFetchFailed, "failed to build legacy feed request").
			WithComponent("server").
			WithCause(err)
	}
	req.Header.Set("Accept", echo.MIMEApplicationJSON)

	resp, err := s.legacy.Do(req)
	if err != nil {
		return errors.NewError(errors.ErrCodeFetchFailed, "legacy feed request failed").
			WithComponent("server").
			WithCause(err)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, legacyMaxFeedBytes))
	resp.Body.Close()
	if err != nil {
		return errors.NewError(errors.ErrCodeFetchFailed, "failed to read legacy feed payload").
			WithComponent("server").
			WithCause(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Newf(errors.ErrCodeFetchFailed, "legacy feed returned status %d", resp.StatusCode).
			WithComponent("server").
			WithDetail("status", resp.StatusCode)
	}

	events, err := feed.Decode(body)
	if err != nil {
		return err
	}
	_, err = s.deps.Store.Upsert(ctx, events)
	return err
}

// filterWindow keeps the events overlapping w, matching the store's overlap
// semantics.
func filterWindow(events []eventstore.Event, w eventsWindow) []eventstore.Event {
	filtered := make([]eventstore.Event, 0, len(events))
	for _, ev := range events {
		if !ev.EndTime.Before(w.Start) && !ev.StartTime.After(w.End) {
			filtered = append(filtered, ev)
		}
	}
	return filtered
}

func encodeEvents(w eventsWindow, events []eventstore.Event) ([]byte, error) {
	body, err := json.Marshal(eventsResponse{
		Start:  w.Start,
		End:    w.End,
		Count:  len(events),
		Events: events,
	})
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInternalError, "failed to encode event response").
			WithComponent("server").
			WithCause(err)
	}
	return body, nil
}
