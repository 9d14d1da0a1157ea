package eventstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(Config{
		Path:       filepath.Join(t.TempDir(), "events.db"),
		TTLSeconds: 900,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func makeEvent(uid, subject string, start, end time.Time) Event {
	return Event{
		SourceUID:     uid,
		Subject:       subject,
		StartTime:     start,
		EndTime:       end,
		StartTimezone: "Europe/Vilnius",
		EndTimezone:   "Europe/Vilnius",
	}
}

func at(hour, minute int) time.Time {
	return time.Date(2026, 3, 10, hour, minute, 0, 0, time.UTC)
}

func TestEventID(t *testing.T) {
	t.Parallel()

	first := EventID("uid-1")
	if len(first) != 64 {
		t.Errorf("Expected 64 hex characters, got %d", len(first))
	}
	if EventID("uid-1") != first {
		t.Error("Expected deterministic ID for the same UID")
	}
	if EventID("uid-2") == first {
		t.Error("Expected distinct IDs for distinct UIDs")
	}
}

func TestStore_UpsertAndQuery(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	events := []Event{
		makeEvent("uid-b", "Design review", at(11, 0), at(12, 0)),
		makeEvent("uid-a", "Standup", at(9, 0), at(9, 15)),
		makeEvent("uid-c", "Retro", at(15, 0), at(16, 0)),
	}
	events[2].Recurring = true

	n, err := store.Upsert(ctx, events)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if n != 3 {
		t.Errorf("Expected 3 events written, got %d", n)
	}

	got, err := store.Query(ctx, at(0, 0), at(23, 59))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(got))
	}

	if got[0].SourceUID != "uid-a" || got[1].SourceUID != "uid-b" || got[2].SourceUID != "uid-c" {
		t.Errorf("Expected events ordered by start time, got %s, %s, %s",
			got[0].SourceUID, got[1].SourceUID, got[2].SourceUID)
	}
	if got[0].Subject != "Standup" {
		t.Errorf("Expected subject 'Standup', got %q", got[0].Subject)
	}
	if !got[0].StartTime.Equal(at(9, 0)) || !got[0].EndTime.Equal(at(9, 15)) {
		t.Errorf("Expected times to round-trip, got %v - %v", got[0].StartTime, got[0].EndTime)
	}
	if got[0].StartTimezone != "Europe/Vilnius" {
		t.Errorf("Expected timezone to round-trip, got %q", got[0].StartTimezone)
	}
	if !got[2].Recurring {
		t.Error("Expected recurring flag to round-trip")
	}
	if got[0].ID != EventID("uid-a") {
		t.Errorf("Expected derived ID, got %q", got[0].ID)
	}
	if got[0].CachedAt.IsZero() {
		t.Error("Expected cached_at stamped on upsert")
	}
}

func TestStore_UpsertUpdatesExistingRow(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	store.Upsert(ctx, []Event{makeEvent("uid-x", "Old subject", at(10, 0), at(11, 0))})
	store.Upsert(ctx, []Event{makeEvent("uid-x", "New subject", at(10, 30), at(11, 30))})

	got, err := store.Query(ctx, at(0, 0), at(23, 59))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Expected a single row per source UID, got %d", len(got))
	}
	if got[0].Subject != "New subject" {
		t.Errorf("Expected updated subject, got %q", got[0].Subject)
	}
	if !got[0].StartTime.Equal(at(10, 30)) {
		t.Errorf("Expected updated start time, got %v", got[0].StartTime)
	}
}

func TestStore_UpsertDedupsWithinBatch(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Upsert(ctx, []Event{
		makeEvent("uid-dup", "First occurrence", at(10, 0), at(11, 0)),
		makeEvent("uid-dup", "Second occurrence", at(12, 0), at(13, 0)),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := store.Query(ctx, at(0, 0), at(23, 59))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Expected duplicate UIDs collapsed to one row, got %d", len(got))
	}
	if got[0].Subject != "Second occurrence" {
		t.Errorf("Expected last occurrence to win, got %q", got[0].Subject)
	}
}

func TestStore_UpsertSkipsEmptyUID(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	store.Upsert(ctx, []Event{
		makeEvent("", "No identity", at(10, 0), at(11, 0)),
		makeEvent("uid-ok", "Kept", at(12, 0), at(13, 0)),
	})

	got, _ := store.Query(ctx, at(0, 0), at(23, 59))
	if len(got) != 1 || got[0].SourceUID != "uid-ok" {
		t.Errorf("Expected only the identified event stored, got %+v", got)
	}
}

func TestStore_QueryOverlapBoundaries(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	// One event from 10:00 to 11:00.
	store.Upsert(ctx, []Event{makeEvent("uid-1", "Meeting", at(10, 0), at(11, 0))})

	tests := []struct {
		name       string
		start, end time.Time
		want       int
	}{
		{"window inside event", at(10, 15), at(10, 45), 1},
		{"window covers event", at(9, 0), at(12, 0), 1},
		{"window ends at event start", at(8, 0), at(10, 0), 1},
		{"window starts at event end", at(11, 0), at(12, 0), 1},
		{"window before event", at(8, 0), at(9, 59), 0},
		{"window after event", at(11, 1), at(12, 0), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.Query(ctx, tt.start, tt.end)
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("Expected %d events, got %d", tt.want, len(got))
			}
		})
	}
}

func TestStore_QueryExcludesCancelled(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	active := makeEvent("uid-active", "Kept", at(10, 0), at(11, 0))
	cancelled := makeEvent("uid-cancelled", "Dropped", at(10, 0), at(11, 0))
	cancelled.Cancelled = true
	store.Upsert(ctx, []Event{active, cancelled})

	got, err := store.Query(ctx, at(0, 0), at(23, 59))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].SourceUID != "uid-active" {
		t.Errorf("Expected only the active event, got %+v", got)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Events != 2 || stats.Cancelled != 1 {
		t.Errorf("Expected 2 events with 1 cancelled, got %d/%d", stats.Events, stats.Cancelled)
	}
}

func TestStore_Staleness(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	stale, err := store.IsStale(ctx)
	if err != nil {
		t.Fatalf("is stale: %v", err)
	}
	if !stale {
		t.Error("Expected a never-updated store to be stale")
	}

	store.Upsert(ctx, []Event{makeEvent("uid-1", "Meeting", at(10, 0), at(11, 0))})

	stale, err = store.IsStale(ctx)
	if err != nil {
		t.Fatalf("is stale: %v", err)
	}
	if stale {
		t.Error("Expected a freshly updated store to be fresh")
	}

	// Age the freshness record past its TTL.
	aged := time.Now().Add(-time.Hour).Unix()
	if _, err := store.db.Exec(`UPDATE cache_metadata SET last_update = ?`, aged); err != nil {
		t.Fatalf("age metadata: %v", err)
	}

	stale, err = store.IsStale(ctx)
	if err != nil {
		t.Fatalf("is stale: %v", err)
	}
	if !stale {
		t.Error("Expected the store to be stale after its TTL elapsed")
	}
}

func TestStore_RecordFetchFailure(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	store.RecordFetchFailure(ctx, fmt.Errorf("first boom"))
	if err := store.RecordFetchFailure(ctx, fmt.Errorf("second boom")); err != nil {
		t.Fatalf("record failure: %v", err)
	}

	meta, err := store.Metadata(ctx)
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if meta == nil {
		t.Fatal("Expected metadata row after failures")
	}
	if meta.ConsecutiveFailures != 2 {
		t.Errorf("Expected 2 consecutive failures, got %d", meta.ConsecutiveFailures)
	}
	if meta.LastError != "second boom" {
		t.Errorf("Expected latest error remembered, got %q", meta.LastError)
	}
	if !meta.LastUpdate.IsZero() {
		t.Errorf("Expected failures to leave the update timestamp alone, got %v", meta.LastUpdate)
	}

	// A successful update resets the streak.
	store.Upsert(ctx, []Event{makeEvent("uid-1", "Meeting", at(10, 0), at(11, 0))})

	meta, err = store.Metadata(ctx)
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if meta.ConsecutiveFailures != 0 {
		t.Errorf("Expected failure streak reset, got %d", meta.ConsecutiveFailures)
	}
	if meta.LastError != "" {
		t.Errorf("Expected last error cleared, got %q", meta.LastError)
	}
	if meta.LastUpdate.IsZero() {
		t.Error("Expected update timestamp stamped")
	}
}

func TestStore_CleanupRetention(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	store.Upsert(ctx, []Event{
		makeEvent("uid-ancient", "Long gone", now.Add(-241*time.Hour), now.Add(-240*time.Hour)),
		makeEvent("uid-recent", "Last week", now.Add(-49*time.Hour), now.Add(-48*time.Hour)),
		makeEvent("uid-future", "Tomorrow", now.Add(23*time.Hour), now.Add(24*time.Hour)),
	})

	deleted, err := store.Cleanup(ctx, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected 1 event deleted, got %d", deleted)
	}

	stats, _ := store.Stats(ctx)
	if stats.Events != 2 {
		t.Errorf("Expected 2 events remaining, got %d", stats.Events)
	}
}

func TestStore_CleanupZeroRetentionDeletesAll(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	store.Upsert(ctx, []Event{
		makeEvent("uid-1", "A", now, now.Add(time.Hour)),
		makeEvent("uid-2", "B", now, now.Add(time.Hour)),
		makeEvent("uid-3", "C", now, now.Add(time.Hour)),
	})

	deleted, err := store.Cleanup(ctx, 0)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if deleted != 3 {
		t.Errorf("Expected 3 events deleted, got %d", deleted)
	}

	stats, _ := store.Stats(ctx)
	if stats.Events != 0 {
		t.Errorf("Expected empty store, got %d events", stats.Events)
	}
}

func TestStore_ReopenKeepsData(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "events.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	store, err := Open(Config{Path: path, TTLSeconds: 900, Logger: logger})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	store.Upsert(ctx, []Event{makeEvent("uid-1", "Survivor", at(10, 0), at(11, 0))})
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(Config{Path: path, TTLSeconds: 900, Logger: logger})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Query(ctx, at(0, 0), at(23, 59))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].Subject != "Survivor" {
		t.Errorf("Expected data to survive reopen, got %+v", got)
	}
}

func TestOpen_NormalizesConfig(t *testing.T) {
	t.Parallel()

	store, err := Open(Config{
		Path:   filepath.Join(t.TempDir(), "events.db"),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	if store.config.TTLSeconds != 900 {
		t.Errorf("Expected default TTL 900, got %d", store.config.TTLSeconds)
	}
}
