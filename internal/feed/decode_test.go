package feed

import (
	"testing"
	"time"

	stderrors "errors"

	"github.com/calgate/calgate/pkg/errors"
)

func TestDecode_Array(t *testing.T) {
	t.Parallel()

	payload := `[
		{"uid":"uid-1","subject":"Standup","start":"2026-03-10T09:00:00Z","end":"2026-03-10T09:15:00Z","start_timezone":"Europe/Vilnius","end_timezone":"Europe/Vilnius"},
		{"uid":"uid-2","subject":"Retro","start":"2026-03-10T15:00:00Z","end":"2026-03-10T16:00:00Z","recurring":true,"modified":"2026-03-09T12:00:00Z"}
	]`

	events, err := Decode([]byte(payload))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}

	first := events[0]
	if first.SourceUID != "uid-1" || first.Subject != "Standup" {
		t.Errorf("Unexpected first event: %+v", first)
	}
	if !first.StartTime.Equal(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("Unexpected start time: %v", first.StartTime)
	}
	if first.StartTimezone != "Europe/Vilnius" {
		t.Errorf("Expected timezone preserved, got %q", first.StartTimezone)
	}

	second := events[1]
	if !second.Recurring {
		t.Error("Expected recurring flag preserved")
	}
	if second.SourceModified.IsZero() {
		t.Error("Expected modified timestamp preserved")
	}
}

func TestDecode_Envelope(t *testing.T) {
	t.Parallel()

	payload := `{"events":[{"uid":"uid-1","subject":"Standup","start":"2026-03-10T09:00:00Z","end":"2026-03-10T09:15:00Z"}]}`

	events, err := Decode([]byte(payload))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 1 || events[0].SourceUID != "uid-1" {
		t.Fatalf("Expected the enveloped event, got %+v", events)
	}
}

func TestDecode_SkipsUnusableEntries(t *testing.T) {
	t.Parallel()

	payload := `[
		{"uid":"","subject":"no uid","start":"2026-03-10T09:00:00Z","end":"2026-03-10T10:00:00Z"},
		{"uid":"uid-nostart","subject":"no start","end":"2026-03-10T10:00:00Z"},
		{"uid":"uid-backwards","subject":"ends first","start":"2026-03-10T10:00:00Z","end":"2026-03-10T09:00:00Z"},
		{"uid":"uid-ok","subject":"fine","start":"2026-03-10T09:00:00Z","end":"2026-03-10T10:00:00Z"}
	]`

	events, err := Decode([]byte(payload))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Expected only the usable event, got %d", len(events))
	}
	if events[0].SourceUID != "uid-ok" {
		t.Errorf("Expected uid-ok to survive, got %q", events[0].SourceUID)
	}
}

func TestDecode_EmptyFeed(t *testing.T) {
	t.Parallel()

	events, err := Decode([]byte(`[]`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("Expected no events, got %d", len(events))
	}
}

func TestDecode_MalformedJSON(t *testing.T) {
	t.Parallel()

	_, err := Decode([]byte(`{"events": [`))
	if err == nil {
		t.Fatal("Expected a decode error")
	}

	var gateErr *errors.GateError
	if !stderrors.As(err, &gateErr) {
		t.Fatalf("Expected a GateError, got %T", err)
	}
	if gateErr.Code != errors.ErrCodeFeedDecode {
		t.Errorf("Expected FEED_DECODE, got %s", gateErr.Code)
	}
}
