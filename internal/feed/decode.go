package feed

import (
	"encoding/json"
	"time"

	"github.com/calgate/calgate/internal/eventstore"
	"github.com/calgate/calgate/pkg/errors"
)

// feedEvent is one event as the normalized origin feed serializes it.
type feedEvent struct {
	UID           string    `json:"uid"`
	Subject       string    `json:"subject"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	StartTimezone string    `json:"start_timezone,omitempty"`
	EndTimezone   string    `json:"end_timezone,omitempty"`
	Cancelled     bool      `json:"cancelled,omitempty"`
	Recurring     bool      `json:"recurring,omitempty"`
	Modified      time.Time `json:"modified,omitempty"`
}

// feedEnvelope is the wrapped payload form some feed deployments emit.
type feedEnvelope struct {
	Events []feedEvent `json:"events"`
}

// Decode parses a normalized feed payload into storable events. The payload
// is either a bare JSON array of events or an object with an "events" array.
// Entries without a uid or a usable time range are skipped, not fatal; only
// unparseable JSON is an error.
func Decode(data []byte) ([]eventstore.Event, error) {
	var raw []feedEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		var envelope feedEnvelope
		if envErr := json.Unmarshal(data, &envelope); envErr != nil {
			return nil, errors.NewError(errors.ErrCodeFeedDecode, "feed payload is not valid JSON").
				WithComponent("feed").
				WithOperation("decode").
				WithCause(err)
		}
		raw = envelope.Events
	}

	events := make([]eventstore.Event, 0, len(raw))
	for _, fe := range raw {
		if fe.UID == "" || fe.Start.IsZero() || fe.End.IsZero() || fe.End.Before(fe.Start) {
			continue
		}
		events = append(events, eventstore.Event{
			SourceUID:      fe.UID,
			Subject:        fe.Subject,
			StartTime:      fe.Start,
			EndTime:        fe.End,
			StartTimezone:  fe.StartTimezone,
			EndTimezone:    fe.EndTimezone,
			Cancelled:      fe.Cancelled,
			Recurring:      fe.Recurring,
			SourceModified: fe.Modified,
		})
	}
	return events, nil
}
