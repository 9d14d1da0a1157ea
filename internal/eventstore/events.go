package eventstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"time"

	"github.com/calgate/calgate/pkg/errors"
)

// EventID derives the stable row ID for a source UID.
func EventID(sourceUID string) string {
	sum := sha256.Sum256([]byte(sourceUID))
	return hex.EncodeToString(sum[:])
}

// Upsert writes a batch of events in one transaction, keyed by source UID so
// repeated feeds update in place. Duplicate UIDs within the batch collapse to
// a single row, last occurrence winning. The freshness record is stamped in
// the same transaction: a reader never sees fresh metadata over stale rows.
func (s *Store) Upsert(ctx context.Context, events []Event) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.NewError(errors.ErrCodeStoreWrite, "failed to begin upsert transaction").
			WithComponent("eventstore").
			WithCause(err)
	}
	defer tx.Rollback() // No-op if committed.

	now := time.Now()
	for _, event := range events {
		if event.SourceUID == "" {
			continue
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO events
			(id, source_uid, subject, start_time, end_time, start_tz, end_tz,
			 cancelled, recurring, cached_at, source_modified)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(source_uid) DO UPDATE SET
				subject = excluded.subject,
				start_time = excluded.start_time,
				end_time = excluded.end_time,
				start_tz = excluded.start_tz,
				end_tz = excluded.end_tz,
				cancelled = excluded.cancelled,
				recurring = excluded.recurring,
				cached_at = excluded.cached_at,
				source_modified = excluded.source_modified
		`,
			EventID(event.SourceUID),
			event.SourceUID,
			event.Subject,
			event.StartTime.Unix(),
			event.EndTime.Unix(),
			event.StartTimezone,
			event.EndTimezone,
			boolToInt(event.Cancelled),
			boolToInt(event.Recurring),
			now.Unix(),
			unixOrZero(event.SourceModified),
		)
		if err != nil {
			return 0, errors.NewError(errors.ErrCodeStoreWrite, "failed to upsert event").
				WithComponent("eventstore").
				WithDetail("source_uid", event.SourceUID).
				WithCause(err)
		}
	}

	if err := stampSuccessTx(ctx, tx, now, s.config.TTLSeconds); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.NewError(errors.ErrCodeStoreWrite, "failed to commit upsert").
			WithComponent("eventstore").
			WithCause(err)
	}

	s.logger.Debug("events upserted", "count", len(events))
	return len(events), nil
}

// Query returns non-cancelled events overlapping [start, end], ordered by
// start time.
func (s *Store) Query(ctx context.Context, start, end time.Time) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_uid, subject, start_time, end_time, start_tz, end_tz,
		       cancelled, recurring, cached_at, source_modified
		FROM events
		WHERE end_time >= ? AND start_time <= ? AND cancelled = 0
		ORDER BY start_time ASC, source_uid ASC
	`, start.Unix(), end.Unix())
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeStoreQuery, "failed to query events").
			WithComponent("eventstore").
			WithCause(err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewError(errors.ErrCodeStoreQuery, "failed to iterate events").
			WithComponent("eventstore").
			WithCause(err)
	}
	return events, nil
}

// Cleanup deletes events that ended more than retention ago. A zero retention
// deletes every event.
func (s *Store) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	var (
		result sql.Result
		err    error
	)
	if retention <= 0 {
		result, err = s.db.ExecContext(ctx, `DELETE FROM events`)
	} else {
		cutoff := time.Now().Add(-retention).Unix()
		result, err = s.db.ExecContext(ctx, `DELETE FROM events WHERE end_time < ?`, cutoff)
	}
	if err != nil {
		return 0, errors.NewError(errors.ErrCodeStoreWrite, "failed to clean up events").
			WithComponent("eventstore").
			WithCause(err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, errors.NewError(errors.ErrCodeStoreWrite, "failed to count deleted events").
			WithComponent("eventstore").
			WithCause(err)
	}
	if deleted > 0 {
		s.logger.Info("stale events removed", "deleted", deleted, "retention", retention)
	}
	return deleted, nil
}

func scanEvent(rows *sql.Rows) (Event, error) {
	var (
		event                Event
		startSec, endSec     int64
		cancelled, recurring int
		cachedSec, modSec    int64
	)
	err := rows.Scan(
		&event.ID,
		&event.SourceUID,
		&event.Subject,
		&startSec,
		&endSec,
		&event.StartTimezone,
		&event.EndTimezone,
		&cancelled,
		&recurring,
		&cachedSec,
		&modSec,
	)
	if err != nil {
		return Event{}, errors.NewError(errors.ErrCodeStoreQuery, "failed to scan event").
			WithComponent("eventstore").
			WithCause(err)
	}

	event.StartTime = time.Unix(startSec, 0).UTC()
	event.EndTime = time.Unix(endSec, 0).UTC()
	event.Cancelled = cancelled != 0
	event.Recurring = recurring != 0
	event.CachedAt = time.Unix(cachedSec, 0).UTC()
	if modSec > 0 {
		event.SourceModified = time.Unix(modSec, 0).UTC()
	}
	return event, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
