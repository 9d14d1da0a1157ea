package eventstore

import (
	"context"
	"database/sql"
	stderr "errors"
	"time"

	"github.com/calgate/calgate/pkg/errors"
)

// Metadata returns the freshness record, or nil when no update has ever
// succeeded or failed.
func (s *Store) Metadata(ctx context.Context) (*Metadata, error) {
	var (
		meta                Metadata
		updateSec, fetchSec int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT last_update, last_fetch_success, ttl_seconds,
		       consecutive_failures, last_error
		FROM cache_metadata WHERE id = 1
	`).Scan(&updateSec, &fetchSec, &meta.TTLSeconds, &meta.ConsecutiveFailures, &meta.LastError)
	if stderr.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeStoreQuery, "failed to read cache metadata").
			WithComponent("eventstore").
			WithCause(err)
	}

	if updateSec > 0 {
		meta.LastUpdate = time.Unix(updateSec, 0).UTC()
	}
	if fetchSec > 0 {
		meta.LastFetchSuccess = time.Unix(fetchSec, 0).UTC()
	}
	return &meta, nil
}

// IsStale reports whether the stored events have outlived their TTL. A store
// that never saw a successful update is stale.
func (s *Store) IsStale(ctx context.Context) (bool, error) {
	meta, err := s.Metadata(ctx)
	if err != nil {
		return true, err
	}
	if meta == nil || meta.LastUpdate.IsZero() {
		return true, nil
	}
	age := time.Since(meta.LastUpdate)
	return age >= time.Duration(meta.TTLSeconds)*time.Second, nil
}

// RecordFetchFailure increments the consecutive failure counter and remembers
// the error without touching the update timestamps.
func (s *Store) RecordFetchFailure(ctx context.Context, fetchErr error) error {
	message := ""
	if fetchErr != nil {
		message = fetchErr.Error()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_metadata
		(id, last_update, last_fetch_success, ttl_seconds, consecutive_failures, last_error)
		VALUES (1, 0, 0, ?, 1, ?)
		ON CONFLICT(id) DO UPDATE SET
			consecutive_failures = consecutive_failures + 1,
			last_error = excluded.last_error
	`, s.config.TTLSeconds, message)
	if err != nil {
		return errors.NewError(errors.ErrCodeStoreWrite, "failed to record fetch failure").
			WithComponent("eventstore").
			WithCause(err)
	}
	return nil
}

// stampSuccessTx marks a successful update inside the caller's transaction,
// resetting the failure streak.
func stampSuccessTx(ctx context.Context, tx *sql.Tx, now time.Time, ttlSeconds int) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO cache_metadata
		(id, last_update, last_fetch_success, ttl_seconds, consecutive_failures, last_error)
		VALUES (1, ?, ?, ?, 0, '')
		ON CONFLICT(id) DO UPDATE SET
			last_update = excluded.last_update,
			last_fetch_success = excluded.last_fetch_success,
			ttl_seconds = excluded.ttl_seconds,
			consecutive_failures = 0,
			last_error = ''
	`, now.Unix(), now.Unix(), ttlSeconds)
	if err != nil {
		return errors.NewError(errors.ErrCodeStoreWrite, "failed to stamp cache metadata").
			WithComponent("eventstore").
			WithCause(err)
	}
	return nil
}
