// Package eventstore persists normalized calendar events in SQLite so the
// service can keep answering queries when the origin feed is unreachable.
package eventstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	// SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/calgate/calgate/pkg/errors"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const driver = "sqlite"

// Event is one normalized calendar event row.
type Event struct {
	ID             string    `json:"id"`
	SourceUID      string    `json:"source_uid"`
	Subject        string    `json:"subject"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	StartTimezone  string    `json:"start_timezone,omitempty"`
	EndTimezone    string    `json:"end_timezone,omitempty"`
	Cancelled      bool      `json:"cancelled"`
	Recurring      bool      `json:"recurring"`
	CachedAt       time.Time `json:"cached_at"`
	SourceModified time.Time `json:"source_modified,omitempty"`
}

// Metadata is the singleton freshness record maintained alongside the events.
type Metadata struct {
	LastUpdate          time.Time `json:"last_update"`
	LastFetchSuccess    time.Time `json:"last_fetch_success"`
	TTLSeconds          int       `json:"ttl_seconds"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

// StoreStats summarizes the persistent cache.
type StoreStats struct {
	Events        int64     `json:"events"`
	Cancelled     int64     `json:"cancelled"`
	FileSizeBytes int64     `json:"file_size_bytes"`
	Metadata      *Metadata `json:"metadata,omitempty"`
}

// Config configures the persistent event store.
type Config struct {
	// Path is the SQLite database file.
	Path string

	// TTLSeconds is how long the stored events stay fresh after an update.
	TTLSeconds int

	// Logger receives store diagnostics. Nil selects slog.Default.
	Logger *slog.Logger
}

// Store is the SQLite-backed event cache.
type Store struct {
	db     *sql.DB
	config Config
	logger *slog.Logger
}

// Open opens or creates the database at config.Path and runs migrations.
func Open(config Config) (*Store, error) {
	if config.Path == "" {
		config.Path = "calgate.db"
	}
	if config.TTLSeconds <= 0 {
		config.TTLSeconds = 900
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open(driver, sqliteDSN(config.Path))
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeStoreUnavailable, "failed to open database").
			WithComponent("eventstore").
			WithDetail("path", config.Path).
			WithCause(err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.NewError(errors.ErrCodeStoreUnavailable, "failed to connect to database").
			WithComponent("eventstore").
			WithDetail("path", config.Path).
			WithCause(err)
	}

	// SQLite allows one writer at a time; a single pooled connection keeps
	// writers from tripping over SQLITE_BUSY on a one-core host.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, errors.NewError(errors.ErrCodeStoreMigrate, "failed to migrate database").
			WithComponent("eventstore").
			WithDetail("path", config.Path).
			WithCause(err)
	}

	logger.Info("event store opened", "path", config.Path, "ttl_seconds", config.TTLSeconds)

	return &Store{db: db, config: config, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errors.NewError(errors.ErrCodeStoreUnavailable, "database unreachable").
			WithComponent("eventstore").
			WithCause(err)
	}
	return nil
}

// Stats reports row counts, the database file size, and the freshness record.
func (s *Store) Stats(ctx context.Context) (*StoreStats, error) {
	stats := &StoreStats{}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(cancelled), 0) FROM events`,
	).Scan(&stats.Events, &stats.Cancelled)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeStoreQuery, "failed to count events").
			WithComponent("eventstore").
			WithCause(err)
	}

	if meta, err := s.Metadata(ctx); err == nil {
		stats.Metadata = meta
	}

	if info, err := os.Stat(s.config.Path); err == nil {
		stats.FileSizeBytes = info.Size()
	}

	return stats, nil
}

// migrateMu serializes goose setup; the dialect and base FS are package
// globals inside goose.
var migrateMu sync.Mutex

func migrate(db *sql.DB) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect(driver); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}

func sqliteDSN(path string) string {
	values := url.Values{}
	values.Add("_pragma", "foreign_keys(ON)")
	values.Add("_pragma", "journal_mode(WAL)")
	values.Add("_pragma", "synchronous(NORMAL)")
	values.Add("_pragma", "busy_timeout(5000)")
	values.Add("_pragma", "temp_store(MEMORY)")
	values.Add("_pragma", "cache_size(-2000)")
	return fmt.Sprintf("file:%s?%s", path, values.Encode())
}
