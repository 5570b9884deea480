// Package store persists the workout ledger, callout history and command
// audit log in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/p-blackswan/workoutbot/internal/ledger"
)

const (
	// DefaultBusyTimeout is how long a ledger write waits on a locked database.
	DefaultBusyTimeout = 5 * time.Second

	memoryPath = ":memory:"
)

// Store is the bot's SQLite database. The ledger lives under a single kv
// key; callouts and audit entries are append-only tables pruned by
// retention.
type Store struct {
	db     *sql.DB
	path   string
	logger zerolog.Logger
	mu     sync.RWMutex
}

type options struct {
	busyTimeout  time.Duration
	maxOpenConns int
}

// Option tunes how the database is opened.
type Option func(*options)

// WithBusyTimeout sets how long statements wait for a lock held by another
// connection before failing with "database is locked".
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) { o.busyTimeout = d }
}

// WithMaxOpenConns caps the connection pool.
func WithMaxOpenConns(n int) Option {
	return func(o *options) { o.maxOpenConns = n }
}

// New opens (or creates) the SQLite database and runs migrations. An
// in-memory database is limited to one connection, since every connection
// to ":memory:" gets a database of its own.
func New(dbPath string, logger zerolog.Logger, opts ...Option) (*Store, error) {
	o := options{busyTimeout: DefaultBusyTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if isMemory(dbPath) {
		o.maxOpenConns = 1
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if o.maxOpenConns > 0 {
		db.SetMaxOpenConns(o.maxOpenConns)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		path:   dbPath,
		logger: logger.With().Str("component", "store").Logger(),
	}

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout=%d", o.busyTimeout.Milliseconds()),
		"PRAGMA foreign_keys=ON",
	}
	if !isMemory(dbPath) {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	s.logger.Info().Str("path", dbPath).Str("schema_version", s.schemaVersion()).Msg("store opened")
	return s, nil
}

func isMemory(path string) bool {
	return path == memoryPath || strings.Contains(path, "mode=memory")
}

// Summary describes what the database holds.
type Summary struct {
	Path          string `json:"path"`
	SchemaVersion string `json:"schema_version"`
	LedgerBytes   int    `json:"ledger_bytes"`
	Callouts      int64  `json:"callouts"`
	AuditEntries  int64  `json:"audit_entries"`
	Rooms         int64  `json:"rooms_with_history"`
	SizeBytes     int64  `json:"size_bytes"`
}

// Summary counts the stored callouts and audit entries and reports the size
// of the ledger blob and of the database file.
func (s *Store) Summary(ctx context.Context) (Summary, error) {
	sum := Summary{Path: s.path, SchemaVersion: s.schemaVersion()}

	queries := []struct {
		q    string
		args []any
		dst  any
	}{
		{`SELECT COALESCE(LENGTH(value), 0) FROM kv WHERE key = ?`, []any{ledger.RoomsKey}, &sum.LedgerBytes},
		{`SELECT COUNT(*) FROM callouts`, nil, &sum.Callouts},
		{`SELECT COUNT(DISTINCT room) FROM callouts`, nil, &sum.Rooms},
		{`SELECT COUNT(*) FROM audit_log`, nil, &sum.AuditEntries},
	}
	s.mu.RLock()
	for _, qq := range queries {
		err := s.db.QueryRowContext(ctx, qq.q, qq.args...).Scan(qq.dst)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			s.mu.RUnlock()
			return Summary{}, fmt.Errorf("summarizing database: %w", err)
		}
	}
	s.mu.RUnlock()

	size, err := s.DBSizeBytes()
	if err != nil {
		return Summary{}, err
	}
	sum.SizeBytes = size
	return sum, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
