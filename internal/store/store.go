// Package store persists reflections, insights, decision traces and tasks
// in a single SQLite database (modernc.org/sqlite, no cgo).
//
// Every write transaction is opened with BEGIN IMMEDIATE so that the
// read-modify-write performed by the insight engine holds the database
// write lock from its first read. Lock timeouts surface as
// insight.ErrContention and are retried by the engine.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fyrsmithlabs/insightd/internal/insight"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrClosed is returned by operations on a closed Store.
var ErrClosed = errors.New("store is closed")

const (
	schemaVersion      = 1
	defaultBusyTimeout = 5 * time.Second

	// timeLayout is fixed width so that stored timestamps sort as text.
	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

// Config configures Open.
type Config struct {
	// Path of the database file. The parent directory is created.
	Path string

	// BusyTimeout bounds how long a transaction waits for the write lock.
	BusyTimeout time.Duration
}

// Store implements reflection.Store, insight.Repository,
// insight.ReflectionSource and insight.TraceStore.
type Store struct {
	db      *sql.DB
	path    string
	logger  *zap.Logger
	metrics *Metrics
	closed  atomic.Bool
}

// Open opens (creating if needed) the database at cfg.Path and migrates it.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store: path is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = defaultBusyTimeout
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	s := &Store{db: db, path: cfg.Path, logger: logger, metrics: NewMetrics(logger)}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migration: %w", err)
	}

	logger.Info("store opened", zap.String("path", cfg.Path), zap.Duration("busy_timeout", cfg.BusyTimeout))
	return s, nil
}

// dsn applies the pragmas to every pooled connection, not just the first.
func dsn(cfg Config) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.BusyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", "immediate")
	return "file:" + cfg.Path + "?" + q.Encode()
}

// Close closes the database. Closing twice is a no-op.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info("store closed", zap.String("path", s.path))
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS reflections (
			id         TEXT PRIMARY KEY,
			author     TEXT NOT NULL,
			team_id    TEXT NOT NULL DEFAULT '',
			body       TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_reflections_author ON reflections(author);

		CREATE TABLE IF NOT EXISTS insights (
			id                  TEXT PRIMARY KEY,
			cluster_key         TEXT NOT NULL,
			workflow_stage      TEXT NOT NULL,
			failure_family      TEXT NOT NULL,
			impacted_unit       TEXT NOT NULL,
			title               TEXT NOT NULL,
			status              TEXT NOT NULL,
			priority            TEXT NOT NULL,
			score               REAL NOT NULL,
			promotion_readiness TEXT NOT NULL,
			recurring_candidate INTEGER NOT NULL DEFAULT 0,
			severity_max        TEXT NOT NULL DEFAULT '',
			independent_count   INTEGER NOT NULL DEFAULT 0,
			reflection_ids      TEXT NOT NULL DEFAULT '[]',
			authors             TEXT NOT NULL DEFAULT '[]',
			evidence_refs       TEXT NOT NULL DEFAULT '[]',
			cooldown_until      TEXT,
			cooldown_reason     TEXT NOT NULL DEFAULT '',
			task_id             TEXT NOT NULL DEFAULT '',
			metadata            TEXT NOT NULL DEFAULT '{}',
			created_at          TEXT NOT NULL,
			updated_at          TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_insights_cluster_key ON insights(cluster_key);
		CREATE INDEX IF NOT EXISTS idx_insights_status ON insights(status);
		CREATE INDEX IF NOT EXISTS idx_insights_score ON insights(score DESC, updated_at DESC);

		CREATE TABLE IF NOT EXISTS decision_traces (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			insight_id TEXT NOT NULL REFERENCES insights(id) ON DELETE CASCADE,
			transition TEXT NOT NULL,
			trace      TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_decision_traces_insight ON decision_traces(insight_id, id DESC);

		CREATE TABLE IF NOT EXISTS tasks (
			id         TEXT PRIMARY KEY,
			insight_id TEXT NOT NULL,
			title      TEXT NOT NULL,
			body       TEXT NOT NULL DEFAULT '',
			status     TEXT NOT NULL DEFAULT 'open',
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_insight ON tasks(insight_id);

		CREATE TABLE IF NOT EXISTS task_comments (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id    TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			body       TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY
		);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return mapError(err)
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO schema_version (version) VALUES (?)`, schemaVersion)
	return mapError(err)
}

// SchemaVersion returns the highest applied schema version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&v)
	return v, mapError(err)
}

// inTx runs fn in a write transaction. fn's error, or a commit failure,
// rolls back.
func (s *Store) inTx(ctx context.Context, op string, fn func(*sql.Tx) error) (err error) {
	if s.closed.Load() {
		return ErrClosed
	}
	start := time.Now()
	defer func() { s.metrics.record(ctx, op, time.Since(start), err) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", op, mapError(err))
	}
	if err = fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("rollback failed", zap.String("op", op), zap.Error(rbErr))
		}
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", op, mapError(err))
	}
	return nil
}

// mapError turns lock timeouts into insight.ErrContention. Other errors
// pass through unchanged.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return err
	}
	switch code := se.Code(); {
	case code&0xff == sqlite3.SQLITE_BUSY, code&0xff == sqlite3.SQLITE_LOCKED:
		return fmt.Errorf("%w: %v", insight.ErrContention, err)
	}
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing stored time %q: %w", s, err)
	}
	return t, nil
}
