// Package sqlite is the durable store for the scoring engine.
// Persistence for reputation snapshots, the pending-score queue, the audit
// log, consensus history, and this scorer's own commit-reveal material.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the data directory.
const FileName = "oracle.db"

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// DB wraps the SQLite connection.
type DB struct {
	db *sql.DB
}

// Open creates or opens the database inside dir and applies migrations.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dsn := filepath.Join(dir, FileName) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY churn.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{db: sqlDB}
	if err := db.migrate(context.Background()); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the connection.
func (db *DB) Close() error { return db.db.Close() }

// Ping checks the connection.
func (db *DB) Ping(ctx context.Context) error { return db.db.PingContext(ctx) }

func (db *DB) migrate(ctx context.Context) error {
	for i, stmt := range Migrations() {
		if _, err := db.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}

// ─── Schema ─────────────────────────────────────────────────────────────────

// Migrations returns the schema migration statements.
// Each string is a single SQL statement (SQLite executes one at a time).
func Migrations() []string {
	return []string{
		// Reputation ledger snapshot, replaced wholesale at every committed epoch
		`CREATE TABLE IF NOT EXISTS reputation (
			worker_id      TEXT PRIMARY KEY,
			stake          REAL NOT NULL DEFAULT 0,
			ema_score      REAL NOT NULL DEFAULT 0,
			history_json   TEXT NOT NULL DEFAULT '[]',
			registered_at  TEXT NOT NULL,
			immunity_until TEXT NOT NULL,
			last_update    TEXT NOT NULL,
			last_epoch     INTEGER NOT NULL DEFAULT 0,
			updates        INTEGER NOT NULL DEFAULT 0
		)`,

		// Near-term challenges awaiting ground truth
		`CREATE TABLE IF NOT EXISTS pending_challenges (
			challenge_id TEXT PRIMARY KEY,
			epoch        INTEGER NOT NULL,
			due_at       TEXT NOT NULL,
			grace_until  TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			updated_at   TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_due ON pending_challenges(due_at)`,

		// Audit trail of every discarded or flagged event
		`CREATE TABLE IF NOT EXISTS audit_events (
			id           TEXT PRIMARY KEY,
			kind         TEXT NOT NULL,
			epoch        INTEGER NOT NULL DEFAULT 0,
			worker_id    TEXT NOT NULL DEFAULT '',
			scorer_id    TEXT NOT NULL DEFAULT '',
			challenge_id TEXT NOT NULL DEFAULT '',
			detail       TEXT NOT NULL DEFAULT '',
			at           TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_kind ON audit_events(kind, at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_at ON audit_events(at)`,

		// Consensus results, one per aggregated epoch
		`CREATE TABLE IF NOT EXISTS consensus_results (
			epoch       INTEGER PRIMARY KEY,
			top_worker  TEXT NOT NULL DEFAULT '',
			top_streak  INTEGER NOT NULL DEFAULT 0,
			clipped     INTEGER NOT NULL DEFAULT 0,
			result_json TEXT NOT NULL,
			computed_at TEXT NOT NULL
		)`,

		// This scorer's commitments, kept until revealed
		`CREATE TABLE IF NOT EXISTS commitments (
			epoch       INTEGER NOT NULL,
			scorer_id   TEXT NOT NULL,
			digest      TEXT NOT NULL,
			salt_hex    TEXT NOT NULL,
			vector_json TEXT NOT NULL,
			revealed    INTEGER NOT NULL DEFAULT 0,
			created_at  TEXT NOT NULL DEFAULT (datetime('now')),
			PRIMARY KEY (epoch, scorer_id)
		)`,

		// Engine progress markers (last epoch, monopoly streak)
		`CREATE TABLE IF NOT EXISTS engine_meta (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
	}
}

// ─── Meta Operations ────────────────────────────────────────────────────────

// SetMeta upserts a progress marker.
func (db *DB) SetMeta(ctx context.Context, key, value string) error {
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO engine_meta (key, value, updated_at) VALUES (?, ?, datetime('now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = datetime('now')
	`, key, value)
	return err
}

// GetMeta returns a progress marker, or ErrNotFound.
func (db *DB) GetMeta(ctx context.Context, key string) (string, error) {
	var v string
	err := db.db.QueryRowContext(ctx, `SELECT value FROM engine_meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return v, err
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
