// Package db provides the offline-first local store for catchlog.
//
// The store keeps sessions, track points, catches and photo metadata in an
// embedded SQLite database (ncruces/go-sqlite3, WAL mode) together with the
// sync_queue table. Every Put or SoftDelete writes the entity row and
// appends exactly one queue entry in the same transaction, so a reader never
// sees a mutation without its row version or the reverse.
//
// Architecture:
//   - Database file: <data-dir>/catchlog.db
//   - WAL mode: concurrent readers during writes
//   - Tables: sessions, track_points, catches, photos, sync_queue
//   - Rows are soft-deleted (is_deleted) so tombstones reach the server
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DB wraps the SQLite connection and implements the local store.
type DB struct {
	conn  *sql.DB
	path  string
	ready atomic.Bool
	now   func() time.Time
}

// Open creates a new database connection at the specified path.
//
// Pragmas are passed in the DSN so that every pooled connection gets them.
// Transactions start IMMEDIATE because every write transaction reads before
// it writes.
//
// The store is unusable until InitSchema has run. The caller MUST call
// Close() when done.
//
// Example:
//
//	store, err := db.Open(filepath.Join(dataDir, "catchlog.db"))
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//	if err := store.InitSchema(); err != nil {
//	    return err
//	}
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_txlock=immediate"+
		"&_pragma=journal_mode(wal)"+
		"&_pragma=busy_timeout(5000)"+
		"&_pragma=foreign_keys(1)", path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := FromConn(conn)
	db.path = path
	return db, nil
}

// FromConn wraps an already opened connection. InitSchema must still be
// called before the store accepts operations.
func FromConn(conn *sql.DB) *DB {
	return &DB{
		conn: conn,
		now:  time.Now,
	}
}

// Path returns the database file path, or "" for wrapped connections.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close closes the database connection after checkpointing the WAL.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	db.ready.Store(false)

	if db.path != "" {
		if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
		}
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the tables and indexes if they don't exist and marks
// the store ready. Idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	if db.conn == nil {
		return ErrStoreUnavailable
	}

	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		started_at TEXT NOT NULL,
		ended_at TEXT,
		title TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		last_modified_at TEXT NOT NULL,
		is_synced INTEGER NOT NULL DEFAULT 0,
		is_deleted INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS track_points (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		ts INTEGER NOT NULL,  -- epoch seconds
		lat REAL NOT NULL,
		lon REAL NOT NULL,
		acc REAL NOT NULL DEFAULT 0,
		speed REAL,
		heading REAL,
		last_modified_at TEXT NOT NULL,
		is_synced INTEGER NOT NULL DEFAULT 0,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE TABLE IF NOT EXISTS catches (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		ts INTEGER NOT NULL,
		species TEXT NOT NULL,
		length REAL,
		weight REAL,
		notes TEXT NOT NULL DEFAULT '',
		lat REAL,
		lon REAL,
		last_modified_at TEXT NOT NULL,
		is_synced INTEGER NOT NULL DEFAULT 0,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE TABLE IF NOT EXISTS photos (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		ts INTEGER NOT NULL,
		lat REAL,
		lon REAL,
		uri TEXT NOT NULL DEFAULT '',
		s3_key TEXT NOT NULL DEFAULT '',
		size INTEGER NOT NULL DEFAULT 0,
		last_modified_at TEXT NOT NULL,
		is_synced INTEGER NOT NULL DEFAULT 0,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE TABLE IF NOT EXISTS sync_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_type TEXT NOT NULL CHECK (entity_type IN ('session', 'track_point', 'catch', 'photo')),
		entity_id TEXT NOT NULL,
		operation TEXT NOT NULL CHECK (operation IN ('create', 'update', 'delete')),
		retry_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_active ON sessions(ended_at) WHERE ended_at IS NULL;
	CREATE INDEX IF NOT EXISTS idx_track_points_session ON track_points(session_id, ts);
	CREATE INDEX IF NOT EXISTS idx_catches_session ON catches(session_id, ts);
	CREATE INDEX IF NOT EXISTS idx_photos_session ON photos(session_id, ts);
	CREATE INDEX IF NOT EXISTS idx_sync_queue_entity ON sync_queue(entity_type, entity_id);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	db.ready.Store(true)
	return nil
}

// Ready reports whether the store accepts operations.
func (db *DB) Ready() bool {
	return db.conn != nil && db.ready.Load()
}

func (db *DB) checkReady() error {
	if !db.Ready() {
		return ErrStoreUnavailable
	}
	return nil
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn inside a transaction, rolling back on any error.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func nullStringToTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	v := nf.Float64
	return &v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
