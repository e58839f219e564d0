package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/steveyegge/catchlog/internal/schema"
)

// QueueEntry is one pending mutation in the sync_queue table.
type QueueEntry struct {
	ID         int64
	Kind       schema.Kind
	EntityID   string
	Operation  schema.Operation
	RetryCount int
	CreatedAt  time.Time
}

// QueueStats summarizes the pending mutations.
type QueueStats struct {
	Pending    int
	MaxRetries int
	Oldest     *time.Time
}

func enqueue(ctx context.Context, q execer, kind schema.Kind, id string, op schema.Operation, now time.Time) error {
	if !kind.Valid() || !op.Valid() {
		return fmt.Errorf("%w: cannot enqueue %s %s for %s", ErrInvalidEntity, op, kind, id)
	}
	query := `INSERT INTO sync_queue (entity_type, entity_id, operation, retry_count, created_at) VALUES (?, ?, ?, 0, ?)`
	if _, err := q.ExecContext(ctx, query, string(kind), id, string(op), formatTime(now)); err != nil {
		return fmt.Errorf("failed to enqueue %s %s %s: %w", op, kind, id, err)
	}
	return nil
}

// Enqueue appends a mutation on its own. Entity writes go through Put and
// SoftDelete, which enqueue inside their own transaction.
func (db *DB) Enqueue(ctx context.Context, kind schema.Kind, id string, op schema.Operation) error {
	if err := db.checkReady(); err != nil {
		return err
	}
	return enqueue(ctx, db.conn, kind, id, op, db.now())
}

// PeekBatch returns up to limit entries, oldest first, without removing
// them. A limit of 0 or less returns every entry.
func (db *DB) PeekBatch(ctx context.Context, limit int) ([]QueueEntry, error) {
	if err := db.checkReady(); err != nil {
		return nil, err
	}

	query := `SELECT id, entity_type, entity_id, operation, retry_count, created_at FROM sync_queue ORDER BY id ASC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync queue: %w", err)
	}
	defer rows.Close()

	var entries []QueueEntry
	for rows.Next() {
		var (
			e         QueueEntry
			kind, op  string
			createdAt string
		)
		if err := rows.Scan(&e.ID, &kind, &e.EntityID, &op, &e.RetryCount, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		e.Kind = schema.Kind(kind)
		e.Operation = schema.Operation(op)
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("invalid created_at for queue entry %d: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sync queue: %w", err)
	}
	return entries, nil
}

// Remove deletes a single queue entry. Removing a missing entry is a no-op.
func (db *DB) Remove(ctx context.Context, entryID int64) error {
	if err := db.checkReady(); err != nil {
		return err
	}
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, entryID); err != nil {
		return fmt.Errorf("failed to remove queue entry %d: %w", entryID, err)
	}
	return nil
}

// RemoveBatch deletes the given queue entries in one transaction.
func (db *DB) RemoveBatch(ctx context.Context, ids []int64) error {
	if err := db.checkReady(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	return db.withTx(ctx, func(tx *sql.Tx) error {
		return removeEntries(ctx, tx, ids)
	})
}

// IncrementRetry bumps retry_count on the given entries after a failed
// upload attempt.
func (db *DB) IncrementRetry(ctx context.Context, ids []int64) error {
	if err := db.checkReady(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	query := `UPDATE sync_queue SET retry_count = retry_count + 1 WHERE id IN (` + placeholders(len(ids)) + `)`
	if _, err := db.conn.ExecContext(ctx, query, int64Args(ids)...); err != nil {
		return fmt.Errorf("failed to increment retry count: %w", err)
	}
	return nil
}

// QueueLen returns the number of pending entries.
func (db *DB) QueueLen(ctx context.Context) (int, error) {
	if err := db.checkReady(); err != nil {
		return 0, err
	}
	var n int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sync queue: %w", err)
	}
	return n, nil
}

// QueueStats returns the pending count, the highest retry count and the
// creation time of the oldest entry.
func (db *DB) QueueStats(ctx context.Context) (QueueStats, error) {
	var st QueueStats
	if err := db.checkReady(); err != nil {
		return st, err
	}
	var (
		maxRetry sql.NullInt64
		oldest   sql.NullString
	)
	query := `SELECT COUNT(*), MAX(retry_count), MIN(created_at) FROM sync_queue`
	if err := db.conn.QueryRowContext(ctx, query).Scan(&st.Pending, &maxRetry, &oldest); err != nil {
		return st, fmt.Errorf("failed to read queue stats: %w", err)
	}
	st.MaxRetries = int(maxRetry.Int64)
	t, err := nullStringToTime(oldest)
	if err != nil {
		return st, fmt.Errorf("invalid created_at in sync queue: %w", err)
	}
	st.Oldest = t
	return st, nil
}

// HasPending reports whether any queue entry references kind/id.
func (db *DB) HasPending(ctx context.Context, kind schema.Kind, id string) (bool, error) {
	if err := db.checkReady(); err != nil {
		return false, err
	}
	return hasPending(ctx, db.conn, kind, id)
}

func hasPending(ctx context.Context, q execer, kind schema.Kind, id string) (bool, error) {
	var n int
	query := `SELECT COUNT(*) FROM sync_queue WHERE entity_type = ? AND entity_id = ?`
	if err := q.QueryRowContext(ctx, query, string(kind), id).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check pending mutations for %s %s: %w", kind, id, err)
	}
	return n > 0, nil
}

func removeEntries(ctx context.Context, q execer, ids []int64) error {
	query := `DELETE FROM sync_queue WHERE id IN (` + placeholders(len(ids)) + `)`
	if _, err := q.ExecContext(ctx, query, int64Args(ids)...); err != nil {
		return fmt.Errorf("failed to remove %d queue entries: %w", len(ids), err)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
