package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/steveyegge/catchlog/internal/schema"
)

// Put persists the full row for e (insert or update) and appends one queue
// entry describing the write, atomically.
//
// Put stamps e: last_modified_at is set to the current time and is_synced is
// cleared. Child entities must reference an existing session; TrackPoints and
// Catches cannot be rewritten once stored.
func (db *DB) Put(ctx context.Context, e schema.Entity) error {
	if err := db.checkReady(); err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("%w: nil entity", ErrInvalidEntity)
	}
	if err := e.Validate(); err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrInvalidEntity, e.Kind(), e.Sync().ID, err)
	}

	now := db.now()
	schema.Touch(e, now)
	kind := e.Kind()
	id := e.Sync().ID

	return db.withTx(ctx, func(tx *sql.Tx) error {
		if ref := e.SessionRef(); ref != "" {
			ok, err := rowExists(ctx, tx, schema.KindSession, ref)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s %s references unknown session %s", ErrConstraintViolation, kind, id, ref)
			}
		}

		exists, err := rowExists(ctx, tx, kind, id)
		if err != nil {
			return err
		}
		op := schema.OpCreate
		if exists {
			if immutable(kind) {
				return fmt.Errorf("%w: %s %s is immutable", ErrConstraintViolation, kind, id)
			}
			op = schema.OpUpdate
		}

		if err := upsert(ctx, tx, e); err != nil {
			return err
		}
		return enqueue(ctx, tx, kind, id, op, now)
	})
}

// PutSession is a typed convenience wrapper around Put.
func (db *DB) PutSession(ctx context.Context, s *schema.Session) error {
	return db.Put(ctx, s)
}

// PutTrackPoint is a typed convenience wrapper around Put.
func (db *DB) PutTrackPoint(ctx context.Context, p *schema.TrackPoint) error {
	return db.Put(ctx, p)
}

// PutCatch is a typed convenience wrapper around Put.
func (db *DB) PutCatch(ctx context.Context, c *schema.Catch) error {
	return db.Put(ctx, c)
}

// PutPhoto is a typed convenience wrapper around Put.
func (db *DB) PutPhoto(ctx context.Context, p *schema.PhotoMeta) error {
	return db.Put(ctx, p)
}

// SoftDelete marks the row deleted, updates last_modified_at and enqueues a
// delete mutation. The row itself is kept as a tombstone.
func (db *DB) SoftDelete(ctx context.Context, kind schema.Kind, id string) error {
	if err := db.checkReady(); err != nil {
		return err
	}
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEntity, kind)
	}

	now := db.now()
	return db.withTx(ctx, func(tx *sql.Tx) error {
		query := fmt.Sprintf(`UPDATE %s SET is_deleted = 1, is_synced = 0, last_modified_at = ? WHERE id = ?`, kind.Table())
		res, err := tx.ExecContext(ctx, query, formatTime(now), id)
		if err != nil {
			return fmt.Errorf("failed to delete %s %s: %w", kind, id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to delete %s %s: %w", kind, id, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
		}
		return enqueue(ctx, tx, kind, id, schema.OpDelete, now)
	})
}

func immutable(kind schema.Kind) bool {
	return kind == schema.KindTrackPoint || kind == schema.KindCatch
}

func rowExists(ctx context.Context, q execer, kind schema.Kind, id string) (bool, error) {
	var one int
	query := fmt.Sprintf(`SELECT 1 FROM %s WHERE id = ?`, kind.Table())
	err := q.QueryRowContext(ctx, query, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up %s %s: %w", kind, id, err)
	}
	return true, nil
}

// upsert writes the full row for e. Sync flags are written as carried by e.
func upsert(ctx context.Context, q execer, e schema.Entity) error {
	var (
		query string
		args  []any
	)

	switch v := e.(type) {
	case *schema.Session:
		query = `
		INSERT INTO sessions (
			id, started_at, ended_at, title, notes,
			last_modified_at, is_synced, is_deleted
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			title = excluded.title,
			notes = excluded.notes,
			last_modified_at = excluded.last_modified_at,
			is_synced = excluded.is_synced,
			is_deleted = excluded.is_deleted
		`
		args = []any{
			v.ID, formatTime(v.StartedAt), timeToNullString(v.EndedAt), v.Title, v.Notes,
			formatTime(v.LastModifiedAt), boolToInt(v.IsSynced), boolToInt(v.IsDeleted),
		}

	case *schema.TrackPoint:
		query = `
		INSERT INTO track_points (
			id, session_id, ts, lat, lon, acc, speed, heading,
			last_modified_at, is_synced, is_deleted
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			session_id = excluded.session_id,
			ts = excluded.ts,
			lat = excluded.lat,
			lon = excluded.lon,
			acc = excluded.acc,
			speed = excluded.speed,
			heading = excluded.heading,
			last_modified_at = excluded.last_modified_at,
			is_synced = excluded.is_synced,
			is_deleted = excluded.is_deleted
		`
		args = []any{
			v.ID, v.SessionID, v.TS.Unix(), v.Lat, v.Lon, v.Accuracy, nullFloat(v.Speed), nullFloat(v.Heading),
			formatTime(v.LastModifiedAt), boolToInt(v.IsSynced), boolToInt(v.IsDeleted),
		}

	case *schema.Catch:
		query = `
		INSERT INTO catches (
			id, session_id, ts, species, length, weight, notes, lat, lon,
			last_modified_at, is_synced, is_deleted
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			session_id = excluded.session_id,
			ts = excluded.ts,
			species = excluded.species,
			length = excluded.length,
			weight = excluded.weight,
			notes = excluded.notes,
			lat = excluded.lat,
			lon = excluded.lon,
			last_modified_at = excluded.last_modified_at,
			is_synced = excluded.is_synced,
			is_deleted = excluded.is_deleted
		`
		args = []any{
			v.ID, v.SessionID, v.TS.Unix(), v.Species, nullFloat(v.Length), nullFloat(v.Weight), v.Notes,
			nullFloat(v.Lat), nullFloat(v.Lon),
			formatTime(v.LastModifiedAt), boolToInt(v.IsSynced), boolToInt(v.IsDeleted),
		}

	case *schema.PhotoMeta:
		query = `
		INSERT INTO photos (
			id, session_id, ts, lat, lon, uri, s3_key, size,
			last_modified_at, is_synced, is_deleted
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			session_id = excluded.session_id,
			ts = excluded.ts,
			lat = excluded.lat,
			lon = excluded.lon,
			uri = excluded.uri,
			s3_key = excluded.s3_key,
			size = excluded.size,
			last_modified_at = excluded.last_modified_at,
			is_synced = excluded.is_synced,
			is_deleted = excluded.is_deleted
		`
		args = []any{
			v.ID, v.SessionID, v.TS.Unix(), nullFloat(v.Lat), nullFloat(v.Lon), v.LocalURI, v.RemoteKey, v.Size,
			formatTime(v.LastModifiedAt), boolToInt(v.IsSynced), boolToInt(v.IsDeleted),
		}

	default:
		return fmt.Errorf("%w: unsupported entity type %T", ErrInvalidEntity, e)
	}

	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to upsert %s %s: %w", e.Kind(), e.Sync().ID, err)
	}
	return nil
}
