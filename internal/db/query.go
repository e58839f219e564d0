package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/steveyegge/catchlog/internal/schema"
)

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	// ActiveOnly limits results to sessions without ended_at.
	ActiveOnly bool

	// Limit caps the number of results (0 = no limit).
	Limit int

	// Offset skips the first N results.
	Offset int
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const (
	sessionColumns = `id, started_at, ended_at, title, notes, last_modified_at, is_synced, is_deleted`
	trackColumns   = `id, session_id, ts, lat, lon, acc, speed, heading, last_modified_at, is_synced, is_deleted`
	catchColumns   = `id, session_id, ts, species, length, weight, notes, lat, lon, last_modified_at, is_synced, is_deleted`
	photoColumns   = `id, session_id, ts, lat, lon, uri, s3_key, size, last_modified_at, is_synced, is_deleted`
)

// ListSessions returns non-deleted sessions, most recently started first.
func (db *DB) ListSessions(ctx context.Context, filter SessionFilter) ([]*schema.Session, error) {
	if err := db.checkReady(); err != nil {
		return nil, err
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE is_deleted = 0`
	if filter.ActiveOnly {
		query += ` AND ended_at IS NULL`
	}
	query += ` ORDER BY started_at DESC, id`

	var args []any
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	} else if filter.Offset > 0 {
		query += ` LIMIT -1 OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*schema.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return sessions, nil
}

// ActiveSession returns the session with no ended_at, or ErrNotFound.
func (db *DB) ActiveSession(ctx context.Context) (*schema.Session, error) {
	sessions, err := db.ListSessions(ctx, SessionFilter{ActiveOnly: true, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, fmt.Errorf("%w: no active session", ErrNotFound)
	}
	return sessions[0], nil
}

// GetSession returns a non-deleted session by id.
func (db *DB) GetSession(ctx context.Context, id string) (*schema.Session, error) {
	e, err := db.LoadEntity(ctx, schema.KindSession, id)
	if err != nil {
		return nil, err
	}
	s := e.(*schema.Session)
	if s.IsDeleted {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	return s, nil
}

// ListTrackPoints returns a session's non-deleted track points, oldest first.
func (db *DB) ListTrackPoints(ctx context.Context, sessionID string) ([]*schema.TrackPoint, error) {
	if err := db.checkReady(); err != nil {
		return nil, err
	}

	query := `SELECT ` + trackColumns + ` FROM track_points
		WHERE session_id = ? AND is_deleted = 0 ORDER BY ts ASC, id`
	rows, err := db.conn.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query track points: %w", err)
	}
	defer rows.Close()

	var points []*schema.TrackPoint
	for rows.Next() {
		p, err := scanTrackPoint(rows)
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate track points: %w", err)
	}
	return points, nil
}

// ListCatches returns a session's non-deleted catches, newest first.
func (db *DB) ListCatches(ctx context.Context, sessionID string) ([]*schema.Catch, error) {
	if err := db.checkReady(); err != nil {
		return nil, err
	}

	query := `SELECT ` + catchColumns + ` FROM catches
		WHERE session_id = ? AND is_deleted = 0 ORDER BY ts DESC, id`
	rows, err := db.conn.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query catches: %w", err)
	}
	defer rows.Close()

	var catches []*schema.Catch
	for rows.Next() {
		c, err := scanCatch(rows)
		if err != nil {
			return nil, err
		}
		catches = append(catches, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate catches: %w", err)
	}
	return catches, nil
}

// ListPhotos returns a session's non-deleted photos, newest first. An empty
// sessionID lists photos across all sessions.
func (db *DB) ListPhotos(ctx context.Context, sessionID string) ([]*schema.PhotoMeta, error) {
	if err := db.checkReady(); err != nil {
		return nil, err
	}

	query := `SELECT ` + photoColumns + ` FROM photos WHERE is_deleted = 0`
	var args []any
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY ts DESC, id`

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query photos: %w", err)
	}
	defer rows.Close()

	var photos []*schema.PhotoMeta
	for rows.Next() {
		p, err := scanPhoto(rows)
		if err != nil {
			return nil, err
		}
		photos = append(photos, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate photos: %w", err)
	}
	return photos, nil
}

// LoadEntity reads the current row for kind/id, tombstones included.
// Returns ErrNotFound if the row does not exist.
func (db *DB) LoadEntity(ctx context.Context, kind schema.Kind, id string) (schema.Entity, error) {
	if err := db.checkReady(); err != nil {
		return nil, err
	}
	return loadEntity(ctx, db.conn, kind, id)
}

// AllEntities returns every row of kind, tombstones included, oldest first.
func (db *DB) AllEntities(ctx context.Context, kind schema.Kind) ([]schema.Entity, error) {
	if err := db.checkReady(); err != nil {
		return nil, err
	}

	var query string
	switch kind {
	case schema.KindSession:
		query = `SELECT ` + sessionColumns + ` FROM sessions ORDER BY started_at, id`
	case schema.KindTrackPoint:
		query = `SELECT ` + trackColumns + ` FROM track_points ORDER BY ts, id`
	case schema.KindCatch:
		query = `SELECT ` + catchColumns + ` FROM catches ORDER BY ts, id`
	case schema.KindPhoto:
		query = `SELECT ` + photoColumns + ` FROM photos ORDER BY ts, id`
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidEntity, kind)
	}

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", kind.Table(), err)
	}
	defer rows.Close()

	var out []schema.Entity
	for rows.Next() {
		var (
			e    schema.Entity
			serr error
		)
		switch kind {
		case schema.KindSession:
			e, serr = scanSession(rows)
		case schema.KindTrackPoint:
			e, serr = scanTrackPoint(rows)
		case schema.KindCatch:
			e, serr = scanCatch(rows)
		case schema.KindPhoto:
			e, serr = scanPhoto(rows)
		}
		if serr != nil {
			return nil, serr
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func loadEntity(ctx context.Context, q execer, kind schema.Kind, id string) (schema.Entity, error) {
	var (
		e   schema.Entity
		err error
	)
	switch kind {
	case schema.KindSession:
		row := q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
		e, err = scanSession(row)
	case schema.KindTrackPoint:
		row := q.QueryRowContext(ctx, `SELECT `+trackColumns+` FROM track_points WHERE id = ?`, id)
		e, err = scanTrackPoint(row)
	case schema.KindCatch:
		row := q.QueryRowContext(ctx, `SELECT `+catchColumns+` FROM catches WHERE id = ?`, id)
		e, err = scanCatch(row)
	case schema.KindPhoto:
		row := q.QueryRowContext(ctx, `SELECT `+photoColumns+` FROM photos WHERE id = ?`, id)
		e, err = scanPhoto(row)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidEntity, kind)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func scanSyncFields(f *schema.SyncFields, lastModified string) error {
	t, err := parseTime(lastModified)
	if err != nil {
		return fmt.Errorf("invalid last_modified_at for %s: %w", f.ID, err)
	}
	f.LastModifiedAt = t
	return nil
}

func scanSession(r rowScanner) (*schema.Session, error) {
	var (
		s            schema.Session
		startedAt    string
		endedAt      sql.NullString
		lastModified string
	)
	err := r.Scan(&s.ID, &startedAt, &endedAt, &s.Title, &s.Notes, &lastModified, &s.IsSynced, &s.IsDeleted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	if s.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, fmt.Errorf("invalid started_at for session %s: %w", s.ID, err)
	}
	if s.EndedAt, err = nullStringToTime(endedAt); err != nil {
		return nil, fmt.Errorf("invalid ended_at for session %s: %w", s.ID, err)
	}
	if err := scanSyncFields(&s.SyncFields, lastModified); err != nil {
		return nil, err
	}
	return &s, nil
}

func scanTrackPoint(r rowScanner) (*schema.TrackPoint, error) {
	var (
		p            schema.TrackPoint
		ts           int64
		speed        sql.NullFloat64
		heading      sql.NullFloat64
		lastModified string
	)
	err := r.Scan(&p.ID, &p.SessionID, &ts, &p.Lat, &p.Lon, &p.Accuracy, &speed, &heading,
		&lastModified, &p.IsSynced, &p.IsDeleted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan track point: %w", err)
	}

	p.TS = time.Unix(ts, 0).UTC()
	p.Speed = floatPtr(speed)
	p.Heading = floatPtr(heading)
	if err := scanSyncFields(&p.SyncFields, lastModified); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanCatch(r rowScanner) (*schema.Catch, error) {
	var (
		c              schema.Catch
		ts             int64
		length, weight sql.NullFloat64
		lat, lon       sql.NullFloat64
		lastModified   string
	)
	err := r.Scan(&c.ID, &c.SessionID, &ts, &c.Species, &length, &weight, &c.Notes, &lat, &lon,
		&lastModified, &c.IsSynced, &c.IsDeleted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan catch: %w", err)
	}

	c.TS = time.Unix(ts, 0).UTC()
	c.Length = floatPtr(length)
	c.Weight = floatPtr(weight)
	c.Lat = floatPtr(lat)
	c.Lon = floatPtr(lon)
	if err := scanSyncFields(&c.SyncFields, lastModified); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanPhoto(r rowScanner) (*schema.PhotoMeta, error) {
	var (
		p            schema.PhotoMeta
		ts           int64
		lat, lon     sql.NullFloat64
		lastModified string
	)
	err := r.Scan(&p.ID, &p.SessionID, &ts, &lat, &lon, &p.LocalURI, &p.RemoteKey, &p.Size,
		&lastModified, &p.IsSynced, &p.IsDeleted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan photo: %w", err)
	}

	p.TS = time.Unix(ts, 0).UTC()
	p.Lat = floatPtr(lat)
	p.Lon = floatPtr(lon)
	if err := scanSyncFields(&p.SyncFields, lastModified); err != nil {
		return nil, err
	}
	return &p, nil
}
