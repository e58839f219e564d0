package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/steveyegge/catchlog/internal/schema"
)

// CompleteUpload records a successful upload in one transaction: the given
// queue entries are removed and each uploaded row version is marked synced.
// A row rewritten locally after it was read for upload keeps is_synced=0,
// because its last_modified_at no longer matches.
func (db *DB) CompleteUpload(ctx context.Context, entryIDs []int64, uploaded []schema.Entity) error {
	if err := db.checkReady(); err != nil {
		return err
	}
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if len(entryIDs) > 0 {
			if err := removeEntries(ctx, tx, entryIDs); err != nil {
				return err
			}
		}
		for _, e := range uploaded {
			f := e.Sync()
			query := fmt.Sprintf(`UPDATE %s SET is_synced = 1 WHERE id = ? AND last_modified_at = ?`, e.Kind().Table())
			if _, err := tx.ExecContext(ctx, query, f.ID, formatTime(f.LastModifiedAt)); err != nil {
				return fmt.Errorf("failed to mark %s %s synced: %w", e.Kind(), f.ID, err)
			}
		}
		return nil
	})
}

// RemoteChanges holds entities downloaded from the server.
type RemoteChanges struct {
	Sessions    []*schema.Session
	TrackPoints []*schema.TrackPoint
	Catches     []*schema.Catch
	Photos      []*schema.PhotoMeta
}

// Len returns the total number of downloaded entities.
func (c *RemoteChanges) Len() int {
	return len(c.Sessions) + len(c.TrackPoints) + len(c.Catches) + len(c.Photos)
}

// ApplyResult counts what ApplyRemote did with each downloaded entity.
type ApplyResult struct {
	Applied   int // written locally
	Conflicts int // local row has unsynced changes; local wins
	Stale     int // remote version older than the local one
	Orphaned  int // session unknown locally
	Invalid   int // failed validation

	// Overlapping counts active sessions from the server that were not
	// stored because a different session is already active locally.
	Overlapping int
}

// ApplyRemote merges downloaded entities into the local tables.
//
// A remote row is written when no local row exists, or when the local row is
// synced, has no pending queue entry, and is not newer than the remote one.
// Rows with pending local mutations are left alone; they win and will be
// uploaded on the next cycle. Applied rows are stored synced and do not
// produce queue entries. An active session is never downloaded next to a
// different local active session, so at most one session stays active.
func (db *DB) ApplyRemote(ctx context.Context, changes *RemoteChanges) (ApplyResult, error) {
	var res ApplyResult
	if err := db.checkReady(); err != nil {
		return res, err
	}
	if changes == nil || changes.Len() == 0 {
		return res, nil
	}

	entities := make([]schema.Entity, 0, changes.Len())
	for _, s := range changes.Sessions {
		entities = append(entities, s)
	}
	for _, p := range changes.TrackPoints {
		entities = append(entities, p)
	}
	for _, c := range changes.Catches {
		entities = append(entities, c)
	}
	for _, p := range changes.Photos {
		entities = append(entities, p)
	}

	now := db.now()
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		for _, e := range entities {
			if err := e.Validate(); err != nil {
				res.Invalid++
				continue
			}
			if ref := e.SessionRef(); ref != "" {
				ok, err := rowExists(ctx, tx, schema.KindSession, ref)
				if err != nil {
					return err
				}
				if !ok {
					res.Orphaned++
					continue
				}
			}

			outcome, err := mergeRemote(ctx, tx, e)
			if err != nil {
				return err
			}
			switch outcome {
			case mergeConflict:
				res.Conflicts++
				continue
			case mergeStale:
				res.Stale++
				continue
			}

			if s, ok := e.(*schema.Session); ok {
				overlap, err := overlapsActive(ctx, tx, s)
				if err != nil {
					return err
				}
				if overlap {
					res.Overlapping++
					continue
				}
			}

			f := e.Sync()
			if f.LastModifiedAt.IsZero() {
				f.LastModifiedAt = now.UTC()
			}
			f.IsSynced = true
			if err := upsert(ctx, tx, e); err != nil {
				return err
			}
			res.Applied++
		}
		return nil
	})
	if err != nil {
		return ApplyResult{}, err
	}
	return res, nil
}

type mergeOutcome int

const (
	mergeApply mergeOutcome = iota
	mergeConflict
	mergeStale
)

func mergeRemote(ctx context.Context, tx *sql.Tx, remote schema.Entity) (mergeOutcome, error) {
	kind := remote.Kind()
	id := remote.Sync().ID

	local, err := loadEntity(ctx, tx, kind, id)
	if errors.Is(err, ErrNotFound) {
		return mergeApply, nil
	}
	if err != nil {
		return mergeApply, err
	}

	pending, err := hasPending(ctx, tx, kind, id)
	if err != nil {
		return mergeApply, err
	}
	if pending || !local.Sync().IsSynced {
		return mergeConflict, nil
	}

	remoteAt := remote.Sync().LastModifiedAt
	if !remoteAt.IsZero() && remoteAt.Before(local.Sync().LastModifiedAt) {
		return mergeStale, nil
	}
	return mergeApply, nil
}

// overlapsActive reports whether storing s would leave two active sessions.
// Updating a session that is already active locally does not count.
func overlapsActive(ctx context.Context, tx *sql.Tx, s *schema.Session) (bool, error) {
	if s.EndedAt != nil || s.IsDeleted {
		return false, nil
	}
	var id string
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM sessions
		WHERE ended_at IS NULL AND is_deleted = 0
		ORDER BY id = ? DESC
		LIMIT 1
	`, s.ID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up active session: %w", err)
	}
	return id != s.ID, nil
}

// Stats summarizes the local store for status output.
type Stats struct {
	Sessions    int
	TrackPoints int
	Catches     int
	Photos      int
	Unsynced    map[schema.Kind]int
	Queue       QueueStats
}

// Stats counts non-deleted rows per kind, unsynced rows per kind (tombstones
// included) and the queue state.
func (db *DB) Stats(ctx context.Context) (*Stats, error) {
	if err := db.checkReady(); err != nil {
		return nil, err
	}

	st := &Stats{Unsynced: make(map[schema.Kind]int)}
	totals := map[schema.Kind]*int{
		schema.KindSession:    &st.Sessions,
		schema.KindTrackPoint: &st.TrackPoints,
		schema.KindCatch:      &st.Catches,
		schema.KindPhoto:      &st.Photos,
	}
	for _, kind := range schema.Kinds {
		var unsynced int
		query := fmt.Sprintf(`SELECT
			COALESCE(SUM(CASE WHEN is_deleted = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN is_synced = 0 THEN 1 ELSE 0 END), 0)
			FROM %s`, kind.Table())
		if err := db.conn.QueryRowContext(ctx, query).Scan(totals[kind], &unsynced); err != nil {
			return nil, fmt.Errorf("failed to count %s rows: %w", kind, err)
		}
		st.Unsynced[kind] = unsynced
	}

	q, err := db.QueueStats(ctx)
	if err != nil {
		return nil, err
	}
	st.Queue = q
	return st, nil
}
