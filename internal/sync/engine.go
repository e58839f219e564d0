package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/steveyegge/catchlog/internal/db"
	"github.com/steveyegge/catchlog/internal/remote"
	"github.com/steveyegge/catchlog/internal/schema"
	"github.com/steveyegge/catchlog/internal/state"
)

// DefaultBatchLimit is the number of queue entries uploaded per cycle.
const DefaultBatchLimit = 100

var (
	// ErrTransport marks a cycle that failed to reach the server.
	ErrTransport = errors.New("sync transport failure")

	// ErrServerRejected marks a cycle the server answered but did not accept.
	ErrServerRejected = errors.New("sync rejected by server")
)

// SkipReason explains why a cycle did no work.
type SkipReason string

const (
	SkipInProgress   SkipReason = "in_progress"
	SkipNoCredential SkipReason = "no_credential"
)

// CredentialProvider supplies the bearer token. An empty token means the
// user is not logged in.
type CredentialProvider interface {
	Token() string
	Refresh(ctx context.Context) error
}

// Report describes the outcome of one cycle.
type Report struct {
	Skipped SkipReason

	Uploaded  int // entities sent to /sync/up
	Drained   int // queue entries removed
	Dropped   int // entries whose row no longer exists
	Conflicts []remote.Conflict
	UploadErr error

	Downloaded  int
	Applied     db.ApplyResult
	HasMore     bool
	DownloadErr error

	ServerTimestamp string
	Duration        time.Duration
}

// OK reports whether the cycle ran and both phases succeeded.
func (r *Report) OK() bool {
	return r.Skipped == "" && r.UploadErr == nil && r.DownloadErr == nil
}

// Err joins the phase errors.
func (r *Report) Err() error {
	return errors.Join(r.UploadErr, r.DownloadErr)
}

// Unauthorized reports whether the server rejected the bearer token.
func (r *Report) Unauthorized() bool {
	var apiErr *remote.APIError
	return errors.As(r.Err(), &apiErr) && apiErr.Unauthorized()
}

// Config configures an Engine.
type Config struct {
	// BatchLimit caps queue entries per upload (default 100).
	BatchLimit int

	// Logger defaults to stderr with a "[sync] " prefix.
	Logger *log.Logger
}

// Engine runs sync cycles.
type Engine struct {
	store      *db.DB
	client     *remote.Client
	creds      CredentialProvider
	checkpoint *state.File
	batchLimit int
	logger     *log.Logger

	running atomic.Bool

	// lastMu guards last.
	lastMu stdsync.Mutex
	last   *Report
}

// New creates an Engine. The store must have its schema initialized.
func New(store *db.DB, client *remote.Client, creds CredentialProvider, checkpoint *state.File, cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	limit := cfg.BatchLimit
	if limit <= 0 {
		limit = DefaultBatchLimit
	}
	return &Engine{
		store:      store,
		client:     client,
		creds:      creds,
		checkpoint: checkpoint,
		batchLimit: limit,
		logger:     logger,
	}
}

// Running reports whether a cycle is in progress.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// LastReport returns the report of the most recent cycle that was not
// skipped, or nil.
func (e *Engine) LastReport() *Report {
	e.lastMu.Lock()
	defer e.lastMu.Unlock()
	return e.last
}

// RunCycle performs one upload-then-download exchange. The returned error
// is non-nil only for local store or checkpoint failures; network and
// server failures are recorded in the Report.
func (e *Engine) RunCycle(ctx context.Context) (*Report, error) {
	if !e.running.CompareAndSwap(false, true) {
		return &Report{Skipped: SkipInProgress}, nil
	}
	defer e.running.Store(false)

	token := e.creds.Token()
	if token == "" {
		return &Report{Skipped: SkipNoCredential}, nil
	}

	start := time.Now()
	report := &Report{}
	defer func() {
		report.Duration = time.Since(start)
		e.lastMu.Lock()
		e.last = report
		e.lastMu.Unlock()
	}()

	st, err := e.checkpoint.Load()
	if err != nil {
		return report, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	var since *string
	if st.LastSyncTimestamp != "" {
		ts := st.LastSyncTimestamp
		since = &ts
	}

	if err := e.upload(ctx, token, since, &st, report); err != nil {
		return report, err
	}
	if report.UploadErr != nil {
		e.recordFailure(&st, "upload", report.UploadErr)
		return report, nil
	}

	if err := e.download(ctx, token, since, &st, report); err != nil {
		return report, err
	}
	if report.DownloadErr != nil {
		// The checkpoint saved by the upload phase stands.
		e.recordFailure(&st, "download", report.DownloadErr)
		return report, nil
	}

	st.LastSyncAt = time.Now().UTC()
	st.LastError = ""
	if err := e.checkpoint.Save(st); err != nil {
		return report, fmt.Errorf("failed to save checkpoint: %w", err)
	}

	e.logger.Printf("Sync complete: %d up, %d down (%d applied, %d kept local) in %v",
		report.Uploaded, report.Downloaded, report.Applied.Applied, report.Applied.Conflicts,
		time.Since(start).Round(time.Millisecond))
	if n := report.Applied.Overlapping; n > 0 {
		e.logger.Printf("Warning: skipped %d active session(s) from the server while another session is active", n)
	}
	return report, nil
}

// batch is one upload request plus the bookkeeping needed to complete it.
type batch struct {
	req      *remote.UpRequest
	entryIDs []int64
	uploaded []schema.Entity
	dropped  []int64
}

func (e *Engine) buildBatch(ctx context.Context, entries []db.QueueEntry, since *string) (*batch, error) {
	b := &batch{
		req: &remote.UpRequest{LastSyncTimestamp: since},
	}
	seen := make(map[string]bool, len(entries))

	for _, entry := range entries {
		key := string(entry.Kind) + "/" + entry.EntityID
		if seen[key] {
			b.entryIDs = append(b.entryIDs, entry.ID)
			continue
		}

		ent, err := e.store.LoadEntity(ctx, entry.Kind, entry.EntityID)
		if errors.Is(err, db.ErrNotFound) {
			e.logger.Printf("Warning: queued %s %s no longer exists, dropping entry %d",
				entry.Kind, entry.EntityID, entry.ID)
			b.dropped = append(b.dropped, entry.ID)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load %s %s: %w", entry.Kind, entry.EntityID, err)
		}
		seen[key] = true
		b.entryIDs = append(b.entryIDs, entry.ID)
		b.uploaded = append(b.uploaded, ent)

		switch v := ent.(type) {
		case *schema.Session:
			b.req.Sessions = append(b.req.Sessions, v.ToPayload())
		case *schema.TrackPoint:
			b.req.TrackPoints = append(b.req.TrackPoints, v.ToPayload())
		case *schema.Catch:
			b.req.Catches = append(b.req.Catches, v.ToPayload())
		case *schema.PhotoMeta:
			b.req.PhotosMeta = append(b.req.PhotosMeta, v.ToPayload())
		}
	}
	return b, nil
}

func (e *Engine) upload(ctx context.Context, token string, since *string, st *state.State, report *Report) error {
	entries, err := e.store.PeekBatch(ctx, e.batchLimit)
	if err != nil {
		return fmt.Errorf("failed to read sync queue: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	b, err := e.buildBatch(ctx, entries, since)
	if err != nil {
		return err
	}
	report.Dropped = len(b.dropped)

	if b.req.Len() == 0 {
		if err := e.store.RemoveBatch(ctx, b.dropped); err != nil {
			return fmt.Errorf("failed to drop orphaned queue entries: %w", err)
		}
		report.Drained = len(b.dropped)
		return nil
	}

	resp, err := e.client.SyncUp(ctx, token, b.req)
	if err == nil && resp.Status != remote.StatusSuccess {
		err = fmt.Errorf("%w: upload status %q", ErrServerRejected, resp.Status)
	} else if err != nil {
		err = classify(err)
	}
	if err != nil {
		ids := make([]int64, 0, len(entries))
		for _, entry := range entries {
			ids = append(ids, entry.ID)
		}
		if rerr := e.store.IncrementRetry(ctx, ids); rerr != nil {
			e.logger.Printf("Warning: failed to record retry: %v", rerr)
		}
		e.logger.Printf("Upload of %d entities failed: %v", b.req.Len(), err)
		report.UploadErr = err
		return nil
	}

	all := append(b.entryIDs, b.dropped...)
	if err := e.store.CompleteUpload(ctx, all, b.uploaded); err != nil {
		return fmt.Errorf("failed to complete upload: %w", err)
	}
	report.Uploaded = b.req.Len()
	report.Drained = len(all)
	report.Conflicts = resp.Conflicts
	for _, c := range resp.Conflicts {
		e.logger.Printf("Server reported conflict on %s %s", c.Entity, c.ID)
	}

	if resp.ServerTimestamp != "" {
		st.LastSyncTimestamp = resp.ServerTimestamp
		report.ServerTimestamp = resp.ServerTimestamp
		if err := e.checkpoint.Save(*st); err != nil {
			return fmt.Errorf("failed to save checkpoint: %w", err)
		}
	}
	return nil
}

func (e *Engine) download(ctx context.Context, token string, since *string, st *state.State, report *Report) error {
	resp, err := e.client.SyncDown(ctx, token, &remote.DownRequest{LastSyncTimestamp: since})
	if err != nil {
		report.DownloadErr = classify(err)
		e.logger.Printf("Download failed: %v", report.DownloadErr)
		return nil
	}

	sessions, points, catches, photos, skipped := resp.Entities()
	for _, serr := range skipped {
		e.logger.Printf("Warning: skipping downloaded session: %v", serr)
	}

	res, err := e.store.ApplyRemote(ctx, &db.RemoteChanges{
		Sessions:    sessions,
		TrackPoints: points,
		Catches:     catches,
		Photos:      photos,
	})
	if err != nil {
		return fmt.Errorf("failed to apply downloaded changes: %w", err)
	}
	res.Invalid += len(skipped)
	report.Downloaded = resp.Len()
	report.Applied = res
	report.HasMore = resp.HasMore

	if resp.ServerTimestamp != "" {
		st.LastSyncTimestamp = resp.ServerTimestamp
		report.ServerTimestamp = resp.ServerTimestamp
	}
	if resp.HasMore {
		e.logger.Printf("Server has more changes; continuing next cycle")
	}
	return nil
}

// recordFailure stores the failed phase in the checkpoint file so status
// can show it. It does not move the checkpoint.
func (e *Engine) recordFailure(st *state.State, phase string, err error) {
	st.LastError = fmt.Sprintf("%s: %v", phase, err)
	if serr := e.checkpoint.Save(*st); serr != nil {
		e.logger.Printf("Warning: failed to record sync error: %v", serr)
	}
}

func classify(err error) error {
	var apiErr *remote.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %w", ErrServerRejected, err)
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}
