package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/steveyegge/catchlog/internal/db"
	"github.com/steveyegge/catchlog/internal/events"
	"github.com/steveyegge/catchlog/internal/photos"
	"github.com/steveyegge/catchlog/internal/schema"
	catchsync "github.com/steveyegge/catchlog/internal/sync"
)

// Config holds configuration for the daemon.
type Config struct {
	// SyncInterval is how often a sync cycle runs.
	SyncInterval time.Duration

	// SessionPollInterval is how often the active session is re-read.
	SessionPollInterval time.Duration

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:        5 * time.Minute,
		SessionPollInterval: 5 * time.Second,
		Logger:              log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Syncer runs one sync cycle. *sync.Engine implements it.
type Syncer interface {
	RunCycle(ctx context.Context) (*catchsync.Report, error)
}

// CredentialWatcher reloads credentials on change. *auth.FileProvider
// implements it.
type CredentialWatcher interface {
	Watch(ctx context.Context, onChange func()) error
}

// Tracker is the location sampler. *tracking.Sampler implements it.
type Tracker interface {
	Arm(ctx context.Context, sessionID string) error
	Disarm()
	SessionID() string
	Run(ctx context.Context)
}

// SessionSource returns the active session. A nil session or db.ErrNotFound
// means none is active. *db.DB implements it.
type SessionSource interface {
	ActiveSession(ctx context.Context) (*schema.Session, error)
}

// PhotoUploader pushes pending photo bytes. *photos.Service implements it.
type PhotoUploader interface {
	UploadPending(ctx context.Context) (photos.Result, error)
}

// Deps are the components the daemon drives. Syncer is required; the rest
// are optional.
type Deps struct {
	Syncer      Syncer
	Credentials catchsync.CredentialProvider
	Watcher     CredentialWatcher
	Sampler     Tracker
	Sessions    SessionSource
	Photos      PhotoUploader
	Publisher   events.Publisher
}

// Daemon orchestrates background sync and sampling.
type Daemon struct {
	deps   Deps
	config *Config

	trigger chan struct{}
	syncMu  sync.Mutex // serializes cycles started by the ticker and triggers

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopOnce sync.Once
}

// New creates a new Daemon instance. Use Start() to begin.
func New(deps Deps, config *Config) (*Daemon, error) {
	if deps.Syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if deps.Sampler != nil && deps.Sessions == nil {
		return nil, fmt.Errorf("sampler requires a session source")
	}
	def := DefaultConfig()
	if config == nil {
		config = def
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = def.SyncInterval
	}
	if config.SessionPollInterval <= 0 {
		config.SessionPollInterval = def.SessionPollInterval
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Noop{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		deps:    deps,
		config:  config,
		trigger: make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins the daemon's operation. It blocks until ctx is cancelled or
// Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Printf("Starting daemon (sync every %v)", d.config.SyncInterval)

	d.wg.Add(1)
	go d.syncLoop()

	if d.deps.Sampler != nil {
		d.wg.Add(2)
		go func() {
			defer d.wg.Done()
			d.deps.Sampler.Run(d.ctx)
		}()
		go d.followSessionLoop()
	}

	if d.deps.Watcher != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.deps.Watcher.Watch(d.ctx, d.TriggerSync); err != nil {
				d.config.Logger.Printf("Warning: credential watch stopped: %v", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.config.Logger.Println("Stopping daemon")
		d.cancel()
		d.wg.Wait()
		if d.deps.Sampler != nil {
			d.deps.Sampler.Disarm()
		}
		d.config.Logger.Println("Daemon stopped")
	})
	return nil
}

// TriggerSync requests a cycle without waiting for the next tick. Requests
// made while one is already pending are coalesced.
func (d *Daemon) TriggerSync() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

func (d *Daemon) syncLoop() {
	defer d.wg.Done()

	d.SyncNow(d.ctx)

	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.SyncNow(d.ctx)
		case <-d.trigger:
			d.SyncNow(d.ctx)
		}
	}
}

// SyncNow runs one cycle, retrying once with a refreshed token if the
// server rejected the old one, and publishes the outcome.
func (d *Daemon) SyncNow(ctx context.Context) *catchsync.Report {
	d.syncMu.Lock()
	defer d.syncMu.Unlock()

	report, err := d.deps.Syncer.RunCycle(ctx)
	if err != nil {
		d.config.Logger.Printf("Error during sync: %v", err)
		d.publish(ctx, events.TypeSyncFailed, events.SyncSummary{Error: err.Error()})
		return nil
	}

	if report.Unauthorized() && d.deps.Credentials != nil {
		d.config.Logger.Println("Access token rejected, refreshing")
		if err := d.deps.Credentials.Refresh(ctx); err != nil {
			d.config.Logger.Printf("Warning: token refresh failed: %v", err)
		} else if retry, err := d.deps.Syncer.RunCycle(ctx); err != nil {
			d.config.Logger.Printf("Error during sync: %v", err)
		} else {
			report = retry
		}
	}

	if report.Skipped != "" {
		// Not logged in or already running; nothing to report.
		return report
	}

	summary := events.SyncSummary{Uploaded: report.Uploaded, Downloaded: report.Downloaded}
	if !report.OK() {
		summary.Error = report.Err().Error()
		d.publish(ctx, events.TypeSyncFailed, summary)
		return report
	}

	d.publish(ctx, events.TypeSyncComplete, summary)
	d.uploadPhotos(ctx)
	return report
}

func (d *Daemon) uploadPhotos(ctx context.Context) {
	if d.deps.Photos == nil {
		return
	}
	result, err := d.deps.Photos.UploadPending(ctx)
	if err != nil {
		if !errors.Is(err, photos.ErrNoCredential) {
			d.config.Logger.Printf("Warning: photo upload failed: %v", err)
		}
		return
	}
	if result.Uploaded > 0 || result.Failed > 0 {
		d.config.Logger.Printf("Photos: %d uploaded, %d failed, %d missing", result.Uploaded, result.Failed, result.Missing)
	}
}

func (d *Daemon) followSessionLoop() {
	defer d.wg.Done()

	d.followSession(d.ctx)

	ticker := time.NewTicker(d.config.SessionPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.followSession(d.ctx)
		}
	}
}

// followSession arms the sampler for the active session and disarms it when
// the session ends.
func (d *Daemon) followSession(ctx context.Context) {
	active, err := d.deps.Sessions.ActiveSession(ctx)
	if errors.Is(err, db.ErrNotFound) {
		active, err = nil, nil
	}
	if err != nil {
		d.config.Logger.Printf("Error reading active session: %v", err)
		return
	}

	current := d.deps.Sampler.SessionID()
	switch {
	case active == nil && current != "":
		d.config.Logger.Printf("Session %s ended, tracking stopped", current)
		d.deps.Sampler.Disarm()
	case active != nil && active.ID != current:
		if err := d.deps.Sampler.Arm(ctx, active.ID); err != nil {
			d.config.Logger.Printf("Error arming sampler: %v", err)
			return
		}
		d.config.Logger.Printf("Tracking session %s (%s)", active.ID, active.Title)
	}
}

func (d *Daemon) publish(ctx context.Context, t events.Type, data any) {
	if err := d.deps.Publisher.Publish(ctx, events.New(t, data)); err != nil {
		d.config.Logger.Printf("Warning: failed to publish %s: %v", t, err)
	}
}
