// Package session implements the start/stop lifecycle of fishing sessions
// and the user actions recorded against them.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/steveyegge/catchlog/internal/db"
	"github.com/steveyegge/catchlog/internal/events"
	"github.com/steveyegge/catchlog/internal/location"
	"github.com/steveyegge/catchlog/internal/schema"
)

var (
	// ErrSessionActive is returned by Start while another session is active.
	ErrSessionActive = errors.New("a session is already active")

	// ErrNoActiveSession is returned when an action needs an active session.
	ErrNoActiveSession = errors.New("no active session")
)

// Sampler is the part of tracking.Sampler the manager drives.
type Sampler interface {
	Arm(ctx context.Context, sessionID string) error
	Disarm()
}

// Options configures a Manager. Every field is optional.
type Options struct {
	Sampler   Sampler
	Locator   location.Provider
	Publisher events.Publisher
	Logger    *log.Logger

	// FixTimeout bounds the on-demand fix taken for a catch or photo.
	FixTimeout   time.Duration
	HighAccuracy bool
}

// Manager coordinates session state, the sampler and event publishing.
type Manager struct {
	store        *db.DB
	sampler      Sampler
	locator      location.Provider
	publisher    events.Publisher
	logger       *log.Logger
	fixTimeout   time.Duration
	highAccuracy bool
	now          func() time.Time

	// mu serializes Start/Stop so the active-session check and the write
	// happen together within this process.
	mu sync.Mutex
}

// NewManager creates a Manager over an initialized store.
func NewManager(store *db.DB, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[session] ", log.LstdFlags)
	}
	publisher := opts.Publisher
	if publisher == nil {
		publisher = events.Noop{}
	}
	timeout := opts.FixTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Manager{
		store:        store,
		sampler:      opts.Sampler,
		locator:      opts.Locator,
		publisher:    publisher,
		logger:       logger,
		fixTimeout:   timeout,
		highAccuracy: opts.HighAccuracy,
		now:          time.Now,
	}
}

// Active returns the active session or ErrNoActiveSession.
func (m *Manager) Active(ctx context.Context) (*schema.Session, error) {
	s, err := m.store.ActiveSession(ctx)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNoActiveSession
	}
	return s, err
}

// Start creates a new active session and arms the sampler. It fails with
// ErrSessionActive if a session is already running.
func (m *Manager) Start(ctx context.Context, title string) (*schema.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	active, err := m.Active(ctx)
	if err == nil {
		return nil, fmt.Errorf("%w: %s (%s)", ErrSessionActive, active.Title, active.ID)
	}
	if !errors.Is(err, ErrNoActiveSession) {
		return nil, err
	}

	s := schema.NewSession(strings.TrimSpace(title), m.now())
	if err := m.store.PutSession(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}

	if m.sampler != nil {
		if err := m.sampler.Arm(ctx, s.ID); err != nil {
			m.logger.Printf("Warning: failed to arm sampler: %v", err)
		}
	}
	m.publish(ctx, events.TypeSessionStarted, s)
	return s, nil
}

// Stop ends the active session and disarms the sampler.
func (m *Manager) Stop(ctx context.Context) (*schema.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.Active(ctx)
	if err != nil {
		return nil, err
	}

	ended := m.now().UTC()
	if ended.Before(s.StartedAt) {
		ended = s.StartedAt
	}
	s.EndedAt = &ended
	if err := m.store.PutSession(ctx, s); err != nil {
		// The session is still active, so the sampler keeps running.
		return nil, fmt.Errorf("failed to stop session: %w", err)
	}

	if m.sampler != nil {
		m.sampler.Disarm()
	}
	m.publish(ctx, events.TypeSessionStopped, s)
	return s, nil
}

// Resume re-arms the sampler for a session left active by a previous
// process. It returns ErrNoActiveSession when there is nothing to resume.
func (m *Manager) Resume(ctx context.Context) (*schema.Session, error) {
	s, err := m.Active(ctx)
	if err != nil {
		return nil, err
	}
	if m.sampler != nil {
		if err := m.sampler.Arm(ctx, s.ID); err != nil {
			return nil, fmt.Errorf("failed to arm sampler: %w", err)
		}
	}
	return s, nil
}

// EditNotes replaces the notes of a session.
func (m *Manager) EditNotes(ctx context.Context, sessionID, notes string) (*schema.Session, error) {
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s.Notes = notes
	if err := m.store.PutSession(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to update notes: %w", err)
	}
	return s, nil
}

// CatchInput describes a catch to record.
type CatchInput struct {
	// SessionID defaults to the active session.
	SessionID string
	Species   string
	Length    *float64
	Weight    *float64
	Notes     string

	// At defaults to now.
	At time.Time

	// WithLocation takes a fix from the configured locator. A failed fix
	// does not prevent the catch from being stored.
	WithLocation bool
}

// AddCatch stores a new catch.
func (m *Manager) AddCatch(ctx context.Context, in CatchInput) (*schema.Catch, error) {
	sessionID, err := m.resolveSession(ctx, in.SessionID)
	if err != nil {
		return nil, err
	}

	c := &schema.Catch{
		SyncFields: schema.SyncFields{ID: schema.NewID()},
		SessionID:  sessionID,
		TS:         m.timestamp(in.At),
		Species:    strings.TrimSpace(in.Species),
		Length:     in.Length,
		Weight:     in.Weight,
		Notes:      in.Notes,
	}
	if in.WithLocation {
		c.Lat, c.Lon = m.position(ctx)
	}

	if err := m.store.PutCatch(ctx, c); err != nil {
		return nil, err
	}
	m.publish(ctx, events.TypeCatch, c)
	return c, nil
}

// PhotoInput describes a photo to record.
type PhotoInput struct {
	SessionID    string
	LocalURI     string
	Size         int64
	At           time.Time
	WithLocation bool
}

// AddPhoto stores photo metadata. The bytes stay at LocalURI until
// photos.Service uploads them.
func (m *Manager) AddPhoto(ctx context.Context, in PhotoInput) (*schema.PhotoMeta, error) {
	sessionID, err := m.resolveSession(ctx, in.SessionID)
	if err != nil {
		return nil, err
	}

	p := &schema.PhotoMeta{
		SyncFields: schema.SyncFields{ID: schema.NewID()},
		SessionID:  sessionID,
		TS:         m.timestamp(in.At),
		LocalURI:   in.LocalURI,
		Size:       in.Size,
	}
	if in.WithLocation {
		p.Lat, p.Lon = m.position(ctx)
	}

	if err := m.store.PutPhoto(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Delete soft-deletes an entity. Deleting the active session also disarms
// the sampler.
func (m *Manager) Delete(ctx context.Context, kind schema.Kind, id string) error {
	if kind == schema.KindSession {
		m.mu.Lock()
		defer m.mu.Unlock()
		if active, err := m.Active(ctx); err == nil && active.ID == id && m.sampler != nil {
			m.sampler.Disarm()
		}
	}
	return m.store.SoftDelete(ctx, kind, id)
}

func (m *Manager) resolveSession(ctx context.Context, id string) (string, error) {
	if id != "" {
		if _, err := m.store.GetSession(ctx, id); err != nil {
			return "", fmt.Errorf("session %s: %w", id, err)
		}
		return id, nil
	}
	s, err := m.Active(ctx)
	if err != nil {
		return "", err
	}
	return s.ID, nil
}

func (m *Manager) timestamp(at time.Time) time.Time {
	if at.IsZero() {
		at = m.now()
	}
	return at.UTC().Truncate(time.Second)
}

// position takes an on-demand fix. Failures are logged and yield no position.
func (m *Manager) position(ctx context.Context) (lat, lon *float64) {
	if m.locator == nil {
		return nil, nil
	}
	if !location.Permitted(ctx, m.locator) {
		m.logger.Printf("Location permission not granted, storing without position")
		return nil, nil
	}

	fixCtx, cancel := context.WithTimeout(ctx, m.fixTimeout)
	defer cancel()
	fix, err := m.locator.CurrentFix(fixCtx, m.highAccuracy, m.fixTimeout)
	if err != nil {
		m.logger.Printf("Warning: could not get position: %v", err)
		return nil, nil
	}
	return &fix.Lat, &fix.Lon
}

func (m *Manager) publish(ctx context.Context, t events.Type, data any) {
	if err := m.publisher.Publish(ctx, events.New(t, data)); err != nil {
		m.logger.Printf("Warning: failed to publish %s: %v", t, err)
	}
}
