// Package tracking records TrackPoints at a minimum interval while a
// session is active.
//
// The sampler moves through Idle -> Armed -> Sampling -> Armed and back to
// Idle on Disarm. At most one fix request is in flight. A fix is accepted
// only when more than Interval-Tolerance has elapsed since the previous
// accepted fix, so a tick that fires slightly early still counts while a
// duplicate delivery does not. The interval is measured between fix
// requests, so provider latency does not push the schedule back.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/steveyegge/catchlog/internal/location"
	"github.com/steveyegge/catchlog/internal/schema"
)

// Defaults for Config.
const (
	DefaultInterval   = 5 * time.Minute
	DefaultTolerance  = time.Second
	DefaultFixTimeout = 20 * time.Second
)

// State is the sampler lifecycle state.
type State int

const (
	StateIdle State = iota
	StateArmed
	StateSampling
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateSampling:
		return "sampling"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// TrackWriter persists accepted fixes. *db.DB satisfies it.
type TrackWriter interface {
	PutTrackPoint(ctx context.Context, p *schema.TrackPoint) error
}

// Config configures a Sampler.
type Config struct {
	Interval     time.Duration
	Tolerance    time.Duration
	FixTimeout   time.Duration
	HighAccuracy bool

	// Clock defaults to SystemClock.
	Clock Clock

	// OnPoint, if set, is called after a TrackPoint has been stored.
	OnPoint func(p *schema.TrackPoint)

	// Logger defaults to stderr with a "[tracking] " prefix.
	Logger *log.Logger
}

// DefaultConfig returns the standard five minute sampling configuration.
func DefaultConfig() Config {
	return Config{
		Interval:     DefaultInterval,
		Tolerance:    DefaultTolerance,
		FixTimeout:   DefaultFixTimeout,
		HighAccuracy: true,
	}
}

// Sampler schedules fix requests for the active session.
type Sampler struct {
	provider location.Provider
	writer   TrackWriter
	cfg      Config
	clock    Clock
	logger   *log.Logger

	// dispatch runs a fix acquisition. Tests replace it to run inline.
	dispatch func(func())

	// rearm tells Run to restart its ticker so ticks follow the last Arm.
	rearm chan struct{}

	mu         sync.Mutex
	state      State
	sessionID  string
	generation uint64
	inFlight   bool
	lastFix    time.Time
}

// NewSampler creates an idle sampler.
func NewSampler(provider location.Provider, writer TrackWriter, cfg Config) *Sampler {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Tolerance < 0 {
		cfg.Tolerance = 0
	}
	if cfg.FixTimeout <= 0 {
		cfg.FixTimeout = def.FixTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[tracking] ", log.LstdFlags)
	}
	return &Sampler{
		provider: provider,
		writer:   writer,
		cfg:      cfg,
		clock:    clock,
		logger:   logger,
		dispatch: func(fn func()) { go fn() },
		rearm:    make(chan struct{}, 1),
	}
}

// State returns the current lifecycle state.
func (s *Sampler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID returns the armed session, or "" when idle.
func (s *Sampler) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Arm starts sampling for sessionID and immediately requests a fix.
// Arming again replaces the previous session and discards its in-flight fix.
func (s *Sampler) Arm(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}

	s.mu.Lock()
	s.generation++
	s.state = StateArmed
	s.sessionID = sessionID
	s.inFlight = false
	s.lastFix = time.Time{}
	s.mu.Unlock()

	select {
	case s.rearm <- struct{}{}:
	default:
	}

	s.logger.Printf("Armed for session %s", sessionID)
	s.Tick(ctx)
	return nil
}

// Disarm returns to Idle. A fix that arrives afterwards is dropped.
func (s *Sampler) Disarm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateIdle {
		return
	}
	s.generation++
	s.state = StateIdle
	s.sessionID = ""
	s.inFlight = false
	s.lastFix = time.Time{}
	s.logger.Printf("Disarmed")
}

// Tick requests a fix if one is due. It reports whether a request was made.
func (s *Sampler) Tick(ctx context.Context) bool {
	s.mu.Lock()
	if s.state == StateIdle || s.inFlight || !s.dueLocked(s.clock.Now()) {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	if !location.Permitted(ctx, s.provider) {
		s.logger.Printf("Location permission not granted, skipping tick")
		return false
	}

	s.mu.Lock()
	// Re-check: Disarm or another Tick may have run while permission was checked.
	requestedAt := s.clock.Now()
	if s.state == StateIdle || s.inFlight || !s.dueLocked(requestedAt) {
		s.mu.Unlock()
		return false
	}
	s.inFlight = true
	s.state = StateSampling
	gen := s.generation
	sessionID := s.sessionID
	s.mu.Unlock()

	s.dispatch(func() { s.acquire(ctx, gen, sessionID, requestedAt) })
	return true
}

// Run calls Tick on every Interval until ctx is cancelled. Each Arm
// restarts the ticker so the next tick lands one Interval after it.
func (s *Sampler) Run(ctx context.Context) {
	// An Arm before Run started is already covered by the first ticker.
	select {
	case <-s.rearm:
	default:
	}

	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer func() { ticker.Stop() }()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.rearm:
			ticker.Stop()
			ticker = s.clock.NewTicker(s.cfg.Interval)
		case <-ticker.C():
			s.Tick(ctx)
		}
	}
}

// dueLocked reports whether enough time has passed since the last accepted
// fix. Caller must hold s.mu.
func (s *Sampler) dueLocked(now time.Time) bool {
	if s.lastFix.IsZero() {
		return true
	}
	return now.Sub(s.lastFix) > s.cfg.Interval-s.cfg.Tolerance
}

// acquire requests one fix and stores it. requestedAt is the time the tick
// asked for the fix and becomes the accepted-fix time.
func (s *Sampler) acquire(ctx context.Context, gen uint64, sessionID string, requestedAt time.Time) {
	fixCtx, cancel := context.WithTimeout(ctx, s.cfg.FixTimeout)
	fix, err := s.provider.CurrentFix(fixCtx, s.cfg.HighAccuracy, s.cfg.FixTimeout)
	cancel()

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.inFlight = false
	s.state = StateArmed

	if err != nil {
		s.mu.Unlock()
		if errors.Is(err, location.ErrPermissionDenied) {
			s.logger.Printf("Location permission denied")
		} else {
			s.logger.Printf("Warning: fix failed: %v", err)
		}
		return
	}

	if !s.dueLocked(requestedAt) {
		s.mu.Unlock()
		return
	}

	ts := fix.Time
	if ts.IsZero() {
		ts = s.clock.Now()
	}
	point := &schema.TrackPoint{
		SyncFields: schema.SyncFields{ID: schema.NewID()},
		SessionID:  sessionID,
		TS:         ts.UTC().Truncate(time.Second),
		Lat:        fix.Lat,
		Lon:        fix.Lon,
		Accuracy:   fix.Accuracy,
		Speed:      fix.Speed,
		Heading:    fix.Heading,
	}
	if err := s.writer.PutTrackPoint(ctx, point); err != nil {
		s.mu.Unlock()
		s.logger.Printf("Warning: failed to store track point: %v", err)
		return
	}
	s.lastFix = requestedAt
	s.mu.Unlock()

	if s.cfg.OnPoint != nil {
		s.cfg.OnPoint(point)
	}
}
