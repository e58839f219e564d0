package session

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/steveyegge/catchlog/internal/db"
	"github.com/steveyegge/catchlog/internal/events"
	"github.com/steveyegge/catchlog/internal/location"
	"github.com/steveyegge/catchlog/internal/schema"
)

type fakeSampler struct {
	armed    []string
	disarmed int
	armErr   error
}

func (f *fakeSampler) Arm(ctx context.Context, id string) error {
	f.armed = append(f.armed, id)
	return f.armErr
}

func (f *fakeSampler) Disarm() { f.disarmed++ }

type recorder struct {
	events []events.Event
}

func (r *recorder) Publish(ctx context.Context, ev events.Event) error {
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) types() []events.Type {
	out := make([]events.Type, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

type failingLocator struct{}

func (failingLocator) CurrentFix(ctx context.Context, highAccuracy bool, timeout time.Duration) (location.Fix, error) {
	return location.Fix{}, context.DeadlineExceeded
}

func setupManager(t *testing.T, opts Options) (*Manager, *db.DB) {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "catchlog.db"))
	if err != nil {
		t.Fatalf("db.Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	return NewManager(store, opts), store
}

func TestStartStop(t *testing.T) {
	sampler := &fakeSampler{}
	rec := &recorder{}
	m, store := setupManager(t, Options{Sampler: sampler, Publisher: rec})
	ctx := context.Background()

	s, err := m.Start(ctx, "")
	if err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if s.Title != schema.DefaultSessionTitle(s.StartedAt) {
		t.Errorf("title = %q, want default", s.Title)
	}
	if len(sampler.armed) != 1 || sampler.armed[0] != s.ID {
		t.Errorf("sampler armed with %v, want [%s]", sampler.armed, s.ID)
	}

	if _, err := m.Start(ctx, "second"); !errors.Is(err, ErrSessionActive) {
		t.Errorf("second Start() = %v, want ErrSessionActive", err)
	}

	stopped, err := m.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if stopped.EndedAt == nil {
		t.Error("stopped session has no ended_at")
	}
	if sampler.disarmed != 1 {
		t.Errorf("Disarm calls = %d, want 1", sampler.disarmed)
	}
	if _, err := m.Stop(ctx); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("Stop() with nothing active = %v, want ErrNoActiveSession", err)
	}

	// Start, then stop: a create and an update mutation.
	q, _ := store.PeekBatch(ctx, 0)
	if len(q) != 2 || q[0].Operation != schema.OpCreate || q[1].Operation != schema.OpUpdate {
		t.Errorf("queue = %+v", q)
	}

	want := []events.Type{events.TypeSessionStarted, events.TypeSessionStopped}
	got := rec.types()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("events = %v, want %v", got, want)
	}

	if _, err := m.Start(ctx, "evening"); err != nil {
		t.Errorf("Start() after Stop() failed: %v", err)
	}
}

func TestStop_FailedWriteKeepsSampling(t *testing.T) {
	sampler := &fakeSampler{}
	rec := &recorder{}
	m, store := setupManager(t, Options{Sampler: sampler, Publisher: rec})
	ctx := context.Background()

	s, err := m.Start(ctx, "dawn")
	if err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	if _, err := store.RawDB().ExecContext(ctx, `
		CREATE TRIGGER sessions_readonly BEFORE UPDATE ON sessions
		BEGIN SELECT RAISE(ABORT, 'sessions are read-only'); END
	`); err != nil {
		t.Fatalf("failed to create trigger: %v", err)
	}

	if _, err := m.Stop(ctx); err == nil {
		t.Fatal("Stop() succeeded, want write error")
	}
	if sampler.disarmed != 0 {
		t.Errorf("Disarm calls = %d, want 0 after a failed Stop", sampler.disarmed)
	}
	if len(rec.events) != 1 {
		t.Errorf("events = %v, want only session_started", rec.types())
	}

	active, err := m.Active(ctx)
	if err != nil {
		t.Fatalf("Active() failed: %v", err)
	}
	if active.ID != s.ID || active.EndedAt != nil {
		t.Errorf("active session = %+v, want %s still running", active, s.ID)
	}
}

func TestResume(t *testing.T) {
	sampler := &fakeSampler{}
	m, store := setupManager(t, Options{Sampler: sampler})
	ctx := context.Background()

	if _, err := m.Resume(ctx); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("Resume() = %v, want ErrNoActiveSession", err)
	}

	// A session left active by another process.
	s := schema.NewSession("dawn", time.Now())
	if err := store.PutSession(ctx, s); err != nil {
		t.Fatal(err)
	}
	got, err := m.Resume(ctx)
	if err != nil {
		t.Fatalf("Resume() failed: %v", err)
	}
	if got.ID != s.ID || len(sampler.armed) != 1 || sampler.armed[0] != s.ID {
		t.Errorf("resumed %s, armed %v", got.ID, sampler.armed)
	}
}

func TestAddCatch(t *testing.T) {
	rec := &recorder{}
	m, store := setupManager(t, Options{
		Publisher: rec,
		Locator:   location.Fixed{Lat: 44.5, Lon: -73.2, Accuracy: 3},
	})
	ctx := context.Background()

	if _, err := m.AddCatch(ctx, CatchInput{Species: "trout"}); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("AddCatch() without session = %v, want ErrNoActiveSession", err)
	}

	s, _ := m.Start(ctx, "lake")
	length := 42.0
	at := time.Date(2024, 6, 1, 7, 30, 15, 500, time.UTC)
	c, err := m.AddCatch(ctx, CatchInput{Species: " trout ", Length: &length, At: at, WithLocation: true})
	if err != nil {
		t.Fatalf("AddCatch() failed: %v", err)
	}
	if c.SessionID != s.ID || c.Species != "trout" {
		t.Errorf("catch = %+v", c)
	}
	if !c.TS.Equal(at.Truncate(time.Second)) {
		t.Errorf("ts = %v, want %v", c.TS, at.Truncate(time.Second))
	}
	if c.Lat == nil || *c.Lat != 44.5 {
		t.Errorf("lat = %v, want 44.5", c.Lat)
	}

	if _, err := m.AddCatch(ctx, CatchInput{Species: ""}); !errors.Is(err, db.ErrInvalidEntity) {
		t.Errorf("AddCatch() with no species = %v, want ErrInvalidEntity", err)
	}

	catches, _ := store.ListCatches(ctx, s.ID)
	if len(catches) != 1 {
		t.Errorf("stored catches = %d, want 1", len(catches))
	}
	if last := rec.events[len(rec.events)-1]; last.Type != events.TypeCatch {
		t.Errorf("last event = %s, want catch", last.Type)
	}
}

func TestAddCatch_FixFailureStillStores(t *testing.T) {
	m, _ := setupManager(t, Options{Locator: failingLocator{}})
	ctx := context.Background()
	_, _ = m.Start(ctx, "")

	c, err := m.AddCatch(ctx, CatchInput{Species: "bass", WithLocation: true})
	if err != nil {
		t.Fatalf("AddCatch() failed: %v", err)
	}
	if c.Lat != nil || c.Lon != nil {
		t.Error("failed fix should leave position empty")
	}
}

func TestAddCatch_ExplicitSession(t *testing.T) {
	m, _ := setupManager(t, Options{})
	ctx := context.Background()

	s, _ := m.Start(ctx, "morning")
	_, _ = m.Stop(ctx)

	if _, err := m.AddCatch(ctx, CatchInput{SessionID: s.ID, Species: "pike"}); err != nil {
		t.Errorf("AddCatch() to a stopped session failed: %v", err)
	}
	if _, err := m.AddCatch(ctx, CatchInput{SessionID: "missing", Species: "pike"}); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("AddCatch() to a missing session = %v, want ErrNotFound", err)
	}
}

func TestAddPhotoAndEditNotes(t *testing.T) {
	m, store := setupManager(t, Options{})
	ctx := context.Background()
	s, _ := m.Start(ctx, "")

	p, err := m.AddPhoto(ctx, PhotoInput{LocalURI: "/tmp/fish.jpg", Size: 1024})
	if err != nil {
		t.Fatalf("AddPhoto() failed: %v", err)
	}
	if p.SessionID != s.ID || p.Uploaded() {
		t.Errorf("photo = %+v", p)
	}

	if _, err := m.EditNotes(ctx, s.ID, "calm water"); err != nil {
		t.Fatalf("EditNotes() failed: %v", err)
	}
	got, _ := store.GetSession(ctx, s.ID)
	if got.Notes != "calm water" {
		t.Errorf("notes = %q", got.Notes)
	}
}

func TestDeleteActiveSessionDisarms(t *testing.T) {
	sampler := &fakeSampler{}
	m, store := setupManager(t, Options{Sampler: sampler})
	ctx := context.Background()
	s, _ := m.Start(ctx, "")

	if err := m.Delete(ctx, schema.KindSession, s.ID); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if sampler.disarmed != 1 {
		t.Errorf("Disarm calls = %d, want 1", sampler.disarmed)
	}
	if _, err := store.GetSession(ctx, s.ID); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("GetSession() after delete = %v, want ErrNotFound", err)
	}
	if err := m.Delete(ctx, schema.KindCatch, "missing"); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("Delete() of missing catch = %v, want ErrNotFound", err)
	}
}
