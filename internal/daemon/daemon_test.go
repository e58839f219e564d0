package daemon

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/steveyegge/catchlog/internal/db"
	"github.com/steveyegge/catchlog/internal/events"
	"github.com/steveyegge/catchlog/internal/photos"
	"github.com/steveyegge/catchlog/internal/remote"
	"github.com/steveyegge/catchlog/internal/schema"
	catchsync "github.com/steveyegge/catchlog/internal/sync"
)

type fakeSyncer struct {
	mu      sync.Mutex
	calls   int
	reports []*catchsync.Report // returned in order; the last one repeats
	err     error
}

func (f *fakeSyncer) RunCycle(ctx context.Context) (*catchsync.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if len(f.reports) == 0 {
		return &catchsync.Report{}, nil
	}
	r := f.reports[0]
	if len(f.reports) > 1 {
		f.reports = f.reports[1:]
	}
	return r, nil
}

func (f *fakeSyncer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeCreds struct {
	refreshes int
	err       error
}

func (f *fakeCreds) Token() string { return "token" }
func (f *fakeCreds) Refresh(ctx context.Context) error {
	f.refreshes++
	return f.err
}

type fakeSampler struct {
	mu        sync.Mutex
	sessionID string
	arms      []string
	disarms   int
	ran       chan struct{}
}

func (f *fakeSampler) Arm(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionID = id
	f.arms = append(f.arms, id)
	return nil
}

func (f *fakeSampler) Disarm() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionID = ""
	f.disarms++
}

func (f *fakeSampler) SessionID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessionID
}

func (f *fakeSampler) Run(ctx context.Context) {
	if f.ran != nil {
		close(f.ran)
	}
	<-ctx.Done()
}

type fakeSessions struct {
	mu     sync.Mutex
	active *schema.Session
}

func (f *fakeSessions) set(s *schema.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = s
}

func (f *fakeSessions) ActiveSession(ctx context.Context) (*schema.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == nil {
		return nil, db.ErrNotFound
	}
	return f.active, nil
}

type fakePhotos struct {
	calls int
}

func (f *fakePhotos) UploadPending(ctx context.Context) (photos.Result, error) {
	f.calls++
	return photos.Result{Uploaded: 1}, nil
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(ctx context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Type
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func quietConfig() *Config {
	return &Config{
		SyncInterval:        time.Hour,
		SessionPollInterval: time.Hour,
		Logger:              log.New(io.Discard, "", 0),
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Deps{}, nil); err == nil {
		t.Error("expected error for missing syncer")
	}
	if _, err := New(Deps{Syncer: &fakeSyncer{}, Sampler: &fakeSampler{}}, nil); err == nil {
		t.Error("expected error for sampler without session source")
	}
	d, err := New(Deps{Syncer: &fakeSyncer{}}, &Config{})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if d.config.SyncInterval != 5*time.Minute || d.config.Logger == nil {
		t.Errorf("defaults not applied: %+v", d.config)
	}
}

func TestStart_SyncsImmediatelyAndStops(t *testing.T) {
	syncer := &fakeSyncer{}
	sampler := &fakeSampler{ran: make(chan struct{})}
	sessions := &fakeSessions{}
	sessions.set(&schema.Session{SyncFields: schema.SyncFields{ID: "s1"}, Title: "Dawn"})

	d, err := New(Deps{Syncer: syncer, Sampler: sampler, Sessions: sessions}, quietConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	waitFor(t, func() bool { return syncer.Calls() >= 1 })
	waitFor(t, func() bool { return sampler.SessionID() == "s1" })
	<-sampler.ran

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start() did not return after cancel")
	}
	if sampler.SessionID() != "" {
		t.Error("sampler should be disarmed on stop")
	}
}

func TestTriggerSync(t *testing.T) {
	syncer := &fakeSyncer{}
	d, err := New(Deps{Syncer: syncer}, quietConfig())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Start(ctx)

	waitFor(t, func() bool { return syncer.Calls() == 1 })
	d.TriggerSync()
	waitFor(t, func() bool { return syncer.Calls() == 2 })

	if err := d.Stop(); err != nil {
		t.Errorf("Stop() = %v", err)
	}
	// Stop is idempotent.
	if err := d.Stop(); err != nil {
		t.Errorf("second Stop() = %v", err)
	}
}

func TestSyncNow_RefreshesAfterUnauthorized(t *testing.T) {
	unauthorized := &catchsync.Report{
		UploadErr: errors.Join(catchsync.ErrServerRejected, &remote.APIError{StatusCode: 401, Message: "expired"}),
	}
	ok := &catchsync.Report{Uploaded: 2, Downloaded: 1}
	syncer := &fakeSyncer{reports: []*catchsync.Report{unauthorized, ok}}
	creds := &fakeCreds{}
	pub := &recorder{}
	ph := &fakePhotos{}

	d, err := New(Deps{Syncer: syncer, Credentials: creds, Publisher: pub, Photos: ph}, quietConfig())
	if err != nil {
		t.Fatal(err)
	}

	report := d.SyncNow(context.Background())
	if report != ok {
		t.Errorf("expected the retried report, got %+v", report)
	}
	if creds.refreshes != 1 || syncer.Calls() != 2 {
		t.Errorf("refreshes = %d, calls = %d", creds.refreshes, syncer.Calls())
	}
	if ph.calls != 1 {
		t.Errorf("photo uploads = %d, want 1", ph.calls)
	}
	types := pub.types()
	if len(types) != 1 || types[0] != events.TypeSyncComplete {
		t.Errorf("events = %v", types)
	}
	summary := pub.events[0].Data.(events.SyncSummary)
	if summary.Uploaded != 2 || summary.Downloaded != 1 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestSyncNow_RefreshFailureReportsFailure(t *testing.T) {
	unauthorized := &catchsync.Report{
		UploadErr: &remote.APIError{StatusCode: 401, Message: "expired"},
	}
	syncer := &fakeSyncer{reports: []*catchsync.Report{unauthorized}}
	creds := &fakeCreds{err: errors.New("refresh rejected")}
	pub := &recorder{}
	ph := &fakePhotos{}

	d, _ := New(Deps{Syncer: syncer, Credentials: creds, Publisher: pub, Photos: ph}, quietConfig())
	d.SyncNow(context.Background())

	if syncer.Calls() != 1 {
		t.Errorf("calls = %d, want no retry", syncer.Calls())
	}
	if ph.calls != 0 {
		t.Error("photos should not upload after a failed cycle")
	}
	types := pub.types()
	if len(types) != 1 || types[0] != events.TypeSyncFailed {
		t.Errorf("events = %v", types)
	}
}

func TestSyncNow_SkippedAndStoreErrors(t *testing.T) {
	pub := &recorder{}
	skipped := &fakeSyncer{reports: []*catchsync.Report{{Skipped: catchsync.SkipNoCredential}}}
	d, _ := New(Deps{Syncer: skipped, Publisher: pub}, quietConfig())
	d.SyncNow(context.Background())
	if len(pub.types()) != 0 {
		t.Errorf("skipped cycle published %v", pub.types())
	}

	broken := &fakeSyncer{err: errors.New("disk full")}
	d, _ = New(Deps{Syncer: broken, Publisher: pub}, quietConfig())
	if r := d.SyncNow(context.Background()); r != nil {
		t.Errorf("report = %+v, want nil", r)
	}
	types := pub.types()
	if len(types) != 1 || types[0] != events.TypeSyncFailed {
		t.Errorf("events = %v", types)
	}
}

func TestFollowSession(t *testing.T) {
	sampler := &fakeSampler{}
	sessions := &fakeSessions{}
	d, _ := New(Deps{Syncer: &fakeSyncer{}, Sampler: sampler, Sessions: sessions}, quietConfig())
	ctx := context.Background()

	d.followSession(ctx)
	if len(sampler.arms) != 0 || sampler.disarms != 0 {
		t.Errorf("no session: arms=%v disarms=%d", sampler.arms, sampler.disarms)
	}

	sessions.set(&schema.Session{SyncFields: schema.SyncFields{ID: "s1"}})
	d.followSession(ctx)
	d.followSession(ctx)
	if len(sampler.arms) != 1 || sampler.arms[0] != "s1" {
		t.Errorf("arms = %v, want [s1] once", sampler.arms)
	}

	sessions.set(&schema.Session{SyncFields: schema.SyncFields{ID: "s2"}})
	d.followSession(ctx)
	if len(sampler.arms) != 2 || sampler.arms[1] != "s2" {
		t.Errorf("arms = %v", sampler.arms)
	}

	sessions.set(nil)
	d.followSession(ctx)
	if sampler.disarms != 1 || sampler.SessionID() != "" {
		t.Errorf("disarms = %d", sampler.disarms)
	}
}
