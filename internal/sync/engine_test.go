package sync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"github.com/steveyegge/catchlog/internal/auth"
	"github.com/steveyegge/catchlog/internal/db"
	"github.com/steveyegge/catchlog/internal/remote"
	"github.com/steveyegge/catchlog/internal/schema"
	"github.com/steveyegge/catchlog/internal/state"
)

// fakeServer implements /sync/up and /sync/down.
type fakeServer struct {
	mu stdsync.Mutex

	upRequests   []remote.UpRequest
	downRequests []remote.DownRequest
	tokens       []string

	upStatus   int
	upResponse *remote.UpResponse
	downStatus int
	down       *remote.DownResponse

	// onUp runs inside the upload handler before it responds.
	onUp func()
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		upStatus:   http.StatusOK,
		upResponse: &remote.UpResponse{Status: remote.StatusSuccess, ServerTimestamp: "2024-06-01T12:00:00.000001"},
		downStatus: http.StatusOK,
		down:       &remote.DownResponse{ServerTimestamp: "2024-06-01T12:00:00.000002"},
	}
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.tokens = append(f.tokens, r.Header.Get("Authorization"))
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/sync/up":
		var req remote.UpRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.upRequests = append(f.upRequests, req)
		status, resp, hook := f.upStatus, f.upResponse, f.onUp
		f.mu.Unlock()
		if hook != nil {
			hook()
		}
		w.WriteHeader(status)
		if status >= 300 {
			_, _ = io.WriteString(w, `{"detail":"rejected"}`)
			return
		}
		_ = json.NewEncoder(w).Encode(resp)

	case "/sync/down":
		var req remote.DownRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.downRequests = append(f.downRequests, req)
		status, resp := f.downStatus, f.down
		f.mu.Unlock()
		w.WriteHeader(status)
		if status >= 300 {
			_, _ = io.WriteString(w, `{"detail":"down failed"}`)
			return
		}
		_ = json.NewEncoder(w).Encode(resp)

	default:
		http.NotFound(w, r)
	}
}

func (f *fakeServer) ups() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.upRequests)
}

func (f *fakeServer) downs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.downRequests)
}

type testEnv struct {
	store      *db.DB
	server     *fakeServer
	checkpoint *state.File
	engine     *Engine
}

func newTestEnv(t *testing.T, token string) *testEnv {
	t.Helper()
	dir := t.TempDir()

	store, err := db.Open(filepath.Join(dir, "catchlog.db"))
	if err != nil {
		t.Fatalf("db.Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	fs := newFakeServer()
	srv := httptest.NewServer(fs)
	t.Cleanup(srv.Close)

	checkpoint := state.NewFile(filepath.Join(dir, "state.yaml"))
	engine := New(store, remote.NewClient(srv.URL, 5*time.Second), auth.Static(token), checkpoint, Config{
		Logger: log.New(io.Discard, "", 0),
	})
	return &testEnv{store: store, server: fs, checkpoint: checkpoint, engine: engine}
}

func (env *testEnv) put(t *testing.T, e schema.Entity) {
	t.Helper()
	if err := env.store.Put(context.Background(), e); err != nil {
		t.Fatalf("Put(%s) failed: %v", e.Sync().ID, err)
	}
}

func (env *testEnv) queue(t *testing.T) []db.QueueEntry {
	t.Helper()
	entries, err := env.store.PeekBatch(context.Background(), 0)
	if err != nil {
		t.Fatalf("PeekBatch() failed: %v", err)
	}
	return entries
}

func (env *testEnv) checkpointValue(t *testing.T) string {
	t.Helper()
	st, err := env.checkpoint.Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	return st.LastSyncTimestamp
}

func testSession(id string) *schema.Session {
	return &schema.Session{
		SyncFields: schema.SyncFields{ID: id},
		StartedAt:  time.Date(2024, 6, 1, 5, 0, 0, 0, time.UTC),
		Title:      "Session " + id,
	}
}

func testCatch(id, sessionID, species string) *schema.Catch {
	return &schema.Catch{
		SyncFields: schema.SyncFields{ID: id},
		SessionID:  sessionID,
		TS:         time.Date(2024, 6, 1, 6, 0, 0, 0, time.UTC),
		Species:    species,
	}
}

func TestRunCycle_NoCredential(t *testing.T) {
	env := newTestEnv(t, "")
	env.put(t, testSession("s1"))

	report, err := env.engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}
	if report.Skipped != SkipNoCredential {
		t.Errorf("Skipped = %q, want %q", report.Skipped, SkipNoCredential)
	}
	if env.server.ups() != 0 || env.server.downs() != 0 {
		t.Error("no network call expected without a credential")
	}
	if len(env.queue(t)) != 1 {
		t.Error("queue should be untouched")
	}
}

func TestRunCycle_OfflineCatchStaysQueued(t *testing.T) {
	env := newTestEnv(t, "")
	env.put(t, testSession("s1"))
	env.put(t, testCatch("c1", "s1", "Bass"))

	got, err := env.store.LoadEntity(context.Background(), schema.KindCatch, "c1")
	if err != nil {
		t.Fatalf("LoadEntity() failed: %v", err)
	}
	if got.Sync().IsSynced {
		t.Error("catch logged offline should not be marked synced")
	}

	before := env.queue(t)
	var creates int
	for _, q := range before {
		if q.Kind == schema.KindCatch && q.EntityID == "c1" && q.Operation == schema.OpCreate {
			creates++
		}
	}
	if creates != 1 {
		t.Fatalf("catch create entries = %d, want 1", creates)
	}

	report, err := env.engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}
	if report.Skipped != SkipNoCredential {
		t.Errorf("Skipped = %q, want %q", report.Skipped, SkipNoCredential)
	}
	if after := env.queue(t); len(after) != len(before) {
		t.Errorf("queue length = %d, want %d", len(after), len(before))
	}
	if cp := env.checkpointValue(t); cp != "" {
		t.Errorf("checkpoint = %q, want empty", cp)
	}
}

func TestRunCycle_ConcurrentCallIsNoop(t *testing.T) {
	env := newTestEnv(t, "tok")
	env.put(t, testSession("s1"))

	block := make(chan struct{})
	entered := make(chan struct{})
	env.server.onUp = func() {
		close(entered)
		<-block
	}

	done := make(chan *Report)
	go func() {
		r, _ := env.engine.RunCycle(context.Background())
		done <- r
	}()
	<-entered

	if !env.engine.Running() {
		t.Error("Running() = false during a cycle")
	}
	report, err := env.engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}
	if report.Skipped != SkipInProgress {
		t.Errorf("Skipped = %q, want %q", report.Skipped, SkipInProgress)
	}

	close(block)
	first := <-done
	if !first.OK() {
		t.Errorf("first cycle failed: %v", first.Err())
	}
	if env.server.ups() != 1 {
		t.Errorf("uploads = %d, want 1", env.server.ups())
	}
}

func TestRunCycle_SuccessDrainsAndAdvances(t *testing.T) {
	env := newTestEnv(t, "tok")
	env.put(t, testSession("s1"))
	env.put(t, testCatch("c1", "s1", "trout"))
	env.put(t, testCatch("c2", "s1", "bass"))

	remoteSession := testSession("s-remote")
	remoteSession.LastModifiedAt = time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC)
	env.server.down = &remote.DownResponse{
		Sessions:        []schema.SessionPayload{remoteSession.ToPayload()},
		ServerTimestamp: "2024-06-01T12:00:05",
	}

	report, err := env.engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}
	if !report.OK() {
		t.Fatalf("cycle failed: %v", report.Err())
	}
	if report.Uploaded != 3 || report.Drained != 3 {
		t.Errorf("Uploaded=%d Drained=%d, want 3/3", report.Uploaded, report.Drained)
	}
	if report.Applied.Applied != 1 {
		t.Errorf("Applied = %d, want 1", report.Applied.Applied)
	}

	if q := env.queue(t); len(q) != 0 {
		t.Errorf("queue has %d entries, want 0", len(q))
	}
	if got := env.checkpointValue(t); got != "2024-06-01T12:00:05" {
		t.Errorf("checkpoint = %q, want download server_timestamp", got)
	}

	up := env.server.upRequests[0]
	if up.LastSyncTimestamp != nil {
		t.Errorf("first upload checkpoint = %v, want null", *up.LastSyncTimestamp)
	}
	if len(up.Sessions) != 1 || len(up.Catches) != 2 {
		t.Errorf("upload body: %d sessions, %d catches", len(up.Sessions), len(up.Catches))
	}
	// Download uses the checkpoint read before the upload.
	if env.server.downRequests[0].LastSyncTimestamp != nil {
		t.Error("download should use the pre-upload checkpoint (null)")
	}
	if env.server.tokens[0] != "Bearer tok" {
		t.Errorf("Authorization = %q", env.server.tokens[0])
	}

	stats, err := env.store.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	for kind, n := range stats.Unsynced {
		if n != 0 {
			t.Errorf("%s unsynced = %d, want 0", kind, n)
		}
	}
	if _, err := env.store.GetSession(context.Background(), "s-remote"); err != nil {
		t.Errorf("downloaded session not applied: %v", err)
	}

	// Second cycle sends the stored checkpoint.
	env.put(t, testCatch("c3", "s1", "perch"))
	if _, err := env.engine.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}
	second := env.server.upRequests[1]
	if second.LastSyncTimestamp == nil || *second.LastSyncTimestamp != "2024-06-01T12:00:05" {
		t.Errorf("second upload checkpoint = %v", second.LastSyncTimestamp)
	}
}

func TestRunCycle_OfflineKeepsQueueInOrder(t *testing.T) {
	env := newTestEnv(t, "tok")
	env.put(t, testSession("s1"))
	env.put(t, testCatch("c1", "s1", "trout"))
	env.put(t, testCatch("c2", "s1", "bass"))
	before := env.queue(t)

	// Point the engine at a server that is gone.
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()
	env.engine.client = remote.NewClient(dead.URL, time.Second)

	report, err := env.engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}
	if !errors.Is(report.UploadErr, ErrTransport) {
		t.Errorf("UploadErr = %v, want ErrTransport", report.UploadErr)
	}
	if report.DownloadErr != nil || report.Downloaded != 0 {
		t.Error("download must not run after a failed upload")
	}

	after := env.queue(t)
	if len(after) != 3 {
		t.Fatalf("queue has %d entries, want 3", len(after))
	}
	for i := range after {
		if after[i].ID != before[i].ID || after[i].EntityID != before[i].EntityID {
			t.Errorf("entry %d changed: %+v -> %+v", i, before[i], after[i])
		}
		if after[i].RetryCount != 1 {
			t.Errorf("entry %d retry_count = %d, want 1", i, after[i].RetryCount)
		}
	}
	if got := env.checkpointValue(t); got != "" {
		t.Errorf("checkpoint = %q, want unchanged", got)
	}
	st, _ := env.checkpoint.Load()
	if st.LastError == "" {
		t.Error("LastError should record the failed upload")
	}
}

func TestRunCycle_ServerRejections(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		body         *remote.UpResponse
		unauthorized bool
	}{
		{name: "status not success", status: http.StatusOK, body: &remote.UpResponse{Status: "error"}},
		{name: "server error", status: http.StatusInternalServerError},
		{name: "unauthorized", status: http.StatusUnauthorized, unauthorized: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, "tok")
			env.put(t, testSession("s1"))
			env.server.upStatus = tt.status
			env.server.upResponse = tt.body

			report, err := env.engine.RunCycle(context.Background())
			if err != nil {
				t.Fatalf("RunCycle() failed: %v", err)
			}
			if !errors.Is(report.UploadErr, ErrServerRejected) {
				t.Errorf("UploadErr = %v, want ErrServerRejected", report.UploadErr)
			}
			if report.Unauthorized() != tt.unauthorized {
				t.Errorf("Unauthorized() = %v, want %v", report.Unauthorized(), tt.unauthorized)
			}
			if q := env.queue(t); len(q) != 1 || q[0].RetryCount != 1 {
				t.Errorf("queue = %+v, want one entry with retry 1", q)
			}
			if env.server.downs() != 0 {
				t.Error("download must not run after a rejected upload")
			}
		})
	}
}

func TestRunCycle_DownloadFailureKeepsUpload(t *testing.T) {
	env := newTestEnv(t, "tok")
	if err := env.checkpoint.Save(state.State{LastSyncTimestamp: "2024-05-31T00:00:00"}); err != nil {
		t.Fatal(err)
	}
	env.put(t, testSession("s1"))
	env.server.downStatus = http.StatusBadGateway

	report, err := env.engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}
	if report.UploadErr != nil {
		t.Fatalf("UploadErr = %v", report.UploadErr)
	}
	if !errors.Is(report.DownloadErr, ErrServerRejected) {
		t.Errorf("DownloadErr = %v, want ErrServerRejected", report.DownloadErr)
	}
	if q := env.queue(t); len(q) != 0 {
		t.Errorf("upload should not be rolled back, queue has %d", len(q))
	}
	if got := env.checkpointValue(t); got != "2024-06-01T12:00:00.000001" {
		t.Errorf("checkpoint = %q, want the upload server_timestamp", got)
	}
	st, err := env.checkpoint.Load()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(st.LastError, "download: ") {
		t.Errorf("LastError = %q", st.LastError)
	}
}

func TestRunCycle_DownloadFailureOnFirstRunKeepsUploadCheckpoint(t *testing.T) {
	env := newTestEnv(t, "tok")
	env.put(t, testSession("s1"))
	env.server.downStatus = http.StatusBadGateway

	if _, err := env.engine.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}
	if got := env.checkpointValue(t); got != "2024-06-01T12:00:00.000001" {
		t.Errorf("checkpoint = %q, want the upload server_timestamp", got)
	}
}

func TestRunCycle_DedupesRepeatedEntity(t *testing.T) {
	env := newTestEnv(t, "tok")
	s := testSession("s1")
	env.put(t, s)
	s.Notes = "windy"
	env.put(t, s)
	s.Title = "Lake day"
	env.put(t, s)

	report, err := env.engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}
	if report.Uploaded != 1 || report.Drained != 3 {
		t.Errorf("Uploaded=%d Drained=%d, want 1/3", report.Uploaded, report.Drained)
	}
	sent := env.server.upRequests[0].Sessions
	if len(sent) != 1 || sent[0].Title != "Lake day" || sent[0].Notes != "windy" {
		t.Errorf("uploaded sessions = %+v", sent)
	}
}

func TestRunCycle_BatchLimit(t *testing.T) {
	env := newTestEnv(t, "tok")
	env.engine.batchLimit = 2
	env.put(t, testSession("s1"))
	env.put(t, testCatch("c1", "s1", "trout"))
	env.put(t, testCatch("c2", "s1", "bass"))

	if _, err := env.engine.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}
	q := env.queue(t)
	if len(q) != 1 || q[0].EntityID != "c2" {
		t.Errorf("remaining queue = %+v, want only c2", q)
	}
}

func TestRunCycle_DropsEntriesForMissingRows(t *testing.T) {
	env := newTestEnv(t, "tok")
	if err := env.store.Enqueue(context.Background(), schema.KindCatch, "ghost", schema.OpCreate); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	report, err := env.engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}
	if report.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", report.Dropped)
	}
	if env.server.ups() != 0 {
		t.Error("an all-missing batch should not be uploaded")
	}
	if env.server.downs() != 1 {
		t.Error("download should still run")
	}
	if q := env.queue(t); len(q) != 0 {
		t.Errorf("queue has %d entries, want 0", len(q))
	}
}

func TestRunCycle_LocalEditDuringUploadWins(t *testing.T) {
	env := newTestEnv(t, "tok")
	s := testSession("s1")
	env.put(t, s)

	// The user edits notes while the upload is on the wire.
	env.server.onUp = func() {
		edited := testSession("s1")
		edited.Notes = "local edit"
		if err := env.store.PutSession(context.Background(), edited); err != nil {
			t.Errorf("PutSession() failed: %v", err)
		}
	}

	remoteVersion := testSession("s1")
	remoteVersion.Notes = "server edit"
	remoteVersion.LastModifiedAt = time.Now().Add(time.Hour).UTC()
	env.server.down = &remote.DownResponse{
		Sessions:        []schema.SessionPayload{remoteVersion.ToPayload()},
		ServerTimestamp: "2024-06-01T12:00:09",
	}

	report, err := env.engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}
	if report.Applied.Conflicts != 1 {
		t.Errorf("Conflicts = %d, want 1", report.Applied.Conflicts)
	}

	got, err := env.store.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetSession() failed: %v", err)
	}
	if got.Notes != "local edit" {
		t.Errorf("notes = %q, local pending edit must win", got.Notes)
	}
	if got.IsSynced {
		t.Error("edited row must stay unsynced")
	}
	if q := env.queue(t); len(q) != 1 || q[0].Operation != schema.OpUpdate {
		t.Errorf("queue = %+v, want the pending update", q)
	}
}

func TestRunCycle_EmptyQueueStillDownloads(t *testing.T) {
	env := newTestEnv(t, "tok")
	env.server.down = &remote.DownResponse{ServerTimestamp: "2024-06-01T13:00:00", HasMore: true}

	report, err := env.engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}
	if env.server.ups() != 0 {
		t.Error("empty queue should skip /sync/up")
	}
	if !report.HasMore {
		t.Error("HasMore not reported")
	}
	if got := env.checkpointValue(t); got != "2024-06-01T13:00:00" {
		t.Errorf("checkpoint = %q", got)
	}
	if env.engine.LastReport() != report {
		t.Error("LastReport() should return the latest cycle")
	}
}
