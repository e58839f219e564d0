package photos

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/steveyegge/catchlog/internal/auth"
	"github.com/steveyegge/catchlog/internal/db"
	"github.com/steveyegge/catchlog/internal/remote"
	"github.com/steveyegge/catchlog/internal/schema"
)

// photoServer fakes the presign endpoint and the storage it points at.
type photoServer struct {
	mu       sync.Mutex
	srv      *httptest.Server
	uploads  map[string][]byte
	presigns int
}

func newPhotoServer(t *testing.T) *photoServer {
	ps := &photoServer{uploads: make(map[string][]byte)}
	mux := http.NewServeMux()
	mux.HandleFunc("/photos/presigned-url", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Filename    string `json:"filename"`
			ContentType string `json:"content_type"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		ps.mu.Lock()
		ps.presigns++
		id := "p" + string(rune('0'+ps.presigns))
		ps.mu.Unlock()
		_ = json.NewEncoder(w).Encode(remote.PresignedURL{
			UploadURL: ps.srv.URL + "/upload/" + id,
			PhotoID:   id,
			ExpiresIn: 3600,
		})
	})
	mux.HandleFunc("/upload/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		data, _ := io.ReadAll(r.Body)
		ps.mu.Lock()
		ps.uploads[strings.TrimPrefix(r.URL.Path, "/upload/")] = data
		ps.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	ps.srv = httptest.NewServer(mux)
	t.Cleanup(ps.srv.Close)
	return ps
}

func setupStore(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "catchlog.db"))
	if err != nil {
		t.Fatalf("db.Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return store
}

func TestFilenameAndContentType(t *testing.T) {
	tests := []struct {
		uri      string
		filename string
		ctype    string
	}{
		{"/sd/IMG_1.JPG", "x.jpg", "image/jpeg"},
		{"/sd/fish.png", "x.png", "image/png"},
		{"content://media/42", "x.jpg", "image/jpeg"},
	}
	for _, tt := range tests {
		p := &schema.PhotoMeta{SyncFields: schema.SyncFields{ID: "x"}, LocalURI: tt.uri}
		if got := Filename(p); got != tt.filename {
			t.Errorf("Filename(%q) = %q, want %q", tt.uri, got, tt.filename)
		}
		if got := ContentType(Filename(p)); got != tt.ctype {
			t.Errorf("ContentType(%q) = %q, want %q", tt.uri, got, tt.ctype)
		}
	}
}

func TestPresigned_RequiresToken(t *testing.T) {
	ps := newPhotoServer(t)
	up := &Presigned{Client: remote.NewClient(ps.srv.URL, 5*time.Second)}
	p := &schema.PhotoMeta{SyncFields: schema.SyncFields{ID: "x"}}
	if _, err := up.Upload(context.Background(), "", p, strings.NewReader("x"), 1); !errors.Is(err, ErrNoCredential) {
		t.Errorf("Upload() = %v, want ErrNoCredential", err)
	}
}

func TestUploadPending_Presigned(t *testing.T) {
	ctx := context.Background()
	ps := newPhotoServer(t)
	store := setupStore(t)
	dir := t.TempDir()

	s := schema.NewSession("", time.Now())
	if err := store.PutSession(ctx, s); err != nil {
		t.Fatal(err)
	}

	present := filepath.Join(dir, "catch.jpg")
	if err := os.WriteFile(present, []byte("jpeg-bytes"), 0644); err != nil {
		t.Fatal(err)
	}
	photos := []*schema.PhotoMeta{
		{SyncFields: schema.SyncFields{ID: "a"}, SessionID: s.ID, TS: time.Now(), LocalURI: "file://" + present},
		{SyncFields: schema.SyncFields{ID: "b"}, SessionID: s.ID, TS: time.Now(), LocalURI: filepath.Join(dir, "gone.jpg")},
		{SyncFields: schema.SyncFields{ID: "c"}, SessionID: s.ID, TS: time.Now(), RemoteKey: "photos/old.jpg"},
	}
	for _, p := range photos {
		if err := store.PutPhoto(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	svc := NewService(store,
		&Presigned{Client: remote.NewClient(ps.srv.URL, 5*time.Second)},
		auth.Static("tok"),
		log.New(io.Discard, "", 0))

	res, err := svc.UploadPending(ctx)
	if err != nil {
		t.Fatalf("UploadPending() failed: %v", err)
	}
	if res.Uploaded != 1 || res.Missing != 1 || res.Failed != 0 {
		t.Errorf("result = %+v", res)
	}
	if got := string(ps.uploads["p1"]); got != "jpeg-bytes" {
		t.Errorf("uploaded bytes = %q", got)
	}

	loaded, err := store.LoadEntity(ctx, schema.KindPhoto, "a")
	if err != nil {
		t.Fatalf("LoadEntity() failed: %v", err)
	}
	a := loaded.(*schema.PhotoMeta)
	if a.RemoteKey != "photos/p1.jpg" || a.Size != int64(len("jpeg-bytes")) {
		t.Errorf("photo a = %+v", a)
	}

	// The key is recorded as an update so the next sync carries it.
	q, _ := store.PeekBatch(ctx, 0)
	last := q[len(q)-1]
	if last.EntityID != "a" || last.Operation != schema.OpUpdate {
		t.Errorf("last queue entry = %+v", last)
	}
}

func TestUploadPending_NoCredential(t *testing.T) {
	ctx := context.Background()
	ps := newPhotoServer(t)
	store := setupStore(t)
	dir := t.TempDir()

	s := schema.NewSession("", time.Now())
	_ = store.PutSession(ctx, s)
	file := filepath.Join(dir, "x.jpg")
	_ = os.WriteFile(file, []byte("x"), 0644)
	_ = store.PutPhoto(ctx, &schema.PhotoMeta{SyncFields: schema.SyncFields{ID: "a"}, SessionID: s.ID, TS: time.Now(), LocalURI: file})

	svc := NewService(store, &Presigned{Client: remote.NewClient(ps.srv.URL, time.Second)}, auth.Static(""), log.New(io.Discard, "", 0))
	if _, err := svc.UploadPending(ctx); !errors.Is(err, ErrNoCredential) {
		t.Errorf("UploadPending() = %v, want ErrNoCredential", err)
	}
}

func TestS3Upload(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")

	var mu sync.Mutex
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		mu.Lock()
		gotMethod, gotPath = r.Method, r.URL.Path
		mu.Unlock()
		w.Header().Set("ETag", `"abc"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	up, err := NewS3(context.Background(), "catches", "us-east-1", srv.URL)
	if err != nil {
		t.Fatalf("NewS3() failed: %v", err)
	}

	p := &schema.PhotoMeta{SyncFields: schema.SyncFields{ID: "p1"}, SessionID: "s1", LocalURI: "/x/y.png"}
	key, err := up.Upload(context.Background(), "", p, strings.NewReader("png"), 3)
	if err != nil {
		t.Fatalf("Upload() failed: %v", err)
	}
	if key != "photos/s1/p1.png" {
		t.Errorf("key = %q", key)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotMethod != http.MethodPut || gotPath != "/catches/photos/s1/p1.png" {
		t.Errorf("request = %s %s", gotMethod, gotPath)
	}
}

func TestNewS3_RequiresBucket(t *testing.T) {
	if _, err := NewS3(context.Background(), "", "us-east-1", ""); err == nil {
		t.Error("NewS3() without bucket should fail")
	}
}
