package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/steveyegge/catchlog/internal/schema"
)

// testHandler captures the incoming request details and returns a canned response.
type testHandler struct {
	method      string
	path        string
	body        string
	contentType string
	auth        string
	requestID   string

	statusCode   int
	responseBody string
}

func (h *testHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.method = r.Method
	h.path = r.URL.Path
	h.contentType = r.Header.Get("Content-Type")
	h.auth = r.Header.Get("Authorization")
	h.requestID = r.Header.Get("X-Request-ID")
	if r.Body != nil {
		data, _ := io.ReadAll(r.Body)
		h.body = string(data)
	}

	w.Header().Set("Content-Type", "application/json")
	if h.statusCode != 0 {
		w.WriteHeader(h.statusCode)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if h.responseBody != "" {
		_, _ = w.Write([]byte(h.responseBody))
	}
}

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", 5*time.Second)
}

func TestSyncUp_SendsBearerAndBody(t *testing.T) {
	h := &testHandler{
		responseBody: `{"status":"success","synced_count":1,"conflicts":[],"server_timestamp":"2026-05-01T10:00:00.5Z"}`,
	}
	c := newTestClient(t, h)

	cp := "2026-04-30T00:00:00Z"
	req := &UpRequest{
		LastSyncTimestamp: &cp,
		Catches: []schema.CatchPayload{{
			ID: "c1", SessionID: "s1", TS: 1700000000, Species: "Bass",
		}},
	}

	resp, err := c.SyncUp(context.Background(), "tok-123", req)
	if err != nil {
		t.Fatalf("SyncUp() failed: %v", err)
	}

	if h.method != http.MethodPost || h.path != "/sync/up" {
		t.Errorf("request = %s %s, want POST /sync/up", h.method, h.path)
	}
	if h.auth != "Bearer tok-123" {
		t.Errorf("Authorization = %q, want bearer token", h.auth)
	}
	if h.contentType != "application/json" {
		t.Errorf("Content-Type = %q", h.contentType)
	}
	if len(h.requestID) != 16 {
		t.Errorf("X-Request-ID = %q, want 16 characters", h.requestID)
	}

	var sent map[string]json.RawMessage
	if err := json.Unmarshal([]byte(h.body), &sent); err != nil {
		t.Fatalf("request body is not JSON: %v", err)
	}
	if string(sent["sessions"]) != "[]" {
		t.Errorf("sessions = %s, want [] rather than null", sent["sessions"])
	}
	if string(sent["last_sync_timestamp"]) != `"2026-04-30T00:00:00Z"` {
		t.Errorf("last_sync_timestamp = %s", sent["last_sync_timestamp"])
	}

	if resp.Status != StatusSuccess || resp.ServerTimestamp != "2026-05-01T10:00:00.5Z" {
		t.Errorf("SyncUp() = %+v", resp)
	}
}

func TestSyncDown_NullCheckpoint(t *testing.T) {
	h := &testHandler{
		responseBody: `{
			"sessions":[{"id":"s1","started_at":"2026-05-01T09:00:00","ended_at":null,"title":"Morning","notes":null}],
			"track_points":[{"id":"p1","session_id":"s1","ts":1746090000,"lat":1.5,"lon":2.5,"acc":4,"speed":null,"heading":null}],
			"catches":[],
			"photos_meta":[],
			"server_timestamp":"2026-05-01T10:00:00Z",
			"has_more":false
		}`,
	}
	c := newTestClient(t, h)

	resp, err := c.SyncDown(context.Background(), "tok", &DownRequest{})
	if err != nil {
		t.Fatalf("SyncDown() failed: %v", err)
	}
	if h.body != `{"last_sync_timestamp":null}` {
		t.Errorf("body = %s, want null checkpoint", h.body)
	}

	sessions, points, _, _, skipped := resp.Entities()
	if len(skipped) != 0 {
		t.Fatalf("Entities() skipped %v", skipped)
	}
	if len(sessions) != 1 || !sessions[0].Active() {
		t.Errorf("sessions = %+v, want one active session", sessions)
	}
	if len(points) != 1 || points[0].Accuracy != 4 {
		t.Errorf("points = %+v, want accuracy 4", points)
	}
}

func TestDoJSON_APIError(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantMsg  string
		wantAuth bool
	}{
		{"fastapi detail", http.StatusUnauthorized, `{"detail":"Could not validate credentials"}`, "Could not validate credentials", true},
		{"error field", http.StatusBadRequest, `{"error":"bad batch"}`, "bad batch", false},
		{"plain text", http.StatusBadGateway, "upstream down", "upstream down", false},
		{"validation list", http.StatusUnprocessableEntity, `{"detail":[{"loc":["body"],"msg":"field required"}]}`, "field required", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, &testHandler{statusCode: tt.status, responseBody: tt.body})

			_, err := c.SyncDown(context.Background(), "tok", &DownRequest{})
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("SyncDown() error = %v, want *APIError", err)
			}
			if apiErr.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", apiErr.StatusCode, tt.status)
			}
			if !strings.Contains(apiErr.Message, tt.wantMsg) {
				t.Errorf("Message = %q, want it to contain %q", apiErr.Message, tt.wantMsg)
			}
			if apiErr.Unauthorized() != tt.wantAuth {
				t.Errorf("Unauthorized() = %v, want %v", apiErr.Unauthorized(), tt.wantAuth)
			}
			if errors.Is(err, ErrTransport) {
				t.Error("HTTP error responses must not be classified as transport errors")
			}
		})
	}
}

func TestDoJSON_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(url, time.Second)
	_, err := c.SyncUp(context.Background(), "tok", &UpRequest{})
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("SyncUp() against closed server = %v, want ErrTransport", err)
	}
}

func TestLoginAndRefresh(t *testing.T) {
	h := &testHandler{responseBody: `{"access_token":"a1","refresh_token":"r1","token_type":"bearer"}`}
	c := newTestClient(t, h)

	tokens, err := c.Login(context.Background(), "angler@example.com", "hunter2")
	if err != nil {
		t.Fatalf("Login() failed: %v", err)
	}
	if tokens.AccessToken != "a1" || tokens.RefreshToken != "r1" {
		t.Errorf("Login() = %+v", tokens)
	}
	if h.path != "/auth/login" || h.auth != "" {
		t.Errorf("login request = %s auth=%q", h.path, h.auth)
	}

	if _, err := c.Refresh(context.Background(), "r1"); err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}
	if h.path != "/auth/refresh" || !strings.Contains(h.body, `"refresh_token":"r1"`) {
		t.Errorf("refresh request = %s %s", h.path, h.body)
	}
}

func TestPresignAndUpload(t *testing.T) {
	var uploaded string
	mux := http.NewServeMux()
	mux.HandleFunc("/photos/presigned-url", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"upload_url":"http://` + r.Host + `/bucket/ph1.jpg","photo_id":"ph1","expires_in":3600}`))
	})
	mux.HandleFunc("/bucket/ph1.jpg", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		data, _ := io.ReadAll(r.Body)
		uploaded = string(data)
		w.WriteHeader(http.StatusOK)
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	url, err := c.PresignPhoto(ctx, "tok", "ph1.jpg", "image/jpeg")
	if err != nil {
		t.Fatalf("PresignPhoto() failed: %v", err)
	}
	if url.PhotoID != "ph1" || url.ExpiresIn != 3600 {
		t.Errorf("PresignPhoto() = %+v", url)
	}

	if err := c.UploadToURL(ctx, url.UploadURL, "image/jpeg", strings.NewReader("jpegbytes"), 9); err != nil {
		t.Fatalf("UploadToURL() failed: %v", err)
	}
	if uploaded != "jpegbytes" {
		t.Errorf("uploaded = %q", uploaded)
	}
}

func TestHealth(t *testing.T) {
	c := newTestClient(t, &testHandler{responseBody: `{"status":"healthy"}`})
	if err := c.Health(context.Background()); err != nil {
		t.Errorf("Health() failed: %v", err)
	}

	c = newTestClient(t, &testHandler{responseBody: `{"status":"degraded"}`})
	if err := c.Health(context.Background()); err == nil {
		t.Error("Health() should fail on degraded status")
	}
}
