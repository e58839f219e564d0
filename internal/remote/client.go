// Package remote is the HTTP client for the catchlog sync service.
//
// Every call that needs authentication takes the bearer token as an
// argument; the client holds no credential state of its own.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	nanoid "github.com/matoous/go-nanoid/v2"
	"github.com/steveyegge/catchlog/internal/schema"
)

// ErrTransport wraps failures to reach the server or read its reply.
var ErrTransport = errors.New("transport error")

// requestIDAlphabet is used for X-Request-ID values.
const requestIDAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Client talks to the sync service over HTTP/JSON.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for baseURL (e.g. "https://api.example.com").
// A zero timeout means 30 seconds.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the server base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SyncUp uploads a batch of local changes.
func (c *Client) SyncUp(ctx context.Context, token string, req *UpRequest) (*UpResponse, error) {
	body := *req
	if body.Sessions == nil {
		body.Sessions = []schema.SessionPayload{}
	}
	if body.TrackPoints == nil {
		body.TrackPoints = []schema.TrackPointPayload{}
	}
	if body.Catches == nil {
		body.Catches = []schema.CatchPayload{}
	}
	if body.PhotosMeta == nil {
		body.PhotosMeta = []schema.PhotoPayload{}
	}

	var resp UpResponse
	if err := c.doJSON(ctx, http.MethodPost, "/sync/up", token, &body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SyncDown requests server-side changes since the checkpoint.
func (c *Client) SyncDown(ctx context.Context, token string, req *DownRequest) (*DownResponse, error) {
	var resp DownResponse
	if err := c.doJSON(ctx, http.MethodPost, "/sync/down", token, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Login exchanges email and password for a token pair.
func (c *Client) Login(ctx context.Context, email, password string) (*Tokens, error) {
	body := map[string]string{"email": email, "password": password}
	var tokens Tokens
	if err := c.doJSON(ctx, http.MethodPost, "/auth/login", "", body, &tokens); err != nil {
		return nil, err
	}
	return &tokens, nil
}

// Refresh exchanges a refresh token for a new token pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	body := map[string]string{"refresh_token": refreshToken}
	var tokens Tokens
	if err := c.doJSON(ctx, http.MethodPost, "/auth/refresh", "", body, &tokens); err != nil {
		return nil, err
	}
	return &tokens, nil
}

// PresignPhoto asks the server for a one-shot upload URL.
func (c *Client) PresignPhoto(ctx context.Context, token, filename, contentType string) (*PresignedURL, error) {
	body := map[string]string{"filename": filename, "content_type": contentType}
	var url PresignedURL
	if err := c.doJSON(ctx, http.MethodPost, "/photos/presigned-url", token, body, &url); err != nil {
		return nil, err
	}
	return &url, nil
}

// UploadToURL PUTs data to a presigned URL.
func (c *Client) UploadToURL(ctx context.Context, uploadURL, contentType string, data io.Reader, size int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, data)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.ContentLength = size
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: uploading photo: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	return nil
}

// Health checks GET /health.
func (c *Client) Health(ctx context.Context) error {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/health", "", nil, &resp); err != nil {
		return err
	}
	if resp.Status != "" && resp.Status != "healthy" && resp.Status != "ok" {
		return fmt.Errorf("server reports status %q", resp.Status)
	}
	return nil
}

// doJSON performs an HTTP request with optional JSON body and decodes the JSON response.
// If result is nil, the response body is discarded.
func (c *Client) doJSON(ctx context.Context, method, path, token string, body any, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if id, err := nanoid.Generate(requestIDAlphabet, 16); err == nil {
		req.Header.Set("X-Request-ID", id)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrTransport, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response: %w", ErrTransport, err)
	}

	if resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}

	return nil
}

// errorMessage extracts {"error": ...} or {"detail": ...} from an error body.
func errorMessage(body []byte) string {
	var errResp struct {
		Error  string          `json:"error"`
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil {
		if errResp.Error != "" {
			return errResp.Error
		}
		if len(errResp.Detail) > 0 {
			var detail string
			if json.Unmarshal(errResp.Detail, &detail) == nil {
				return detail
			}
			return string(errResp.Detail)
		}
	}
	return strings.TrimSpace(string(body))
}
