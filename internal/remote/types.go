package remote

import (
	"fmt"

	"github.com/steveyegge/catchlog/internal/schema"
)

// StatusSuccess is the only upload status that means the batch was accepted.
const StatusSuccess = "success"

// UpRequest is the body of POST /sync/up.
type UpRequest struct {
	LastSyncTimestamp *string                    `json:"last_sync_timestamp"`
	Sessions          []schema.SessionPayload    `json:"sessions"`
	TrackPoints       []schema.TrackPointPayload `json:"track_points"`
	Catches           []schema.CatchPayload      `json:"catches"`
	PhotosMeta        []schema.PhotoPayload      `json:"photos_meta"`
}

// Len returns the number of entities in the request.
func (r *UpRequest) Len() int {
	return len(r.Sessions) + len(r.TrackPoints) + len(r.Catches) + len(r.PhotosMeta)
}

// Conflict is reported by the server for an entity it did not take as-is.
type Conflict struct {
	Entity string `json:"entity"`
	ID     string `json:"id"`
}

// UpResponse is the body returned by POST /sync/up.
type UpResponse struct {
	Status          string     `json:"status"`
	SyncedCount     int        `json:"synced_count"`
	Conflicts       []Conflict `json:"conflicts"`
	ServerTimestamp string     `json:"server_timestamp"`
}

// DownRequest is the body of POST /sync/down.
type DownRequest struct {
	LastSyncTimestamp *string `json:"last_sync_timestamp"`
}

// DownResponse is the body returned by POST /sync/down.
type DownResponse struct {
	Sessions        []schema.SessionPayload    `json:"sessions"`
	TrackPoints     []schema.TrackPointPayload `json:"track_points"`
	Catches         []schema.CatchPayload      `json:"catches"`
	PhotosMeta      []schema.PhotoPayload      `json:"photos_meta"`
	ServerTimestamp string                     `json:"server_timestamp"`
	HasMore         bool                       `json:"has_more"`
}

// Len returns the number of entities in the response.
func (r *DownResponse) Len() int {
	return len(r.Sessions) + len(r.TrackPoints) + len(r.Catches) + len(r.PhotosMeta)
}

// Entities converts the payloads to entities. Sessions that cannot be
// parsed are returned in skipped rather than failing the whole download.
func (r *DownResponse) Entities() (sessions []*schema.Session, points []*schema.TrackPoint,
	catches []*schema.Catch, photos []*schema.PhotoMeta, skipped []error) {
	for _, p := range r.Sessions {
		s, err := p.Session()
		if err != nil {
			skipped = append(skipped, err)
			continue
		}
		sessions = append(sessions, s)
	}
	for _, p := range r.TrackPoints {
		points = append(points, p.TrackPoint())
	}
	for _, p := range r.Catches {
		catches = append(catches, p.Catch())
	}
	for _, p := range r.PhotosMeta {
		photos = append(photos, p.Photo())
	}
	return sessions, points, catches, photos, skipped
}

// Tokens is returned by the auth endpoints.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type,omitempty"`
}

// PresignedURL is returned by POST /photos/presigned-url.
type PresignedURL struct {
	UploadURL string `json:"upload_url"`
	PhotoID   string `json:"photo_id"`
	ExpiresIn int    `json:"expires_in"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Unauthorized reports whether the server rejected the credential.
func (e *APIError) Unauthorized() bool {
	return e.StatusCode == 401 || e.StatusCode == 403
}
