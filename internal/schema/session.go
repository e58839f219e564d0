package schema

import (
	"fmt"
	"time"
)

// Session is one fishing trip. EndedAt is nil while the session is active.
type Session struct {
	SyncFields
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Title     string     `json:"title"`
	Notes     string     `json:"notes,omitempty"`
}

// NewSession creates an active session started at now. An empty title gets
// the default "Session <date>".
func NewSession(title string, now time.Time) *Session {
	if title == "" {
		title = DefaultSessionTitle(now)
	}
	return &Session{
		SyncFields: SyncFields{ID: NewID()},
		StartedAt:  now.UTC(),
		Title:      title,
	}
}

// DefaultSessionTitle returns the title used when the user gives none.
func DefaultSessionTitle(t time.Time) string {
	return "Session " + t.Local().Format("2006-01-02")
}

func (s *Session) Kind() Kind         { return KindSession }
func (s *Session) SessionRef() string { return "" }

// Active reports whether the session has not been stopped.
func (s *Session) Active() bool {
	return s.EndedAt == nil
}

// Duration returns how long the session ran, or has run so far.
func (s *Session) Duration(now time.Time) time.Duration {
	end := now
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	return end.Sub(s.StartedAt)
}

// Validate checks if the Session has valid field values.
func (s *Session) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("id is required")
	}
	if s.StartedAt.IsZero() {
		return fmt.Errorf("started_at is required")
	}
	if s.EndedAt != nil && s.EndedAt.Before(s.StartedAt) {
		return fmt.Errorf("ended_at (%s) is before started_at (%s)",
			s.EndedAt.Format(time.RFC3339), s.StartedAt.Format(time.RFC3339))
	}
	if len(s.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(s.Title))
	}
	return nil
}
