// Package events fans out activity notifications (new track points, catches,
// sync results) to the dashboard and, optionally, a NATS subject tree.
package events

import (
	"context"
	"errors"
	"time"
)

// Type identifies an event.
type Type string

const (
	TypeTrackPoint     Type = "track_point"
	TypeCatch          Type = "catch"
	TypeSessionStarted Type = "session_started"
	TypeSessionStopped Type = "session_stopped"
	TypeSyncComplete   Type = "sync_complete"
	TypeSyncFailed     Type = "sync_failed"
	TypeStats          Type = "stats"
)

// Event is a single notification.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// New stamps an event with the current time.
func New(t Type, data any) Event {
	return Event{Type: t, Timestamp: time.Now().UTC(), Data: data}
}

// Publisher delivers events. Publish must not block on slow consumers.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// SyncSummary is the payload of sync_complete and sync_failed events.
type SyncSummary struct {
	Uploaded   int    `json:"uploaded"`
	Downloaded int    `json:"downloaded"`
	Skipped    string `json:"skipped,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Noop discards events.
type Noop struct{}

// Publish does nothing.
func (Noop) Publish(ctx context.Context, ev Event) error { return nil }

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

// Publish delivers ev to all publishers, continuing past failures.
func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
