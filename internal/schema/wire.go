package schema

import (
	"fmt"
	"time"
)

// serverTimeLayouts are tried in order when parsing timestamps produced by
// the remote service, which omits the zone on some fields.
var serverTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseServerTime parses a timestamp from the remote service. Timestamps
// without a zone are taken as UTC.
func ParseServerTime(s string) (time.Time, error) {
	for _, layout := range serverTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatOptionalTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return formatTime(t)
}

func parseOptionalTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := ParseServerTime(s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// SessionPayload is the wire form of a Session.
type SessionPayload struct {
	ID             string  `json:"id"`
	StartedAt      string  `json:"started_at"`
	EndedAt        *string `json:"ended_at"`
	Title          string  `json:"title,omitempty"`
	Notes          string  `json:"notes,omitempty"`
	IsDeleted      bool    `json:"is_deleted"`
	LastModifiedAt string  `json:"last_modified_at,omitempty"`
}

// ToPayload converts a session to its wire form.
func (s *Session) ToPayload() SessionPayload {
	p := SessionPayload{
		ID:             s.ID,
		StartedAt:      formatTime(s.StartedAt),
		Title:          s.Title,
		Notes:          s.Notes,
		IsDeleted:      s.IsDeleted,
		LastModifiedAt: formatOptionalTime(s.LastModifiedAt),
	}
	if s.EndedAt != nil {
		ended := formatTime(*s.EndedAt)
		p.EndedAt = &ended
	}
	return p
}

// Session converts the wire form back to an entity.
func (p SessionPayload) Session() (*Session, error) {
	started, err := ParseServerTime(p.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("session %s: started_at: %w", p.ID, err)
	}
	s := &Session{
		SyncFields: SyncFields{
			ID:             p.ID,
			IsDeleted:      p.IsDeleted,
			LastModifiedAt: parseOptionalTime(p.LastModifiedAt),
		},
		StartedAt: started,
		Title:     p.Title,
		Notes:     p.Notes,
	}
	if p.EndedAt != nil && *p.EndedAt != "" {
		ended, err := ParseServerTime(*p.EndedAt)
		if err != nil {
			return nil, fmt.Errorf("session %s: ended_at: %w", p.ID, err)
		}
		s.EndedAt = &ended
	}
	return s, nil
}

// TrackPointPayload is the wire form of a TrackPoint.
type TrackPointPayload struct {
	ID             string   `json:"id"`
	SessionID      string   `json:"session_id"`
	TS             int64    `json:"ts"`
	Lat            float64  `json:"lat"`
	Lon            float64  `json:"lon"`
	Acc            *float64 `json:"acc"`
	Speed          *float64 `json:"speed"`
	Heading        *float64 `json:"heading"`
	IsDeleted      bool     `json:"is_deleted"`
	LastModifiedAt string   `json:"last_modified_at,omitempty"`
}

// ToPayload converts a track point to its wire form.
func (p *TrackPoint) ToPayload() TrackPointPayload {
	acc := p.Accuracy
	return TrackPointPayload{
		ID:             p.ID,
		SessionID:      p.SessionID,
		TS:             p.TS.Unix(),
		Lat:            p.Lat,
		Lon:            p.Lon,
		Acc:            &acc,
		Speed:          p.Speed,
		Heading:        p.Heading,
		IsDeleted:      p.IsDeleted,
		LastModifiedAt: formatOptionalTime(p.LastModifiedAt),
	}
}

// TrackPoint converts the wire form back to an entity.
func (w TrackPointPayload) TrackPoint() *TrackPoint {
	p := &TrackPoint{
		SyncFields: SyncFields{
			ID:             w.ID,
			IsDeleted:      w.IsDeleted,
			LastModifiedAt: parseOptionalTime(w.LastModifiedAt),
		},
		SessionID: w.SessionID,
		TS:        time.Unix(w.TS, 0).UTC(),
		Lat:       w.Lat,
		Lon:       w.Lon,
		Speed:     w.Speed,
		Heading:   w.Heading,
	}
	if w.Acc != nil {
		p.Accuracy = *w.Acc
	}
	return p
}

// CatchPayload is the wire form of a Catch.
type CatchPayload struct {
	ID             string   `json:"id"`
	SessionID      string   `json:"session_id"`
	TS             int64    `json:"ts"`
	Species        string   `json:"species"`
	Length         *float64 `json:"length"`
	Weight         *float64 `json:"weight"`
	Notes          *string  `json:"notes"`
	Lat            *float64 `json:"lat"`
	Lon            *float64 `json:"lon"`
	IsDeleted      bool     `json:"is_deleted"`
	LastModifiedAt string   `json:"last_modified_at,omitempty"`
}

// ToPayload converts a catch to its wire form.
func (c *Catch) ToPayload() CatchPayload {
	p := CatchPayload{
		ID:             c.ID,
		SessionID:      c.SessionID,
		TS:             c.TS.Unix(),
		Species:        c.Species,
		Length:         c.Length,
		Weight:         c.Weight,
		Lat:            c.Lat,
		Lon:            c.Lon,
		IsDeleted:      c.IsDeleted,
		LastModifiedAt: formatOptionalTime(c.LastModifiedAt),
	}
	if c.Notes != "" {
		notes := c.Notes
		p.Notes = &notes
	}
	return p
}

// Catch converts the wire form back to an entity.
func (w CatchPayload) Catch() *Catch {
	c := &Catch{
		SyncFields: SyncFields{
			ID:             w.ID,
			IsDeleted:      w.IsDeleted,
			LastModifiedAt: parseOptionalTime(w.LastModifiedAt),
		},
		SessionID: w.SessionID,
		TS:        time.Unix(w.TS, 0).UTC(),
		Species:   w.Species,
		Length:    w.Length,
		Weight:    w.Weight,
		Lat:       w.Lat,
		Lon:       w.Lon,
	}
	if w.Notes != nil {
		c.Notes = *w.Notes
	}
	return c
}

// PhotoPayload is the wire form of a PhotoMeta. The local URI never leaves
// the device.
type PhotoPayload struct {
	ID             string   `json:"id"`
	SessionID      string   `json:"session_id"`
	TS             int64    `json:"ts"`
	Lat            *float64 `json:"lat"`
	Lon            *float64 `json:"lon"`
	S3Key          *string  `json:"s3_key"`
	Size           *int64   `json:"size"`
	IsDeleted      bool     `json:"is_deleted"`
	LastModifiedAt string   `json:"last_modified_at,omitempty"`
}

// ToPayload converts photo metadata to its wire form.
func (p *PhotoMeta) ToPayload() PhotoPayload {
	size := p.Size
	w := PhotoPayload{
		ID:             p.ID,
		SessionID:      p.SessionID,
		TS:             p.TS.Unix(),
		Lat:            p.Lat,
		Lon:            p.Lon,
		Size:           &size,
		IsDeleted:      p.IsDeleted,
		LastModifiedAt: formatOptionalTime(p.LastModifiedAt),
	}
	if p.RemoteKey != "" {
		key := p.RemoteKey
		w.S3Key = &key
	}
	return w
}

// Photo converts the wire form back to an entity.
func (w PhotoPayload) Photo() *PhotoMeta {
	p := &PhotoMeta{
		SyncFields: SyncFields{
			ID:             w.ID,
			IsDeleted:      w.IsDeleted,
			LastModifiedAt: parseOptionalTime(w.LastModifiedAt),
		},
		SessionID: w.SessionID,
		TS:        time.Unix(w.TS, 0).UTC(),
		Lat:       w.Lat,
		Lon:       w.Lon,
	}
	if w.S3Key != nil {
		p.RemoteKey = *w.S3Key
	}
	if w.Size != nil {
		p.Size = *w.Size
	}
	return p
}
