package schema

import (
	"fmt"
	"time"
)

// TrackPoint is a single location sample. It is immutable once stored.
type TrackPoint struct {
	SyncFields
	SessionID string    `json:"session_id"`
	TS        time.Time `json:"ts"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Accuracy  float64   `json:"accuracy"`
	Speed     *float64  `json:"speed,omitempty"`
	Heading   *float64  `json:"heading,omitempty"`
}

func (p *TrackPoint) Kind() Kind         { return KindTrackPoint }
func (p *TrackPoint) SessionRef() string { return p.SessionID }

// Validate checks if the TrackPoint has valid field values.
func (p *TrackPoint) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	if p.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if p.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	if err := validateCoords(p.Lat, p.Lon); err != nil {
		return err
	}
	if err := validateFinite("accuracy", p.Accuracy); err != nil {
		return err
	}
	if p.Accuracy < 0 {
		return fmt.Errorf("accuracy must not be negative (got %v)", p.Accuracy)
	}
	if p.Heading != nil && !(*p.Heading >= 0 && *p.Heading < 360) {
		return fmt.Errorf("heading must be in [0, 360) (got %v)", *p.Heading)
	}
	return validateNonNegative("speed", p.Speed)
}

// Catch records one landed fish. Only soft-delete may change it after creation.
type Catch struct {
	SyncFields
	SessionID string    `json:"session_id"`
	TS        time.Time `json:"ts"`
	Species   string    `json:"species"`
	Length    *float64  `json:"length,omitempty"`
	Weight    *float64  `json:"weight,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	Lat       *float64  `json:"lat,omitempty"`
	Lon       *float64  `json:"lon,omitempty"`
}

func (c *Catch) Kind() Kind         { return KindCatch }
func (c *Catch) SessionRef() string { return c.SessionID }

// Validate checks if the Catch has valid field values.
func (c *Catch) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	if c.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if c.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	if c.Species == "" {
		return fmt.Errorf("species is required")
	}
	if err := validateNonNegative("length", c.Length); err != nil {
		return err
	}
	if err := validateNonNegative("weight", c.Weight); err != nil {
		return err
	}
	return validateOptionalCoords(c.Lat, c.Lon)
}

// PhotoMeta references a photo taken during a session. Pixel data lives at
// LocalURI until it is uploaded and RemoteKey is filled in.
type PhotoMeta struct {
	SyncFields
	SessionID string    `json:"session_id"`
	TS        time.Time `json:"ts"`
	Lat       *float64  `json:"lat,omitempty"`
	Lon       *float64  `json:"lon,omitempty"`
	LocalURI  string    `json:"local_uri,omitempty"`
	RemoteKey string    `json:"remote_key,omitempty"`
	Size      int64     `json:"size"`
}

func (p *PhotoMeta) Kind() Kind         { return KindPhoto }
func (p *PhotoMeta) SessionRef() string { return p.SessionID }

// Uploaded reports whether the photo bytes have reached remote storage.
func (p *PhotoMeta) Uploaded() bool {
	return p.RemoteKey != ""
}

// Validate checks if the PhotoMeta has valid field values.
func (p *PhotoMeta) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	if p.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if p.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	if p.Size < 0 {
		return fmt.Errorf("size must not be negative (got %d)", p.Size)
	}
	return validateOptionalCoords(p.Lat, p.Lon)
}
