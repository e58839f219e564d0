package schema

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Kind identifies one of the syncable entity tables.
type Kind string

const (
	KindSession    Kind = "session"
	KindTrackPoint Kind = "track_point"
	KindCatch      Kind = "catch"
	KindPhoto      Kind = "photo"
)

// Kinds lists every entity kind, parents first.
var Kinds = []Kind{KindSession, KindTrackPoint, KindCatch, KindPhoto}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindSession, KindTrackPoint, KindCatch, KindPhoto:
		return true
	}
	return false
}

// Table returns the local table that stores rows of kind k.
func (k Kind) Table() string {
	switch k {
	case KindSession:
		return "sessions"
	case KindTrackPoint:
		return "track_points"
	case KindCatch:
		return "catches"
	case KindPhoto:
		return "photos"
	default:
		return ""
	}
}

// ParseKind converts a string (as stored in the queue) to a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown entity kind %q", s)
	}
	return k, nil
}

// Operation describes what a write did to an entity.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	return op == OpCreate || op == OpUpdate || op == OpDelete
}

// SyncFields are carried by every syncable entity.
type SyncFields struct {
	ID             string    `json:"id"`
	LastModifiedAt time.Time `json:"last_modified_at"`
	IsSynced       bool      `json:"is_synced"`
	IsDeleted      bool      `json:"is_deleted"`
}

// Sync returns the shared sync bookkeeping of an entity.
func (f *SyncFields) Sync() *SyncFields { return f }

// Entity is implemented by Session, TrackPoint, Catch and PhotoMeta.
type Entity interface {
	Kind() Kind
	Sync() *SyncFields
	// SessionRef returns the owning session id, or "" for a Session.
	SessionRef() string
	Validate() error
}

// NewID returns a fresh client-generated entity id.
func NewID() string {
	return uuid.NewString()
}

// Touch stamps a local write: last_modified_at moves to now and the row is
// no longer considered synced.
func Touch(e Entity, now time.Time) {
	f := e.Sync()
	f.LastModifiedAt = now.UTC()
	f.IsSynced = false
}

// validateFinite rejects NaN and infinities, which pass every range
// comparison.
func validateFinite(name string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%s must be a finite number (got %v)", name, v)
	}
	return nil
}

func validateCoords(lat, lon float64) error {
	if err := validateFinite("lat", lat); err != nil {
		return err
	}
	if err := validateFinite("lon", lon); err != nil {
		return err
	}
	if lat < -90 || lat > 90 {
		return fmt.Errorf("lat must be between -90 and 90 (got %v)", lat)
	}
	if lon < -180 || lon > 180 {
		return fmt.Errorf("lon must be between -180 and 180 (got %v)", lon)
	}
	return nil
}

func validateOptionalCoords(lat, lon *float64) error {
	if (lat == nil) != (lon == nil) {
		return fmt.Errorf("lat and lon must be set together")
	}
	if lat == nil {
		return nil
	}
	return validateCoords(*lat, *lon)
}

func validateNonNegative(name string, v *float64) error {
	if v == nil {
		return nil
	}
	if err := validateFinite(name, *v); err != nil {
		return err
	}
	if *v < 0 {
		return fmt.Errorf("%s must not be negative (got %v)", name, *v)
	}
	return nil
}
