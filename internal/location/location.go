// Package location supplies position fixes to the sampling scheduler.
package location

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

var (
	// ErrPermissionDenied means the platform has not granted location access.
	ErrPermissionDenied = errors.New("location permission denied")

	// ErrStaleFix is returned when the newest available fix is older than
	// the provider's maximum age.
	ErrStaleFix = errors.New("stale location fix")
)

// Fix is a single position reading.
type Fix struct {
	Lat      float64
	Lon      float64
	Accuracy float64
	Speed    *float64
	Heading  *float64
	Time     time.Time
}

// Provider acquires a fix. Implementations must return within timeout.
type Provider interface {
	CurrentFix(ctx context.Context, highAccuracy bool, timeout time.Duration) (Fix, error)
}

// PermissionChecker is implemented by providers that can report whether
// location access is currently granted without acquiring a fix.
type PermissionChecker interface {
	Permitted(ctx context.Context) bool
}

// Permitted reports whether p may be asked for a fix. Providers that do not
// implement PermissionChecker are always permitted.
func Permitted(ctx context.Context, p Provider) bool {
	if pc, ok := p.(PermissionChecker); ok {
		return pc.Permitted(ctx)
	}
	return true
}

// Fixed always reports the same position. It backs `location.source = fixed`
// and is handy for a laptop at the dock.
type Fixed struct {
	Lat      float64
	Lon      float64
	Accuracy float64
}

// CurrentFix returns the configured position stamped with the current time.
func (f Fixed) CurrentFix(ctx context.Context, highAccuracy bool, timeout time.Duration) (Fix, error) {
	if err := ctx.Err(); err != nil {
		return Fix{}, err
	}
	return Fix{
		Lat:      f.Lat,
		Lon:      f.Lon,
		Accuracy: f.Accuracy,
		Time:     time.Now().UTC(),
	}, nil
}

// Permitted is always true for a fixed position.
func (f Fixed) Permitted(ctx context.Context) bool { return true }

// fileFix is the JSON document written by a GPS bridge.
type fileFix struct {
	Lat      float64  `json:"lat"`
	Lon      float64  `json:"lon"`
	Accuracy float64  `json:"accuracy"`
	Speed    *float64 `json:"speed,omitempty"`
	Heading  *float64 `json:"heading,omitempty"`
	TS       int64    `json:"ts"`
}

// File reads the latest fix from a JSON file maintained by an external GPS
// bridge (gpsd client, phone tether script). A missing file is treated as
// denied permission.
type File struct {
	Path   string
	MaxAge time.Duration

	now func() time.Time
}

// NewFile returns a File provider for path. maxAge <= 0 accepts any age.
func NewFile(path string, maxAge time.Duration) *File {
	return &File{Path: path, MaxAge: maxAge, now: time.Now}
}

// Permitted reports whether the bridge file exists.
func (f *File) Permitted(ctx context.Context) bool {
	_, err := os.Stat(f.Path)
	return err == nil
}

// CurrentFix reads and validates the bridge file.
func (f *File) CurrentFix(ctx context.Context, highAccuracy bool, timeout time.Duration) (Fix, error) {
	if err := ctx.Err(); err != nil {
		return Fix{}, err
	}

	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return Fix{}, ErrPermissionDenied
	}
	if err != nil {
		return Fix{}, fmt.Errorf("failed to read fix file: %w", err)
	}

	var raw fileFix
	if err := json.Unmarshal(data, &raw); err != nil {
		return Fix{}, fmt.Errorf("failed to parse fix file %s: %w", f.Path, err)
	}

	fix := Fix{
		Lat:      raw.Lat,
		Lon:      raw.Lon,
		Accuracy: raw.Accuracy,
		Speed:    raw.Speed,
		Heading:  raw.Heading,
		Time:     time.Unix(raw.TS, 0).UTC(),
	}

	now := time.Now
	if f.now != nil {
		now = f.now
	}
	if f.MaxAge > 0 && now().Sub(fix.Time) > f.MaxAge {
		return Fix{}, fmt.Errorf("%w: fix from %s", ErrStaleFix, fix.Time.Format(time.RFC3339))
	}
	return fix, nil
}
