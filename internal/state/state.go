// Package state persists the sync checkpoint outside the relational tables.
//
// The checkpoint is a single YAML document next to the database:
//
//	last_sync_timestamp: "2026-05-01T10:00:00.123456Z"
//	last_sync_at: 2026-05-01T10:00:01Z
//	last_error: ""
//
// Writes go to a temporary file that is renamed into place, so a crash never
// leaves a half-written checkpoint.
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// State is the persisted sync bookkeeping.
type State struct {
	// LastSyncTimestamp is the server-issued checkpoint. Empty before the
	// first successful exchange.
	LastSyncTimestamp string `yaml:"last_sync_timestamp"`

	// LastSyncAt is the local time of the last completed cycle.
	LastSyncAt time.Time `yaml:"last_sync_at,omitempty"`

	// LastError describes the most recent failed phase, if any.
	LastError string `yaml:"last_error,omitempty"`
}

// File stores State in a YAML file.
type File struct {
	path string
	mu   sync.Mutex
}

// NewFile returns a checkpoint store backed by path. The file is created on
// first Save.
func NewFile(path string) *File {
	return &File{path: path}
}

// Path returns the backing file path.
func (f *File) Path() string {
	return f.path
}

// Load reads the state. A missing file is the zero State.
func (f *File) Load() (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var st State
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("failed to read state file %s: %w", f.path, err)
	}
	if err := yaml.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("failed to parse state file %s: %w", f.path, err)
	}
	return st, nil
}

// Save replaces the stored state.
func (f *File) Save(st State) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := yaml.Marshal(&st)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close state: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// Update loads the state, applies fn and saves the result.
func (f *File) Update(fn func(*State)) error {
	st, err := f.Load()
	if err != nil {
		return err
	}
	fn(&st)
	return f.Save(st)
}
