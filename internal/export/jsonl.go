// Package export writes the local store to JSONL and reads it back.
//
// Each line is one record {"kind": ..., "entity": {...}}. Sessions come
// first so that an import can recreate parents before children. Tombstones
// are included; an import replays them so deletions survive a round trip.
package export

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/steveyegge/catchlog/internal/db"
	"github.com/steveyegge/catchlog/internal/schema"
)

// Record is one JSONL line.
type Record struct {
	Kind   schema.Kind     `json:"kind"`
	Entity json.RawMessage `json:"entity"`
}

// Counts tallies records per kind.
type Counts struct {
	Sessions    int `json:"sessions"`
	TrackPoints int `json:"track_points"`
	Catches     int `json:"catches"`
	Photos      int `json:"photos"`
}

func (c *Counts) add(kind schema.Kind) {
	switch kind {
	case schema.KindSession:
		c.Sessions++
	case schema.KindTrackPoint:
		c.TrackPoints++
	case schema.KindCatch:
		c.Catches++
	case schema.KindPhoto:
		c.Photos++
	}
}

// Total returns the number of records counted.
func (c Counts) Total() int {
	return c.Sessions + c.TrackPoints + c.Catches + c.Photos
}

// ExportResult contains statistics about an export.
type ExportResult struct {
	Counts
	Tombstones int
}

// Export writes every entity in the store to w.
func Export(ctx context.Context, store *db.DB, w io.Writer) (*ExportResult, error) {
	result := &ExportResult{}
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)

	for _, kind := range schema.Kinds {
		entities, err := store.AllEntities(ctx, kind)
		if err != nil {
			return nil, err
		}
		for _, e := range entities {
			data, err := json.Marshal(e)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal %s %s: %w", kind, e.Sync().ID, err)
			}
			if err := enc.Encode(Record{Kind: kind, Entity: data}); err != nil {
				return nil, fmt.Errorf("failed to write record: %w", err)
			}
			result.add(kind)
			if e.Sync().IsDeleted {
				result.Tombstones++
			}
		}
	}

	if err := bw.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush export: %w", err)
	}
	return result, nil
}

// ExportFile writes the export to path atomically via a temp file.
func ExportFile(ctx context.Context, store *db.DB, path string) (*ExportResult, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}

	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}

	result, err := Export(ctx, store, f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close temp file: %w", cerr)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return nil, err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to rename temp file: %w", err)
	}
	return result, nil
}

// ImportOptions configures Import.
type ImportOptions struct {
	DryRun bool // Parse and validate without writing
	Backup bool // Export the current store next to the input before writing
}

// ImportResult contains statistics about an import.
type ImportResult struct {
	Imported      Counts
	Skipped       int // immutable rows that already exist
	Invalid       int
	BackupCreated string
	Errors        []string
}

// Decode reads records from r and converts them to entities.
func Decode(r io.Reader) ([]schema.Entity, error) {
	var entities []schema.Entity
	decoder := json.NewDecoder(r)
	lineNum := 0

	for {
		var rec Record
		if err := decoder.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at record %d: %w", lineNum+1, err)
		}
		lineNum++

		e, err := decodeEntity(rec)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", lineNum, err)
		}
		entities = append(entities, e)
	}
	return entities, nil
}

func decodeEntity(rec Record) (schema.Entity, error) {
	var e schema.Entity
	switch rec.Kind {
	case schema.KindSession:
		e = &schema.Session{}
	case schema.KindTrackPoint:
		e = &schema.TrackPoint{}
	case schema.KindCatch:
		e = &schema.Catch{}
	case schema.KindPhoto:
		e = &schema.PhotoMeta{}
	default:
		return nil, fmt.Errorf("unknown kind %q", rec.Kind)
	}
	if err := json.Unmarshal(rec.Entity, e); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", rec.Kind, err)
	}
	return e, nil
}

// Import reads a JSONL export and writes every entity through the store, so
// each imported row is queued for upload like a local edit.
func Import(ctx context.Context, store *db.DB, path string, opts ImportOptions) (*ImportResult, error) {
	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open import file: %w", err)
	}
	entities, err := Decode(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to parse JSONL: %w", err)
	}

	result := &ImportResult{}
	if opts.Backup && !opts.DryRun {
		backupPath := path + ".backup." + time.Now().Format("20060102-150405")
		if _, err := ExportFile(ctx, store, backupPath); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupCreated = backupPath
	}

	for _, e := range entities {
		id := e.Sync().ID
		if err := e.Validate(); err != nil {
			result.Invalid++
			result.Errors = append(result.Errors, fmt.Sprintf("%s %s: %v", e.Kind(), id, err))
			continue
		}
		if opts.DryRun {
			result.Imported.add(e.Kind())
			continue
		}

		err := store.Put(ctx, e)
		switch {
		case err == nil:
			result.Imported.add(e.Kind())
		case errors.Is(err, db.ErrConstraintViolation) && exists(ctx, store, e):
			result.Skipped++
		default:
			result.Errors = append(result.Errors, fmt.Sprintf("%s %s: %v", e.Kind(), id, err))
		}
	}
	return result, nil
}

func exists(ctx context.Context, store *db.DB, e schema.Entity) bool {
	_, err := store.LoadEntity(ctx, e.Kind(), e.Sync().ID)
	return err == nil
}
