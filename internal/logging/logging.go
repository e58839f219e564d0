// Package logging builds the per-component loggers used by the daemon and
// CLI. All loggers share one writer: stderr, or a rotated file.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options describes the log destination.
type Options struct {
	File       string // empty writes to stderr
	MaxSizeMB  int
	MaxBackups int
	Stderr     bool // also copy to stderr when File is set
}

// Sink hands out prefixed loggers over a shared writer.
type Sink struct {
	w      io.Writer
	closer io.Closer
}

// New opens the log destination described by opts.
func New(opts Options) (*Sink, error) {
	if opts.File == "" {
		return &Sink{w: os.Stderr}, nil
	}
	if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
		return nil, err
	}
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 10
	}
	if opts.MaxBackups < 0 {
		opts.MaxBackups = 0
	}
	rotator := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		Compress:   true,
	}
	s := &Sink{w: rotator, closer: rotator}
	if opts.Stderr {
		s.w = io.MultiWriter(rotator, os.Stderr)
	}
	return s, nil
}

// Logger returns a logger whose lines start with "[component] ".
func (s *Sink) Logger(component string) *log.Logger {
	return log.New(s.w, "["+component+"] ", log.LstdFlags)
}

// Writer exposes the underlying writer.
func (s *Sink) Writer() io.Writer {
	return s.w
}

// Close flushes and closes the log file, if any.
func (s *Sink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
