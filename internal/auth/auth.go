// Package auth provides bearer credentials to the sync engine.
//
// FileProvider keeps the access/refresh token pair in a JSON file in the
// data directory. The daemon watches that file with fsnotify so that a
// `catchlog login` in another terminal takes effect without a restart.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/steveyegge/catchlog/internal/remote"
)

// ErrNoRefreshToken is returned by Refresh when no refresh token is stored.
var ErrNoRefreshToken = errors.New("no refresh token")

// Credentials is the persisted token pair.
type Credentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Email        string    `json:"email,omitempty"`
	SavedAt      time.Time `json:"saved_at,omitempty"`
}

// Refresher exchanges a refresh token for a new token pair.
// *remote.Client satisfies this interface.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*remote.Tokens, error)
}

// FileProvider serves the token stored in a credentials file.
type FileProvider struct {
	path      string
	refresher Refresher
	logger    *log.Logger

	mu    sync.RWMutex
	creds Credentials
}

// NewFileProvider loads credentials from path if the file exists. A missing
// file yields a provider with an empty token.
//
// If logger is nil, a default logger writing to stderr is used.
func NewFileProvider(path string, refresher Refresher, logger *log.Logger) (*FileProvider, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[auth] ", log.LstdFlags)
	}
	p := &FileProvider{
		path:      path,
		refresher: refresher,
		logger:    logger,
	}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Path returns the credentials file path.
func (p *FileProvider) Path() string {
	return p.path
}

// Token returns the current access token, or "" when not logged in.
func (p *FileProvider) Token() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.creds.AccessToken
}

// Credentials returns a copy of the stored credentials.
func (p *FileProvider) Credentials() Credentials {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.creds
}

// Refresh exchanges the stored refresh token for a new pair and persists it.
// When the server rejects the refresh token the credentials are cleared, so
// the next sync cycle sees no credential instead of retrying a dead token.
func (p *FileProvider) Refresh(ctx context.Context) error {
	p.mu.RLock()
	current := p.creds
	p.mu.RUnlock()

	if current.RefreshToken == "" {
		return ErrNoRefreshToken
	}
	if p.refresher == nil {
		return fmt.Errorf("no refresher configured")
	}

	tokens, err := p.refresher.Refresh(ctx, current.RefreshToken)
	if err != nil {
		var apiErr *remote.APIError
		if errors.As(err, &apiErr) && apiErr.Unauthorized() {
			p.logger.Printf("Refresh token rejected, clearing credentials")
			if clearErr := p.Clear(); clearErr != nil {
				p.logger.Printf("Warning: failed to clear credentials: %v", clearErr)
			}
		}
		return fmt.Errorf("failed to refresh token: %w", err)
	}

	next := Credentials{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		Email:        current.Email,
	}
	if next.RefreshToken == "" {
		next.RefreshToken = current.RefreshToken
	}
	if err := p.Save(next); err != nil {
		return err
	}
	p.logger.Printf("Access token refreshed")
	return nil
}

// Save stores creds in memory and writes them to the credentials file with
// owner-only permissions.
func (p *FileProvider) Save(creds Credentials) error {
	if creds.SavedAt.IsZero() {
		creds.SavedAt = time.Now().UTC()
	}

	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create credentials directory: %w", err)
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace credentials file: %w", err)
	}

	p.mu.Lock()
	p.creds = creds
	p.mu.Unlock()
	return nil
}

// Clear forgets the credentials and removes the file.
func (p *FileProvider) Clear() error {
	p.mu.Lock()
	p.creds = Credentials{}
	p.mu.Unlock()

	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove credentials file: %w", err)
	}
	return nil
}

// Reload re-reads the credentials file. A missing file clears the token.
func (p *FileProvider) Reload() error {
	data, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		p.mu.Lock()
		p.creds = Credentials{}
		p.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read credentials file %s: %w", p.path, err)
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return fmt.Errorf("failed to parse credentials file %s: %w", p.path, err)
	}

	p.mu.Lock()
	p.creds = creds
	p.mu.Unlock()
	return nil
}

// Watch reloads the credentials whenever the file changes and calls
// onChange (if non-nil) afterwards. It blocks until ctx is cancelled.
func (p *FileProvider) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: Save replaces the file by rename.
	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create credentials directory: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	target := filepath.Clean(p.path)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := p.Reload(); err != nil {
				p.logger.Printf("Warning: %v", err)
				continue
			}
			if onChange != nil {
				onChange()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.Printf("Watcher error: %v", err)
		}
	}
}

// Static is a fixed token, e.g. from the CATCHLOG_TOKEN environment variable.
type Static string

// Token returns the fixed token.
func (s Static) Token() string { return string(s) }

// Refresh is a no-op; a static token cannot be renewed.
func (s Static) Refresh(ctx context.Context) error { return nil }
