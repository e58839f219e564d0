package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/steveyegge/catchlog/internal/auth"
	"github.com/steveyegge/catchlog/internal/config"
	"github.com/steveyegge/catchlog/internal/db"
	"github.com/steveyegge/catchlog/internal/events"
	"github.com/steveyegge/catchlog/internal/location"
	"github.com/steveyegge/catchlog/internal/photos"
	"github.com/steveyegge/catchlog/internal/remote"
	"github.com/steveyegge/catchlog/internal/session"
	"github.com/steveyegge/catchlog/internal/state"
	catchsync "github.com/steveyegge/catchlog/internal/sync"
)

// tokenEnv overrides the credentials file, e.g. for CI or a shared device.
const tokenEnv = "CATCHLOG_TOKEN"

// openStore opens the database and makes sure the schema exists.
func openStore() *db.DB {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		fatalf("Error creating data directory: %v", err)
	}
	store, err := db.Open(cfg.DBPath())
	if err != nil {
		fatalf("Error opening database: %v", err)
	}
	if err := store.InitSchema(); err != nil {
		store.Close()
		fatalf("Error initializing schema: %v", err)
	}
	return store
}

func newClient() *remote.Client {
	return remote.NewClient(cfg.Server.URL, cfg.Server.Timeout)
}

// credentials is the provider used by sync and photo upload. The file
// provider is returned separately so the daemon can watch it.
func credentials(client *remote.Client, logger *log.Logger) (catchsync.CredentialProvider, *auth.FileProvider) {
	if token := os.Getenv(tokenEnv); token != "" {
		return auth.Static(token), nil
	}
	fp, err := auth.NewFileProvider(cfg.CredentialsPath(), client, logger)
	if err != nil {
		fatalf("Error loading credentials: %v", err)
	}
	return fp, fp
}

func newLocator() location.Provider {
	switch cfg.Location.Source {
	case config.SourceFile:
		return location.NewFile(cfg.Location.File, cfg.Location.MaxAge)
	default:
		return location.Fixed{Lat: cfg.Location.Lat, Lon: cfg.Location.Lon}
	}
}

func newEngine(store *db.DB, client *remote.Client, creds catchsync.CredentialProvider, logger *log.Logger) *catchsync.Engine {
	return catchsync.New(store, client, creds, state.NewFile(cfg.StatePath()), catchsync.Config{
		BatchLimit: cfg.Sync.BatchLimit,
		Logger:     logger,
	})
}

func newPhotoService(ctx context.Context, store *db.DB, client *remote.Client, creds catchsync.CredentialProvider, logger *log.Logger) (*photos.Service, error) {
	var uploader photos.Uploader = &photos.Presigned{Client: client}
	if cfg.Photos.Backend == config.BackendS3 {
		s3, err := photos.NewS3(ctx, cfg.Photos.Bucket, cfg.Photos.Region, cfg.Photos.Endpoint)
		if err != nil {
			return nil, err
		}
		uploader = s3
	}
	return photos.NewService(store, uploader, creds, logger), nil
}

// newManager builds a session manager for one-shot CLI commands. The
// sampler lives in the daemon, which follows the active session itself.
func newManager(store *db.DB, publisher events.Publisher) *session.Manager {
	return session.NewManager(store, session.Options{
		Locator:      newLocator(),
		Publisher:    publisher,
		Logger:       log.New(os.Stderr, "[session] ", log.LstdFlags),
		FixTimeout:   cfg.Tracking.FixTimeout,
		HighAccuracy: cfg.Tracking.HighAccuracy,
	})
}

// cliPublisher sends CLI events to NATS when configured so a running
// dashboard consumer sees catches logged from another terminal.
func cliPublisher() (events.Publisher, func()) {
	if cfg.NATS.URL == "" {
		return events.Noop{}, func() {}
	}
	n, err := events.NewNATS(cfg.NATS.URL, cfg.NATS.Subject)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: NATS unavailable: %v\n", err)
		return events.Noop{}, func() {}
	}
	return n, func() {
		_ = n.Flush()
		_ = n.Close()
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatalf("Error encoding JSON: %v", err)
	}
}
