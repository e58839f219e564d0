package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/steveyegge/catchlog/internal/daemon"
	"github.com/steveyegge/catchlog/internal/dashboard"
	"github.com/steveyegge/catchlog/internal/events"
	"github.com/steveyegge/catchlog/internal/logging"
	"github.com/steveyegge/catchlog/internal/schema"
	"github.com/steveyegge/catchlog/internal/session"
	"github.com/steveyegge/catchlog/internal/tracking"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run background sync and location sampling",
	Long: `Run catchlog in the foreground until interrupted.

The daemon:
  - syncs immediately, then every sync.interval
  - records a track point every tracking.interval while a session is active
  - syncs as soon as 'catchlog login' stores new credentials
  - refreshes the access token when the server rejects it
  - uploads pending photo files after each successful sync

With --dashboard-port (or dashboard.port) it also serves a live dashboard:
  http://localhost:<port>/      status page
  ws://localhost:<port>/ws      event stream
  http://localhost:<port>/health`,
	Run: func(cmd *cobra.Command, args []string) {
		if cmd.Flags().Changed("dashboard-port") {
			cfg.Dashboard.Port, _ = cmd.Flags().GetInt("dashboard-port")
		}
		runDaemon()
	},
}

func runDaemon() {
	sink, err := logging.New(logging.Options{
		File:       cfg.LogPath(),
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		Stderr:     true,
	})
	if err != nil {
		fatalf("Error opening log file: %v", err)
	}
	defer sink.Close()
	logger := sink.Logger("daemon")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store := openStore()
	defer store.Close()

	var publishers events.Multi
	if cfg.Dashboard.Port > 0 {
		server := dashboard.NewServer(&dashboard.Config{Port: cfg.Dashboard.Port, Logger: sink.Logger("dashboard")})
		if err := server.Start(); err != nil {
			fatalf("Error: failed to start dashboard: %v", err)
		}
		defer server.Stop()
		publishers = append(publishers, dashboard.NewHandler(server, store, sink.Logger("dashboard")))
		fmt.Printf("Dashboard: http://%s\n", server.Addr())
	}
	if cfg.NATS.URL != "" {
		n, err := events.NewNATS(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			logger.Printf("Warning: NATS unavailable, events stay local: %v", err)
		} else {
			defer n.Close()
			publishers = append(publishers, n)
		}
	}

	client := newClient()
	creds, fileCreds := credentials(client, sink.Logger("auth"))

	sampler := tracking.NewSampler(newLocator(), store, tracking.Config{
		Interval:     cfg.Tracking.Interval,
		Tolerance:    cfg.Tracking.Tolerance,
		FixTimeout:   cfg.Tracking.FixTimeout,
		HighAccuracy: cfg.Tracking.HighAccuracy,
		OnPoint: func(p *schema.TrackPoint) {
			if err := publishers.Publish(ctx, events.New(events.TypeTrackPoint, p)); err != nil {
				logger.Printf("Warning: failed to publish track point: %v", err)
			}
		},
		Logger: sink.Logger("tracking"),
	})

	// Pick up a session left active by a previous run before the first
	// poll so sampling restarts without a gap.
	mgr := session.NewManager(store, session.Options{Sampler: sampler, Logger: sink.Logger("session")})
	if s, err := mgr.Resume(ctx); err == nil {
		logger.Printf("Resuming session %s (%s)", s.ID, s.Title)
	} else if !errors.Is(err, session.ErrNoActiveSession) {
		logger.Printf("Warning: could not resume session: %v", err)
	}

	photoSvc, err := newPhotoService(ctx, store, client, creds, sink.Logger("photos"))
	if err != nil {
		logger.Printf("Warning: photo upload disabled: %v", err)
	}

	deps := daemon.Deps{
		Syncer:      newEngine(store, client, creds, sink.Logger("sync")),
		Credentials: creds,
		Sampler:     sampler,
		Sessions:    store,
		Publisher:   publishers,
	}
	if fileCreds != nil {
		deps.Watcher = fileCreds
	}
	if photoSvc != nil {
		deps.Photos = photoSvc
	}

	d, err := daemon.New(deps, &daemon.Config{
		SyncInterval: cfg.Sync.Interval,
		Logger:       logger,
	})
	if err != nil {
		fatalf("Error: %v", err)
	}

	fmt.Println("Press Ctrl+C to stop...")
	if err := d.Start(ctx); err != nil {
		fatalf("Error: %v", err)
	}
}

func init() {
	daemonCmd.Flags().IntP("dashboard-port", "p", dashboard.DefaultPort, "Serve the dashboard on this port (0 disables)")
	rootCmd.AddCommand(daemonCmd)
}
