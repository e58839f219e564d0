package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/steveyegge/catchlog/internal/schema"
	"github.com/steveyegge/catchlog/internal/state"
	catchsync "github.com/steveyegge/catchlog/internal/sync"
	"github.com/steveyegge/catchlog/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Sync with the server",
}

var syncNowCmd = &cobra.Command{
	Use:   "now",
	Short: "Run one sync cycle",
	Long: `Upload queued local changes, then download changes from the server.

Changes that fail to upload stay queued in order and are retried on the next
cycle. Local rows with pending changes are never overwritten by downloads.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		store := openStore()
		defer store.Close()

		client := newClient()
		creds, _ := credentials(client, log.New(os.Stderr, "[auth] ", log.LstdFlags))
		engine := newEngine(store, client, creds, log.New(os.Stderr, "[sync] ", log.LstdFlags))

		report, err := engine.RunCycle(ctx)
		if err != nil {
			fatalf("Error during sync: %v", err)
		}
		if report.Unauthorized() {
			if rerr := creds.Refresh(ctx); rerr == nil {
				if report, err = engine.RunCycle(ctx); err != nil {
					fatalf("Error during sync: %v", err)
				}
			}
		}

		if jsonOutput {
			printJSON(reportJSON(report))
			if !report.OK() {
				os.Exit(1)
			}
			return
		}

		switch report.Skipped {
		case catchsync.SkipNoCredential:
			fmt.Printf("%s Not logged in; run 'catchlog login'\n", ui.RenderWarn("⚠"))
			return
		case catchsync.SkipInProgress:
			fmt.Printf("%s A sync is already running\n", ui.RenderWarn("⚠"))
			return
		}

		if report.OK() {
			fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), report.Duration.Round(time.Millisecond))
		} else {
			fmt.Printf("%s Sync incomplete\n", ui.RenderFail("✗"))
		}
		fmt.Printf("   Uploaded: %d (%d queue entries drained)\n", report.Uploaded, report.Drained)
		if len(report.Conflicts) > 0 {
			fmt.Printf("   Conflicts reported by server: %d\n", len(report.Conflicts))
		}
		fmt.Printf("   Downloaded: %d (%d applied, %d kept local)\n", report.Downloaded, report.Applied.Applied, report.Applied.Conflicts)
		if report.Applied.Overlapping > 0 {
			fmt.Printf("   Skipped %d active session(s) from another device\n", report.Applied.Overlapping)
		}
		if report.UploadErr != nil {
			fmt.Printf("   %s upload: %v\n", ui.RenderFail("✗"), report.UploadErr)
		}
		if report.DownloadErr != nil {
			fmt.Printf("   %s download: %v\n", ui.RenderFail("✗"), report.DownloadErr)
		}
		if !report.OK() {
			os.Exit(1)
		}
	},
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue and checkpoint status",
	Long: `Show the sync state: pending queue entries, the highest retry count (a
growing value means an entry keeps failing), unsynced rows per kind and the
last checkpoint.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		store := openStore()
		defer store.Close()

		stats, err := store.Stats(ctx)
		if err != nil {
			fatalf("Error reading stats: %v", err)
		}
		st, err := state.NewFile(cfg.StatePath()).Load()
		if err != nil {
			fatalf("Error reading checkpoint: %v", err)
		}
		creds, _ := credentials(newClient(), log.New(os.Stderr, "[auth] ", log.LstdFlags))
		loggedIn := creds.Token() != ""

		if jsonOutput {
			unsynced := map[string]int{}
			for kind, n := range stats.Unsynced {
				unsynced[string(kind)] = n
			}
			printJSON(map[string]any{
				"logged_in":           loggedIn,
				"server":              cfg.Server.URL,
				"pending":             stats.Queue.Pending,
				"max_retries":         stats.Queue.MaxRetries,
				"oldest_pending":      stats.Queue.Oldest,
				"unsynced":            unsynced,
				"last_sync_timestamp": st.LastSyncTimestamp,
				"last_sync_at":        st.LastSyncAt,
				"last_error":          st.LastError,
			})
			return
		}

		fmt.Printf("\n%s Sync status\n", ui.RenderAccent("🔄"))
		fmt.Printf("   Server: %s\n", cfg.Server.URL)
		if loggedIn {
			fmt.Printf("   Login: %s\n", ui.RenderPass("logged in"))
		} else {
			fmt.Printf("   Login: %s\n", ui.RenderWarn("not logged in"))
		}
		fmt.Printf("   Last sync: %s\n", ui.FormatAge(st.LastSyncAt, time.Now()))
		if st.LastSyncTimestamp != "" {
			fmt.Printf("   Checkpoint: %s\n", st.LastSyncTimestamp)
		}
		if st.LastError != "" {
			fmt.Printf("   Last error: %s\n", ui.RenderFail(st.LastError))
		}

		fmt.Printf("   Pending: %d\n", stats.Queue.Pending)
		if stats.Queue.Oldest != nil {
			fmt.Printf("   Oldest pending: %s\n", ui.FormatAge(*stats.Queue.Oldest, time.Now()))
		}
		retries := fmt.Sprintf("%d", stats.Queue.MaxRetries)
		if stats.Queue.MaxRetries >= 5 {
			retries = ui.RenderWarn(retries + " (check 'catchlog sync now' output)")
		}
		fmt.Printf("   Max retries: %s\n", retries)

		fmt.Println("   Unsynced rows:")
		for _, kind := range schema.Kinds {
			fmt.Printf("     %-12s %d\n", kind, stats.Unsynced[kind])
		}
		fmt.Println()
	},
}

// statusCmd is a top-level shortcut for 'sync status'.
var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show queue and checkpoint status (same as 'sync status')",
}

// reportJSON flattens a Report; errors do not marshal on their own.
func reportJSON(r *catchsync.Report) map[string]any {
	out := map[string]any{
		"ok":               r.OK(),
		"skipped":          r.Skipped,
		"uploaded":         r.Uploaded,
		"drained":          r.Drained,
		"dropped":          r.Dropped,
		"conflicts":        r.Conflicts,
		"downloaded":       r.Downloaded,
		"applied":          r.Applied,
		"has_more":         r.HasMore,
		"server_timestamp": r.ServerTimestamp,
		"duration_ms":      r.Duration.Milliseconds(),
	}
	if r.UploadErr != nil {
		out["upload_error"] = r.UploadErr.Error()
	}
	if r.DownloadErr != nil {
		out["download_error"] = r.DownloadErr.Error()
	}
	return out
}

func init() {
	statusCmd.Long = syncStatusCmd.Long
	statusCmd.Run = syncStatusCmd.Run

	syncCmd.AddCommand(syncNowCmd, syncStatusCmd)
	rootCmd.AddCommand(syncCmd, statusCmd)
}
