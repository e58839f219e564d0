package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/steveyegge/catchlog/internal/db"
	"github.com/steveyegge/catchlog/internal/schema"
	"github.com/steveyegge/catchlog/internal/session"
	"github.com/steveyegge/catchlog/internal/ui"
)

var sessionCmd = &cobra.Command{
	Use:     "session",
	GroupID: "log",
	Short:   "Start, stop and inspect fishing sessions",
	Long: `Manage fishing sessions.

Only one session can be active at a time. While a session is active, a
running 'catchlog daemon' records a track point every five minutes.`,
}

var sessionStartCmd = &cobra.Command{
	Use:   "start [title]",
	Short: "Start a new session",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		store := openStore()
		defer store.Close()
		pub, closePub := cliPublisher()
		defer closePub()

		title := strings.Join(args, " ")
		s, err := newManager(store, pub).Start(ctx, title)
		if errors.Is(err, session.ErrSessionActive) {
			active, _ := store.ActiveSession(ctx)
			if active != nil {
				fatalf("Error: session %s (%s) is already active; stop it first", active.ID, active.Title)
			}
		}
		if err != nil {
			fatalf("Error starting session: %v", err)
		}

		if jsonOutput {
			printJSON(s)
			return
		}
		fmt.Printf("%s Started session %s\n", ui.RenderPass("✓"), ui.RenderBold(s.Title))
		fmt.Printf("   ID: %s\n", s.ID)
	},
}

var sessionStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the active session",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		store := openStore()
		defer store.Close()
		pub, closePub := cliPublisher()
		defer closePub()

		s, err := newManager(store, pub).Stop(ctx)
		if errors.Is(err, session.ErrNoActiveSession) {
			fmt.Printf("%s No active session\n", ui.RenderWarn("⚠"))
			return
		}
		if err != nil {
			fatalf("Error stopping session: %v", err)
		}

		if jsonOutput {
			printJSON(s)
			return
		}
		fmt.Printf("%s Stopped session %s after %v\n", ui.RenderPass("✓"), ui.RenderBold(s.Title),
			s.EndedAt.Sub(s.StartedAt).Round(time.Minute))
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, newest first",
	Run: func(cmd *cobra.Command, args []string) {
		activeOnly, _ := cmd.Flags().GetBool("active")
		limit, _ := cmd.Flags().GetInt("limit")

		store := openStore()
		defer store.Close()

		sessions, err := store.ListSessions(context.Background(), db.SessionFilter{ActiveOnly: activeOnly, Limit: limit})
		if err != nil {
			fatalf("Error listing sessions: %v", err)
		}
		if jsonOutput {
			printJSON(sessions)
			return
		}
		if len(sessions) == 0 {
			fmt.Println("No sessions")
			return
		}

		rows := make([][]string, 0, len(sessions))
		for _, s := range sessions {
			status := ui.RenderPass("active")
			if !s.Active() {
				status = ui.RenderMuted("ended")
			}
			synced := "✓"
			if !s.IsSynced {
				synced = ui.RenderWarn("pending")
			}
			rows = append(rows, []string{s.ID, s.StartedAt.Local().Format("2006-01-02 15:04"), s.Title, status, synced})
		}
		fmt.Print(ui.Table([]string{"ID", "STARTED", "TITLE", "STATUS", "SYNC"}, rows))
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show a session with its catches and track",
	Long: `Show a session with its catches, photos and track point count.

Without an id, the active session is shown.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		store := openStore()
		defer store.Close()

		s, err := lookupSession(ctx, store, args)
		if err != nil {
			fatalf("Error: %v", err)
		}
		points, err := store.ListTrackPoints(ctx, s.ID)
		if err != nil {
			fatalf("Error loading track: %v", err)
		}
		catches, err := store.ListCatches(ctx, s.ID)
		if err != nil {
			fatalf("Error loading catches: %v", err)
		}
		photoList, err := store.ListPhotos(ctx, s.ID)
		if err != nil {
			fatalf("Error loading photos: %v", err)
		}

		if jsonOutput {
			printJSON(map[string]any{
				"session":      s,
				"track_points": points,
				"catches":      catches,
				"photos":       photoList,
			})
			return
		}

		fmt.Printf("\n%s %s\n", ui.RenderAccent("🎣"), ui.RenderBold(s.Title))
		fmt.Printf("   ID: %s\n", s.ID)
		fmt.Printf("   Started: %s\n", s.StartedAt.Local().Format(time.RFC1123))
		if s.EndedAt != nil {
			fmt.Printf("   Ended: %s (%v)\n", s.EndedAt.Local().Format(time.RFC1123), s.EndedAt.Sub(s.StartedAt).Round(time.Minute))
		} else {
			fmt.Printf("   Status: %s\n", ui.RenderPass("active"))
		}
		if s.Notes != "" {
			fmt.Printf("   Notes: %s\n", s.Notes)
		}
		fmt.Printf("   Track points: %d\n", len(points))
		fmt.Printf("   Photos: %d\n", len(photoList))
		fmt.Printf("   Catches: %d\n\n", len(catches))
		if len(catches) > 0 {
			fmt.Print(catchTable(catches))
		}
	},
}

var sessionNotesCmd = &cobra.Command{
	Use:   "notes <id> <notes>",
	Short: "Replace the notes of a session",
	Args:  cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		store := openStore()
		defer store.Close()

		s, err := newManager(store, nil).EditNotes(context.Background(), args[0], strings.Join(args[1:], " "))
		if err != nil {
			fatalf("Error updating notes: %v", err)
		}
		if jsonOutput {
			printJSON(s)
			return
		}
		fmt.Printf("%s Updated notes for %s\n", ui.RenderPass("✓"), s.Title)
	},
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a session",
	Long: `Delete a session. The row is kept as a tombstone so the deletion syncs to
the server.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runDelete(schema.KindSession, args[0])
	},
}

// lookupSession returns the session named by args[0], or the active one.
func lookupSession(ctx context.Context, store *db.DB, args []string) (*schema.Session, error) {
	if len(args) > 0 {
		s, err := store.GetSession(ctx, args[0])
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("session %s not found", args[0])
		}
		return s, err
	}
	s, err := store.ActiveSession(ctx)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("no active session; pass a session id")
	}
	return s, err
}

func runDelete(kind schema.Kind, id string) {
	store := openStore()
	defer store.Close()

	err := newManager(store, nil).Delete(context.Background(), kind, id)
	if errors.Is(err, db.ErrNotFound) {
		fatalf("Error: %s %s not found", kind, id)
	}
	if err != nil {
		fatalf("Error deleting %s: %v", kind, err)
	}
	fmt.Printf("%s Deleted %s %s\n", ui.RenderPass("✓"), kind, id)
}

func init() {
	sessionListCmd.Flags().Bool("active", false, "Only show the active session")
	sessionListCmd.Flags().IntP("limit", "n", 20, "Maximum sessions to show (0 = all)")

	sessionCmd.AddCommand(sessionStartCmd, sessionStopCmd, sessionListCmd, sessionShowCmd, sessionNotesCmd, sessionDeleteCmd)
	rootCmd.AddCommand(sessionCmd)
}
