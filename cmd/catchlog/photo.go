package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/steveyegge/catchlog/internal/photos"
	"github.com/steveyegge/catchlog/internal/session"
	"github.com/steveyegge/catchlog/internal/ui"
)

var photoCmd = &cobra.Command{
	Use:     "photo",
	GroupID: "log",
	Short:   "Attach and upload photos",
}

var photoAddCmd = &cobra.Command{
	Use:   "add <file>",
	Short: "Attach a photo to the active session",
	Long: `Record a photo taken during a session. Only the metadata is stored and
synced; the image stays on disk until 'catchlog photo upload' (or the
daemon) sends it to photo storage.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sessionID, _ := cmd.Flags().GetString("session")
		atText, _ := cmd.Flags().GetString("at")
		noLocation, _ := cmd.Flags().GetBool("no-location")

		path, err := filepath.Abs(args[0])
		if err != nil {
			fatalf("Error: %v", err)
		}
		info, err := os.Stat(path)
		if err != nil {
			fatalf("Error: %v", err)
		}
		if info.IsDir() {
			fatalf("Error: %s is a directory", path)
		}

		// Default to the file's modification time, which is when the
		// camera wrote it.
		at := info.ModTime()
		if atText != "" {
			if at, err = parseWhen(atText, time.Now()); err != nil {
				fatalf("Error: %v", err)
			}
		}

		ctx := context.Background()
		store := openStore()
		defer store.Close()

		p, err := newManager(store, nil).AddPhoto(ctx, session.PhotoInput{
			SessionID:    sessionID,
			LocalURI:     "file://" + path,
			Size:         info.Size(),
			At:           at,
			WithLocation: !noLocation,
		})
		if errors.Is(err, session.ErrNoActiveSession) {
			fatalf("Error: no active session; run 'catchlog session start' or pass --session")
		}
		if err != nil {
			fatalf("Error adding photo: %v", err)
		}

		if jsonOutput {
			printJSON(p)
			return
		}
		fmt.Printf("%s Added photo %s (%d bytes)\n", ui.RenderPass("✓"), filepath.Base(path), p.Size)
		fmt.Printf("   ID: %s\n", p.ID)
	},
}

var photoUploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Upload photo files that have not been uploaded yet",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		store := openStore()
		defer store.Close()

		logger := log.New(os.Stderr, "[photos] ", log.LstdFlags)
		client := newClient()
		creds, _ := credentials(client, log.New(os.Stderr, "[auth] ", log.LstdFlags))
		svc, err := newPhotoService(ctx, store, client, creds, logger)
		if err != nil {
			fatalf("Error: %v", err)
		}

		result, err := svc.UploadPending(ctx)
		if errors.Is(err, photos.ErrNoCredential) {
			fatalf("Error: not logged in; run 'catchlog login'")
		}
		if err != nil {
			fatalf("Error uploading photos: %v", err)
		}

		if jsonOutput {
			printJSON(result)
			return
		}
		fmt.Printf("%s Uploaded %d photo(s)\n", ui.RenderPass("✓"), result.Uploaded)
		if result.Failed > 0 {
			fmt.Printf("   %s %d failed, will retry\n", ui.RenderWarn("⚠"), result.Failed)
		}
		if result.Missing > 0 {
			fmt.Printf("   %s %d missing on disk\n", ui.RenderWarn("⚠"), result.Missing)
		}
		if result.Uploaded > 0 {
			fmt.Println("   Run 'catchlog sync now' to send the new photo keys")
		}
	},
}

func init() {
	photoAddCmd.Flags().String("session", "", "Session id (default: the active session)")
	photoAddCmd.Flags().String("at", "", "When the photo was taken (default: file modification time)")
	photoAddCmd.Flags().Bool("no-location", false, "Do not record a position")

	photoCmd.AddCommand(photoAddCmd, photoUploadCmd)
	rootCmd.AddCommand(photoCmd)
}
