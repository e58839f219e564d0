package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/steveyegge/catchlog/internal/config"
	"github.com/steveyegge/catchlog/internal/ui"
)

var (
	configFile string
	jsonOutput bool
	noColor    bool

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "catchlog",
	Short: "Offline-first fishing log with background sync",
	Long: `catchlog records fishing sessions, GPS track points, catches and photos in a
local SQLite database and syncs them to a server whenever a connection is
available.

Every write is stored locally first and queued for upload, so logging works
with no signal on the water. Run 'catchlog daemon' to sample the location of
the active session and sync in the background.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor {
			ui.ForceNoColor()
		}
		loaded, err := config.Load(config.Options{ConfigFile: configFile})
		if err != nil {
			fatalf("Error loading config: %v", err)
		}
		cfg = loaded
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "log", Title: "Logging:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default: catchlog.toml in the data dir or working dir)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output JSON")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
