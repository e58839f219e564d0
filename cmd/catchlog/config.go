package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/steveyegge/catchlog/internal/config"
	"github.com/steveyegge/catchlog/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "setup",
	Short:   "Inspect and create the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a catchlog.toml with the current settings",
	Long: `Write the effective configuration (defaults plus any environment overrides)
to catchlog.toml in the data directory, or to --output.`,
	Run: func(cmd *cobra.Command, args []string) {
		output, _ := cmd.Flags().GetString("output")
		force, _ := cmd.Flags().GetBool("force")
		if output == "" {
			output = filepath.Join(cfg.DataDir, config.FileName)
		}

		err := config.WriteDefault(output, cfg, force)
		if errors.Is(err, config.ErrExists) {
			fatalf("Error: %s already exists (use --force to overwrite)", output)
		}
		if err != nil {
			fatalf("Error: %v", err)
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), output)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Run: func(cmd *cobra.Command, args []string) {
		if jsonOutput {
			printJSON(cfg)
			return
		}
		source := cfg.File
		if source == "" {
			source = ui.RenderMuted("(defaults and environment)")
		}
		fmt.Printf("Config file: %s\n", source)
		fmt.Printf("Data dir: %s\n", cfg.DataDir)
		fmt.Printf("Server: %s (timeout %v)\n", cfg.Server.URL, cfg.Server.Timeout)
		fmt.Printf("Sync: every %v, %d entries per batch\n", cfg.Sync.Interval, cfg.Sync.BatchLimit)
		fmt.Printf("Tracking: every %v (tolerance %v, fix timeout %v)\n", cfg.Tracking.Interval, cfg.Tracking.Tolerance, cfg.Tracking.FixTimeout)
		switch cfg.Location.Source {
		case config.SourceFile:
			fmt.Printf("Location: file %s (max age %v)\n", cfg.Location.File, cfg.Location.MaxAge)
		default:
			fmt.Printf("Location: fixed %.5f,%.5f\n", cfg.Location.Lat, cfg.Location.Lon)
		}
		fmt.Printf("Photos: %s\n", cfg.Photos.Backend)
		if cfg.Dashboard.Port > 0 {
			fmt.Printf("Dashboard port: %d\n", cfg.Dashboard.Port)
		}
		if cfg.NATS.URL != "" {
			fmt.Printf("NATS: %s (%s.*)\n", cfg.NATS.URL, cfg.NATS.Subject)
		}
	},
}

func init() {
	configInitCmd.Flags().StringP("output", "o", "", "Path to write (default: <data-dir>/catchlog.toml)")
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")

	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
