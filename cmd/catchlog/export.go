package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/steveyegge/catchlog/internal/export"
	"github.com/steveyegge/catchlog/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export",
	GroupID: "maint",
	Short:   "Export every entity to JSONL",
	Long: `Write every session, track point, catch and photo record (deleted ones
included) as one JSON object per line.

Examples:
  catchlog export                      # writes to stdout
  catchlog export -o backup.jsonl`,
	Run: func(cmd *cobra.Command, args []string) {
		output, _ := cmd.Flags().GetString("output")

		ctx := context.Background()
		store := openStore()
		defer store.Close()

		if output == "" || output == "-" {
			if _, err := export.Export(ctx, store, os.Stdout); err != nil {
				fatalf("Error exporting: %v", err)
			}
			return
		}

		result, err := export.ExportFile(ctx, store, output)
		if err != nil {
			fatalf("Error exporting: %v", err)
		}
		if jsonOutput {
			printJSON(result)
			return
		}
		fmt.Printf("%s Exported %d records to %s\n", ui.RenderPass("✓"), result.Total(), output)
		printCounts(result.Counts)
		if result.Tombstones > 0 {
			fmt.Printf("   Deleted: %d\n", result.Tombstones)
		}
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "maint",
	Short:   "Import entities from a JSONL export",
	Long: `Read a file written by 'catchlog export' and store every record. Imported
rows are queued for upload like local edits. Track points and catches that
already exist are skipped; they cannot change once recorded.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		backup, _ := cmd.Flags().GetBool("backup")

		path, err := filepath.Abs(args[0])
		if err != nil {
			fatalf("Error: %v", err)
		}

		store := openStore()
		defer store.Close()

		result, err := export.Import(context.Background(), store, path, export.ImportOptions{DryRun: dryRun, Backup: backup})
		if err != nil {
			fatalf("Error importing: %v", err)
		}
		if jsonOutput {
			printJSON(result)
			return
		}

		verb := "Imported"
		if dryRun {
			verb = "Would import"
		}
		fmt.Printf("%s %s %d records\n", ui.RenderPass("✓"), verb, result.Imported.Total())
		printCounts(result.Imported)
		if result.Skipped > 0 {
			fmt.Printf("   Skipped (already present): %d\n", result.Skipped)
		}
		if result.Invalid > 0 {
			fmt.Printf("   %s Invalid: %d\n", ui.RenderWarn("⚠"), result.Invalid)
		}
		if result.BackupCreated != "" {
			fmt.Printf("   Backup: %s\n", result.BackupCreated)
		}
		for _, msg := range result.Errors {
			fmt.Fprintf(os.Stderr, "   %s %s\n", ui.RenderFail("✗"), msg)
		}
		if len(result.Errors) > 0 {
			os.Exit(1)
		}
	},
}

func printCounts(c export.Counts) {
	fmt.Printf("   Sessions: %d\n", c.Sessions)
	fmt.Printf("   Track points: %d\n", c.TrackPoints)
	fmt.Printf("   Catches: %d\n", c.Catches)
	fmt.Printf("   Photos: %d\n", c.Photos)
}

func init() {
	exportCmd.Flags().StringP("output", "o", "", "Output file (default: stdout)")
	importCmd.Flags().Bool("dry-run", false, "Validate without writing")
	importCmd.Flags().Bool("backup", false, "Export the current database next to the input first")
	rootCmd.AddCommand(exportCmd, importCmd)
}
