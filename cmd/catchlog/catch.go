package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"github.com/steveyegge/catchlog/internal/schema"
	"github.com/steveyegge/catchlog/internal/session"
	"github.com/steveyegge/catchlog/internal/ui"
)

var catchCmd = &cobra.Command{
	Use:     "catch",
	GroupID: "log",
	Short:   "Log and list catches",
}

var catchAddCmd = &cobra.Command{
	Use:   "add [species]",
	Short: "Log a catch in the active session",
	Long: `Log a catch. It is stored locally right away and synced later, so this
works without a connection.

The position is taken from the configured location source unless
--no-location is given; a failed fix does not prevent the catch from being
saved.

Examples:
  catchlog catch add walleye --length 48 --weight 1.4
  catchlog catch add perch --at "20 minutes ago"
  catchlog catch add -i`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		interactive, _ := cmd.Flags().GetBool("interactive")
		sessionID, _ := cmd.Flags().GetString("session")
		noLocation, _ := cmd.Flags().GetBool("no-location")

		in := catchForm{}
		if len(args) > 0 {
			in.species = args[0]
		}
		in.length, _ = cmd.Flags().GetString("length")
		in.weight, _ = cmd.Flags().GetString("weight")
		in.notes, _ = cmd.Flags().GetString("notes")
		in.at, _ = cmd.Flags().GetString("at")

		if interactive {
			if !ui.IsTerminal() {
				fatalf("Error: --interactive requires a terminal")
			}
			if err := in.run(); err != nil {
				if errors.Is(err, huh.ErrUserAborted) {
					fmt.Println("Cancelled")
					return
				}
				fatalf("Error: %v", err)
			}
		}

		input, err := in.input(time.Now())
		if err != nil {
			fatalf("Error: %v", err)
		}
		input.SessionID = sessionID
		input.WithLocation = !noLocation

		ctx := context.Background()
		store := openStore()
		defer store.Close()
		pub, closePub := cliPublisher()
		defer closePub()

		c, err := newManager(store, pub).AddCatch(ctx, input)
		if errors.Is(err, session.ErrNoActiveSession) {
			fatalf("Error: no active session; run 'catchlog session start' or pass --session")
		}
		if err != nil {
			fatalf("Error logging catch: %v", err)
		}

		if jsonOutput {
			printJSON(c)
			return
		}
		fmt.Printf("%s Logged %s\n", ui.RenderPass("✓"), describeCatch(c))
		if c.Lat == nil && !noLocation {
			fmt.Printf("   %s\n", ui.RenderMuted("no position available"))
		}
	},
}

var catchListCmd = &cobra.Command{
	Use:   "list [session-id]",
	Short: "List catches of a session (default: the active one)",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		store := openStore()
		defer store.Close()

		s, err := lookupSession(ctx, store, args)
		if err != nil {
			fatalf("Error: %v", err)
		}
		catches, err := store.ListCatches(ctx, s.ID)
		if err != nil {
			fatalf("Error listing catches: %v", err)
		}
		if jsonOutput {
			printJSON(catches)
			return
		}
		if len(catches) == 0 {
			fmt.Printf("No catches in %s\n", s.Title)
			return
		}
		fmt.Print(catchTable(catches))
	},
}

var catchDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a catch",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runDelete(schema.KindCatch, args[0])
	},
}

// catchForm holds the raw text of a catch, from flags or the huh form.
type catchForm struct {
	species string
	length  string
	weight  string
	notes   string
	at      string
}

func (f *catchForm) run() error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Species").
				Value(&f.species).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("species is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("Length (cm)").
				Placeholder("optional").
				Value(&f.length).
				Validate(func(s string) error {
					_, err := parseOptionalFloat("length", s)
					return err
				}),
			huh.NewInput().
				Title("Weight (kg)").
				Placeholder("optional").
				Value(&f.weight).
				Validate(func(s string) error {
					_, err := parseOptionalFloat("weight", s)
					return err
				}),
			huh.NewInput().
				Title("When").
				Placeholder("now, 20 minutes ago, 2024-06-01 06:30").
				Value(&f.at).
				Validate(func(s string) error {
					_, err := parseWhen(s, time.Now())
					return err
				}),
			huh.NewText().
				Title("Notes").
				Value(&f.notes),
		),
	)
	return form.Run()
}

func (f *catchForm) input(now time.Time) (session.CatchInput, error) {
	var in session.CatchInput
	if strings.TrimSpace(f.species) == "" {
		return in, errors.New("species is required (pass it as an argument or use -i)")
	}
	length, err := parseOptionalFloat("length", f.length)
	if err != nil {
		return in, err
	}
	weight, err := parseOptionalFloat("weight", f.weight)
	if err != nil {
		return in, err
	}
	at, err := parseWhen(f.at, now)
	if err != nil {
		return in, err
	}
	return session.CatchInput{
		Species: f.species,
		Length:  length,
		Weight:  weight,
		Notes:   strings.TrimSpace(f.notes),
		At:      at,
	}, nil
}

func describeCatch(c *schema.Catch) string {
	var parts []string
	parts = append(parts, ui.RenderBold(c.Species))
	if c.Length != nil {
		parts = append(parts, fmt.Sprintf("%.1f cm", *c.Length))
	}
	if c.Weight != nil {
		parts = append(parts, fmt.Sprintf("%.2f kg", *c.Weight))
	}
	return strings.Join(parts, ", ")
}

func catchTable(catches []*schema.Catch) string {
	rows := make([][]string, 0, len(catches))
	for _, c := range catches {
		length, weight, pos := "-", "-", "-"
		if c.Length != nil {
			length = fmt.Sprintf("%.1f", *c.Length)
		}
		if c.Weight != nil {
			weight = fmt.Sprintf("%.2f", *c.Weight)
		}
		if c.Lat != nil && c.Lon != nil {
			pos = fmt.Sprintf("%.5f,%.5f", *c.Lat, *c.Lon)
		}
		rows = append(rows, []string{c.ID, c.TS.Local().Format("15:04"), c.Species, length, weight, pos})
	}
	return ui.Table([]string{"ID", "TIME", "SPECIES", "CM", "KG", "POSITION"}, rows)
}

func init() {
	catchAddCmd.Flags().BoolP("interactive", "i", false, "Fill in the catch with a form")
	catchAddCmd.Flags().String("length", "", "Length in cm")
	catchAddCmd.Flags().String("weight", "", "Weight in kg")
	catchAddCmd.Flags().String("notes", "", "Free-form notes")
	catchAddCmd.Flags().String("at", "", `When it was caught, e.g. "20 minutes ago" (default: now)`)
	catchAddCmd.Flags().String("session", "", "Session id (default: the active session)")
	catchAddCmd.Flags().Bool("no-location", false, "Do not record a position")

	catchCmd.AddCommand(catchAddCmd, catchListCmd, catchDeleteCmd)
	rootCmd.AddCommand(catchCmd)
}
