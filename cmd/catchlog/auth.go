package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"github.com/steveyegge/catchlog/internal/auth"
	"github.com/steveyegge/catchlog/internal/remote"
	"github.com/steveyegge/catchlog/internal/ui"
)

var loginCmd = &cobra.Command{
	Use:     "login",
	GroupID: "setup",
	Short:   "Log in to the sync server",
	Long: `Exchange an email and password for an access token. The tokens are stored
in credentials.json in the data directory (mode 0600). A running daemon picks
up the new credentials immediately.

The password is read from CATCHLOG_PASSWORD when set, otherwise prompted.`,
	Run: func(cmd *cobra.Command, args []string) {
		email, _ := cmd.Flags().GetString("email")
		password := os.Getenv("CATCHLOG_PASSWORD")

		if email == "" || password == "" {
			if !ui.IsTerminal() {
				fatalf("Error: --email and CATCHLOG_PASSWORD are required without a terminal")
			}
			form := huh.NewForm(huh.NewGroup(
				huh.NewInput().Title("Email").Value(&email).Validate(func(s string) error {
					if !strings.Contains(s, "@") {
						return errors.New("enter an email address")
					}
					return nil
				}),
				huh.NewInput().Title("Password").EchoMode(huh.EchoModePassword).Value(&password),
			))
			if err := form.Run(); err != nil {
				if errors.Is(err, huh.ErrUserAborted) {
					fmt.Println("Cancelled")
					return
				}
				fatalf("Error: %v", err)
			}
		}

		ctx := context.Background()
		client := newClient()
		tokens, err := client.Login(ctx, strings.TrimSpace(email), password)
		var apiErr *remote.APIError
		if errors.As(err, &apiErr) && apiErr.Unauthorized() {
			fatalf("Error: invalid email or password")
		}
		if err != nil {
			fatalf("Error logging in: %v", err)
		}

		fp, err := auth.NewFileProvider(cfg.CredentialsPath(), client, log.New(os.Stderr, "[auth] ", log.LstdFlags))
		if err != nil {
			fatalf("Error: %v", err)
		}
		if err := fp.Save(auth.Credentials{
			AccessToken:  tokens.AccessToken,
			RefreshToken: tokens.RefreshToken,
			Email:        strings.TrimSpace(email),
		}); err != nil {
			fatalf("Error saving credentials: %v", err)
		}
		fmt.Printf("%s Logged in as %s\n", ui.RenderPass("✓"), email)
	},
}

var logoutCmd = &cobra.Command{
	Use:     "logout",
	GroupID: "setup",
	Short:   "Forget the stored credentials",
	Long: `Remove the stored tokens. Queued changes stay in the local database and are
uploaded after the next login.`,
	Run: func(cmd *cobra.Command, args []string) {
		fp, err := auth.NewFileProvider(cfg.CredentialsPath(), nil, log.New(os.Stderr, "[auth] ", log.LstdFlags))
		if err != nil {
			fatalf("Error: %v", err)
		}
		if err := fp.Clear(); err != nil {
			fatalf("Error: %v", err)
		}
		fmt.Printf("%s Logged out\n", ui.RenderPass("✓"))
	},
}

var healthCmd = &cobra.Command{
	Use:     "health",
	GroupID: "maint",
	Short:   "Check that the sync server is reachable",
	Run: func(cmd *cobra.Command, args []string) {
		if err := newClient().Health(context.Background()); err != nil {
			fatalf("%s %s: %v", ui.RenderFail("✗"), cfg.Server.URL, err)
		}
		fmt.Printf("%s %s is healthy\n", ui.RenderPass("✓"), cfg.Server.URL)
	},
}

func init() {
	loginCmd.Flags().String("email", "", "Account email")
	rootCmd.AddCommand(loginCmd, logoutCmd, healthCmd)
}
