package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	statuspage "github.com/c0der-nb/status-page"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and session status",
	Long:  "Display the current configuration, check whether the stored access token is expired, and fetch live account info.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, statuspage.DefaultBaseURL+" (default)"))
		fmt.Printf("  Timeout:     %s\n", valueOrDefault(cfg.Default.Timeout, statuspage.DefaultTimeout.String()+" (default)"))

		client := getClient()
		sess, err := client.Sessions().Load()
		if err != nil {
			return fmt.Errorf("failed to load session: %w", err)
		}

		fmt.Println()
		fmt.Println("Session:")
		if sess.AccessToken == "" {
			fmt.Println("  (not logged in)")
			return nil
		}
		fmt.Printf("  Access token:  %s\n", maskToken(sess.AccessToken))
		fmt.Printf("  Organization:  %s\n", valueOrDefault(sess.OrganizationID, "(none selected)"))

		tokenStatus := "present (unparseable)"
		if claims, err := statuspage.TokenClaims(sess.AccessToken); err == nil {
			switch {
			case claims.ExpiresAt.IsZero():
				tokenStatus = "present (no expiry set)"
			case claims.Expired(time.Now()):
				tokenStatus = fmt.Sprintf("EXPIRED (expired %s, renewed on next call)", claims.ExpiresAt.Format(time.RFC3339))
			default:
				tokenStatus = fmt.Sprintf("valid (expires %s)", claims.ExpiresAt.Format(time.RFC3339))
			}
		}
		fmt.Printf("  Token:         %s\n", tokenStatus)

		fmt.Println()
		fmt.Println("Live status:")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		me, err := client.Me(ctx)
		if err != nil {
			if errors.Is(err, statuspage.ErrSessionExpired) {
				fmt.Println("  Session expired; log in again.")
				return nil
			}
			fmt.Printf("  Error fetching account info: %v\n", err)
			return nil
		}
		fmt.Printf("  Username:      %s\n", me.User.Username)
		fmt.Printf("  Email:         %s\n", me.User.Email)
		fmt.Printf("  Organizations: %d\n", len(me.Organizations))
		return nil
	},
}
