package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var incidentJSON bool

func init() {
	incidentCmd.Flags().BoolVar(&incidentJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(incidentCmd)
}

var incidentCmd = &cobra.Command{
	Use:   "incident <slug> <incident-id>",
	Short: "Show an incident with its full update log",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		detail, err := client.PublicIncident(ctx, args[0], args[1])
		if err != nil {
			return fmt.Errorf("failed to fetch incident: %w", err)
		}

		if incidentJSON {
			b, _ := json.MarshalIndent(detail, "", "  ")
			fmt.Println(string(b))
			return nil
		}

		fmt.Printf("%s\n", detail.Title)
		fmt.Printf("  Status:  %s\n", detail.Status)
		if detail.Impact != "" {
			fmt.Printf("  Impact:  %s\n", detail.Impact)
		}
		fmt.Printf("  Opened:  %s\n", detail.CreatedAt)
		if detail.ResolvedAt != "" {
			fmt.Printf("  Closed:  %s\n", detail.ResolvedAt)
		}
		if detail.ScheduledStart != "" {
			fmt.Printf("  Window:  %s to %s\n", detail.ScheduledStart, detail.ScheduledEnd)
		}
		if len(detail.AffectedServices) > 0 {
			fmt.Println("  Affected:")
			for _, svc := range detail.AffectedServices {
				fmt.Printf("    %-28s %s\n", svc.Name, svc.Status)
			}
		}
		if detail.Description != "" {
			fmt.Printf("\n%s\n", detail.Description)
		}
		fmt.Println()
		for _, u := range detail.Updates {
			fmt.Printf("  [%s] %s: %s\n", u.CreatedAt, u.Status, u.Message)
		}
		return nil
	},
}
