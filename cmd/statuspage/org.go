package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(orgCmd)
	orgCmd.AddCommand(orgListCmd)
	orgCmd.AddCommand(orgSelectCmd)
}

var orgCmd = &cobra.Command{
	Use:   "org",
	Short: "List and select organizations",
}

var orgListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the organizations of the logged-in user",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		orgs, err := client.Organizations(ctx)
		if err != nil {
			return fmt.Errorf("failed to list organizations: %w", err)
		}
		current, _ := client.CurrentOrganization()

		if len(orgs) == 0 {
			fmt.Println("No organizations.")
			return nil
		}
		fmt.Printf("  %-36s  %-20s  %-20s  %s\n", "ID", "NAME", "SLUG", "ROLE")
		for _, org := range orgs {
			marker := " "
			if org.ID == current {
				marker = "*"
			}
			fmt.Printf("%s %-36s  %-20s  %-20s  %s\n", marker, org.ID, org.Name, org.Slug, org.Role)
		}
		return nil
	},
}

var orgSelectCmd = &cobra.Command{
	Use:   "select <organization-id>",
	Short: "Select the organization used by watch --org",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		orgs, err := client.Organizations(ctx)
		if err != nil {
			return fmt.Errorf("failed to list organizations: %w", err)
		}
		for _, org := range orgs {
			if org.ID == args[0] || org.Slug == args[0] {
				if err := client.SelectOrganization(org.ID); err != nil {
					return err
				}
				fmt.Printf("Selected %s (%s)\n", org.Name, org.ID)
				return nil
			}
		}
		return fmt.Errorf("not a member of organization %q", args[0])
	},
}
