package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(subscribeCmd)
}

var subscribeCmd = &cobra.Command{
	Use:   "subscribe <slug> <email>",
	Short: "Subscribe an email address to a status page",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		msg, err := client.Subscribe(ctx, args[0], args[1])
		if err != nil {
			return fmt.Errorf("subscription failed: %w", err)
		}
		fmt.Println(msg)
		return nil
	},
}
