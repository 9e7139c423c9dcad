package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration and, when a session is configured, fetch the live room directory.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		fmt.Printf("  Gateway URL: %s\n", valueOrDefault(cfg.Default.GatewayURL, "(not set)"))

		fmt.Println()
		fmt.Println("Session:")
		fmt.Printf("  Company:     %s\n", valueOrDefault(cfg.Auth.CompanyID, "(not set)"))
		fmt.Printf("  User:        %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		fmt.Printf("  Name:        %s\n", valueOrDefault(cfg.Auth.UserName, "(not set)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}

		sess, err := sessionFrom(cfg)
		if err != nil || cfg.Default.BaseURL == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		client, _, err := getClient()
		if err != nil {
			fmt.Printf("  Error: %v\n", err)
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		rooms, err := client.ListRooms(ctx, sess.CompanyID, sess.UserID)
		if err != nil {
			fmt.Printf("  Error fetching rooms: %v\n", err)
			return nil
		}
		unread := 0
		for _, r := range rooms {
			unread += r.UnreadCount
		}
		fmt.Printf("  Rooms:       %d\n", len(rooms))
		fmt.Printf("  Unread:      %d\n", unread)
		return nil
	},
}
