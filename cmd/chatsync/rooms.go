package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	roomsJSON bool

	historyPage int
	historySize int
	historyJSON bool
)

func init() {
	roomsCmd.Flags().BoolVar(&roomsJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(roomsCmd)

	historyCmd.Flags().IntVar(&historyPage, "page", 0, "Page to fetch, 0 is the newest")
	historyCmd.Flags().IntVar(&historySize, "size", 50, "Page size")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(historyCmd)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ============================================================================
// rooms
// ============================================================================

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List your chat rooms",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg, err := getClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		rooms, err := client.ListRooms(ctx, cfg.Auth.CompanyID, cfg.Auth.UserID)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if roomsJSON {
			return printJSON(rooms)
		}

		if len(rooms) == 0 {
			fmt.Println("No rooms.")
			return nil
		}
		total := 0
		for _, r := range rooms {
			total += r.UnreadCount
			preview := ""
			if r.LastMessage != nil {
				preview = r.LastMessage.Content
				if r.LastMessage.SenderName != "" {
					preview = r.LastMessage.SenderName + ": " + preview
				}
			}
			unread := ""
			if r.UnreadCount > 0 {
				unread = fmt.Sprintf("(%d)", r.UnreadCount)
			}
			fmt.Printf("%-6d %-24s %-6s %s\n", r.ID, r.Name, unread, preview)
		}
		fmt.Printf("\nUnread: %d\n", total)
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <roomId>",
	Short: "Show one page of a room's history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID, err := parseRoomID(args[0])
		if err != nil {
			return err
		}
		client, _, err := getClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		msgs, err := client.FetchMessages(ctx, roomID, historyPage, historySize)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		// The server returns newest first.
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
		if historyJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range msgs {
			fmt.Println(formatMessage(m))
		}
		return nil
	},
}
