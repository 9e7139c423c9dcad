package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/teamroster/chatsync"
)

var (
	sendWait time.Duration
	sendJSON bool
)

func init() {
	sendCmd.Flags().DurationVar(&sendWait, "wait", 3*time.Second, "How long to wait for the gateway before falling back to REST")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(sendCmd)
}

// newEngine builds an engine from the effective configuration.
func newEngine() (*chatsync.Engine, *Config, error) {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	sess, err := sessionFrom(cfg)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Default.BaseURL == "" {
		return nil, nil, fmt.Errorf("no base URL. Run 'chatsync config set default.base_url <url>' first")
	}
	eng, err := chatsync.New(engineConfig(cfg), sess, chatsync.WithLogger(newLogger(cfg)))
	if err != nil {
		return nil, nil, err
	}
	return eng, cfg, nil
}

// waitConnected blocks until the engine's gateway is up or d elapses.
func waitConnected(ctx context.Context, eng *chatsync.Engine, states <-chan chatsync.ConnState, d time.Duration) bool {
	if eng.Connected() {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case s := <-states:
			if s == chatsync.StateConnected {
				return true
			}
		case <-timer.C:
			return eng.Connected()
		case <-ctx.Done():
			return false
		}
	}
}

var sendCmd = &cobra.Command{
	Use:   "send <roomId> <text...>",
	Short: "Send a message to a room",
	Long:  "Send a message over the push channel if it connects within --wait, otherwise over REST.\nThe room is not opened, so no history is loaded, no read receipt is sent and its unread count is left as it was.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID, err := parseRoomID(args[0])
		if err != nil {
			return err
		}
		text := strings.Join(args[1:], " ")

		eng, cfg, err := newEngine()
		if err != nil {
			return err
		}

		states := make(chan chatsync.ConnState, 8)
		eng.On(chatsync.EventConnectionChanged, func(_ string, payload any) {
			select {
			case states <- payload.(chatsync.ConnState):
			default:
			}
		})

		ctx, cancel := context.WithTimeout(context.Background(), sendWait+30*time.Second)
		defer cancel()

		eng.Start(ctx)
		defer eng.Stop()

		if cfg.Default.GatewayURL != "" {
			waitConnected(ctx, eng, states, sendWait)
		}
		res, err := eng.SendTo(ctx, roomID, text)
		if err != nil {
			return err
		}
		if sendJSON {
			return printJSON(res)
		}
		switch res.Path {
		case chatsync.PathPush:
			fmt.Printf("Sent to room %d over the gateway.\n", roomID)
		default:
			fmt.Printf("Sent to room %d over REST (message #%d).\n", roomID, res.Message.ID)
		}
		return nil
	},
}
