package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	icechat "github.com/abukar-mutaliev/iceberg-chat-go"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// send
	sendWait time.Duration

	// history
	historyLimit int
	historyPages int

	// watch
	watchRealtime bool
)

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <room-id> <message>",
	Short: "Send a message to a room",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID, content := args[0], args[1]

		engine, err := getEngine()
		if err != nil {
			return err
		}
		defer engine.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), sendWait)
		defer cancel()

		// The pipeline delivers in the background; watch the delivery
		// events so the command can report the final status.
		done := make(chan icechat.Message, 1)
		watch := func(event icechat.Event, payload any) {
			msg, ok := payload.(icechat.Message)
			if ok {
				select {
				case done <- msg:
				default:
				}
			}
		}
		engine.On(icechat.EventMessageSent, watch)
		engine.On(icechat.EventMessageFailed, watch)

		queued := engine.Send(ctx, roomID, content)
		fmt.Printf("Queued %s\n", queued.TemporaryID)

		select {
		case msg := <-done:
			if msg.Status == icechat.StatusSent {
				fmt.Printf("Delivered as %s\n", msg.ID)
				return nil
			}
			if msg.IsRetryable {
				return fmt.Errorf("delivery failed (retryable): %s", msg.Error)
			}
			return fmt.Errorf("delivery failed: %s", msg.Error)
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for delivery")
		}
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <room-id>",
	Short: "Show message history for a room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID := args[0]

		engine, err := getEngine()
		if err != nil {
			return err
		}
		defer engine.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := engine.OpenRoom(ctx, roomID); err != nil {
			return fmt.Errorf("failed to load room: %w", err)
		}
		for i := 1; i < historyPages && engine.HasMore(roomID); i++ {
			if err := engine.LoadOlder(ctx, roomID); err != nil {
				return fmt.Errorf("failed to load older messages: %w", err)
			}
		}

		messages := engine.Messages(roomID)
		if historyLimit > 0 && len(messages) > historyLimit {
			messages = messages[len(messages)-historyLimit:]
		}
		if len(messages) == 0 {
			fmt.Println("No messages found.")
			return nil
		}

		for _, msg := range messages {
			printMessage(msg)
		}
		if engine.HasMore(roomID) {
			fmt.Println("(older messages available; use --pages to fetch more)")
		}
		return nil
	},
}

// ============================================================================
// room
// ============================================================================

var roomCmd = &cobra.Command{
	Use:   "room <room-id>",
	Short: "Show room metadata and participants",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		engine, err := getEngine()
		if err != nil {
			return err
		}
		defer engine.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := engine.OpenRoom(ctx, roomID); err != nil {
			return fmt.Errorf("failed to load room: %w", err)
		}

		room, ok := engine.Directory().Room(roomID)
		if !ok {
			return fmt.Errorf("room %s not found", roomID)
		}

		fmt.Printf("Room:          %s\n", room.ID)
		fmt.Printf("Deleted:       %v\n", room.IsDeleted)
		if !room.LastActivity.IsZero() {
			fmt.Printf("Last activity: %s\n", room.LastActivity.Format(time.RFC3339))
		}

		fmt.Printf("Participants:  %d\n", len(room.Participants))
		for _, pid := range room.Participants {
			p, ok := engine.Directory().Participant(pid)
			if !ok {
				fmt.Printf("  %s\n", pid)
				continue
			}
			marker := ""
			if p.UserID == cfg.Auth.UserID {
				marker = " (you)"
			}
			fmt.Printf("  %s: %s%s\n", p.UserID, p.DisplayName, marker)
		}

		if other := engine.ResolveParticipant(roomID, cfg.Auth.UserID); other != nil {
			fmt.Printf("Counterpart:   %s\n", other.DisplayName)
		}
		return nil
	},
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch <room-id>",
	Short: "Watch a room for new messages until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		engine, err := getEngine()
		if err != nil {
			return err
		}
		defer engine.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := engine.OpenRoom(ctx, roomID); err != nil {
			cancel()
			return fmt.Errorf("failed to load room: %w", err)
		}
		cancel()

		// Print the backlog once, then only what arrives after it.
		seen := make(map[string]icechat.Status)
		for _, msg := range engine.Messages(roomID) {
			printMessage(msg)
			seen[msg.Key()] = msg.Status
		}

		unsubscribe := engine.Subscribe(roomID, func(messages []icechat.Message) {
			for _, msg := range messages {
				prev, ok := seen[msg.Key()]
				if ok && prev == msg.Status {
					continue
				}
				seen[msg.Key()] = msg.Status
				printMessage(msg)
			}
		})
		defer unsubscribe()

		if watchRealtime {
			sub := icechat.NewRealtimeSubscriber(engine, icechat.RealtimeConfig{
				URL:           cfg.Default.BaseURL + "/ws/chat",
				Token:         cfg.Auth.Token,
				AutoReconnect: true,
			})
			sub.OnStateChange(func(state icechat.RealtimeState) {
				fmt.Fprintf(os.Stderr, "-- realtime: %s\n", state)
			})
			if err := sub.Connect(context.Background()); err != nil {
				fmt.Fprintf(os.Stderr, "-- realtime unavailable: %v\n", err)
			} else {
				defer sub.Disconnect()
			}
		}

		fmt.Fprintln(os.Stderr, "-- watching (Ctrl-C to stop)")
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		return nil
	},
}

// ============================================================================
// Helpers
// ============================================================================

// printMessage renders one message line, marking non-final statuses.
func printMessage(msg icechat.Message) {
	marker := ""
	switch msg.Status {
	case icechat.StatusPending:
		marker = " [sending]"
	case icechat.StatusRetrying:
		marker = " [retrying]"
	case icechat.StatusFailed:
		marker = " [failed]"
	}
	fmt.Printf("[%s] %s: %s%s\n",
		msg.CreatedAt.Format("2006-01-02 15:04:05"), msg.SenderID, msg.Content, marker)
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	sendCmd.Flags().DurationVar(&sendWait, "wait", 30*time.Second, "How long to wait for delivery")

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "Maximum number of messages to print")
	historyCmd.Flags().IntVar(&historyPages, "pages", 1, "Number of history pages to fetch")

	watchCmd.Flags().BoolVar(&watchRealtime, "realtime", true, "Subscribe over websocket for live updates")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(roomCmd)
	rootCmd.AddCommand(watchCmd)
}
