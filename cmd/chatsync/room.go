package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	chatsync "github.com/Harsh-Aakoliya/volunteer-chatsync"
)

var (
	roomMessagesVerbose bool
	roomTailVerbose     bool
)

func init() {
	roomMessagesCmd.Flags().BoolVarP(&roomMessagesVerbose, "verbose", "v", false, "Log reconciliation detail")
	roomTailCmd.Flags().BoolVarP(&roomTailVerbose, "verbose", "v", false, "Log socket detail")

	roomCmd.AddCommand(roomMessagesCmd)
	roomCmd.AddCommand(roomMembersCmd)
	roomCmd.AddCommand(roomTailCmd)
	rootCmd.AddCommand(roomCmd)
}

var roomCmd = &cobra.Command{
	Use:   "room",
	Short: "Room commands",
	Long:  "Fetch, reconcile, and tail chat rooms.",
}

// ============================================================================
// room messages
// ============================================================================

var roomMessagesCmd = &cobra.Command{
	Use:   "messages <room-id>",
	Short: "Fetch a room and print the reconciled message list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID := chatsync.RoomID(args[0])
		logger := cliLogger(roomMessagesVerbose)

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		storage, err := openStorage(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to open cache: %w", err)
		}
		defer storage.Close()

		client, err := newClient(cfg, logger)
		if err != nil {
			return err
		}

		store := chatsync.NewMessageStore(storage, chatsync.WithStoreLogger(logger))
		cached, _ := store.Messages(ctx, roomID)

		meta, err := client.FetchRoom(ctx, roomID)
		if err != nil {
			return fmt.Errorf("fetch failed: %w", err)
		}

		res := chatsync.Reconcile(cached, chatsync.Snapshot{Messages: meta.Messages, Complete: true})
		store.SaveMessages(ctx, roomID, res.Messages)

		if res.Changes.HasChanges {
			fmt.Printf("Reconciled: %d new, %d updated, %d deleted, %d pending purged\n",
				len(res.Changes.NewMessages), len(res.Changes.UpdatedMessages),
				len(res.Changes.DeletedIDs), len(res.PurgedPending))
		}
		if len(res.Messages) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range res.Messages {
			printMessage(m)
		}
		return nil
	},
}

// ============================================================================
// room members
// ============================================================================

var roomMembersCmd = &cobra.Command{
	Use:   "members <room-id>",
	Short: "List room members",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID := chatsync.RoomID(args[0])

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, err := newClient(cfg, cliLogger(false))
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		meta, err := client.FetchRoom(ctx, roomID)
		if err != nil {
			return fmt.Errorf("fetch failed: %w", err)
		}
		if len(meta.Members) == 0 {
			fmt.Println("No members.")
			return nil
		}

		online := make(map[int64]bool, len(meta.OnlineUsers))
		for _, id := range meta.OnlineUsers {
			online[id] = true
		}
		for _, m := range meta.Members {
			role := ""
			if m.IsAdmin {
				role = " [admin]"
			}
			presence := ""
			if online[m.UserID] {
				presence = " (online)"
			}
			fmt.Printf("  %d: %s%s%s\n", m.UserID, m.UserName, role, presence)
		}
		return nil
	},
}

// ============================================================================
// room tail
// ============================================================================

var roomTailCmd = &cobra.Command{
	Use:   "tail <room-id>",
	Short: "Open a live session and print messages as they arrive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID := chatsync.RoomID(args[0])
		logger := cliLogger(roomTailVerbose)

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		user, err := identity(cfg)
		if err != nil {
			return err
		}

		ctx := context.Background()
		storage, err := openStorage(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to open cache: %w", err)
		}
		defer storage.Close()

		client, err := newClient(cfg, logger)
		if err != nil {
			return err
		}
		store := chatsync.NewMessageStore(storage, chatsync.WithStoreLogger(logger))
		bridge := chatsync.NewNotificationBridge(store)

		channel := chatsync.NewSocketChannel(cfg.Default.BaseURL, &chatsync.ChannelConfig{
			Token:         cfg.Default.Token,
			AutoReconnect: true,
			Logger:        logger,
		})
		if err := channel.Connect(ctx); err != nil {
			return fmt.Errorf("socket connect failed: %w", err)
		}
		defer channel.Disconnect()

		seen := 0
		session := chatsync.NewRoomSession(client, store, channel, bridge, user, roomID,
			chatsync.WithSessionLogger(logger),
			chatsync.WithMessagesListener(func(msgs []chatsync.Message) {
				// Deletions shrink the list; only print fresh appends.
				if len(msgs) < seen {
					seen = len(msgs)
					return
				}
				for _, m := range msgs[seen:] {
					printMessage(m)
				}
				seen = len(msgs)
			}),
		)
		if err := session.Open(ctx); err != nil {
			return fmt.Errorf("open failed: %w", err)
		}
		defer session.Close(ctx)

		fmt.Fprintf(os.Stderr, "Tailing room %s. Press Ctrl-C to stop.\n", roomID)
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		return nil
	},
}
