package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	chatsync "github.com/Harsh-Aakoliya/volunteer-chatsync"
)

func init() {
	cacheCmd.AddCommand(cacheListCmd)
	cacheCmd.AddCommand(cacheShowCmd)
	cacheCmd.AddCommand(cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the local message cache",
	Long:  "List, dump, and clear per-room cache entries without touching the server.",
}

// withStore opens the configured backend and hands a MessageStore to fn.
func withStore(fn func(ctx context.Context, store *chatsync.MessageStore) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	storage, err := openStorage(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open cache: %w", err)
	}
	defer storage.Close()

	return fn(ctx, chatsync.NewMessageStore(storage, chatsync.WithStoreLogger(cliLogger(false))))
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached rooms",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, store *chatsync.MessageStore) error {
			rooms := store.CachedRooms(ctx)
			if len(rooms) == 0 {
				fmt.Println("No cached rooms.")
				return nil
			}
			for _, roomID := range rooms {
				entry, ok := store.Entry(ctx, roomID)
				if !ok {
					continue
				}
				written := time.UnixMilli(entry.Timestamp).Format(time.RFC3339)
				last := "-"
				if entry.LastMessageID != nil {
					last = fmt.Sprintf("%d", *entry.LastMessageID)
				}
				fmt.Printf("  %s: %d messages, last id %s, written %s\n",
					roomID, len(entry.Messages), last, written)
			}
			return nil
		})
	},
}

var cacheShowCmd = &cobra.Command{
	Use:   "show <room-id>",
	Short: "Print a room's cached messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, store *chatsync.MessageStore) error {
			msgs, ok := store.Messages(ctx, chatsync.RoomID(args[0]))
			if !ok {
				fmt.Println("No cache entry for this room.")
				return nil
			}
			if len(msgs) == 0 {
				fmt.Println("Cache entry is empty.")
				return nil
			}
			for _, m := range msgs {
				printMessage(m)
			}
			return nil
		})
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear <room-id>",
	Short: "Delete a room's cache entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, store *chatsync.MessageStore) error {
			store.DeleteRoom(ctx, chatsync.RoomID(args[0]))
			fmt.Printf("Cleared cache for room %s.\n", args[0])
			return nil
		})
	},
}
