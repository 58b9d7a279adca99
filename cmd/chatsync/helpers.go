package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	chatsync "github.com/Harsh-Aakoliya/volunteer-chatsync"
)

// cliLogger writes human-readable logs to stderr, keeping stdout for
// command output.
func cliLogger(verbose bool) zerolog.Logger {
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}

// openStorage selects the cache backend from config: Redis, then SQLite,
// then a file directory, defaulting to ~/.chatsync/cache.
func openStorage(ctx context.Context, cfg *Config) (chatsync.CacheStorage, error) {
	switch {
	case cfg.Cache.RedisURL != "":
		return chatsync.NewRedisStorage(ctx, cfg.Cache.RedisURL)
	case cfg.Cache.SQLitePath != "":
		return chatsync.NewSQLiteStorage(ctx, cfg.Cache.SQLitePath)
	case cfg.Cache.Dir != "":
		return chatsync.NewFileStorage(cfg.Cache.Dir)
	default:
		dir, err := configDir()
		if err != nil {
			return nil, err
		}
		return chatsync.NewFileStorage(filepath.Join(dir, "cache"))
	}
}

func newClient(cfg *Config, logger zerolog.Logger) (*chatsync.Client, error) {
	if cfg.Default.BaseURL == "" {
		return nil, fmt.Errorf("no base URL configured; run 'chatsync init <base-url> <token>'")
	}
	return chatsync.NewClient(cfg.Default.BaseURL, cfg.Default.Token, chatsync.WithLogger(logger)), nil
}

func identity(cfg *Config) (chatsync.Identity, error) {
	if cfg.User.UserID == 0 {
		return chatsync.Identity{}, fmt.Errorf("no identity configured; run 'chatsync config set user.user_id <id>'")
	}
	return chatsync.Identity{UserID: cfg.User.UserID, UserName: cfg.User.UserName}, nil
}

// printMessage renders one message line for terminal output.
func printMessage(m chatsync.Message) {
	marker := ""
	if m.ID.Pending() {
		marker = " (pending)"
	}
	if m.IsEdited {
		marker += " (edited)"
	}
	fmt.Printf("[%s] #%s %s: %s%s\n", m.CreatedAt, m.ID, m.SenderName, m.MessageText, marker)
}
