package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/yourorg/wgconf/internal/resolve"
)

type Config struct {
	// Control sockets of userspace implementations
	SocketDir string

	// Endpoint resolution
	ResolutionRetries int

	// Logging
	LogLevel  slog.Level
	LogFormat string

	// Remote configuration feed
	FeedURL   string
	FeedToken string

	// Command and its operands, everything after the flags
	Args []string
}

// LoadConfig reads .env (when present), the environment and the flags in
// args, in increasing order of precedence.
func LoadConfig(args []string) (*Config, error) {
	// Load .env file if it exists (ignore error if file doesn't exist)
	_ = godotenv.Load()

	cfg := &Config{}
	fs := flag.NewFlagSet("wgconf", flag.ContinueOnError)

	var retries, level string

	// IPC
	fs.StringVar(&cfg.SocketDir, "socket-dir", getEnv("WG_SOCKET_DIR", "/var/run/wireguard"), "Directory holding userspace control sockets")

	// Resolution
	fs.StringVar(&retries, "resolution-retries", getEnv(resolve.RetriesEnv, ""), "Endpoint resolution retries (number or \"infinity\")")

	// Logging
	fs.StringVar(&level, "log-level", getEnv("WG_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("WG_LOG_FORMAT", "text"), "Log format (text or json)")

	// Feed
	fs.StringVar(&cfg.FeedURL, "feed-url", getEnv("WG_FEED_URL", ""), "Control server WebSocket URL for follow")
	fs.StringVar(&cfg.FeedToken, "feed-token", getEnv("WG_FEED_TOKEN", ""), "Token presented to the control server")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.Args = fs.Args()

	var err error
	if cfg.ResolutionRetries, err = resolve.ParseRetries(retries); err != nil {
		return nil, err
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg.LogFormat = strings.ToLower(cfg.LogFormat)
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return nil, fmt.Errorf("invalid log format %q", cfg.LogFormat)
	}
	if cfg.SocketDir == "" {
		return nil, fmt.Errorf("socket directory must not be empty")
	}

	return cfg, nil
}

// RequireFeed checks the settings the follow command cannot run without.
func (c *Config) RequireFeed() error {
	if c.FeedURL == "" {
		return fmt.Errorf("WG_FEED_URL is required")
	}
	if c.FeedToken == "" {
		return fmt.Errorf("WG_FEED_TOKEN is required")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
