package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/yourorg/wgconf/internal/config"
	"github.com/yourorg/wgconf/internal/ipc"
	"github.com/yourorg/wgconf/internal/parser"
	"github.com/yourorg/wgconf/internal/resolve"
)

const usage = `Usage: wgconf [flags] <command> [arguments]

Commands:
  setconf <interface> <file>      apply a configuration file, replacing the current one
  addconf <interface> <file>      add the peers and settings of a configuration file
  syncconf <interface> <file>     apply a configuration file, removing only stale peers
  set <interface> [key value]...  change settings from the command line
  interfaces                      list configured interfaces
  userspace <interface> [addr]... run a userspace device serving its control socket
  follow                          apply configurations pushed by a control server
`

func main() {
	// Load configuration
	cfg, err := config.LoadConfig(os.Args[1:])
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	logger := newLogger(cfg, os.Stderr)
	slog.SetDefault(logger)

	if len(cfg.Args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	// Cancel on interrupt so DNS retries and the feed stop promptly
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{
		cfg:    cfg,
		client: ipc.New(cfg.SocketDir, logger),
		parser: &parser.Parser{
			Resolver: resolveWith(cfg, logger),
			Logger:   logger,
		},
		stdout: os.Stdout,
	}
	defer a.client.Close()

	if err := a.run(ctx, cfg.Args[0], cfg.Args[1:]); err != nil {
		slog.Error("Command failed", "command", cfg.Args[0], "error", err)
		a.client.Close()
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config, w *os.File) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func resolveWith(cfg *config.Config, logger *slog.Logger) *resolve.Resolver {
	r := resolve.New(resolve.PolicyFromRetries(cfg.ResolutionRetries))
	r.Logger = logger
	return r
}
