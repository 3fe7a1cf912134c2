package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"strings"

	"github.com/yourorg/wgconf/internal/config"
	"github.com/yourorg/wgconf/internal/ipc"
	"github.com/yourorg/wgconf/internal/parser"
	"github.com/yourorg/wgconf/internal/reconcile"
	"github.com/yourorg/wgconf/internal/userspace"
	"github.com/yourorg/wgconf/internal/wireguard"
	"github.com/yourorg/wgconf/internal/ws"
)

var errUsage = errors.New("wrong number of arguments")

// app carries what every command needs.
type app struct {
	cfg    *config.Config
	client *ipc.Client
	parser *parser.Parser
	stdout io.Writer
}

func (a *app) run(ctx context.Context, command string, args []string) error {
	switch command {
	case "setconf", "addconf", "syncconf":
		if len(args) != 2 {
			return fmt.Errorf("%s <interface> <file>: %w", command, errUsage)
		}
		f, err := os.Open(args[1])
		if err != nil {
			return fmt.Errorf("failed to open config: %w", err)
		}
		defer f.Close()
		switch command {
		case "setconf":
			return a.setconf(ctx, args[0], f, false)
		case "addconf":
			return a.setconf(ctx, args[0], f, true)
		}
		return a.syncconf(ctx, args[0], f)

	case "set":
		if len(args) < 1 {
			return fmt.Errorf("set <interface> [key value]...: %w", errUsage)
		}
		return a.set(ctx, args[0], args[1:])

	case "interfaces":
		if len(args) != 0 {
			return fmt.Errorf("interfaces: %w", errUsage)
		}
		return a.interfaces(ctx)

	case "userspace":
		if len(args) < 1 {
			return fmt.Errorf("userspace <interface> [address]...: %w", errUsage)
		}
		return a.userspace(ctx, args[0], args[1:])

	case "follow":
		if len(args) != 0 {
			return fmt.Errorf("follow: %w", errUsage)
		}
		return a.follow(ctx)
	}
	return fmt.Errorf("unknown command %q", command)
}

// setconf applies a configuration file as is. In append mode the file only
// adds to the running configuration.
func (a *app) setconf(ctx context.Context, iface string, r io.Reader, appendOnly bool) error {
	dev, err := a.parser.ParseConfig(ctx, r, appendOnly)
	if err != nil {
		return err
	}
	dev.Name = iface
	slog.Info("Applying configuration", "interface", iface, "peers", len(dev.Peers), "append", appendOnly)
	if err := a.client.ConfigureDevice(ctx, dev); err != nil {
		return fmt.Errorf("failed to configure %s: %w", iface, err)
	}
	return nil
}

// syncconf applies a configuration file while leaving peers that stay in it
// untouched on the device.
func (a *app) syncconf(ctx context.Context, iface string, r io.Reader) error {
	desired, err := a.parser.ParseConfig(ctx, r, false)
	if err != nil {
		return err
	}
	desired.Name = iface
	return a.sync(ctx, desired)
}

func (a *app) sync(ctx context.Context, desired *wireguard.Device) error {
	running, err := a.client.Device(ctx, desired.Name)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", desired.Name, err)
	}
	removed := reconcile.Reconcile(desired, running)
	slog.Info("Synchronizing configuration",
		"interface", desired.Name,
		"peers", len(desired.Peers)-removed,
		"removed", removed,
	)
	if err := a.client.ConfigureDevice(ctx, desired); err != nil {
		return fmt.Errorf("failed to configure %s: %w", desired.Name, err)
	}
	return nil
}

func (a *app) set(ctx context.Context, iface string, args []string) error {
	dev, err := a.parser.ParseArgs(ctx, args)
	if err != nil {
		return err
	}
	dev.Name = iface
	if err := a.client.ConfigureDevice(ctx, dev); err != nil {
		return fmt.Errorf("failed to configure %s: %w", iface, err)
	}
	return nil
}

func (a *app) interfaces(ctx context.Context) error {
	names, err := a.client.Devices(ctx)
	if err != nil {
		return fmt.Errorf("failed to list interfaces: %w", err)
	}
	if len(names) > 0 {
		fmt.Fprintln(a.stdout, strings.Join(names, " "))
	}
	return nil
}

// userspace runs a device until ctx is cancelled.
func (a *app) userspace(ctx context.Context, iface string, addrs []string) error {
	var addresses []netip.Addr
	for _, s := range addrs {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return fmt.Errorf("invalid address %q: %w", s, err)
		}
		addresses = append(addresses, addr)
	}

	dev, err := userspace.New(userspace.Config{
		Name:      iface,
		SocketDir: a.cfg.SocketDir,
		Addresses: addresses,
		Logger:    slog.Default(),
	})
	if err != nil {
		return fmt.Errorf("failed to start %s: %w", iface, err)
	}
	defer dev.Close()

	select {
	case <-ctx.Done():
		slog.Info("Shutting down", "interface", iface)
		return nil
	case <-dev.Done():
		return fmt.Errorf("control socket of %s stopped serving", iface)
	}
}

// follow applies every configuration pushed by the control server with
// syncconf semantics until ctx is cancelled.
func (a *app) follow(ctx context.Context) error {
	if err := a.cfg.RequireFeed(); err != nil {
		return err
	}

	client := ws.NewClient(a.cfg, a.applyPushed)
	if err := client.Connect(); err != nil {
		return fmt.Errorf("failed to connect to control server: %w", err)
	}
	defer client.Close()

	<-ctx.Done()
	slog.Info("Stopping configuration feed")
	return nil
}

func (a *app) applyPushed(ctx context.Context, iface, text string) error {
	return a.syncconf(ctx, iface, strings.NewReader(text))
}
