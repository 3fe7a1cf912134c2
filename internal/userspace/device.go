// Package userspace runs a wireguard-go device on a netstack TUN and
// serves its configuration protocol on a unix control socket.
package userspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync"
	"syscall"

	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/tun/netstack"

	"github.com/yourorg/wgconf/internal/wireguard"
)

const DefaultMTU = 1420

// Config describes a userspace device.
type Config struct {
	Name      string
	SocketDir string
	// Addresses are assigned to the netstack interface.
	Addresses []netip.Addr
	MTU       int
	// Bind defaults to conn.NewDefaultBind().
	Bind   conn.Bind
	Logger *slog.Logger
}

// Device is a running userspace tunnel and its control socket.
type Device struct {
	name     string
	path     string
	net      *netstack.Net
	device   *device.Device
	listener *net.UnixListener
	logger   *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// New creates the device, brings it up and starts serving its control
// socket. The device starts with no keys and no peers.
func New(cfg Config) (*Device, error) {
	if err := wireguard.ValidateName(cfg.Name); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("interface", cfg.Name)

	mtu := cfg.MTU
	if mtu == 0 {
		mtu = DefaultMTU
	}
	bind := cfg.Bind
	if bind == nil {
		bind = conn.NewDefaultBind()
	}

	logger.Info("Creating userspace WireGuard device",
		"addresses", cfg.Addresses,
		"mtu", mtu,
	)

	tun, tnet, err := netstack.CreateNetTUN(cfg.Addresses, nil, mtu)
	if err != nil {
		return nil, fmt.Errorf("failed to create netstack TUN: %w", err)
	}
	wgDevice := device.NewDevice(tun, bind, deviceLogger(logger))

	if err := os.MkdirAll(cfg.SocketDir, 0o755); err != nil {
		wgDevice.Close()
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	path := wireguard.SocketPath(cfg.SocketDir, cfg.Name)
	listener, err := listen(path, logger)
	if err != nil {
		wgDevice.Close()
		return nil, err
	}

	if err := wgDevice.Up(); err != nil {
		listener.Close()
		wgDevice.Close()
		return nil, fmt.Errorf("failed to bring device up: %w", err)
	}

	d := &Device{
		name:     cfg.Name,
		path:     path,
		net:      tnet,
		device:   wgDevice,
		listener: listener,
		logger:   logger,
		done:     make(chan struct{}),
	}
	go d.serve()

	logger.Info("Userspace WireGuard device listening", "socket", path)
	return d, nil
}

// listen binds path, replacing a socket file nobody is serving.
func listen(path string, logger *slog.Logger) (*net.UnixListener, error) {
	addr := &net.UnixAddr{Name: path, Net: "unix"}
	l, err := net.ListenUnix("unix", addr)
	if err == nil {
		return l, nil
	}
	if !errors.Is(err, syscall.EADDRINUSE) {
		return nil, fmt.Errorf("failed to listen on %s: %w", path, err)
	}

	c, dialErr := net.Dial("unix", path)
	if dialErr == nil {
		c.Close()
		return nil, fmt.Errorf("control socket %s is already in use", path)
	}
	logger.Warn("Removing stale control socket", "socket", path)
	if err := os.Remove(path); err != nil {
		return nil, fmt.Errorf("failed to remove stale socket: %w", err)
	}
	l, err = net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	return l, nil
}

func (d *Device) serve() {
	defer close(d.done)
	for {
		c, err := d.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				d.logger.Error("Failed to accept control connection", "error", err)
			}
			return
		}
		go d.device.IpcHandle(c)
	}
}

// deviceLogger routes wireguard-go's printf logging into slog.
func deviceLogger(l *slog.Logger) *device.Logger {
	return &device.Logger{
		Verbosef: func(format string, args ...any) {
			if l.Enabled(context.Background(), slog.LevelDebug) {
				l.Debug(fmt.Sprintf(format, args...))
			}
		},
		Errorf: func(format string, args ...any) {
			l.Error(fmt.Sprintf(format, args...))
		},
	}
}

// Name returns the interface name.
func (d *Device) Name() string {
	return d.name
}

// SocketPath returns the path of the control socket.
func (d *Device) SocketPath() string {
	return d.path
}

// Net returns the netstack network for dialing through the tunnel.
func (d *Device) Net() *netstack.Net {
	return d.net
}

// Done is closed once the control socket stops serving, either through
// Close or a fatal accept error.
func (d *Device) Done() <-chan struct{} {
	return d.done
}

// Close stops serving, removes the control socket and shuts down the
// device.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		d.logger.Info("Closing userspace WireGuard device")
		d.listener.Close()
		<-d.done
		if err := os.Remove(d.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			d.logger.Warn("Failed to remove control socket", "socket", d.path, "error", err)
		}
		d.device.Close()
	})
	return nil
}
