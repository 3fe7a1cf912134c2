// Package ipc reaches a WireGuard device either through its userspace
// control socket or through the kernel, picking whichever serves the
// interface.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/yourorg/wgconf/internal/wireguard"
)

var (
	ErrInvalidName = errors.New("invalid interface name")
	ErrNotSocket   = errors.New("control path is not a socket")
	ErrNoDevice    = errors.New("no such device")
	ErrUnsupported = errors.New("not supported by backend")
)

// Backend reads and writes device configuration.
type Backend interface {
	Device(ctx context.Context, name string) (*wireguard.Device, error)
	ConfigureDevice(ctx context.Context, dev *wireguard.Device) error
	Devices(ctx context.Context) ([]string, error)
	Close() error
}

// Client routes each call to the userspace socket when one answers for the
// interface and to the kernel backend otherwise.
type Client struct {
	user   *Userspace
	kernel Backend
	logger *slog.Logger
}

// New returns a Client using socketDir for userspace devices. A kernel
// backend that cannot be opened is logged and left out.
func New(socketDir string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{user: NewUserspace(socketDir, logger), logger: logger}

	k, err := NewKernel()
	if err != nil {
		logger.Debug("Kernel backend unavailable", "error", err)
	} else {
		c.kernel = k
	}
	return c
}

// NewClient combines explicit backends. kernel may be nil.
func NewClient(user *Userspace, kernel Backend, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{user: user, kernel: kernel, logger: logger}
}

func (c *Client) backend(ctx context.Context, name string) (Backend, error) {
	if err := wireguard.ValidateName(name); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidName, err)
	}
	if c.user.Has(ctx, name) {
		return c.user, nil
	}
	if c.kernel != nil {
		return c.kernel, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoDevice, name)
}

// Device returns the running configuration of name.
func (c *Client) Device(ctx context.Context, name string) (*wireguard.Device, error) {
	b, err := c.backend(ctx, name)
	if err != nil {
		return nil, err
	}
	return b.Device(ctx, name)
}

// ConfigureDevice applies dev to the interface named dev.Name.
func (c *Client) ConfigureDevice(ctx context.Context, dev *wireguard.Device) error {
	b, err := c.backend(ctx, dev.Name)
	if err != nil {
		return err
	}
	c.logger.Debug("Configuring device",
		"interface", dev.Name,
		"backend", fmt.Sprintf("%T", b),
		"peers", len(dev.Peers),
	)
	return b.ConfigureDevice(ctx, dev)
}

// Devices lists interfaces from both backends, sorted and without
// duplicates.
func (c *Client) Devices(ctx context.Context) ([]string, error) {
	names, err := c.user.Devices(ctx)
	if err != nil {
		return nil, err
	}
	if c.kernel != nil {
		more, err := c.kernel.Devices(ctx)
		if err != nil {
			return nil, err
		}
		names = append(names, more...)
	}
	slices.Sort(names)
	return slices.Compact(names), nil
}

// Close releases the kernel backend.
func (c *Client) Close() error {
	if c.kernel != nil {
		return c.kernel.Close()
	}
	return nil
}
