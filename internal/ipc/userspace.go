package ipc

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/yourorg/wgconf/internal/uapi"
	"github.com/yourorg/wgconf/internal/wireguard"
)

// DefaultSocketDir is where userspace implementations place their
// control sockets.
const DefaultSocketDir = "/var/run/wireguard"

// maxSocketPath is the size of sun_path minus its terminator.
const maxSocketPath = 107

// Userspace talks to devices over <Dir>/<name>.sock.
type Userspace struct {
	Dir    string
	Logger *slog.Logger
}

// NewUserspace returns a backend rooted at dir, or DefaultSocketDir when
// dir is empty.
func NewUserspace(dir string, logger *slog.Logger) *Userspace {
	if dir == "" {
		dir = DefaultSocketDir
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Userspace{Dir: dir, Logger: logger}
}

func (u *Userspace) socketPath(name string) (string, error) {
	if err := wireguard.ValidateName(name); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidName, err)
	}
	path := wireguard.SocketPath(u.Dir, name)
	if len(path) > maxSocketPath {
		return "", fmt.Errorf("%w: socket path %q too long", ErrInvalidName, path)
	}
	return path, nil
}

// dial connects to the control socket of name. The path must be a socket
// itself, not a symlink to one. A socket nobody listens on is removed.
func (u *Userspace) dial(ctx context.Context, name string) (net.Conn, error) {
	path, err := u.socketPath(name)
	if err != nil {
		return nil, err
	}

	fi, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoDevice, name)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if fi.Mode().Type() != fs.ModeSocket {
		return nil, fmt.Errorf("%w: %s", ErrNotSocket, path)
	}

	var d net.Dialer
	c, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			u.Logger.Warn("Removing stale control socket", "socket", path)
			if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
				u.Logger.Warn("Failed to remove stale control socket", "socket", path, "error", rmErr)
			}
			return nil, fmt.Errorf("%w: %s", ErrNoDevice, name)
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", path, err)
	}
	return c, nil
}

// session dials name and aborts pending I/O once ctx is done.
func (u *Userspace) session(ctx context.Context, name string, fn func(net.Conn) error) error {
	c, err := u.dial(ctx, name)
	if err != nil {
		return err
	}
	defer c.Close()

	stop := context.AfterFunc(ctx, func() {
		c.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := fn(c); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

// Has reports whether a device answers on the control socket of name.
func (u *Userspace) Has(ctx context.Context, name string) bool {
	c, err := u.dial(ctx, name)
	if err != nil {
		return false
	}
	c.Close()
	return true
}

// Device issues a get request to name.
func (u *Userspace) Device(ctx context.Context, name string) (*wireguard.Device, error) {
	var dev *wireguard.Device
	err := u.session(ctx, name, func(c net.Conn) error {
		var err error
		dev, err = uapi.GetDevice(ctx, c, name)
		return err
	})
	if err != nil {
		return nil, err
	}
	return dev, nil
}

// ConfigureDevice issues a set request to dev.Name.
func (u *Userspace) ConfigureDevice(ctx context.Context, dev *wireguard.Device) error {
	return u.session(ctx, dev.Name, func(c net.Conn) error {
		return uapi.SetDevice(c, dev)
	})
}

// Devices lists every socket in Dir that a device answers on. A missing
// directory means no devices.
func (u *Userspace) Devices(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(u.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", u.Dir, err)
	}

	var names []string
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), wireguard.SocketSuffix)
		if !ok || wireguard.ValidateName(name) != nil {
			continue
		}
		if u.Has(ctx, name) {
			names = append(names, name)
		}
	}
	return names, nil
}

func (u *Userspace) Close() error { return nil }
