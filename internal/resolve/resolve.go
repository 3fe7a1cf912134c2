// Package resolve turns endpoint text into a socket address, retrying
// transient DNS failures with a bounded, growing delay.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

const (
	// RetriesEnv overrides the number of resolution retries.
	RetriesEnv = "WG_ENDPOINT_RESOLUTION_RETRIES"
	// DefaultRetries is used when RetriesEnv is unset.
	DefaultRetries = 15
	// Unlimited retries transient failures forever.
	Unlimited = -1
)

// ErrInvalidEndpoint is returned for endpoint text that cannot name a host
// and port. It is never retried.
var ErrInvalidEndpoint = errors.New("invalid endpoint")

// Policy bounds how often and how patiently a lookup is retried.
type Policy struct {
	// Retries is the number of attempts after the first one, or Unlimited.
	Retries int
	Initial time.Duration
	Max     time.Duration
}

// DefaultPolicy retries 15 times, starting at one second and growing by a
// fifth each time up to twenty seconds.
func DefaultPolicy() Policy {
	return Policy{
		Retries: DefaultRetries,
		Initial: time.Second,
		Max:     20 * time.Second,
	}
}

// PolicyFromRetries returns DefaultPolicy with its retry count replaced.
func PolicyFromRetries(retries int) Policy {
	p := DefaultPolicy()
	p.Retries = retries
	return p
}

// Next returns the delay that follows d.
func (p Policy) Next(d time.Duration) time.Duration {
	next := d * 6 / 5
	if next > p.Max {
		next = p.Max
	}
	return next
}

// ParseRetries interprets the value of RetriesEnv. The empty string selects
// DefaultRetries and "infinity" selects Unlimited.
func ParseRetries(s string) (int, error) {
	switch s {
	case "":
		return DefaultRetries, nil
	case "infinity":
		return Unlimited, nil
	}
	n, err := strconv.ParseUint(s, 10, 31)
	if err != nil {
		return 0, fmt.Errorf("unable to parse %s: %q", RetriesEnv, s)
	}
	return int(n), nil
}

// IsPermanent reports whether a lookup error can never succeed on retry:
// the name does not exist, has no usable data, or the input is malformed.
func IsPermanent(err error) bool {
	if errors.Is(err, ErrInvalidEndpoint) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsNotFound
	}
	var addrErr *net.AddrError
	return errors.As(err, &addrErr)
}

// Resolver resolves endpoints. The function fields default to the system
// resolver and a context-aware sleep; tests replace them.
type Resolver struct {
	Policy     Policy
	LookupHost func(ctx context.Context, host string) ([]netip.Addr, error)
	LookupPort func(ctx context.Context, service string) (int, error)
	Sleep      func(ctx context.Context, d time.Duration) error
	Logger     *slog.Logger
}

// New returns a Resolver backed by net.DefaultResolver.
func New(p Policy) *Resolver {
	return &Resolver{Policy: p}
}

// SplitHostPort splits "host:port" on the last colon, or "[host]:port" on
// the closing bracket. The port must be non-empty.
func SplitHostPort(s string) (host, port string, err error) {
	if s == "" {
		return "", "", fmt.Errorf("%w: empty", ErrInvalidEndpoint)
	}
	if s[0] == '[' {
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return "", "", fmt.Errorf("%w: %q missing closing bracket", ErrInvalidEndpoint, s)
		}
		if end+1 >= len(s) || s[end+1] != ':' || end+2 >= len(s) {
			return "", "", fmt.Errorf("%w: %q missing port", ErrInvalidEndpoint, s)
		}
		return s[1:end], s[end+2:], nil
	}
	i := strings.LastIndexByte(s, ':')
	if i < 0 || i == len(s)-1 {
		return "", "", fmt.Errorf("%w: %q missing port", ErrInvalidEndpoint, s)
	}
	return s[:i], s[i+1:], nil
}

// Resolve resolves "host:port" or "[host]:port" to a single address.
// Transient failures are retried according to the policy; permanent ones
// return at once.
func (r *Resolver) Resolve(ctx context.Context, endpoint string) (netip.AddrPort, error) {
	host, port, err := SplitHostPort(endpoint)
	if err != nil {
		return netip.AddrPort{}, err
	}

	delay := r.Policy.Initial
	retries := r.Policy.Retries
	for {
		ap, err := r.lookup(ctx, host, port)
		if err == nil {
			return ap, nil
		}
		if IsPermanent(err) || retries == 0 {
			return netip.AddrPort{}, fmt.Errorf("failed to resolve %q: %w", endpoint, err)
		}
		if retries > 0 {
			retries--
		}

		r.logger().Warn("Failed to resolve endpoint, retrying",
			"endpoint", endpoint,
			"error", err,
			"retry_in", delay,
		)
		if err := r.sleep(ctx, delay); err != nil {
			return netip.AddrPort{}, fmt.Errorf("failed to resolve %q: %w", endpoint, err)
		}
		delay = r.Policy.Next(delay)
	}
}

// Port resolves a numeric port or a UDP service name.
func (r *Resolver) Port(ctx context.Context, service string) (uint16, error) {
	if service == "" {
		return 0, fmt.Errorf("%w: empty port", ErrInvalidEndpoint)
	}
	if n, err := strconv.ParseUint(service, 10, 16); err == nil {
		return uint16(n), nil
	}
	if service[0] >= '0' && service[0] <= '9' {
		return 0, &net.AddrError{Err: "invalid port", Addr: service}
	}

	lookup := r.LookupPort
	if lookup == nil {
		lookup = func(ctx context.Context, service string) (int, error) {
			return net.DefaultResolver.LookupPort(ctx, "udp", service)
		}
	}
	n, err := lookup(ctx, service)
	if err != nil {
		return 0, err
	}
	if n < 0 || n > 65535 {
		return 0, &net.AddrError{Err: "invalid port", Addr: service}
	}
	return uint16(n), nil
}

func (r *Resolver) lookup(ctx context.Context, host, service string) (netip.AddrPort, error) {
	if host == "" {
		return netip.AddrPort{}, fmt.Errorf("%w: empty host", ErrInvalidEndpoint)
	}
	port, err := r.Port(ctx, service)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return netip.AddrPortFrom(addr, port), nil
	}

	lookup := r.LookupHost
	if lookup == nil {
		lookup = func(ctx context.Context, host string) ([]netip.Addr, error) {
			return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		}
	}
	addrs, err := lookup(ctx, host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	for _, addr := range addrs {
		addr = addr.Unmap()
		if addr.Is4() || addr.Is6() {
			return netip.AddrPortFrom(addr, port), nil
		}
	}
	return netip.AddrPort{}, &net.DNSError{Err: "no usable address", Name: host, IsNotFound: true}
}

func (r *Resolver) sleep(ctx context.Context, d time.Duration) error {
	if r.Sleep != nil {
		return r.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *Resolver) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
