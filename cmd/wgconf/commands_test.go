package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"slices"
	"strings"
	"testing"

	"golang.zx2c4.com/wireguard/conn/bindtest"

	"github.com/yourorg/wgconf/internal/config"
	"github.com/yourorg/wgconf/internal/ipc"
	"github.com/yourorg/wgconf/internal/key"
	"github.com/yourorg/wgconf/internal/parser"
	"github.com/yourorg/wgconf/internal/userspace"
	"github.com/yourorg/wgconf/internal/wireguard"
)

var (
	privKey = key.Key{0x40, 1}
	peerA   = key.Key{0xa, 1}
	peerB   = key.Key{0xb, 1}
	peerC   = key.Key{0xc, 1}
)

// newTestApp starts a userspace device named wg0 and returns an app wired
// to it through the socket backend only.
func newTestApp(t *testing.T) (*app, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	dev, err := userspace.New(userspace.Config{
		Name:      "wg0",
		SocketDir: dir,
		Addresses: []netip.Addr{netip.MustParseAddr("10.0.0.1")},
		Bind:      bindtest.NewChannelBinds()[0],
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("userspace.New: %v", err)
	}
	t.Cleanup(func() { dev.Close() })

	var out bytes.Buffer
	return &app{
		cfg:    &config.Config{SocketDir: dir},
		client: ipc.NewClient(ipc.NewUserspace(dir, logger), nil, logger),
		parser: &parser.Parser{Logger: logger},
		stdout: &out,
	}, &out
}

func confText(peers ...key.Key) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Interface]\nPrivateKey = %s\nListenPort = 51820\n", privKey.Base64())
	for i, p := range peers {
		fmt.Fprintf(&b, "\n[Peer]\nPublicKey = %s\nAllowedIPs = 10.0.%d.0/24\n", p.Base64(), i+1)
	}
	return b.String()
}

func peerKeys(t *testing.T, a *app) []key.Key {
	t.Helper()
	dev, err := a.client.Device(context.Background(), "wg0")
	if err != nil {
		t.Fatalf("Device: %v", err)
	}
	var keys []key.Key
	for _, p := range dev.Peers {
		keys = append(keys, p.PublicKey)
	}
	slices.SortFunc(keys, func(x, y key.Key) int { return bytes.Compare(x[:], y[:]) })
	return keys
}

func TestSetconfAndAddconf(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()

	if err := a.setconf(ctx, "wg0", strings.NewReader(confText(peerA, peerB)), false); err != nil {
		t.Fatalf("setconf: %v", err)
	}
	dev, err := a.client.Device(ctx, "wg0")
	if err != nil {
		t.Fatalf("Device: %v", err)
	}
	if dev.PublicKey != privKey.PublicKey() {
		t.Errorf("public key = %s, want %s", dev.PublicKey, privKey.PublicKey())
	}
	if got := peerKeys(t, a); !slices.Equal(got, []key.Key{peerA, peerB}) {
		t.Errorf("peers after setconf = %v", got)
	}

	add := fmt.Sprintf("[Peer]\nPublicKey = %s\n", peerC.Base64())
	if err := a.setconf(ctx, "wg0", strings.NewReader(add), true); err != nil {
		t.Fatalf("addconf: %v", err)
	}
	if got := peerKeys(t, a); !slices.Equal(got, []key.Key{peerA, peerB, peerC}) {
		t.Errorf("peers after addconf = %v", got)
	}

	if err := a.setconf(ctx, "wg0", strings.NewReader(confText(peerC)), false); err != nil {
		t.Fatalf("setconf: %v", err)
	}
	if got := peerKeys(t, a); !slices.Equal(got, []key.Key{peerC}) {
		t.Errorf("peers after second setconf = %v", got)
	}
}

func TestSyncconfKeepsRemainingPeers(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()

	if err := a.setconf(ctx, "wg0", strings.NewReader(confText(peerA, peerB)), false); err != nil {
		t.Fatalf("setconf: %v", err)
	}
	if err := a.syncconf(ctx, "wg0", strings.NewReader(confText(peerB, peerC))); err != nil {
		t.Fatalf("syncconf: %v", err)
	}
	if got := peerKeys(t, a); !slices.Equal(got, []key.Key{peerB, peerC}) {
		t.Errorf("peers after syncconf = %v", got)
	}

	dev, err := a.client.Device(ctx, "wg0")
	if err != nil {
		t.Fatalf("Device: %v", err)
	}
	for _, p := range dev.Peers {
		if p.PublicKey != peerB {
			continue
		}
		want := []wireguard.AllowedIP{{Prefix: netip.MustParsePrefix("10.0.1.0/24")}}
		if !slices.Equal(p.AllowedIPs, want) {
			t.Errorf("peer B allowed IPs = %v, want %v", p.AllowedIPs, want)
		}
	}
}

func TestSetFromArguments(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()

	args := []string{"listen-port", "51999", "peer", peerA.Base64(), "allowed-ips", "10.9.0.0/16", "persistent-keepalive", "25"}
	if err := a.set(ctx, "wg0", args); err != nil {
		t.Fatalf("set: %v", err)
	}
	dev, err := a.client.Device(ctx, "wg0")
	if err != nil {
		t.Fatalf("Device: %v", err)
	}
	if len(dev.Peers) != 1 {
		t.Fatalf("device has %d peers, want 1", len(dev.Peers))
	}
	if p := dev.Peers[0]; p.PublicKey != peerA || p.PersistentKeepaliveInterval != 25 {
		t.Errorf("peer = %+v", p)
	}

	if err := a.set(ctx, "wg0", []string{"peer", peerA.Base64(), "remove"}); err != nil {
		t.Fatalf("set remove: %v", err)
	}
	if got := peerKeys(t, a); len(got) != 0 {
		t.Errorf("peers after remove = %v", got)
	}
}

func TestInterfaces(t *testing.T) {
	a, out := newTestApp(t)
	if err := a.run(context.Background(), "interfaces", nil); err != nil {
		t.Fatalf("interfaces: %v", err)
	}
	if out.String() != "wg0\n" {
		t.Errorf("output = %q, want %q", out.String(), "wg0\n")
	}
}

func TestRunErrors(t *testing.T) {
	a, _ := newTestApp(t)

	cases := []struct {
		name    string
		command string
		args    []string
		wantErr error
		errPart string
	}{
		{name: "unknown command", command: "show", errPart: "unknown command"},
		{name: "setconf arity", command: "setconf", args: []string{"wg0"}, wantErr: errUsage},
		{name: "set arity", command: "set", wantErr: errUsage},
		{name: "interfaces arity", command: "interfaces", args: []string{"wg0"}, wantErr: errUsage},
		{name: "missing file", command: "syncconf", args: []string{"wg0", "/nonexistent/wg0.conf"}, errPart: "failed to open config"},
		{name: "no such device", command: "set", args: []string{"wg9", "listen-port", "1"}, wantErr: ipc.ErrNoDevice},
		{name: "bad argument", command: "set", args: []string{"wg0", "bogus"}, wantErr: parser.ErrInvalidArgument},
		{name: "follow without feed", command: "follow", errPart: "WG_FEED_URL"},
		{name: "bad userspace address", command: "userspace", args: []string{"wg1", "nope"}, errPart: "invalid address"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := a.run(context.Background(), tc.command, tc.args)
			if err == nil {
				t.Fatal("expected an error")
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Errorf("error = %v, want %v", err, tc.wantErr)
			}
			if tc.errPart != "" && !strings.Contains(err.Error(), tc.errPart) {
				t.Errorf("error %q does not mention %q", err, tc.errPart)
			}
		})
	}
}

func TestUserspaceStopsOnCancel(t *testing.T) {
	a, _ := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.userspace(ctx, "wg1", []string{"10.1.0.1"}); err != nil {
		t.Fatalf("userspace: %v", err)
	}
}
