package parser

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/yourorg/wgconf/internal/key"
	"github.com/yourorg/wgconf/internal/resolve"
	"github.com/yourorg/wgconf/internal/wireguard"
)

var (
	privA = key.Key{0x10, 1, 2, 3}
	pubA  = key.Key{0xa0, 1}
	pubB  = key.Key{0xb0, 2}
	pskA  = key.Key{0x55, 0x55}
)

func testParser(logs io.Writer) *Parser {
	if logs == nil {
		logs = io.Discard
	}
	return &Parser{
		Resolver: &resolve.Resolver{
			Policy: resolve.Policy{},
			LookupHost: func(_ context.Context, host string) ([]netip.Addr, error) {
				if host == "vpn.example.com" {
					return []netip.Addr{netip.MustParseAddr("198.51.100.7")}, nil
				}
				return nil, errors.New("unexpected lookup of " + host)
			},
			LookupPort: func(_ context.Context, service string) (int, error) {
				return 0, errors.New("no services in tests")
			},
		},
		Logger: slog.New(slog.NewTextHandler(logs, nil)),
	}
}

var modelOpts = cmp.Options{
	cmp.Comparer(func(a, b netip.Prefix) bool { return a == b }),
	cmp.Comparer(func(a, b netip.AddrPort) bool { return a == b }),
}

func prefixes(ss ...string) []wireguard.AllowedIP {
	out := make([]wireguard.AllowedIP, 0, len(ss))
	for _, s := range ss {
		out = append(out, wireguard.AllowedIP{Prefix: netip.MustParsePrefix(s)})
	}
	return out
}

func TestParseConfigBasic(t *testing.T) {
	conf := "[Interface]\nListenPort=51820\n\n[Peer]\nPublicKey=" + pubA.Base64() + "\nAllowedIPs=10.0.0.0/24,  10.0.1.5/32\n"

	dev, err := testParser(nil).ParseConfig(context.Background(), strings.NewReader(conf), false)
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}

	want := &wireguard.Device{
		ListenPort:      51820,
		ReplacePeers:    true,
		HasPrivateKey:   true,
		HasListenPort:   true,
		HasFirewallMark: true,
		Peers: []wireguard.Peer{{
			PublicKey:         pubA,
			HasPublicKey:      true,
			ReplaceAllowedIPs: true,
			AllowedIPs:        prefixes("10.0.0.0/24", "10.0.1.5/32"),
		}},
	}
	if diff := cmp.Diff(want, dev, modelOpts); diff != "" {
		t.Errorf("device mismatch (-want +got):\n%s", diff)
	}
}

func TestParseConfigFull(t *testing.T) {
	conf := `
# office tunnel
[interface]
PrivateKey = ` + privA.Base64() + `
ListenPort = 51820 # default port
FwMark = 0x10

[PEER]
publickey = ` + pubA.Base64() + `
PresharedKey = ` + pskA.Base64() + `
Endpoint = vpn.example.com:51820
AllowedIPs = 10.0.0.0/24
AllowedIPs = fd00::/64
PersistentKeepalive = 25

[Peer]
PublicKey = ` + pubB.Base64() + `
Endpoint = [2001:db8::1]:443
PersistentKeepalive = off
`
	dev, err := testParser(nil).ParseConfig(context.Background(), strings.NewReader(conf), false)
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}

	want := &wireguard.Device{
		PrivateKey:      privA,
		ListenPort:      51820,
		FirewallMark:    16,
		ReplacePeers:    true,
		HasPrivateKey:   true,
		HasListenPort:   true,
		HasFirewallMark: true,
		Peers: []wireguard.Peer{
			{
				PublicKey:                   pubA,
				PresharedKey:                pskA,
				Endpoint:                    netip.MustParseAddrPort("198.51.100.7:51820"),
				PersistentKeepaliveInterval: 25,
				AllowedIPs:                  prefixes("10.0.0.0/24", "fd00::/64"),
				ReplaceAllowedIPs:           true,
				HasPublicKey:                true,
				HasPresharedKey:             true,
				HasPersistentKeepalive:      true,
			},
			{
				PublicKey:              pubB,
				Endpoint:               netip.MustParseAddrPort("[2001:db8::1]:443"),
				ReplaceAllowedIPs:      true,
				HasPublicKey:           true,
				HasPersistentKeepalive: true,
			},
		},
	}
	if diff := cmp.Diff(want, dev, modelOpts); diff != "" {
		t.Errorf("device mismatch (-want +got):\n%s", diff)
	}
}

func TestParseConfigAppendMode(t *testing.T) {
	conf := "[Peer]\nPublicKey=" + pubA.Base64() + "\n"
	dev, err := testParser(nil).ParseConfig(context.Background(), strings.NewReader(conf), true)
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if dev.ReplacePeers || dev.HasPrivateKey || dev.HasListenPort || dev.HasFirewallMark {
		t.Errorf("append mode set device flags: %+v", dev)
	}
	if len(dev.Peers) != 1 || !dev.Peers[0].ReplaceAllowedIPs {
		t.Errorf("peers = %+v", dev.Peers)
	}
}

func TestParseConfigIncrementalAllowedIPs(t *testing.T) {
	cases := []struct {
		name        string
		value       string
		wantReplace bool
		wantRemove  []bool
	}{
		{name: "add", value: "+10.0.0.0/24", wantReplace: false, wantRemove: []bool{false}},
		{name: "remove", value: "-10.0.0.0/24", wantReplace: false, wantRemove: []bool{true}},
		{name: "mixed", value: "10.1.0.0/16,-10.0.0.0/24", wantReplace: false, wantRemove: []bool{false, true}},
		{name: "plain", value: "10.0.0.0/24", wantReplace: true, wantRemove: []bool{false}},
		{name: "empty", value: "", wantReplace: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conf := "[Peer]\nPublicKey=" + pubA.Base64() + "\nAllowedIPs=" + tc.value + "\n"
			dev, err := testParser(nil).ParseConfig(context.Background(), strings.NewReader(conf), false)
			if err != nil {
				t.Fatalf("ParseConfig: %v", err)
			}
			peer := dev.Peers[0]
			if peer.ReplaceAllowedIPs != tc.wantReplace {
				t.Errorf("ReplaceAllowedIPs = %v, want %v", peer.ReplaceAllowedIPs, tc.wantReplace)
			}
			var gotRemove []bool
			for _, a := range peer.AllowedIPs {
				gotRemove = append(gotRemove, a.Remove)
			}
			if diff := cmp.Diff(tc.wantRemove, gotRemove); diff != "" {
				t.Errorf("remove flags mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseConfigHostBitsWarns(t *testing.T) {
	var logs bytes.Buffer
	conf := "[Peer]\nPublicKey=" + pubA.Base64() + "\nAllowedIPs=192.168.0.1/24\n"
	dev, err := testParser(&logs).ParseConfig(context.Background(), strings.NewReader(conf), false)
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if got := dev.Peers[0].AllowedIPs[0].Prefix.String(); got != "192.168.0.1/24" {
		t.Errorf("prefix = %s, want host bits kept", got)
	}
	if !strings.Contains(logs.String(), "nonzero host part") {
		t.Errorf("no warning logged, got %q", logs.String())
	}
}

func TestParseConfigErrors(t *testing.T) {
	cases := []struct {
		name    string
		conf    string
		wantErr error
		line    int
	}{
		{
			name:    "missing public key",
			conf:    "[Interface]\nListenPort=1\n[Peer]\nAllowedIPs=10.0.0.0/8\n",
			wantErr: ErrMissingPublicKey,
		},
		{
			name:    "key outside section",
			conf:    "\n# leading comment\nListenPort=51820\n",
			wantErr: ErrNoSection,
			line:    3,
		},
		{
			name:    "unknown interface key",
			conf:    "[Interface]\nAddress=10.0.0.1/24\n",
			wantErr: ErrUnknownKey,
			line:    2,
		},
		{
			name:    "peer key in interface",
			conf:    "[Interface]\nEndpoint=192.0.2.1:1\n",
			wantErr: ErrUnknownKey,
			line:    2,
		},
		{
			name:    "no equals",
			conf:    "[Interface]\nListenPort\n",
			wantErr: ErrMalformedLine,
			line:    2,
		},
		{
			name:    "bad key",
			conf:    "[Peer]\nPublicKey=AAAA\n",
			wantErr: ErrInvalidValue,
			line:    2,
		},
		{
			name:    "cidr too wide v4",
			conf:    "[Peer]\nPublicKey=" + pubA.Base64() + "\nAllowedIPs=192.168.0.1/33\n",
			wantErr: ErrInvalidValue,
			line:    3,
		},
		{
			name:    "cidr too wide v6",
			conf:    "[Peer]\nPublicKey=" + pubA.Base64() + "\nAllowedIPs=::1/129\n",
			wantErr: ErrInvalidValue,
			line:    3,
		},
		{
			name:    "empty list entry",
			conf:    "[Peer]\nPublicKey=" + pubA.Base64() + "\nAllowedIPs=10.0.0.0/8,\n",
			wantErr: ErrInvalidValue,
			line:    3,
		},
		{
			name:    "keepalive overflow",
			conf:    "[Peer]\nPublicKey=" + pubA.Base64() + "\nPersistentKeepalive=65536\n",
			wantErr: ErrInvalidValue,
			line:    3,
		},
		{
			name:    "bad endpoint",
			conf:    "[Peer]\nPublicKey=" + pubA.Base64() + "\nEndpoint=192.0.2.1\n",
			wantErr: ErrInvalidValue,
			line:    3,
		},
		{
			name:    "unknown service",
			conf:    "[Interface]\nListenPort=wireguard\n",
			wantErr: ErrInvalidValue,
			line:    2,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dev, err := testParser(nil).ParseConfig(context.Background(), strings.NewReader(tc.conf), false)
			if dev != nil {
				t.Errorf("ParseConfig returned a device on failure: %+v", dev)
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("error = %v, want %v", err, tc.wantErr)
			}
			var perr *Error
			if !errors.As(err, &perr) {
				t.Fatalf("error %T is not *Error", err)
			}
			if perr.Line != tc.line {
				t.Errorf("Line = %d, want %d", perr.Line, tc.line)
			}
		})
	}
}

func TestConfigReaderLineByLine(t *testing.T) {
	cr := testParser(nil).NewConfigReader(true)
	lines := []string{
		"[Interface]",
		"  FwMark = off  ",
		"[Peer]",
		"PublicKey = " + pubB.Base64() + " # remote",
		"Endpoint = 192.0.2.10:51820",
	}
	for _, l := range lines {
		if err := cr.ReadLine(context.Background(), l); err != nil {
			t.Fatalf("ReadLine(%q): %v", l, err)
		}
	}
	dev, err := cr.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if !dev.HasFirewallMark || dev.FirewallMark != 0 {
		t.Errorf("fwmark = %d (has %v), want 0 set", dev.FirewallMark, dev.HasFirewallMark)
	}
	if got := dev.Peers[0].Endpoint.String(); got != "192.0.2.10:51820" {
		t.Errorf("endpoint = %s", got)
	}
}
