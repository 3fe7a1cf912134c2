package wireguard

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/yourorg/wgconf/internal/key"
)

// MaxNameLen is the longest interface name the kernel accepts (IFNAMSIZ - 1).
const MaxNameLen = 15

// Device represents one tunnel interface and its peers, in configuration order.
type Device struct {
	Name         string
	PrivateKey   key.Key
	PublicKey    key.Key
	ListenPort   uint16
	FirewallMark uint32
	Peers        []Peer

	// ReplacePeers asks the device to drop every peer not listed in Peers.
	ReplacePeers    bool
	HasPrivateKey   bool
	HasPublicKey    bool
	HasListenPort   bool
	HasFirewallMark bool
}

// Peer represents one remote endpoint of a Device.
type Peer struct {
	PublicKey                   key.Key
	PresharedKey                key.Key
	Endpoint                    netip.AddrPort // zero value means unset
	LastHandshakeTime           Timespec
	RxBytes                     uint64
	TxBytes                     uint64
	PersistentKeepaliveInterval uint16 // seconds, 0 disables
	AllowedIPs                  []AllowedIP

	// Remove deletes the peer from the device; nothing else about it is sent.
	Remove                 bool
	ReplaceAllowedIPs      bool
	HasPublicKey           bool
	HasPresharedKey        bool
	HasPersistentKeepalive bool
}

// Timespec is a handshake timestamp as reported by the device.
type Timespec struct {
	Sec  int64
	Nsec int64
}

// Time converts t to a time.Time. The zero Timespec means "never".
func (t Timespec) Time() time.Time {
	if t.Sec == 0 && t.Nsec == 0 {
		return time.Time{}
	}
	return time.Unix(t.Sec, t.Nsec)
}

// AllowedIP is one CIDR range routed to a peer. The prefix keeps any host
// bits exactly as written.
type AllowedIP struct {
	Prefix netip.Prefix
	// Remove marks an incremental "-" entry.
	Remove bool
}

func (a AllowedIP) String() string {
	if a.Remove {
		return "-" + a.Prefix.String()
	}
	return a.Prefix.String()
}

// HasHostBits reports whether the address has bits set outside the mask.
func (a AllowedIP) HasHostBits() bool {
	return a.Prefix.Masked().Addr() != a.Prefix.Addr()
}

// AddPeer appends an empty peer and returns it. The pointer is valid until
// the next call that grows Peers.
func (d *Device) AddPeer() *Peer {
	d.Peers = append(d.Peers, Peer{})
	return &d.Peers[len(d.Peers)-1]
}

// LastPeer returns the most recently added peer, or nil.
func (d *Device) LastPeer() *Peer {
	if len(d.Peers) == 0 {
		return nil
	}
	return &d.Peers[len(d.Peers)-1]
}

// PrependPeer inserts p ahead of every existing peer.
func (d *Device) PrependPeer(p Peer) {
	d.Peers = append([]Peer{p}, d.Peers...)
}

// ValidateName checks that name can identify an interface: non-empty,
// bounded, and free of path separators.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("empty interface name")
	case len(name) > MaxNameLen:
		return fmt.Errorf("interface name %q longer than %d bytes", name, MaxNameLen)
	case strings.ContainsAny(name, "/\x00"):
		return fmt.Errorf("interface name %q contains a path separator", name)
	}
	return nil
}
