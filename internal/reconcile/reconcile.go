// Package reconcile turns a full desired configuration into an update
// that removes stale peers explicitly instead of replacing them all.
package reconcile

import (
	"bytes"
	"slices"

	"github.com/yourorg/wgconf/internal/key"
	"github.com/yourorg/wgconf/internal/wireguard"
)

type origin int

// Desired entries sort ahead of running entries with the same key.
const (
	fromDesired origin = iota
	fromRunning
)

type entry struct {
	key    key.Key
	origin origin
}

// Reconcile prepends a removal for every peer of running that desired does
// not name, then clears desired.ReplacePeers so that peers which stay are
// updated in place. A desired device without peers is left untouched.
// It returns the number of removals added.
func Reconcile(desired, running *wireguard.Device) int {
	if len(desired.Peers) == 0 {
		return 0
	}
	desired.ReplacePeers = false

	entries := make([]entry, 0, len(desired.Peers)+len(running.Peers))
	for _, p := range desired.Peers {
		entries = append(entries, entry{key: p.PublicKey, origin: fromDesired})
	}
	for _, p := range running.Peers {
		entries = append(entries, entry{key: p.PublicKey, origin: fromRunning})
	}
	slices.SortFunc(entries, func(a, b entry) int {
		if c := bytes.Compare(a.key[:], b.key[:]); c != 0 {
			return c
		}
		return int(a.origin) - int(b.origin)
	})

	removed := 0
	for i, e := range entries {
		if e.origin != fromRunning {
			continue
		}
		// Desired entries sort first, so a key seen just before is either
		// kept or already removed.
		if i > 0 && entries[i-1].key == e.key {
			continue
		}
		desired.PrependPeer(wireguard.Peer{
			PublicKey:    e.key,
			HasPublicKey: true,
			Remove:       true,
		})
		removed++
	}
	return removed
}
