package parser

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/yourorg/wgconf/internal/key"
	"github.com/yourorg/wgconf/internal/wireguard"
)

func invalid(field string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", ErrInvalidValue, field)
	}
	return fmt.Errorf("%w: %s: %v", ErrInvalidValue, field, err)
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// stripSpaces removes every whitespace byte, not only the ends.
func stripSpaces(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if !isSpace(s[i]) {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func (p *Parser) setListenPort(ctx context.Context, dev *wireguard.Device, value string) error {
	port, err := p.resolver().Port(ctx, value)
	if err != nil {
		return invalid("listen port", err)
	}
	dev.ListenPort = port
	dev.HasListenPort = true
	return nil
}

// parseFwmark accepts "off", a decimal number, or a 0x-prefixed hex number.
func parseFwmark(value string) (uint32, error) {
	if strings.EqualFold(value, "off") {
		return 0, nil
	}
	if value == "" || !isDigit(value[0]) {
		return 0, invalid("fwmark", nil)
	}
	var (
		n   uint64
		err error
	)
	if len(value) > 2 && value[0] == '0' && value[1] == 'x' {
		n, err = strconv.ParseUint(value[2:], 16, 32)
	} else {
		n, err = strconv.ParseUint(value, 10, 32)
	}
	if err != nil {
		return 0, invalid("fwmark", nil)
	}
	return uint32(n), nil
}

func setFwmark(dev *wireguard.Device, value string) error {
	mark, err := parseFwmark(value)
	if err != nil {
		return err
	}
	dev.FirewallMark = mark
	dev.HasFirewallMark = true
	return nil
}

// parseKeepalive accepts "off" or a number of seconds. Zero also disables.
func parseKeepalive(value string) (uint16, error) {
	if strings.EqualFold(value, "off") {
		return 0, nil
	}
	if value == "" || !isDigit(value[0]) {
		return 0, invalid("persistent keepalive", nil)
	}
	n, err := strconv.ParseUint(value, 10, 16)
	if err != nil {
		return 0, invalid("persistent keepalive", nil)
	}
	return uint16(n), nil
}

func setKeepalive(peer *wireguard.Peer, value string) error {
	interval, err := parseKeepalive(value)
	if err != nil {
		return err
	}
	peer.PersistentKeepaliveInterval = interval
	peer.HasPersistentKeepalive = true
	return nil
}

func parseKey(field, value string) (key.Key, error) {
	k, err := key.ParseBase64(value)
	if err != nil {
		return key.Key{}, invalid(field, err)
	}
	return k, nil
}

// readKeyFile reads one base64 key from path, or from stdin when path is
// "-". An empty file yields the zero key, which clears a preshared key.
// Trailing whitespace after the key is allowed.
func (p *Parser) readKeyFile(field, path string) (key.Key, error) {
	var r io.Reader
	if path == "-" {
		r = p.stdin()
	} else {
		f, err := os.Open(path)
		if err != nil {
			return key.Key{}, fmt.Errorf("failed to open %s file: %w", field, err)
		}
		defer f.Close()
		r = f
	}

	br := bufio.NewReader(r)
	buf := make([]byte, key.Base64Len)
	n, err := io.ReadFull(br, buf)
	switch {
	case err == io.EOF && n == 0:
		return key.Key{}, nil
	case errors.Is(err, io.ErrUnexpectedEOF):
		return key.Key{}, invalid(field, key.ErrInvalid)
	case err != nil:
		return key.Key{}, fmt.Errorf("failed to read %s file: %w", field, err)
	}

	for {
		c, err := br.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return key.Key{}, fmt.Errorf("failed to read %s file: %w", field, err)
		}
		if !isSpace(c) {
			return key.Key{}, invalid(field, errors.New("trailing characters after key"))
		}
	}
	return parseKey(field, string(buf))
}

func (p *Parser) setEndpoint(ctx context.Context, peer *wireguard.Peer, value string) error {
	ap, err := p.resolver().Resolve(ctx, value)
	if err != nil {
		return invalid("endpoint", err)
	}
	peer.Endpoint = ap
	return nil
}

// setAllowedIPs appends a comma-separated list to peer. A leading "+" or
// "-" on an entry makes the change incremental; "-" also removes it.
func (p *Parser) setAllowedIPs(peer *wireguard.Peer, value string) error {
	peer.ReplaceAllowedIPs = true
	if value == "" {
		return nil
	}
	for _, entry := range strings.Split(value, ",") {
		var remove bool
		switch {
		case strings.HasPrefix(entry, "+"):
			entry = entry[1:]
			peer.ReplaceAllowedIPs = false
		case strings.HasPrefix(entry, "-"):
			entry = entry[1:]
			peer.ReplaceAllowedIPs = false
			remove = true
		}

		prefix, err := wireguard.ParsePrefix(entry)
		if err != nil {
			return invalid("allowed IP", err)
		}
		aip := wireguard.AllowedIP{Prefix: prefix, Remove: remove}
		if aip.HasHostBits() {
			p.logger().Warn("AllowedIP has nonzero host part",
				"allowed_ip", prefix.String(),
				"network", prefix.Masked().String(),
			)
		}
		peer.AllowedIPs = append(peer.AllowedIPs, aip)
	}
	return nil
}

// checkPeers enforces that every peer names its public key.
func checkPeers(dev *wireguard.Device) error {
	for i := range dev.Peers {
		if !dev.Peers[i].HasPublicKey {
			return &Error{Text: fmt.Sprintf("peer %d", i+1), Err: ErrMissingPublicKey}
		}
	}
	return nil
}
