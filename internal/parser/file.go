package parser

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/yourorg/wgconf/internal/wireguard"
)

type section int

const (
	sectionNone section = iota
	sectionInterface
	sectionPeer
)

// ConfigReader consumes a configuration file one line at a time. It holds
// the current section and line number so several files can be read
// concurrently with separate readers.
type ConfigReader struct {
	p       *Parser
	dev     *wireguard.Device
	section section
	line    int
}

// NewConfigReader starts a new Device. In replace mode (appendOnly false)
// the device-level fields and the peer list are reset to what the file
// says; in append mode only the fields present are changed.
func (p *Parser) NewConfigReader(appendOnly bool) *ConfigReader {
	dev := &wireguard.Device{}
	if !appendOnly {
		dev.ReplacePeers = true
		dev.HasPrivateKey = true
		dev.HasListenPort = true
		dev.HasFirewallMark = true
	}
	return &ConfigReader{p: p, dev: dev}
}

// ParseConfig reads a whole configuration file.
func (p *Parser) ParseConfig(ctx context.Context, r io.Reader, appendOnly bool) (*wireguard.Device, error) {
	cr := p.NewConfigReader(appendOnly)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		if err := cr.ReadLine(ctx, sc.Text()); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return cr.Finish()
}

// ReadLine applies one line of input.
func (c *ConfigReader) ReadLine(ctx context.Context, raw string) error {
	c.line++

	text := raw
	if i := strings.IndexByte(text, '#'); i >= 0 {
		text = text[:i]
	}
	text = stripSpaces(text)
	if text == "" {
		return nil
	}

	if strings.EqualFold(text, "[Interface]") {
		c.section = sectionInterface
		return nil
	}
	if strings.EqualFold(text, "[Peer]") {
		peer := c.dev.AddPeer()
		peer.ReplaceAllowedIPs = true
		c.section = sectionPeer
		return nil
	}

	k, v, ok := strings.Cut(text, "=")
	if !ok {
		return c.fail(raw, ErrMalformedLine)
	}

	var err error
	switch c.section {
	case sectionInterface:
		err = c.interfaceKey(ctx, k, v)
	case sectionPeer:
		err = c.peerKey(ctx, k, v)
	default:
		err = ErrNoSection
	}
	if err != nil {
		return c.fail(raw, err)
	}
	return nil
}

func (c *ConfigReader) interfaceKey(ctx context.Context, k, v string) error {
	switch {
	case strings.EqualFold(k, "ListenPort"):
		return c.p.setListenPort(ctx, c.dev, v)
	case strings.EqualFold(k, "FwMark"):
		return setFwmark(c.dev, v)
	case strings.EqualFold(k, "PrivateKey"):
		priv, err := parseKey("private key", v)
		if err != nil {
			return err
		}
		c.dev.PrivateKey = priv
		c.dev.HasPrivateKey = true
		return nil
	}
	return fmt.Errorf("%w %q in [Interface]", ErrUnknownKey, k)
}

func (c *ConfigReader) peerKey(ctx context.Context, k, v string) error {
	peer := c.dev.LastPeer()
	switch {
	case strings.EqualFold(k, "Endpoint"):
		return c.p.setEndpoint(ctx, peer, v)
	case strings.EqualFold(k, "PublicKey"):
		pub, err := parseKey("public key", v)
		if err != nil {
			return err
		}
		peer.PublicKey = pub
		peer.HasPublicKey = true
		return nil
	case strings.EqualFold(k, "AllowedIPs"):
		return c.p.setAllowedIPs(peer, v)
	case strings.EqualFold(k, "PersistentKeepalive"):
		return setKeepalive(peer, v)
	case strings.EqualFold(k, "PresharedKey"):
		psk, err := parseKey("preshared key", v)
		if err != nil {
			return err
		}
		peer.PresharedKey = psk
		peer.HasPresharedKey = true
		return nil
	}
	return fmt.Errorf("%w %q in [Peer]", ErrUnknownKey, k)
}

func (c *ConfigReader) fail(raw string, err error) error {
	return &Error{Line: c.line, Text: strings.TrimSpace(raw), Err: err}
}

// Finish returns the Device once every peer has a public key.
func (c *ConfigReader) Finish() (*wireguard.Device, error) {
	if err := checkPeers(c.dev); err != nil {
		return nil, err
	}
	return c.dev, nil
}
