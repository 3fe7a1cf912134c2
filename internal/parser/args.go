package parser

import (
	"context"
	"fmt"

	"github.com/yourorg/wgconf/internal/wireguard"
)

// ParseArgs parses the argument list of "set": keyword/value pairs that
// change only what they name. Device keywords must come before the first
// "peer"; peer keywords apply to the most recent one.
func (p *Parser) ParseArgs(ctx context.Context, args []string) (*wireguard.Device, error) {
	dev := &wireguard.Device{}

	for len(args) > 0 {
		peer := dev.LastPeer()
		keyword := args[0]
		hasValue := len(args) >= 2

		var (
			err      error
			consumed = 2
		)
		switch {
		case keyword == "listen-port" && hasValue && peer == nil:
			err = p.setListenPort(ctx, dev, args[1])
		case keyword == "fwmark" && hasValue && peer == nil:
			err = setFwmark(dev, args[1])
		case keyword == "private-key" && hasValue && peer == nil:
			dev.PrivateKey, err = p.readKeyFile("private key", args[1])
			dev.HasPrivateKey = err == nil
		case keyword == "peer" && hasValue:
			pub, perr := parseKey("public key", args[1])
			if perr != nil {
				err = perr
				break
			}
			next := dev.AddPeer()
			next.PublicKey = pub
			next.HasPublicKey = true
		case keyword == "remove" && peer != nil:
			peer.Remove = true
			consumed = 1
		case keyword == "endpoint" && hasValue && peer != nil:
			err = p.setEndpoint(ctx, peer, args[1])
		case keyword == "allowed-ips" && hasValue && peer != nil:
			err = p.setAllowedIPs(peer, stripSpaces(args[1]))
		case keyword == "persistent-keepalive" && hasValue && peer != nil:
			err = setKeepalive(peer, args[1])
		case keyword == "preshared-key" && hasValue && peer != nil:
			peer.PresharedKey, err = p.readKeyFile("preshared key", args[1])
			peer.HasPresharedKey = err == nil
		default:
			return nil, &Error{Text: keyword, Err: fmt.Errorf("%w: %s", ErrInvalidArgument, usageHint(keyword, hasValue, peer != nil))}
		}
		if err != nil {
			return nil, &Error{Text: keyword + " " + args[1], Err: err}
		}
		args = args[consumed:]
	}

	if err := checkPeers(dev); err != nil {
		return nil, err
	}
	return dev, nil
}

func usageHint(keyword string, hasValue, inPeer bool) string {
	switch keyword {
	case "listen-port", "fwmark", "private-key":
		if inPeer {
			return keyword + " must come before the first peer"
		}
	case "remove":
		return keyword + " requires a preceding peer"
	case "peer":
	case "endpoint", "allowed-ips", "persistent-keepalive", "preshared-key":
		if !inPeer {
			return keyword + " requires a preceding peer"
		}
	default:
		return "unknown keyword"
	}
	if !hasValue {
		return keyword + " requires a value"
	}
	return "unexpected"
}
