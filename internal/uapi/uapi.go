// Package uapi speaks the line-oriented get/set configuration protocol of
// a WireGuard device over any byte stream.
package uapi

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"syscall"

	"github.com/yourorg/wgconf/internal/key"
	"github.com/yourorg/wgconf/internal/resolve"
	"github.com/yourorg/wgconf/internal/wireguard"
)

// ErrProtocol is returned when the peer's response cannot be understood.
var ErrProtocol = errors.New("uapi: protocol error")

// RemoteError is an explicit errno reported by the device.
type RemoteError struct {
	Errno int64
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("device reported errno=%d: %v", e.Errno, e.Unwrap())
}

// Unwrap maps the errno to a syscall.Errno so callers can use errors.Is.
func (e *RemoteError) Unwrap() error {
	n := e.Errno
	if n < 0 {
		n = -n
	}
	return syscall.Errno(n)
}

func protocolErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

func errnoResult(n int64) error {
	if n == 0 {
		return nil
	}
	return &RemoteError{Errno: n}
}

// readLine returns one line without its newline. A line cut short by the
// end of the stream is a protocol error.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", protocolErr("unexpected end of stream")
		}
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	return line[:len(line)-1], nil
}

func parseErrno(v string) (int64, error) {
	if v == "" || (v[0] != '-' && (v[0] < '0' || v[0] > '9')) {
		return 0, protocolErr("invalid errno %q", v)
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		return 0, protocolErr("invalid errno %q", v)
	}
	return n, nil
}

// WriteSetRequest writes a complete "set=1" request for dev and flushes it.
func WriteSetRequest(w io.Writer, dev *wireguard.Device) error {
	bw := bufio.NewWriter(w)

	bw.WriteString("set=1\n")
	if dev.HasPrivateKey {
		fmt.Fprintf(bw, "private_key=%s\n", dev.PrivateKey.Hex())
	}
	if dev.HasListenPort {
		fmt.Fprintf(bw, "listen_port=%d\n", dev.ListenPort)
	}
	if dev.HasFirewallMark {
		fmt.Fprintf(bw, "fwmark=%d\n", dev.FirewallMark)
	}
	if dev.ReplacePeers {
		bw.WriteString("replace_peers=true\n")
	}

	for i := range dev.Peers {
		peer := &dev.Peers[i]
		fmt.Fprintf(bw, "public_key=%s\n", peer.PublicKey.Hex())
		if peer.Remove {
			bw.WriteString("remove=true\n")
			continue
		}
		if peer.HasPresharedKey {
			fmt.Fprintf(bw, "preshared_key=%s\n", peer.PresharedKey.Hex())
		}
		if peer.Endpoint.IsValid() {
			fmt.Fprintf(bw, "endpoint=%s\n", peer.Endpoint)
		}
		if peer.HasPersistentKeepalive {
			fmt.Fprintf(bw, "persistent_keepalive_interval=%d\n", peer.PersistentKeepaliveInterval)
		}
		if peer.ReplaceAllowedIPs {
			bw.WriteString("replace_allowed_ips=true\n")
		}
		for _, aip := range peer.AllowedIPs {
			fmt.Fprintf(bw, "allowed_ip=%s\n", aip)
		}
	}
	bw.WriteString("\n")

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to write set request: %w", err)
	}
	return nil
}

// ReadSetResponse reads the reply to a set request up to its blank line.
// A reply without an errno line counts as success.
func ReadSetResponse(r *bufio.Reader) error {
	var result error
	for {
		line, err := readLine(r)
		if err != nil {
			return err
		}
		if line == "" {
			return result
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			return protocolErr("malformed line %q", line)
		}
		if k == "errno" {
			n, err := parseErrno(v)
			if err != nil {
				return err
			}
			result = errnoResult(n)
		}
	}
}

// SetDevice applies dev over rw and waits for the result.
func SetDevice(rw io.ReadWriter, dev *wireguard.Device) error {
	if err := WriteSetRequest(rw, dev); err != nil {
		return err
	}
	return ReadSetResponse(bufio.NewReader(rw))
}

// WriteGetRequest writes "get=1" followed by the terminating blank line.
func WriteGetRequest(w io.Writer) error {
	if _, err := io.WriteString(w, "get=1\n\n"); err != nil {
		return fmt.Errorf("failed to write get request: %w", err)
	}
	return nil
}

// endpoints come back as literal addresses, so one attempt is enough.
var endpointResolver = resolve.New(resolve.Policy{})

func parseNumber(k, v string, bits int) (uint64, error) {
	if v == "" || v[0] < '0' || v[0] > '9' {
		return 0, protocolErr("invalid %s %q", k, v)
	}
	n, err := strconv.ParseUint(v, 10, bits)
	if err != nil {
		return 0, protocolErr("invalid %s %q", k, v)
	}
	return n, nil
}

func parseHexKey(k, v string) (key.Key, error) {
	parsed, err := key.ParseHex(v)
	if err != nil {
		return key.Key{}, protocolErr("invalid %s", k)
	}
	return parsed, nil
}

// ReadGetResponse decodes a get reply into a Device named name. Device
// fields are only accepted before the first public_key line; every later
// peer field belongs to the most recent public_key. Unknown keys are
// skipped.
func ReadGetResponse(ctx context.Context, r *bufio.Reader, name string) (*wireguard.Device, error) {
	dev := &wireguard.Device{Name: name}
	var result error

	for {
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		if line == "" {
			break
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			return nil, protocolErr("malformed line %q", line)
		}
		if err := applyGetLine(ctx, dev, k, v); err != nil {
			return nil, err
		}
		if k == "errno" {
			n, err := parseErrno(v)
			if err != nil {
				return nil, err
			}
			result = errnoResult(n)
		}
	}

	if result != nil {
		return nil, result
	}
	return dev, nil
}

func applyGetLine(ctx context.Context, dev *wireguard.Device, k, v string) error {
	peer := dev.LastPeer()

	switch k {
	case "private_key", "listen_port", "fwmark":
		if peer != nil {
			return protocolErr("%s after the first peer", k)
		}
	}

	switch k {
	case "private_key":
		priv, err := parseHexKey(k, v)
		if err != nil {
			return err
		}
		dev.PrivateKey = priv
		dev.PublicKey = priv.PublicKey()
		dev.HasPrivateKey = true
		dev.HasPublicKey = true
	case "listen_port":
		n, err := parseNumber(k, v, 16)
		if err != nil {
			return err
		}
		dev.ListenPort = uint16(n)
		dev.HasListenPort = true
	case "fwmark":
		n, err := parseNumber(k, v, 32)
		if err != nil {
			return err
		}
		dev.FirewallMark = uint32(n)
		dev.HasFirewallMark = true
	case "public_key":
		pub, err := parseHexKey(k, v)
		if err != nil {
			return err
		}
		next := dev.AddPeer()
		next.PublicKey = pub
		next.HasPublicKey = true
	case "errno":
	default:
		if peer == nil {
			return nil
		}
		return applyPeerLine(ctx, peer, k, v)
	}
	return nil
}

func applyPeerLine(ctx context.Context, peer *wireguard.Peer, k, v string) error {
	switch k {
	case "preshared_key":
		psk, err := parseHexKey(k, v)
		if err != nil {
			return err
		}
		peer.PresharedKey = psk
		peer.HasPresharedKey = !psk.IsZero()
	case "endpoint":
		ap, err := endpointResolver.Resolve(ctx, v)
		if err != nil {
			return protocolErr("invalid endpoint %q: %v", v, err)
		}
		peer.Endpoint = ap
	case "persistent_keepalive_interval":
		n, err := parseNumber(k, v, 16)
		if err != nil {
			return err
		}
		peer.PersistentKeepaliveInterval = uint16(n)
		peer.HasPersistentKeepalive = true
	case "allowed_ip":
		// The mask is mandatory on the wire.
		if !strings.Contains(v, "/") {
			return protocolErr("allowed_ip %q has no mask", v)
		}
		prefix, err := wireguard.ParsePrefix(v)
		if err != nil {
			return protocolErr("invalid allowed_ip %q", v)
		}
		peer.AllowedIPs = append(peer.AllowedIPs, wireguard.AllowedIP{Prefix: prefix})
	case "last_handshake_time_sec":
		n, err := parseNumber(k, v, 63)
		if err != nil {
			return err
		}
		peer.LastHandshakeTime.Sec = int64(n)
	case "last_handshake_time_nsec":
		n, err := parseNumber(k, v, 63)
		if err != nil {
			return err
		}
		peer.LastHandshakeTime.Nsec = int64(n)
	case "rx_bytes":
		n, err := parseNumber(k, v, 64)
		if err != nil {
			return err
		}
		peer.RxBytes = n
	case "tx_bytes":
		n, err := parseNumber(k, v, 64)
		if err != nil {
			return err
		}
		peer.TxBytes = n
	}
	return nil
}

// GetDevice requests the state of the device behind rw.
func GetDevice(ctx context.Context, rw io.ReadWriter, name string) (*wireguard.Device, error) {
	if err := WriteGetRequest(rw); err != nil {
		return nil, err
	}
	return ReadGetResponse(ctx, bufio.NewReader(rw), name)
}
