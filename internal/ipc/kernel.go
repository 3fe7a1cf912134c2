package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/yourorg/wgconf/internal/key"
	"github.com/yourorg/wgconf/internal/wireguard"
)

// Kernel configures devices through wgctrl: generic netlink on Linux and
// the native ioctl interfaces on the BSDs.
type Kernel struct {
	c *wgctrl.Client
}

// NewKernel opens the platform's native WireGuard interface.
func NewKernel() (*Kernel, error) {
	c, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("failed to open wgctrl client: %w", err)
	}
	return &Kernel{c: c}, nil
}

func (k *Kernel) Device(_ context.Context, name string) (*wireguard.Device, error) {
	d, err := k.c.Device(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoDevice, name)
		}
		return nil, fmt.Errorf("failed to get device %s: %w", name, err)
	}
	return fromWgtypes(d), nil
}

func (k *Kernel) ConfigureDevice(_ context.Context, dev *wireguard.Device) error {
	cfg, err := toWgtypes(dev)
	if err != nil {
		return err
	}
	if err := k.c.ConfigureDevice(dev.Name, cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNoDevice, dev.Name)
		}
		return fmt.Errorf("failed to configure device %s: %w", dev.Name, err)
	}
	return nil
}

func (k *Kernel) Devices(_ context.Context) ([]string, error) {
	devs, err := k.c.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	names := make([]string, 0, len(devs))
	for _, d := range devs {
		names = append(names, d.Name)
	}
	return names, nil
}

func (k *Kernel) Close() error {
	return k.c.Close()
}

func fromWgtypes(d *wgtypes.Device) *wireguard.Device {
	dev := &wireguard.Device{
		Name:         d.Name,
		PrivateKey:   key.FromWG(d.PrivateKey),
		PublicKey:    key.FromWG(d.PublicKey),
		ListenPort:   uint16(d.ListenPort),
		FirewallMark: uint32(d.FirewallMark),
	}
	dev.HasPrivateKey = !dev.PrivateKey.IsZero()
	dev.HasPublicKey = !dev.PublicKey.IsZero()
	dev.HasListenPort = d.ListenPort != 0
	dev.HasFirewallMark = d.FirewallMark != 0

	for _, p := range d.Peers {
		peer := dev.AddPeer()
		peer.PublicKey = key.FromWG(p.PublicKey)
		peer.HasPublicKey = true
		peer.PresharedKey = key.FromWG(p.PresharedKey)
		peer.HasPresharedKey = !peer.PresharedKey.IsZero()
		if p.Endpoint != nil {
			ap := p.Endpoint.AddrPort()
			peer.Endpoint = netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
		}
		if !p.LastHandshakeTime.IsZero() {
			peer.LastHandshakeTime = wireguard.Timespec{
				Sec:  p.LastHandshakeTime.Unix(),
				Nsec: int64(p.LastHandshakeTime.Nanosecond()),
			}
		}
		peer.RxBytes = uint64(p.ReceiveBytes)
		peer.TxBytes = uint64(p.TransmitBytes)
		peer.PersistentKeepaliveInterval = uint16(p.PersistentKeepaliveInterval / time.Second)
		peer.HasPersistentKeepalive = true

		for _, ipn := range p.AllowedIPs {
			prefix, ok := prefixFromIPNet(ipn)
			if !ok {
				continue
			}
			peer.AllowedIPs = append(peer.AllowedIPs, wireguard.AllowedIP{Prefix: prefix})
		}
	}
	return dev
}

func toWgtypes(dev *wireguard.Device) (wgtypes.Config, error) {
	cfg := wgtypes.Config{ReplacePeers: dev.ReplacePeers}
	if dev.HasPrivateKey {
		priv := dev.PrivateKey.WG()
		cfg.PrivateKey = &priv
	}
	if dev.HasListenPort {
		port := int(dev.ListenPort)
		cfg.ListenPort = &port
	}
	if dev.HasFirewallMark {
		mark := int(dev.FirewallMark)
		cfg.FirewallMark = &mark
	}

	for _, p := range dev.Peers {
		pc := wgtypes.PeerConfig{
			PublicKey: p.PublicKey.WG(),
			Remove:    p.Remove,
		}
		if p.Remove {
			cfg.Peers = append(cfg.Peers, pc)
			continue
		}
		pc.ReplaceAllowedIPs = p.ReplaceAllowedIPs
		if p.HasPresharedKey {
			psk := p.PresharedKey.WG()
			pc.PresharedKey = &psk
		}
		if p.Endpoint.IsValid() {
			pc.Endpoint = net.UDPAddrFromAddrPort(p.Endpoint)
		}
		if p.HasPersistentKeepalive {
			interval := time.Duration(p.PersistentKeepaliveInterval) * time.Second
			pc.PersistentKeepaliveInterval = &interval
		}
		for _, aip := range p.AllowedIPs {
			if aip.Remove {
				return wgtypes.Config{}, fmt.Errorf("%w: removing allowed IP %s", ErrUnsupported, aip.Prefix)
			}
			pc.AllowedIPs = append(pc.AllowedIPs, ipNetFromPrefix(aip.Prefix))
		}
		cfg.Peers = append(cfg.Peers, pc)
	}
	return cfg, nil
}

func ipNetFromPrefix(p netip.Prefix) net.IPNet {
	return net.IPNet{
		IP:   net.IP(p.Addr().AsSlice()),
		Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
	}
}

func prefixFromIPNet(ipn net.IPNet) (netip.Prefix, bool) {
	addr, ok := netip.AddrFromSlice(ipn.IP)
	if !ok {
		return netip.Prefix{}, false
	}
	ones, bits := ipn.Mask.Size()
	if bits == 32 {
		addr = addr.Unmap()
	}
	if bits != addr.BitLen() {
		return netip.Prefix{}, false
	}
	return netip.PrefixFrom(addr, ones), true
}
