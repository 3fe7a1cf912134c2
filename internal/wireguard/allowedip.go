package wireguard

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// ParsePrefix parses "addr" or "addr/cidr". The address is IPv6 when it
// contains a colon and IPv4 otherwise; a missing cidr means the full width
// of the family. Host bits are kept, not masked.
func ParsePrefix(s string) (netip.Prefix, error) {
	addrText, cidrText, hasCIDR := strings.Cut(s, "/")

	addr, err := netip.ParseAddr(addrText)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid address %q", addrText)
	}
	if strings.Contains(addrText, ":") {
		if !addr.Is6() || addr.Zone() != "" {
			return netip.Prefix{}, fmt.Errorf("invalid IPv6 address %q", addrText)
		}
	} else if !addr.Is4() {
		return netip.Prefix{}, fmt.Errorf("invalid IPv4 address %q", addrText)
	}

	bits := addr.BitLen()
	if hasCIDR {
		if cidrText == "" || cidrText[0] < '0' || cidrText[0] > '9' {
			return netip.Prefix{}, fmt.Errorf("invalid CIDR %q", cidrText)
		}
		n, err := strconv.ParseUint(cidrText, 10, 32)
		if err != nil || n > uint64(addr.BitLen()) {
			return netip.Prefix{}, fmt.Errorf("invalid CIDR %q for %s", cidrText, addrText)
		}
		bits = int(n)
	}
	return netip.PrefixFrom(addr, bits), nil
}
