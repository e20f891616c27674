package srdb

import (
	"fmt"
	"net/netip"

	"github.com/vishvananda/netlink"
)

// LocalAddresses returns the global unicast IPv6 addresses configured on
// this host.
func LocalAddresses() ([]netip.Addr, error) {
	addrs, err := netlink.AddrList(nil, netlink.FAMILY_V6)
	if err != nil {
		return nil, fmt.Errorf("list addresses: %w", err)
	}
	var out []netip.Addr
	for _, a := range addrs {
		if a.IPNet == nil {
			continue
		}
		ip, ok := netip.AddrFromSlice(a.IPNet.IP)
		if !ok {
			continue
		}
		if usable(ip) {
			out = append(out, ip.Unmap())
		}
	}
	return out, nil
}

// ParseAddresses parses configured local addresses.
func ParseAddresses(list []string) ([]netip.Addr, error) {
	out := make([]netip.Addr, 0, len(list))
	for _, s := range list {
		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("local address %q: %w", s, err)
		}
		out = append(out, a)
	}
	return out, nil
}

func usable(a netip.Addr) bool {
	return a.Is6() && !a.Is4In6() && a.IsGlobalUnicast() && !a.IsLinkLocalUnicast()
}
