package code

import (
	"cmp"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strings"
)

// Address classes, most specific first.
const (
	classGlobal = iota
	classPrivate
	classLinkLocal
	classLoopback
)

// LocalCandidates returns the candidate list for a socket bound to port on
// every interface of this host.
func LocalCandidates(port uint16) ([]netip.AddrPort, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	return DiscoverCandidates(port, addrs), nil
}

// DiscoverCandidates converts interface addresses into punch candidates on
// port. Unspecified and multicast addresses are dropped, as are IPv6
// link-local ones, which need a zone the code cannot carry. The rest are
// ordered global, private, link-local, then loopback, with IPv4 ahead of IPv6
// inside a class. Duplicates are removed and the result is capped at MaxCandidates.
func DiscoverCandidates(port uint16, addrs []net.Addr) []netip.AddrPort {
	seen := make(map[netip.Addr]struct{}, len(addrs))
	found := make([]netip.Addr, 0, len(addrs))

	for _, a := range addrs {
		ip, ok := addrFromNet(a)
		if !ok {
			continue
		}
		if ip.IsUnspecified() || ip.IsMulticast() {
			continue
		}
		if ip.Is6() && ip.IsLinkLocalUnicast() {
			continue
		}
		if _, dup := seen[ip]; dup {
			continue
		}
		seen[ip] = struct{}{}
		found = append(found, ip)
	}

	slices.SortStableFunc(found, func(a, b netip.Addr) int {
		if c := cmp.Compare(addrClass(a), addrClass(b)); c != 0 {
			return c
		}
		return cmp.Compare(familyRank(a), familyRank(b))
	})

	if len(found) > MaxCandidates {
		found = found[:MaxCandidates]
	}

	out := make([]netip.AddrPort, len(found))
	for i, ip := range found {
		out[i] = netip.AddrPortFrom(ip, port)
	}
	return out
}

// ParseCandidate parses an operator-supplied candidate, "ip" or "ip:port".
// IPv6 addresses with a port take brackets. A missing port means
// defaultPort.
func ParseCandidate(s string, defaultPort uint16) (netip.AddrPort, error) {
	s = strings.TrimSpace(s)
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		addr, aerr := netip.ParseAddr(strings.TrimSuffix(strings.TrimPrefix(s, "["), "]"))
		if aerr != nil {
			return netip.AddrPort{}, fmt.Errorf("invalid candidate %q: want ip or ip:port", s)
		}
		ap = netip.AddrPortFrom(addr, defaultPort)
	}

	addr := ap.Addr().Unmap()
	switch {
	case addr.Zone() != "", addr.Is6() && addr.IsLinkLocalUnicast():
		return netip.AddrPort{}, fmt.Errorf("invalid candidate %q: link-local IPv6 is not supported", s)
	case addr.IsUnspecified() || addr.IsMulticast():
		return netip.AddrPort{}, fmt.Errorf("invalid candidate %q: not a unicast address", s)
	case ap.Port() == 0:
		return netip.AddrPort{}, fmt.Errorf("invalid candidate %q: port is required", s)
	}
	return netip.AddrPortFrom(addr, ap.Port()), nil
}

// MergeCandidates puts extra ahead of discovered, drops repeats and caps the
// result at MaxCandidates.
func MergeCandidates(extra, discovered []netip.AddrPort) []netip.AddrPort {
	out := make([]netip.AddrPort, 0, len(extra)+len(discovered))
	seen := make(map[netip.AddrPort]struct{}, cap(out))
	for _, list := range [][]netip.AddrPort{extra, discovered} {
		for _, c := range list {
			c = netip.AddrPortFrom(c.Addr().Unmap(), c.Port())
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}
	if len(out) > MaxCandidates {
		out = out[:MaxCandidates]
	}
	return out
}

func addrFromNet(a net.Addr) (netip.Addr, bool) {
	var ip net.IP
	switch v := a.(type) {
	case *net.IPNet:
		ip = v.IP
	case *net.IPAddr:
		ip = v.IP
	case *net.UDPAddr:
		ip = v.IP
	default:
		return netip.Addr{}, false
	}
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func addrClass(a netip.Addr) int {
	switch {
	case a.IsLoopback():
		return classLoopback
	case a.IsLinkLocalUnicast():
		return classLinkLocal
	case a.IsPrivate():
		return classPrivate
	default:
		return classGlobal
	}
}

func familyRank(a netip.Addr) int {
	if a.Is4() {
		return 0
	}
	return 1
}
