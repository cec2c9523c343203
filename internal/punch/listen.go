package punch

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/postalsys/portal/internal/code"
)

// Listen binds the UDP socket used for punching and, afterwards, for QUIC.
func Listen(ctx context.Context, address string) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: reuseControl}
	pc, err := lc.ListenPacket(ctx, "udp", address)
	if err != nil {
		return nil, fmt.Errorf("bind punch socket %s: %w", address, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("bind punch socket %s: unexpected type %T", address, pc)
	}
	return conn, nil
}

// Candidates returns the candidate list for a bound punch socket. A socket
// bound to one address advertises only that address. The extra candidates,
// "ip" or "ip:port" with the socket's port as default, go first.
func Candidates(conn *net.UDPConn, extra ...string) ([]netip.AddrPort, error) {
	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, fmt.Errorf("unexpected local address %v", conn.LocalAddr())
	}
	bound := local.AddrPort()

	pinned := make([]netip.AddrPort, 0, len(extra))
	for _, s := range extra {
		c, err := code.ParseCandidate(s, bound.Port())
		if err != nil {
			return nil, err
		}
		pinned = append(pinned, c)
	}

	if !bound.Addr().IsUnspecified() {
		own := []netip.AddrPort{netip.AddrPortFrom(bound.Addr().Unmap(), bound.Port())}
		return code.MergeCandidates(pinned, own), nil
	}
	discovered, err := code.LocalCandidates(bound.Port())
	if err != nil {
		return nil, err
	}
	return code.MergeCandidates(pinned, discovered), nil
}
