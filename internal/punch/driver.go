package punch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/postalsys/portal/internal/logging"
	"github.com/postalsys/portal/internal/recovery"
)

const (
	// readBufferSize fits any punch packet and a full QUIC datagram.
	readBufferSize = 2048

	// DefaultLinger is how long an established side keeps answering late
	// punch packets after handing the socket over.
	DefaultLinger = 5 * time.Second

	defaultTTL = 64
)

// DriverConfig configures a Driver.
type DriverConfig struct {
	// InitialTTL, when positive, is the IP TTL of the first probe round. A low
	// value opens the local NAT mapping without tripping the peer's NAT.
	InitialTTL int

	Logger *slog.Logger
}

// Result is a punched path.
type Result struct {
	// Remote is the confirmed peer endpoint.
	Remote *net.UDPAddr

	// Conn is the punch socket, now owned by the caller.
	Conn net.PacketConn

	// Elapsed is the time from the first probe to the confirmed path.
	Elapsed time.Duration
}

// DatagramConn is the non-QUIC side of a socket shared with a QUIC transport.
// *quic.Transport satisfies it.
type DatagramConn interface {
	ReadNonQUICPacket(ctx context.Context, b []byte) (int, net.Addr, error)
	WriteTo(b []byte, addr net.Addr) (int, error)
}

// Driver runs a Machine against a real socket.
type Driver struct {
	cfg    DriverConfig
	logger *slog.Logger
}

// NewDriver creates a driver.
func NewDriver(cfg DriverConfig) *Driver {
	return &Driver{
		cfg:    cfg,
		logger: logging.OrNop(cfg.Logger).With(logging.KeyComponent, "punch"),
	}
}

type datagram struct {
	from    netip.AddrPort
	payload []byte
}

// Run punches until m is Established or Failed. m must already hold the
// peer's code. On success the socket is returned to the caller with no read
// deadline set; on failure conn is left open for the caller to close.
func (d *Driver) Run(ctx context.Context, conn net.PacketConn, m *Machine) (*Result, error) {
	if m.State() != StatePunching {
		return nil, fmt.Errorf("punch driver started in state %s", m.State())
	}
	started := time.Now()

	packets := make(chan datagram, 16)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer recovery.RecoverWithLog(d.logger, "punch.Driver.readLoop")
		d.readLoop(conn, packets, readErr, stop)
	}()
	defer func() {
		// Unblock the reader, then clear the deadline for the next owner.
		close(stop)
		_ = conn.SetReadDeadline(time.Now())
		wg.Wait()
		_ = conn.SetReadDeadline(time.Time{})
	}()

	restoreTTL := d.lowerTTL(conn)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		remote, done, err := d.flush(conn, m)
		if restoreTTL != nil {
			restoreTTL()
			restoreTTL = nil
		}
		if err != nil {
			return nil, err
		}
		if done {
			elapsed := time.Since(started)
			d.logger.Info("hole punched",
				logging.KeyRemoteAddr, remote.String(),
				logging.KeyDuration, elapsed.Round(time.Millisecond).String())
			return &Result{
				Remote:  net.UDPAddrFromAddrPort(remote),
				Conn:    conn,
				Elapsed: elapsed,
			}, nil
		}

		resetTimer(timer, m.NextDeadline())

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case err := <-readErr:
			return nil, fmt.Errorf("read punch socket: %w", err)
		case p := <-packets:
			m.Receive(p.from, p.payload, time.Now())
		case now := <-timer.C:
			m.Tick(now)
		}
	}
}

// flush performs every queued action. It reports the remote endpoint once the
// machine is established.
func (d *Driver) flush(conn net.PacketConn, m *Machine) (netip.AddrPort, bool, error) {
	for {
		switch a := m.Poll().(type) {
		case Send:
			if _, err := conn.WriteTo(a.Payload, net.UDPAddrFromAddrPort(a.To)); err != nil {
				// Unreachable candidates are expected while punching.
				d.logger.Debug("probe send failed",
					logging.KeyCandidate, a.To.String(),
					logging.KeyError, err)
			}
		case Established:
			return a.Remote, true, nil
		case Failed:
			return netip.AddrPort{}, false, a.Err
		case Wait:
			return netip.AddrPort{}, false, nil
		}
	}
}

func (d *Driver) readLoop(conn net.PacketConn, out chan<- datagram, errc chan<- error, stop <-chan struct{}) {
	buf := make([]byte, readBufferSize)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return
			}
			errc <- err
			return
		}
		udp, ok := addr.(*net.UDPAddr)
		if !ok || !IsPunchPacket(buf[:n]) {
			continue
		}
		p := datagram{from: udp.AddrPort(), payload: append([]byte(nil), buf[:n]...)}
		select {
		case out <- p:
		case <-stop:
			return
		}
	}
}

// Linger keeps answering late punch packets through dc until ctx is done or
// dur elapses, so a peer still verifying can finish.
func (d *Driver) Linger(ctx context.Context, dc DatagramConn, m *Machine, dur time.Duration) {
	if dur <= 0 {
		dur = DefaultLinger
	}
	ctx, cancel := context.WithTimeout(ctx, dur)
	defer cancel()

	buf := make([]byte, readBufferSize)
	for {
		n, addr, err := dc.ReadNonQUICPacket(ctx, buf)
		if err != nil {
			return
		}
		udp, ok := addr.(*net.UDPAddr)
		if !ok || !IsPunchPacket(buf[:n]) {
			continue
		}
		m.Receive(udp.AddrPort(), buf[:n], time.Now())
		for {
			s, ok := m.Poll().(Send)
			if !ok {
				break
			}
			if _, err := dc.WriteTo(s.Payload, net.UDPAddrFromAddrPort(s.To)); err != nil {
				d.logger.Debug("linger reply failed", logging.KeyError, err)
			}
		}
	}
}

// lowerTTL applies the initial TTL and returns a func restoring the previous
// one, or nil when no change was made.
func (d *Driver) lowerTTL(conn net.PacketConn) func() {
	if d.cfg.InitialTTL <= 0 {
		return nil
	}
	pc := ipv4.NewPacketConn(conn)
	prev, err := pc.TTL()
	if err != nil || prev <= 0 {
		prev = defaultTTL
	}
	if err := pc.SetTTL(d.cfg.InitialTTL); err != nil {
		d.logger.Debug("initial TTL not applied", logging.KeyError, err)
		return nil
	}
	return func() {
		if err := pc.SetTTL(prev); err != nil {
			d.logger.Warn("failed to restore TTL", logging.KeyError, err)
		}
	}
}

func resetTimer(t *time.Timer, at time.Time) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	if at.IsZero() {
		t.Reset(time.Hour)
		return
	}
	t.Reset(time.Until(at))
}
