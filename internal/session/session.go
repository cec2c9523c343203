// Package session runs one portal session over a secure multiplexed
// connection: the hello exchange, the control stream dispatcher, keepalives,
// and the tunnels and forwarded connections the session carries.
//
// One side opens the control stream (the dialer in direct mode, the side
// with the smaller session id in punch mode). Every other stream is a data
// stream backing exactly one forwarded connection.
package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/postalsys/portal/internal/exit"
	"github.com/postalsys/portal/internal/logging"
	"github.com/postalsys/portal/internal/metrics"
	"github.com/postalsys/portal/internal/protocol"
	"github.com/postalsys/portal/internal/socks"
	"github.com/postalsys/portal/internal/transport"
	"github.com/postalsys/portal/internal/tunnel"
)

var (
	// ErrSessionClosed is returned after the session was closed locally.
	ErrSessionClosed = errors.New("session closed")

	// ErrPeerClosed is returned when the peer ended the session.
	ErrPeerClosed = errors.New("peer closed the session")

	// ErrKeepaliveTimeout is returned when the peer stayed silent for longer
	// than the keepalive timeout.
	ErrKeepaliveTimeout = errors.New("keepalive timeout")

	// ErrProtocol is returned for frames that are valid on the wire but
	// make no sense in the current state of the session.
	ErrProtocol = errors.New("protocol violation")
)

// State is the lifecycle state of a session.
type State int32

const (
	StateHandshaking State = iota
	StateEstablished
	StateClosed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "HANDSHAKING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Config contains session configuration.
type Config struct {
	// SessionID identifies this side in the hello exchange.
	SessionID [16]byte

	// Controlling selects the side that opens the control stream.
	Controlling bool

	// Tunnels are requested from the peer once the hello completes.
	Tunnels []tunnel.Spec

	HandshakeTimeout  time.Duration
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration

	// OpenTimeout bounds a DATA_OPEN from request to acknowledgement.
	OpenTimeout time.Duration

	// TeardownGrace is how long a forwarded connection may keep draining
	// after the peer reported its end closed.
	TeardownGrace time.Duration

	// MaxConnections limits concurrent connections per tunnel (0 = unlimited).
	MaxConnections int

	// RateLimit caps each forwarded connection in bytes per second (0 = unlimited).
	RateLimit int64

	// Auths are offered to SOCKS clients of dynamic tunnels.
	Auths []socks.Authenticator

	// Dialer connects the targets of connections the peer opens. Nil uses
	// exit defaults.
	Dialer *exit.Dialer

	// OnTunnel is called from the dispatcher with the outcome of each tunnel
	// this side requested. It must not block.
	OnTunnel func(TunnelResult)

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// DefaultConfig returns a config with defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:  10 * time.Second,
		KeepaliveInterval: 5 * time.Second,
		KeepaliveTimeout:  30 * time.Second,
		OpenTimeout:       10 * time.Second,
		TeardownGrace:     2 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = def.KeepaliveInterval
	}
	if c.KeepaliveTimeout <= 0 {
		c.KeepaliveTimeout = def.KeepaliveTimeout
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = def.OpenTimeout
	}
	if c.TeardownGrace <= 0 {
		c.TeardownGrace = def.TeardownGrace
	}
}

// Session is one established (or establishing) tunnel session with a peer.
// It is created once per connection and torn down explicitly; nothing about
// it lives in package state.
type Session struct {
	cfg     Config
	conn    transport.PeerConn
	ids     *transport.StreamIDAllocator
	dialer  *exit.Dialer
	metrics *metrics.Metrics
	logger  *slog.Logger

	state  atomic.Int32
	ctx    context.Context
	cancel context.CancelCauseFunc

	// Control stream
	control transport.Stream
	reader  *protocol.FrameReader
	writer  *protocol.FrameWriter
	writeMu sync.Mutex

	// Registries. Tunnel state changes happen on the dispatcher; the lock
	// only covers short map operations and is never held across I/O.
	mu           sync.Mutex
	requested    map[uint64]tunnel.Spec
	tunnels      map[uint64]*tunnelState
	conns        map[uint64]*dataConn
	pendingOpens map[uint64]chan *protocol.DataOpenAck

	streams *rendezvous

	remoteID      [16]byte
	startedAt     time.Time
	lastRecv      atomic.Int64
	rtt           atomic.Int64
	bytesSent     atomic.Int64
	bytesReceived atomic.Int64

	// answering tasks
	wg sync.WaitGroup
}

// New creates a session on conn. Nothing is sent until Run.
func New(conn transport.PeerConn, cfg Config) *Session {
	cfg.applyDefaults()

	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = exit.NewDialer(exit.DialerConfig{Logger: cfg.Logger})
	}

	ctx, cancel := context.WithCancelCause(context.Background())

	s := &Session{
		cfg:          cfg,
		conn:         conn,
		ids:          transport.NewStreamIDAllocator(cfg.Controlling),
		dialer:       dialer,
		metrics:      m,
		ctx:          ctx,
		cancel:       cancel,
		requested:    make(map[uint64]tunnel.Spec),
		tunnels:      make(map[uint64]*tunnelState),
		conns:        make(map[uint64]*dataConn),
		pendingOpens: make(map[uint64]chan *protocol.DataOpenAck),
		streams:      newRendezvous(cfg.OpenTimeout),
	}
	s.logger = logging.OrNop(cfg.Logger).With(
		logging.KeySessionID, hex.EncodeToString(cfg.SessionID[:4]),
		logging.KeyRemoteAddr, addrString(conn))
	s.state.Store(int32(StateHandshaking))
	return s
}

// Run performs the hello exchange and then serves the session until it ends.
// The returned error is the reason the session ended; it is nil when the
// session was closed locally with Close or by cancelling ctx.
func (s *Session) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.cancel(ErrSessionClosed) })
	defer stop()
	defer s.shutdown()

	start := time.Now()
	if err := s.handshake(); err != nil {
		s.cancel(err)
		return s.result()
	}
	s.startedAt = time.Now()
	s.lastRecv.Store(time.Now().UnixNano())
	s.metrics.RecordSessionUp(time.Since(start).Seconds())
	s.state.Store(int32(StateEstablished))

	s.logger.Info("session established",
		"peer_session", hex.EncodeToString(s.remoteID[:4]),
		"controlling", s.cfg.Controlling,
		"transport", string(s.conn.TransportType()))

	g, gctx := errgroup.WithContext(s.ctx)
	closeConn := context.AfterFunc(gctx, func() {
		s.cancel(context.Cause(gctx))
		s.conn.Close()
	})
	defer closeConn()

	g.Go(s.readLoop)
	g.Go(func() error { return s.acceptLoop(gctx) })
	g.Go(func() error { return s.keepaliveLoop(gctx) })
	g.Go(s.requestTunnels)

	if err := g.Wait(); err != nil {
		s.cancel(err)
	}

	err := s.result()
	s.metrics.RecordSessionDown(endReason(err))
	if err != nil {
		s.logger.Error("session ended", logging.KeyError, err)
	} else {
		s.logger.Info("session closed")
	}
	return err
}

// result maps the cancellation cause to Run's return value.
func (s *Session) result() error {
	err := context.Cause(s.ctx)
	if errors.Is(err, ErrSessionClosed) {
		return nil
	}
	return err
}

// Close ends the session. Forwarded connections are closed and Run returns.
func (s *Session) Close() error {
	s.cancel(ErrSessionClosed)
	return s.conn.Close()
}

// Done returns a channel that's closed when the session ends.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// State returns the lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// RTT returns the last measured keepalive round trip.
func (s *Session) RTT() time.Duration {
	return time.Duration(s.rtt.Load())
}

// shutdown tears everything down once Run is over.
func (s *Session) shutdown() {
	s.state.Store(int32(StateClosed))
	s.cancel(ErrSessionClosed)

	s.mu.Lock()
	tunnels := make([]*tunnelState, 0, len(s.tunnels))
	for _, t := range s.tunnels {
		tunnels = append(tunnels, t)
	}
	s.tunnels = make(map[uint64]*tunnelState)
	conns := make([]*dataConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	for _, t := range tunnels {
		t.stop()
		s.metrics.RecordTunnelDown()
	}
	s.streams.close()
	s.conn.Close()

	// Answering tasks watch s.ctx and are already unwinding.
	s.wg.Wait()
}

// send writes one frame on the control stream.
func (s *Session) send(frameType uint8, id uint64, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.writer == nil {
		return fmt.Errorf("control stream not open")
	}
	if err := s.writer.WriteFrame(frameType, 0, id, payload); err != nil {
		return err
	}
	s.metrics.RecordFrameSent(protocol.FrameTypeName(frameType))
	return nil
}

// peerOwns reports whether id was allocated by the peer.
func (s *Session) peerOwns(id uint64) bool {
	return id != 0 && !s.ids.Owns(id)
}

func addrString(conn transport.PeerConn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func endReason(err error) string {
	switch {
	case err == nil:
		return "closed"
	case errors.Is(err, ErrPeerClosed):
		return "peer_closed"
	case errors.Is(err, ErrKeepaliveTimeout):
		return "keepalive_timeout"
	case errors.Is(err, protocol.ErrVersionMismatch):
		return "version_mismatch"
	case errors.Is(err, ErrProtocol), errors.Is(err, protocol.ErrInvalidFrame),
		errors.Is(err, protocol.ErrUnknownFrameType), errors.Is(err, protocol.ErrFrameTooLarge):
		return "protocol_error"
	default:
		return "transport_error"
	}
}
