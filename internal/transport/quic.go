package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// QUICTransport implements Transport using QUIC protocol.
//
// A transport created with NewQUICTransportOnConn multiplexes every dial and
// listen over the one socket it was given; this is how a hole-punched socket
// is carried into the secure handshake. Otherwise each Dial and Listen binds
// its own UDP socket.
type QUICTransport struct {
	mu        sync.Mutex
	conn      net.PacketConn
	tr        *quic.Transport
	listeners []*QUICListener
	closed    bool
}

// NewQUICTransport creates a new QUIC transport.
func NewQUICTransport() *QUICTransport {
	return &QUICTransport{}
}

// NewQUICTransportOnConn creates a QUIC transport that sends and receives on
// conn. The transport takes ownership of conn and closes it on Close.
func NewQUICTransportOnConn(conn net.PacketConn) *QUICTransport {
	return &QUICTransport{
		conn: conn,
		tr:   &quic.Transport{Conn: conn},
	}
}

// PacketTransport returns the shared quic.Transport, or nil when the transport
// was not created on an existing socket. Non-QUIC datagrams arriving on the
// socket can be read through it.
func (t *QUICTransport) PacketTransport() *quic.Transport {
	return t.tr
}

// Type returns the transport type.
func (t *QUICTransport) Type() TransportType {
	return TransportQUIC
}

func quicConfig(keepAlive, idle time.Duration, maxStreams int) *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout:  10 * time.Second,
		MaxIdleTimeout:        orDefault(idle, DefaultMaxIdleTimeout),
		KeepAlivePeriod:       orDefault(keepAlive, DefaultKeepAlivePeriod),
		MaxIncomingStreams:    int64(orDefaultInt(maxStreams, DefaultMaxStreams)),
		MaxIncomingUniStreams: -1, // no uni streams
	}
}

func withALPN(cfg *tls.Config) *tls.Config {
	if len(cfg.NextProtos) > 0 {
		return cfg
	}
	cfg = cfg.Clone()
	cfg.NextProtos = []string{DefaultALPNProtocol}
	return cfg
}

// Dial connects to a remote peer using QUIC.
func (t *QUICTransport) Dial(ctx context.Context, addr string, opts DialOptions) (PeerConn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	t.mu.Unlock()

	if opts.TLSConfig == nil {
		return nil, fmt.Errorf("TLS config required for QUIC dial")
	}
	tlsConfig := withALPN(opts.TLSConfig)
	qc := quicConfig(opts.KeepAlivePeriod, opts.MaxIdleTimeout, opts.MaxStreams)

	// Apply timeout
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	var (
		conn quic.Connection
		err  error
	)
	if t.tr != nil {
		udpAddr, rerr := net.ResolveUDPAddr("udp", addr)
		if rerr != nil {
			return nil, fmt.Errorf("resolve %s: %w", addr, rerr)
		}
		conn, err = t.tr.Dial(ctx, udpAddr, tlsConfig, qc)
	} else {
		conn, err = quic.DialAddr(ctx, addr, tlsConfig, qc)
	}
	if err != nil {
		return nil, fmt.Errorf("QUIC dial failed: %w", err)
	}

	return &QUICPeerConn{
		conn:     conn,
		isDialer: true,
	}, nil
}

// Listen creates a QUIC listener. addr is ignored when the transport runs on
// an existing socket.
func (t *QUICTransport) Listen(addr string, opts ListenOptions) (Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrTransportClosed
	}

	if opts.TLSConfig == nil {
		return nil, fmt.Errorf("TLS config required for QUIC listener")
	}
	tlsConfig := withALPN(opts.TLSConfig)
	qc := quicConfig(opts.KeepAlivePeriod, opts.MaxIdleTimeout, opts.MaxStreams)
	if opts.HandshakeTimeout > 0 {
		qc.HandshakeIdleTimeout = opts.HandshakeTimeout
	}

	var (
		listener *quic.Listener
		err      error
	)
	if t.tr != nil {
		listener, err = t.tr.Listen(tlsConfig, qc)
	} else {
		listener, err = quic.ListenAddr(addr, tlsConfig, qc)
	}
	if err != nil {
		return nil, fmt.Errorf("QUIC listen failed: %w", err)
	}

	ql := &QUICListener{
		listener: listener,
	}
	t.listeners = append(t.listeners, ql)

	return ql, nil
}

// Close shuts down the transport, all listeners and the shared socket.
func (t *QUICTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	var lastErr error
	for _, l := range t.listeners {
		if err := l.Close(); err != nil {
			lastErr = err
		}
	}
	t.listeners = nil

	if t.tr != nil {
		if err := t.tr.Close(); err != nil {
			lastErr = err
		}
		// quic.Transport leaves caller-supplied sockets open.
		t.conn.Close()
	}

	return lastErr
}

// QUICListener implements Listener for QUIC.
type QUICListener struct {
	listener *quic.Listener
	closed   bool
	mu       sync.Mutex
}

// Accept waits for and returns the next QUIC connection.
func (l *QUICListener) Accept(ctx context.Context) (PeerConn, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}

	return &QUICPeerConn{
		conn:     conn,
		isDialer: false,
	}, nil
}

// Addr returns the listener's address.
func (l *QUICListener) Addr() net.Addr {
	return l.listener.Addr()
}

// Close stops the listener.
func (l *QUICListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	return l.listener.Close()
}

// QUICPeerConn implements PeerConn for QUIC.
type QUICPeerConn struct {
	conn     quic.Connection
	isDialer bool
}

// OpenStream creates a new outgoing QUIC stream. The peer sees the stream
// only once the first byte is written.
func (c *QUICPeerConn) OpenStream(ctx context.Context) (Stream, error) {
	stream, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open QUIC stream: %w", err)
	}

	return &QUICStream{stream: stream}, nil
}

// AcceptStream waits for an incoming QUIC stream.
func (c *QUICPeerConn) AcceptStream(ctx context.Context) (Stream, error) {
	stream, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}

	return &QUICStream{stream: stream}, nil
}

// Close terminates the QUIC connection.
func (c *QUICPeerConn) Close() error {
	return c.conn.CloseWithError(0, "session closed")
}

// LocalAddr returns the local address.
func (c *QUICPeerConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the remote address.
func (c *QUICPeerConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// IsDialer returns true if this side initiated the connection.
func (c *QUICPeerConn) IsDialer() bool {
	return c.isDialer
}

// TransportType returns the transport protocol type.
func (c *QUICPeerConn) TransportType() TransportType {
	return TransportQUIC
}

// QUICStream implements Stream for QUIC.
type QUICStream struct {
	stream quic.Stream
}

// StreamID returns the QUIC stream ID.
func (s *QUICStream) StreamID() uint64 {
	return uint64(s.stream.StreamID())
}

// Read reads data from the stream.
func (s *QUICStream) Read(p []byte) (int, error) {
	return s.stream.Read(p)
}

// Write writes data to the stream.
func (s *QUICStream) Write(p []byte) (int, error) {
	return s.stream.Write(p)
}

// CloseWrite sends a half-close (FIN) on the write side.
func (s *QUICStream) CloseWrite() error {
	return s.stream.Close()
}

// Close fully closes the stream.
func (s *QUICStream) Close() error {
	s.stream.CancelRead(0)
	return s.stream.Close()
}

// SetDeadline sets read and write deadlines.
func (s *QUICStream) SetDeadline(t time.Time) error {
	return s.stream.SetDeadline(t)
}

// SetReadDeadline sets the read deadline.
func (s *QUICStream) SetReadDeadline(t time.Time) error {
	return s.stream.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline.
func (s *QUICStream) SetWriteDeadline(t time.Time) error {
	return s.stream.SetWriteDeadline(t)
}
