package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/yamux"
)

// TCPTransport implements Transport with TLS over TCP, multiplexed by yamux.
type TCPTransport struct {
	mu        sync.Mutex
	listeners []*TCPListener
	closed    bool
}

// NewTCPTransport creates a new TCP transport.
func NewTCPTransport() *TCPTransport {
	return &TCPTransport{}
}

// Type returns the transport type.
func (t *TCPTransport) Type() TransportType {
	return TransportTCP
}

func yamuxConfig(keepAlive time.Duration, maxStreams int) *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.EnableKeepAlive = true
	cfg.KeepAliveInterval = orDefault(keepAlive, DefaultKeepAlivePeriod)
	cfg.AcceptBacklog = orDefaultInt(maxStreams, DefaultMaxStreams)
	cfg.LogOutput = io.Discard
	return cfg
}

// Dial connects to a remote peer over TLS and starts a yamux client session.
func (t *TCPTransport) Dial(ctx context.Context, addr string, opts DialOptions) (PeerConn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	t.mu.Unlock()

	if opts.TLSConfig == nil {
		return nil, fmt.Errorf("TLS config required for TCP dial")
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{KeepAlive: orDefault(opts.KeepAlivePeriod, DefaultKeepAlivePeriod)},
		Config:    withALPN(opts.TLSConfig),
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("TCP dial failed: %w", err)
	}

	session, err := yamux.Client(conn, yamuxConfig(opts.KeepAlivePeriod, opts.MaxStreams))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("yamux client: %w", err)
	}

	return &TCPPeerConn{session: session, isDialer: true}, nil
}

// Listen creates a TLS listener. Handshakes run in the background so one
// slow client does not hold up Accept.
func (t *TCPTransport) Listen(addr string, opts ListenOptions) (Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrTransportClosed
	}
	if opts.TLSConfig == nil {
		return nil, fmt.Errorf("TLS config required for TCP listener")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("TCP listen failed: %w", err)
	}

	tl := &TCPListener{
		ln:        ln,
		tlsConfig: withALPN(opts.TLSConfig),
		opts:      opts,
		conns:     make(chan *TCPPeerConn),
		done:      make(chan struct{}),
	}
	tl.wg.Add(1)
	go tl.acceptLoop()

	t.listeners = append(t.listeners, tl)
	return tl, nil
}

// Close shuts down the transport and all listeners.
func (t *TCPTransport) Close() error {
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
	return lastErr
}

// TCPListener implements Listener for TLS over TCP.
type TCPListener struct {
	ln        net.Listener
	tlsConfig *tls.Config
	opts      ListenOptions

	conns chan *TCPPeerConn
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

func (l *TCPListener) acceptLoop() {
	defer l.wg.Done()
	for {
		raw, err := l.ln.Accept()
		if err != nil {
			return
		}
		l.wg.Add(1)
		go l.handshake(raw)
	}
}

func (l *TCPListener) handshake(raw net.Conn) {
	defer l.wg.Done()

	timeout := orDefault(l.opts.HandshakeTimeout, 10*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	conn := tls.Server(raw, l.tlsConfig)
	if err := conn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return
	}

	session, err := yamux.Server(conn, yamuxConfig(l.opts.KeepAlivePeriod, l.opts.MaxStreams))
	if err != nil {
		conn.Close()
		return
	}

	select {
	case l.conns <- &TCPPeerConn{session: session}:
	case <-l.done:
		session.Close()
	}
}

// Accept waits for and returns the next connection that completed its TLS
// handshake.
func (l *TCPListener) Accept(ctx context.Context) (PeerConn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Addr returns the listener's address.
func (l *TCPListener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops the listener and drops connections still in handshake.
func (l *TCPListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.ln.Close()
		l.wg.Wait()
	})
	return err
}

// TCPPeerConn implements PeerConn over a yamux session.
type TCPPeerConn struct {
	session  *yamux.Session
	isDialer bool
}

// OpenStream creates a new outgoing yamux stream.
func (c *TCPPeerConn) OpenStream(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream, err := c.session.OpenStream()
	if err != nil {
		return nil, fmt.Errorf("failed to open yamux stream: %w", err)
	}
	return &TCPStream{stream: stream}, nil
}

// AcceptStream waits for an incoming yamux stream.
func (c *TCPPeerConn) AcceptStream(ctx context.Context) (Stream, error) {
	stream, err := c.session.AcceptStreamWithContext(ctx)
	if err != nil {
		if errors.Is(err, yamux.ErrSessionShutdown) {
			return nil, net.ErrClosed
		}
		return nil, err
	}
	return &TCPStream{stream: stream}, nil
}

// Close terminates the session and the underlying connection.
func (c *TCPPeerConn) Close() error {
	return c.session.Close()
}

// LocalAddr returns the local address.
func (c *TCPPeerConn) LocalAddr() net.Addr {
	return c.session.LocalAddr()
}

// RemoteAddr returns the remote address.
func (c *TCPPeerConn) RemoteAddr() net.Addr {
	return c.session.RemoteAddr()
}

// IsDialer returns true if this side initiated the connection.
func (c *TCPPeerConn) IsDialer() bool {
	return c.isDialer
}

// TransportType returns the transport protocol type.
func (c *TCPPeerConn) TransportType() TransportType {
	return TransportTCP
}

// TCPStream implements Stream for yamux.
type TCPStream struct {
	stream *yamux.Stream
}

// StreamID returns the yamux stream ID.
func (s *TCPStream) StreamID() uint64 {
	return uint64(s.stream.StreamID())
}

// Read reads data from the stream.
func (s *TCPStream) Read(p []byte) (int, error) {
	return s.stream.Read(p)
}

// Write writes data to the stream.
func (s *TCPStream) Write(p []byte) (int, error) {
	return s.stream.Write(p)
}

// CloseWrite sends FIN. yamux keeps the read side open until the peer's FIN.
func (s *TCPStream) CloseWrite() error {
	return s.stream.Close()
}

// Close sends FIN and unblocks pending reads.
func (s *TCPStream) Close() error {
	s.stream.SetReadDeadline(time.Now())
	return s.stream.Close()
}

// SetDeadline sets read and write deadlines.
func (s *TCPStream) SetDeadline(t time.Time) error {
	return s.stream.SetDeadline(t)
}

// SetReadDeadline sets the read deadline.
func (s *TCPStream) SetReadDeadline(t time.Time) error {
	return s.stream.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline.
func (s *TCPStream) SetWriteDeadline(t time.Time) error {
	return s.stream.SetWriteDeadline(t)
}
