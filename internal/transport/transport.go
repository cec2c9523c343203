// Package transport provides the secure multiplexed connections a portal
// session runs on: QUIC (direct or over a hole-punched socket) and TLS over
// TCP with yamux.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"time"
)

// TransportType identifies the transport protocol.
type TransportType string

const (
	TransportQUIC TransportType = "quic"
	TransportTCP  TransportType = "tcp"
)

// ErrTransportClosed is returned by Dial and Listen after Close.
var ErrTransportClosed = errors.New("transport closed")

// ParseTransportType parses a transport name.
func ParseTransportType(s string) (TransportType, error) {
	switch TransportType(strings.ToLower(strings.TrimSpace(s))) {
	case TransportQUIC, "":
		return TransportQUIC, nil
	case TransportTCP:
		return TransportTCP, nil
	default:
		return "", fmt.Errorf("unknown transport %q", s)
	}
}

// Transport creates and accepts peer connections.
type Transport interface {
	// Dial connects to a remote peer.
	Dial(ctx context.Context, addr string, opts DialOptions) (PeerConn, error)

	// Listen creates a listener for incoming connections.
	Listen(addr string, opts ListenOptions) (Listener, error)

	// Type returns the transport type identifier.
	Type() TransportType

	// Close shuts down the transport.
	Close() error
}

// Listener accepts incoming peer connections.
type Listener interface {
	// Accept waits for and returns the next connection.
	Accept(ctx context.Context) (PeerConn, error)

	// Addr returns the listener's network address.
	Addr() net.Addr

	// Close stops the listener.
	Close() error
}

// PeerConn represents a connection to a peer.
type PeerConn interface {
	// OpenStream creates a new outgoing stream.
	OpenStream(ctx context.Context) (Stream, error)

	// AcceptStream waits for an incoming stream.
	AcceptStream(ctx context.Context) (Stream, error)

	// Close terminates the connection.
	Close() error

	// LocalAddr returns the local address.
	LocalAddr() net.Addr

	// RemoteAddr returns the remote address.
	RemoteAddr() net.Addr

	// IsDialer returns true if this side initiated the connection.
	IsDialer() bool

	// TransportType returns the transport protocol type.
	TransportType() TransportType
}

// Stream is a bidirectional byte stream with half-close support.
type Stream interface {
	io.Reader
	io.Writer

	// StreamID returns the stream identifier.
	StreamID() uint64

	// CloseWrite sends a half-close (FIN) - signals done sending.
	CloseWrite() error

	// Close fully closes the stream in both directions.
	Close() error

	// SetDeadline sets read and write deadlines.
	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Default connection parameters shared by both transports.
const (
	DefaultMaxIdleTimeout  = 60 * time.Second
	DefaultKeepAlivePeriod = 15 * time.Second
	DefaultMaxStreams      = 10000
	DefaultDialTimeout     = 30 * time.Second
)

// DialOptions contains options for dialing a peer.
type DialOptions struct {
	// TLSConfig is the TLS configuration for the connection. Required.
	TLSConfig *tls.Config

	// Timeout bounds the connect and handshake.
	Timeout time.Duration

	// KeepAlivePeriod is the transport-level keepalive interval.
	KeepAlivePeriod time.Duration

	// MaxIdleTimeout closes the connection after this long without traffic.
	MaxIdleTimeout time.Duration

	// MaxStreams is the maximum number of concurrent incoming streams.
	MaxStreams int
}

// ListenOptions contains options for creating a listener.
type ListenOptions struct {
	// TLSConfig is the TLS configuration for the listener. Required.
	TLSConfig *tls.Config

	// HandshakeTimeout bounds the TLS handshake of each accepted connection.
	HandshakeTimeout time.Duration

	// KeepAlivePeriod is the transport-level keepalive interval.
	KeepAlivePeriod time.Duration

	// MaxIdleTimeout closes the connection after this long without traffic.
	MaxIdleTimeout time.Duration

	// MaxStreams is the maximum number of concurrent incoming streams.
	MaxStreams int
}

// DefaultDialOptions returns DialOptions with sensible defaults.
func DefaultDialOptions() DialOptions {
	return DialOptions{
		Timeout:         DefaultDialTimeout,
		KeepAlivePeriod: DefaultKeepAlivePeriod,
		MaxIdleTimeout:  DefaultMaxIdleTimeout,
		MaxStreams:      DefaultMaxStreams,
	}
}

// DefaultListenOptions returns ListenOptions with sensible defaults.
func DefaultListenOptions() ListenOptions {
	return ListenOptions{
		HandshakeTimeout: 10 * time.Second,
		KeepAlivePeriod:  DefaultKeepAlivePeriod,
		MaxIdleTimeout:   DefaultMaxIdleTimeout,
		MaxStreams:       DefaultMaxStreams,
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func orDefaultInt(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}

// StreamIDAllocator hands out tunnel and connection ids that never collide
// between the two sides of a session.
// - The control-stream opener uses odd IDs (1, 3, 5, ...)
// - The other side uses even IDs (2, 4, 6, ...)
// Thread-safe: uses atomic operations for concurrent access.
type StreamIDAllocator struct {
	next     atomic.Uint64
	isDialer bool
}

// NewStreamIDAllocator creates a new allocator.
func NewStreamIDAllocator(isDialer bool) *StreamIDAllocator {
	start := uint64(2) // even for listener
	if isDialer {
		start = 1 // odd for dialer
	}
	a := &StreamIDAllocator{
		isDialer: isDialer,
	}
	a.next.Store(start)
	return a
}

// Next returns the next available ID.
// Thread-safe: can be called concurrently from multiple goroutines.
func (a *StreamIDAllocator) Next() uint64 {
	// Add 2 and return the value before the add
	return a.next.Add(2) - 2
}

// IsDialer returns true if this allocator is for a dialer.
func (a *StreamIDAllocator) IsDialer() bool {
	return a.isDialer
}

// Owns reports whether id was allocated by this side.
func (a *StreamIDAllocator) Owns(id uint64) bool {
	return id != 0 && (id%2 == 1) == a.isDialer
}
