package forward

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/postalsys/portal/internal/exit"
	"github.com/postalsys/portal/internal/logging"
	"github.com/postalsys/portal/internal/metrics"
	"github.com/postalsys/portal/internal/protocol"
	"github.com/postalsys/portal/internal/socks"
	"github.com/postalsys/portal/internal/tunnel"
)

// DefaultHandshakeTimeout bounds the SOCKS handshake of a dynamic tunnel.
const DefaultHandshakeTimeout = 30 * time.Second

// Opener opens the data stream for one forwarded connection. A refused open
// is returned as *exit.OpenError carrying the peer's code.
type Opener interface {
	OpenData(ctx context.Context, tunnelID uint64, host string, port uint16) (io.ReadWriteCloser, error)
}

// ForwarderConfig configures a Forwarder.
type ForwarderConfig struct {
	TunnelID uint64
	Spec     tunnel.Spec
	Opener   Opener

	// Auths are offered to SOCKS clients of a dynamic tunnel (nil = no auth).
	Auths []socks.Authenticator

	// HandshakeTimeout bounds the SOCKS handshake (0 = DefaultHandshakeTimeout).
	HandshakeTimeout time.Duration

	Relay   RelayOptions
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Forwarder serves the connections accepted by one tunnel's listener: it
// picks the target (fixed, or from a SOCKS handshake), opens a data stream
// through the peer and relays until either side is done.
type Forwarder struct {
	cfg     ForwarderConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewForwarder creates a forwarder.
func NewForwarder(cfg ForwarderConfig) *Forwarder {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}
	return &Forwarder{
		cfg:     cfg,
		metrics: m,
		logger: logging.OrNop(cfg.Logger).With(
			logging.KeyTunnelID, cfg.TunnelID,
			"tunnel", cfg.Spec.String()),
	}
}

// ServeConn implements ConnHandler.
func (f *Forwarder) ServeConn(ctx context.Context, conn net.Conn) {
	logger := f.logger.With(logging.KeyRemoteAddr, conn.RemoteAddr().String())

	host, port := f.cfg.Spec.TargetHost, f.cfg.Spec.TargetPort
	var req *socks.Request
	if f.cfg.Spec.Dynamic() {
		var err error
		if req, err = f.negotiate(conn); err != nil {
			logger.Debug("socks handshake failed", logging.KeyError, err)
			f.metrics.RecordSOCKSFailure(socksFailureReason(err))
			return
		}
		f.metrics.RecordSOCKSHandshake(socksVersion(req.Version))
		host, port = req.Host, req.Port
	}

	target := net.JoinHostPort(host, itoa(port))
	logger = logger.With(logging.KeyTarget, target)

	stream, err := f.cfg.Opener.OpenData(ctx, f.cfg.TunnelID, host, port)
	if err != nil {
		code := exit.CodeOf(err)
		logger.Debug("open failed", "code", code.String(), logging.KeyError, err)
		if req != nil {
			req.Reply(conn, SOCKSReply(code), nil)
		}
		return
	}

	if req != nil {
		if err := req.Reply(conn, socks.ReplySucceeded, nil); err != nil {
			logger.Debug("socks reply failed", logging.KeyError, err)
			stream.Close()
			return
		}
	}

	start := time.Now()
	stats, err := Relay(ctx, conn, stream, f.relayOptions(logger))
	logger.Debug("connection closed",
		logging.KeyDuration, time.Since(start),
		logging.Bytes(logging.KeyBytesOut, stats.Sent),
		logging.Bytes(logging.KeyBytesIn, stats.Received))
}

func (f *Forwarder) negotiate(conn net.Conn) (*socks.Request, error) {
	conn.SetDeadline(time.Now().Add(f.cfg.HandshakeTimeout))
	req, err := socks.Negotiate(conn, f.cfg.Auths)
	if err != nil {
		return nil, err
	}
	return req, conn.SetDeadline(time.Time{})
}

func (f *Forwarder) relayOptions(logger *slog.Logger) RelayOptions {
	opts := f.cfg.Relay
	opts.Logger = logger
	return opts
}

// SOCKSReply maps a DATA_OPEN_ACK error code to the SOCKS5 reply reported to
// the local client.
func SOCKSReply(code protocol.OpenError) byte {
	switch code {
	case protocol.OpenOK:
		return socks.ReplySucceeded
	case protocol.OpenDNSQuery, protocol.OpenConnect:
		return socks.ReplyHostUnreachable
	case protocol.OpenRefused:
		return socks.ReplyConnectionRefused
	case protocol.OpenNotAllowed:
		return socks.ReplyNotAllowed
	case protocol.OpenTimeout:
		return socks.ReplyTTLExpired
	default:
		return socks.ReplyServerFailure
	}
}

func itoa(port uint16) string {
	return strconv.Itoa(int(port))
}

func socksVersion(v byte) string {
	if v == socks.Version4 {
		return "4"
	}
	return "5"
}

func socksFailureReason(err error) string {
	switch {
	case errors.Is(err, socks.ErrAuthFailed), errors.Is(err, socks.ErrAuthRequired),
		errors.Is(err, socks.ErrNoAcceptableAuth):
		return "auth"
	case errors.Is(err, socks.ErrUnsupportedVersion):
		return "version"
	case errors.Is(err, socks.ErrCommandNotSupported), errors.Is(err, socks.ErrAddressNotSupported):
		return "unsupported"
	default:
		return "protocol"
	}
}
