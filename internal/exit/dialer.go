package exit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/postalsys/portal/internal/logging"
	"github.com/postalsys/portal/internal/protocol"
)

// DialerConfig contains target dialer configuration.
type DialerConfig struct {
	// AllowedRoutes restricts targets to these networks. Empty allows all.
	AllowedRoutes []*net.IPNet

	// ConnectTimeout for outbound connections
	ConnectTimeout time.Duration

	// DNS configuration
	DNS DNSConfig

	// Logger for logging
	Logger *slog.Logger
}

// DefaultDialerConfig returns sensible defaults.
func DefaultDialerConfig() DialerConfig {
	return DialerConfig{
		ConnectTimeout: 10 * time.Second,
		DNS:            DefaultDNSConfig(),
	}
}

// OpenError is a failed dial classified into a DATA_OPEN_ACK error code.
type OpenError struct {
	Code   protocol.OpenError
	Target string
	Err    error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open %s: %s: %v", e.Target, e.Code, e.Err)
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

// ErrNotAllowed is wrapped by OpenError when the target is outside the
// allowed routes.
var ErrNotAllowed = errors.New("destination not allowed")

// CodeOf returns the open-error code for err. Errors that are not an
// OpenError are classified by ClassifyDialError.
func CodeOf(err error) protocol.OpenError {
	if err == nil {
		return protocol.OpenOK
	}
	var oe *OpenError
	if errors.As(err, &oe) {
		return oe.Code
	}
	return ClassifyDialError(err)
}

// Dialer connects forwarded connections to their targets.
type Dialer struct {
	cfg      DialerConfig
	resolver *Resolver
	logger   *slog.Logger
}

// NewDialer creates a new target dialer.
func NewDialer(cfg DialerConfig) *Dialer {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultDialerConfig().ConnectTimeout
	}
	return &Dialer{
		cfg:      cfg,
		resolver: NewResolver(cfg.DNS),
		logger:   logging.OrNop(cfg.Logger).With(logging.KeyComponent, "exit"),
	}
}

// Resolver returns the dialer's resolver.
func (d *Dialer) Resolver() *Resolver {
	return d.resolver
}

// Dial resolves host, checks it against the allowed routes and connects.
// Failures are returned as *OpenError.
func (d *Dialer) Dial(ctx context.Context, host string, port uint16) (net.Conn, error) {
	target := net.JoinHostPort(host, strconv.Itoa(int(port)))

	ip, err := d.resolver.Resolve(ctx, host)
	if err != nil {
		return nil, &OpenError{Code: protocol.OpenDNSQuery, Target: target, Err: err}
	}

	if !d.IsAllowed(ip) {
		return nil, &OpenError{Code: protocol.OpenNotAllowed, Target: target, Err: ErrNotAllowed}
	}

	addr := net.JoinHostPort(ip.String(), strconv.Itoa(int(port)))
	dialer := &net.Dialer{Timeout: d.cfg.ConnectTimeout}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &OpenError{Code: ClassifyDialError(err), Target: target, Err: err}
	}

	d.logger.Debug("target connected",
		logging.KeyTarget, target,
		logging.KeyRemoteAddr, conn.RemoteAddr().String())
	return conn, nil
}

// IsAllowed checks if an IP is allowed by the configured routes.
func (d *Dialer) IsAllowed(ip net.IP) bool {
	if len(d.cfg.AllowedRoutes) == 0 {
		return true
	}

	for _, route := range d.cfg.AllowedRoutes {
		if route.Contains(ip) {
			return true
		}
	}

	return false
}

// ClassifyDialError maps dial errors to protocol error codes.
func ClassifyDialError(err error) protocol.OpenError {
	if isDNSError(err) {
		return protocol.OpenDNSQuery
	}

	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) && sysErr.Syscall == "socket" {
		return protocol.OpenBindSocket
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return protocol.OpenRefused
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return protocol.OpenTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return protocol.OpenTimeout
	}

	return protocol.OpenConnect
}

// ParseAllowedRoutes parses a list of CIDR strings into IPNets. A bare
// address is treated as a single-host network.
func ParseAllowedRoutes(routes []string) ([]*net.IPNet, error) {
	var result []*net.IPNet
	for _, r := range routes {
		if ip := net.ParseIP(r); ip != nil {
			bits := 128
			if ip.To4() != nil {
				ip, bits = ip.To4(), 32
			}
			result = append(result, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, ipNet, err := net.ParseCIDR(r)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", r, err)
		}
		result = append(result, ipNet)
	}
	return result, nil
}
