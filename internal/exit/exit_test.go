package exit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/postalsys/portal/internal/protocol"
)

func TestDefaultDNSConfig(t *testing.T) {
	cfg := DefaultDNSConfig()

	// Default is empty servers (uses system resolver for .local domain support)
	if len(cfg.Servers) != 0 {
		t.Errorf("Servers len = %d, want 0 (system resolver)", len(cfg.Servers))
	}
	if cfg.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", cfg.Timeout)
	}
	if cfg.CacheTTL != time.Minute {
		t.Errorf("CacheTTL = %v, want 1m", cfg.CacheTTL)
	}
}

func TestNewResolver_ServerPorts(t *testing.T) {
	r := NewResolver(DNSConfig{Servers: []string{"1.1.1.1", "9.9.9.9:5353", "2001:db8::53"}})

	want := []string{"1.1.1.1:53", "9.9.9.9:5353", "[2001:db8::53]:53"}
	got := r.Servers()
	if len(got) != len(want) {
		t.Fatalf("Servers() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Servers()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if r.CacheSize() != 0 {
		t.Errorf("Initial CacheSize = %d, want 0", r.CacheSize())
	}
}

func TestResolver_Resolve_IPAddress(t *testing.T) {
	r := NewResolver(DefaultDNSConfig())

	for _, addr := range []string{"192.168.1.1", "::1"} {
		ip, err := r.Resolve(context.Background(), addr)
		if err != nil {
			t.Fatalf("Resolve(%s) error = %v", addr, err)
		}
		if ip.String() != addr {
			t.Errorf("Resolve(%s) = %s", addr, ip)
		}
	}
	if r.CacheSize() != 0 {
		t.Errorf("literal addresses should not be cached, CacheSize = %d", r.CacheSize())
	}
}

func TestResolver_CacheOperations(t *testing.T) {
	r := NewResolver(DefaultDNSConfig())

	r.setCache("example.com", net.ParseIP("1.2.3.4"), time.Hour)

	if r.CacheSize() != 1 {
		t.Errorf("CacheSize = %d, want 1", r.CacheSize())
	}

	// Resolve is served from the cache without touching the network.
	ip, err := r.Resolve(context.Background(), "example.com")
	if err != nil || ip.String() != "1.2.3.4" {
		t.Errorf("Resolve() = %v, %v, want 1.2.3.4", ip, err)
	}

	if ip := r.getCached("notexist.com"); ip != nil {
		t.Errorf("getCached() = %v, want nil", ip)
	}

	r.ClearCache()
	if r.CacheSize() != 0 {
		t.Errorf("CacheSize after clear = %d, want 0", r.CacheSize())
	}
}

func TestResolver_CacheExpiry(t *testing.T) {
	r := NewResolver(DefaultDNSConfig())

	r.setCache("example.com", net.ParseIP("1.2.3.4"), time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	if ip := r.getCached("example.com"); ip != nil {
		t.Errorf("getCached() = %v, want nil (expired)", ip)
	}
	if r.CacheSize() != 0 {
		t.Errorf("expired entry not evicted, CacheSize = %d", r.CacheSize())
	}
}

func TestParseAllowedRoutes(t *testing.T) {
	routes, err := ParseAllowedRoutes([]string{"10.0.0.0/8", "192.168.1.7", "2001:db8::/32"})
	if err != nil {
		t.Fatalf("ParseAllowedRoutes() error = %v", err)
	}
	if len(routes) != 3 {
		t.Fatalf("len(routes) = %d, want 3", len(routes))
	}

	d := NewDialer(DialerConfig{AllowedRoutes: routes})
	tests := []struct {
		ip   string
		want bool
	}{
		{"10.20.30.40", true},
		{"192.168.1.7", true},
		{"192.168.1.8", false},
		{"2001:db8::1", true},
		{"2001:db9::1", false},
		{"8.8.8.8", false},
	}
	for _, tc := range tests {
		if got := d.IsAllowed(net.ParseIP(tc.ip)); got != tc.want {
			t.Errorf("IsAllowed(%s) = %v, want %v", tc.ip, got, tc.want)
		}
	}

	if _, err := ParseAllowedRoutes([]string{"10.0.0.0/33"}); err == nil {
		t.Error("ParseAllowedRoutes() should fail for invalid CIDR")
	}
}

func TestDialer_AllowAllByDefault(t *testing.T) {
	d := NewDialer(DefaultDialerConfig())
	if !d.IsAllowed(net.ParseIP("203.0.113.1")) {
		t.Error("empty allow-list should allow everything")
	}
}

func TestDialer_Dial(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	d := NewDialer(DefaultDialerConfig())
	port := uint16(ln.Addr().(*net.TCPAddr).Port)

	conn, err := d.Dial(context.Background(), "127.0.0.1", port)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(5 * time.Second))
	conn.Write([]byte("echo"))
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil || string(buf) != "echo" {
		t.Errorf("echo = %q, %v", buf, err)
	}
}

func TestDialer_Dial_Errors(t *testing.T) {
	// A port that was just released refuses connections.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	closedPort := uint16(ln.Addr().(*net.TCPAddr).Port)
	ln.Close()

	onlyTen, _ := ParseAllowedRoutes([]string{"10.0.0.0/8"})

	tests := []struct {
		name string
		cfg  DialerConfig
		host string
		port uint16
		want protocol.OpenError
	}{
		{"refused", DefaultDialerConfig(), "127.0.0.1", closedPort, protocol.OpenRefused},
		{"not allowed", DialerConfig{AllowedRoutes: onlyTen}, "127.0.0.1", closedPort, protocol.OpenNotAllowed},
		{"unresolvable", DefaultDialerConfig(), "no-such-host.invalid", 80, protocol.OpenDNSQuery},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := NewDialer(tc.cfg)
			conn, err := d.Dial(context.Background(), tc.host, tc.port)
			if err == nil {
				conn.Close()
				t.Fatal("Dial() should fail")
			}

			var oe *OpenError
			if !errors.As(err, &oe) {
				t.Fatalf("Dial() error type = %T, want *OpenError", err)
			}
			if oe.Code != tc.want {
				t.Errorf("Code = %s, want %s", oe.Code, tc.want)
			}
			if CodeOf(err) != tc.want {
				t.Errorf("CodeOf() = %s, want %s", CodeOf(err), tc.want)
			}
		})
	}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestClassifyDialError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want protocol.OpenError
	}{
		{"dns", &net.DNSError{Err: "no such host", Name: "x", IsNotFound: true}, protocol.OpenDNSQuery},
		{"socket", &net.OpError{Op: "dial", Err: os.NewSyscallError("socket", syscall.EMFILE)}, protocol.OpenBindSocket},
		{"refused", &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}, protocol.OpenRefused},
		{"timeout", &net.OpError{Op: "dial", Err: timeoutError{}}, protocol.OpenTimeout},
		{"deadline", fmt.Errorf("dial: %w", context.DeadlineExceeded), protocol.OpenTimeout},
		{"unreachable", &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.EHOSTUNREACH)}, protocol.OpenConnect},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyDialError(tc.err); got != tc.want {
				t.Errorf("ClassifyDialError() = %s, want %s", got, tc.want)
			}
		})
	}

	if CodeOf(nil) != protocol.OpenOK {
		t.Errorf("CodeOf(nil) = %s, want OK", CodeOf(nil))
	}
}
