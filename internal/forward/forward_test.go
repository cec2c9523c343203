package forward

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/net/proxy"

	"github.com/postalsys/portal/internal/exit"
	"github.com/postalsys/portal/internal/metrics"
	"github.com/postalsys/portal/internal/protocol"
	"github.com/postalsys/portal/internal/socks"
	"github.com/postalsys/portal/internal/tunnel"
)

// dialOpener stands in for a session: it records each open and connects
// straight to addr.
type dialOpener struct {
	addr string
	err  error

	mu    sync.Mutex
	calls []string
}

func (o *dialOpener) OpenData(ctx context.Context, tunnelID uint64, host string, port uint16) (io.ReadWriteCloser, error) {
	o.mu.Lock()
	o.calls = append(o.calls, net.JoinHostPort(host, strconv.Itoa(int(port))))
	o.mu.Unlock()

	if o.err != nil {
		return nil, o.err
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", o.addr)
}

func (o *dialOpener) Calls() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.calls...)
}

// startEchoServer accepts connections and echoes each one until EOF.
func startEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				echo(c.(*net.TCPConn))
			}()
		}
	}()
	return ln.Addr().String()
}

func startForwarder(t *testing.T, spec tunnel.Spec, opener Opener, m *metrics.Metrics) *Listener {
	t.Helper()
	f := NewForwarder(ForwarderConfig{
		TunnelID: 7,
		Spec:     spec,
		Opener:   opener,
		Metrics:  m,
	})
	l := NewListener(ListenerConfig{Name: spec.String(), Address: "127.0.0.1:0"}, f.ServeConn)
	if err := l.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { l.Stop() })
	return l
}

func roundTrip(t *testing.T, c net.Conn, msg string) {
	t.Helper()
	c.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.Write([]byte(msg)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatalf("ReadFull() error = %v", err)
	}
	if string(buf) != msg {
		t.Errorf("echo = %q, want %q", buf, msg)
	}
}

func TestForwarder_LocalTunnel(t *testing.T) {
	opener := &dialOpener{addr: startEchoServer(t)}
	spec := tunnel.Spec{Kind: tunnel.KindLocal, BindAddress: "127.0.0.1", BindPort: 1, TargetHost: "db.internal", TargetPort: 5432}
	l := startForwarder(t, spec, opener, metrics.NewMetricsWithRegistry(prometheus.NewRegistry()))

	c, err := net.Dial("tcp", l.Address().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()

	roundTrip(t, c, "hello, portal")

	calls := opener.Calls()
	if len(calls) != 1 || calls[0] != "db.internal:5432" {
		t.Errorf("opens = %v, want [db.internal:5432]", calls)
	}
}

func TestForwarder_DynamicSOCKS5(t *testing.T) {
	opener := &dialOpener{addr: startEchoServer(t)}
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	spec := tunnel.Spec{Kind: tunnel.KindDynamic, BindAddress: "127.0.0.1", BindPort: 1}
	l := startForwarder(t, spec, opener, m)

	dialer, err := proxy.SOCKS5("tcp", l.Address().String(), nil, proxy.Direct)
	if err != nil {
		t.Fatalf("SOCKS5() error = %v", err)
	}

	tests := []struct {
		name string
		addr string
	}{
		{"ipv4", "10.1.2.3:8080"},
		{"domain", "intranet.example:443"},
	}

	for i, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, err := dialer.Dial("tcp", tc.addr)
			if err != nil {
				t.Fatalf("Dial(%s) error = %v", tc.addr, err)
			}
			defer c.Close()

			roundTrip(t, c, "ping "+tc.name)

			calls := opener.Calls()
			if len(calls) != i+1 || calls[i] != tc.addr {
				t.Errorf("opens = %v, want exactly one open of %s", calls, tc.addr)
			}
		})
	}

	if got := testutil.ToFloat64(m.SOCKSHandshakes.WithLabelValues("5")); got != 2 {
		t.Errorf("SOCKSHandshakes[5] = %v, want 2", got)
	}
}

func TestForwarder_DynamicSOCKS4(t *testing.T) {
	opener := &dialOpener{addr: startEchoServer(t)}
	spec := tunnel.Spec{Kind: tunnel.KindDynamic, BindAddress: "127.0.0.1", BindPort: 1}
	l := startForwarder(t, spec, opener, metrics.NewMetricsWithRegistry(prometheus.NewRegistry()))

	c, err := net.Dial("tcp", l.Address().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()
	c.SetDeadline(time.Now().Add(5 * time.Second))

	req := []byte{socks.Version4, socks.CmdConnect, 0, 0, 192, 168, 7, 9, 'u', 0}
	binary.BigEndian.PutUint16(req[2:4], 2222)
	c.Write(req)

	reply := make([]byte, 8)
	if _, err := io.ReadFull(c, reply); err != nil {
		t.Fatalf("read reply error = %v", err)
	}
	if reply[1] != 0x5A {
		t.Fatalf("reply = %#x, want 0x5a", reply[1])
	}

	roundTrip(t, c, "socks4")

	if calls := opener.Calls(); len(calls) != 1 || calls[0] != "192.168.7.9:2222" {
		t.Errorf("opens = %v, want [192.168.7.9:2222]", calls)
	}
}

func TestForwarder_OpenFailureReply(t *testing.T) {
	tests := []struct {
		name string
		code protocol.OpenError
		want byte
	}{
		{"refused", protocol.OpenRefused, socks.ReplyConnectionRefused},
		{"dns", protocol.OpenDNSQuery, socks.ReplyHostUnreachable},
		{"not allowed", protocol.OpenNotAllowed, socks.ReplyNotAllowed},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			opener := &dialOpener{err: &exit.OpenError{Code: tc.code, Target: "x:1", Err: errors.New("peer said no")}}
			spec := tunnel.Spec{Kind: tunnel.KindDynamic, BindAddress: "127.0.0.1", BindPort: 1}
			l := startForwarder(t, spec, opener, metrics.NewMetricsWithRegistry(prometheus.NewRegistry()))

			c, err := net.Dial("tcp", l.Address().String())
			if err != nil {
				t.Fatalf("Dial() error = %v", err)
			}
			defer c.Close()
			c.SetDeadline(time.Now().Add(5 * time.Second))

			c.Write([]byte{socks.Version5, 1, socks.AuthMethodNoAuth})
			method := make([]byte, 2)
			if _, err := io.ReadFull(c, method); err != nil {
				t.Fatalf("read method error = %v", err)
			}

			c.Write([]byte{socks.Version5, socks.CmdConnect, 0, socks.AddrTypeIPv4, 10, 0, 0, 1, 0, 80})
			reply := make([]byte, 10)
			if _, err := io.ReadFull(c, reply); err != nil {
				t.Fatalf("read reply error = %v", err)
			}
			if reply[1] != tc.want {
				t.Errorf("reply = %#x, want %#x", reply[1], tc.want)
			}

			// The connection is closed after a failed open.
			if _, err := c.Read(make([]byte, 1)); err == nil {
				t.Error("connection still open after failed open")
			}
		})
	}
}

func TestSOCKSReply(t *testing.T) {
	tests := []struct {
		code protocol.OpenError
		want byte
	}{
		{protocol.OpenOK, socks.ReplySucceeded},
		{protocol.OpenBindSocket, socks.ReplyServerFailure},
		{protocol.OpenDNSQuery, socks.ReplyHostUnreachable},
		{protocol.OpenConnect, socks.ReplyHostUnreachable},
		{protocol.OpenRefused, socks.ReplyConnectionRefused},
		{protocol.OpenNotAllowed, socks.ReplyNotAllowed},
		{protocol.OpenTimeout, socks.ReplyTTLExpired},
		{protocol.OpenLimitReached, socks.ReplyServerFailure},
	}
	for _, tc := range tests {
		if got := SOCKSReply(tc.code); got != tc.want {
			t.Errorf("SOCKSReply(%s) = %#x, want %#x", tc.code, got, tc.want)
		}
	}
}

func TestListener_ConnectionLimit(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	l := NewListener(ListenerConfig{Name: "limited", Address: "127.0.0.1:0", MaxConnections: 1},
		func(ctx context.Context, conn net.Conn) {
			started <- struct{}{}
			select {
			case <-release:
			case <-ctx.Done():
			}
		})
	if err := l.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer l.Stop()

	first, err := net.Dial("tcp", l.Address().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer first.Close()
	<-started

	second, err := net.Dial("tcp", l.Address().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer second.Close()

	// Over the limit: closed without reaching the handler.
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := second.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("second Read() error = %v, want EOF", err)
	}
	if got := l.ConnectionCount(); got != 1 {
		t.Errorf("ConnectionCount() = %d, want 1", got)
	}
	close(release)
}

func TestListener_StopClosesConnections(t *testing.T) {
	handlerDone := make(chan struct{})
	l := NewListener(ListenerConfig{Name: "stop", Address: "127.0.0.1:0"},
		func(ctx context.Context, conn net.Conn) {
			<-ctx.Done()
			close(handlerDone)
		})
	if err := l.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := l.Start(); err == nil {
		t.Error("second Start() should fail")
	}

	c, err := net.Dial("tcp", l.Address().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()

	for l.ConnectionCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	l.Stop()

	select {
	case <-handlerDone:
	case <-time.After(2 * time.Second):
		t.Fatal("handler context not cancelled by Stop")
	}
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.Read(make([]byte, 1)); err == nil {
		t.Error("client connection still open after Stop")
	}
	if got := l.ConnectionCount(); got != 0 {
		t.Errorf("ConnectionCount() = %d, want 0", got)
	}
}

func TestTracker(t *testing.T) {
	tr := NewTracker[net.Conn]()
	a, b := net.Pipe()

	tr.Add(a)
	tr.Add(b)
	if tr.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", tr.Count())
	}

	tr.Remove(a)
	tr.Remove(a)
	if tr.Count() != 1 {
		t.Errorf("Count() after double remove = %d, want 1", tr.Count())
	}

	tr.CloseAll()
	if tr.Count() != 0 {
		t.Errorf("Count() after CloseAll = %d, want 0", tr.Count())
	}
	if _, err := b.Write([]byte("x")); err == nil {
		t.Error("tracked connection still open after CloseAll")
	}
	a.Close()
}
