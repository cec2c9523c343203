package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/quic-go/quic-go"
)

func TestStreamIDAllocator(t *testing.T) {
	t.Run("dialer allocates odd IDs", func(t *testing.T) {
		alloc := NewStreamIDAllocator(true)

		if !alloc.IsDialer() {
			t.Error("IsDialer() = false, want true")
		}

		for i := 0; i < 5; i++ {
			id := alloc.Next()
			if id%2 != 1 {
				t.Errorf("Dialer ID %d is not odd", id)
			}
			if !alloc.Owns(id) {
				t.Errorf("Owns(%d) = false, want true", id)
			}
		}
	})

	t.Run("listener allocates even IDs", func(t *testing.T) {
		alloc := NewStreamIDAllocator(false)

		if alloc.IsDialer() {
			t.Error("IsDialer() = true, want false")
		}

		for i := 0; i < 5; i++ {
			id := alloc.Next()
			if id%2 != 0 {
				t.Errorf("Listener ID %d is not even", id)
			}
			if id == 0 {
				t.Error("Listener allocated reserved ID 0")
			}
		}
	})

	t.Run("IDs are sequential", func(t *testing.T) {
		alloc := NewStreamIDAllocator(true)

		id1 := alloc.Next()
		id2 := alloc.Next()
		id3 := alloc.Next()

		if id2 != id1+2 || id3 != id2+2 {
			t.Errorf("IDs not sequential: %d, %d, %d", id1, id2, id3)
		}
	})

	t.Run("ownership", func(t *testing.T) {
		dialer := NewStreamIDAllocator(true)
		listener := NewStreamIDAllocator(false)

		if dialer.Owns(2) || !listener.Owns(2) {
			t.Error("even ID should belong to the listener only")
		}
		if listener.Owns(3) || !dialer.Owns(3) {
			t.Error("odd ID should belong to the dialer only")
		}
		if dialer.Owns(0) || listener.Owns(0) {
			t.Error("ID 0 is reserved")
		}
	})

	t.Run("concurrent access produces unique IDs", func(t *testing.T) {
		alloc := NewStreamIDAllocator(false)

		var mu sync.Mutex
		seen := make(map[uint64]bool)
		var wg sync.WaitGroup
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 100; i++ {
					id := alloc.Next()
					mu.Lock()
					if seen[id] {
						t.Errorf("duplicate ID %d", id)
					}
					seen[id] = true
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if len(seen) != 800 {
			t.Errorf("got %d unique IDs, want 800", len(seen))
		}
	})
}

func TestParseTransportType(t *testing.T) {
	tests := []struct {
		input   string
		want    TransportType
		wantErr bool
	}{
		{"quic", TransportQUIC, false},
		{"", TransportQUIC, false},
		{"TCP", TransportTCP, false},
		{"ws", "", true},
	}
	for _, tc := range tests {
		got, err := ParseTransportType(tc.input)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseTransportType(%q) error = %v, wantErr %v", tc.input, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseTransportType(%q) = %s, want %s", tc.input, got, tc.want)
		}
	}
}

func TestDeriveIdentity(t *testing.T) {
	a, err := DeriveIdentity([]byte("shared secret"))
	if err != nil {
		t.Fatalf("DeriveIdentity() error = %v", err)
	}
	b, err := DeriveIdentity([]byte("shared secret"))
	if err != nil {
		t.Fatalf("DeriveIdentity() error = %v", err)
	}
	c, err := DeriveIdentity([]byte("other secret"))
	if err != nil {
		t.Fatalf("DeriveIdentity() error = %v", err)
	}

	if a.Fingerprint() != b.Fingerprint() {
		t.Errorf("same secret fingerprints differ: %s vs %s", a.Fingerprint(), b.Fingerprint())
	}
	if a.Fingerprint() == c.Fingerprint() {
		t.Error("different secrets produced the same fingerprint")
	}

	// Each identity accepts its twin and rejects a stranger.
	if err := a.verifyPeer(b.cert.Certificate, nil); err != nil {
		t.Errorf("verifyPeer(twin) error = %v", err)
	}
	if err := a.verifyPeer(c.cert.Certificate, nil); !errors.Is(err, ErrPeerIdentity) {
		t.Errorf("verifyPeer(stranger) error = %v, want %v", err, ErrPeerIdentity)
	}
	if err := a.verifyPeer(nil, nil); !errors.Is(err, ErrPeerIdentity) {
		t.Errorf("verifyPeer(nil) error = %v, want %v", err, ErrPeerIdentity)
	}

	if _, err := DeriveIdentity(nil); err == nil {
		t.Error("DeriveIdentity(nil) should fail")
	}
}

func TestPinnedTLS_Sides(t *testing.T) {
	server, err := PinnedTLS([]byte("k"), true)
	if err != nil {
		t.Fatalf("PinnedTLS(server) error = %v", err)
	}
	client, err := PinnedTLS([]byte("k"), false)
	if err != nil {
		t.Fatalf("PinnedTLS(client) error = %v", err)
	}

	if server.ClientAuth != tls.RequireAnyClientCert {
		t.Errorf("server ClientAuth = %v, want RequireAnyClientCert", server.ClientAuth)
	}
	if !client.InsecureSkipVerify {
		t.Error("client InsecureSkipVerify = false, want true")
	}
	for _, cfg := range []*tls.Config{server, client} {
		if cfg.MinVersion != tls.VersionTLS13 {
			t.Errorf("MinVersion = %x, want TLS 1.3", cfg.MinVersion)
		}
		if cfg.VerifyPeerCertificate == nil {
			t.Error("VerifyPeerCertificate not set")
		}
		if len(cfg.NextProtos) != 1 || cfg.NextProtos[0] != DefaultALPNProtocol {
			t.Errorf("NextProtos = %v, want [%s]", cfg.NextProtos, DefaultALPNProtocol)
		}
	}
}

// connectPair listens on ln and dials it through dial, returning both ends.
func connectPair(t *testing.T, ln Listener, dial func(ctx context.Context) (PeerConn, error)) (client, server PeerConn) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	type result struct {
		conn PeerConn
		err  error
	}
	accepted := make(chan result, 1)
	go func() {
		c, err := ln.Accept(ctx)
		accepted <- result{c, err}
	}()

	client, err := dial(ctx)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	r := <-accepted
	if r.err != nil {
		client.Close()
		t.Fatalf("Accept() error = %v", r.err)
	}
	t.Cleanup(func() {
		client.Close()
		r.conn.Close()
	})
	return client, r.conn
}

// exchangeHalfClose sends "ping" from client to server and "pong" back, each
// direction finished with CloseWrite.
func exchangeHalfClose(t *testing.T, client, server PeerConn) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	serverErr := make(chan error, 1)
	go func() {
		stream, err := server.AcceptStream(ctx)
		if err != nil {
			serverErr <- err
			return
		}
		defer stream.Close()
		stream.SetDeadline(time.Now().Add(5 * time.Second))

		got, err := io.ReadAll(stream)
		if err != nil {
			serverErr <- err
			return
		}
		if string(got) != "ping" {
			serverErr <- errors.New("server read " + string(got))
			return
		}
		if _, err := stream.Write([]byte("pong")); err != nil {
			serverErr <- err
			return
		}
		serverErr <- stream.CloseWrite()
	}()

	stream, err := client.OpenStream(ctx)
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	defer stream.Close()
	stream.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := stream.Write([]byte("ping")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := stream.CloseWrite(); err != nil {
		t.Fatalf("CloseWrite() error = %v", err)
	}

	// Reading still works after our FIN.
	got, err := io.ReadAll(stream)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if !bytes.Equal(got, []byte("pong")) {
		t.Errorf("client read %q, want %q", got, "pong")
	}

	if err := <-serverErr; err != nil {
		t.Errorf("server error = %v", err)
	}
}

func pinnedPair(t *testing.T, secret string) (server, client *tls.Config) {
	t.Helper()
	server, err := PinnedTLS([]byte(secret), true)
	if err != nil {
		t.Fatalf("PinnedTLS() error = %v", err)
	}
	client, err = PinnedTLS([]byte(secret), false)
	if err != nil {
		t.Fatalf("PinnedTLS() error = %v", err)
	}
	return server, client
}

func TestQUICTransport_Type(t *testing.T) {
	transport := NewQUICTransport()
	defer transport.Close()

	if transport.Type() != TransportQUIC {
		t.Errorf("Type() = %s, want %s", transport.Type(), TransportQUIC)
	}
	if transport.PacketTransport() != nil {
		t.Error("PacketTransport() should be nil without a shared socket")
	}
}

func TestQUICTransport_PinnedHalfClose(t *testing.T) {
	serverTLS, clientTLS := pinnedPair(t, "quic secret")

	transport := NewQUICTransport()
	defer transport.Close()

	listener, err := transport.Listen("127.0.0.1:0", ListenOptions{TLSConfig: serverTLS})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer listener.Close()

	if _, ok := listener.Addr().(*net.UDPAddr); !ok {
		t.Errorf("Addr() type = %T, want *net.UDPAddr", listener.Addr())
	}

	client, server := connectPair(t, listener, func(ctx context.Context) (PeerConn, error) {
		return transport.Dial(ctx, listener.Addr().String(), DialOptions{TLSConfig: clientTLS})
	})

	if !client.IsDialer() || server.IsDialer() {
		t.Errorf("IsDialer() client=%v server=%v, want true/false", client.IsDialer(), server.IsDialer())
	}
	if client.TransportType() != TransportQUIC {
		t.Errorf("TransportType() = %s, want %s", client.TransportType(), TransportQUIC)
	}

	exchangeHalfClose(t, client, server)
}

func TestQUICTransport_SharedSocket(t *testing.T) {
	serverTLS, clientTLS := pinnedPair(t, "punched")

	serverSock, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}
	clientSock, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}

	serverTr := NewQUICTransportOnConn(serverSock)
	defer serverTr.Close()
	clientTr := NewQUICTransportOnConn(clientSock)
	defer clientTr.Close()

	if serverTr.PacketTransport() == nil {
		t.Fatal("PacketTransport() = nil on shared socket")
	}

	listener, err := serverTr.Listen("", ListenOptions{TLSConfig: serverTLS})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	client, server := connectPair(t, listener, func(ctx context.Context) (PeerConn, error) {
		return clientTr.Dial(ctx, serverSock.LocalAddr().String(), DialOptions{TLSConfig: clientTLS})
	})

	if got, want := client.LocalAddr().String(), clientSock.LocalAddr().String(); got != want {
		t.Errorf("client LocalAddr() = %s, want %s", got, want)
	}
	if got, want := server.RemoteAddr().String(), clientSock.LocalAddr().String(); got != want {
		t.Errorf("server RemoteAddr() = %s, want %s", got, want)
	}

	exchangeHalfClose(t, client, server)
}

func TestQUICTransport_SecretMismatch(t *testing.T) {
	serverTLS, _ := pinnedPair(t, "right")
	_, clientTLS := pinnedPair(t, "wrong")

	transport := NewQUICTransport()
	defer transport.Close()

	listener, err := transport.Listen("127.0.0.1:0", ListenOptions{TLSConfig: serverTLS})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer listener.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := transport.Dial(ctx, listener.Addr().String(), DialOptions{TLSConfig: clientTLS})
	if err == nil {
		conn.Close()
		t.Fatal("Dial() with mismatched secret should fail")
	}
}

func TestQUICTransport_NoTLS(t *testing.T) {
	transport := NewQUICTransport()
	defer transport.Close()

	if _, err := transport.Listen("127.0.0.1:0", ListenOptions{}); err == nil {
		t.Error("Listen() should fail without TLS config")
	}
	if _, err := transport.Dial(context.Background(), "127.0.0.1:1", DialOptions{}); err == nil {
		t.Error("Dial() should fail without TLS config")
	}
}

func TestTransport_Closed(t *testing.T) {
	for _, tr := range []Transport{NewQUICTransport(), NewTCPTransport()} {
		t.Run(string(tr.Type()), func(t *testing.T) {
			if err := tr.Close(); err != nil {
				t.Errorf("first Close() error = %v", err)
			}
			if err := tr.Close(); err != nil {
				t.Errorf("second Close() error = %v", err)
			}

			_, err := tr.Dial(context.Background(), "127.0.0.1:1", DialOptions{TLSConfig: &tls.Config{}})
			if !errors.Is(err, ErrTransportClosed) {
				t.Errorf("Dial() error = %v, want %v", err, ErrTransportClosed)
			}
			_, err = tr.Listen("127.0.0.1:0", ListenOptions{TLSConfig: &tls.Config{}})
			if !errors.Is(err, ErrTransportClosed) {
				t.Errorf("Listen() error = %v, want %v", err, ErrTransportClosed)
			}
		})
	}
}

func TestTCPTransport_PinnedHalfClose(t *testing.T) {
	serverTLS, clientTLS := pinnedPair(t, "tcp secret")

	transport := NewTCPTransport()
	defer transport.Close()

	listener, err := transport.Listen("127.0.0.1:0", ListenOptions{TLSConfig: serverTLS})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer listener.Close()

	client, server := connectPair(t, listener, func(ctx context.Context) (PeerConn, error) {
		return transport.Dial(ctx, listener.Addr().String(), DialOptions{TLSConfig: clientTLS})
	})

	if !client.IsDialer() || server.IsDialer() {
		t.Errorf("IsDialer() client=%v server=%v, want true/false", client.IsDialer(), server.IsDialer())
	}
	if server.TransportType() != TransportTCP {
		t.Errorf("TransportType() = %s, want %s", server.TransportType(), TransportTCP)
	}

	exchangeHalfClose(t, client, server)
}

func TestTCPTransport_EphemeralTLS(t *testing.T) {
	serverTLS, err := EphemeralTLS(true)
	if err != nil {
		t.Fatalf("EphemeralTLS(server) error = %v", err)
	}
	clientTLS, err := EphemeralTLS(false)
	if err != nil {
		t.Fatalf("EphemeralTLS(client) error = %v", err)
	}

	transport := NewTCPTransport()
	defer transport.Close()

	listener, err := transport.Listen("127.0.0.1:0", ListenOptions{TLSConfig: serverTLS})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer listener.Close()

	client, server := connectPair(t, listener, func(ctx context.Context) (PeerConn, error) {
		return transport.Dial(ctx, listener.Addr().String(), DialOptions{TLSConfig: clientTLS})
	})
	exchangeHalfClose(t, client, server)
}

func TestTCPTransport_SecretMismatch(t *testing.T) {
	serverTLS, _ := pinnedPair(t, "right")
	_, clientTLS := pinnedPair(t, "wrong")

	transport := NewTCPTransport()
	defer transport.Close()

	listener, err := transport.Listen("127.0.0.1:0", ListenOptions{TLSConfig: serverTLS})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer listener.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := transport.Dial(ctx, listener.Addr().String(), DialOptions{TLSConfig: clientTLS})
	if err == nil {
		conn.Close()
		t.Fatal("Dial() with mismatched secret should fail")
	}

	// Nothing reaches Accept.
	actx, acancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer acancel()
	if c, err := listener.Accept(actx); err == nil {
		c.Close()
		t.Error("Accept() returned a connection that failed verification")
	}
}

func TestTCPListener_CloseUnblocksAccept(t *testing.T) {
	serverTLS, _ := pinnedPair(t, "x")

	transport := NewTCPTransport()
	defer transport.Close()

	listener, err := transport.Listen("127.0.0.1:0", ListenOptions{TLSConfig: serverTLS})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := listener.Accept(context.Background())
		done <- err
	}()

	listener.Close()
	select {
	case err := <-done:
		if !errors.Is(err, net.ErrClosed) {
			t.Errorf("Accept() error = %v, want %v", err, net.ErrClosed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Accept() did not return after Close()")
	}
}

func TestIsPeerClosed(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"eof", io.EOF, true},
		{"wrapped eof", fmt.Errorf("read: %w", io.EOF), true},
		{"remote quic close", &quic.ApplicationError{Remote: true, ErrorMessage: "session closed"}, true},
		{"local quic close", &quic.ApplicationError{Remote: false}, false},
		{"yamux goaway", yamux.ErrRemoteGoAway, true},
		{"yamux reset", yamux.ErrConnectionReset, true},
		{"timeout", context.DeadlineExceeded, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsPeerClosed(tc.err); got != tc.want {
				t.Errorf("IsPeerClosed(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
