package main

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/postalsys/portal/internal/crypto"
	"github.com/postalsys/portal/internal/logging"
	"github.com/postalsys/portal/internal/transport"
)

func newTransport(name string) (transport.Transport, error) {
	t, err := transport.ParseTransportType(name)
	if err != nil {
		return nil, err
	}
	if t == transport.TransportTCP {
		return transport.NewTCPTransport(), nil
	}
	return transport.NewQUICTransport(), nil
}

// directTLS pins the peer to the passphrase, or falls back to an encrypted
// but unauthenticated connection when there is none.
func (r *runner) directTLS(isServer bool) (*tls.Config, error) {
	if r.cfg.Passphrase == "" {
		r.logger.Warn("no passphrase set, the peer is not authenticated")
		return transport.EphemeralTLS(isServer)
	}
	key := crypto.PassphraseKey(r.cfg.Passphrase)
	return transport.PinnedTLS(key[:], isServer)
}

func randomSessionID() ([16]byte, error) {
	var id [16]byte
	b, err := crypto.RandomBytes(len(id))
	if err != nil {
		return id, err
	}
	copy(id[:], b)
	return id, nil
}

// listen waits for one peer and serves it. The listener stays open for the
// life of the session; a QUIC listener owns its socket.
func (r *runner) listen(ctx context.Context) error {
	tr, err := newTransport(r.cfg.Transport)
	if err != nil {
		return err
	}
	defer tr.Close()

	tlsConfig, err := r.directTLS(true)
	if err != nil {
		return fmt.Errorf("failed to set up TLS: %w", err)
	}

	opts := transport.DefaultListenOptions()
	opts.TLSConfig = tlsConfig
	opts.HandshakeTimeout = r.cfg.Session.HandshakeTimeout

	ln, err := tr.Listen(r.cfg.Address, opts)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	defer ln.Close()

	r.logger.Info("waiting for peer",
		logging.KeyLocalAddr, ln.Addr().String(),
		"transport", string(tr.Type()))

	conn, err := ln.Accept(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to accept peer: %w", err)
	}

	id, err := randomSessionID()
	if err != nil {
		conn.Close()
		return err
	}
	cfg, err := r.sessionConfig(id, false)
	if err != nil {
		conn.Close()
		return err
	}
	return r.serve(ctx, conn, cfg)
}

// connect dials the listening peer and serves the session. The dialer opens
// the control stream.
func (r *runner) connect(ctx context.Context) error {
	tr, err := newTransport(r.cfg.Transport)
	if err != nil {
		return err
	}
	defer tr.Close()

	tlsConfig, err := r.directTLS(false)
	if err != nil {
		return fmt.Errorf("failed to set up TLS: %w", err)
	}

	opts := transport.DefaultDialOptions()
	opts.TLSConfig = tlsConfig
	opts.Timeout = r.cfg.Session.HandshakeTimeout

	r.logger.Info("connecting to peer",
		logging.KeyRemoteAddr, r.cfg.Address,
		"transport", string(tr.Type()))

	conn, err := tr.Dial(ctx, r.cfg.Address, opts)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", r.cfg.Address, err)
	}

	id, err := randomSessionID()
	if err != nil {
		conn.Close()
		return err
	}
	cfg, err := r.sessionConfig(id, true)
	if err != nil {
		conn.Close()
		return err
	}
	return r.serve(ctx, conn, cfg)
}
