package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/postalsys/portal/internal/code"
	"github.com/postalsys/portal/internal/crypto"
	"github.com/postalsys/portal/internal/logging"
	"github.com/postalsys/portal/internal/prompt"
	"github.com/postalsys/portal/internal/punch"
	"github.com/postalsys/portal/internal/recovery"
	"github.com/postalsys/portal/internal/transport"
)

// punch exchanges connection codes, punches a UDP path and runs the session
// over QUIC on the punched socket.
func (r *runner) punch(ctx context.Context, p *prompt.Prompter) error {
	conn, err := punch.Listen(ctx, r.cfg.Punch.Bind)
	if err != nil {
		return err
	}
	candidates, err := punch.Candidates(conn, r.cfg.Punch.ExtraCandidates...)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to list candidates: %w", err)
	}
	local, err := code.Generate(candidates)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to generate connection code: %w", err)
	}
	text, err := code.Encode(local)
	if err != nil {
		conn.Close()
		return err
	}

	r.logger.Debug("connection code generated",
		logging.KeySessionID, local.SessionID.ShortString(),
		logging.KeyCount, len(candidates))

	m := punch.NewMachine(local, punch.Config{
		Interval: r.cfg.Punch.Interval,
		Timeout:  r.cfg.Punch.Timeout,
	}, time.Now())

	m.Await(time.Now())

	remote, err := r.exchangeCodes(ctx, p, text)
	if err != nil {
		conn.Close()
		return err
	}
	if err := m.SetRemote(remote, time.Now()); err != nil {
		conn.Close()
		return err
	}

	driver := punch.NewDriver(punch.DriverConfig{
		InitialTTL: r.cfg.Punch.InitialTTL,
		Logger:     r.logger,
	})
	res, err := driver.Run(ctx, conn, m)
	if err != nil {
		r.metrics.RecordPunch("failed", 0)
		conn.Close()
		return fmt.Errorf("hole punch failed: %w", err)
	}
	r.metrics.RecordPunch("established", res.Elapsed.Seconds())

	tr := transport.NewQUICTransportOnConn(res.Conn)
	defer tr.Close()

	lingerCtx, stopLinger := context.WithCancel(ctx)
	defer stopLinger()
	recovery.Go(r.logger, "punch.Linger", func() {
		driver.Linger(lingerCtx, tr.PacketTransport(), m, punch.DefaultLinger)
	})

	controlling := m.Controlling()
	secret := crypto.CombineSecrets(local.SessionID[:], local.Secret[:], remote.SessionID[:], remote.Secret[:])
	tlsConfig, err := transport.PinnedTLS(secret, !controlling)
	crypto.ZeroBytes(secret)
	if err != nil {
		return fmt.Errorf("failed to set up TLS: %w", err)
	}

	peer, err := r.handshake(ctx, tr, res.Remote, tlsConfig, controlling)
	if err != nil {
		return err
	}

	cfg, err := r.sessionConfig(local.SessionID, controlling)
	if err != nil {
		peer.Close()
		return err
	}
	return r.serve(ctx, peer, cfg)
}

// exchangeCodes shows our code and returns the peer's. The code is shown even
// when the peer's code was given up front, since the peer still needs ours.
func (r *runner) exchangeCodes(ctx context.Context, p *prompt.Prompter, local string) (*code.ConnectionCode, error) {
	p.ShowCode(local)
	return r.awaitPeerCode(ctx, p)
}

// awaitPeerCode is peerCode that gives up when ctx ends. A prompt blocked on
// stdin is left behind.
func (r *runner) awaitPeerCode(ctx context.Context, p *prompt.Prompter) (*code.ConnectionCode, error) {
	type result struct {
		peer *code.ConnectionCode
		err  error
	}
	ch := make(chan result, 1)
	recovery.Go(r.logger, "prompt.AskPeerCode", func() {
		c, err := r.peerCode(p)
		ch <- result{c, err}
	})

	select {
	case res := <-ch:
		return res.peer, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// peerCode returns the configured peer code or asks for one.
func (r *runner) peerCode(p *prompt.Prompter) (*code.ConnectionCode, error) {
	text := strings.TrimSpace(r.cfg.Punch.Code)
	if text == "" {
		var err error
		text, err = p.AskPeerCode(func(s string) error {
			_, err := code.Decode(s)
			return err
		})
		if err != nil {
			return nil, err
		}
	}
	remote, err := code.Decode(text)
	if err != nil {
		return nil, fmt.Errorf("invalid peer code: %w", err)
	}
	return remote, nil
}

// handshake runs the pinned QUIC handshake on the punched socket. The side
// with the smaller session ID dials, the other accepts.
func (r *runner) handshake(ctx context.Context, tr *transport.QUICTransport, remote *net.UDPAddr, tlsConfig *tls.Config, controlling bool) (transport.PeerConn, error) {
	if controlling {
		opts := transport.DefaultDialOptions()
		opts.TLSConfig = tlsConfig
		opts.Timeout = r.cfg.Session.HandshakeTimeout
		conn, err := tr.Dial(ctx, remote.String(), opts)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", remote, err)
		}
		return conn, nil
	}

	opts := transport.DefaultListenOptions()
	opts.TLSConfig = tlsConfig
	opts.HandshakeTimeout = r.cfg.Session.HandshakeTimeout
	ln, err := tr.Listen("", opts)
	if err != nil {
		return nil, err
	}
	defer ln.Close()

	acceptCtx, cancel := context.WithTimeout(ctx, r.cfg.Session.HandshakeTimeout)
	defer cancel()
	conn, err := ln.Accept(acceptCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to accept %s: %w", remote, err)
	}
	return conn, nil
}
