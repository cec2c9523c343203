package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/postalsys/portal/internal/config"
	"github.com/postalsys/portal/internal/exit"
	"github.com/postalsys/portal/internal/health"
	"github.com/postalsys/portal/internal/logging"
	"github.com/postalsys/portal/internal/metrics"
	"github.com/postalsys/portal/internal/recovery"
	"github.com/postalsys/portal/internal/session"
	"github.com/postalsys/portal/internal/socks"
	"github.com/postalsys/portal/internal/transport"
)

// shutdownTimeout bounds the graceful shutdown after SIGINT or SIGTERM.
const shutdownTimeout = 10 * time.Second

// runner holds everything one invocation owns: the configuration, the
// logger and the session once it exists.
type runner struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	out     io.Writer

	current atomic.Pointer[session.Session]
}

// run sets up logging, signal handling and the status server, then calls
// mode until it returns.
func run(parent context.Context, cfg *config.Config, mode func(*runner, context.Context) error) error {
	r := &runner{
		cfg:     cfg,
		logger:  logging.NewLogger(cfg.Log.Level, cfg.Log.Format),
		metrics: metrics.Default(),
		out:     os.Stdout,
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Health.Enabled {
		srv := health.NewServer(health.ServerConfig{
			Address:      cfg.Health.Address,
			ReadTimeout:  cfg.Health.ReadTimeout,
			WriteTimeout: cfg.Health.WriteTimeout,
			Logger:       r.logger,
		}, r)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start status server: %w", err)
		}
		defer srv.Stop()
	}

	err := mode(r, ctx)
	if ctx.Err() != nil && parent.Err() == nil {
		r.logger.Info("shut down on signal")
		if errors.Is(err, context.Canceled) {
			return nil
		}
	}
	return err
}

// IsRunning reports whether a session is established.
func (r *runner) IsRunning() bool {
	s := r.current.Load()
	return s != nil && s.State() == session.StateEstablished
}

// Stats returns status for the health server.
func (r *runner) Stats() health.Stats {
	st := health.Stats{Mode: r.cfg.Mode}
	if s := r.current.Load(); s != nil {
		st.Sessions = []session.Stats{s.Stats()}
	}
	return st
}

// sessionConfig translates the configuration for a session on this side.
func (r *runner) sessionConfig(id [16]byte, controlling bool) (session.Config, error) {
	specs, err := r.cfg.TunnelSpecs()
	if err != nil {
		return session.Config{}, err
	}
	routes, err := exit.ParseAllowedRoutes(r.cfg.Exit.Allow)
	if err != nil {
		return session.Config{}, fmt.Errorf("exit.allow: %w", err)
	}

	dialer := exit.NewDialer(exit.DialerConfig{
		AllowedRoutes:  routes,
		ConnectTimeout: r.cfg.Exit.ConnectTimeout,
		DNS: exit.DNSConfig{
			Servers:  r.cfg.Exit.DNS.Servers,
			Timeout:  r.cfg.Exit.DNS.Timeout,
			CacheTTL: r.cfg.Exit.DNS.CacheTTL,
		},
		Logger: r.logger,
	})

	return session.Config{
		SessionID:         id,
		Controlling:       controlling,
		Tunnels:           specs,
		HandshakeTimeout:  r.cfg.Session.HandshakeTimeout,
		KeepaliveInterval: r.cfg.Session.KeepaliveInterval,
		KeepaliveTimeout:  r.cfg.Session.KeepaliveTimeout,
		OpenTimeout:       r.cfg.Session.OpenTimeout,
		TeardownGrace:     r.cfg.Session.TeardownGrace,
		MaxConnections:    r.cfg.Limits.MaxConnections,
		RateLimit:         r.cfg.RateLimit(),
		Auths: socks.CreateAuthenticators(socks.AuthConfig{
			Users:    r.cfg.SOCKSUsers(),
			Required: r.cfg.SOCKS.Required,
		}),
		Dialer:   dialer,
		OnTunnel: r.onTunnel,
		Metrics:  r.metrics,
		Logger:   r.logger,
	}, nil
}

// onTunnel reports each requested tunnel to the operator.
func (r *runner) onTunnel(res session.TunnelResult) {
	if res.Err != nil {
		fmt.Fprintf(r.out, "Tunnel %s rejected: %v\n", res.Spec, res.Err)
		return
	}
	fmt.Fprintf(r.out, "Forwarding %s (listening on %s)\n", res.Spec, res.Bound)
}

// serve runs a session on conn until it ends. After ctx is cancelled the
// session gets shutdownTimeout to close its connections.
func (r *runner) serve(ctx context.Context, conn transport.PeerConn, cfg session.Config) error {
	s := session.New(conn, cfg)
	r.current.Store(s)

	done := make(chan error, 1)
	go func() {
		defer recovery.RecoverWithCallback(r.logger, "session.Run", func(v any) {
			done <- fmt.Errorf("session panicked: %v", v)
		})
		done <- s.Run(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	timer := time.NewTimer(shutdownTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("session did not stop within %s", shutdownTimeout)
	}
}
