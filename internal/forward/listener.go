package forward

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/postalsys/portal/internal/logging"
	"github.com/postalsys/portal/internal/recovery"
)

// ConnHandler serves one accepted connection. The listener closes conn when
// the handler returns, and cancels ctx when the listener stops.
type ConnHandler func(ctx context.Context, conn net.Conn)

// ListenerConfig holds listener configuration.
type ListenerConfig struct {
	// Name identifies the tunnel in logs.
	Name string

	// Address is the local address to listen on.
	Address string

	// MaxConnections limits concurrent connections (0 = unlimited).
	MaxConnections int

	// Logger for logging.
	Logger *slog.Logger
}

// Listener accepts TCP connections for one tunnel and hands each to a
// ConnHandler on its own goroutine.
type Listener struct {
	cfg      ListenerConfig
	handler  ConnHandler
	listener net.Listener
	logger   *slog.Logger
	conns    *Tracker[net.Conn]

	ctx    context.Context
	cancel context.CancelFunc

	running  atomic.Bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewListener creates a listener. Nothing is bound until Start.
func NewListener(cfg ListenerConfig, handler ConnHandler) *Listener {
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		cfg:     cfg,
		handler: handler,
		logger:  logging.OrNop(cfg.Logger),
		conns:   NewTracker[net.Conn](),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start binds the address and starts accepting.
func (l *Listener) Start() error {
	if l.running.Load() {
		return fmt.Errorf("listener already running")
	}

	listener, err := net.Listen("tcp", l.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", l.cfg.Address, err)
	}

	l.listener = listener
	l.running.Store(true)

	l.wg.Add(1)
	go l.acceptLoop()

	l.logger.Info("tunnel listener started",
		"tunnel", l.cfg.Name,
		logging.KeyLocalAddr, l.listener.Addr().String())

	return nil
}

// Stop closes the listener and every connection it accepted, then waits for
// the handlers to return.
func (l *Listener) Stop() error {
	var err error
	l.stopOnce.Do(func() {
		l.running.Store(false)
		l.cancel()

		if l.listener != nil {
			err = l.listener.Close()
		}
		l.conns.CloseAll()

		l.logger.Info("tunnel listener stopped", "tunnel", l.cfg.Name)
	})

	l.wg.Wait()
	return err
}

// Address returns the bound address, or nil before Start.
func (l *Listener) Address() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// ConnectionCount returns the number of active connections.
func (l *Listener) ConnectionCount() int64 {
	return l.conns.Count()
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	defer recovery.RecoverWithLog(l.logger, "forward.Listener.acceptLoop")

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if l.ctx.Err() != nil {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			l.logger.Warn("accept failed, listener closing",
				"tunnel", l.cfg.Name,
				logging.KeyError, err)
			return
		}

		if l.cfg.MaxConnections > 0 && l.conns.Count() >= int64(l.cfg.MaxConnections) {
			l.logger.Debug("connection limit reached",
				"tunnel", l.cfg.Name,
				"limit", l.cfg.MaxConnections)
			conn.Close()
			continue
		}

		l.conns.Add(conn)
		l.wg.Add(1)
		go l.handleConnection(conn)
	}
}

func (l *Listener) handleConnection(conn net.Conn) {
	defer l.wg.Done()
	defer recovery.RecoverWithLog(l.logger, "forward.Listener.handleConnection")
	defer func() {
		conn.Close()
		l.conns.Remove(conn)
	}()

	if l.ctx.Err() != nil {
		return
	}

	l.logger.Debug("connection accepted",
		"tunnel", l.cfg.Name,
		logging.KeyRemoteAddr, conn.RemoteAddr().String())

	l.handler(l.ctx, conn)
}
