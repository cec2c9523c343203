package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/portal/internal/exit"
	"github.com/postalsys/portal/internal/forward"
	"github.com/postalsys/portal/internal/logging"
	"github.com/postalsys/portal/internal/protocol"
	"github.com/postalsys/portal/internal/recovery"
	"github.com/postalsys/portal/internal/transport"
)

// OpenData opens a forwarded connection to host:port through the peer. It
// implements forward.Opener for this session's listeners.
//
// The data stream is opened first and announced with STREAM_BIND, then the
// DATA_OPEN goes out on the control stream. The returned connection is
// usable once the peer acknowledged the open.
func (s *Session) OpenData(ctx context.Context, tunnelID uint64, host string, port uint16) (io.ReadWriteCloser, error) {
	target := net.JoinHostPort(host, strconv.Itoa(int(port)))
	if s.State() != StateEstablished {
		return nil, ErrSessionClosed
	}

	payload, err := (&protocol.DataOpen{TunnelID: tunnelID, Host: host, Port: port}).Encode()
	if err != nil {
		return nil, &exit.OpenError{Code: protocol.OpenDNSQuery, Target: target, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.OpenTimeout)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	id := s.ids.Next()
	start := time.Now()

	stream, err := s.conn.OpenStream(ctx)
	if err != nil {
		return nil, s.openFailed(target, fmt.Errorf("open data stream: %w", err))
	}
	if err := protocol.NewFrameWriter(stream).WriteFrame(protocol.FrameStreamBind, 0, id, nil); err != nil {
		stream.Close()
		return nil, s.openFailed(target, fmt.Errorf("bind data stream: %w", err))
	}

	// Registered before the DATA_OPEN goes out so a TUNNEL_CLOSE that
	// follows the ack closely still finds the connection.
	c := s.newDataConn(id, tunnelID, stream, target)

	ack := make(chan *protocol.DataOpenAck, 1)
	s.mu.Lock()
	s.pendingOpens[id] = ack
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pendingOpens, id)
		s.mu.Unlock()
	}()

	if err := s.send(protocol.FrameDataOpen, id, payload); err != nil {
		c.drop()
		return nil, s.openFailed(target, err)
	}

	select {
	case a := <-ack:
		if !a.Success() {
			c.drop()
			s.metrics.RecordConnFailure(a.Error.String())
			msg := a.Message
			if msg == "" {
				msg = a.Error.String()
			}
			return nil, &exit.OpenError{Code: a.Error, Target: target, Err: errors.New(msg)}
		}
	case <-ctx.Done():
		c.drop()
		return nil, s.openFailed(target, ctx.Err())
	}

	c.opened.Store(true)
	s.metrics.RecordConnOpen(time.Since(start).Seconds())
	c.logger.Debug("forwarded connection open", logging.KeyDuration, time.Since(start))
	return c, nil
}

// openFailed classifies a local open failure.
func (s *Session) openFailed(target string, err error) error {
	if s.ctx.Err() != nil {
		return ErrSessionClosed
	}
	code := exit.ClassifyDialError(err)
	s.metrics.RecordConnFailure(code.String())
	return &exit.OpenError{Code: code, Target: target, Err: err}
}

// handleDataOpenAck runs on the dispatcher.
func (s *Session) handleDataOpenAck(frame *protocol.Frame) error {
	ack, err := protocol.DecodeDataOpenAck(frame.Payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	ch, ok := s.pendingOpens[frame.ID]
	delete(s.pendingOpens, frame.ID)
	s.mu.Unlock()

	if !ok {
		// The open already gave up; make the peer drop its side.
		if ack.Success() {
			return s.send(protocol.FrameTunnelClose, frame.ID, nil)
		}
		return nil
	}
	ch <- ack
	return nil
}

// handleDataOpen runs on the dispatcher. Checks that need no I/O happen
// here; waiting for the data stream and dialing happen on their own goroutine.
func (s *Session) handleDataOpen(frame *protocol.Frame) error {
	id := frame.ID
	if !s.peerOwns(id) {
		return fmt.Errorf("%w: DATA_OPEN with our id %d", ErrProtocol, id)
	}
	open, err := protocol.DecodeDataOpen(frame.Payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	_, dup := s.conns[id]
	s.mu.Unlock()
	if dup {
		return fmt.Errorf("%w: duplicate connection id %d", ErrProtocol, id)
	}

	t := s.tunnel(open.TunnelID)
	var code protocol.OpenError
	var reason string
	switch {
	case t == nil || t.listens():
		code, reason = protocol.OpenNotAllowed, "unknown tunnel"
	case !t.spec.Dynamic() && open.Target() != t.spec.Target():
		code, reason = protocol.OpenNotAllowed, "target differs from tunnel"
	case s.cfg.MaxConnections > 0 && t.active.Load() >= int64(s.cfg.MaxConnections):
		code, reason = protocol.OpenLimitReached, "connection limit reached"
	}
	if code != protocol.OpenOK {
		s.logger.Debug("refusing data open",
			logging.KeyConnID, id,
			logging.KeyTunnelID, open.TunnelID,
			logging.KeyTarget, open.Target(),
			"reason", reason)
		s.metrics.RecordConnFailure(code.String())
		go s.discardStream(id)
		return s.sendAck(id, code, reason)
	}

	t.active.Add(1)
	s.wg.Add(1)
	go s.answer(t, id, open)
	return nil
}

// answer connects the target of a peer-initiated connection and relays.
func (s *Session) answer(t *tunnelState, id uint64, open *protocol.DataOpen) {
	defer s.wg.Done()
	defer t.active.Add(-1)
	defer recovery.RecoverWithLog(s.logger, "session.answer")

	logger := s.logger.With(
		logging.KeyConnID, id,
		logging.KeyTunnelID, t.id,
		logging.KeyTarget, open.Target())
	start := time.Now()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.OpenTimeout)
	stream, err := s.streams.wait(ctx, id)
	if err != nil {
		cancel()
		logger.Debug("data stream never bound", logging.KeyError, err)
		s.sendAck(id, protocol.OpenTimeout, "data stream not bound")
		return
	}

	target, err := s.dialer.Dial(ctx, open.Host, open.Port)
	cancel()
	if err != nil {
		code := exit.CodeOf(err)
		logger.Debug("target dial failed", "code", code.String(), logging.KeyError, err)
		s.metrics.RecordExitError(code.String())
		s.metrics.RecordConnFailure(code.String())
		stream.Close()
		s.sendAck(id, code, err.Error())
		return
	}
	s.metrics.RecordExitDial()

	c := s.newDataConn(id, t.id, stream, open.Target())
	if err := s.sendAck(id, protocol.OpenOK, ""); err != nil {
		target.Close()
		c.Close()
		return
	}
	c.opened.Store(true)
	s.metrics.RecordConnOpen(time.Since(start).Seconds())
	logger.Debug("forwarded connection open", logging.KeyDuration, time.Since(start))

	forward.Relay(s.ctx, target, c, forward.RelayOptions{
		RateLimit: s.cfg.RateLimit,
		Logger:    logger,
	})
}

// discardStream closes the data stream of a refused open when it shows up.
func (s *Session) discardStream(id uint64) {
	defer recovery.RecoverWithLog(s.logger, "session.discardStream")

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.OpenTimeout)
	defer cancel()
	if stream, err := s.streams.wait(ctx, id); err == nil {
		stream.Close()
	}
}

func (s *Session) sendAck(id uint64, code protocol.OpenError, msg string) error {
	ack := &protocol.DataOpenAck{Error: code, Message: msg}
	return s.send(protocol.FrameDataOpenAck, id, ack.Encode())
}

// handleTunnelClose runs on the dispatcher. The peer's end of the connection
// is gone; ours gets the teardown grace to drain, then is closed.
func (s *Session) handleTunnelClose(id uint64) {
	s.mu.Lock()
	c, ok := s.conns[id]
	s.mu.Unlock()
	if ok {
		c.peerClosed(s.cfg.TeardownGrace)
	}
}

// dataConn is the session's end of one forwarded connection.
type dataConn struct {
	transport.Stream

	s        *Session
	id       uint64
	tunnelID uint64
	logger   *slog.Logger

	sent     atomic.Int64
	received atomic.Int64

	closeOnce sync.Once
	opened    atomic.Bool
	peerDone  atomic.Bool
	done      chan struct{}
}

func (s *Session) newDataConn(id, tunnelID uint64, stream transport.Stream, target string) *dataConn {
	c := &dataConn{
		Stream:   stream,
		s:        s,
		id:       id,
		tunnelID: tunnelID,
		logger: s.logger.With(
			logging.KeyConnID, id,
			logging.KeyTunnelID, tunnelID,
			logging.KeyTarget, target),
		done: make(chan struct{}),
	}
	s.mu.Lock()
	s.conns[id] = c
	s.mu.Unlock()
	return c
}

func (c *dataConn) Read(p []byte) (int, error) {
	n, err := c.Stream.Read(p)
	c.received.Add(int64(n))
	return n, err
}

func (c *dataConn) Write(p []byte) (int, error) {
	n, err := c.Stream.Write(p)
	c.sent.Add(int64(n))
	return n, err
}

// Close closes the stream and tells the peer, unless the peer closed first
// or the session is going away.
func (c *dataConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.Stream.Close()
		close(c.done)

		s := c.s
		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()

		if !c.peerDone.Load() && s.ctx.Err() == nil {
			s.send(protocol.FrameTunnelClose, c.id, nil)
		}

		// Closed while still waiting for its ack: nothing was counted yet.
		if !c.opened.Load() {
			return
		}
		sent, received := c.sent.Load(), c.received.Load()
		s.bytesSent.Add(sent)
		s.bytesReceived.Add(received)
		s.metrics.RecordConnClose(sent, received)
		c.logger.Debug("forwarded connection closed",
			logging.KeyBytesOut, sent,
			logging.KeyBytesIn, received)
	})
	return err
}

// drop discards a connection whose open never completed. The peer is not
// told and nothing is counted.
func (c *dataConn) drop() {
	c.closeOnce.Do(func() {
		c.Stream.Close()
		close(c.done)
		c.s.mu.Lock()
		delete(c.s.conns, c.id)
		c.s.mu.Unlock()
	})
}

// Done is closed once the connection is closed, which ends any relay
// still blocked on the other end.
func (c *dataConn) Done() <-chan struct{} {
	return c.done
}

func (c *dataConn) peerClosed(grace time.Duration) {
	c.peerDone.Store(true)
	time.AfterFunc(grace, func() { c.Close() })
}
