package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/postalsys/portal/internal/logging"
	"github.com/postalsys/portal/internal/protocol"
	"github.com/postalsys/portal/internal/recovery"
	"github.com/postalsys/portal/internal/transport"
)

// readLoop is the control-stream dispatcher. Frames are handled one at a
// time in arrival order, so responses to requests go out in request order.
// Anything that would block is handed to its own goroutine.
func (s *Session) readLoop() (err error) {
	defer recovery.RecoverWithCallback(s.logger, "session.readLoop", func(r any) {
		err = fmt.Errorf("control dispatcher panic: %v", r)
	})

	for {
		frame, err := s.reader.Read()
		if err != nil {
			return s.streamError("control stream", err)
		}

		s.lastRecv.Store(time.Now().UnixNano())
		s.metrics.RecordFrameReceived(protocol.FrameTypeName(frame.Type))

		if err := s.dispatch(frame); err != nil {
			return err
		}
	}
}

// streamError classifies a read or accept failure into the session's end reason.
func (s *Session) streamError(what string, err error) error {
	if s.ctx.Err() != nil {
		return context.Cause(s.ctx)
	}
	// The connection is only closed locally after s.ctx is cancelled, so a
	// closed connection here was torn down from the other end.
	if transport.IsPeerClosed(err) || errors.Is(err, net.ErrClosed) {
		return ErrPeerClosed
	}
	return fmt.Errorf("%s: %w", what, err)
}

func (s *Session) dispatch(frame *protocol.Frame) error {
	switch frame.Type {
	case protocol.FrameKeepalive:
		ka, err := protocol.DecodeKeepalive(frame.Payload)
		if err != nil {
			return err
		}
		return s.send(protocol.FrameKeepaliveAck, protocol.SessionFrameID, ka.Encode())

	case protocol.FrameKeepaliveAck:
		ka, err := protocol.DecodeKeepalive(frame.Payload)
		if err != nil {
			return err
		}
		s.updateRTT(ka.Timestamp)
		return nil

	case protocol.FrameTunnelRequest:
		return s.handleTunnelRequest(frame)

	case protocol.FrameTunnelAccept, protocol.FrameTunnelReject:
		return s.handleTunnelResponse(frame)

	case protocol.FrameDataOpen:
		return s.handleDataOpen(frame)

	case protocol.FrameDataOpenAck:
		return s.handleDataOpenAck(frame)

	case protocol.FrameTunnelClose:
		s.handleTunnelClose(frame.ID)
		return nil

	case protocol.FrameHello, protocol.FrameHelloAck, protocol.FrameStreamBind:
		return fmt.Errorf("%w: %s on an established control stream", ErrProtocol, protocol.FrameTypeName(frame.Type))

	default:
		return fmt.Errorf("%w: 0x%02x", protocol.ErrUnknownFrameType, frame.Type)
	}
}

func (s *Session) updateRTT(sentTimestamp uint64) {
	now := uint64(time.Now().UnixNano())
	if now > sentTimestamp {
		rtt := time.Duration(now - sentTimestamp)
		s.rtt.Store(int64(rtt))
		s.metrics.RecordKeepaliveRTT(rtt.Seconds())
	}
}

// keepaliveLoop sends periodic keepalives and ends the session when the peer
// has been silent for longer than the keepalive timeout. Any inbound frame
// counts as a sign of life.
func (s *Session) keepaliveLoop(ctx context.Context) error {
	defer recovery.RecoverWithLog(s.logger, "session.keepaliveLoop")

	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			silent := time.Since(time.Unix(0, s.lastRecv.Load()))
			if silent > s.cfg.KeepaliveTimeout {
				return fmt.Errorf("%w: nothing received for %v", ErrKeepaliveTimeout, silent.Round(time.Millisecond))
			}

			ka := &protocol.Keepalive{Timestamp: uint64(time.Now().UnixNano())}
			if err := s.send(protocol.FrameKeepalive, protocol.SessionFrameID, ka.Encode()); err != nil {
				return s.streamError("send keepalive", err)
			}
			s.metrics.RecordKeepaliveSent()
		}
	}
}

// acceptLoop accepts the peer's data streams and parks each one until its
// DATA_OPEN is handled.
func (s *Session) acceptLoop(ctx context.Context) error {
	defer recovery.RecoverWithLog(s.logger, "session.acceptLoop")

	for {
		stream, err := s.conn.AcceptStream(ctx)
		if err != nil {
			return s.streamError("accept stream", err)
		}
		go s.bindStream(stream)
	}
}

// bindStream reads the STREAM_BIND that opens every data stream.
func (s *Session) bindStream(stream transport.Stream) {
	defer recovery.RecoverWithLog(s.logger, "session.bindStream")

	stream.SetReadDeadline(time.Now().Add(s.cfg.OpenTimeout))
	frame, err := protocol.NewFrameReader(stream).Read()
	if err != nil {
		s.logger.Debug("data stream closed before STREAM_BIND",
			logging.KeyStreamID, stream.StreamID(),
			logging.KeyError, err)
		stream.Close()
		return
	}
	if frame.Type != protocol.FrameStreamBind || !s.peerOwns(frame.ID) {
		s.logger.Debug("data stream without valid STREAM_BIND",
			logging.KeyStreamID, stream.StreamID(),
			"frame", protocol.FrameTypeName(frame.Type),
			logging.KeyConnID, frame.ID)
		stream.Close()
		return
	}
	stream.SetReadDeadline(time.Time{})

	s.streams.deliver(frame.ID, stream)
}
