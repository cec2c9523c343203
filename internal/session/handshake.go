package session

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/postalsys/portal/internal/protocol"
	"github.com/postalsys/portal/internal/transport"
)

// mismatchLinger is how long a listener that rejected the peer's version
// waits for the peer to read the HELLO_ACK before the connection closes.
const mismatchLinger = time.Second

// handshake opens (or accepts) the control stream and exchanges hellos.
// The controlling side sends HELLO first; the other side answers with
// HELLO_ACK carrying its own version, even when the versions differ, so the
// controlling side can report the mismatch.
func (s *Session) handshake() error {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	var stream transport.Stream
	var err error
	if s.cfg.Controlling {
		stream, err = s.conn.OpenStream(ctx)
		if err != nil {
			return fmt.Errorf("open control stream: %w", err)
		}
	} else {
		stream, err = s.conn.AcceptStream(ctx)
		if err != nil {
			return fmt.Errorf("accept control stream: %w", err)
		}
	}

	// Unblock reads and writes if the handshake deadline passes.
	expire := context.AfterFunc(ctx, func() { stream.SetDeadline(time.Now()) })

	s.writeMu.Lock()
	s.control = stream
	s.reader = protocol.NewFrameReader(stream)
	s.writer = protocol.NewFrameWriter(stream)
	s.writeMu.Unlock()

	if s.cfg.Controlling {
		err = s.controllingHello()
	} else {
		err = s.answeringHello()
	}

	if !expire() && err == nil {
		err = fmt.Errorf("hello: %w", context.Cause(ctx))
	}
	if err != nil {
		stream.Close()
		return err
	}
	stream.SetDeadline(time.Time{})
	return nil
}

func (s *Session) controllingHello() error {
	start := time.Now()

	hello := &protocol.Hello{
		Version:   protocol.ProtocolVersion,
		SessionID: s.cfg.SessionID,
		Timestamp: uint64(start.UnixNano()),
	}
	if err := s.send(protocol.FrameHello, protocol.SessionFrameID, hello.Encode()); err != nil {
		return fmt.Errorf("send HELLO: %w", err)
	}

	frame, err := s.reader.Read()
	if err != nil {
		return fmt.Errorf("read HELLO_ACK: %w", err)
	}
	if frame.Type != protocol.FrameHelloAck {
		return fmt.Errorf("%w: expected HELLO_ACK, got %s", ErrProtocol, protocol.FrameTypeName(frame.Type))
	}
	s.metrics.RecordFrameReceived(protocol.FrameTypeName(frame.Type))

	ack, err := protocol.DecodeHello(frame.Payload)
	if err != nil {
		return fmt.Errorf("decode HELLO_ACK: %w", err)
	}
	if ack.Version != protocol.ProtocolVersion {
		return fmt.Errorf("%w: peer speaks version %d, we speak %d",
			protocol.ErrVersionMismatch, ack.Version, protocol.ProtocolVersion)
	}

	s.remoteID = ack.SessionID
	s.rtt.Store(int64(time.Since(start)))
	return nil
}

func (s *Session) answeringHello() error {
	frame, err := s.reader.Read()
	if err != nil {
		return fmt.Errorf("read HELLO: %w", err)
	}
	if frame.Type != protocol.FrameHello {
		return fmt.Errorf("%w: expected HELLO, got %s", ErrProtocol, protocol.FrameTypeName(frame.Type))
	}
	s.metrics.RecordFrameReceived(protocol.FrameTypeName(frame.Type))

	hello, err := protocol.DecodeHello(frame.Payload)
	if err != nil {
		return fmt.Errorf("decode HELLO: %w", err)
	}

	ack := &protocol.Hello{
		Version:   protocol.ProtocolVersion,
		SessionID: s.cfg.SessionID,
		Timestamp: hello.Timestamp,
	}
	if err := s.send(protocol.FrameHelloAck, protocol.SessionFrameID, ack.Encode()); err != nil {
		return fmt.Errorf("send HELLO_ACK: %w", err)
	}

	if hello.Version != protocol.ProtocolVersion {
		// Let the peer read our version before the connection goes away.
		s.control.CloseWrite()
		s.control.SetReadDeadline(time.Now().Add(mismatchLinger))
		io.Copy(io.Discard, s.control)
		return fmt.Errorf("%w: peer speaks version %d, we speak %d",
			protocol.ErrVersionMismatch, hello.Version, protocol.ProtocolVersion)
	}

	s.remoteID = hello.SessionID
	return nil
}
