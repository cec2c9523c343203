package session

import (
	"fmt"
	"net"
	"strconv"
	"sync/atomic"

	"github.com/postalsys/portal/internal/forward"
	"github.com/postalsys/portal/internal/logging"
	"github.com/postalsys/portal/internal/protocol"
	"github.com/postalsys/portal/internal/tunnel"
)

// TunnelResult is the outcome of a tunnel this side requested.
type TunnelResult struct {
	ID   uint64
	Spec tunnel.Spec

	// Bound is the listening address, on this side or the peer's.
	Bound string

	// Err is a *TunnelError when the peer rejected the request.
	Err error
}

// TunnelError is a tunnel request the peer rejected.
type TunnelError struct {
	Reason  protocol.RejectReason
	Message string
}

func (e *TunnelError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("tunnel rejected: %s", e.Reason)
	}
	return fmt.Sprintf("tunnel rejected: %s: %s", e.Reason, e.Message)
}

// tunnelState is one accepted tunnel, on either side.
type tunnelState struct {
	id   uint64
	spec tunnel.Spec

	// requested is true on the side that sent the TUNNEL_REQUEST.
	requested bool

	// listener is set on the side that listens.
	listener *forward.Listener

	// active counts connections this side answers for the tunnel.
	active atomic.Int64
}

// listens reports whether this side runs the tunnel's listener: the
// requester for local and dynamic kinds, the peer for the reverse kinds.
// The other side answers the tunnel's DATA_OPENs.
func (t *tunnelState) listens() bool {
	return t.requested != t.spec.Reverse()
}

func (t *tunnelState) stop() {
	if t.listener != nil {
		t.listener.Stop()
	}
}

// requestTunnels sends one TUNNEL_REQUEST per configured spec. The peer
// answers them in order.
func (s *Session) requestTunnels() error {
	for _, spec := range s.cfg.Tunnels {
		id := s.ids.Next()
		payload, err := (&protocol.TunnelRequest{Spec: spec}).Encode()
		if err != nil {
			s.reportTunnel(TunnelResult{ID: id, Spec: spec, Err: err})
			continue
		}

		s.mu.Lock()
		s.requested[id] = spec
		s.mu.Unlock()

		if err := s.send(protocol.FrameTunnelRequest, id, payload); err != nil {
			return s.streamError("send TUNNEL_REQUEST", err)
		}
		s.logger.Debug("tunnel requested", logging.KeyTunnelID, id, "tunnel", spec.String())
	}
	return nil
}

// handleTunnelRequest runs on the dispatcher.
func (s *Session) handleTunnelRequest(frame *protocol.Frame) error {
	id := frame.ID
	if !s.peerOwns(id) {
		return fmt.Errorf("%w: TUNNEL_REQUEST with our id %d", ErrProtocol, id)
	}
	req, err := protocol.DecodeTunnelRequest(frame.Payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	_, dup := s.tunnels[id]
	s.mu.Unlock()
	if dup {
		return fmt.Errorf("%w: duplicate tunnel id %d", ErrProtocol, id)
	}

	spec := req.Spec
	logger := s.logger.With(logging.KeyTunnelID, id, "tunnel", spec.String())

	if err := spec.Validate(); err != nil {
		logger.Warn("rejecting invalid tunnel", logging.KeyError, err)
		return s.rejectTunnel(id, protocol.RejectInvalidSpec, err.Error())
	}

	t := &tunnelState{id: id, spec: spec}
	accept := &protocol.TunnelAccept{}

	if t.listens() {
		if err := s.startListener(t); err != nil {
			// Bind failures are final for the tunnel; there is no retry.
			logger.Warn("rejecting tunnel, bind failed", logging.KeyError, err)
			return s.rejectTunnel(id, protocol.RejectBindFailed, err.Error())
		}
		accept.BoundAddress, accept.BoundPort = splitAddr(t.listener.Address())
	}

	s.mu.Lock()
	s.tunnels[id] = t
	s.mu.Unlock()
	s.metrics.RecordTunnelUp()

	logger.Info("tunnel accepted for peer")
	return s.send(protocol.FrameTunnelAccept, id, accept.Encode())
}

func (s *Session) rejectTunnel(id uint64, reason protocol.RejectReason, msg string) error {
	s.metrics.RecordTunnelRejected(reason.String())
	rej := &protocol.TunnelReject{Reason: reason, Message: msg}
	return s.send(protocol.FrameTunnelReject, id, rej.Encode())
}

// handleTunnelResponse runs on the dispatcher.
func (s *Session) handleTunnelResponse(frame *protocol.Frame) error {
	id := frame.ID

	s.mu.Lock()
	spec, ok := s.requested[id]
	delete(s.requested, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s for unknown tunnel %d", ErrProtocol, protocol.FrameTypeName(frame.Type), id)
	}

	logger := s.logger.With(logging.KeyTunnelID, id, "tunnel", spec.String())

	if frame.Type == protocol.FrameTunnelReject {
		rej, err := protocol.DecodeTunnelReject(frame.Payload)
		if err != nil {
			return err
		}
		terr := &TunnelError{Reason: rej.Reason, Message: rej.Message}
		logger.Warn("tunnel rejected by peer", logging.KeyError, terr)
		s.metrics.RecordTunnelRejected(rej.Reason.String())
		s.reportTunnel(TunnelResult{ID: id, Spec: spec, Err: terr})
		return nil
	}

	acc, err := protocol.DecodeTunnelAccept(frame.Payload)
	if err != nil {
		return err
	}

	t := &tunnelState{id: id, spec: spec, requested: true}
	bound := net.JoinHostPort(acc.BoundAddress, strconv.Itoa(int(acc.BoundPort)))
	if t.listens() {
		if err := s.startListener(t); err != nil {
			logger.Warn("tunnel abandoned, bind failed", logging.KeyError, err)
			s.reportTunnel(TunnelResult{ID: id, Spec: spec, Err: err})
			return nil
		}
		bound = t.listener.Address().String()
	}

	s.mu.Lock()
	s.tunnels[id] = t
	s.mu.Unlock()
	s.metrics.RecordTunnelUp()

	logger.Info("tunnel ready", "bound", bound)
	s.reportTunnel(TunnelResult{ID: id, Spec: spec, Bound: bound})
	return nil
}

// startListener binds the tunnel's listener. Each accepted connection is
// forwarded through this session.
func (s *Session) startListener(t *tunnelState) error {
	fwd := forward.NewForwarder(forward.ForwarderConfig{
		TunnelID: t.id,
		Spec:     t.spec,
		Opener:   s,
		Auths:    s.cfg.Auths,
		Relay:    forward.RelayOptions{RateLimit: s.cfg.RateLimit},
		Metrics:  s.metrics,
		Logger:   s.logger,
	})
	l := forward.NewListener(forward.ListenerConfig{
		Name:           t.spec.String(),
		Address:        t.spec.BindAddr(),
		MaxConnections: s.cfg.MaxConnections,
		Logger:         s.logger,
	}, fwd.ServeConn)
	if err := l.Start(); err != nil {
		return err
	}
	t.listener = l
	return nil
}

func (s *Session) reportTunnel(r TunnelResult) {
	if s.cfg.OnTunnel != nil {
		s.cfg.OnTunnel(r)
	}
}

func (s *Session) tunnel(id uint64) *tunnelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tunnels[id]
}

func splitAddr(addr net.Addr) (string, uint16) {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String(), uint16(tcp.Port)
	}
	return "", 0
}
