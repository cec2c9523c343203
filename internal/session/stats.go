package session

import (
	"encoding/hex"
	"time"
)

// Stats is a point-in-time snapshot of a session, served by the health
// endpoint.
type Stats struct {
	State         string        `json:"state"`
	SessionID     string        `json:"session_id"`
	PeerSessionID string        `json:"peer_session_id,omitempty"`
	RemoteAddr    string        `json:"remote_addr"`
	Transport     string        `json:"transport"`
	Controlling   bool          `json:"controlling"`
	Tunnels       int           `json:"tunnels"`
	Connections   int           `json:"connections"`
	BytesSent     int64         `json:"bytes_sent"`
	BytesReceived int64         `json:"bytes_received"`
	RTT           time.Duration `json:"rtt_ns"`
	Uptime        time.Duration `json:"uptime_ns"`
}

// Stats returns a snapshot of the session. Byte counts include only
// connections that have closed.
func (s *Session) Stats() Stats {
	st := Stats{
		State:         s.State().String(),
		SessionID:     hex.EncodeToString(s.cfg.SessionID[:]),
		RemoteAddr:    addrString(s.conn),
		Transport:     string(s.conn.TransportType()),
		Controlling:   s.cfg.Controlling,
		BytesSent:     s.bytesSent.Load(),
		BytesReceived: s.bytesReceived.Load(),
		RTT:           s.RTT(),
	}
	if st.State != StateHandshaking.String() {
		st.PeerSessionID = hex.EncodeToString(s.remoteID[:])
	}
	if st.State == StateEstablished.String() {
		st.Uptime = time.Since(s.startedAt)
	}

	s.mu.Lock()
	st.Tunnels = len(s.tunnels)
	st.Connections = len(s.conns)
	s.mu.Unlock()
	return st
}
