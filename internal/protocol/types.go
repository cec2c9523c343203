// Package protocol defines the wire protocol spoken on a portal session's
// control stream and at the head of every data stream.
package protocol

// Frame type constants
const (
	// Session frames
	FrameHello    uint8 = 0x01 // Version exchange, first frame on the control stream
	FrameHelloAck uint8 = 0x02 // Version exchange response

	// Tunnel frames (ID = tunnel id)
	FrameTunnelRequest uint8 = 0x10 // Ask the peer to set up a tunnel
	FrameTunnelAccept  uint8 = 0x11 // Tunnel ready
	FrameTunnelReject  uint8 = 0x12 // Tunnel refused

	// Connection frames (ID = connection id)
	FrameDataOpen    uint8 = 0x20 // Connect the bound data stream to a target
	FrameDataOpenAck uint8 = 0x21 // Target connected, or why not
	FrameTunnelClose uint8 = 0x22 // One side of a forwarded connection finished
	FrameStreamBind  uint8 = 0x23 // First frame on a data stream

	// Liveness frames
	FrameKeepalive    uint8 = 0x30 // Liveness probe
	FrameKeepaliveAck uint8 = 0x31 // Liveness response
)

// RejectReason says why a tunnel request was refused.
type RejectReason uint8

const (
	RejectBindFailed  RejectReason = 1 // Listener could not be bound
	RejectUnsupported RejectReason = 2 // Kind not supported by this peer
	RejectInvalidSpec RejectReason = 3 // Spec failed validation
)

// OpenError says why a forwarded connection could not be opened.
type OpenError uint8

const (
	OpenOK           OpenError = 0
	OpenBindSocket   OpenError = 1 // Local socket could not be created
	OpenDNSQuery     OpenError = 2 // Target name did not resolve
	OpenConnect      OpenError = 3 // Target unreachable
	OpenRefused      OpenError = 4 // Target refused the connection
	OpenNotAllowed   OpenError = 5 // Target outside the allowed networks
	OpenTimeout      OpenError = 6 // Target did not answer in time
	OpenLimitReached OpenError = 7 // Too many connections on the tunnel
)

// Address type constants
const (
	AddrTypeIPv4   uint8 = 0x01 // 4 bytes
	AddrTypeIPv6   uint8 = 0x04 // 16 bytes
	AddrTypeDomain uint8 = 0x03 // 1-byte length + string
)

// Protocol constants
const (
	// ProtocolVersion is the current protocol version
	ProtocolVersion uint16 = 1

	// HeaderSize is the size of a frame header in bytes
	HeaderSize = 14

	// MaxPayloadSize is the maximum frame payload size (16 KB)
	MaxPayloadSize = 16384

	// MaxFrameSize is the maximum total frame size
	MaxFrameSize = HeaderSize + MaxPayloadSize

	// SessionFrameID is the ID of frames that are not about one tunnel or connection
	SessionFrameID uint64 = 0
)

// FrameTypeName returns a human-readable name for a frame type.
func FrameTypeName(t uint8) string {
	switch t {
	case FrameHello:
		return "HELLO"
	case FrameHelloAck:
		return "HELLO_ACK"
	case FrameTunnelRequest:
		return "TUNNEL_REQUEST"
	case FrameTunnelAccept:
		return "TUNNEL_ACCEPT"
	case FrameTunnelReject:
		return "TUNNEL_REJECT"
	case FrameDataOpen:
		return "DATA_OPEN"
	case FrameDataOpenAck:
		return "DATA_OPEN_ACK"
	case FrameTunnelClose:
		return "TUNNEL_CLOSE"
	case FrameStreamBind:
		return "STREAM_BIND"
	case FrameKeepalive:
		return "KEEPALIVE"
	case FrameKeepaliveAck:
		return "KEEPALIVE_ACK"
	default:
		return "UNKNOWN"
	}
}

// String returns the name of the reason.
func (r RejectReason) String() string {
	switch r {
	case RejectBindFailed:
		return "BIND_FAILED"
	case RejectUnsupported:
		return "UNSUPPORTED"
	case RejectInvalidSpec:
		return "INVALID_SPEC"
	default:
		return "UNKNOWN"
	}
}

// String returns the name of the error.
func (e OpenError) String() string {
	switch e {
	case OpenOK:
		return "OK"
	case OpenBindSocket:
		return "BIND_SOCKET"
	case OpenDNSQuery:
		return "DNS_QUERY"
	case OpenConnect:
		return "CONNECT"
	case OpenRefused:
		return "REFUSED"
	case OpenNotAllowed:
		return "NOT_ALLOWED"
	case OpenTimeout:
		return "TIMEOUT"
	case OpenLimitReached:
		return "LIMIT_REACHED"
	default:
		return "UNKNOWN"
	}
}

// IsTunnelFrame returns true if the frame type is a tunnel negotiation frame.
func IsTunnelFrame(t uint8) bool {
	return t >= FrameTunnelRequest && t <= FrameTunnelReject
}

// IsConnectionFrame returns true if the frame type is about one forwarded connection.
func IsConnectionFrame(t uint8) bool {
	return t >= FrameDataOpen && t <= FrameStreamBind
}

// IsKnownFrame returns true if the frame type is part of this protocol version.
func IsKnownFrame(t uint8) bool {
	return FrameTypeName(t) != "UNKNOWN"
}
