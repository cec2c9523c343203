package protocol

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"github.com/postalsys/portal/internal/tunnel"
)

// Hello is the payload for HELLO and HELLO_ACK frames.
type Hello struct {
	Version   uint16
	SessionID [16]byte
	Timestamp uint64
}

const helloSize = 2 + 16 + 8

// Encode serializes Hello to bytes.
func (h *Hello) Encode() []byte {
	buf := make([]byte, helloSize)
	binary.BigEndian.PutUint16(buf[0:], h.Version)
	copy(buf[2:18], h.SessionID[:])
	binary.BigEndian.PutUint64(buf[18:], h.Timestamp)
	return buf
}

// DecodeHello deserializes Hello from bytes. Only the version is required, so
// a peer of another version can still be told apart from garbage.
func DecodeHello(buf []byte) (*Hello, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("%w: Hello too short", ErrInvalidFrame)
	}
	h := &Hello{Version: binary.BigEndian.Uint16(buf)}
	if h.Version != ProtocolVersion {
		return h, nil
	}
	if len(buf) < helloSize {
		return nil, fmt.Errorf("%w: Hello too short", ErrInvalidFrame)
	}
	copy(h.SessionID[:], buf[2:18])
	h.Timestamp = binary.BigEndian.Uint64(buf[18:])
	return h, nil
}

// TunnelRequest is the payload for TUNNEL_REQUEST frames.
//
//	Kind       [1 byte]
//	BindAddr   [1-byte length + string]
//	BindPort   [2 bytes]
//	TargetHost [1-byte length + string]
//	TargetPort [2 bytes]
type TunnelRequest struct {
	Spec tunnel.Spec
}

// Encode serializes TunnelRequest to bytes.
func (r *TunnelRequest) Encode() ([]byte, error) {
	s := r.Spec
	if len(s.BindAddress) > 255 || len(s.TargetHost) > 255 {
		return nil, fmt.Errorf("%w: TunnelRequest address too long", ErrInvalidFrame)
	}

	buf := make([]byte, 0, 1+1+len(s.BindAddress)+2+1+len(s.TargetHost)+2)
	buf = append(buf, byte(s.Kind))
	buf = appendString(buf, s.BindAddress)
	buf = binary.BigEndian.AppendUint16(buf, s.BindPort)
	buf = appendString(buf, s.TargetHost)
	buf = binary.BigEndian.AppendUint16(buf, s.TargetPort)
	return buf, nil
}

// DecodeTunnelRequest deserializes TunnelRequest from bytes. The spec is not
// validated; the receiver rejects invalid specs with RejectInvalidSpec.
func DecodeTunnelRequest(buf []byte) (*TunnelRequest, error) {
	d := decoder{buf: buf, what: "TunnelRequest"}
	var s tunnel.Spec
	s.Kind = tunnel.Kind(d.uint8())
	s.BindAddress = d.string()
	s.BindPort = d.uint16()
	s.TargetHost = d.string()
	s.TargetPort = d.uint16()
	if err := d.finish(); err != nil {
		return nil, err
	}
	return &TunnelRequest{Spec: s}, nil
}

// TunnelAccept is the payload for TUNNEL_ACCEPT frames. For reverse tunnels it
// carries the address the peer actually bound.
type TunnelAccept struct {
	BoundAddress string
	BoundPort    uint16
}

// Encode serializes TunnelAccept to bytes.
func (a *TunnelAccept) Encode() []byte {
	buf := make([]byte, 0, 1+len(a.BoundAddress)+2)
	buf = appendString(buf, truncate(a.BoundAddress))
	return binary.BigEndian.AppendUint16(buf, a.BoundPort)
}

// DecodeTunnelAccept deserializes TunnelAccept from bytes.
func DecodeTunnelAccept(buf []byte) (*TunnelAccept, error) {
	d := decoder{buf: buf, what: "TunnelAccept"}
	a := &TunnelAccept{}
	a.BoundAddress = d.string()
	a.BoundPort = d.uint16()
	if err := d.finish(); err != nil {
		return nil, err
	}
	return a, nil
}

// TunnelReject is the payload for TUNNEL_REJECT frames.
type TunnelReject struct {
	Reason  RejectReason
	Message string
}

// Encode serializes TunnelReject to bytes.
func (r *TunnelReject) Encode() []byte {
	buf := make([]byte, 0, 1+1+len(r.Message))
	buf = append(buf, byte(r.Reason))
	return appendString(buf, truncate(r.Message))
}

// DecodeTunnelReject deserializes TunnelReject from bytes.
func DecodeTunnelReject(buf []byte) (*TunnelReject, error) {
	d := decoder{buf: buf, what: "TunnelReject"}
	r := &TunnelReject{}
	r.Reason = RejectReason(d.uint8())
	r.Message = d.string()
	if err := d.finish(); err != nil {
		return nil, err
	}
	return r, nil
}

// DataOpen is the payload for DATA_OPEN frames. The frame ID is the
// connection id announced by STREAM_BIND on the data stream.
//
//	TunnelID    [8 bytes]
//	AddressType [1 byte]
//	Address     [IPv4 (4), IPv6 (16), or domain (1+N)]
//	Port        [2 bytes]
type DataOpen struct {
	TunnelID uint64
	Host     string
	Port     uint16
}

// Encode serializes DataOpen to bytes.
func (o *DataOpen) Encode() ([]byte, error) {
	buf := make([]byte, 0, 8+1+1+len(o.Host)+2)
	buf = binary.BigEndian.AppendUint64(buf, o.TunnelID)

	if addr, err := netip.ParseAddr(o.Host); err == nil {
		if addr.Is4() || addr.Is4In6() {
			a := addr.Unmap().As4()
			buf = append(buf, AddrTypeIPv4)
			buf = append(buf, a[:]...)
		} else {
			a := addr.As16()
			buf = append(buf, AddrTypeIPv6)
			buf = append(buf, a[:]...)
		}
	} else {
		if o.Host == "" || len(o.Host) > 255 {
			return nil, fmt.Errorf("%w: DataOpen host length %d", ErrInvalidFrame, len(o.Host))
		}
		buf = append(buf, AddrTypeDomain)
		buf = appendString(buf, o.Host)
	}

	return binary.BigEndian.AppendUint16(buf, o.Port), nil
}

// DecodeDataOpen deserializes DataOpen from bytes.
func DecodeDataOpen(buf []byte) (*DataOpen, error) {
	d := decoder{buf: buf, what: "DataOpen"}
	o := &DataOpen{}
	o.TunnelID = d.uint64()

	switch addrType := d.uint8(); addrType {
	case AddrTypeIPv4:
		o.Host = netip.AddrFrom4([4]byte(d.bytes(4))).String()
	case AddrTypeIPv6:
		o.Host = netip.AddrFrom16([16]byte(d.bytes(16))).String()
	case AddrTypeDomain:
		o.Host = d.string()
	default:
		if d.err == nil {
			return nil, fmt.Errorf("%w: unknown address type %d", ErrInvalidFrame, addrType)
		}
	}
	o.Port = d.uint16()

	if err := d.finish(); err != nil {
		return nil, err
	}
	return o, nil
}

// Target returns the destination in host:port form.
func (o *DataOpen) Target() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(int(o.Port)))
}

// DataOpenAck is the payload for DATA_OPEN_ACK frames.
type DataOpenAck struct {
	Error   OpenError
	Message string
}

// Success reports whether the target was connected.
func (a *DataOpenAck) Success() bool {
	return a.Error == OpenOK
}

// Encode serializes DataOpenAck to bytes.
func (a *DataOpenAck) Encode() []byte {
	buf := make([]byte, 0, 1+1+len(a.Message))
	buf = append(buf, byte(a.Error))
	return appendString(buf, truncate(a.Message))
}

// DecodeDataOpenAck deserializes DataOpenAck from bytes.
func DecodeDataOpenAck(buf []byte) (*DataOpenAck, error) {
	d := decoder{buf: buf, what: "DataOpenAck"}
	a := &DataOpenAck{}
	a.Error = OpenError(d.uint8())
	a.Message = d.string()
	if err := d.finish(); err != nil {
		return nil, err
	}
	return a, nil
}

// Keepalive is the payload for KEEPALIVE and KEEPALIVE_ACK frames.
type Keepalive struct {
	Timestamp uint64
}

// Encode serializes Keepalive to bytes.
func (k *Keepalive) Encode() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, k.Timestamp)
	return buf
}

// DecodeKeepalive deserializes Keepalive from bytes.
func DecodeKeepalive(buf []byte) (*Keepalive, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("%w: Keepalive too short", ErrInvalidFrame)
	}
	return &Keepalive{
		Timestamp: binary.BigEndian.Uint64(buf),
	}, nil
}

func appendString(buf []byte, s string) []byte {
	buf = append(buf, uint8(len(s)))
	return append(buf, s...)
}

func truncate(s string) string {
	if len(s) > 255 {
		return s[:255]
	}
	return s
}

// decoder reads fields in order and remembers the first truncation.
type decoder struct {
	buf    []byte
	offset int
	what   string
	err    error
}

func (d *decoder) bytes(n int) []byte {
	if d.err != nil {
		return make([]byte, n)
	}
	if d.offset+n > len(d.buf) {
		d.err = fmt.Errorf("%w: %s truncated", ErrInvalidFrame, d.what)
		return make([]byte, n)
	}
	b := d.buf[d.offset : d.offset+n]
	d.offset += n
	return b
}

func (d *decoder) uint8() uint8 {
	return d.bytes(1)[0]
}

func (d *decoder) uint16() uint16 {
	return binary.BigEndian.Uint16(d.bytes(2))
}

func (d *decoder) uint64() uint64 {
	return binary.BigEndian.Uint64(d.bytes(8))
}

func (d *decoder) string() string {
	n := int(d.uint8())
	return string(d.bytes(n))
}

func (d *decoder) finish() error {
	if d.err != nil {
		return d.err
	}
	if d.offset != len(d.buf) {
		return fmt.Errorf("%w: %s has %d trailing bytes", ErrInvalidFrame, d.what, len(d.buf)-d.offset)
	}
	return nil
}
