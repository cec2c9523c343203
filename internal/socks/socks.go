package socks

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
)

// Protocol versions, identified by the first byte the client sends.
const (
	Version4 = 0x04
	Version5 = 0x05
)

// Command types.
const (
	CmdConnect      = 0x01
	CmdBind         = 0x02
	CmdUDPAssociate = 0x03
)

// Address types.
const (
	AddrTypeIPv4   = 0x01
	AddrTypeDomain = 0x03
	AddrTypeIPv6   = 0x04
)

// SOCKS5 reply codes.
const (
	ReplySucceeded          = 0x00
	ReplyServerFailure      = 0x01
	ReplyNotAllowed         = 0x02
	ReplyNetworkUnreachable = 0x03
	ReplyHostUnreachable    = 0x04
	ReplyConnectionRefused  = 0x05
	ReplyTTLExpired         = 0x06
	ReplyCmdNotSupported    = 0x07
	ReplyAddrNotSupported   = 0x08
)

// SOCKS4 reply codes.
const (
	reply4Granted  = 0x5A
	reply4Rejected = 0x5B
)

// maxCString bounds SOCKS4 user ids and SOCKS4a host names.
const maxCString = 255

var (
	// ErrUnsupportedVersion is returned when the first byte is neither 4 nor 5.
	ErrUnsupportedVersion = errors.New("socks: unsupported version")

	// ErrCommandNotSupported is returned for anything but CONNECT.
	ErrCommandNotSupported = errors.New("socks: command not supported")

	// ErrAddressNotSupported is returned for unknown address types.
	ErrAddressNotSupported = errors.New("socks: address type not supported")

	// ErrAuthRequired is returned when a SOCKS4 client connects but
	// authentication is mandatory.
	ErrAuthRequired = errors.New("socks: authentication required")

	// ErrMalformedRequest is returned for requests that violate the protocol.
	ErrMalformedRequest = errors.New("socks: malformed request")
)

// Request is a negotiated CONNECT request.
type Request struct {
	Version byte
	Command byte
	Host    string
	Port    uint16
	User    string
}

// Target returns the destination in host:port form.
func (r *Request) Target() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(int(r.Port)))
}

// Negotiate runs the server side of a SOCKS handshake on conn, detecting the
// version from the first byte. On success the client is waiting for the
// reply, which the caller sends with Reply once the outcome of the connect is
// known. Handshake violations are answered here and returned as errors.
func Negotiate(conn io.ReadWriter, auths []Authenticator) (*Request, error) {
	if len(auths) == 0 {
		auths = []Authenticator{&NoAuthAuthenticator{}}
	}

	var version [1]byte
	if _, err := io.ReadFull(conn, version[:]); err != nil {
		return nil, err
	}

	switch version[0] {
	case Version4:
		return negotiate4(conn, auths)
	case Version5:
		return negotiate5(conn, auths)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version[0])
	}
}

// negotiate4 reads a SOCKS4 or SOCKS4a request after the version byte.
//
//	+----+----+----+----+----+----+----+----+----+----+....+----+
//	| VN | CD | DSTPORT |      DSTIP        | USERID       |NULL|
//	+----+----+----+----+----+----+----+----+----+----+....+----+
//
// SOCKS4a signals a host name with DSTIP 0.0.0.x (x != 0), followed by the
// NUL-terminated name.
func negotiate4(conn io.ReadWriter, auths []Authenticator) (*Request, error) {
	header := make([]byte, 7)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}

	req := &Request{
		Version: Version4,
		Command: header[0],
		Port:    binary.BigEndian.Uint16(header[1:3]),
	}
	ip := [4]byte(header[3:7])

	user, err := readCString(conn)
	if err != nil {
		return nil, err
	}
	req.User = user

	if ip[0] == 0 && ip[1] == 0 && ip[2] == 0 && ip[3] != 0 {
		host, err := readCString(conn)
		if err != nil {
			return nil, err
		}
		if host == "" {
			reply4(conn, reply4Rejected)
			return nil, fmt.Errorf("%w: empty SOCKS4a host", ErrMalformedRequest)
		}
		req.Host = host
	} else {
		req.Host = netip.AddrFrom4(ip).String()
	}

	if !allowsNoAuth(auths) {
		reply4(conn, reply4Rejected)
		return nil, ErrAuthRequired
	}
	if req.Command != CmdConnect {
		reply4(conn, reply4Rejected)
		return nil, fmt.Errorf("%w: %d", ErrCommandNotSupported, req.Command)
	}
	return req, nil
}

func readCString(r io.Reader) (string, error) {
	var buf []byte
	var b [1]byte
	for {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return "", err
		}
		if b[0] == 0 {
			return string(buf), nil
		}
		if len(buf) == maxCString {
			return "", fmt.Errorf("%w: string exceeds %d bytes", ErrMalformedRequest, maxCString)
		}
		buf = append(buf, b[0])
	}
}

func negotiate5(conn io.ReadWriter, auths []Authenticator) (*Request, error) {
	user, err := authenticate(conn, auths)
	if err != nil {
		return nil, err
	}

	req, err := readRequest(conn)
	if err != nil {
		return nil, err
	}
	req.User = user

	if req.Command != CmdConnect {
		reply5(conn, ReplyCmdNotSupported, nil)
		return nil, fmt.Errorf("%w: %d", ErrCommandNotSupported, req.Command)
	}
	return req, nil
}

// authenticate performs the method negotiation after the version byte.
//
//	+----+----------+----------+
//	|VER | NMETHODS | METHODS  |
//	+----+----------+----------+
//	| 1  |    1     | 1 to 255 |
//	+----+----------+----------+
func authenticate(conn io.ReadWriter, auths []Authenticator) (string, error) {
	var n [1]byte
	if _, err := io.ReadFull(conn, n[:]); err != nil {
		return "", err
	}
	methods := make([]byte, int(n[0]))
	if _, err := io.ReadFull(conn, methods); err != nil {
		return "", err
	}

	// Server preference order wins.
	var selected Authenticator
	for _, auth := range auths {
		for _, m := range methods {
			if m == auth.GetMethod() {
				selected = auth
				break
			}
		}
		if selected != nil {
			break
		}
	}

	if selected == nil {
		conn.Write([]byte{Version5, AuthMethodNoAcceptable})
		return "", ErrNoAcceptableAuth
	}

	if _, err := conn.Write([]byte{Version5, selected.GetMethod()}); err != nil {
		return "", err
	}

	return selected.Authenticate(conn, conn)
}

// readRequest reads the SOCKS5 request.
//
//	+----+-----+-------+------+----------+----------+
//	|VER | CMD |  RSV  | ATYP | DST.ADDR | DST.PORT |
//	+----+-----+-------+------+----------+----------+
//	| 1  |  1  | X'00' |  1   | Variable |    2     |
//	+----+-----+-------+------+----------+----------+
func readRequest(conn io.ReadWriter) (*Request, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}

	if header[0] != Version5 {
		return nil, fmt.Errorf("%w: %d in request", ErrUnsupportedVersion, header[0])
	}

	req := &Request{
		Version: Version5,
		Command: header[1],
	}

	switch header[3] {
	case AddrTypeIPv4:
		var addr [4]byte
		if _, err := io.ReadFull(conn, addr[:]); err != nil {
			return nil, err
		}
		req.Host = netip.AddrFrom4(addr).String()

	case AddrTypeDomain:
		var l [1]byte
		if _, err := io.ReadFull(conn, l[:]); err != nil {
			return nil, err
		}
		if l[0] == 0 {
			reply5(conn, ReplyServerFailure, nil)
			return nil, fmt.Errorf("%w: zero-length domain name", ErrMalformedRequest)
		}
		domain := make([]byte, int(l[0]))
		if _, err := io.ReadFull(conn, domain); err != nil {
			return nil, err
		}
		req.Host = string(domain)

	case AddrTypeIPv6:
		var addr [16]byte
		if _, err := io.ReadFull(conn, addr[:]); err != nil {
			return nil, err
		}
		req.Host = netip.AddrFrom16(addr).String()

	default:
		reply5(conn, ReplyAddrNotSupported, nil)
		return nil, fmt.Errorf("%w: %d", ErrAddressNotSupported, header[3])
	}

	var port [2]byte
	if _, err := io.ReadFull(conn, port[:]); err != nil {
		return nil, err
	}
	req.Port = binary.BigEndian.Uint16(port[:])

	return req, nil
}

// Reply answers the request. code is a SOCKS5 reply code; SOCKS4 clients
// see granted for ReplySucceeded and rejected for anything else. bound may
// be nil.
func (r *Request) Reply(w io.Writer, code byte, bound net.Addr) error {
	if r.Version == Version4 {
		if code == ReplySucceeded {
			return reply4(w, reply4Granted)
		}
		return reply4(w, reply4Rejected)
	}
	return reply5(w, code, bound)
}

func reply4(w io.Writer, code byte) error {
	_, err := w.Write([]byte{0x00, code, 0, 0, 0, 0, 0, 0})
	return err
}

// reply5 sends a SOCKS5 reply.
//
//	+----+-----+-------+------+----------+----------+
//	|VER | REP |  RSV  | ATYP | BND.ADDR | BND.PORT |
//	+----+-----+-------+------+----------+----------+
//	| 1  |  1  | X'00' |  1   | Variable |    2     |
//	+----+-----+-------+------+----------+----------+
func reply5(w io.Writer, code byte, bound net.Addr) error {
	var ip netip.Addr
	var port uint16
	if tcp, ok := bound.(*net.TCPAddr); ok && tcp != nil {
		ap := tcp.AddrPort()
		ip, port = ap.Addr().Unmap(), ap.Port()
	}

	buf := []byte{Version5, code, 0x00}
	switch {
	case ip.Is6():
		a := ip.As16()
		buf = append(buf, AddrTypeIPv6)
		buf = append(buf, a[:]...)
	case ip.Is4():
		a := ip.As4()
		buf = append(buf, AddrTypeIPv4)
		buf = append(buf, a[:]...)
	default:
		buf = append(buf, AddrTypeIPv4, 0, 0, 0, 0)
	}
	buf = binary.BigEndian.AppendUint16(buf, port)

	_, err := w.Write(buf)
	return err
}
