// Package code implements the connection code: the token two operators exchange
// out of band so their peers can find and authenticate each other.
//
// Binary layout (big-endian), sent as unpadded base64url:
//
//	Version    [1 byte]
//	SessionID  [16 bytes]
//	Secret     [32 bytes]
//	Count      [1 byte]   - number of candidates, 1..MaxCandidates
//	Candidates [Count x (Family [1] | Addr [4 or 16] | Port [2])]
//	Checksum   [2 bytes]
package code

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/bits"
	"net/netip"
	"strings"

	"github.com/postalsys/portal/internal/crypto"
)

var (
	// ErrMalformedCode is returned for codes with bad length, encoding, or checksum.
	ErrMalformedCode = errors.New("malformed connection code")

	// ErrUnsupportedVersion is returned for codes produced by an unknown protocol version.
	ErrUnsupportedVersion = errors.New("unsupported connection code version")
)

const (
	// Version is the current connection code version.
	Version uint8 = 1

	// SessionIDSize is the size of a session ID in bytes.
	SessionIDSize = 16

	// SecretSize is the size of a session secret in bytes.
	SecretSize = 32

	// MaxCandidates bounds the candidate list so codes stay pasteable.
	MaxCandidates = 16

	familyIPv4 uint8 = 4
	familyIPv6 uint8 = 6

	headerSize   = 1 + SessionIDSize + SecretSize + 1
	checksumSize = 2
)

// SessionID identifies one punch attempt.
type SessionID [SessionIDSize]byte

// String returns the hex form of the ID.
func (id SessionID) String() string {
	return hex.EncodeToString(id[:])
}

// ShortString returns the first 8 hex characters, for logs.
func (id SessionID) ShortString() string {
	return id.String()[:8]
}

// ConnectionCode is one peer's reachability candidates plus its session secret.
// It is immutable once generated.
type ConnectionCode struct {
	Version    uint8
	SessionID  SessionID
	Secret     [SecretSize]byte
	Candidates []netip.AddrPort
}

// Generate creates a code with fresh random session ID and secret.
// IPv4-mapped IPv6 candidates are stored as plain IPv4.
func Generate(candidates []netip.AddrPort) (*ConnectionCode, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("at least one candidate is required")
	}
	if len(candidates) > MaxCandidates {
		candidates = candidates[:MaxCandidates]
	}

	random, err := crypto.RandomBytes(SessionIDSize + SecretSize)
	if err != nil {
		return nil, err
	}

	c := &ConnectionCode{
		Version:    Version,
		Candidates: make([]netip.AddrPort, len(candidates)),
	}
	// The wire form has no mapped addresses, so keep what will decode.
	for i, cand := range candidates {
		c.Candidates[i] = netip.AddrPortFrom(cand.Addr().Unmap(), cand.Port())
	}
	copy(c.SessionID[:], random[:SessionIDSize])
	copy(c.Secret[:], random[SessionIDSize:])
	crypto.ZeroBytes(random)

	return c, nil
}

// Less reports whether c sorts before other by session ID. The smaller side
// dials the secure transport and opens the control stream.
func (c *ConnectionCode) Less(other *ConnectionCode) bool {
	return bytes.Compare(c.SessionID[:], other.SessionID[:]) < 0
}

// MarshalBinary encodes the code in its binary layout.
func (c *ConnectionCode) MarshalBinary() ([]byte, error) {
	if len(c.Candidates) == 0 || len(c.Candidates) > MaxCandidates {
		return nil, fmt.Errorf("%w: candidate count %d", ErrMalformedCode, len(c.Candidates))
	}

	size := headerSize + checksumSize
	for _, cand := range c.Candidates {
		size += candidateSize(cand.Addr())
	}

	buf := make([]byte, 0, size)
	buf = append(buf, c.Version)
	buf = append(buf, c.SessionID[:]...)
	buf = append(buf, c.Secret[:]...)
	buf = append(buf, uint8(len(c.Candidates)))

	for _, cand := range c.Candidates {
		addr := cand.Addr()
		if !addr.IsValid() {
			return nil, fmt.Errorf("%w: invalid candidate address", ErrMalformedCode)
		}
		if addr.Is4() || addr.Is4In6() {
			a := addr.Unmap().As4()
			buf = append(buf, familyIPv4)
			buf = append(buf, a[:]...)
		} else {
			a := addr.As16()
			buf = append(buf, familyIPv6)
			buf = append(buf, a[:]...)
		}
		buf = binary.BigEndian.AppendUint16(buf, cand.Port())
	}

	return binary.BigEndian.AppendUint16(buf, checksum(buf)), nil
}

// UnmarshalBinary decodes a code from its binary layout.
func (c *ConnectionCode) UnmarshalBinary(buf []byte) error {
	if len(buf) < 1 {
		return fmt.Errorf("%w: empty", ErrMalformedCode)
	}
	// Version first so a newer peer gets a distinguishable error.
	if buf[0] != Version {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, buf[0])
	}
	if len(buf) < headerSize+checksumSize {
		return fmt.Errorf("%w: too short", ErrMalformedCode)
	}

	body := buf[:len(buf)-checksumSize]
	want := binary.BigEndian.Uint16(buf[len(buf)-checksumSize:])
	if checksum(body) != want {
		return fmt.Errorf("%w: bad checksum", ErrMalformedCode)
	}

	out := ConnectionCode{Version: buf[0]}
	offset := 1
	copy(out.SessionID[:], body[offset:offset+SessionIDSize])
	offset += SessionIDSize
	copy(out.Secret[:], body[offset:offset+SecretSize])
	offset += SecretSize

	count := int(body[offset])
	offset++
	if count == 0 || count > MaxCandidates {
		return fmt.Errorf("%w: candidate count %d", ErrMalformedCode, count)
	}

	out.Candidates = make([]netip.AddrPort, 0, count)
	for i := 0; i < count; i++ {
		if offset >= len(body) {
			return fmt.Errorf("%w: candidate %d truncated", ErrMalformedCode, i)
		}
		var addr netip.Addr
		family := body[offset]
		offset++
		switch family {
		case familyIPv4:
			if offset+4+2 > len(body) {
				return fmt.Errorf("%w: candidate %d truncated", ErrMalformedCode, i)
			}
			addr = netip.AddrFrom4([4]byte(body[offset : offset+4]))
			offset += 4
		case familyIPv6:
			if offset+16+2 > len(body) {
				return fmt.Errorf("%w: candidate %d truncated", ErrMalformedCode, i)
			}
			addr = netip.AddrFrom16([16]byte(body[offset : offset+16]))
			offset += 16
		default:
			return fmt.Errorf("%w: unknown address family %d", ErrMalformedCode, family)
		}
		port := binary.BigEndian.Uint16(body[offset:])
		offset += 2
		out.Candidates = append(out.Candidates, netip.AddrPortFrom(addr, port))
	}

	if offset != len(body) {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformedCode, len(body)-offset)
	}

	*c = out
	return nil
}

// Encode returns the textual token for c.
func Encode(c *ConnectionCode) (string, error) {
	raw, err := c.MarshalBinary()
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Decode parses a textual token. Surrounding whitespace is ignored.
func Decode(token string) (*ConnectionCode, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(token))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64", ErrMalformedCode)
	}
	c := &ConnectionCode{}
	if err := c.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	return c, nil
}

// String returns the token, or a placeholder if the code cannot be encoded.
func (c *ConnectionCode) String() string {
	s, err := Encode(c)
	if err != nil {
		return "<invalid code>"
	}
	return s
}

func candidateSize(addr netip.Addr) int {
	if addr.Is4() || addr.Is4In6() {
		return 1 + 4 + 2
	}
	return 1 + 16 + 2
}

// checksum folds buf into 16 bits: low byte is 0x69 xor every byte, high byte
// is the wrapping count of set bits.
func checksum(buf []byte) uint16 {
	var ones uint8
	xored := uint8(0x69)
	for _, b := range buf {
		ones += uint8(bits.OnesCount8(b))
		xored ^= b
	}
	return uint16(xored) | uint16(ones)<<8
}
