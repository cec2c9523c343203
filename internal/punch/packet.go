package punch

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/postalsys/portal/internal/code"
	"github.com/postalsys/portal/internal/crypto"
)

// Packet layout:
//
//	Preamble [8 bytes]  - first byte 0x38 keeps the QUIC fixed bit clear
//	Kind     [1 byte]
//	Sender   [16 bytes] - sender's session ID
//	Nonce    [12 bytes]
//	MAC      [32 bytes] - HMAC-SHA256 over everything before it
const (
	NonceSize  = 12
	PacketSize = len(preamble) + 1 + code.SessionIDSize + NonceSize + crypto.MACSize

	macOffset = PacketSize - crypto.MACSize
)

var preamble = [8]byte{0x38, 0x08, 0x42, 0x8b, 0x11, 0x39, 0x42, 0x53}

var (
	// ErrNotPunchPacket is returned for datagrams that do not carry the punch preamble.
	ErrNotPunchPacket = errors.New("not a punch packet")

	// ErrUnauthenticated is returned when a punch packet's MAC does not verify.
	ErrUnauthenticated = errors.New("punch packet failed authentication")
)

// Kind identifies a punch packet.
type Kind uint8

const (
	KindProbe   Kind = 0x01
	KindAck     Kind = 0x02
	KindConfirm Kind = 0x03
)

// String returns the name of the kind.
func (k Kind) String() string {
	switch k {
	case KindProbe:
		return "PROBE"
	case KindAck:
		return "ACK"
	case KindConfirm:
		return "CONFIRM"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(k))
	}
}

// Nonce ties an ack to the probe or confirm it answers.
type Nonce [NonceSize]byte

// Packet is one authenticated punch datagram.
type Packet struct {
	Kind   Kind
	Sender code.SessionID
	Nonce  Nonce
}

// Marshal encodes and authenticates the packet with key.
func (p *Packet) Marshal(key crypto.Key) []byte {
	buf := make([]byte, 0, PacketSize)
	buf = append(buf, preamble[:]...)
	buf = append(buf, byte(p.Kind))
	buf = append(buf, p.Sender[:]...)
	buf = append(buf, p.Nonce[:]...)
	return append(buf, crypto.MAC(key, buf)...)
}

// IsPunchPacket reports whether buf starts with the punch preamble.
func IsPunchPacket(buf []byte) bool {
	return len(buf) >= len(preamble) && bytes.Equal(buf[:len(preamble)], preamble[:])
}

// ParsePacket verifies and decodes a punch datagram.
func ParsePacket(key crypto.Key, buf []byte) (Packet, error) {
	var p Packet
	if !IsPunchPacket(buf) {
		return p, ErrNotPunchPacket
	}
	if len(buf) != PacketSize {
		return p, fmt.Errorf("%w: length %d", ErrNotPunchPacket, len(buf))
	}
	if !crypto.VerifyMAC(key, buf[macOffset:], buf[:macOffset]) {
		return p, ErrUnauthenticated
	}

	offset := len(preamble)
	p.Kind = Kind(buf[offset])
	offset++
	copy(p.Sender[:], buf[offset:offset+code.SessionIDSize])
	offset += code.SessionIDSize
	copy(p.Nonce[:], buf[offset:offset+NonceSize])

	switch p.Kind {
	case KindProbe, KindAck, KindConfirm:
	default:
		return Packet{}, fmt.Errorf("%w: unknown kind 0x%02x", ErrNotPunchPacket, uint8(p.Kind))
	}
	return p, nil
}

// SessionKey derives the probe MAC key both peers share.
func SessionKey(local, remote *code.ConnectionCode) crypto.Key {
	ikm := crypto.CombineSecrets(local.SessionID[:], local.Secret[:], remote.SessionID[:], remote.Secret[:])
	defer crypto.ZeroBytes(ikm)
	return crypto.DeriveKey(ikm, nil, crypto.InfoPunch)
}
