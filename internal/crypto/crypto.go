// Package crypto derives the keys two peers share from their connection-code secrets.
// The raw secrets never go on the wire: probe MACs and TLS identities are derived
// from them with HKDF-SHA256.
package crypto

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of every derived key in bytes.
	KeySize = 32

	// MACSize is the size of a probe MAC in bytes.
	MACSize = sha256.Size
)

// HKDF info strings; each derived key has its own.
const (
	InfoPunch      = "portal punch v1"
	InfoTLS        = "portal tls identity v1"
	InfoPassphrase = "portal passphrase v1"
)

// Key is a derived symmetric key.
type Key [KeySize]byte

// DeriveKey expands ikm into a key bound to salt and info.
func DeriveKey(ikm, salt []byte, info string) Key {
	var k Key
	reader := hkdf.New(sha256.New, ikm, salt, []byte(info))
	if _, err := io.ReadFull(reader, k[:]); err != nil {
		// Only reachable when asking HKDF for more than 255*32 bytes.
		panic(fmt.Sprintf("HKDF failed: %v", err))
	}
	return k
}

// CombineSecrets orders two (sessionID, secret) pairs by session ID and
// concatenates them, so both peers compute the same input keying material.
func CombineSecrets(idA, secretA, idB, secretB []byte) []byte {
	if bytes.Compare(idA, idB) > 0 {
		idA, secretA, idB, secretB = idB, secretB, idA, secretA
	}
	out := make([]byte, 0, len(idA)+len(secretA)+len(idB)+len(secretB))
	out = append(out, idA...)
	out = append(out, secretA...)
	out = append(out, idB...)
	out = append(out, secretB...)
	return out
}

// PassphraseKey turns an operator-supplied passphrase into a secret for direct mode.
func PassphraseKey(passphrase string) Key {
	return DeriveKey([]byte(passphrase), nil, InfoPassphrase)
}

// MAC returns HMAC-SHA256 of the concatenated parts.
func MAC(key Key, parts ...[]byte) []byte {
	m := hmac.New(sha256.New, key[:])
	for _, p := range parts {
		m.Write(p)
	}
	return m.Sum(nil)
}

// VerifyMAC checks mac against the parts in constant time.
func VerifyMAC(key Key, mac []byte, parts ...[]byte) bool {
	return hmac.Equal(mac, MAC(key, parts...))
}

// RandomBytes returns n bytes from crypto/rand.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	return b, nil
}

// ZeroBytes overwrites b with zeros.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
