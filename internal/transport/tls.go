package transport

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/postalsys/portal/internal/crypto"
)

// DefaultALPNProtocol is the ALPN protocol identifier of the session protocol.
const DefaultALPNProtocol = "portal/1"

// ErrPeerIdentity is returned when the peer's certificate was not derived
// from the shared secret.
var ErrPeerIdentity = errors.New("peer certificate does not match shared secret")

// identityCommonName is the subject of derived certificates.
const identityCommonName = "portal"

// Identity is a TLS identity derived from a shared secret. Both peers derive
// the same key pair, so each accepts exactly the certificate it presents
// itself.
type Identity struct {
	cert tls.Certificate
	pub  ed25519.PublicKey
}

// DeriveIdentity derives an ed25519 key pair from secret and wraps it in a
// self-signed certificate.
func DeriveIdentity(secret []byte) (*Identity, error) {
	if len(secret) == 0 {
		return nil, errors.New("empty identity secret")
	}
	seed := crypto.DeriveKey(secret, nil, crypto.InfoTLS)
	defer crypto.ZeroBytes(seed[:])

	priv := ed25519.NewKeyFromSeed(seed[:])
	pub := priv.Public().(ed25519.PublicKey)

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName:   identityCommonName,
			Organization: []string{"portal"},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{identityCommonName},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	return &Identity{
		cert: tls.Certificate{
			Certificate: [][]byte{certDER},
			PrivateKey:  priv,
		},
		pub: pub,
	}, nil
}

// Fingerprint returns a short hex digest of the identity's public key for
// logging. Both peers of a session print the same value.
func (id *Identity) Fingerprint() string {
	sum := sha256.Sum256(id.pub)
	return hex.EncodeToString(sum[:8])
}

// verifyPeer accepts only a leaf certificate carrying the derived public key.
func (id *Identity) verifyPeer(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("%w: no certificate presented", ErrPeerIdentity)
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPeerIdentity, err)
	}
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok || !pub.Equal(id.pub) {
		return ErrPeerIdentity
	}
	return nil
}

// TLSConfig returns a TLS 1.3 configuration that presents the identity and
// pins the peer to it. Chain verification is skipped because there is no CA;
// the pin in VerifyPeerCertificate takes its place.
func (id *Identity) TLSConfig(isServer bool) *tls.Config {
	cfg := &tls.Config{
		Certificates:          []tls.Certificate{id.cert},
		MinVersion:            tls.VersionTLS13,
		NextProtos:            []string{DefaultALPNProtocol},
		VerifyPeerCertificate: id.verifyPeer,
	}
	if isServer {
		cfg.ClientAuth = tls.RequireAnyClientCert
	} else {
		cfg.InsecureSkipVerify = true
		cfg.ServerName = identityCommonName
	}
	return cfg
}

// PinnedTLS derives an identity from secret and returns its TLS configuration
// for one side of the handshake.
func PinnedTLS(secret []byte, isServer bool) (*tls.Config, error) {
	id, err := DeriveIdentity(secret)
	if err != nil {
		return nil, err
	}
	return id.TLSConfig(isServer), nil
}

// EphemeralTLS returns a configuration with a throwaway certificate and no
// peer verification. The connection is encrypted but unauthenticated.
func EphemeralTLS(isServer bool) (*tls.Config, error) {
	if !isServer {
		return &tls.Config{
			InsecureSkipVerify: true,
			MinVersion:         tls.VersionTLS13,
			NextProtos:         []string{DefaultALPNProtocol},
		}, nil
	}
	certPEM, keyPEM, err := GenerateSelfSignedCert(identityCommonName, 24*time.Hour)
	if err != nil {
		return nil, err
	}
	return TLSConfigFromBytes(certPEM, keyPEM)
}

// GenerateSelfSignedCert generates a self-signed certificate.
func GenerateSelfSignedCert(commonName string, validFor time.Duration) (certPEM, keyPEM []byte, err error) {
	// Generate private key
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	// Generate serial number
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{"portal"},
		},
		NotBefore:             now,
		NotAfter:              now.Add(validFor),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{commonName, "localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: certDER,
	})

	keyDER, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "EC PRIVATE KEY",
		Bytes: keyDER,
	})

	return certPEM, keyPEM, nil
}

// TLSConfigFromBytes creates a TLS config from PEM-encoded certificate and key.
func TLSConfigFromBytes(certPEM, keyPEM []byte) (*tls.Config, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{DefaultALPNProtocol},
	}, nil
}
