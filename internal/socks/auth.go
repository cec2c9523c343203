// Package socks implements the server side of the SOCKS4, SOCKS4a and SOCKS5
// handshakes run on dynamic tunnel listeners.
package socks

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Authentication method constants per RFC 1928.
const (
	AuthMethodNoAuth       = 0x00
	AuthMethodUserPass     = 0x02
	AuthMethodNoAcceptable = 0xFF
)

// Auth status for username/password auth (RFC 1929).
const (
	AuthStatusSuccess = 0x00
	AuthStatusFailure = 0x01
)

var (
	// ErrAuthFailed is returned when the client's credentials are rejected.
	ErrAuthFailed = errors.New("socks: authentication failed")

	// ErrNoAcceptableAuth is returned when client and server share no method.
	ErrNoAcceptableAuth = errors.New("socks: no acceptable authentication method")
)

// Authenticator handles SOCKS5 authentication.
type Authenticator interface {
	// Authenticate performs authentication and returns the username if successful.
	Authenticate(reader io.Reader, writer io.Writer) (string, error)

	// GetMethod returns the authentication method code.
	GetMethod() byte
}

// NoAuthAuthenticator allows connections without authentication.
type NoAuthAuthenticator struct{}

// Authenticate always succeeds for no-auth.
func (a *NoAuthAuthenticator) Authenticate(reader io.Reader, writer io.Writer) (string, error) {
	return "", nil
}

// GetMethod returns the no-auth method.
func (a *NoAuthAuthenticator) GetMethod() byte {
	return AuthMethodNoAuth
}

// CredentialStore validates credentials.
type CredentialStore interface {
	Valid(username, password string) bool
}

// StaticCredentials maps usernames to plaintext passwords.
type StaticCredentials map[string]string

// Valid checks if the username/password combination is valid.
// Uses constant-time comparison to prevent timing attacks.
func (s StaticCredentials) Valid(username, password string) bool {
	storedPass, ok := s[username]
	if !ok {
		// Perform a dummy comparison to maintain constant time even for invalid usernames
		subtle.ConstantTimeCompare([]byte(password), []byte(password))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(storedPass), []byte(password)) == 1
}

// HashedCredentials maps usernames to bcrypt password hashes.
type HashedCredentials map[string]string

// Valid checks the password against the user's bcrypt hash.
func (h HashedCredentials) Valid(username, password string) bool {
	hash, ok := h[username]
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// HashPassword returns the bcrypt hash of password at the default cost.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// MustHashPassword is HashPassword at minimum cost, panicking on error. For tests.
func MustHashPassword(password string) string {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	return string(hash)
}

// IsHash reports whether s looks like a bcrypt hash rather than a plaintext password.
func IsHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

// mixedCredentials checks each user against a hash or a plaintext password,
// whichever the configuration holds.
type mixedCredentials struct {
	plain  StaticCredentials
	hashed HashedCredentials
}

func (m mixedCredentials) Valid(username, password string) bool {
	if _, ok := m.hashed[username]; ok {
		return m.hashed.Valid(username, password)
	}
	return m.plain.Valid(username, password)
}

// NewCredentials builds a store from a user map whose values are either
// plaintext passwords or bcrypt hashes.
func NewCredentials(users map[string]string) CredentialStore {
	m := mixedCredentials{plain: StaticCredentials{}, hashed: HashedCredentials{}}
	for user, secret := range users {
		if IsHash(secret) {
			m.hashed[user] = secret
		} else {
			m.plain[user] = secret
		}
	}
	return m
}

// UserPassAuthenticator handles username/password authentication (RFC 1929).
type UserPassAuthenticator struct {
	Credentials CredentialStore
}

// NewUserPassAuthenticator creates a new username/password authenticator.
func NewUserPassAuthenticator(creds CredentialStore) *UserPassAuthenticator {
	return &UserPassAuthenticator{Credentials: creds}
}

// GetMethod returns the username/password method.
func (a *UserPassAuthenticator) GetMethod() byte {
	return AuthMethodUserPass
}

// Authenticate performs username/password authentication.
// Protocol (RFC 1929):
//
//	+----+------+----------+------+----------+
//	|VER | ULEN |  UNAME   | PLEN |  PASSWD  |
//	+----+------+----------+------+----------+
//	| 1  |  1   | 1 to 255 |  1   | 1 to 255 |
//	+----+------+----------+------+----------+
//
// Response:
//
//	+----+--------+
//	|VER | STATUS |
//	+----+--------+
//	| 1  |   1    |
//	+----+--------+
func (a *UserPassAuthenticator) Authenticate(reader io.Reader, writer io.Writer) (string, error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(reader, header); err != nil {
		return "", err
	}

	if header[0] != 0x01 {
		return "", fmt.Errorf("unsupported auth version %d", header[0])
	}

	uLen := int(header[1])
	if uLen == 0 {
		return "", errors.New("username is empty")
	}

	username := make([]byte, uLen)
	if _, err := io.ReadFull(reader, username); err != nil {
		return "", err
	}

	pLenBuf := make([]byte, 1)
	if _, err := io.ReadFull(reader, pLenBuf); err != nil {
		return "", err
	}

	password := make([]byte, int(pLenBuf[0]))
	if len(password) > 0 {
		if _, err := io.ReadFull(reader, password); err != nil {
			return "", err
		}
	}

	if !a.Credentials.Valid(string(username), string(password)) {
		writer.Write([]byte{0x01, AuthStatusFailure})
		return "", ErrAuthFailed
	}

	if _, err := writer.Write([]byte{0x01, AuthStatusSuccess}); err != nil {
		return "", err
	}

	return string(username), nil
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	// Users maps usernames to plaintext passwords or bcrypt hashes.
	Users map[string]string

	// Required rejects clients that do not authenticate. SOCKS4 clients
	// cannot authenticate and are refused when set.
	Required bool
}

// CreateAuthenticators creates authenticators based on config.
func CreateAuthenticators(cfg AuthConfig) []Authenticator {
	var auths []Authenticator

	if len(cfg.Users) > 0 {
		auths = append(auths, NewUserPassAuthenticator(NewCredentials(cfg.Users)))
	}

	if !cfg.Required || len(cfg.Users) == 0 {
		auths = append(auths, &NoAuthAuthenticator{})
	}

	return auths
}

func allowsNoAuth(auths []Authenticator) bool {
	for _, a := range auths {
		if a.GetMethod() == AuthMethodNoAuth {
			return true
		}
	}
	return false
}
