// Package tunnel describes the forwarding tunnels a session sets up.
//
// A Spec is a closed tagged variant: the session switches on Kind once, when
// the tunnel is requested, and the forwarding engine never dispatches on it
// per byte.
package tunnel

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// ErrInvalidSpec is returned for unparseable or inconsistent tunnel specs.
var ErrInvalidSpec = errors.New("invalid tunnel spec")

// DefaultBindAddress is used when a spec names only a port.
const DefaultBindAddress = "localhost"

// Kind selects where a tunnel listens and how it picks its target.
type Kind uint8

const (
	// KindLocal listens locally and connects to a fixed target on the peer's side (-L).
	KindLocal Kind = 1

	// KindRemote listens on the peer and connects to a fixed target on this side (-R).
	KindRemote Kind = 2

	// KindDynamic listens locally as a SOCKS server; targets resolve on the peer's side (-D).
	KindDynamic Kind = 3

	// KindRemoteDynamic listens on the peer as a SOCKS server; targets resolve on this side (-R port).
	KindRemoteDynamic Kind = 4
)

// String returns the name of the kind.
func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindRemote:
		return "remote"
	case KindDynamic:
		return "dynamic"
	case KindRemoteDynamic:
		return "remote-dynamic"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// ParseKind parses a kind name as used in configuration files.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "local", "l":
		return KindLocal, nil
	case "remote", "r":
		return KindRemote, nil
	case "dynamic", "d", "socks":
		return KindDynamic, nil
	case "remote-dynamic":
		return KindRemoteDynamic, nil
	default:
		return 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidSpec, s)
	}
}

// Spec is one requested tunnel.
type Spec struct {
	Kind        Kind
	BindAddress string
	BindPort    uint16

	// Target is empty for the dynamic kinds.
	TargetHost string
	TargetPort uint16
}

// Reverse reports whether the listener runs on the peer.
func (s Spec) Reverse() bool {
	return s.Kind == KindRemote || s.Kind == KindRemoteDynamic
}

// Dynamic reports whether targets come from a SOCKS handshake.
func (s Spec) Dynamic() bool {
	return s.Kind == KindDynamic || s.Kind == KindRemoteDynamic
}

// BindAddr returns the listen address in host:port form.
func (s Spec) BindAddr() string {
	return net.JoinHostPort(s.BindAddress, strconv.Itoa(int(s.BindPort)))
}

// Target returns the fixed target in host:port form, or "" for dynamic tunnels.
func (s Spec) Target() string {
	if s.Dynamic() {
		return ""
	}
	return net.JoinHostPort(s.TargetHost, strconv.Itoa(int(s.TargetPort)))
}

// String returns a one-line description for logs.
func (s Spec) String() string {
	if s.Dynamic() {
		return fmt.Sprintf("%s %s socks", s.Kind, s.BindAddr())
	}
	return fmt.Sprintf("%s %s -> %s", s.Kind, s.BindAddr(), s.Target())
}

// Validate checks that the spec is internally consistent.
func (s Spec) Validate() error {
	switch s.Kind {
	case KindLocal, KindRemote, KindDynamic, KindRemoteDynamic:
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidSpec, s.Kind)
	}
	if !validHost(s.BindAddress) {
		return fmt.Errorf("%w: bad bind address %q", ErrInvalidSpec, s.BindAddress)
	}
	if s.BindPort == 0 {
		return fmt.Errorf("%w: bind port must not be 0", ErrInvalidSpec)
	}
	if s.Dynamic() {
		if s.TargetHost != "" || s.TargetPort != 0 {
			return fmt.Errorf("%w: %s tunnel takes no target", ErrInvalidSpec, s.Kind)
		}
		return nil
	}
	if !validHost(s.TargetHost) {
		return fmt.Errorf("%w: bad target host %q", ErrInvalidSpec, s.TargetHost)
	}
	if s.TargetPort == 0 {
		return fmt.Errorf("%w: target port must not be 0", ErrInvalidSpec)
	}
	return nil
}

// Parse parses an SSH-style spec for a -L (KindLocal), -R (KindRemote) or
// -D (KindDynamic) flag:
//
//	bindPort
//	bindAddr:bindPort
//	bindPort:targetHost:targetPort
//	bindAddr:bindPort:targetHost:targetPort
//
// The kind is inferred from the presence of a target: a -L spec without one
// is dynamic, a -R spec without one is remote-dynamic. IPv6 addresses go in
// brackets.
func Parse(kind Kind, s string) (Spec, error) {
	parts, err := splitSpec(strings.TrimSpace(s))
	if err != nil {
		return Spec{}, err
	}

	spec := Spec{Kind: kind, BindAddress: DefaultBindAddress}
	var bindPort, targetPort string

	switch len(parts) {
	case 1:
		bindPort = parts[0]
	case 2:
		spec.BindAddress, bindPort = parts[0], parts[1]
	case 3:
		bindPort, spec.TargetHost, targetPort = parts[0], parts[1], parts[2]
	case 4:
		spec.BindAddress, bindPort, spec.TargetHost, targetPort = parts[0], parts[1], parts[2], parts[3]
	default:
		return Spec{}, fmt.Errorf("%w: %q has %d fields", ErrInvalidSpec, s, len(parts))
	}

	if spec.BindPort, err = parsePort(bindPort); err != nil {
		return Spec{}, err
	}

	hasTarget := spec.TargetHost != ""
	switch {
	case kind == KindLocal && !hasTarget:
		spec.Kind = KindDynamic
	case kind == KindRemote && !hasTarget:
		spec.Kind = KindRemoteDynamic
	case spec.Dynamic() && hasTarget:
		return Spec{}, fmt.Errorf("%w: %s tunnel %q takes no target", ErrInvalidSpec, kind, s)
	}

	if hasTarget {
		if spec.TargetPort, err = parsePort(targetPort); err != nil {
			return Spec{}, err
		}
	}

	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

// splitSpec splits on colons outside square brackets and strips the brackets.
func splitSpec(s string) ([]string, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidSpec)
	}

	var parts []string
	start := 0
	inBracket := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[':
			if inBracket || i != start {
				return nil, fmt.Errorf("%w: misplaced '[' in %q", ErrInvalidSpec, s)
			}
			inBracket = true
		case ']':
			if !inBracket || (i+1 < len(s) && s[i+1] != ':') {
				return nil, fmt.Errorf("%w: misplaced ']' in %q", ErrInvalidSpec, s)
			}
			inBracket = false
		case ':':
			if !inBracket {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	if inBracket {
		return nil, fmt.Errorf("%w: unclosed '[' in %q", ErrInvalidSpec, s)
	}
	parts = append(parts, s[start:])

	for i, p := range parts {
		if strings.HasPrefix(p, "[") {
			inner := strings.TrimSuffix(strings.TrimPrefix(p, "["), "]")
			if _, err := netip.ParseAddr(inner); err != nil {
				return nil, fmt.Errorf("%w: bad IPv6 address %q", ErrInvalidSpec, p)
			}
			parts[i] = inner
		}
	}
	return parts, nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("%w: bad port %q", ErrInvalidSpec, s)
	}
	return uint16(n), nil
}

// validHost accepts IP literals and RFC 1123 host names.
func validHost(h string) bool {
	if h == "" {
		return false
	}
	if _, err := netip.ParseAddr(h); err == nil {
		return true
	}
	if len(h) > 253 {
		return false
	}
	for _, label := range strings.Split(strings.TrimSuffix(h, "."), ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for i := 0; i < len(label); i++ {
			c := label[i]
			alnum := c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
			if !alnum && c != '-' && c != '_' {
				return false
			}
		}
	}
	return true
}
