// Package config provides configuration parsing and validation for portal.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/postalsys/portal/internal/code"
	"github.com/postalsys/portal/internal/tunnel"
)

// Modes of operation.
const (
	ModeListen  = "listen"
	ModeConnect = "connect"
	ModePunch   = "punch"
)

// DefaultPort is the default direct-mode port.
const DefaultPort = "5995"

// Config represents the complete portal configuration.
type Config struct {
	Log        LogConfig      `yaml:"log"`
	Mode       string         `yaml:"mode"`       // listen, connect, punch
	Address    string         `yaml:"address"`    // listen or connect address (direct modes)
	Transport  string         `yaml:"transport"`  // quic, tcp (direct modes)
	Passphrase string         `yaml:"passphrase"` // pins the peer in direct modes
	Punch      PunchConfig    `yaml:"punch"`
	Tunnels    []TunnelConfig `yaml:"tunnels"`
	Session    SessionConfig  `yaml:"session"`
	SOCKS      SOCKSConfig    `yaml:"socks"`
	Exit       ExitConfig     `yaml:"exit"`
	Limits     LimitsConfig   `yaml:"limits"`
	Health     HealthConfig   `yaml:"health"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// PunchConfig contains hole-punching settings.
type PunchConfig struct {
	Bind       string        `yaml:"bind"`        // local UDP address for the punch socket
	Interval   time.Duration `yaml:"interval"`    // time between probe rounds
	Timeout    time.Duration `yaml:"timeout"`     // give up after this long
	InitialTTL int           `yaml:"initial_ttl"` // TTL of the first probe round, 0 = system default
	Code       string        `yaml:"code"`        // peer connection code, prompted for when empty

	// ExtraCandidates are advertised ahead of the interface addresses, for
	// a public address the host cannot see itself. "ip" or "ip:port"; a
	// missing port means the punch socket's port.
	ExtraCandidates []string `yaml:"extra_candidates"`
}

// TunnelConfig is one tunnel in SSH flag syntax.
type TunnelConfig struct {
	Kind string `yaml:"kind"` // local, remote, dynamic, remote-dynamic
	Spec string `yaml:"spec"` // e.g. "8080:localhost:80"
}

// SessionConfig contains session timing.
type SessionConfig struct {
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	KeepaliveTimeout  time.Duration `yaml:"keepalive_timeout"`
	OpenTimeout       time.Duration `yaml:"open_timeout"`
	TeardownGrace     time.Duration `yaml:"teardown_grace"`
}

// SOCKSConfig contains settings for dynamic tunnel listeners.
type SOCKSConfig struct {
	Required bool             `yaml:"required"` // refuse unauthenticated clients
	Users    []SOCKSUserConfig `yaml:"users"`
}

// SOCKSUserConfig defines a SOCKS5 user. Password may be a bcrypt hash.
type SOCKSUserConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ExitConfig contains settings for dialing the targets of connections the
// peer opens.
type ExitConfig struct {
	Allow          []string      `yaml:"allow"` // CIDRs, empty allows everything
	DNS            DNSConfig     `yaml:"dns"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// DNSConfig defines DNS settings for target resolution.
type DNSConfig struct {
	Servers  []string      `yaml:"servers"` // empty uses the system resolver
	Timeout  time.Duration `yaml:"timeout"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// LimitsConfig defines resource limits.
type LimitsConfig struct {
	MaxConnections int    `yaml:"max_connections"` // per tunnel, 0 = unlimited
	Rate           string `yaml:"rate"`            // per connection, e.g. "10MB", empty = unlimited
}

// HealthConfig defines the status server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Mode:      ModePunch,
		Address:   ":" + DefaultPort,
		Transport: "quic",
		Punch: PunchConfig{
			Bind:     "0.0.0.0:0",
			Interval: 1500 * time.Millisecond,
			Timeout:  20 * time.Second,
		},
		Tunnels: []TunnelConfig{},
		Session: SessionConfig{
			HandshakeTimeout:  10 * time.Second,
			KeepaliveInterval: 5 * time.Second,
			KeepaliveTimeout:  30 * time.Second,
			OpenTimeout:       10 * time.Second,
			TeardownGrace:     2 * time.Second,
		},
		Exit: ExitConfig{
			Allow: []string{},
			DNS: DNSConfig{
				Servers:  []string{},
				Timeout:  5 * time.Second,
				CacheTTL: time.Minute,
			},
			ConnectTimeout: 10 * time.Second,
		},
		Limits: LimitsConfig{
			MaxConnections: 0,
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      "127.0.0.1:5996",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	switch c.Mode {
	case ModeListen, ModeConnect:
		if c.Address == "" {
			errs = append(errs, fmt.Sprintf("address is required in %s mode", c.Mode))
		}
		if !isValidTransport(c.Transport) {
			errs = append(errs, fmt.Sprintf("invalid transport: %s (must be quic or tcp)", c.Transport))
		}
	case ModePunch:
		if c.Punch.Interval <= 0 {
			errs = append(errs, "punch.interval must be positive")
		}
		if c.Punch.Timeout < c.Punch.Interval {
			errs = append(errs, "punch.timeout must be at least punch.interval")
		}
		if c.Punch.InitialTTL < 0 || c.Punch.InitialTTL > 255 {
			errs = append(errs, "punch.initial_ttl must be between 0 and 255")
		}
		if _, _, err := net.SplitHostPort(c.Punch.Bind); err != nil {
			errs = append(errs, fmt.Sprintf("punch.bind: %v", err))
		}
		for i, cand := range c.Punch.ExtraCandidates {
			if _, err := code.ParseCandidate(cand, 1); err != nil {
				errs = append(errs, fmt.Sprintf("punch.extra_candidates[%d]: %v", i, err))
			}
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid mode: %s (must be listen, connect, or punch)", c.Mode))
	}

	for i, t := range c.Tunnels {
		if _, err := t.Parse(); err != nil {
			errs = append(errs, fmt.Sprintf("tunnels[%d]: %v", i, err))
		}
	}

	s := c.Session
	if s.HandshakeTimeout <= 0 || s.KeepaliveInterval <= 0 || s.OpenTimeout <= 0 || s.TeardownGrace <= 0 {
		errs = append(errs, "session timeouts must be positive")
	}
	if s.KeepaliveTimeout <= s.KeepaliveInterval {
		errs = append(errs, "session.keepalive_timeout must exceed session.keepalive_interval")
	}

	for i, u := range c.SOCKS.Users {
		if u.Username == "" || len(u.Username) > 255 {
			errs = append(errs, fmt.Sprintf("socks.users[%d]: username must be 1-255 bytes", i))
		}
		if u.Password == "" {
			errs = append(errs, fmt.Sprintf("socks.users[%d]: password is required", i))
		}
	}
	if c.SOCKS.Required && len(c.SOCKS.Users) == 0 {
		errs = append(errs, "socks.required needs at least one user")
	}

	for i, route := range c.Exit.Allow {
		if !isValidRoute(route) {
			errs = append(errs, fmt.Sprintf("exit.allow[%d]: invalid CIDR: %s", i, route))
		}
	}

	if c.Limits.MaxConnections < 0 {
		errs = append(errs, "limits.max_connections must not be negative")
	}
	if _, err := ParseSize(c.Limits.Rate); err != nil {
		errs = append(errs, fmt.Sprintf("limits.rate: %v", err))
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// Parse turns the entry into a tunnel spec.
func (t TunnelConfig) Parse() (tunnel.Spec, error) {
	kind, err := tunnel.ParseKind(t.Kind)
	if err != nil {
		return tunnel.Spec{}, err
	}
	return tunnel.Parse(kind, t.Spec)
}

// TunnelSpecs returns the parsed tunnel specs.
func (c *Config) TunnelSpecs() ([]tunnel.Spec, error) {
	specs := make([]tunnel.Spec, 0, len(c.Tunnels))
	for i, t := range c.Tunnels {
		spec, err := t.Parse()
		if err != nil {
			return nil, fmt.Errorf("tunnels[%d]: %w", i, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// RateLimit returns the per-connection rate limit in bytes per second.
func (c *Config) RateLimit() int64 {
	n, _ := ParseSize(c.Limits.Rate)
	return n
}

// SOCKSUsers returns the configured users keyed by name.
func (c *Config) SOCKSUsers() map[string]string {
	if len(c.SOCKS.Users) == 0 {
		return nil
	}
	users := make(map[string]string, len(c.SOCKS.Users))
	for _, u := range c.SOCKS.Users {
		users[u.Username] = u.Password
	}
	return users
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidTransport(transport string) bool {
	switch transport {
	case "quic", "tcp":
		return true
	default:
		return false
	}
}

// isValidRoute accepts a CIDR or a bare address.
func isValidRoute(route string) bool {
	if net.ParseIP(route) != nil {
		return true
	}
	_, _, err := net.ParseCIDR(route)
	return err == nil
}

// String returns a string representation of the config (for debugging).
// WARNING: This method redacts sensitive values. Use StringUnsafe() for full output.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// StringUnsafe returns a string representation including sensitive values.
// Use with caution - do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
// This is safe to log or display to users.
func (c *Config) Redacted() *Config {
	// Deep copy by marshaling and unmarshaling
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	if redacted.Passphrase != "" {
		redacted.Passphrase = redactedValue
	}
	if redacted.Punch.Code != "" {
		redacted.Punch.Code = redactedValue
	}
	for i := range redacted.SOCKS.Users {
		if redacted.SOCKS.Users[i].Password != "" {
			redacted.SOCKS.Users[i].Password = redactedValue
		}
	}

	return redacted
}

// HasSensitiveData returns true if the config contains any sensitive data.
func (c *Config) HasSensitiveData() bool {
	if c.Passphrase != "" || c.Punch.Code != "" {
		return true
	}
	for _, u := range c.SOCKS.Users {
		if u.Password != "" {
			return true
		}
	}
	return false
}
