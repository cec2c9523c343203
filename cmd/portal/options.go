package main

import (
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/postalsys/portal/internal/config"
)

// options are the command-line flags shared by the session commands. Flags
// that are set override the configuration file.
type options struct {
	configPath string

	local   []string
	remote  []string
	dynamic []string

	address    string
	transport  string
	passphrase string
	timeout    time.Duration
	code       string
	candidates []string

	logLevel  string
	logFormat string
	health    string
}

func (o *options) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&o.configPath, "config", "c", "", "Path to configuration file")
	f.StringArrayVarP(&o.local, "local", "L", nil, "Local forward [bindAddr:]bindPort:targetHost:targetPort, or [bindAddr:]bindPort for SOCKS")
	f.StringArrayVarP(&o.remote, "remote", "R", nil, "Remote forward [bindAddr:]bindPort:targetHost:targetPort, or [bindAddr:]bindPort for SOCKS on the peer")
	f.StringArrayVarP(&o.dynamic, "dynamic", "D", nil, "Local SOCKS forward [bindAddr:]bindPort")
	f.StringVar(&o.address, "address", "", "Listen or connect address (default port "+config.DefaultPort+")")
	f.StringVar(&o.transport, "transport", "", "Transport for direct modes: quic or tcp")
	f.StringVar(&o.passphrase, "passphrase", "", "Shared passphrase that authenticates the peer in direct modes")
	f.DurationVar(&o.timeout, "timeout", 0, "Give up setting up the tunnel after this long")
	f.StringVar(&o.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	f.StringVar(&o.logFormat, "log-format", "", "Log format: text, json")
	f.StringVar(&o.health, "health", "", "Serve status endpoints on this address")
}

// load builds the configuration for mode from the config file, the flags
// and the positional address argument.
func (o *options) load(cmd *cobra.Command, mode string, args []string) (*config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		cfg, err = config.Load(o.configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	cfg.Mode = mode

	f := cmd.Flags()
	if f.Changed("address") {
		cfg.Address = o.address
	}
	if len(args) > 0 {
		cfg.Address = args[0]
	}
	if mode == config.ModeConnect && !f.Changed("address") && len(args) == 0 && o.configPath == "" {
		return nil, fmt.Errorf("connect needs a peer address")
	}
	if cfg.Address != "" && mode != config.ModePunch {
		cfg.Address = withDefaultPort(cfg.Address)
	}

	if f.Changed("transport") {
		cfg.Transport = o.transport
	}
	if f.Changed("passphrase") {
		cfg.Passphrase = o.passphrase
	}
	if f.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if f.Changed("log-format") {
		cfg.Log.Format = o.logFormat
	}
	if f.Changed("health") {
		cfg.Health.Enabled = o.health != ""
		cfg.Health.Address = o.health
	}
	if f.Changed("code") {
		cfg.Punch.Code = o.code
	}
	cfg.Punch.ExtraCandidates = append(cfg.Punch.ExtraCandidates, o.candidates...)
	if f.Changed("timeout") {
		if mode == config.ModePunch {
			cfg.Punch.Timeout = o.timeout
		} else {
			cfg.Session.HandshakeTimeout = o.timeout
		}
	}

	for _, s := range o.local {
		cfg.Tunnels = append(cfg.Tunnels, config.TunnelConfig{Kind: "local", Spec: s})
	}
	for _, s := range o.remote {
		cfg.Tunnels = append(cfg.Tunnels, config.TunnelConfig{Kind: "remote", Spec: s})
	}
	for _, s := range o.dynamic {
		cfg.Tunnels = append(cfg.Tunnels, config.TunnelConfig{Kind: "dynamic", Spec: s})
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// withDefaultPort appends the default port to an address without one.
func withDefaultPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, config.DefaultPort)
}
