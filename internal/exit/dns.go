// Package exit dials the targets of forwarded connections on the side that
// answers a DATA_OPEN.
package exit

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

// DNSConfig contains DNS resolver configuration.
type DNSConfig struct {
	// Servers are host:port DNS servers. A bare host gets port 53.
	Servers []string
	Timeout time.Duration
	// CacheTTL is how long a resolved name is reused. Zero disables caching.
	CacheTTL time.Duration
}

// DefaultDNSConfig returns sensible defaults.
// By default, no servers are configured which means the system resolver is used.
// This allows resolution of local domains (e.g., printer.local) that public DNS cannot resolve.
func DefaultDNSConfig() DNSConfig {
	return DNSConfig{
		Servers:  []string{}, // Empty = use system resolver
		Timeout:  5 * time.Second,
		CacheTTL: time.Minute,
	}
}

// Resolver handles DNS resolution.
type Resolver struct {
	cfg      DNSConfig
	mu       sync.Mutex
	cache    map[string]*cacheEntry
	resolver *net.Resolver
}

type cacheEntry struct {
	ip        net.IP
	expiresAt time.Time
}

// NewResolver creates a new DNS resolver.
// If no servers are configured, the system resolver is used.
func NewResolver(cfg DNSConfig) *Resolver {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultDNSConfig().Timeout
	}
	servers := make([]string, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		servers = append(servers, withDNSPort(s))
	}
	cfg.Servers = servers

	r := &Resolver{
		cfg:      cfg,
		cache:    make(map[string]*cacheEntry),
		resolver: net.DefaultResolver,
	}

	if len(servers) > 0 {
		dialer := &net.Dialer{Timeout: cfg.Timeout}
		r.resolver = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				// Try each server until one works
				var lastErr error
				for _, server := range servers {
					conn, err := dialer.DialContext(ctx, network, server)
					if err == nil {
						return conn, nil
					}
					lastErr = err
				}
				return nil, lastErr
			},
		}
	}

	return r
}

func withDNSPort(server string) string {
	if _, _, err := net.SplitHostPort(server); err == nil {
		return server
	}
	return net.JoinHostPort(server, "53")
}

// Servers returns the configured DNS servers with ports.
func (r *Resolver) Servers() []string {
	return r.cfg.Servers
}

// Resolve resolves a domain name to an IP address, preferring IPv4.
func (r *Resolver) Resolve(ctx context.Context, domain string) (net.IP, error) {
	// Check if it's already an IP
	if ip := net.ParseIP(domain); ip != nil {
		return ip, nil
	}

	if ip := r.getCached(domain); ip != nil {
		return ip, nil
	}

	resolveCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	addrs, err := r.resolver.LookupIPAddr(resolveCtx, domain)
	if err != nil {
		return nil, err
	}

	if len(addrs) == 0 {
		return nil, &net.DNSError{Err: "no addresses found", Name: domain, IsNotFound: true}
	}

	var selectedIP net.IP
	for _, addr := range addrs {
		if ipv4 := addr.IP.To4(); ipv4 != nil {
			selectedIP = ipv4
			break
		}
	}
	if selectedIP == nil {
		selectedIP = addrs[0].IP
	}

	if r.cfg.CacheTTL > 0 {
		r.setCache(domain, selectedIP, r.cfg.CacheTTL)
	}

	return selectedIP, nil
}

// getCached returns a cached IP if valid.
// Expired entries are deleted to prevent unbounded cache growth.
func (r *Resolver) getCached(domain string) net.IP {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.cache[domain]
	if !ok {
		return nil
	}

	if time.Now().After(entry.expiresAt) {
		delete(r.cache, domain)
		return nil
	}

	return entry.ip
}

// setCache stores an IP in the cache.
func (r *Resolver) setCache(domain string, ip net.IP, ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cache[domain] = &cacheEntry{
		ip:        ip,
		expiresAt: time.Now().Add(ttl),
	}
}

// ClearCache clears the DNS cache.
func (r *Resolver) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]*cacheEntry)
}

// CacheSize returns the number of cached entries.
func (r *Resolver) CacheSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}

// isDNSError reports whether err came from name resolution.
func isDNSError(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
