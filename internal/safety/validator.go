// Package safety decides whether a URL may be fetched by the capture browser.
// A URL is safe only when its scheme is allowed and every address its host
// resolves to is publicly routable. Parse and resolution errors are unsafe.
package safety

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrInvalidURL is returned when the URL cannot be parsed or has no host.
	ErrInvalidURL = errors.New("invalid url")
	// ErrScheme is returned for schemes outside the allowed set.
	ErrScheme = errors.New("scheme not allowed")
	// ErrBlockedHost is returned for hosts matching a configured pattern.
	ErrBlockedHost = errors.New("host is blocked")
	// ErrResolve is returned when the host does not resolve.
	ErrResolve = errors.New("host did not resolve")
	// ErrNonPublicAddress is returned when any resolved address is not public.
	ErrNonPublicAddress = errors.New("host resolves to a non-public address")
)

// Resolver resolves host names. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Config configures a Validator.
type Config struct {
	// Schemes defaults to http and https.
	Schemes []string
	// BlockedHosts holds exact hosts or "*.suffix" patterns that are always unsafe.
	BlockedHosts []string
	// LookupTimeout bounds DNS resolution; zero means 5s.
	LookupTimeout time.Duration
}

// Validator is safe for concurrent use.
type Validator struct {
	resolver Resolver
	schemes  map[string]struct{}
	blocked  *hostBlocklist
	timeout  time.Duration
	logger   *zap.Logger
	onUnsafe func()
}

// New builds a Validator. A nil resolver uses net.DefaultResolver.
func New(cfg Config, resolver Resolver, logger *zap.Logger) *Validator {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	schemes := cfg.Schemes
	if len(schemes) == 0 {
		schemes = []string{"http", "https"}
	}
	allowed := make(map[string]struct{}, len(schemes))
	for _, s := range schemes {
		allowed[strings.ToLower(strings.TrimSpace(s))] = struct{}{}
	}
	timeout := cfg.LookupTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Validator{
		resolver: resolver,
		schemes:  allowed,
		blocked:  newHostBlocklist(cfg.BlockedHosts),
		timeout:  timeout,
		logger:   logger,
	}
}

// OnUnsafe registers a hook invoked for every URL judged unsafe.
func (v *Validator) OnUnsafe(fn func()) {
	v.onUnsafe = fn
}

// IsSafe reports whether rawURL may be fetched.
func (v *Validator) IsSafe(ctx context.Context, rawURL string) bool {
	err := v.Check(ctx, rawURL)
	if err == nil {
		return true
	}
	v.logger.Info("url rejected", zap.String("url", rawURL), zap.Error(err))
	if v.onUnsafe != nil {
		v.onUnsafe()
	}
	return false
}

// Check returns nil when rawURL is safe, otherwise an error wrapping one of
// the package sentinels.
func (v *Validator) Check(ctx context.Context, rawURL string) error {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if _, ok := v.schemes[strings.ToLower(u.Scheme)]; !ok {
		return fmt.Errorf("%w: %q", ErrScheme, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	if v.blocked.IsBlocked(host) {
		return fmt.Errorf("%w: %s", ErrBlockedHost, host)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if !IsPublic(addr) {
			return fmt.Errorf("%w: %s", ErrNonPublicAddress, addr)
		}
		return nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	addrs, err := v.resolver.LookupIPAddr(lookupCtx, host)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrResolve, host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("%w: %s: no addresses", ErrResolve, host)
	}
	for _, ipAddr := range addrs {
		addr, ok := netip.AddrFromSlice(ipAddr.IP)
		if !ok || !IsPublic(addr) {
			return fmt.Errorf("%w: %s -> %s", ErrNonPublicAddress, host, ipAddr.IP)
		}
	}
	return nil
}

var reservedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("255.255.255.255/32"),
	netip.MustParsePrefix("::/96"),
	netip.MustParsePrefix("64:ff9b::/96"),
	netip.MustParsePrefix("64:ff9b:1::/48"),
	netip.MustParsePrefix("100::/64"),
	netip.MustParsePrefix("2001::/23"),
	netip.MustParsePrefix("2001:db8::/32"),
	netip.MustParsePrefix("fec0::/10"),
}

// IsPublic reports whether addr is a publicly routable unicast address.
// IPv4-mapped IPv6 addresses are judged by their IPv4 form.
func IsPublic(addr netip.Addr) bool {
	addr = addr.Unmap().WithZone("")
	if !addr.IsValid() ||
		addr.IsUnspecified() ||
		addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() ||
		addr.IsMulticast() {
		return false
	}
	for _, prefix := range reservedPrefixes {
		if prefix.Contains(addr) {
			return false
		}
	}
	return true
}
