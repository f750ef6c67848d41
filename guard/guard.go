// Package guard approves or rejects fetch targets before the origin stage
// touches the network, rejecting URLs whose hosts resolve to private,
// loopback, link-local, or otherwise internal addresses.
//
// Resolution happens once per request at fetch time and is never cached
// across requests: DNS answers for attacker-controlled hostnames can rebind
// between check and use. This is a best-effort SSRF mitigation, not a
// complete defense; the residual rebinding window is an accepted risk.
package guard

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"net/url"

	imagecache "github.com/wolfeidau/image-cache"
)

// LookupFunc resolves a hostname to its addresses. Injectable for tests.
type LookupFunc func(ctx context.Context, host string) ([]netip.Addr, error)

// blockedV4 covers RFC1918, loopback, link-local (including the cloud
// metadata range), "this network", multicast, and reserved space.
var blockedV4 = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("240.0.0.0/4"),
}

// uniqueLocalV6 is the IPv6 unique-local range (fc00::/7).
var uniqueLocalV6 = netip.MustParsePrefix("fc00::/7")

// Guard validates candidate fetch URLs.
type Guard struct {
	lookup        LookupFunc
	allowLoopback bool
	logger        *slog.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithLookup sets the resolver used for hostname lookups.
func WithLookup(lookup LookupFunc) Option {
	return func(g *Guard) {
		g.lookup = lookup
	}
}

// WithLogger sets the logger for audit events.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) {
		g.logger = logger
	}
}

// WithAllowLoopback permits loopback destinations. Intended for local
// development and tests that fetch from httptest servers; never enable it
// on an internet-facing deployment.
func WithAllowLoopback() Option {
	return func(g *Guard) {
		g.allowLoopback = true
	}
}

// New creates a Guard using the system resolver by default.
func New(opts ...Option) *Guard {
	g := &Guard{
		lookup: func(ctx context.Context, host string) ([]netip.Addr, error) {
			return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check approves u for fetching or returns a security rejection. A DNS
// resolution failure is not a rejection: it is deferred to the fetcher,
// which will fail naturally on connect.
func (g *Guard) Check(ctx context.Context, u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		g.logger.Warn("rejected fetch target", "reason", "scheme", "url", u.Redacted())
		return imagecache.NewError(imagecache.KindSecurity, "scheme not allowed")
	}

	host := u.Hostname()
	if host == "" {
		return imagecache.NewError(imagecache.KindSecurity, "destination not allowed")
	}

	// IP literals are checked directly, no resolution needed.
	if addr, err := netip.ParseAddr(host); err == nil {
		return g.checkAddrs(u, []netip.Addr{addr})
	}

	addrs, err := g.lookup(ctx, host)
	if err != nil {
		g.logger.Debug("dns resolution failed, deferring to fetcher", "host", host, "error", err)
		return nil
	}
	return g.checkAddrs(u, addrs)
}

func (g *Guard) checkAddrs(u *url.URL, addrs []netip.Addr) error {
	for _, addr := range addrs {
		if g.blocked(addr) {
			g.logger.Warn("rejected fetch target",
				"reason", "address",
				"url", u.Redacted(),
				"address", addr.String(),
			)
			return imagecache.NewError(imagecache.KindSecurity, "destination not allowed")
		}
	}
	return nil
}

func (g *Guard) blocked(addr netip.Addr) bool {
	addr = addr.Unmap()

	if addr.IsLoopback() {
		return !g.allowLoopback
	}

	if addr.Is4() {
		for _, p := range blockedV4 {
			if p.Contains(addr) {
				return true
			}
		}
		return false
	}

	return addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsMulticast() ||
		uniqueLocalV6.Contains(addr)
}
