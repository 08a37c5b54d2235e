package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

// ErrBlockedEndpoint is returned for URLs the server must not call.
var ErrBlockedEndpoint = errors.New("security: endpoint not allowed")

// blockedNames are hostnames refused before any DNS lookup.
var blockedNames = map[string]struct{}{
	"localhost":                {},
	"metadata.google.internal": {},
	"metadata.google":          {},
}

// blockedRanges cover address space a webhook must never reach. Loopback,
// private and link-local ranges are caught by the netip predicates; these
// are the rest.
var blockedRanges = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"), // carrier-grade NAT
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("64:ff9b::/96"), // NAT64 can reach IPv4 internals
}

const resolveTimeout = 3 * time.Second

// resolve is replaced in tests.
var resolve = func(host string) ([]netip.Addr, error) {
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()
	return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
}

// ValidateEndpointURL accepts absolute http(s) URLs whose host, and every
// address it resolves to, is publicly routable.
func ValidateEndpointURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("%w: must be an absolute http(s) URL", ErrBlockedEndpoint)
	}

	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if _, ok := blockedNames[host]; ok || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("%w: host %q", ErrBlockedEndpoint, host)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(addr)
	}

	addrs, err := resolve(host)
	if err != nil || len(addrs) == 0 {
		return fmt.Errorf("%w: cannot resolve %q", ErrBlockedEndpoint, host)
	}
	for _, a := range addrs {
		if err := checkAddr(a); err != nil {
			return fmt.Errorf("host %q resolves to %s: %w", host, a, err)
		}
	}
	return nil
}

func checkAddr(a netip.Addr) error {
	a = a.Unmap()
	var reason string
	switch {
	case a.IsLoopback():
		reason = "loopback"
	case a.IsPrivate():
		reason = "private"
	case a.IsLinkLocalUnicast(), a.IsLinkLocalMulticast():
		reason = "link-local"
	case a.IsUnspecified():
		reason = "unspecified"
	case a.IsMulticast():
		reason = "multicast"
	default:
		for _, p := range blockedRanges {
			if p.Contains(a) {
				reason = "reserved"
				break
			}
		}
	}
	if reason != "" {
		return fmt.Errorf("%w: %s address", ErrBlockedEndpoint, reason)
	}
	return nil
}
