// Package ssrf blocks proxy targets that point into private, loopback or otherwise
// non-routable address space.
package ssrf

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// ErrBlocked is returned when a host or address is not allowed.
var ErrBlocked = errors.New("address blocked by ssrf guard")

var (
	ipv4Private = []netip.Prefix{
		netip.MustParsePrefix("127.0.0.0/8"),
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("172.16.0.0/12"),
		netip.MustParsePrefix("192.168.0.0/16"),
		netip.MustParsePrefix("169.254.0.0/16"),
		netip.MustParsePrefix("0.0.0.0/8"),
		netip.MustParsePrefix("192.0.0.0/24"),
		netip.MustParsePrefix("100.64.0.0/10"),
		netip.MustParsePrefix("198.18.0.0/15"),
		netip.MustParsePrefix("224.0.0.0/4"),
		netip.MustParsePrefix("240.0.0.0/4"),
	}
	ipv6Private = []netip.Prefix{
		netip.MustParsePrefix("::1/128"),
		netip.MustParsePrefix("::/128"),
		netip.MustParsePrefix("fe80::/10"),
		netip.MustParsePrefix("fc00::/7"),
		netip.MustParsePrefix("2001:db8::/32"),
		netip.MustParsePrefix("ff00::/8"),
	}
)

// IsBlockedIP reports whether ip falls in a private or reserved range.
func IsBlockedIP(ip netip.Addr) bool {
	ip = ip.Unmap()
	if ip.IsLoopback() || ip.IsUnspecified() {
		return true
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	prefixes := ipv6Private
	if ip.Is4() {
		prefixes = ipv4Private
	}
	for _, p := range prefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// Guard decides which hosts and addresses the proxy may reach.
// The zero value blocks every private range and allows nothing extra.
type Guard struct {
	allowPrivate bool
	hosts        map[string]bool
	cidrs        []netip.Prefix
}

// NewGuard builds a Guard. allowHosts are exact hostnames (case-insensitive) that
// bypass the check entirely; allowCIDRs are ranges permitted even when private.
func NewGuard(allowPrivate bool, allowHosts, allowCIDRs []string) (*Guard, error) {
	g := &Guard{
		allowPrivate: allowPrivate,
		hosts:        make(map[string]bool, len(allowHosts)),
	}
	for _, h := range allowHosts {
		g.hosts[strings.ToLower(strings.TrimSuffix(h, "."))] = true
	}
	for _, c := range allowCIDRs {
		p, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("parse allow cidr %q: %w", c, err)
		}
		g.cidrs = append(g.cidrs, p.Masked())
	}
	return g, nil
}

// HostAllowed reports whether host is explicitly allow-listed.
func (g *Guard) HostAllowed(host string) bool {
	return g.hosts[strings.ToLower(strings.TrimSuffix(host, "."))]
}

// AllowAddr reports whether a resolved address may be dialed.
func (g *Guard) AllowAddr(ip netip.Addr) bool {
	if g.allowPrivate || !IsBlockedIP(ip) {
		return true
	}
	ip = ip.Unmap()
	for _, p := range g.cidrs {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// CheckHost validates a hostname without DNS: localhost names and literal
// private addresses are rejected unless allow-listed.
func (g *Guard) CheckHost(host string) error {
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrBlocked)
	}
	if g.HostAllowed(host) || g.allowPrivate {
		return nil
	}
	h := strings.ToLower(strings.TrimSuffix(host, "."))
	if h == "localhost" || strings.HasSuffix(h, ".localhost") {
		return fmt.Errorf("%w: %s", ErrBlocked, host)
	}
	if ip, err := netip.ParseAddr(strings.Trim(h, "[]")); err == nil {
		if !g.AllowAddr(ip) {
			return fmt.Errorf("%w: %s", ErrBlocked, host)
		}
	}
	return nil
}

// Resolver is the subset of *net.Resolver used by DialContext.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// DialContext returns a dial function that resolves the host, drops blocked
// addresses and connects to the first allowed one. Pinning the address at dial
// time closes the gap between validation and connection (DNS rebinding).
func (g *Guard) DialContext(dialer *net.Dialer, resolver Resolver) func(ctx context.Context, network, addr string) (net.Conn, error) {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		if g.HostAllowed(host) {
			return dialer.DialContext(ctx, network, addr)
		}

		var ips []netip.Addr
		if ip, err := netip.ParseAddr(host); err == nil {
			ips = []netip.Addr{ip}
		} else {
			ips, err = resolver.LookupNetIP(ctx, "ip", host)
			if err != nil {
				return nil, err
			}
		}

		var lastErr error
		for _, ip := range ips {
			if !g.AllowAddr(ip) {
				continue
			}
			conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip.Unmap().String(), port))
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, fmt.Errorf("%w: no allowed address for %s", ErrBlocked, host)
	}
}
