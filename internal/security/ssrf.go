// Package security validates review targets and provides an HTTP transport
// that refuses to dial private networks.
package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const lookupTimeout = 5 * time.Second

// ErrPrivateTarget is returned when a target resolves to a private,
// loopback or link-local address
var ErrPrivateTarget = errors.New("target is on a private network")

var privateRanges []*net.IPNet

func init() {
	for _, cidr := range []string{
		"127.0.0.0/8",
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"169.254.0.0/16", // link-local / cloud metadata
		"100.64.0.0/10",  // carrier-grade NAT
		"0.0.0.0/8",
		"::1/128",
		"fc00::/7",
		"fe80::/10",
	} {
		_, ipNet, _ := net.ParseCIDR(cidr)
		privateRanges = append(privateRanges, ipNet)
	}
}

// IsPrivateIP reports whether ip is private, loopback, link-local or unspecified
func IsPrivateIP(ip net.IP) bool {
	if ip.IsUnspecified() || ip.IsLoopback() {
		return true
	}
	for _, cidr := range privateRanges {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// Resolver looks up host addresses. net.DefaultResolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Guard validates target URLs. The zero value blocks private targets using
// the default resolver.
type Guard struct {
	AllowPrivate bool
	Resolver     Resolver
}

func (g *Guard) resolver() Resolver {
	if g.Resolver != nil {
		return g.Resolver
	}
	return net.DefaultResolver
}

// ParseOrigin parses a review origin, requiring an absolute http(s) URL,
// and returns it normalized to scheme://host[:port]
func ParseOrigin(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("url %q must use http or https", raw)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("url %q has no host", raw)
	}
	return &url.URL{Scheme: u.Scheme, Host: u.Host}, nil
}

// ValidateTarget parses raw and rejects it when it points at a private
// network, unless the guard allows private targets
func (g *Guard) ValidateTarget(ctx context.Context, raw string) (*url.URL, error) {
	origin, err := ParseOrigin(raw)
	if err != nil {
		return nil, err
	}
	if g.AllowPrivate {
		return origin, nil
	}
	if _, err := g.resolvePublic(ctx, origin.Hostname()); err != nil {
		return nil, err
	}
	return origin, nil
}

func (g *Guard) resolvePublic(ctx context.Context, host string) (net.IP, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return nil, fmt.Errorf("empty hostname")
	}
	if idx := strings.IndexByte(host, '%'); idx != -1 {
		host = host[:idx]
	}
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return nil, fmt.Errorf("%w: %s", ErrPrivateTarget, host)
	}

	if ip := net.ParseIP(host); ip != nil {
		if IsPrivateIP(ip) {
			return nil, fmt.Errorf("%w: %s", ErrPrivateTarget, ip)
		}
		return ip, nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	addrs, err := g.resolver().LookupIPAddr(lookupCtx, host)
	if err != nil {
		return nil, fmt.Errorf("DNS lookup failed for %q: %w", host, err)
	}
	for _, a := range addrs {
		if a.IP != nil && !IsPrivateIP(a.IP) {
			return a.IP, nil
		}
	}
	return nil, fmt.Errorf("%w: %q resolves only to private addresses", ErrPrivateTarget, host)
}

// Transport returns an HTTP transport that pins every connection to a
// public address of the dialed host
func (g *Guard) Transport() *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid address %s: %w", addr, err)
		}
		var d net.Dialer
		if g.AllowPrivate {
			return d.DialContext(ctx, network, addr)
		}
		ip, err := g.resolvePublic(ctx, host)
		if err != nil {
			return nil, err
		}
		return d.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
	}
	return transport
}
