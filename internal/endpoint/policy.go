package endpoint

import (
	"context"
	"net"
	"net/url"
	"strings"
)

type LookupIPAddrFunc func(context.Context, string) ([]net.IPAddr, error)

// Policy decides which URLs may be fetched on the page's behalf.
type Policy struct {
	// AllowPrivate permits loopback and private hosts, for local upstreams.
	AllowPrivate bool
	Lookup       LookupIPAddrFunc
}

// Allowed checks target without resolving its host.
func (p Policy) Allowed(target *url.URL) bool {
	if p.AllowPrivate {
		return isFetchableURL(target)
	}
	return IsAllowedURL(target)
}

// AllowedResolved also checks every address the host resolves to.
func (p Policy) AllowedResolved(ctx context.Context, target *url.URL) bool {
	if p.AllowPrivate {
		return isFetchableURL(target)
	}
	return IsAllowedResolvedURL(ctx, target, p.Lookup)
}

// ResolveURL makes rawURL absolute against base and reports whether the
// result is an http(s) URL the policy allows.
func (p Policy) ResolveURL(rawURL string, base *url.URL) (*url.URL, bool) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" || strings.HasPrefix(strings.ToLower(trimmed), "data:") {
		return nil, false
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, false
	}
	if parsed.Host == "" {
		if base == nil {
			return nil, false
		}
		parsed = base.ResolveReference(parsed)
	} else if parsed.Scheme == "" && base != nil {
		parsed.Scheme = base.Scheme
	}
	if !p.Allowed(parsed) {
		return nil, false
	}
	return parsed, true
}

func isFetchableURL(target *url.URL) bool {
	if target == nil {
		return false
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return false
	}
	if target.User != nil {
		return false
	}
	return target.Hostname() != ""
}

func IsAllowedURL(target *url.URL) bool {
	if !isFetchableURL(target) {
		return false
	}
	return !isDisallowedHost(target.Hostname())
}

func IsAllowedResolvedURL(ctx context.Context, target *url.URL, lookup LookupIPAddrFunc) bool {
	if !IsAllowedURL(target) {
		return false
	}
	if ip := net.ParseIP(target.Hostname()); ip != nil {
		return !isDisallowedIP(ip)
	}
	if lookup == nil {
		return true
	}
	addrs, err := lookup(ctx, target.Hostname())
	if err != nil || len(addrs) == 0 {
		return false
	}
	for _, addr := range addrs {
		if addr.IP == nil || isDisallowedIP(addr.IP) {
			return false
		}
	}
	return true
}

func isDisallowedHost(host string) bool {
	hostname := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	if hostname == "" || hostname == "localhost" {
		return true
	}
	if ip := net.ParseIP(hostname); ip != nil {
		return isDisallowedIP(ip)
	}
	return false
}

func isDisallowedIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	// Block direct IPs that point to local/internal ranges.
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast() || ip.IsUnspecified()
}
