package netutil

import (
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// ExtractDomain extracts the effective top-level-domain-plus-one (eTLD+1)
// from a target string that may be host:port, a URL, an IPv6 address, etc.
// Protection cookies are keyed by this value so that a challenge solved on
// one subdomain covers its siblings.
//
// Examples:
//
//	"https://cdn77.annas-archive.org/x" -> "annas-archive.org"
//	"libgen.li:443"                     -> "libgen.li"
//	"192.168.1.1:8080"                  -> "192.168.1.1"
//	"localhost"                         -> "localhost"
//	"[::1]:80"                          -> "::1"
func ExtractDomain(target string) string {
	// If target is a URL, parse out the host first.
	if strings.Contains(target, "://") || strings.HasPrefix(target, "//") {
		if u, err := url.Parse(target); err == nil && u.Host != "" {
			target = u.Host
		}
	}

	host := target

	// Split off port. net.SplitHostPort handles both "host:port" and "[ipv6]:port".
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	} else {
		// Handle bare bracketed IPv6 like "[::1]" -> "::1".
		if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
			host = host[1 : len(host)-1]
		}
	}

	// Use the Public Suffix List to extract eTLD+1.
	// Returns error for IP addresses, localhost, or bare TLDs.
	if domain, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return domain
	}

	// Fallback: return host as-is (IP addresses, internal names, etc.).
	return host
}

// IsIPAddress reports whether host is a literal IPv4 or IPv6 address,
// optionally bracketed.
func IsIPAddress(host string) bool {
	host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
	return net.ParseIP(host) != nil
}

// IsLocalHost reports whether host names something that must never go
// through mirror rewriting or a custom DNS resolver: loopback and private
// addresses, mDNS names, and bare single-label hostnames.
func IsLocalHost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.TrimPrefix(strings.TrimSuffix(host, "]"), "["))
	if host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
	}
	// A name with no dot cannot resolve publicly; leave it to the system.
	return !strings.Contains(host, ".")
}

// BypassesCustomDNS reports whether lookups for host should skip any
// configured public resolver and use the system default.
func BypassesCustomDNS(host string) bool {
	return IsLocalHost(host) || IsIPAddress(host)
}

// AbsoluteURL resolves href (as scraped from a page) against the page's own
// URL. Already-absolute hrefs pass through untouched.
func AbsoluteURL(pageURL, href string) string {
	if href == "" {
		return ""
	}
	if strings.Contains(href, "://") {
		return href
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}
