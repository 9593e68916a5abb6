package netutil

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	xproxy "golang.org/x/net/proxy"
)

// LookupIPFunc resolves a hostname to addresses. Implemented by the DNS
// rotation layer; nil means the system resolver.
type LookupIPFunc func(ctx context.Context, host string) ([]net.IP, error)

// ClientOptions configures NewClient.
type ClientOptions struct {
	ConnectTimeout      time.Duration
	ReadTimeout         time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration

	// ProxyURL routes outbound requests through an http://, https:// or
	// socks5:// proxy. Empty means direct.
	ProxyURL string

	// BypassHosts are NO_PROXY-style patterns ("internal.example",
	// "*.local", "10.*") for hosts that must skip the proxy.
	BypassHosts []string

	// LookupIP overrides DNS resolution for public hostnames. Local and
	// literal-IP targets always use the system path.
	LookupIP LookupIPFunc
}

// NewClient builds an HTTP client wired for the cascade's network policy:
// short connect/read timeouts, optional proxy with bypass patterns, and
// rotation-aware DNS. The returned client follows redirects and has no
// overall timeout; callers bound requests with contexts.
func NewClient(opts ClientOptions) (*http.Client, error) {
	dialer := &net.Dialer{
		Timeout:   opts.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}

	dialContext := func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return dialer.DialContext(ctx, network, addr)
		}
		if opts.LookupIP == nil || BypassesCustomDNS(host) {
			return dialer.DialContext(ctx, network, addr)
		}
		ips, err := opts.LookupIP(ctx, host)
		if err != nil || len(ips) == 0 {
			return dialer.DialContext(ctx, network, addr)
		}
		var lastErr error
		for _, ip := range ips {
			conn, dErr := dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
			if dErr == nil {
				return conn, nil
			}
			lastErr = dErr
			if ctx.Err() != nil {
				break
			}
		}
		return nil, lastErr
	}

	transport := &http.Transport{
		DialContext:           dialContext,
		MaxIdleConns:          opts.MaxIdleConns,
		MaxIdleConnsPerHost:   opts.MaxIdleConnsPerHost,
		IdleConnTimeout:       opts.IdleConnTimeout,
		ResponseHeaderTimeout: opts.ReadTimeout,
		ForceAttemptHTTP2:     true,
	}

	if opts.ProxyURL != "" {
		proxyURL, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("netutil: invalid proxy url %q: %w", opts.ProxyURL, err)
		}
		switch proxyURL.Scheme {
		case "http", "https":
			transport.Proxy = func(req *http.Request) (*url.URL, error) {
				if HostMatchesAny(opts.BypassHosts, req.URL.Hostname()) {
					return nil, nil
				}
				return proxyURL, nil
			}
		case "socks5", "socks5h":
			socksDialer, err := xproxy.FromURL(proxyURL, contextDialerFunc(dialContext))
			if err != nil {
				return nil, fmt.Errorf("netutil: socks proxy %q: %w", opts.ProxyURL, err)
			}
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				if host, _, err := net.SplitHostPort(addr); err == nil && HostMatchesAny(opts.BypassHosts, host) {
					return dialContext(ctx, network, addr)
				}
				if cd, ok := socksDialer.(xproxy.ContextDialer); ok {
					return cd.DialContext(ctx, network, addr)
				}
				return socksDialer.Dial(network, addr)
			}
		default:
			return nil, fmt.Errorf("netutil: unsupported proxy scheme %q", proxyURL.Scheme)
		}
	}

	return &http.Client{Transport: transport}, nil
}

// HostMatchesAny reports whether host matches any of the wildcard patterns.
// A pattern may be an exact host, a glob ("*.local", "10.*") or a
// dot-prefixed suffix (".internal" matches any subdomain of internal).
func HostMatchesAny(patterns []string, host string) bool {
	host = strings.ToLower(host)
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if strings.HasPrefix(p, ".") {
			if strings.HasSuffix(host, p) || host == p[1:] {
				return true
			}
			continue
		}
		if ok, err := path.Match(p, host); err == nil && ok {
			return true
		}
		if p == host {
			return true
		}
	}
	return false
}

// contextDialerFunc adapts a dial closure to the x/net/proxy dialer
// interfaces so SOCKS connections reuse the same resolver policy.
type contextDialerFunc func(ctx context.Context, network, addr string) (net.Conn, error)

func (f contextDialerFunc) Dial(network, addr string) (net.Conn, error) {
	return f(context.Background(), network, addr)
}

func (f contextDialerFunc) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return f(ctx, network, addr)
}
