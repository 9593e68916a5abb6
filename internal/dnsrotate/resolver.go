package dnsrotate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/maypok86/otter"

	"github.com/openshelf/openshelf/internal/logging"
	"github.com/openshelf/openshelf/internal/netutil"
)

const (
	answerTTL     = 5 * time.Minute
	maxCacheHosts = 512
	dohTimeout    = 5 * time.Second
)

// Resolver resolves hostnames through the rotator's active provider: plain
// UDP against the provider's servers first, DNS-over-HTTPS as fallback.
// Answers are cached per provider for a few minutes. When no provider is
// active (system mode, or auto mode before the first rotation) it defers to
// the system resolver.
type Resolver struct {
	rotator   *Rotator
	dohClient *http.Client
	cache     otter.Cache[string, []net.IP]
}

// NewResolver creates a resolver bound to rot. The DoH client uses the
// system resolver itself; DoH endpoints are reachable by IP-pinned vendors
// and must not recurse into the rotating path.
func NewResolver(rot *Rotator) *Resolver {
	cache, err := otter.MustBuilder[string, []net.IP](maxCacheHosts).
		Cost(func(_ string, _ []net.IP) uint32 { return 1 }).
		WithTTL(answerTTL).
		Build()
	if err != nil {
		panic("dnsrotate: failed to create answer cache: " + err.Error())
	}
	r := &Resolver{
		rotator:   rot,
		dohClient: &http.Client{Timeout: dohTimeout},
		cache:     cache,
	}
	rot.OnRotate(func(Provider) { r.cache.Clear() })
	return r
}

// LookupIP resolves host via the active provider. Local and literal-IP
// hosts always use the system path.
func (r *Resolver) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	p := r.rotator.Active()
	if p == nil || netutil.BypassesCustomDNS(host) {
		return systemLookup(ctx, host)
	}

	key := p.Name + "|" + host
	if ips, ok := r.cache.Get(key); ok {
		return ips, nil
	}

	ips, err := lookupViaServers(ctx, p, host)
	if err != nil {
		var dohErr error
		ips, dohErr = r.lookupViaDoH(ctx, p, host)
		if dohErr != nil {
			lg := logging.GetLogger("dnsrotate")
			lg.Debug().
				Str("host", host).Str("provider", p.Name).
				AnErr("udp", err).AnErr("doh", dohErr).
				Msg("provider lookup failed, falling back to system resolver")
			return systemLookup(ctx, host)
		}
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no addresses", Name: host, IsNotFound: true}
	}
	r.cache.Set(key, ips)
	return ips, nil
}

func systemLookup(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP)
	}
	return ips, nil
}

// lookupViaServers queries the provider's plain resolvers over UDP.
func lookupViaServers(ctx context.Context, p *Provider, host string) ([]net.IP, error) {
	var lastErr error
	for _, server := range p.Servers {
		res := &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
				d := net.Dialer{Timeout: 3 * time.Second}
				return d.DialContext(ctx, network, net.JoinHostPort(server, "53"))
			},
		}
		addrs, err := res.LookupIPAddr(ctx, host)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		ips := make([]net.IP, 0, len(addrs))
		for _, a := range addrs {
			ips = append(ips, a.IP)
		}
		return ips, nil
	}
	return nil, lastErr
}

// dohAnswer is the subset of the application/dns-json response format
// shared by all four providers.
type dohAnswer struct {
	Status int `json:"Status"`
	Answer []struct {
		Type int    `json:"type"`
		Data string `json:"data"`
	} `json:"Answer"`
}

const (
	dnsTypeA    = 1
	dnsTypeAAAA = 28
)

// lookupViaDoH queries the provider's DNS-over-HTTPS endpoint using the
// JSON wire format.
func (r *Resolver) lookupViaDoH(ctx context.Context, p *Provider, host string) ([]net.IP, error) {
	ips, err := r.dohQuery(ctx, p, host, "A")
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return r.dohQuery(ctx, p, host, "AAAA")
	}
	return ips, nil
}

func (r *Resolver) dohQuery(ctx context.Context, p *Provider, host, qtype string) ([]net.IP, error) {
	q := url.Values{}
	q.Set("name", host)
	q.Set("type", qtype)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.DoHEndpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/dns-json")

	resp, err := r.dohClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("dnsrotate: doh status %d from %s", resp.StatusCode, p.DoHEndpoint)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, err
	}
	var ans dohAnswer
	if err := json.Unmarshal(body, &ans); err != nil {
		return nil, fmt.Errorf("dnsrotate: doh response parse: %w", err)
	}
	if ans.Status != 0 {
		return nil, fmt.Errorf("dnsrotate: doh rcode %d for %s", ans.Status, host)
	}

	var ips []net.IP
	for _, a := range ans.Answer {
		if a.Type != dnsTypeA && a.Type != dnsTypeAAAA {
			continue
		}
		if ip := net.ParseIP(a.Data); ip != nil {
			ips = append(ips, ip)
		}
	}
	return ips, nil
}
