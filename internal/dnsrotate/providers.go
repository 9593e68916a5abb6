// Package dnsrotate tracks the active public DNS provider for the download
// stack and rotates through providers when mirrors stop resolving. State is
// process-wide and in-memory only, with a TTL-based soft reset so a
// long-running daemon eventually drifts back to its first-choice provider.
package dnsrotate

// Provider is one public DNS service: plain resolver addresses plus a
// DNS-over-HTTPS endpoint for networks that block port 53.
type Provider struct {
	Name        string
	Servers     []string
	DoHEndpoint string
}

// Providers is the rotation order. Cloudflare first: it is the least likely
// to be poisoned for the mirror domains this system cares about.
var Providers = []Provider{
	{
		Name:        "cloudflare",
		Servers:     []string{"1.1.1.1", "1.0.0.1"},
		DoHEndpoint: "https://cloudflare-dns.com/dns-query",
	},
	{
		Name:        "google",
		Servers:     []string{"8.8.8.8", "8.8.4.4"},
		DoHEndpoint: "https://dns.google/resolve",
	},
	{
		Name:        "quad9",
		Servers:     []string{"9.9.9.9", "149.112.112.112"},
		DoHEndpoint: "https://dns.quad9.net/dns-query",
	},
	{
		Name:        "opendns",
		Servers:     []string{"208.67.222.222", "208.67.220.220"},
		DoHEndpoint: "https://doh.opendns.com/dns-query",
	},
}

// ProviderByName returns the provider with the given name, or false.
func ProviderByName(name string) (Provider, bool) {
	for _, p := range Providers {
		if p.Name == name {
			return p, true
		}
	}
	return Provider{}, false
}
