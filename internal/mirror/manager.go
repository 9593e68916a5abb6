// Package mirror tracks the preferred base URL for a multi-mirror source
// and couples mirror rotation to DNS provider rotation: when every mirror
// has been tried within one resolution, the next escalation step is a new
// resolver, not another lap over the same dead mirrors.
package mirror

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openshelf/openshelf/internal/dnsrotate"
	"github.com/openshelf/openshelf/internal/logging"
	"github.com/openshelf/openshelf/internal/netutil"
)

// Manager holds the process-wide mirror state shared by all concurrent
// resolutions. A successful rotation by one download moves the active
// mirror for everyone.
type Manager struct {
	mu       sync.Mutex
	bases    []string
	index    int
	override string

	rotator *dnsrotate.Rotator
}

// NewManager creates a manager over the given ordered mirror base URLs.
// Base URLs must be scheme://host with no trailing slash.
func NewManager(bases []string, rot *dnsrotate.Rotator) *Manager {
	normalized := make([]string, 0, len(bases))
	for _, b := range bases {
		b = strings.TrimRight(strings.TrimSpace(b), "/")
		if b != "" {
			normalized = append(normalized, b)
		}
	}
	return &Manager{bases: normalized, rotator: rot}
}

// SetOverride pins the active mirror to base, disabling rotation. An empty
// base clears the pin.
func (m *Manager) SetOverride(base string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.override = strings.TrimRight(strings.TrimSpace(base), "/")
}

// ActiveBase returns the current mirror base URL.
func (m *Manager) ActiveBase() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeBaseLocked()
}

func (m *Manager) activeBaseLocked() string {
	if m.override != "" {
		return m.override
	}
	if len(m.bases) == 0 {
		return ""
	}
	return m.bases[m.index]
}

// Bases returns a copy of the known mirror list.
func (m *Manager) Bases() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.bases...)
}

// MirrorCount returns the number of known mirrors.
func (m *Manager) MirrorCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bases)
}

// nextMirror advances the process-wide index, wrapping, and returns the new
// active base. With an override set the pin wins and the index is left
// alone.
func (m *Manager) nextMirror() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.override != "" || len(m.bases) == 0 {
		return m.activeBaseLocked()
	}
	m.index = (m.index + 1) % len(m.bases)
	return m.bases[m.index]
}

// resetToFirst moves the process-wide index back to the head of the list
// and returns the base there. Called after a DNS rotation gives the full
// mirror list a fresh chance.
func (m *Manager) resetToFirst() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.override != "" || len(m.bases) == 0 {
		return m.activeBaseLocked()
	}
	m.index = 0
	return m.bases[0]
}

// Rewrite replaces a known mirror prefix in rawURL with the active base.
// URLs that do not start with a known mirror, and local or literal-IP
// targets, pass through unchanged.
func (m *Manager) Rewrite(rawURL string) string {
	if netutil.BypassesCustomDNS(hostOf(rawURL)) {
		return rawURL
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	active := m.activeBaseLocked()
	if active == "" {
		return rawURL
	}
	for _, b := range m.bases {
		if b == active {
			continue
		}
		if strings.HasPrefix(rawURL, b+"/") || rawURL == b {
			return active + strings.TrimPrefix(rawURL, b)
		}
	}
	return rawURL
}

func hostOf(rawURL string) string {
	rest := rawURL
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if i := strings.IndexAny(rest, "/?#"); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

// probeResult is one mirror's reachability measurement.
type probeResult struct {
	base    string
	ok      bool
	latency time.Duration
}

// Probe checks every mirror concurrently and reorders the list so reachable
// mirrors come first, fastest first; unreachable mirrors keep their
// configured relative order at the tail. The active index is reset to the
// best mirror. Run once at startup.
func (m *Manager) Probe(ctx context.Context, client *http.Client, timeout time.Duration) {
	bases := m.Bases()
	if len(bases) < 2 {
		return
	}

	log := logging.GetLogger("mirror")
	results := make([]probeResult, len(bases))
	var wg sync.WaitGroup
	for i, base := range bases {
		wg.Add(1)
		go func(i int, base string) {
			defer wg.Done()
			results[i] = probeOne(ctx, client, base, timeout)
		}(i, base)
	}
	wg.Wait()

	sort.SliceStable(results, func(a, b int) bool {
		if results[a].ok != results[b].ok {
			return results[a].ok
		}
		if !results[a].ok {
			return false
		}
		return results[a].latency < results[b].latency
	})

	reachable := 0
	ordered := make([]string, len(results))
	for i, r := range results {
		ordered[i] = r.base
		if r.ok {
			reachable++
		}
	}

	m.mu.Lock()
	m.bases = ordered
	m.index = 0
	m.mu.Unlock()

	if reachable == 0 {
		log.Warn().Int("mirrors", len(ordered)).Msg("no mirror responded to probe, keeping configured order")
		return
	}
	log.Info().Str("active", ordered[0]).Int("reachable", reachable).Int("mirrors", len(ordered)).Msg("mirror probe complete")
}

func probeOne(ctx context.Context, client *http.Client, base string, timeout time.Duration) probeResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, base+"/", nil)
	if err != nil {
		return probeResult{base: base}
	}
	resp, err := client.Do(req)
	if err != nil {
		return probeResult{base: base}
	}
	resp.Body.Close()
	// Challenge pages still prove the mirror resolves and answers.
	ok := resp.StatusCode < 500
	return probeResult{base: base, ok: ok, latency: time.Since(start)}
}
