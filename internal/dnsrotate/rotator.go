package dnsrotate

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/openshelf/openshelf/internal/logging"
)

// Mode controls how the rotator picks providers.
type Mode int

const (
	// ModeSystem disables custom DNS entirely.
	ModeSystem Mode = iota
	// ModeAuto starts on the system resolver and cycles through Providers
	// as rotations are requested.
	ModeAuto
	// ModePinned uses one fixed provider and never rotates.
	ModePinned
)

// snapshot is the lock-free read view of the rotator.
type snapshot struct {
	active    *Provider // nil means system resolver
	exhausted bool
}

// Rotator owns the process-wide DNS provider state. Rotation is serialized
// by a mutex; reads go through an atomic snapshot so the dial path never
// contends with a rotation in progress.
type Rotator struct {
	mu        sync.Mutex
	mode      Mode
	pinned    Provider
	index     int // next provider to try in auto mode
	exhausted bool
	logged    bool // exhaustion already logged once
	changedAt time.Time
	listeners []func(Provider)

	snap atomic.Pointer[snapshot]
}

// New creates a rotator. For ModePinned, pinnedName must be a known
// provider name.
func New(mode Mode, pinnedName string) *Rotator {
	r := &Rotator{mode: mode, changedAt: time.Now()}
	s := &snapshot{}
	if mode == ModePinned {
		p, ok := ProviderByName(pinnedName)
		if !ok {
			lg := logging.GetLogger("dnsrotate")
			lg.Warn().Str("provider", pinnedName).Msg("unknown pinned DNS provider, falling back to system resolver")
			r.mode = ModeSystem
		} else {
			r.pinned = p
			s.active = &p
		}
	}
	r.snap.Store(s)
	return r
}

// Active returns the current provider, or nil when the system resolver is
// in use. Lock-free.
func (r *Rotator) Active() *Provider {
	return r.snap.Load().active
}

// Exhausted reports whether every provider has been tried since the last
// reset. Lock-free.
func (r *Rotator) Exhausted() bool {
	return r.snap.Load().exhausted
}

// OnRotate registers a callback invoked after every provider switch and
// after a reset. Callbacks run outside the rotator lock and must not call
// back into Rotate.
func (r *Rotator) OnRotate(fn func(Provider)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Rotate switches to the next untried provider and returns true. Once every
// provider has been tried it returns false on this and all subsequent calls
// until Reset; the exhaustion is logged only on the first such call.
func (r *Rotator) Rotate() bool {
	if r.mode != ModeAuto {
		return false
	}

	log := logging.GetLogger("dnsrotate")
	r.mu.Lock()

	if r.exhausted || r.index >= len(Providers) {
		r.exhausted = true
		alreadyLogged := r.logged
		r.logged = true
		r.publishLocked()
		r.mu.Unlock()
		if !alreadyLogged {
			log.Warn().Msg("all DNS providers exhausted, keeping last provider")
		}
		return false
	}

	p := Providers[r.index]
	r.index++
	r.changedAt = time.Now()
	r.publishLocked()
	listeners := append([]func(Provider){}, r.listeners...)
	r.mu.Unlock()

	log.Info().Str("provider", p.Name).Strs("servers", p.Servers).Msg("rotated DNS provider")
	for _, fn := range listeners {
		fn(p)
	}
	return true
}

// Reset returns the rotator to its initial state: system resolver, no
// providers tried, exhaustion flag and its log latch cleared.
func (r *Rotator) Reset() {
	r.mu.Lock()
	if r.mode != ModeAuto {
		r.mu.Unlock()
		return
	}
	r.index = 0
	r.exhausted = false
	r.logged = false
	r.changedAt = time.Now()
	r.publishLocked()
	listeners := append([]func(Provider){}, r.listeners...)
	r.mu.Unlock()

	lg := logging.GetLogger("dnsrotate")
	lg.Info().Msg("DNS rotation state reset")
	for _, fn := range listeners {
		fn(Provider{})
	}
}

// MaybeReset resets the rotator if its state is older than ttl. Wired to a
// cron schedule so a blocked provider is eventually forgiven.
func (r *Rotator) MaybeReset(ttl time.Duration) {
	r.mu.Lock()
	stale := time.Since(r.changedAt) >= ttl && (r.index > 0 || r.exhausted)
	r.mu.Unlock()
	if stale {
		r.Reset()
	}
}

// publishLocked refreshes the atomic snapshot. Caller holds mu.
func (r *Rotator) publishLocked() {
	s := &snapshot{exhausted: r.exhausted}
	switch r.mode {
	case ModePinned:
		p := r.pinned
		s.active = &p
	case ModeAuto:
		if r.index > 0 {
			p := Providers[r.index-1]
			s.active = &p
		}
	}
	r.snap.Store(s)
}
