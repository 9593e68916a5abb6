package mirror

// Action reports what Advance did.
type Action string

const (
	// ActionMirror means the selector moved to the next mirror.
	ActionMirror Action = "mirror"
	// ActionDNS means every mirror had been tried, so the DNS provider was
	// rotated and the mirror list restarted.
	ActionDNS Action = "dns"
	// ActionExhausted means mirrors and DNS providers are both spent.
	ActionExhausted Action = "exhausted"
)

// Selector is the per-resolution view over the shared Manager. One download
// creates one Selector and calls Advance on failures; the attempt counter
// is local so a single resolution tries each mirror once per DNS provider,
// while the mirror the attempts land on is shared across downloads.
//
// A Selector is used from a single goroutine.
type Selector struct {
	mgr *Manager
	// attempts since the start of the resolution or the last DNS rotation
	attempts int
}

// NewSelector returns a fresh selector for one resolution.
func NewSelector(mgr *Manager) *Selector {
	return &Selector{mgr: mgr}
}

// Rewrite maps a URL onto the currently active mirror. Idempotent between
// Advance calls.
func (s *Selector) Rewrite(rawURL string) string {
	return s.mgr.Rewrite(rawURL)
}

// ActiveBase returns the mirror base currently in effect.
func (s *Selector) ActiveBase() string {
	return s.mgr.ActiveBase()
}

// Advance escalates after a failure. While this resolution has tried fewer
// mirrors than exist, it moves to the next mirror. Once the whole list has
// been tried it rotates the DNS provider and starts the list over. When DNS
// rotation has nothing left either, it reports exhaustion.
func (s *Selector) Advance() (newBase string, action Action) {
	n := s.mgr.MirrorCount()
	if n == 0 {
		return "", ActionExhausted
	}

	// Mirrors "tried" by this resolution are those reached via Advance;
	// the list is spent only after n advances, which includes wrapping
	// back over the starting mirror once.
	s.attempts++
	if s.attempts <= n {
		return s.mgr.nextMirror(), ActionMirror
	}

	if s.mgr.rotator != nil && s.mgr.rotator.Rotate() {
		s.attempts = 0
		return s.mgr.resetToFirst(), ActionDNS
	}
	return "", ActionExhausted
}
