package config

import "sync/atomic"

// Store holds the current RuntimeConfig behind an atomic pointer. Readers
// take a snapshot with Get and use it for the duration of one operation;
// writers swap in a complete replacement with Set.
type Store struct {
	ptr atomic.Pointer[RuntimeConfig]
}

// NewStore returns a Store seeded with the given config.
func NewStore(cfg *RuntimeConfig) *Store {
	s := &Store{}
	s.ptr.Store(cfg)
	return s
}

// Get returns the current snapshot. Callers must not mutate it.
func (s *Store) Get() *RuntimeConfig {
	return s.ptr.Load()
}

// Set replaces the current snapshot.
func (s *Store) Set(cfg *RuntimeConfig) {
	s.ptr.Store(cfg)
}

// Update applies fn to a copy of the current snapshot and stores the result.
// Not atomic against concurrent Update calls racing on the same base; the
// process has a single configuration writer.
func (s *Store) Update(fn func(*RuntimeConfig)) {
	next := *s.ptr.Load()
	fn(&next)
	s.ptr.Store(&next)
}
