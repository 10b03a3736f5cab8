package reconcile

import "sync"

// Sequence numbers outgoing fetches and decides which responses are still
// worth applying. Numbers come from one counter shared by all keys, so a
// number issued after a Reset is always larger than anything issued before.
type Sequence[K comparable] struct {
	mu      sync.Mutex
	last    uint64
	applied map[K]uint64
}

func NewSequence[K comparable]() *Sequence[K] {
	return &Sequence[K]{applied: make(map[K]uint64)}
}

// Next returns the number to attach to a fetch that is about to be issued.
func (s *Sequence[K]) Next() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last++
	return s.last
}

// Accept records seq as applied for key if it is newer than the last applied
// response and reports whether the caller should apply it.
func (s *Sequence[K]) Accept(key K, seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq <= s.applied[key] {
		return false
	}
	s.applied[key] = seq
	return true
}

// Reset invalidates every number issued so far for key.
func (s *Sequence[K]) Reset(key K) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied[key] = s.last
}

// Applied returns the last accepted number for key.
func (s *Sequence[K]) Applied(key K) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied[key]
}
