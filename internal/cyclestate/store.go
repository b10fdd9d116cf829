package cyclestate

import (
	"sync"

	"github.com/gyreflow/gyre/internal/mapping"
)

// Store holds each cycle group's carried state between iterations.
//
// Get never fails: a cycle's first iteration sees an empty, defaulted mapping
// instead of an exception-driven "previous value missing" lookup. Entries are
// exclusively owned by their cycle ID; the executor never hands one cycle's
// entry to another group.
//
// All state crosses the store boundary as deep copies, so a node mutating a
// map it received cannot corrupt the carried state of a later iteration.
type Store struct {
	mu     sync.RWMutex
	states map[string]map[string]any
}

// New creates an empty cycle state store.
func New() *Store {
	return &Store{states: make(map[string]map[string]any)}
}

// Get returns the carried state for the cycle, or an empty map if nothing was
// stored yet. The returned map is a copy owned by the caller.
func (s *Store) Get(cycleID string) map[string]any {
	s.mu.RLock()
	state := s.states[cycleID]
	s.mu.RUnlock()
	return mapping.DeepCopyMap(state)
}

// Put replaces the carried state for the cycle.
func (s *Store) Put(cycleID string, state map[string]any) {
	copied := mapping.DeepCopyMap(state)
	s.mu.Lock()
	s.states[cycleID] = copied
	s.mu.Unlock()
}

// Clear removes the cycle's entry. Subsequent Get calls return the defaulted
// empty mapping again.
func (s *Store) Clear(cycleID string) {
	s.mu.Lock()
	delete(s.states, cycleID)
	s.mu.Unlock()
}
