package store

import (
	"sync"
)

// Reducer is a pure transition. It reports whether anything changed; an
// unchanged result is discarded and subscribers are not notified.
type Reducer func(State) (State, bool)

// Store is the single source of truth for chat state. Reducers run one at a
// time under the store lock, so every transition sees the latest state.
type Store struct {
	mu      sync.Mutex
	state   State
	subs    map[int]func(State)
	nextSub int
}

// New creates a store seeded with initial.
func New(initial State) *Store {
	return &Store{state: initial, subs: make(map[int]func(State))}
}

// Apply runs r against the current state and commits the result when it
// changed. Subscribers are called after the lock is released with the
// committed snapshot; compare Version to drop stale deliveries.
func (s *Store) Apply(r Reducer) bool {
	s.mu.Lock()
	next, changed := r(s.state)
	if !changed {
		s.mu.Unlock()
		return false
	}
	next.Version = s.state.Version + 1
	s.state = next
	snapshot := next.Clone()
	subs := make([]func(State), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(snapshot)
	}
	return true
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Read runs fn with the current state under the lock. fn must not call back
// into the store.
func (s *Store) Read(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.state)
}

// Subscribe registers fn for committed changes and returns its cancel func.
func (s *Store) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}
