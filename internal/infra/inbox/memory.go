package inbox

import (
	"context"
	"sync"
)

// DefaultCapacity bounds how many ids a MemoryStore remembers.
const DefaultCapacity = 10000

// Dedup answers whether an event was already handled.
type Dedup interface {
	Seen(ctx context.Context, eventID string) (bool, error)
}

// MemoryStore is a bounded seen-set. Once full, the oldest ids are forgotten
// first.
type MemoryStore struct {
	mu    sync.Mutex
	cap   int
	seen  map[string]struct{}
	order []string
	head  int
}

func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryStore{cap: capacity, seen: make(map[string]struct{}, capacity)}
}

func (s *MemoryStore) Seen(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[eventID]; ok {
		return true, nil
	}
	if len(s.order) < s.cap {
		s.order = append(s.order, eventID)
	} else {
		delete(s.seen, s.order[s.head])
		s.order[s.head] = eventID
		s.head = (s.head + 1) % s.cap
	}
	s.seen[eventID] = struct{}{}
	return false, nil
}

var (
	_ Dedup = (*MemoryStore)(nil)
	_ Dedup = (*Store)(nil)
)
