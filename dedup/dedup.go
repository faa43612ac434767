package dedup

import "sync"

// DefaultWindow is the number of message ids retained when no explicit
// capacity is given.
const DefaultWindow = 100

// Set is a bounded, insertion-ordered set of message ids. Once the set holds
// its full capacity, adding a new id evicts the oldest surviving one (strict
// FIFO on insertion order, not last access).
type Set struct {
	mu    sync.Mutex
	limit int
	ids   map[string]struct{}
	order []string
}

// NewSet returns a Set that retains at most capacity ids. A capacity of zero
// or less falls back to DefaultWindow.
func NewSet(capacity int) *Set {
	if capacity <= 0 {
		capacity = DefaultWindow
	}

	return &Set{
		limit: capacity,
		ids:   make(map[string]struct{}, capacity),
	}
}

// Has reports whether id is currently retained.
func (s *Set) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.ids[id]
	return ok
}

// Add records id. Adding an id that is already present is a no-op and does
// not affect eviction order.
func (s *Set) Add(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ids[id]; ok {
		return
	}

	s.ids[id] = struct{}{}
	s.order = append(s.order, id)

	if len(s.order) > s.limit {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.ids, oldest)
	}
}

// Clear drops every retained id.
func (s *Set) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ids = make(map[string]struct{}, s.limit)
	s.order = nil
}

// Size returns the number of retained ids.
func (s *Set) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.ids)
}
