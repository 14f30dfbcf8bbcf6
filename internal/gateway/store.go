package gateway

import (
	"sync"
	"sync/atomic"
)

// Store holds query result sets by generated id. Entries are written once
// and never updated in place.
type Store interface {
	// Put stores value under id and reports false, leaving the existing
	// entry untouched, when id is already taken.
	Put(id string, value any) bool
	Get(id string) (any, bool)
	Len() int
}

// MemoryStore keeps every result for the life of the process; nothing is
// evicted, so memory grows with the number of successful queries.
type MemoryStore struct {
	entries sync.Map
	count   atomic.Int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Put(id string, value any) bool {
	if _, loaded := s.entries.LoadOrStore(id, value); loaded {
		return false
	}
	s.count.Add(1)
	return true
}

func (s *MemoryStore) Get(id string) (any, bool) {
	return s.entries.Load(id)
}

func (s *MemoryStore) Len() int {
	return int(s.count.Load())
}
