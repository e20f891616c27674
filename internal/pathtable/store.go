package pathtable

import (
	"net/netip"
	"slices"
	"sync"
)

// MemoryStore is an in-process FastPathStore used for dry runs and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[netip.Addr][]byte
	writes  int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[netip.Addr][]byte)}
}

// Put replaces the entry for dst.
func (s *MemoryStore) Put(dst netip.Addr, entry []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[dst] = slices.Clone(entry)
	s.writes++
	return nil
}

// Get returns a copy of the entry for dst.
func (s *MemoryStore) Get(dst netip.Addr) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.entries[dst]
	return slices.Clone(b), ok
}

// Writes returns the number of Put calls.
func (s *MemoryStore) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}
