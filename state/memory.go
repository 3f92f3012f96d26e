package state

import (
	"context"
	"sync"

	"github.com/dedis/bestoffer/address"
)

// MemoryStore keeps records in a map. Safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[address.ID][]byte
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[address.ID][]byte)}
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key address.ID) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	// copy so callers cannot mutate the stored record
	return append([]byte{}, buf...), nil
}

// Apply implements Store.
func (s *MemoryStore) Apply(ctx context.Context, b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := b.Check(func(key address.ID) (bool, error) {
		_, ok := s.records[key]
		return ok, nil
	})
	if err != nil {
		return err
	}
	for _, w := range b.Writes() {
		s.records[w.Key] = append([]byte{}, w.Value...)
	}
	return nil
}

// Len returns the number of records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
