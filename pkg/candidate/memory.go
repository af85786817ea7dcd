package candidate

import (
	"context"
	"fmt"
	"sync"

	"github.com/Loopgate-Labs/loopgate/pkg/contracts"
)

// MemoryStore is the in-process Store adapter.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]contracts.Candidate
	byHash map[contracts.ContentHash]contracts.Candidate
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]contracts.Candidate),
		byHash: make(map[contracts.ContentHash]contracts.Candidate),
	}
}

func (s *MemoryStore) Put(ctx context.Context, c contracts.Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byHash[c.ContentHash]; ok && existing.ID != c.ID {
		return fmt.Errorf("hash %s already recorded as %s: %w",
			c.ContentHash, existing.ID, contracts.ErrImmutable)
	}
	if _, ok := s.byID[c.ID]; ok {
		return fmt.Errorf("candidate %s: %w", c.ID, contracts.ErrImmutable)
	}
	s.byID[c.ID] = c
	s.byHash[c.ContentHash] = c
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (contracts.Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.byID[id]
	if !ok {
		return contracts.Candidate{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return c, nil
}

func (s *MemoryStore) GetByHash(ctx context.Context, hash contracts.ContentHash) (contracts.Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.byHash[hash]
	if !ok {
		return contracts.Candidate{}, fmt.Errorf("%s: %w", hash, ErrNotFound)
	}
	return c, nil
}
