package usage

import (
	"context"
	"sync"
)

type counterKey struct {
	classroomID string
	month       string
}

// MemoryStore keeps counters and quotas in process memory. It implements
// CounterStore and QuotaStore and is used for single-process deployments and
// tests.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[counterKey]Counter
	quotas   map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[counterKey]Counter),
		quotas:   make(map[string]int64),
	}
}

func (s *MemoryStore) Get(_ context.Context, classroomID, month string) (Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[counterKey{classroomID, month}], nil
}

func (s *MemoryStore) Increment(_ context.Context, classroomID, month string, delta Counter) (Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := counterKey{classroomID, month}
	c := s.counters[key]
	c.Add(delta)
	s.counters[key] = c
	return c, nil
}

func (s *MemoryStore) QuotaCents(_ context.Context, classroomID string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cents, ok := s.quotas[classroomID]
	return cents, ok, nil
}

// SetQuotaCents sets an explicit quota for classroomID.
func (s *MemoryStore) SetQuotaCents(_ context.Context, classroomID string, cents int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotas[classroomID] = cents
	return nil
}
