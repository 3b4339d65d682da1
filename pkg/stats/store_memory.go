package stats

import (
	"context"
	"sync"
)

type MemoryStore struct {
	mu       sync.Mutex
	counters Counters
}

var _ Store = &MemoryStore{}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Get(context.Context) (Counters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters, nil
}

func (s *MemoryStore) Add(_ context.Context, kind Kind, n int64) (int64, error) {
	if _, err := ParseKind(string(kind)); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var v int64
	switch kind {
	case KindText:
		v = s.counters.TextFiltered + n
	case KindImages:
		v = s.counters.ImagesFiltered + n
	}
	s.counters.set(kind, v)
	return v, nil
}

func (s *MemoryStore) Reset(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters = Counters{}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
