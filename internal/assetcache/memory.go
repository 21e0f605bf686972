package assetcache

import (
	"context"
	"slices"
	"sync"
)

// MemoryStorage keeps stores in process memory. Stores vanish with the process.
type MemoryStorage struct {
	mu     sync.RWMutex
	stores map[string]*memoryStore
	closed bool
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{stores: make(map[string]*memoryStore)}
}

func (s *MemoryStorage) Open(_ context.Context, name string) (Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStorageClosed
	}
	st, ok := s.stores[name]
	if !ok {
		st = &memoryStore{entries: make(map[string]*Entry)}
		s.stores[name] = st
	}
	return st, nil
}

func (s *MemoryStorage) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStorageClosed
	}
	names := make([]string, 0, len(s.stores))
	for name := range s.stores {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (s *MemoryStorage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStorageClosed
	}
	_, ok := s.stores[name]
	delete(s.stores, name)
	return ok, nil
}

func (s *MemoryStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.stores = nil
	return nil
}

type memoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func (m *memoryStore) Match(_ context.Context, key string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	return e.clone(), nil
}

func (m *memoryStore) Put(_ context.Context, key string, e *Entry) error {
	stored := e.clone()
	stored.Key = key
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = stored
	return nil
}
