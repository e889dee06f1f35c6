package kv

import (
	"context"
	"sync"
)

// MemoryStoreManager serves stores from process memory. Contents do not
// survive a restart; it backs the default label when no runtime config is
// supplied.
type MemoryStoreManager struct {
	mu     sync.Mutex
	stores map[string]*memoryStore
}

// NewMemoryStoreManager creates an empty in-memory manager.
func NewMemoryStoreManager() *MemoryStoreManager {
	return &MemoryStoreManager{stores: make(map[string]*memoryStore)}
}

// Get implements StoreManager. Every label exists; stores are created on
// first open and shared by all instances afterwards.
func (m *MemoryStoreManager) Get(_ context.Context, label string) (Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	store, ok := m.stores[label]
	if !ok {
		store = &memoryStore{data: make(map[string][]byte)}
		m.stores[label] = store
	}
	return store, nil
}

// Summary implements StoreManager.
func (m *MemoryStoreManager) Summary(string) string { return "in-memory store" }

type memoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func (s *memoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, true, nil
}

func (s *memoryStore) Set(_ context.Context, key string, value []byte) error {
	owned := make([]byte, len(value))
	copy(owned, value)
	s.mu.Lock()
	s.data[key] = owned
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[key]
	return ok, nil
}

func (s *memoryStore) GetKeys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys, nil
}
