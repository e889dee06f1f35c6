package kv

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize bounds the per-label read cache.
const DefaultCacheSize = 256

// CachingStoreManager layers a write-through LRU read cache over another
// manager. All mutations for a label go through that label's lock, so reads
// through the cache are linearizable with writes made in this process.
// Writes made by other processes against the same backend are not observed
// until the cached entry is evicted.
type CachingStoreManager struct {
	inner     StoreManager
	cacheSize int

	mu     sync.Mutex
	labels map[string]*cachingStore
}

// NewCachingStoreManager wraps inner with a read cache of cacheSize entries
// per label. A non-positive cacheSize uses DefaultCacheSize.
func NewCachingStoreManager(inner StoreManager, cacheSize int) *CachingStoreManager {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	return &CachingStoreManager{
		inner:     inner,
		cacheSize: cacheSize,
		labels:    make(map[string]*cachingStore),
	}
}

// Get implements StoreManager. Stores for the same label share one cache and
// one lock.
func (c *CachingStoreManager) Get(ctx context.Context, label string) (Store, error) {
	inner, err := c.inner.Get(ctx, label)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	store, ok := c.labels[label]
	if !ok {
		cache, err := lru.New[string, cacheEntry](c.cacheSize)
		if err != nil {
			return nil, IOError(err)
		}
		// inner is fixed at creation; later Gets for the label return the
		// same store, so it is only ever read under the store's own lock.
		store = &cachingStore{inner: inner, cache: cache}
		c.labels[label] = store
	}
	return store, nil
}

// Summary implements StoreManager.
func (c *CachingStoreManager) Summary(label string) string {
	return c.inner.Summary(label) + " (cached)"
}

// cacheEntry caches a value or, with present=false, a confirmed absence.
type cacheEntry struct {
	value   []byte
	present bool
}

type cachingStore struct {
	mu    sync.Mutex
	inner Store
	cache *lru.Cache[string, cacheEntry]
}

func (s *cachingStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.cache.Get(key); ok {
		if !entry.present {
			return nil, false, nil
		}
		out := make([]byte, len(entry.value))
		copy(out, entry.value)
		return out, true, nil
	}

	value, present, err := s.inner.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	s.cache.Add(key, cacheEntry{value: value, present: present})
	if !present {
		return nil, false, nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, true, nil
}

func (s *cachingStore) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.inner.Set(ctx, key, value); err != nil {
		return err
	}
	owned := make([]byte, len(value))
	copy(owned, value)
	s.cache.Add(key, cacheEntry{value: owned, present: true})
	return nil
}

func (s *cachingStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.inner.Delete(ctx, key); err != nil {
		return err
	}
	s.cache.Add(key, cacheEntry{present: false})
	return nil
}

func (s *cachingStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.cache.Get(key); ok {
		return entry.present, nil
	}
	return s.inner.Exists(ctx, key)
}

// GetKeys always reads through; the cache cannot enumerate the backend.
func (s *cachingStore) GetKeys(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.GetKeys(ctx)
}
