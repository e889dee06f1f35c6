package kv

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisStoreManager serves stores from a Redis server. Keys are namespaced
// per label so stores backed by the same server stay disjoint.
type RedisStoreManager struct {
	url string

	once   sync.Once
	client *redis.Client
	err    error
}

// NewRedisStoreManager creates a manager for the Redis server at url
// ("redis://host:port/db"). The connection is established lazily.
func NewRedisStoreManager(url string) (*RedisStoreManager, error) {
	if url == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	return &RedisStoreManager{url: url}, nil
}

func (m *RedisStoreManager) open() (*redis.Client, error) {
	m.once.Do(func() {
		opts, err := redis.ParseURL(m.url)
		if err != nil {
			m.err = fmt.Errorf("invalid redis url: %w", err)
			return
		}
		m.client = redis.NewClient(opts)
	})
	return m.client, m.err
}

// Get implements StoreManager.
func (m *RedisStoreManager) Get(_ context.Context, label string) (Store, error) {
	client, err := m.open()
	if err != nil {
		return nil, IOError(err)
	}
	return &redisStore{client: client, prefix: label + ":"}, nil
}

// Summary implements StoreManager.
func (m *RedisStoreManager) Summary(string) string { return "redis store" }

// Close closes the client if it was opened.
func (m *RedisStoreManager) Close() error {
	if m.client != nil {
		return m.client.Close()
	}
	return nil
}

type redisStore struct {
	client *redis.Client
	prefix string
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, IOError(err)
	}
	return value, true, nil
}

func (s *redisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.prefix+key, value, 0).Err(); err != nil {
		return IOError(err)
	}
	return nil
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return IOError(err)
	}
	return nil
}

func (s *redisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+key).Result()
	if err != nil {
		return false, IOError(err)
	}
	return n > 0, nil
}

func (s *redisStore) GetKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(s.prefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, IOError(err)
	}
	return keys, nil
}
