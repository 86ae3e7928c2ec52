package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryBackend keeps entries in process memory. Expired entries are purged
// every cleanupInterval.
type MemoryBackend struct {
	c *gocache.Cache
}

// NewMemoryBackend creates an in-process backend.
func NewMemoryBackend(defaultTTL, cleanupInterval time.Duration) *MemoryBackend {
	return &MemoryBackend{c: gocache.New(defaultTTL, cleanupInterval)}
}

func (m *MemoryBackend) Get(ctx context.Context, key string) ([]byte, error) {
	v, ok := m.c.Get(key)
	if !ok {
		return nil, ErrCacheMiss
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, ErrCacheMiss
	}
	return b, nil
}

func (m *MemoryBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.c.Set(key, append([]byte(nil), value...), ttl)
	return nil
}

func (m *MemoryBackend) Delete(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		m.c.Delete(k)
	}
	return nil
}

func (m *MemoryBackend) Ping(ctx context.Context) error { return nil }

// Len returns the number of stored items, including expired ones not yet purged.
func (m *MemoryBackend) Len() int { return m.c.ItemCount() }
