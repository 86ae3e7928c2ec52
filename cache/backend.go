package cache

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss is returned by backends when a key is absent or expired.
var ErrCacheMiss = errors.New("cache miss")

// Backend is a byte-oriented key/value store with per-key TTL.
type Backend interface {
	// Get returns the value or ErrCacheMiss.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
}
