package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/ruteri/ledger-key-custody/interfaces"
	"github.com/ruteri/ledger-key-custody/metrics"
	"go.uber.org/atomic"
)

const (
	// DefaultTTL is used when Set is called without a TTL.
	DefaultTTL = time.Hour

	// MaxTTL caps the lifetime of a cached entry.
	MaxTTL = time.Hour

	// retiredTTL outlives any entry that could have been written before its
	// hash was retired.
	retiredTTL = 2 * MaxTTL
)

// CacheStats is a snapshot of cache effectiveness.
type CacheStats struct {
	Hits                int64         `json:"hits"`
	Misses              int64         `json:"misses"`
	HitRatio            float64       `json:"hit_ratio"`
	AverageResponseTime time.Duration `json:"average_response_time"`
}

// PublicKeyCache caches registry entries by hash, with an index from
// (account, algorithm) to the current hash.
//
// The cache is an optimization only. Backend failures are logged and
// reported as misses so callers fall back to the store. Retired hashes are
// tombstoned: a late Set of a retired entry is dropped and a Lookup never
// serves one, so staleness can only cost a store read.
type PublicKeyCache struct {
	backend Backend
	log     *slog.Logger

	hits         atomic.Int64
	misses       atomic.Int64
	lookups      atomic.Int64
	totalLatency atomic.Int64 // nanoseconds
}

// NewPublicKeyCache creates a cache on top of the given backend.
func NewPublicKeyCache(backend Backend, log *slog.Logger) *PublicKeyCache {
	return &PublicKeyCache{backend: backend, log: log}
}

func entryKey(hash string) string {
	return "pk:" + hash
}

func indexKey(accountID string, alg interfaces.Algorithm) string {
	return "acct:" + accountID + ":" + alg.String()
}

func retiredKey(hash string) string {
	return "retired:" + hash
}

// Get returns the entry cached under hash.
func (c *PublicKeyCache) Get(ctx context.Context, hash string) (interfaces.RegistryEntry, bool) {
	start := time.Now()
	entry, ok := c.get(ctx, hash)
	c.record(ok, time.Since(start))
	return entry, ok
}

// Lookup resolves the entry for (account, algorithm) through the index.
func (c *PublicKeyCache) Lookup(ctx context.Context, accountID string, alg interfaces.Algorithm) (interfaces.RegistryEntry, bool) {
	start := time.Now()

	hash, err := c.backend.Get(ctx, indexKey(accountID, alg))
	if err != nil {
		c.logBackendError("lookup", err)
		c.record(false, time.Since(start))
		return interfaces.RegistryEntry{}, false
	}

	entry, ok := c.get(ctx, string(hash))
	// An index pointing at a replaced entry is treated as a miss
	if ok && (entry.AccountID != accountID || entry.Algorithm != alg) {
		ok = false
	}
	c.record(ok, time.Since(start))
	return entry, ok
}

// Set caches the entry under hash and points the (account, algorithm) index
// at it. A non-positive ttl means DefaultTTL; ttl is capped at MaxTTL.
// Inactive entries and retired hashes are not cached.
func (c *PublicKeyCache) Set(ctx context.Context, hash string, entry interfaces.RegistryEntry, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ttl = min(ttl, MaxTTL)

	if entry.Status != interfaces.KeyActive {
		return
	}
	if retired, err := c.isRetired(ctx, hash); retired || err != nil {
		return
	}

	data, err := json.Marshal(entry)
	if err != nil {
		c.log.Warn("Failed to encode registry entry for cache", "err", err)
		return
	}

	if err := c.backend.Set(ctx, entryKey(hash), data, ttl); err != nil {
		c.logBackendError("set", err)
		return
	}
	if err := c.backend.Set(ctx, indexKey(entry.AccountID, entry.Algorithm), []byte(hash), ttl); err != nil {
		c.logBackendError("set", err)
	}

	// Retire may have run between the check above and the writes
	if retired, _ := c.isRetired(ctx, hash); retired {
		c.Invalidate(ctx, hash)
	}
}

// Retire tombstones hash and drops its entry. Until the tombstone expires
// the hash is neither cached nor served.
func (c *PublicKeyCache) Retire(ctx context.Context, hash string) {
	if err := c.backend.Set(ctx, retiredKey(hash), []byte{1}, retiredTTL); err != nil {
		c.logBackendError("retire", err)
	}
	c.Invalidate(ctx, hash)
}

// Invalidate removes the entry cached under hash.
func (c *PublicKeyCache) Invalidate(ctx context.Context, hash string) {
	if err := c.backend.Delete(ctx, entryKey(hash)); err != nil {
		c.logBackendError("invalidate", err)
	}
}

// InvalidateAccount removes every cached entry of the account, for all
// algorithms, along with the index entries.
func (c *PublicKeyCache) InvalidateAccount(ctx context.Context, accountID string) {
	var keys []string
	for _, alg := range interfaces.AllAlgorithms() {
		idx := indexKey(accountID, alg)
		keys = append(keys, idx)

		hash, err := c.backend.Get(ctx, idx)
		if err != nil {
			c.logBackendError("invalidate", err)
			continue
		}
		keys = append(keys, entryKey(string(hash)))
	}

	if err := c.backend.Delete(ctx, keys...); err != nil {
		c.logBackendError("invalidate", err)
		return
	}

	c.log.Debug("Invalidated cached keys for account", slog.String("account_id", accountID))
}

// Statistics returns a snapshot of hit/miss counters.
func (c *PublicKeyCache) Statistics() CacheStats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	lookups := c.lookups.Load()

	stats := CacheStats{Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		stats.HitRatio = float64(hits) / float64(total)
	}
	if lookups > 0 {
		stats.AverageResponseTime = time.Duration(c.totalLatency.Load() / lookups)
	}
	return stats
}

// Ping checks the backend.
func (c *PublicKeyCache) Ping(ctx context.Context) error {
	return c.backend.Ping(ctx)
}

func (c *PublicKeyCache) isRetired(ctx context.Context, hash string) (bool, error) {
	_, err := c.backend.Get(ctx, retiredKey(hash))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrCacheMiss):
		return false, nil
	default:
		c.logBackendError("retired", err)
		return false, err
	}
}

func (c *PublicKeyCache) get(ctx context.Context, hash string) (interfaces.RegistryEntry, bool) {
	data, err := c.backend.Get(ctx, entryKey(hash))
	if err != nil {
		c.logBackendError("get", err)
		return interfaces.RegistryEntry{}, false
	}

	var entry interfaces.RegistryEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.log.Warn("Dropping undecodable cache entry", slog.String("hash", hash), "err", err)
		c.Invalidate(ctx, hash)
		return interfaces.RegistryEntry{}, false
	}
	if entry.Status != interfaces.KeyActive {
		return interfaces.RegistryEntry{}, false
	}
	if retired, err := c.isRetired(ctx, hash); retired || err != nil {
		return interfaces.RegistryEntry{}, false
	}
	return entry, true
}

func (c *PublicKeyCache) record(hit bool, elapsed time.Duration) {
	c.lookups.Inc()
	c.totalLatency.Add(int64(elapsed))
	metrics.CacheLatency.Observe(elapsed.Seconds())

	if hit {
		c.hits.Inc()
		metrics.CacheRequestsTotal.WithLabelValues("hit").Inc()
		return
	}
	c.misses.Inc()
	metrics.CacheRequestsTotal.WithLabelValues("miss").Inc()
}

func (c *PublicKeyCache) logBackendError(op string, err error) {
	if errors.Is(err, ErrCacheMiss) {
		return
	}
	metrics.CacheRequestsTotal.WithLabelValues("error").Inc()
	c.log.Warn("Public key cache backend error", slog.String("operation", op), "err", err)
}
