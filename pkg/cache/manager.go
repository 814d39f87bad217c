package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrStale is returned together with an expired entry that can still be
	// revalidated with a conditional request.
	ErrStale = errors.New("stale cache entry")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// StaleRetention is how long an expired but revalidatable entry is kept.
const StaleRetention = 24 * time.Hour

// Manager stores image entries as Redis hashes, one per key.
type Manager struct {
	redis *redis.Client
}

// NewManager creates a new cache manager with Redis backend.
func NewManager(redisClient *redis.Client) *Manager {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &Manager{
		redis: redisClient,
	}
}

// Get retrieves a cache entry by key.
// Returns ErrCacheMiss if the key doesn't exist. An expired entry that
// carries validators is returned together with ErrStale.
func (m *Manager) Get(ctx context.Context, key CacheKey) (*CacheEntry, error) {
	h, err := m.redis.HGetAll(ctx, key.String()).Result()
	if err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(h) == 0 {
		CacheMisses.WithLabelValues("absent").Inc()
		return nil, ErrCacheMiss
	}

	entry, err := entryFromHash(h)
	if err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		_ = m.Delete(ctx, key)
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	if entry.IsExpired() {
		if entry.CanRevalidate() {
			CacheMisses.WithLabelValues("stale").Inc()
			return entry, ErrStale
		}
		CacheMisses.WithLabelValues("expired").Inc()
		_ = m.Delete(ctx, key)
		return nil, ErrCacheMiss
	}

	CacheHits.Inc()
	return entry, nil
}

// Set stores a cache entry, replacing any previous one. The key expires at
// entry.Expires, extended by StaleRetention when the entry can be
// revalidated later. Entries that are already dead are not written.
func (m *Manager) Set(ctx context.Context, key CacheKey, entry *CacheEntry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	deadline := entry.Expires
	if entry.CanRevalidate() {
		deadline = deadline.Add(StaleRetention)
	}
	if !deadline.After(time.Now()) {
		return nil
	}

	k := key.String()
	pipe := m.redis.TxPipeline()
	pipe.Del(ctx, k)
	pipe.HSet(ctx, k, entry.fields())
	pipe.ExpireAt(ctx, k, deadline)
	if _, err := pipe.Exec(ctx); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis hset: %w", err)
	}

	StoredBytes.Add(float64(len(entry.Data)))
	return nil
}

// Delete removes a cache entry.
func (m *Manager) Delete(ctx context.Context, key CacheKey) error {
	if err := m.redis.Del(ctx, key.String()).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Refresh marks a stale entry fresh until newExpires after a 304 Not
// Modified response. Only the timestamps are rewritten while the hash
// exists; if it expired or was evicted meanwhile, the whole entry is
// written back from entry.
func (m *Manager) Refresh(ctx context.Context, key CacheKey, entry *CacheEntry, newExpires time.Time) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	now := time.Now()
	deadline := newExpires
	if entry.CanRevalidate() {
		deadline = deadline.Add(StaleRetention)
	}

	refreshed := *entry
	refreshed.Expires = newExpires
	refreshed.CachedAt = now

	k := key.String()
	err := m.redis.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, k).Result()
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if n == 0 {
				pipe.HSet(ctx, k, refreshed.fields())
			} else {
				pipe.HSet(ctx, k,
					fieldExpires, newExpires.UnixNano(),
					fieldCachedAt, now.UnixNano(),
				)
			}
			pipe.ExpireAt(ctx, k, deadline)
			return nil
		})
		return err
	}, k)
	if err != nil {
		CacheErrors.WithLabelValues("refresh").Inc()
		return fmt.Errorf("redis refresh: %w", err)
	}

	entry.Expires = newExpires
	entry.CachedAt = now
	Revalidated.Inc()
	return nil
}
