package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// DefaultRetention is how long an entry stays in Redis after it goes stale.
const DefaultRetention = 24 * time.Hour

// Manager stores TVMaze responses in Redis.
type Manager struct {
	redis     *redis.Client
	retention time.Duration
}

// NewManager creates a cache manager. Stale entries are kept for retention so they can
// be revalidated; zero means DefaultRetention.
func NewManager(redisClient *redis.Client, retention time.Duration) *Manager {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Manager{
		redis:     redisClient,
		retention: retention,
	}
}

// Get retrieves a cache entry by key. Stale entries are returned too; check
// Entry.IsExpired before serving one without revalidation.
// Returns ErrCacheMiss if the key doesn't exist.
func (m *Manager) Get(ctx context.Context, key Key) (*Entry, error) {
	data, err := m.redis.Get(ctx, key.String()).Bytes()
	if err != nil {
		if err == redis.Nil {
			CacheMisses.Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		_ = m.Delete(ctx, key)
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	if entry.IsExpired() {
		CacheHits.WithLabelValues("stale").Inc()
	} else {
		CacheHits.WithLabelValues("fresh").Inc()
	}
	return &entry, nil
}

// Set stores a cache entry until retention past its Expires time.
func (m *Manager) Set(ctx context.Context, key Key, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := m.redis.Set(ctx, key.String(), data, entry.TTL()+m.retention).Err(); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	CacheWrites.Inc()
	CacheEntryBytes.Observe(float64(len(data)))
	return nil
}

// Delete removes a cache entry.
func (m *Manager) Delete(ctx context.Context, key Key) error {
	if err := m.redis.Del(ctx, key.String()).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Refresh marks entry fresh until newExpires and stores it again. Used after a
// 304 Not Modified response.
func (m *Manager) Refresh(ctx context.Context, key Key, entry *Entry, newExpires time.Time) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}
	entry.Expires = newExpires
	return m.Set(ctx, key, entry)
}
