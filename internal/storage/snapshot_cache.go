package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marketing-sync/internal/upstream"
)

// SnapshotCache stores the last successful upstream fetch per query in Redis
// so rate-limited calls can be served from cache. Entries expire after the
// configured TTL; a missing entry is simply a cache miss, never an error.
type SnapshotCache struct {
	cache *RedisCache
	ttl   time.Duration
}

// NewSnapshotCache creates a snapshot cache with the given entry lifetime.
func NewSnapshotCache(cache *RedisCache, ttl time.Duration) *SnapshotCache {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &SnapshotCache{cache: cache, ttl: ttl}
}

// Put stores the records for a query key, replacing any prior snapshot.
func (s *SnapshotCache) Put(ctx context.Context, key string, records []upstream.Record) error {
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	if err := s.cache.Set(ctx, key, data, s.ttl); err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}

	return nil
}

// Get retrieves the snapshot for a query key. The second return value is
// false on a cache miss.
func (s *SnapshotCache) Get(ctx context.Context, key string) ([]upstream.Record, bool, error) {
	data, err := s.cache.Get(ctx, key)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var records []upstream.Record
	if err := json.Unmarshal([]byte(data), &records); err != nil {
		return nil, false, fmt.Errorf("failed to decode snapshot: %w", err)
	}

	return records, true, nil
}
