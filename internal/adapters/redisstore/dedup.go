// Package redisstore keeps event dedup keys in Redis so a restarted or
// replicated process does not replay order transitions it already handled.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/anujsainicse/scalper-sub000/internal/ports"
)

const defaultPrefix = "scalper:dedup:"

// DedupStore implements ports.DedupStore with SET NX and a TTL.
type DedupStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewDedupStore wraps an existing client.
func NewDedupStore(client redis.UniversalClient, ttl time.Duration) *DedupStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &DedupStore{client: client, prefix: defaultPrefix, ttl: ttl}
}

// Open connects to the server at url (redis://host:port/db) and verifies it
// answers PING.
func Open(ctx context.Context, url string, ttl time.Duration) (*DedupStore, error) {
	op := "redisstore.Open"

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("%s failed: invalid redis url: %w", op, err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%s failed: %w: %w", op, ports.ErrConnectionFailed, err)
	}
	return NewDedupStore(client, ttl), nil
}

// MarkSeen records key and reports whether this is its first sighting.
func (s *DedupStore) MarkSeen(ctx context.Context, key string) (bool, error) {
	first, err := s.client.SetNX(ctx, s.prefix+key, 1, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SETNX %s: %w", key, err)
	}
	return first, nil
}

// Close releases the underlying client.
func (s *DedupStore) Close() error {
	return s.client.Close()
}
