package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps markers in Redis so they are shared between processes.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a RedisStore. Keys are "<prefix><scope>:<eventID>".
func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "eventbus:processed:"
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// NewRedisStoreFromURL connects to redis://... and verifies the connection.
func NewRedisStoreFromURL(ctx context.Context, url, prefix string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisStore(client, prefix, ttl), nil
}

// IsProcessed reports whether the marker key exists.
func (s *RedisStore) IsProcessed(ctx context.Context, scope, eventID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+key(scope, eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency: checking %s: %w", eventID, err)
	}
	return n > 0, nil
}

// MarkProcessed sets the marker key with the store TTL.
func (s *RedisStore) MarkProcessed(ctx context.Context, scope, eventID string) error {
	if err := s.client.Set(ctx, s.prefix+key(scope, eventID), 1, s.ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: marking %s: %w", eventID, err)
	}
	return nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
