package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	ok, err := s.IsProcessed(ctx, "billing", "evt-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.MarkProcessed(ctx, "billing", "evt-1"))

	ok, err = s.IsProcessed(ctx, "billing", "evt-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.IsProcessed(ctx, "audit", "evt-1")
	require.NoError(t, err)
	assert.False(t, ok, "scopes are independent")

	now = now.Add(2 * time.Minute)
	ok, err = s.IsProcessed(ctx, "billing", "evt-1")
	require.NoError(t, err)
	assert.False(t, ok, "marker expired")
	assert.Equal(t, 0, s.Len())
}

func TestNewMemoryStore_DefaultTTL(t *testing.T) {
	assert.Equal(t, DefaultTTL, NewMemoryStore(0).ttl)
}

func newRedisStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, "", ttl), mr
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t, time.Hour)

	ok, err := s.IsProcessed(ctx, "billing", "evt-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.MarkProcessed(ctx, "billing", "evt-1"))

	ok, err = s.IsProcessed(ctx, "billing", "evt-1")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.True(t, mr.Exists("eventbus:processed:billing:evt-1"))
	assert.Equal(t, time.Hour, mr.TTL("eventbus:processed:billing:evt-1"))

	mr.FastForward(2 * time.Hour)
	ok, err = s.IsProcessed(ctx, "billing", "evt-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_ConnectionError(t *testing.T) {
	s, mr := newRedisStore(t, time.Hour)
	mr.Close()

	_, err := s.IsProcessed(context.Background(), "billing", "evt-1")
	assert.Error(t, err)
	assert.Error(t, s.MarkProcessed(context.Background(), "billing", "evt-1"))
}

func TestNewRedisStoreFromURL(t *testing.T) {
	mr := miniredis.RunT(t)

	s, err := NewRedisStoreFromURL(context.Background(), "redis://"+mr.Addr(), "x:", 0)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, DefaultTTL, s.ttl)

	_, err = NewRedisStoreFromURL(context.Background(), "::bad", "", 0)
	assert.Error(t, err)
}
