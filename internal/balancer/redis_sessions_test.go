package balancer

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisSessionStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisSessionStoreWithClient(client, ""), mr
}

func TestRedisSessionStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("put and get", func(t *testing.T) {
		t.Parallel()

		s, _ := newTestRedisStore(t)
		require.NoError(t, s.Put(ctx, "api", "k1", "inst-a", time.Hour))

		id, ok, err := s.Get(ctx, "api", "k1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "inst-a", id)
	})

	t.Run("missing key", func(t *testing.T) {
		t.Parallel()

		s, _ := newTestRedisStore(t)

		_, ok, err := s.Get(ctx, "api", "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("entries expire via redis ttl", func(t *testing.T) {
		t.Parallel()

		s, mr := newTestRedisStore(t)
		require.NoError(t, s.Put(ctx, "api", "k1", "inst-a", time.Minute))

		mr.FastForward(time.Minute + time.Second)

		_, ok, err := s.Get(ctx, "api", "k1")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("delete", func(t *testing.T) {
		t.Parallel()

		s, _ := newTestRedisStore(t)
		require.NoError(t, s.Put(ctx, "api", "k1", "inst-a", time.Hour))
		require.NoError(t, s.Delete(ctx, "api", "k1"))

		_, ok, err := s.Get(ctx, "api", "k1")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("delete by instance", func(t *testing.T) {
		t.Parallel()

		s, _ := newTestRedisStore(t)
		require.NoError(t, s.Put(ctx, "api", "k1", "inst-a", time.Hour))
		require.NoError(t, s.Put(ctx, "api", "k2", "inst-b", time.Hour))
		require.NoError(t, s.Put(ctx, "api", "k3", "inst-a", time.Hour))

		require.NoError(t, s.DeleteByInstance(ctx, "api", "inst-a"))

		_, ok, _ := s.Get(ctx, "api", "k1")
		assert.False(t, ok)
		_, ok, _ = s.Get(ctx, "api", "k3")
		assert.False(t, ok)

		id, ok, err := s.Get(ctx, "api", "k2")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "inst-b", id)
	})

	t.Run("delete service leaves other services alone", func(t *testing.T) {
		t.Parallel()

		s, _ := newTestRedisStore(t)
		require.NoError(t, s.Put(ctx, "api", "k1", "inst-a", time.Hour))
		require.NoError(t, s.Put(ctx, "web", "k1", "inst-b", time.Hour))

		require.NoError(t, s.DeleteService(ctx, "api"))

		_, ok, _ := s.Get(ctx, "api", "k1")
		assert.False(t, ok)

		id, ok, err := s.Get(ctx, "web", "k1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "inst-b", id)
	})

	t.Run("close is idempotent", func(t *testing.T) {
		t.Parallel()

		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		s := NewRedisSessionStoreWithClient(client, "test:")

		assert.NoError(t, s.Close())
		assert.NoError(t, s.Close())
	})
}

func TestNewRedisSessionStore(t *testing.T) {
	t.Parallel()

	t.Run("connects to a reachable server", func(t *testing.T) {
		t.Parallel()

		mr := miniredis.RunT(t)
		cfg := DefaultRedisSessionConfig()
		cfg.Address = mr.Addr()

		s, err := NewRedisSessionStore(cfg)
		require.NoError(t, err)
		defer func() { _ = s.Close() }()

		ctx := context.Background()
		require.NoError(t, s.Put(ctx, "api", "k1", "inst-a", time.Hour))
		id, ok, err := s.Get(ctx, "api", "k1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "inst-a", id)
	})

	t.Run("fails fast on unreachable server", func(t *testing.T) {
		t.Parallel()

		cfg := DefaultRedisSessionConfig()
		cfg.Address = "127.0.0.1:1"
		cfg.DialTimeout = 100 * time.Millisecond

		_, err := NewRedisSessionStore(cfg)
		assert.Error(t, err)
	})
}
