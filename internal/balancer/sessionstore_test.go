package balancer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySessionStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("put and get", func(t *testing.T) {
		t.Parallel()

		s := NewMemorySessionStore()
		require.NoError(t, s.Put(ctx, "api", "k1", "inst-a", time.Hour))

		id, ok, err := s.Get(ctx, "api", "k1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "inst-a", id)
	})

	t.Run("missing keys", func(t *testing.T) {
		t.Parallel()

		s := NewMemorySessionStore()

		_, ok, err := s.Get(ctx, "api", "missing")
		require.NoError(t, err)
		assert.False(t, ok)

		_, ok, err = s.Get(ctx, "missing-service", "k")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("fixed expiry set at creation", func(t *testing.T) {
		t.Parallel()

		now := time.Now()
		clock := now
		s := NewMemorySessionStore(WithClock(func() time.Time { return clock }))

		require.NoError(t, s.Put(ctx, "api", "k1", "inst-a", time.Minute))

		// Lookups do not refresh the TTL.
		clock = now.Add(30 * time.Second)
		_, ok, err := s.Get(ctx, "api", "k1")
		require.NoError(t, err)
		assert.True(t, ok)

		clock = now.Add(time.Minute)
		_, ok, err = s.Get(ctx, "api", "k1")
		require.NoError(t, err)
		assert.False(t, ok)

		// Lazy expiry removed the entry.
		assert.Equal(t, 0, s.Len("api"))
	})

	t.Run("overwrite resets the expiry", func(t *testing.T) {
		t.Parallel()

		now := time.Now()
		clock := now
		s := NewMemorySessionStore(WithClock(func() time.Time { return clock }))

		require.NoError(t, s.Put(ctx, "api", "k1", "inst-a", time.Minute))
		clock = now.Add(50 * time.Second)
		require.NoError(t, s.Put(ctx, "api", "k1", "inst-b", time.Minute))

		clock = now.Add(100 * time.Second)
		id, ok, err := s.Get(ctx, "api", "k1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "inst-b", id)
	})

	t.Run("delete", func(t *testing.T) {
		t.Parallel()

		s := NewMemorySessionStore()
		require.NoError(t, s.Put(ctx, "api", "k1", "inst-a", time.Hour))
		require.NoError(t, s.Delete(ctx, "api", "k1"))
		require.NoError(t, s.Delete(ctx, "api", "k1")) // idempotent

		_, ok, err := s.Get(ctx, "api", "k1")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("delete by instance", func(t *testing.T) {
		t.Parallel()

		s := NewMemorySessionStore()
		require.NoError(t, s.Put(ctx, "api", "k1", "inst-a", time.Hour))
		require.NoError(t, s.Put(ctx, "api", "k2", "inst-b", time.Hour))
		require.NoError(t, s.Put(ctx, "api", "k3", "inst-a", time.Hour))

		require.NoError(t, s.DeleteByInstance(ctx, "api", "inst-a"))

		_, ok, _ := s.Get(ctx, "api", "k1")
		assert.False(t, ok)
		_, ok, _ = s.Get(ctx, "api", "k3")
		assert.False(t, ok)
		id, ok, _ := s.Get(ctx, "api", "k2")
		assert.True(t, ok)
		assert.Equal(t, "inst-b", id)
	})

	t.Run("delete service", func(t *testing.T) {
		t.Parallel()

		s := NewMemorySessionStore()
		require.NoError(t, s.Put(ctx, "api", "k1", "inst-a", time.Hour))
		require.NoError(t, s.Put(ctx, "web", "k1", "inst-b", time.Hour))

		require.NoError(t, s.DeleteService(ctx, "api"))

		assert.Equal(t, 0, s.Len("api"))
		assert.Equal(t, 1, s.Len("web"))
	})

	t.Run("services are isolated", func(t *testing.T) {
		t.Parallel()

		s := NewMemorySessionStore()
		require.NoError(t, s.Put(ctx, "api", "k1", "inst-a", time.Hour))
		require.NoError(t, s.Put(ctx, "web", "k1", "inst-b", time.Hour))

		id, ok, _ := s.Get(ctx, "api", "k1")
		require.True(t, ok)
		assert.Equal(t, "inst-a", id)

		id, ok, _ = s.Get(ctx, "web", "k1")
		require.True(t, ok)
		assert.Equal(t, "inst-b", id)
	})

	t.Run("close is a no-op", func(t *testing.T) {
		t.Parallel()

		s := NewMemorySessionStore()
		assert.NoError(t, s.Close())
	})
}
