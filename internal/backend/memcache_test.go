package backend

import (
	"context"
	"testing"
	"time"

	"github.com/lifeguard-sh/lifeguard/internal/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemcache_Lifecycle(t *testing.T) {
	ctx := context.Background()
	cache := NewMemcache(0, time.Minute)

	require.NoError(t, cache.Initialize(ctx))

	// Not usable before Connect.
	require.Error(t, cache.Set("k", []byte("v"), 0))
	_, err := cache.CheckHealth(ctx)
	require.Error(t, err)

	require.NoError(t, cache.Connect(ctx))

	report, err := cache.CheckHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, resource.HealthHealthy, report.Health)

	require.NoError(t, cache.Disconnect(ctx))
	_, ok := cache.Get("lifeguard.canary")
	assert.False(t, ok)
}

func TestMemcache_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	cache := NewMemcache(0, time.Minute)
	require.NoError(t, cache.Connect(ctx))

	require.NoError(t, cache.Set("short", []byte("v"), 10*time.Millisecond))
	value, ok := cache.Get("short")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), value)

	time.Sleep(20 * time.Millisecond)
	_, ok = cache.Get("short")
	assert.False(t, ok, "expired entry must not be returned")
	assert.Equal(t, 0, cache.Len())

	require.NoError(t, cache.Set("gone", []byte("v"), 0))
	cache.Delete("gone")
	_, ok = cache.Get("gone")
	assert.False(t, ok)
}

func TestMemcache_FullRejectsNewKeys(t *testing.T) {
	ctx := context.Background()
	cache := NewMemcache(2, time.Minute)
	require.NoError(t, cache.Connect(ctx))

	require.NoError(t, cache.Set("a", []byte("1"), 0))
	require.NoError(t, cache.Set("b", []byte("2"), 0))

	// Overwriting an existing key is always allowed.
	require.NoError(t, cache.Set("a", []byte("3"), 0))
	require.Error(t, cache.Set("c", []byte("4"), 0))

	// Expired entries free capacity.
	require.NoError(t, cache.Set("b", []byte("2"), 5*time.Millisecond))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, cache.Set("c", []byte("4"), 0))
}

func TestMemcache_CleanupClears(t *testing.T) {
	ctx := context.Background()
	cache := NewMemcache(0, time.Minute)
	require.NoError(t, cache.Connect(ctx))
	require.NoError(t, cache.Set("k", []byte("v"), 0))

	require.NoError(t, cache.Cleanup(ctx))
	_, ok := cache.Get("k")
	assert.False(t, ok)
}
