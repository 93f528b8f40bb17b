package cachemanager

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClockedMemoryTier(capacity int) (*MemoryTier, *fakeClock) {
	clock := newFakeClock()
	m := NewMemoryTier(capacity, time.Minute)
	m.now = clock.Now
	return m, clock
}

func TestMemoryTier_BasicOperations(t *testing.T) {
	ctx := context.Background()
	m, _ := newClockedMemoryTier(100)

	require.NoError(t, m.Set(ctx, "key1", "value1", time.Hour))

	entry, ok, err := m.Get(ctx, "key1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "value1", entry.Value)
	assert.EqualValues(t, 1, entry.GetAccessCount())

	_, ok, err = m.Get(ctx, "nonexistent")
	require.NoError(t, err)
	assert.False(t, ok)

	deleted, err := m.Delete(ctx, "key1")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = m.Delete(ctx, "key1")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestMemoryTier_TTLExpiration(t *testing.T) {
	ctx := context.Background()
	m, clock := newClockedMemoryTier(100)

	require.NoError(t, m.Set(ctx, "short", "v", 50*time.Millisecond))
	require.NoError(t, m.Set(ctx, "forever", "v", 0))

	_, ok, _ := m.Get(ctx, "short")
	assert.True(t, ok, "key should exist immediately after set")

	clock.Advance(100 * time.Millisecond)

	_, ok, _ = m.Get(ctx, "short")
	assert.False(t, ok, "key should be expired")

	clock.Advance(1000 * time.Hour)
	_, ok, _ = m.Get(ctx, "forever")
	assert.True(t, ok, "ttl 0 never expires")

	assert.EqualValues(t, 1, m.Stats(ctx).Expired)
}

func TestMemoryTier_LRUEviction(t *testing.T) {
	ctx := context.Background()
	m, _ := newClockedMemoryTier(5)

	for i := 0; i < 6; i++ {
		require.NoError(t, m.Set(ctx, fmt.Sprintf("key%d", i), i, time.Hour))
	}

	assert.Equal(t, 5, m.Size())
	assert.False(t, m.Contains("key0"), "oldest untouched key is evicted")
	for i := 1; i < 6; i++ {
		assert.True(t, m.Contains(fmt.Sprintf("key%d", i)))
	}
	assert.EqualValues(t, 1, m.Stats(ctx).Evictions)
}

func TestMemoryTier_LRUEvictionRespectsAccess(t *testing.T) {
	ctx := context.Background()
	m, _ := newClockedMemoryTier(3)

	require.NoError(t, m.Set(ctx, "key1", 1, time.Hour))
	require.NoError(t, m.Set(ctx, "key2", 2, time.Hour))
	require.NoError(t, m.Set(ctx, "key3", 3, time.Hour))

	_, _, _ = m.Get(ctx, "key1")
	require.NoError(t, m.Set(ctx, "key4", 4, time.Hour))

	assert.True(t, m.Contains("key1"))
	assert.False(t, m.Contains("key2"))
	assert.True(t, m.Contains("key3"))
	assert.Equal(t, []string{"key4", "key1", "key3"}, m.Keys())
}

func TestMemoryTier_OverwriteDoesNotEvict(t *testing.T) {
	ctx := context.Background()
	m, _ := newClockedMemoryTier(2)

	require.NoError(t, m.Set(ctx, "a", 1, time.Hour))
	require.NoError(t, m.Set(ctx, "b", 2, time.Hour))
	require.NoError(t, m.Set(ctx, "a", 10, time.Hour))

	assert.Equal(t, 2, m.Size())
	entry, ok, _ := m.Get(ctx, "a")
	require.True(t, ok)
	assert.Equal(t, 10, entry.Value)
	assert.EqualValues(t, 0, m.Stats(ctx).Evictions)
}

func TestMemoryTier_PatternDelete(t *testing.T) {
	ctx := context.Background()
	m, _ := newClockedMemoryTier(100)

	for _, k := range []string{"user:1:profile", "user:1:settings", "user:2:profile", "product:1"} {
		require.NoError(t, m.Set(ctx, k, k, time.Hour))
	}

	n, err := m.DeletePattern(ctx, "user:1:*")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, m.Contains("user:2:profile"))
	assert.True(t, m.Contains("product:1"))

	n, err = m.DeletePattern(ctx, "*:profile")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = m.DeletePattern(ctx, "")
	assert.Error(t, err)
}

func TestMemoryTier_CleanupExpired(t *testing.T) {
	ctx := context.Background()
	m, clock := newClockedMemoryTier(100)

	require.NoError(t, m.Set(ctx, "a", 1, time.Second))
	require.NoError(t, m.Set(ctx, "b", 2, time.Second))
	require.NoError(t, m.Set(ctx, "c", 3, time.Hour))

	clock.Advance(2 * time.Second)

	n, err := m.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, m.Size())
}

func TestMemoryTier_ClearAndStats(t *testing.T) {
	ctx := context.Background()
	m, _ := newClockedMemoryTier(10)

	require.NoError(t, m.Set(ctx, "a", "hello", time.Hour))
	_, _, _ = m.Get(ctx, "a")
	_, _, _ = m.Get(ctx, "missing")

	stats := m.Stats(ctx)
	assert.Equal(t, "memory", stats.Tier)
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, 10, stats.Capacity)
	assert.EqualValues(t, 1, stats.Hits)
	assert.EqualValues(t, 1, stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 1e-9)
	assert.Positive(t, stats.Bytes)

	require.NoError(t, m.Clear(ctx))
	assert.Equal(t, 0, m.Size())
	assert.EqualValues(t, 0, m.Stats(ctx).Bytes)
}
