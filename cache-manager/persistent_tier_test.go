package cachemanager

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/o-tero/tiered-cache/pkg/models"
	"github.com/o-tero/tiered-cache/pkg/utils"
)

func newClockedPersistentTier(t *testing.T) (*PersistentTier, *fakeClock, string) {
	t.Helper()
	dir := t.TempDir()
	p, err := NewPersistentTier(dir, newTestPipeline(t), time.Hour, nil)
	require.NoError(t, err)
	clock := newFakeClock()
	p.now = clock.Now
	return p, clock, dir
}

func TestPersistentTier_RoundTrip(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newClockedPersistentTier(t)

	large := strings.Repeat("compressible ", 100)
	values := map[string]any{
		"string": "hello",
		"number": float64(42),
		"map":    map[string]any{"a": float64(1), "b": []any{"x", "y"}},
		"large":  large,
	}
	for k, v := range values {
		require.NoError(t, p.Set(ctx, k, v, 0))
	}

	for k, want := range values {
		entry, ok, err := p.Get(ctx, k)
		require.NoError(t, err, k)
		require.True(t, ok, k)
		assert.Equal(t, want, entry.Value, k)
		assert.Equal(t, models.TierPersistent, entry.Tier)
	}

	entry, _, _ := p.Get(ctx, "large")
	assert.True(t, entry.Compressed)
	assert.Equal(t, 4, p.Stats(ctx).Entries)
}

func TestPersistentTier_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	p, _, dir := newClockedPersistentTier(t)
	require.NoError(t, p.Set(ctx, "k", "v", 0))

	reopened, err := NewPersistentTier(dir, newTestPipeline(t), time.Hour, nil)
	require.NoError(t, err)

	entry, ok, err := reopened.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", entry.Value)
}

func TestPersistentTier_Expiry(t *testing.T) {
	ctx := context.Background()
	p, clock, _ := newClockedPersistentTier(t)

	require.NoError(t, p.Set(ctx, "short", "v", time.Second))
	require.NoError(t, p.Set(ctx, "long", "v", time.Hour))
	require.NoError(t, p.Set(ctx, "forever", "v", 0))
	clock.Advance(2 * time.Second)

	_, ok, err := p.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, p.Set(ctx, "short2", "v", time.Second))
	clock.Advance(2 * time.Second)

	n, err := p.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, p.Stats(ctx).Entries)
}

func TestPersistentTier_RewriteDuringSweep(t *testing.T) {
	ctx := context.Background()

	t.Run("cleanup_keeps_fresh_rewrite", func(t *testing.T) {
		p, clock, _ := newClockedPersistentTier(t)
		require.NoError(t, p.Set(ctx, "k", "stale", time.Second))
		clock.Advance(2 * time.Second)
		expired := expiredAt(p.now())

		n := 0
		err := p.walk(ctx, func(path string, rec *utils.Record) error {
			require.True(t, expired(rec))
			require.NoError(t, p.Set(ctx, "k", "fresh", time.Hour))
			if p.removeIf(rec.Key, path, expired) {
				n++
			}
			return nil
		})
		require.NoError(t, err)
		assert.Zero(t, n)

		entry, ok, err := p.Get(ctx, "k")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "fresh", entry.Value)
	})

	t.Run("cleanup_removes_still_expired", func(t *testing.T) {
		p, clock, _ := newClockedPersistentTier(t)
		require.NoError(t, p.Set(ctx, "k", "stale", time.Second))
		clock.Advance(2 * time.Second)

		path := utils.ShardedPath(p.dir, "k", entryExt)
		assert.True(t, p.removeIf("k", path, expiredAt(p.now())))
		assert.False(t, p.removeIf("k", path, expiredAt(p.now())), "already gone")
	})
}

func TestPersistentTier_CorruptFile(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newClockedPersistentTier(t)

	require.NoError(t, p.Set(ctx, "k", "v", 0))
	path := utils.ShardedPath(p.dir, "k", entryExt)
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o600))

	_, ok, err := p.Get(ctx, "k")
	assert.False(t, ok)
	assert.ErrorIs(t, err, models.ErrSerialization)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "corrupt file removed")
	assert.EqualValues(t, 1, p.Stats(ctx).Corrupt)
}

func TestPersistentTier_DeleteAndPattern(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newClockedPersistentTier(t)

	for _, k := range []string{"user:1", "user:2", "order:1"} {
		require.NoError(t, p.Set(ctx, k, k, 0))
	}

	ok, err := p.Delete(ctx, "order:1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = p.Delete(ctx, "order:1")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := p.DeletePattern(ctx, "user:?")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, p.Stats(ctx).Entries)
}

func TestPersistentTier_Clear(t *testing.T) {
	ctx := context.Background()
	p, _, dir := newClockedPersistentTier(t)

	require.NoError(t, p.Set(ctx, "a", 1, 0))
	require.NoError(t, p.Set(ctx, "b", 2, 0))
	require.NoError(t, p.Clear(ctx))

	items, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, items)

	_, ok, _ := p.Get(ctx, "a")
	assert.False(t, ok)
}
