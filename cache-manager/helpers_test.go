package cachemanager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/o-tero/tiered-cache/pkg/utils"
)

// fakeClock is a manually advanced clock shared by every tier in a test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errStoreDown = errors.New("connection refused")

// failingStore is a RemoteStore whose backend is unreachable.
type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, bool, error)        { return nil, false, errStoreDown }
func (failingStore) Set(context.Context, string, []byte, time.Duration) error { return errStoreDown }
func (failingStore) Delete(context.Context, string) (bool, error)             { return false, errStoreDown }
func (failingStore) DeletePattern(context.Context, string) (int, error)       { return 0, errStoreDown }
func (failingStore) Clear(context.Context) error                              { return errStoreDown }
func (failingStore) Len(context.Context) (int, error)                         { return 0, errStoreDown }
func (failingStore) Ping(context.Context) error                               { return errStoreDown }
func (failingStore) Close() error                                             { return nil }

func newTestPipeline(t *testing.T) *utils.Pipeline {
	t.Helper()
	p, err := utils.NewPipeline(utils.PipelineConfig{
		Format:             utils.FormatJSON,
		CompressionEnabled: true,
		Algorithm:          utils.CompressionSnappy,
		MinCompressBytes:   64,
	})
	require.NoError(t, err)
	return p
}

type testTiers struct {
	clock      *fakeClock
	memory     *MemoryTier
	store      *InProcessStore
	remote     *RemoteTier
	persistent *PersistentTier
}

func newTestTiers(t *testing.T, capacity int, store RemoteStore) *testTiers {
	t.Helper()

	clock := newFakeClock()
	pipeline := newTestPipeline(t)

	mem := NewMemoryTier(capacity, 5*time.Minute)
	mem.now = clock.Now

	tt := &testTiers{clock: clock, memory: mem}
	if store == nil {
		ips := NewInProcessStore()
		ips.now = clock.Now
		tt.store = ips
		store = ips
	}
	tt.remote = NewRemoteTier(store, pipeline, time.Hour, time.Second, nil)
	tt.remote.now = clock.Now

	pt, err := NewPersistentTier(t.TempDir(), pipeline, 24*time.Hour, nil)
	require.NoError(t, err)
	pt.now = clock.Now
	tt.persistent = pt

	return tt
}

func (tt *testTiers) all() []Tier {
	return []Tier{tt.memory, tt.remote, tt.persistent}
}

func newTestCoordinator(t *testing.T, tt *testTiers, opts ...Option) *Coordinator {
	t.Helper()
	opts = append([]Option{WithClock(tt.clock.Now)}, opts...)
	c, err := NewCoordinator(DefaultConfig(), tt.all(), opts...)
	require.NoError(t, err)
	return c
}
