package warming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/o-tero/tiered-cache/pkg/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(at time.Time) *fakeClock { return &fakeClock{now: at} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type setCall struct {
	key   string
	value any
	ttl   time.Duration
}

// fakeCache records writes and serves reads from a map.
type fakeCache struct {
	mu     sync.Mutex
	values map[string]any
	sets   []setCall
	reject bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{values: make(map[string]any)}
}

func (c *fakeCache) Get(_ context.Context, key string, _ ...models.TierKind) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	return v, ok
}

func (c *fakeCache) Set(_ context.Context, key string, value any, ttl time.Duration, _ ...models.TierKind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reject {
		return false
	}
	c.values[key] = value
	c.sets = append(c.sets, setCall{key: key, value: value, ttl: ttl})
	return true
}

func (c *fakeCache) Sets() []setCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]setCall(nil), c.sets...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.BaseDelay = time.Millisecond
	cfg.TaskTimeout = time.Second
	cfg.GeneratorRPS = 0
	cfg.PatternInterval = 0
	cfg.PredictiveInterval = 0
	return cfg
}

func newTestScheduler(t *testing.T, cfg Config, cache Cache, tracker *Tracker, opts ...Option) *Scheduler {
	t.Helper()
	s := NewScheduler(cfg, cache, tracker, opts...)
	t.Cleanup(s.Stop)
	return s
}

func constGenerator(v any) models.Generator {
	return func(context.Context) (any, error) { return v, nil }
}

// waitForState polls until the task reaches state.
func waitForState(t *testing.T, s *Scheduler, id string, state models.TaskState) models.WarmupTask {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if task, ok := s.Task(id); ok && task.State == state {
			return task
		}
		time.Sleep(2 * time.Millisecond)
	}
	task, _ := s.Task(id)
	t.Fatalf("task %s did not reach %s, last state %s", id, state, task.State)
	return task
}
