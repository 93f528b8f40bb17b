package monitoring

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/o-tero/tiered-cache/pkg/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
}

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

func newClockedCollector(pointCap, timerCap int) (*Collector, *fakeClock) {
	clock := newFakeClock()
	c := NewCollector(pointCap, timerCap)
	c.now = clock.Now
	return c, clock
}

func TestCollector_LatestTable(t *testing.T) {
	c, _ := newClockedCollector(0, 0)

	c.RecordCounter("hits", 2, nil)
	c.RecordCounter("hits", 3, map[string]string{"tier": "memory"})
	c.RecordGauge("entries", 10, nil)
	c.RecordGauge("entries", 4, nil)
	c.RecordTimer("get", 1500*time.Microsecond, nil)
	c.RecordTimer("get", 3*time.Millisecond, nil)

	v, ok := c.Latest("hits")
	require.True(t, ok)
	assert.Equal(t, 5.0, v, "counters accumulate")

	v, _ = c.Latest("entries")
	assert.Equal(t, 4.0, v, "gauges overwrite")

	v, _ = c.Latest("get")
	assert.Equal(t, 3.0, v, "timers are stored in milliseconds")

	_, ok = c.Latest("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"entries", "get", "hits"}, c.Names())

	kind, ok := c.Kind("get")
	require.True(t, ok)
	assert.Equal(t, models.MetricTimer, kind)

	c.RecordCounter("", 1, nil)
	assert.Len(t, c.Names(), 3)
}

func TestCollector_RingCapacity(t *testing.T) {
	c, _ := newClockedCollector(5, 3)

	for i := 1; i <= 8; i++ {
		c.RecordGauge("g", float64(i), nil)
		c.RecordTimer("t", time.Duration(i)*time.Millisecond, nil)
	}

	gauge := c.Points("g", 0)
	require.Len(t, gauge, 5)
	assert.Equal(t, 4.0, gauge[0].Value)
	assert.Equal(t, 8.0, gauge[4].Value)

	timer := c.Points("t", 0)
	require.Len(t, timer, 3)
	assert.Equal(t, 6.0, timer[0].Value)
}

func TestCollector_DefaultCapacities(t *testing.T) {
	c, _ := newClockedCollector(0, 0)
	for i := 0; i < DefaultPointCapacity+10; i++ {
		c.RecordCounter("c", 1, nil)
		c.RecordTimer("t", time.Millisecond, nil)
	}
	assert.Len(t, c.Points("c", 0), DefaultPointCapacity)
	assert.Len(t, c.Points("t", 0), DefaultTimerCapacity)

	total, _ := c.Latest("c")
	assert.Equal(t, float64(DefaultPointCapacity+10), total, "the total survives ring eviction")
}

func TestCollector_SummaryWindow(t *testing.T) {
	c, clock := newClockedCollector(0, 0)

	c.RecordGauge("g", 100, nil)
	clock.Advance(10 * time.Minute)
	for _, v := range []float64{1, 2, 3, 4, 5} {
		c.RecordGauge("g", v, nil)
		clock.Advance(time.Second)
	}

	s := c.Summary("g", 5*time.Minute)
	assert.Equal(t, "g", s.Name)
	assert.Equal(t, models.MetricGauge, s.Kind)
	assert.Equal(t, 5, s.Count)
	assert.Equal(t, 1.0, s.Min)
	assert.Equal(t, 5.0, s.Max)
	assert.Equal(t, 3.0, s.Avg)
	assert.Equal(t, 3.0, s.Median)
	assert.Equal(t, 15.0, s.Sum)
	assert.Equal(t, 5.0, s.RecentValue)
	assert.Equal(t, models.TrendIncreasing, s.Trend)

	all := c.Summary("g", 0)
	assert.Equal(t, 6, all.Count)
	assert.Equal(t, 100.0, all.Max)

	empty := c.Summary("nothing", time.Minute)
	assert.Zero(t, empty.Count)
	assert.Equal(t, models.TrendStable, empty.Trend)
}

func TestCollector_Concurrency(t *testing.T) {
	c := NewCollector(0, 0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				c.RecordCounter("requests", 1, nil)
				c.RecordGauge(fmt.Sprintf("g%d", id), float64(j), nil)
				_ = c.Summary("requests", time.Minute)
			}
		}(i)
	}
	wg.Wait()

	total, _ := c.Latest("requests")
	assert.Equal(t, 4000.0, total)
}

func TestRingBuffer(t *testing.T) {
	rb := NewRingBuffer(3)
	assert.Empty(t, rb.GetAll())

	for i := 1; i <= 2; i++ {
		rb.Add(models.MetricPoint{Value: float64(i)})
	}
	assert.Equal(t, 2, rb.Len())

	for i := 3; i <= 7; i++ {
		rb.Add(models.MetricPoint{Value: float64(i)})
	}
	points := rb.GetAll()
	require.Len(t, points, 3)
	assert.Equal(t, []float64{5, 6, 7}, []float64{points[0].Value, points[1].Value, points[2].Value})
}
