package monitoring

import (
	"sort"
	"sync"
	"time"

	"github.com/o-tero/tiered-cache/pkg/models"
)

// Ring buffer capacities per metric kind.
const (
	DefaultPointCapacity = 1000
	DefaultTimerCapacity = 100
)

// Collector stores metric points in bounded per-metric ring buffers and keeps
// a latest-value table.
//
// Design: counters accumulate into the table, gauges overwrite it, timers keep
// a rolling window of their last samples in milliseconds. Memory is bounded by
// the ring capacities regardless of ingestion rate.
//
// Collector satisfies cachemanager.Recorder.
type Collector struct {
	mu       sync.RWMutex
	series   map[string]*series
	latest   map[string]float64
	pointCap int
	timerCap int
	now      func() time.Time
}

type series struct {
	kind models.MetricKind
	ring *RingBuffer
}

// NewCollector creates a collector. Non-positive capacities fall back to the
// defaults.
func NewCollector(pointCap, timerCap int) *Collector {
	if pointCap <= 0 {
		pointCap = DefaultPointCapacity
	}
	if timerCap <= 0 {
		timerCap = DefaultTimerCapacity
	}
	return &Collector{
		series:   make(map[string]*series),
		latest:   make(map[string]float64),
		pointCap: pointCap,
		timerCap: timerCap,
		now:      time.Now,
	}
}

// RecordCounter adds value to the named counter.
// Complexity: O(1)
func (c *Collector) RecordCounter(name string, value float64, tags map[string]string) {
	c.record(name, models.MetricCounter, value, tags)
}

// RecordGauge sets the named gauge.
func (c *Collector) RecordGauge(name string, value float64, tags map[string]string) {
	c.record(name, models.MetricGauge, value, tags)
}

// RecordTimer records a duration sample in milliseconds.
func (c *Collector) RecordTimer(name string, d time.Duration, tags map[string]string) {
	c.record(name, models.MetricTimer, float64(d)/float64(time.Millisecond), tags)
}

func (c *Collector) record(name string, kind models.MetricKind, value float64, tags map[string]string) {
	if name == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.series[name]
	if !ok {
		capacity := c.pointCap
		if kind == models.MetricTimer {
			capacity = c.timerCap
		}
		s = &series{kind: kind, ring: NewRingBuffer(capacity)}
		c.series[name] = s
	}

	s.ring.Add(models.MetricPoint{Timestamp: c.now(), Value: value, Tags: copyTags(tags)})

	switch s.kind {
	case models.MetricCounter:
		c.latest[name] += value
	default:
		c.latest[name] = value
	}
}

func copyTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}

// Latest returns the latest-table value: the running total for counters, the
// last value for gauges and timers.
func (c *Collector) Latest(name string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.latest[name]
	return v, ok
}

// Kind returns the kind the metric was first recorded as.
func (c *Collector) Kind(name string) (models.MetricKind, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.series[name]
	if !ok {
		return "", false
	}
	return s.kind, true
}

// Names returns every recorded metric name, sorted.
func (c *Collector) Names() []string {
	c.mu.RLock()
	names := make([]string, 0, len(c.series))
	for name := range c.series {
		names = append(names, name)
	}
	c.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Points returns the retained points of name recorded within window, oldest
// first. A non-positive window returns every retained point.
func (c *Collector) Points(name string, window time.Duration) []models.MetricPoint {
	c.mu.RLock()
	s, ok := c.series[name]
	if !ok {
		c.mu.RUnlock()
		return nil
	}
	points := s.ring.GetAll()
	now := c.now()
	c.mu.RUnlock()

	if window <= 0 {
		return points
	}
	cutoff := now.Add(-window)
	recent := points[:0]
	for _, p := range points {
		if !p.Timestamp.Before(cutoff) {
			recent = append(recent, p)
		}
	}
	return recent
}

// Summary aggregates the points of name within window.
// Complexity: O(n log n) where n = points in window
func (c *Collector) Summary(name string, window time.Duration) models.MetricSummary {
	summary := models.CalculateSummary(c.Points(name, window))
	summary.Name = name
	if kind, ok := c.Kind(name); ok {
		summary.Kind = kind
	}
	return summary
}

// Summaries returns a summary for every metric.
func (c *Collector) Summaries(window time.Duration) map[string]models.MetricSummary {
	names := c.Names()
	out := make(map[string]models.MetricSummary, len(names))
	for _, name := range names {
		out[name] = c.Summary(name, window)
	}
	return out
}

// RingBuffer is a fixed-size circular buffer of metric points. It is not
// safe for concurrent use; Collector guards it.
//
// Complexity: Add O(1), GetAll O(n) where n = buffer size.
type RingBuffer struct {
	buffer []models.MetricPoint
	head   int
	count  int
}

// NewRingBuffer creates a new ring buffer.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1
	}
	return &RingBuffer{buffer: make([]models.MetricPoint, size)}
}

// Add appends p, overwriting the oldest point when full.
func (rb *RingBuffer) Add(p models.MetricPoint) {
	rb.buffer[rb.head] = p
	rb.head = (rb.head + 1) % len(rb.buffer)
	if rb.count < len(rb.buffer) {
		rb.count++
	}
}

// Len returns the number of retained points.
func (rb *RingBuffer) Len() int { return rb.count }

// GetAll returns the retained points, oldest first.
func (rb *RingBuffer) GetAll() []models.MetricPoint {
	out := make([]models.MetricPoint, 0, rb.count)
	start := (rb.head - rb.count + len(rb.buffer)) % len(rb.buffer)
	for i := 0; i < rb.count; i++ {
		out = append(out, rb.buffer[(start+i)%len(rb.buffer)])
	}
	return out
}
