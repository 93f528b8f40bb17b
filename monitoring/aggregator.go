package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/o-tero/tiered-cache/pkg/models"
	"github.com/o-tero/tiered-cache/pkg/pubsub"
)

// StatsSource is the coordinator view the collection loop samples.
// *cachemanager.Coordinator satisfies it.
type StatsSource interface {
	Stats(ctx context.Context) models.CoordinatorStats
}

// QueueSource reports warmup queue depth. Optional.
type QueueSource interface {
	QueueDepth() int
}

// Aggregator turns periodic coordinator snapshots and warmup events into
// collector metrics.
//
// Gauges: hit rate, total requests, per-tier entries, hit rate and bytes,
// memory utilization, remote availability, warmup failure rate.
// Counters: hits, misses, sets, deletes, recorded as the delta
// since the previous snapshot so the counter total equals the cumulative
// coordinator value.
type Aggregator struct {
	collector *Collector
	source    StatsSource
	queue     QueueSource

	mu             sync.Mutex
	prev           models.OverallStats
	warmCompleted  int64
	warmFailed     int64
	lastCollection time.Time
}

// NewAggregator creates an aggregator sampling source into collector.
func NewAggregator(collector *Collector, source StatsSource) *Aggregator {
	return &Aggregator{collector: collector, source: source}
}

// Collect takes one snapshot of the coordinator.
func (a *Aggregator) Collect(ctx context.Context) models.CoordinatorStats {
	stats := a.source.Stats(ctx)
	c := a.collector

	// An idle cache has no hit rate; a zero sample would trip the hit-rate rules.
	if stats.Overall.TotalRequests > 0 {
		c.RecordGauge(MetricHitRate, stats.Overall.HitRate, nil)
	}
	c.RecordGauge(MetricTotalRequests, float64(stats.Overall.TotalRequests), nil)

	for name, ts := range stats.Tiers {
		tags := map[string]string{"tier": name}
		c.RecordGauge(TierMetric(name, "entries"), float64(ts.Entries), tags)
		c.RecordGauge(TierMetric(name, "hit_rate"), ts.HitRate, tags)
		c.RecordGauge(TierMetric(name, "bytes"), float64(ts.Bytes), tags)

		kind, ok := models.ParseTierKind(name)
		if !ok {
			continue
		}
		switch kind {
		case models.TierMemory:
			c.RecordGauge(MetricMemoryUtilization, ts.Utilization(), nil)
			c.RecordGauge(MetricMemoryBytes, float64(ts.Bytes), nil)
		case models.TierRemote:
			available := 0.0
			if ts.Available {
				available = 1
			}
			c.RecordGauge(MetricRemoteAvailable, available, nil)
		}
	}

	if a.queue != nil {
		c.RecordGauge(MetricWarmupQueued, float64(a.queue.QueueDepth()), nil)
	}

	a.mu.Lock()
	prev := a.prev
	a.prev = stats.Overall
	a.lastCollection = stats.Timestamp
	a.mu.Unlock()

	recordDelta(c, MetricHits, stats.Overall.Hits, prev.Hits)
	recordDelta(c, MetricMisses, stats.Overall.Misses, prev.Misses)
	recordDelta(c, MetricSets, stats.Overall.Sets, prev.Sets)
	recordDelta(c, MetricDeletes, stats.Overall.Deletes, prev.Deletes)

	return stats
}

// recordDelta records the growth of a cumulative value. A shrinking value
// means the source was reset, so the new value counts in full.
func recordDelta(c *Collector, name string, cur, prev int64) {
	d := cur - prev
	if d < 0 {
		d = cur
	}
	c.RecordCounter(name, float64(d), nil)
}

// HandleWarmCompleted records warmup counters, the duration timer and the
// failure rate over terminal outcomes. A retried attempt is counted under
// warmup.retried and is neither a completion nor a failure.
func (a *Aggregator) HandleWarmCompleted(_ context.Context, ev pubsub.WarmCompletedEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	tags := map[string]string{"strategy": ev.Strategy}
	a.collector.RecordTimer(MetricWarmupDuration, ev.Duration, tags)

	switch ev.Status {
	case pubsub.WarmStatusRetry:
		a.collector.RecordCounter(MetricWarmupRetried, 1, tags)
		return nil
	case pubsub.WarmStatusSuccess:
		a.collector.RecordCounter(MetricWarmupCompleted, 1, tags)
	default:
		a.collector.RecordCounter(MetricWarmupFailed, 1, tags)
	}

	a.mu.Lock()
	if ev.Status == pubsub.WarmStatusSuccess {
		a.warmCompleted++
	} else {
		a.warmFailed++
	}
	rate := float64(a.warmFailed) / float64(a.warmCompleted+a.warmFailed)
	a.mu.Unlock()

	a.collector.RecordGauge(MetricWarmupFailureRate, rate, nil)
	return nil
}

// LastCollection returns the timestamp of the latest snapshot.
func (a *Aggregator) LastCollection() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastCollection
}
