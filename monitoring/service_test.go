package monitoring

import (
	"bytes"
	"context"
	"encoding/csv"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/o-tero/tiered-cache/pkg/models"
	"github.com/o-tero/tiered-cache/pkg/pubsub"
)

type fakeStatsSource struct {
	mu    sync.Mutex
	stats models.CoordinatorStats
	calls int
}

func (f *fakeStatsSource) Stats(context.Context) models.CoordinatorStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.stats
}

func (f *fakeStatsSource) set(stats models.CoordinatorStats) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = stats
}

func (f *fakeStatsSource) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeQueue int

func (q fakeQueue) QueueDepth() int { return int(q) }

func sampleStats(hits, misses int64, remoteUp bool) models.CoordinatorStats {
	total := hits + misses
	rate := 0.0
	if total > 0 {
		rate = float64(hits) / float64(total)
	}
	return models.CoordinatorStats{
		Timestamp: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
		Tiers: map[string]models.TierStats{
			"memory": {Tier: "memory", Available: true, Entries: 95, Capacity: 100, Bytes: 2048, Hits: hits, HitRate: rate},
			"remote": {Tier: "remote", Available: remoteUp, Entries: 300, Errors: 2},
		},
		Overall: models.OverallStats{
			L1Hits:        hits,
			Hits:          hits,
			Misses:        misses,
			Sets:          10,
			TotalRequests: total,
			HitRate:       rate,
		},
	}
}

func warmEvent(status string, d time.Duration) pubsub.WarmCompletedEvent {
	return pubsub.WarmCompletedEvent{
		Version:     pubsub.EventVersion1,
		TaskID:      "t1",
		Key:         "k",
		Strategy:    "manual",
		Status:      status,
		Attempt:     1,
		Duration:    d,
		CompletedAt: time.Now(),
	}
}

func TestAggregator_Collect(t *testing.T) {
	collector, _ := newClockedCollector(0, 0)
	source := &fakeStatsSource{stats: sampleStats(80, 20, false)}
	agg := NewAggregator(collector, source)
	agg.queue = fakeQueue(7)

	agg.Collect(context.Background())

	latest := func(name string) float64 {
		v, ok := collector.Latest(name)
		require.True(t, ok, name)
		return v
	}
	assert.Equal(t, 0.8, latest(MetricHitRate))
	assert.Equal(t, 100.0, latest(MetricTotalRequests))
	assert.Equal(t, 0.95, latest(MetricMemoryUtilization))
	assert.Equal(t, 2048.0, latest(MetricMemoryBytes))
	assert.Equal(t, 0.0, latest(MetricRemoteAvailable))
	assert.Equal(t, 7.0, latest(MetricWarmupQueued))
	assert.Equal(t, 300.0, latest(TierMetric("remote", "entries")))
	assert.Equal(t, 80.0, latest(MetricHits))
	assert.Equal(t, source.stats.Timestamp, agg.LastCollection())

	t.Run("counters_track_cumulative_values", func(t *testing.T) {
		source.set(sampleStats(130, 30, true))
		agg.Collect(context.Background())

		assert.Equal(t, 130.0, latest(MetricHits))
		assert.Equal(t, 30.0, latest(MetricMisses))
		assert.Equal(t, 1.0, latest(MetricRemoteAvailable))

		points := collector.Points(MetricHits, 0)
		require.Len(t, points, 2)
		assert.Equal(t, 50.0, points[1].Value)
	})

	t.Run("reset_source_counts_in_full", func(t *testing.T) {
		source.set(sampleStats(5, 0, true))
		agg.Collect(context.Background())
		assert.Equal(t, 135.0, latest(MetricHits))
	})
}

func TestAggregator_HandleWarmCompleted(t *testing.T) {
	collector, _ := newClockedCollector(0, 0)
	agg := NewAggregator(collector, &fakeStatsSource{})
	ctx := context.Background()

	require.NoError(t, agg.HandleWarmCompleted(ctx, warmEvent(pubsub.WarmStatusSuccess, 20*time.Millisecond)))
	require.NoError(t, agg.HandleWarmCompleted(ctx, warmEvent(pubsub.WarmStatusSuccess, 40*time.Millisecond)))
	require.NoError(t, agg.HandleWarmCompleted(ctx, warmEvent(pubsub.WarmStatusSuccess, 30*time.Millisecond)))

	t.Run("retry_is_not_a_failure", func(t *testing.T) {
		require.NoError(t, agg.HandleWarmCompleted(ctx, warmEvent(pubsub.WarmStatusRetry, 10*time.Millisecond)))

		_, ok := collector.Latest(MetricWarmupFailed)
		assert.False(t, ok)
		retried, _ := collector.Latest(MetricWarmupRetried)
		assert.Equal(t, 1.0, retried)
		rate, _ := collector.Latest(MetricWarmupFailureRate)
		assert.Equal(t, 0.0, rate)
	})

	t.Run("terminal_failure_counts", func(t *testing.T) {
		require.NoError(t, agg.HandleWarmCompleted(ctx, warmEvent(pubsub.WarmStatusFailed, 25*time.Millisecond)))

		completed, _ := collector.Latest(MetricWarmupCompleted)
		failed, _ := collector.Latest(MetricWarmupFailed)
		rate, _ := collector.Latest(MetricWarmupFailureRate)
		assert.Equal(t, 3.0, completed)
		assert.Equal(t, 1.0, failed)
		assert.Equal(t, 0.25, rate)
	})

	s := collector.Summary(MetricWarmupDuration, 0)
	assert.Equal(t, 5, s.Count)
	assert.Equal(t, 25.0, s.Avg)

	bad := warmEvent("done", time.Millisecond)
	assert.Error(t, agg.HandleWarmCompleted(ctx, bad))
}

func TestAggregator_IdleCache(t *testing.T) {
	a, collector, alerts, _ := newTestAnalyzer(nil)
	idle := sampleStats(0, 0, true)
	idle.Tiers["memory"] = models.TierStats{Tier: "memory", Available: true, Capacity: 100}
	agg := NewAggregator(collector, &fakeStatsSource{stats: idle})

	agg.Collect(context.Background())

	_, ok := collector.Latest(MetricHitRate)
	assert.False(t, ok, "no requests, no hit-rate sample")
	total, ok := collector.Latest(MetricTotalRequests)
	require.True(t, ok)
	assert.Equal(t, 0.0, total)

	report := a.Analyze(context.Background())
	assert.Equal(t, MaxScore, report.Score)
	assert.Empty(t, report.Violations)
	assert.Empty(t, alerts.Active())
}

func newTestService(t *testing.T, source StatsSource, opts ...Option) (*Service, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	s := NewService(DefaultConfig(), source, opts...)
	t.Cleanup(s.Stop)
	return s, clock
}

func TestService_Dashboard(t *testing.T) {
	source := &fakeStatsSource{stats: sampleStats(40, 60, true)}
	s, _ := newTestService(t, source, WithQueueSource(fakeQueue(3)))
	ctx := context.Background()

	t.Run("before_analysis", func(t *testing.T) {
		d := s.Dashboard()
		assert.Equal(t, MaxScore, d.PerformanceScore)
		assert.Equal(t, StatusHealthy, d.Status)
		assert.Empty(t, d.ActiveAlerts)
		assert.NotNil(t, d.Recommendations)
	})

	s.Collect(ctx)
	s.Collector().RecordTimer(MetricGetDuration, 4*time.Millisecond, nil)
	require.NoError(t, s.HandleWarmCompleted(ctx, warmEvent(pubsub.WarmStatusSuccess, time.Millisecond)))

	report := s.Analyze(ctx)
	require.Len(t, report.Violations, 2, "low hit rate and high memory utilization")

	d := s.Dashboard()
	assert.Equal(t, report.Score, d.PerformanceScore)
	assert.Equal(t, healthStatus(report.Score), d.Status)
	assert.Equal(t, 0.4, d.KeyMetrics.HitRate)
	assert.EqualValues(t, 100, d.KeyMetrics.TotalRequests)
	assert.Equal(t, map[string]int{"memory": 95, "remote": 300}, d.KeyMetrics.Entries)
	assert.Equal(t, 4.0, d.KeyMetrics.AvgGetLatencyMs)
	assert.EqualValues(t, 1, d.KeyMetrics.WarmupCompleted)
	assert.Equal(t, 3, d.KeyMetrics.WarmupQueued)
	assert.Len(t, d.ActiveAlerts, 2)
	assert.Len(t, d.Recommendations, 2)
	assert.Equal(t, models.TrendStable, d.Trends[MetricHitRate])
	assert.Equal(t, 2, d.AlertStats.ActiveCount)

	t.Run("resolve", func(t *testing.T) {
		id := d.ActiveAlerts[0].ID
		assert.True(t, s.ResolveAlert(id))
		assert.True(t, s.ResolveAlert(id))
		assert.False(t, s.ResolveAlert("nope"))
		assert.Len(t, s.Dashboard().ActiveAlerts, 1)
	})
}

func TestService_Export(t *testing.T) {
	s, _ := newTestService(t, &fakeStatsSource{stats: sampleStats(1, 1, true)})
	s.Collect(context.Background())

	t.Run("json", func(t *testing.T) {
		data, err := s.Export(ExportFormatJSON, time.Hour)
		require.NoError(t, err)

		var out map[string]models.MetricSummary
		require.NoError(t, json.Unmarshal(data, &out))
		assert.Contains(t, out, MetricHitRate)
		assert.Equal(t, 0.5, out[MetricHitRate].RecentValue)
	})

	t.Run("csv", func(t *testing.T) {
		data, err := s.Export(ExportFormatCSV, time.Hour)
		require.NoError(t, err)

		records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
		require.NoError(t, err)
		require.Greater(t, len(records), 1)
		assert.Equal(t, "name", records[0][0])
		assert.Len(t, records[0], 11)

		var names []string
		for _, r := range records[1:] {
			names = append(names, r[0])
		}
		assert.Contains(t, names, MetricRemoteAvailable)
	})

	t.Run("unsupported", func(t *testing.T) {
		_, err := s.Export("xml", time.Hour)
		assert.Error(t, err)
	})
}

func TestExporter(t *testing.T) {
	source := &fakeStatsSource{stats: sampleStats(75, 25, true)}
	alerts := NewAlertManager(0)
	alerts.Raise(NewAlert(DefaultRules()[0], 0.1, time.Now()))

	e := NewExporter(source, alerts)

	count, err := testutil.GatherAndCount(e.Registry(), "tiered_cache_tier_entries")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	expected := `
# HELP tiered_cache_alerts_active Unresolved performance alerts
# TYPE tiered_cache_alerts_active gauge
tiered_cache_alerts_active 1
# HELP tiered_cache_requests_total Cache get requests by result
# TYPE tiered_cache_requests_total counter
tiered_cache_requests_total{result="hit"} 75
tiered_cache_requests_total{result="miss"} 25
`
	require.NoError(t, testutil.GatherAndCompare(e.Registry(), strings.NewReader(expected),
		"tiered_cache_alerts_active", "tiered_cache_requests_total"))

	t.Run("handler", func(t *testing.T) {
		rec := httptest.NewRecorder()
		e.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		body := rec.Body.String()
		assert.Contains(t, body, `tiered_cache_tier_entries{tier="remote"} 300`)
		assert.Contains(t, body, `tiered_cache_tier_available{tier="memory"} 1`)
	})
}

func TestService_StartStop(t *testing.T) {
	source := &fakeStatsSource{stats: sampleStats(1, 1, true)}
	cfg := DefaultConfig()
	cfg.CollectionInterval = 5 * time.Millisecond
	cfg.AnalysisInterval = 5 * time.Millisecond

	s := NewService(cfg, source)
	ctx := context.Background()

	s.Start(ctx)
	s.Start(ctx)

	require.Eventually(t, func() bool { return source.Calls() >= 3 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok := s.analyzer.LastReport()
		return ok
	}, time.Second, 5*time.Millisecond)

	s.Stop()
	calls := source.Calls()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, source.Calls(), "no collection after Stop")

	s.Stop()
}

func TestService_LoopSurvivesPanics(t *testing.T) {
	var mu sync.Mutex
	runs := 0

	s := NewService(DefaultConfig(), &fakeStatsSource{})
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.runLoop(context.Background(), s.stopCh, "test", time.Millisecond, func() {
		mu.Lock()
		runs++
		mu.Unlock()
		panic("boom")
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs >= 3
	}, time.Second, time.Millisecond)
	s.Stop()
}
