package monitoring

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/o-tero/tiered-cache/pkg/models"
)

// Metric names produced by the collection loop and the coordinator.
const (
	MetricHitRate           = "cache.hit_rate"
	MetricTotalRequests     = "cache.total_requests"
	MetricHits              = "cache.hits"
	MetricMisses            = "cache.misses"
	MetricSets              = "cache.sets"
	MetricDeletes           = "cache.deletes"
	MetricTierErrors        = "cache.tier_errors"
	MetricMemoryUtilization = "cache.memory.utilization"
	MetricMemoryBytes       = "cache.memory.bytes"
	MetricRemoteAvailable   = "cache.remote.available"
	MetricGetDuration       = "cache.get.duration"
	MetricSetDuration       = "cache.set.duration"
	MetricWarmupCompleted   = "warmup.completed"
	MetricWarmupFailed      = "warmup.failed"
	MetricWarmupRetried     = "warmup.retried"
	MetricWarmupFailureRate = "warmup.failure_rate"
	MetricWarmupDuration    = "warmup.duration"
	MetricWarmupQueued      = "warmup.queued"
)

// TierMetric names a per-tier gauge, e.g. cache.tier.memory.entries.
func TierMetric(tier, field string) string {
	return "cache.tier." + tier + "." + field
}

// Comparison is how a rule compares a metric against its threshold.
type Comparison string

const (
	Below Comparison = "lt"
	Above Comparison = "gt"
)

// Category groups recommendations.
type Category string

const (
	CategoryCachingStrategy Category = "caching_strategy"
	CategoryResource        Category = "resource"
	CategoryLatency         Category = "latency"
	CategoryGeneric         Category = "generic"
)

// Rule maps a metric condition to an alert.
type Rule struct {
	ID             string
	Metric         string
	Comparison     Comparison
	Threshold      float64
	Severity       models.Severity
	Message        string
	Recommendation string
	Category       Category

	// Check replaces the comparison when set.
	Check func(models.MetricSummary) (bool, error)
}

// Triggered reports whether value violates the rule.
func (r Rule) Triggered(summary models.MetricSummary) (bool, error) {
	if r.Check != nil {
		return r.Check(summary)
	}
	switch r.Comparison {
	case Below:
		return summary.RecentValue < r.Threshold, nil
	case Above:
		return summary.RecentValue > r.Threshold, nil
	default:
		return false, fmt.Errorf("%w: rule %s: unknown comparison %q", models.ErrRuleEvaluation, r.ID, r.Comparison)
	}
}

// Deviation is the relative distance of actual past the threshold, 0 when
// the rule is not violated.
func (r Rule) Deviation(actual float64) float64 {
	var d float64
	switch r.Comparison {
	case Below:
		d = r.Threshold - actual
	case Above:
		d = actual - r.Threshold
	}
	if d <= 0 {
		return 0
	}
	if r.Threshold == 0 {
		return 1
	}
	if r.Threshold < 0 {
		return d / -r.Threshold
	}
	return d / r.Threshold
}

// DefaultRules returns the built-in rule table.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:             "low_hit_rate",
			Metric:         MetricHitRate,
			Comparison:     Below,
			Threshold:      0.5,
			Severity:       models.SeverityHigh,
			Message:        "cache hit rate %.2f below %.2f",
			Recommendation: "Warm frequently missed keys and review TTLs that expire hot entries too early.",
			Category:       CategoryCachingStrategy,
		},
		{
			ID:             "critical_hit_rate",
			Metric:         MetricHitRate,
			Comparison:     Below,
			Threshold:      0.2,
			Severity:       models.SeverityCritical,
			Message:        "cache hit rate %.2f below %.2f",
			Recommendation: "Most reads miss every tier; verify keys are stable and enable pattern-based warmup.",
			Category:       CategoryCachingStrategy,
		},
		{
			ID:             "high_memory_utilization",
			Metric:         MetricMemoryUtilization,
			Comparison:     Above,
			Threshold:      0.9,
			Severity:       models.SeverityMedium,
			Message:        "memory tier utilization %.2f above %.2f",
			Recommendation: "Increase memory_capacity or shorten memory_ttl to reduce eviction pressure.",
			Category:       CategoryResource,
		},
		{
			ID:             "slow_get",
			Metric:         MetricGetDuration,
			Comparison:     Above,
			Threshold:      100,
			Severity:       models.SeverityHigh,
			Message:        "cache get latency %.1fms above %.1fms",
			Recommendation: "Check remote tier latency and raise memory capacity so hot keys stay in the fastest tier.",
			Category:       CategoryLatency,
		},
		{
			ID:             "warmup_failures",
			Metric:         MetricWarmupFailureRate,
			Comparison:     Above,
			Threshold:      0.25,
			Severity:       models.SeverityMedium,
			Message:        "warmup failure rate %.2f above %.2f",
			Recommendation: "Inspect failing generators; lower warmup concurrency if the origin is overloaded.",
			Category:       CategoryCachingStrategy,
		},
		{
			ID:             "remote_unavailable",
			Metric:         MetricRemoteAvailable,
			Comparison:     Below,
			Threshold:      1,
			Severity:       models.SeverityCritical,
			Message:        "remote tier unavailable (%.0f < %.0f)",
			Recommendation: "Restore connectivity to the remote store; reads are served from local tiers only.",
			Category:       CategoryResource,
		},
	}
}

// DefaultDedupWindow is how long an unresolved alert suppresses repeats of
// the same metric and severity.
const DefaultDedupWindow = 5 * time.Minute

// AlertManager stores raised alerts, suppresses duplicates and resolves
// alerts on request.
type AlertManager struct {
	mu          sync.RWMutex
	alerts      []*models.PerformanceAlert
	byID        map[string]*models.PerformanceAlert
	historySize int
	dedupWindow time.Duration
	stats       AlertStats
	now         func() time.Time
}

// AlertStats tracks alert manager statistics.
type AlertStats struct {
	TotalRaised   int64 `json:"total_raised"`
	TotalResolved int64 `json:"total_resolved"`
	Suppressed    int64 `json:"suppressed"`
	ActiveCount   int   `json:"active_count"`
	HistorySize   int   `json:"history_size"`
}

// NewAlertManager creates an alert manager keeping at most historySize alerts.
func NewAlertManager(historySize int) *AlertManager {
	if historySize <= 0 {
		historySize = 1000
	}
	return &AlertManager{
		byID:        make(map[string]*models.PerformanceAlert),
		historySize: historySize,
		dedupWindow: DefaultDedupWindow,
		now:         time.Now,
	}
}

// NewAlert builds an alert for rule from the observed value.
func NewAlert(rule Rule, actual float64, at time.Time) models.PerformanceAlert {
	return models.PerformanceAlert{
		ID:             uuid.NewString(),
		RuleID:         rule.ID,
		MetricName:     rule.Metric,
		Severity:       rule.Severity,
		Message:        fmt.Sprintf(rule.Message, actual, rule.Threshold),
		Recommendation: rule.Recommendation,
		ThresholdValue: rule.Threshold,
		ActualValue:    actual,
		Timestamp:      at,
	}
}

// Raise stores candidate unless an unresolved alert with the same metric and
// severity was raised within the dedup window. It returns the stored alert,
// or the existing one, and whether candidate was stored.
func (am *AlertManager) Raise(candidate models.PerformanceAlert) (models.PerformanceAlert, bool) {
	am.mu.Lock()
	defer am.mu.Unlock()

	if existing := am.duplicateLocked(candidate); existing != nil {
		am.stats.Suppressed++
		return *existing, false
	}

	if candidate.ID == "" {
		candidate.ID = uuid.NewString()
	}
	if candidate.Timestamp.IsZero() {
		candidate.Timestamp = am.now()
	}
	alert := candidate
	am.alerts = append(am.alerts, &alert)
	am.byID[alert.ID] = &alert
	am.stats.TotalRaised++

	if len(am.alerts) > am.historySize {
		drop := len(am.alerts) - am.historySize
		for _, old := range am.alerts[:drop] {
			delete(am.byID, old.ID)
		}
		am.alerts = append([]*models.PerformanceAlert(nil), am.alerts[drop:]...)
	}
	return alert, true
}

func (am *AlertManager) duplicateLocked(candidate models.PerformanceAlert) *models.PerformanceAlert {
	cutoff := am.now().Add(-am.dedupWindow)
	for i := len(am.alerts) - 1; i >= 0; i-- {
		a := am.alerts[i]
		if a.Resolved || a.MetricName != candidate.MetricName || a.Severity != candidate.Severity {
			continue
		}
		if a.Timestamp.After(cutoff) {
			return a
		}
	}
	return nil
}

// Resolve marks the alert resolved. It returns false for unknown IDs.
// Resolving twice keeps the first resolved_at.
func (am *AlertManager) Resolve(id string) bool {
	am.mu.Lock()
	defer am.mu.Unlock()

	alert, ok := am.byID[id]
	if !ok {
		return false
	}
	if alert.Resolved {
		return true
	}

	now := am.now()
	alert.Resolved = true
	alert.ResolvedAt = &now
	am.stats.TotalResolved++
	return true
}

// Get returns the alert with id.
func (am *AlertManager) Get(id string) (models.PerformanceAlert, bool) {
	am.mu.RLock()
	defer am.mu.RUnlock()

	alert, ok := am.byID[id]
	if !ok {
		return models.PerformanceAlert{}, false
	}
	return *alert, true
}

// Active returns unresolved alerts, most severe first, then newest first.
func (am *AlertManager) Active() []models.PerformanceAlert {
	am.mu.RLock()
	active := make([]models.PerformanceAlert, 0)
	for _, a := range am.alerts {
		if !a.Resolved {
			active = append(active, *a)
		}
	}
	am.mu.RUnlock()

	sort.SliceStable(active, func(i, j int) bool {
		if active[i].Severity != active[j].Severity {
			return active[i].Severity > active[j].Severity
		}
		return active[i].Timestamp.After(active[j].Timestamp)
	})
	return active
}

// History returns up to limit alerts, newest first. limit <= 0 returns all.
func (am *AlertManager) History(limit int) []models.PerformanceAlert {
	am.mu.RLock()
	defer am.mu.RUnlock()

	n := len(am.alerts)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]models.PerformanceAlert, n)
	for i := 0; i < n; i++ {
		out[i] = *am.alerts[len(am.alerts)-1-i]
	}
	return out
}

// Stats returns alert manager statistics.
func (am *AlertManager) Stats() AlertStats {
	am.mu.RLock()
	defer am.mu.RUnlock()

	st := am.stats
	st.HistorySize = len(am.alerts)
	for _, a := range am.alerts {
		if !a.Resolved {
			st.ActiveCount++
		}
	}
	return st
}
