package monitoring

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"sort"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/o-tero/tiered-cache/pkg/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultTrendWindow is the window trends are classified over.
const DefaultTrendWindow = time.Hour

// Health statuses.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusCritical = "critical"
)

// KeyMetrics is the headline block of the dashboard.
type KeyMetrics struct {
	HitRate           float64        `json:"hit_rate"`
	TotalRequests     int64          `json:"total_requests"`
	Entries           map[string]int `json:"entries"`
	MemoryUtilization float64        `json:"memory_utilization"`
	AvgGetLatencyMs   float64        `json:"avg_get_latency_ms"`
	WarmupCompleted   int64          `json:"warmup_completed"`
	WarmupFailed      int64          `json:"warmup_failed"`
	WarmupQueued      int            `json:"warmup_queued"`
}

// DashboardData is the result of get_monitoring_dashboard.
type DashboardData struct {
	GeneratedAt      time.Time                 `json:"generated_at"`
	Status           string                    `json:"status"`
	KeyMetrics       KeyMetrics                `json:"key_metrics"`
	PerformanceScore float64                   `json:"performance_score"`
	ActiveAlerts     []models.PerformanceAlert `json:"active_alerts"`
	Recommendations  []Recommendation          `json:"recommendations"`
	Trends           map[string]models.Trend   `json:"trends"`
	AlertStats       AlertStats                `json:"alert_stats"`
}

// trendMetrics are the metrics whose direction the dashboard reports.
var trendMetrics = []string{
	MetricHitRate,
	MetricTotalRequests,
	MetricMemoryUtilization,
	MetricGetDuration,
	MetricWarmupFailureRate,
}

// Dashboard assembles visualization-ready data from the collector, the alert
// manager and the latest analysis report.
type Dashboard struct {
	collector   *Collector
	alerts      *AlertManager
	analyzer    *Analyzer
	trendWindow time.Duration
	now         func() time.Time
}

// NewDashboard creates a new dashboard instance.
func NewDashboard(collector *Collector, alerts *AlertManager, analyzer *Analyzer) *Dashboard {
	return &Dashboard{
		collector:   collector,
		alerts:      alerts,
		analyzer:    analyzer,
		trendWindow: DefaultTrendWindow,
		now:         time.Now,
	}
}

// Build returns the current dashboard. The score and recommendations come
// from the latest analysis pass; before the first pass the score is 100.
func (d *Dashboard) Build() DashboardData {
	data := DashboardData{
		GeneratedAt:      d.now(),
		KeyMetrics:       d.keyMetrics(),
		PerformanceScore: MaxScore,
		ActiveAlerts:     d.alerts.Active(),
		Recommendations:  []Recommendation{},
		Trends:           make(map[string]models.Trend, len(trendMetrics)),
		AlertStats:       d.alerts.Stats(),
	}

	if report, ok := d.analyzer.LastReport(); ok {
		data.PerformanceScore = report.Score
		if len(report.Recommendations) > 0 {
			data.Recommendations = report.Recommendations
		}
	}
	data.Status = healthStatus(data.PerformanceScore)

	for _, name := range trendMetrics {
		if _, ok := d.collector.Kind(name); !ok {
			continue
		}
		data.Trends[name] = d.collector.Summary(name, d.trendWindow).Trend
	}
	return data
}

func (d *Dashboard) keyMetrics() KeyMetrics {
	latest := func(name string) float64 {
		v, _ := d.collector.Latest(name)
		return v
	}

	km := KeyMetrics{
		HitRate:           latest(MetricHitRate),
		TotalRequests:     int64(latest(MetricTotalRequests)),
		Entries:           make(map[string]int),
		MemoryUtilization: latest(MetricMemoryUtilization),
		WarmupCompleted:   int64(latest(MetricWarmupCompleted)),
		WarmupFailed:      int64(latest(MetricWarmupFailed)),
		WarmupQueued:      int(latest(MetricWarmupQueued)),
	}
	for _, kind := range models.AllTiers {
		name := TierMetric(kind.String(), "entries")
		if v, ok := d.collector.Latest(name); ok {
			km.Entries[kind.String()] = int(v)
		}
	}
	if s := d.collector.Summary(MetricGetDuration, DefaultAnalysisWindow); s.Count > 0 {
		km.AvgGetLatencyMs = s.Avg
	}
	return km
}

// healthStatus maps a performance score onto a status.
func healthStatus(score float64) string {
	switch {
	case score >= 80:
		return StatusHealthy
	case score >= 50:
		return StatusDegraded
	default:
		return StatusCritical
	}
}

// ExportFormat selects the encoding of Export.
type ExportFormat string

const (
	ExportFormatJSON ExportFormat = "json"
	ExportFormatCSV  ExportFormat = "csv"
)

// Export encodes the summaries of every metric over window.
func (d *Dashboard) Export(format ExportFormat, window time.Duration) ([]byte, error) {
	summaries := d.collector.Summaries(window)

	switch format {
	case ExportFormatJSON, "":
		return json.Marshal(summaries)
	case ExportFormatCSV:
		return exportCSV(summaries)
	default:
		return nil, fmt.Errorf("unsupported export format: %s", format)
	}
}

func exportCSV(summaries map[string]models.MetricSummary) ([]byte, error) {
	names := make([]string, 0, len(summaries))
	for name := range summaries {
		names = append(names, name)
	}
	sort.Strings(names)

	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"name", "kind", "count", "min", "max", "avg", "median", "sum", "std_dev", "recent_value", "trend"})
	for _, name := range names {
		s := summaries[name]
		_ = w.Write([]string{
			name, string(s.Kind), strconv.Itoa(s.Count),
			f(s.Min), f(s.Max), f(s.Avg), f(s.Median), f(s.Sum), f(s.StdDev), f(s.RecentValue),
			string(s.Trend),
		})
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}
