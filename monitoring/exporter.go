package monitoring

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tiered_cache"

// Exporter exposes coordinator stats and alert counts to Prometheus. Values
// are read at scrape time, so nothing is duplicated in memory.
type Exporter struct {
	source StatsSource
	alerts *AlertManager

	requests   *prometheus.Desc
	tierHits   *prometheus.Desc
	operations *prometheus.Desc
	hitRate    *prometheus.Desc
	entries    *prometheus.Desc
	tierBytes  *prometheus.Desc
	evictions  *prometheus.Desc
	tierErrors *prometheus.Desc
	available  *prometheus.Desc
	alertsOpen *prometheus.Desc
	alertsSeen *prometheus.Desc

	registry *prometheus.Registry
}

// NewExporter creates an exporter with its own registry. alerts may be nil.
func NewExporter(source StatsSource, alerts *AlertManager) *Exporter {
	e := &Exporter{
		source: source,
		alerts: alerts,
		requests: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "requests_total"),
			"Cache get requests by result",
			[]string{"result"}, nil,
		),
		tierHits: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "tier_hits_total"),
			"Coordinator hits by serving tier",
			[]string{"tier"}, nil,
		),
		operations: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "operations_total"),
			"Write-side coordinator operations",
			[]string{"op"}, nil,
		),
		hitRate: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "hit_rate"),
			"Overall hit rate",
			nil, nil,
		),
		entries: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "tier", "entries"),
			"Entries held per tier",
			[]string{"tier"}, nil,
		),
		tierBytes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "tier", "bytes"),
			"Approximate bytes held per tier",
			[]string{"tier"}, nil,
		),
		evictions: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "tier", "evictions_total"),
			"Entries evicted per tier",
			[]string{"tier"}, nil,
		),
		tierErrors: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "tier", "errors_total"),
			"Backend errors per tier",
			[]string{"tier"}, nil,
		),
		available: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "tier", "available"),
			"1 when the tier answered its last call",
			[]string{"tier"}, nil,
		),
		alertsOpen: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "alerts", "active"),
			"Unresolved performance alerts",
			nil, nil,
		),
		alertsSeen: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "alerts", "raised_total"),
			"Performance alerts raised",
			nil, nil,
		),
		registry: prometheus.NewRegistry(),
	}
	e.registry.MustRegister(e)
	return e
}

// Describe implements prometheus.Collector
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.requests
	ch <- e.tierHits
	ch <- e.operations
	ch <- e.hitRate
	ch <- e.entries
	ch <- e.tierBytes
	ch <- e.evictions
	ch <- e.tierErrors
	ch <- e.available
	ch <- e.alertsOpen
	ch <- e.alertsSeen
}

// Collect implements prometheus.Collector
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stats := e.source.Stats(ctx)
	o := stats.Overall

	ch <- prometheus.MustNewConstMetric(e.requests, prometheus.CounterValue, float64(o.Hits), "hit")
	ch <- prometheus.MustNewConstMetric(e.requests, prometheus.CounterValue, float64(o.Misses), "miss")
	ch <- prometheus.MustNewConstMetric(e.tierHits, prometheus.CounterValue, float64(o.L1Hits), "memory")
	ch <- prometheus.MustNewConstMetric(e.tierHits, prometheus.CounterValue, float64(o.L2Hits), "remote")
	ch <- prometheus.MustNewConstMetric(e.tierHits, prometheus.CounterValue, float64(o.L3Hits), "persistent")
	ch <- prometheus.MustNewConstMetric(e.operations, prometheus.CounterValue, float64(o.Sets), "set")
	ch <- prometheus.MustNewConstMetric(e.operations, prometheus.CounterValue, float64(o.Deletes), "delete")
	ch <- prometheus.MustNewConstMetric(e.operations, prometheus.CounterValue, float64(o.Promotions), "promote")
	ch <- prometheus.MustNewConstMetric(e.hitRate, prometheus.GaugeValue, o.HitRate)

	for name, ts := range stats.Tiers {
		available := 0.0
		if ts.Available {
			available = 1
		}
		ch <- prometheus.MustNewConstMetric(e.entries, prometheus.GaugeValue, float64(ts.Entries), name)
		ch <- prometheus.MustNewConstMetric(e.tierBytes, prometheus.GaugeValue, float64(ts.Bytes), name)
		ch <- prometheus.MustNewConstMetric(e.evictions, prometheus.CounterValue, float64(ts.Evictions), name)
		ch <- prometheus.MustNewConstMetric(e.tierErrors, prometheus.CounterValue, float64(ts.Errors), name)
		ch <- prometheus.MustNewConstMetric(e.available, prometheus.GaugeValue, available, name)
	}

	if e.alerts != nil {
		st := e.alerts.Stats()
		ch <- prometheus.MustNewConstMetric(e.alertsOpen, prometheus.GaugeValue, float64(st.ActiveCount))
		ch <- prometheus.MustNewConstMetric(e.alertsSeen, prometheus.CounterValue, float64(st.TotalRaised))
	}
}

// Registry returns the exporter's registry.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Handler returns the Prometheus metrics handler
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}
