// Package monitoring provides observability for the tiered cache.
//
// Design Philosophy:
// - Bounded per-metric ring buffers; memory does not grow with traffic
// - Periodic snapshots of coordinator stats rather than per-call hooks
// - Rule-based analysis with deduplicated alerts and a single health score
// - Prometheus exposition read at scrape time
//
// Architecture:
// - Collector: counters, gauges and timers with windowed summaries
// - Aggregator: coordinator snapshots and warmup events into metrics
// - Analyzer + AlertManager: rule table, alerts, score, recommendations
// - Dashboard: headline metrics, alerts, recommendations and trends
// - Exporter: prometheus.Collector over coordinator stats
package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/o-tero/tiered-cache/pkg/models"
	"github.com/o-tero/tiered-cache/pkg/pubsub"
)

// Config holds monitoring service configuration.
type Config struct {
	CollectionInterval time.Duration // how often coordinator stats are sampled
	AnalysisInterval   time.Duration // how often rules are evaluated
	AlertHistorySize   int           // alerts kept, resolved or not
	PointCapacity      int           // ring size for counters and gauges
	TimerCapacity      int           // ring size for timers
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		CollectionInterval: 30 * time.Second,
		AnalysisInterval:   60 * time.Second,
		AlertHistorySize:   1000,
		PointCapacity:      DefaultPointCapacity,
		TimerCapacity:      DefaultTimerCapacity,
	}
}

// Option customizes a Service.
type Option func(*Service)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithAlertTopic publishes an AlertRaisedEvent for every new alert.
func WithAlertTopic(topic *pubsub.Topic[pubsub.AlertRaisedEvent]) Option {
	return func(s *Service) { s.alertTopic = topic }
}

// WithQueueSource adds the warmup queue depth to every snapshot.
func WithQueueSource(q QueueSource) Option {
	return func(s *Service) { s.queue = q }
}

// WithRules replaces the default rule table.
func WithRules(rules []Rule) Option {
	return func(s *Service) { s.rules = rules }
}

// WithCollector shares an existing collector, typically one already handed
// to the coordinator as its Recorder.
func WithCollector(c *Collector) Option {
	return func(s *Service) { s.collector = c }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service owns the collector, the alert pipeline and the two periodic loops.
type Service struct {
	config     Config
	logger     *zap.Logger
	alertTopic *pubsub.Topic[pubsub.AlertRaisedEvent]
	queue      QueueSource
	rules      []Rule
	now        func() time.Time

	collector  *Collector
	aggregator *Aggregator
	alerts     *AlertManager
	analyzer   *Analyzer
	dashboard  *Dashboard
	exporter   *Exporter

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewService creates a monitoring service sampling source.
func NewService(cfg Config, source StatsSource, opts ...Option) *Service {
	s := &Service{
		config: cfg,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("monitoring")

	if s.collector == nil {
		s.collector = NewCollector(cfg.PointCapacity, cfg.TimerCapacity)
	}
	s.collector.now = s.now

	s.aggregator = NewAggregator(s.collector, source)
	s.aggregator.queue = s.queue

	s.alerts = NewAlertManager(cfg.AlertHistorySize)
	s.alerts.now = s.now

	s.analyzer = NewAnalyzer(s.collector, s.alerts, s.rules, s.logger)
	s.analyzer.raised = s.alertTopic
	s.analyzer.now = s.now

	s.dashboard = NewDashboard(s.collector, s.alerts, s.analyzer)
	s.dashboard.now = s.now

	s.exporter = NewExporter(source, s.alerts)
	return s
}

// Collector returns the metrics collector; it doubles as the coordinator's
// Recorder.
func (s *Service) Collector() *Collector { return s.collector }

// Alerts returns the alert manager.
func (s *Service) Alerts() *AlertManager { return s.alerts }

// Collect takes one coordinator snapshot.
func (s *Service) Collect(ctx context.Context) models.CoordinatorStats {
	return s.aggregator.Collect(ctx)
}

// Analyze runs one rule evaluation pass.
func (s *Service) Analyze(ctx context.Context) Report {
	return s.analyzer.Analyze(ctx)
}

// Dashboard returns the monitoring dashboard.
func (s *Service) Dashboard() DashboardData {
	return s.dashboard.Build()
}

// Export encodes every metric summary over window.
func (s *Service) Export(format ExportFormat, window time.Duration) ([]byte, error) {
	return s.dashboard.Export(format, window)
}

// Summary returns the summary of one metric over window.
func (s *Service) Summary(name string, window time.Duration) models.MetricSummary {
	return s.collector.Summary(name, window)
}

// ResolveAlert resolves the alert with id.
func (s *Service) ResolveAlert(id string) bool {
	ok := s.alerts.Resolve(id)
	if ok {
		s.logger.Info("alert resolved", zap.String("alert_id", id))
	}
	return ok
}

// HandleWarmCompleted is the subscriber for warmup completion events.
func (s *Service) HandleWarmCompleted(ctx context.Context, ev pubsub.WarmCompletedEvent) error {
	return s.aggregator.HandleWarmCompleted(ctx, ev)
}

// MetricsHandler serves the Prometheus exposition.
func (s *Service) MetricsHandler() http.Handler {
	return s.exporter.Handler()
}

// Start launches the collection and analysis loops. Calling Start twice is a
// no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})

	s.wg.Add(2)
	go s.runLoop(ctx, s.stopCh, "collection", s.config.CollectionInterval, func() {
		s.Collect(ctx)
	})
	go s.runLoop(ctx, s.stopCh, "analysis", s.config.AnalysisInterval, func() {
		s.Analyze(ctx)
	})

	s.logger.Info("monitoring started",
		zap.Duration("collection_interval", s.config.CollectionInterval),
		zap.Duration("analysis_interval", s.config.AnalysisInterval))
}

// Stop halts both loops and waits for them to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	s.wg.Wait()
	s.stopCh = nil
	s.logger.Info("monitoring stopped")
}

// runLoop calls fn every interval. A panicking iteration is logged and the
// loop continues on the next tick.
func (s *Service) runLoop(ctx context.Context, stop <-chan struct{}, name string, interval time.Duration, fn func()) {
	defer s.wg.Done()

	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := safeRun(fn); err != nil {
				s.logger.Error("monitoring loop iteration failed", zap.String("loop", name), zap.Error(err))
			}
		}
	}
}

func safeRun(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	fn()
	return nil
}
