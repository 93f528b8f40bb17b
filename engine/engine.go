// Package engine wires the tiered cache subsystems into one object with an
// explicit lifecycle.
//
// Construction order:
//  1. Metrics collector (shared as the coordinator's Recorder)
//  2. Tiers and the CacheCoordinator
//  3. AccessPatternTracker and WarmupScheduler writing through the coordinator
//  4. Monitoring service sampling the coordinator and the warmup queue
//
// Events flow over in-process topics:
//   - cache.invalidate: coordinator deletes, pattern deletes and clears,
//     applied by peers and written to the invalidation audit journal
//   - cache.warm.completed: every warmup attempt, folded into monitoring
//   - monitoring.alert.raised: new alerts, logged here
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	cachemanager "github.com/o-tero/tiered-cache/cache-manager"
	"github.com/o-tero/tiered-cache/config"
	"github.com/o-tero/tiered-cache/invalidation"
	"github.com/o-tero/tiered-cache/monitoring"
	"github.com/o-tero/tiered-cache/pkg/models"
	"github.com/o-tero/tiered-cache/pkg/pubsub"
	"github.com/o-tero/tiered-cache/pkg/utils"
	"github.com/o-tero/tiered-cache/warming"
)

// Option customizes an Engine.
type Option func(*Engine)

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithRemoteStore backs the remote tier with store instead of dialing
// config.RemoteEndpoint.
func WithRemoteStore(store cachemanager.RemoteStore) Option {
	return func(e *Engine) { e.remoteStore = store }
}

// Engine is the public face of the tiered cache.
type Engine struct {
	config      config.Config
	logger      *zap.Logger
	remoteStore cachemanager.RemoteStore

	coordinator *cachemanager.Coordinator
	tracker     *warming.Tracker
	scheduler   *warming.Scheduler
	monitor     *monitoring.Service
	audit       *invalidation.Service

	invalidations *cachemanager.InvalidationTopic
	warmCompleted *pubsub.Topic[pubsub.WarmCompletedEvent]
	alertsRaised  *pubsub.Topic[pubsub.AlertRaisedEvent]
	unsubscribe   []func()

	mu      sync.Mutex
	started bool
	closed  bool
}

// New builds an engine from cfg. The remote tier is created when
// cfg.RemoteEndpoint is set or a store is injected; New fails if Redis does
// not answer.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{config: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}

	e.invalidations = pubsub.NewTopic[pubsub.InvalidationEvent](pubsub.TopicCacheInvalidate, e.logger)
	e.warmCompleted = pubsub.NewTopic[pubsub.WarmCompletedEvent](pubsub.TopicCacheWarmCompleted, e.logger)
	e.alertsRaised = pubsub.NewTopic[pubsub.AlertRaisedEvent](pubsub.TopicAlertRaised, e.logger)

	tiers, err := e.buildTiers(ctx)
	if err != nil {
		return nil, err
	}

	collector := monitoring.NewCollector(monitoring.DefaultPointCapacity, monitoring.DefaultTimerCapacity)

	e.coordinator, err = cachemanager.NewCoordinator(
		cachemanager.Config{NeverExpireTTL: cfg.NeverExpireTTL, SweepInterval: cfg.SweepInterval},
		tiers,
		cachemanager.WithLogger(e.logger),
		cachemanager.WithRecorder(collector),
		cachemanager.WithInvalidationTopic(e.invalidations),
	)
	if err != nil {
		closeTiers(tiers)
		return nil, err
	}

	e.tracker = warming.NewTracker(cfg.AccessHistorySize)
	e.scheduler = warming.NewScheduler(schedulerConfig(cfg), e.coordinator, e.tracker,
		warming.WithLogger(e.logger),
		warming.WithCompletedTopic(e.warmCompleted),
	)

	e.monitor = monitoring.NewService(monitoringConfig(cfg), e.coordinator,
		monitoring.WithLogger(e.logger),
		monitoring.WithCollector(collector),
		monitoring.WithQueueSource(e.scheduler),
		monitoring.WithAlertTopic(e.alertsRaised),
	)

	e.audit = invalidation.NewService(invalidation.NewJournal(invalidation.DefaultJournalSize),
		e.coordinator.Source(),
		invalidation.WithLogger(e.logger),
	)

	e.subscribe()

	e.logger.Info("engine configured",
		zap.Strings("tiers", tierNames(e.coordinator.Tiers())),
		zap.Int("memory_capacity", cfg.MemoryCapacity),
		zap.Int("warmup_workers", cfg.MaxConcurrentWarmupTasks))
	return e, nil
}

func (e *Engine) buildTiers(ctx context.Context) ([]cachemanager.Tier, error) {
	cfg := e.config
	tiers := []cachemanager.Tier{cachemanager.NewMemoryTier(cfg.MemoryCapacity, cfg.MemoryTTL)}

	needPipeline := cfg.RemoteEnabled() || e.remoteStore != nil || cfg.PersistentEnabled
	if !needPipeline {
		return tiers, nil
	}

	pipeline, err := utils.NewPipeline(utils.PipelineConfig{
		Format:             cfg.SerializationFormat,
		CompressionEnabled: cfg.CompressionEnabled,
		Algorithm:          cfg.CompressionAlgorithm,
		MinCompressBytes:   cfg.CompressionMinBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrInvalidConfig, err)
	}

	store := e.remoteStore
	if store == nil && cfg.RemoteEnabled() {
		store, err = cachemanager.NewRedisStore(ctx, cachemanager.RedisOptions{
			Addr:      cfg.RemoteEndpoint,
			Password:  cfg.RemotePassword,
			DB:        cfg.RemoteDB,
			KeyPrefix: cfg.RemoteKeyPrefix,
		})
		if err != nil {
			return nil, err
		}
	}
	if store != nil {
		tiers = append(tiers, cachemanager.NewRemoteTier(store, pipeline, cfg.RemoteTTL, cfg.RemoteTimeout, e.logger))
	}

	if cfg.PersistentEnabled {
		pt, err := cachemanager.NewPersistentTier(cfg.PersistentDir, pipeline, cfg.PersistentTTL, e.logger)
		if err != nil {
			closeTiers(tiers)
			return nil, err
		}
		tiers = append(tiers, pt)
	}
	return tiers, nil
}

func closeTiers(tiers []cachemanager.Tier) {
	for _, t := range tiers {
		if cl, ok := t.(cachemanager.Closer); ok {
			_ = cl.Close()
		}
	}
}

func tierNames(tiers []cachemanager.Tier) []string {
	names := make([]string, len(tiers))
	for i, t := range tiers {
		names[i] = t.Kind().String()
	}
	return names
}

func schedulerConfig(cfg config.Config) warming.Config {
	wc := warming.DefaultConfig()
	wc.Workers = cfg.MaxConcurrentWarmupTasks
	wc.QueueSize = cfg.WarmupQueueSize
	wc.MaxRetries = cfg.WarmupMaxRetries
	wc.BaseDelay = cfg.WarmupBaseDelay
	if cfg.WarmupTaskTimeout > 0 {
		wc.TaskTimeout = cfg.WarmupTaskTimeout
	}
	wc.GeneratorRPS = cfg.WarmupGeneratorRPS
	wc.DefaultTTL = cfg.WarmupTTL
	wc.PatternInterval = cfg.PatternAnalyzeInterval
	wc.PredictiveInterval = cfg.PredictiveInterval
	wc.MinAccessCount = cfg.MinAccessCount
	wc.MinPriorityScore = cfg.MinPriorityScore
	wc.MaxPatternTasks = cfg.MaxPatternTasks
	wc.PredictiveThreshold = cfg.PredictiveThreshold
	wc.PatternRetention = cfg.PatternRetention
	return wc
}

func monitoringConfig(cfg config.Config) monitoring.Config {
	mc := monitoring.DefaultConfig()
	mc.CollectionInterval = cfg.CollectionInterval
	mc.AnalysisInterval = cfg.AnalysisInterval
	mc.AlertHistorySize = cfg.AlertHistorySize
	return mc
}

func (e *Engine) subscribe() {
	e.unsubscribe = append(e.unsubscribe,
		e.invalidations.Subscribe("coordinator", e.coordinator.HandleInvalidateEvent),
		e.invalidations.Subscribe("audit", e.audit.HandleInvalidateEvent),
		e.warmCompleted.Subscribe("monitoring", e.monitor.HandleWarmCompleted),
		e.alertsRaised.Subscribe("engine-log", e.logAlert),
	)
}

func (e *Engine) logAlert(_ context.Context, ev pubsub.AlertRaisedEvent) error {
	e.logger.Warn("performance alert raised",
		zap.String("alert_id", ev.AlertID),
		zap.String("metric", ev.MetricName),
		zap.String("severity", ev.Severity),
		zap.Float64("threshold", ev.Threshold),
		zap.Float64("actual", ev.Actual),
		zap.String("message", ev.Message))
	return nil
}

// Start launches the sweep, warmup and monitoring loops. Calling Start on a
// running engine is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return errors.New("engine is closed")
	}
	if e.started {
		return nil
	}

	e.coordinator.Start(ctx)
	e.scheduler.Start(ctx)
	e.monitor.Start(ctx)
	e.started = true

	e.logger.Info("engine started")
	return nil
}

// Stop halts every loop and releases tier resources. Stop returns ctx's
// error if shutdown outlives it; the engine cannot be restarted afterwards.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.started = false
	e.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		var err error
		e.scheduler.Stop()
		e.monitor.Stop()
		for _, unsub := range e.unsubscribe {
			unsub()
		}
		err = multierr.Append(err, e.coordinator.Close())
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			e.logger.Error("engine stopped with errors", zap.Error(err))
		} else {
			e.logger.Info("engine stopped")
		}
		return err
	case <-ctx.Done():
		return fmt.Errorf("engine stop: %w", ctx.Err())
	}
}

// Get returns the value for key from the fastest tier holding it.
func (e *Engine) Get(ctx context.Context, key string, tiers ...models.TierKind) (any, bool) {
	return e.coordinator.Get(ctx, key, tiers...)
}

// Set writes value to the selected tiers (all when none given).
func (e *Engine) Set(ctx context.Context, key string, value any, ttl time.Duration, tiers ...models.TierKind) bool {
	return e.coordinator.Set(ctx, key, value, ttl, tiers...)
}

// Delete removes key from the selected tiers.
func (e *Engine) Delete(ctx context.Context, key string, tiers ...models.TierKind) bool {
	return e.coordinator.Delete(ctx, key, tiers...)
}

// Invalidate removes every key matching the glob pattern.
func (e *Engine) Invalidate(ctx context.Context, pattern string, tiers ...models.TierKind) (int, error) {
	return e.coordinator.DeletePattern(ctx, pattern, tiers...)
}

// Clear empties the selected tiers.
func (e *Engine) Clear(ctx context.Context, tiers ...models.TierKind) {
	e.coordinator.Clear(ctx, tiers...)
}

// Stats returns per-tier and overall statistics.
func (e *Engine) Stats(ctx context.Context) models.CoordinatorStats {
	return e.coordinator.Stats(ctx)
}

// RecordAccess feeds the access pattern tracker.
func (e *Engine) RecordAccess(a warming.Access) {
	if a.Key == "" {
		return
	}
	e.tracker.RecordAccess(a)
}

// GetOrLoad returns the cached value or runs loader once per key across
// concurrent callers. The access is recorded, and loader is registered as
// the key's warmup generator so planned warmups can regenerate it.
func (e *Engine) GetOrLoad(ctx context.Context, key string, ttl time.Duration, userID string, loader cachemanager.Loader) (any, error) {
	if loader == nil {
		return e.coordinator.GetOrLoad(ctx, key, ttl, nil)
	}

	var (
		ran  atomic.Bool
		took atomic.Int64
	)
	v, err := e.coordinator.GetOrLoad(ctx, key, ttl, func(ctx context.Context) (any, error) {
		ran.Store(true)
		start := time.Now()
		defer func() { took.Store(int64(time.Since(start))) }()
		return loader(ctx)
	})
	if err != nil {
		return nil, err
	}

	e.RecordAccess(warming.Access{
		Key:            key,
		UserID:         userID,
		GenerationTime: time.Duration(took.Load()),
		Hit:            !ran.Load(),
	})
	if ran.Load() {
		e.scheduler.RegisterGenerator(key, models.Generator(loader))
	}
	return v, nil
}

// ScheduleWarmup queues a manual warmup and reports whether it was accepted.
func (e *Engine) ScheduleWarmup(key string, gen models.Generator, priority models.Priority, ttl time.Duration) bool {
	_, err := e.ScheduleWarmupTask(key, gen, warming.WithPriority(priority), warming.WithTTL(ttl))
	return err == nil
}

// ScheduleWarmupTask queues a warmup with full options and returns its ID.
func (e *Engine) ScheduleWarmupTask(key string, gen models.Generator, opts ...warming.TaskOption) (string, error) {
	id, err := e.scheduler.ScheduleWarmup(key, gen, opts...)
	if err != nil {
		e.logger.Debug("warmup rejected", zap.String("key", key), zap.Error(err))
	}
	return id, err
}

// WarmUser schedules warmups for every key the user has accessed.
func (e *Engine) WarmUser(userID string) (int, error) {
	return e.scheduler.ScheduleForUser(userID)
}

// WarmupTask returns a snapshot of a scheduled task.
func (e *Engine) WarmupTask(id string) (models.WarmupTask, bool) {
	return e.scheduler.Task(id)
}

// WarmupStatus summarizes the scheduler.
type WarmupStatus struct {
	Stats    warming.Stats          `json:"stats"`
	Jobs     []warming.JobStatus    `json:"jobs"`
	Failures []models.TaskFailure   `json:"failures"`
	Tracker  warming.TrackerStats   `json:"tracker"`
	Workers  []warming.WorkerStatus `json:"workers"`
}

// Warmup returns scheduler counters, planning jobs and recent failures.
func (e *Engine) Warmup() WarmupStatus {
	return WarmupStatus{
		Stats:    e.scheduler.Stats(),
		Jobs:     e.scheduler.Jobs(),
		Failures: e.scheduler.Failures(),
		Tracker:  e.tracker.Stats(),
		Workers:  e.scheduler.Workers(),
	}
}

// Dashboard returns the monitoring dashboard.
func (e *Engine) Dashboard() monitoring.DashboardData {
	return e.monitor.Dashboard()
}

// Alerts returns up to limit alerts, newest first.
func (e *Engine) Alerts(limit int) []models.PerformanceAlert {
	return e.monitor.Alerts().History(limit)
}

// ResolveAlert marks an alert resolved.
func (e *Engine) ResolveAlert(id string) bool {
	return e.monitor.ResolveAlert(id)
}

// ExportMetrics encodes metric summaries over window.
func (e *Engine) ExportMetrics(format monitoring.ExportFormat, window time.Duration) ([]byte, error) {
	return e.monitor.Export(format, window)
}

// InvalidationLog pages through the invalidation audit journal.
func (e *Engine) InvalidationLog(req invalidation.GetAuditLogsRequest) (*invalidation.GetAuditLogsResponse, error) {
	return e.audit.GetAuditLogs(req)
}

// InvalidationStats aggregates the audit journal over window.
func (e *Engine) InvalidationStats(window time.Duration) invalidation.AuditStats {
	return e.audit.Stats(window)
}

// InvalidationMetrics returns the invalidation counters.
func (e *Engine) InvalidationMetrics() invalidation.MetricsResponse {
	return e.audit.GetMetrics()
}

// PruneInvalidationLog drops audit entries older than retention.
func (e *Engine) PruneInvalidationLog(retention time.Duration) int64 {
	return e.audit.Cleanup(retention)
}

// Monitor exposes the monitoring service for on-demand collection and
// analysis.
func (e *Engine) Monitor() *monitoring.Service { return e.monitor }

// MetricsHandler serves the Prometheus exposition.
func (e *Engine) MetricsHandler() http.Handler {
	return e.monitor.MetricsHandler()
}

// Healthy reports whether every configured tier answered its last call.
func (e *Engine) Healthy(ctx context.Context) (bool, map[string]bool) {
	stats := e.coordinator.Stats(ctx)
	tiers := make(map[string]bool, len(stats.Tiers))
	ok := true
	for name, ts := range stats.Tiers {
		tiers[name] = ts.Available
		ok = ok && ts.Available
	}
	return ok, tiers
}
