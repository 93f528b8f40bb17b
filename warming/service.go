// Package warming provides proactive cache warming to prevent cold misses and cache stampedes.
//
// Design Philosophy:
// - Observe traffic through a Tracker and rank keys by a priority score
// - Multiple planners for different triggers (traffic, predicted peaks, per user)
// - Rate limiting and a fixed worker pool to protect value generators
// - Failed attempts retry with exponential backoff, then give up with a record
// - Observable via stats, task snapshots, completion events and structured logging
//
// Performance Characteristics:
// - Worker pool runs at most Workers generators concurrently
// - Rate limiter bounds generator calls per second (GeneratorRPS)
// - At most one pending task per key
// - Tasks not ready yet are requeued instead of occupying a worker
package warming

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/o-tero/tiered-cache/pkg/models"
	"github.com/o-tero/tiered-cache/pkg/pubsub"
)

// ErrDuplicateTask is returned when a task for the key is already pending.
var ErrDuplicateTask = errors.New("warmup already pending for key")

// Cache is the part of the coordinator the scheduler writes through.
// *cachemanager.Coordinator satisfies it.
type Cache interface {
	Get(ctx context.Context, key string, tiers ...models.TierKind) (any, bool)
	Set(ctx context.Context, key string, value any, ttl time.Duration, tiers ...models.TierKind) bool
}

// Config holds runtime configuration for the scheduler.
type Config struct {
	Workers        int           // concurrent generator executions
	QueueSize      int           // max pending tasks; retries are always accepted
	MaxRetries     int           // retries after the first attempt
	BaseDelay      time.Duration // backoff unit: delay = 2^retry_count × BaseDelay
	TaskTimeout    time.Duration // per-attempt generator timeout
	GeneratorRPS   float64       // generator calls per second; <=0 disables limiting
	DefaultTTL     time.Duration // ttl for tasks that do not set one; 0 = tier default
	FailureHistory int           // permanent failure records kept
	TaskHistory    int           // finished tasks kept for introspection

	// Planning
	PatternInterval     time.Duration
	PredictiveInterval  time.Duration
	PredictiveLead      time.Duration
	MinAccessCount      int64
	MinPriorityScore    float64
	MaxPatternTasks     int
	PredictiveThreshold float64
	PatternRetention    time.Duration

	// RefreshFromCache lets tasks without a generator re-read the current
	// value and write it back with a fresh ttl.
	RefreshFromCache bool
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Workers:        10,
		QueueSize:      1000,
		MaxRetries:     3,
		BaseDelay:      time.Second,
		TaskTimeout:    30 * time.Second,
		GeneratorRPS:   100,
		FailureHistory: 100,
		TaskHistory:    1000,

		PatternInterval:     5 * time.Minute,
		PredictiveInterval:  time.Hour,
		PredictiveLead:      5 * time.Minute,
		MinAccessCount:      5,
		MinPriorityScore:    1.0,
		MaxPatternTasks:     50,
		PredictiveThreshold: 1.0,
		PatternRetention:    24 * time.Hour,

		RefreshFromCache: true,
	}
}

// Stats tracks scheduler counters.
type Stats struct {
	Queued            int   `json:"queued"`
	Running           int   `json:"running"`
	Enqueued          int64 `json:"enqueued"`
	Completed         int64 `json:"completed"`
	Failed            int64 `json:"failed"`
	Retries           int64 `json:"retries"`
	PermanentlyFailed int64 `json:"permanently_failed"`
	Workers           int   `json:"workers"`
	BusyWorkers       int   `json:"busy_workers"`
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCompletedTopic publishes a WarmCompletedEvent after every attempt.
func WithCompletedTopic(topic *pubsub.Topic[pubsub.WarmCompletedEvent]) Option {
	return func(s *Scheduler) { s.completed = topic }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler owns the warmup queue, the worker pool and the planning loops.
type Scheduler struct {
	config    Config
	cache     Cache
	tracker   *Tracker
	limiter   *rate.Limiter
	logger    *zap.Logger
	completed *pubsub.Topic[pubsub.WarmCompletedEvent]
	now       func() time.Time

	mu          sync.Mutex
	queue       taskQueue
	tasks       map[string]*models.WarmupTask
	pendingKeys map[string]string
	finished    []string
	failures    []models.TaskFailure
	generators  map[string]models.Generator
	stats       Stats
	notify      chan struct{}
	stopped     bool
	jobs        jobRegistry

	lifecycle sync.Mutex
	pool      *WorkerPool
	stopCh    chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewScheduler creates a scheduler writing into cache. tracker may be nil,
// in which case only manually scheduled tasks run.
func NewScheduler(cfg Config, cache Cache, tracker *Tracker, opts ...Option) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	limit := rate.Inf
	burst := 1
	if cfg.GeneratorRPS > 0 {
		limit = rate.Limit(cfg.GeneratorRPS)
		burst = int(cfg.GeneratorRPS)
		if burst < 1 {
			burst = 1
		}
	}

	s := &Scheduler{
		config:      cfg,
		cache:       cache,
		tracker:     tracker,
		limiter:     rate.NewLimiter(limit, burst),
		logger:      zap.NewNop(),
		now:         time.Now,
		tasks:       make(map[string]*models.WarmupTask),
		pendingKeys: make(map[string]string),
		generators:  make(map[string]models.Generator),
		notify:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("warming")
	return s
}

// TaskOption customizes a task created by ScheduleWarmup.
type TaskOption func(*models.WarmupTask)

func WithPriority(p models.Priority) TaskOption {
	return func(t *models.WarmupTask) { t.Priority = p }
}

func WithTTL(ttl time.Duration) TaskOption {
	return func(t *models.WarmupTask) { t.TTL = ttl }
}

func WithStrategy(st models.Strategy) TaskOption {
	return func(t *models.WarmupTask) { t.Strategy = st }
}

// WithScheduledAt delays the first attempt until at.
func WithScheduledAt(at time.Time) TaskOption {
	return func(t *models.WarmupTask) { t.ScheduledAt = at }
}

func WithTags(tags ...string) TaskOption {
	return func(t *models.WarmupTask) { t.Tags = append(t.Tags, tags...) }
}

// WithDependencies makes the task wait for the given task IDs to finish.
func WithDependencies(ids ...string) TaskOption {
	return func(t *models.WarmupTask) { t.Dependencies = append(t.Dependencies, ids...) }
}

func WithMaxRetries(n int) TaskOption {
	return func(t *models.WarmupTask) { t.MaxRetries = n }
}

// RegisterGenerator sets the generator used for key when a task is planned
// without one.
func (s *Scheduler) RegisterGenerator(key string, gen models.Generator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen == nil {
		delete(s.generators, key)
		return
	}
	s.generators[key] = gen
}

// ScheduleWarmup enqueues a task for key and returns its ID. gen may be nil
// when a generator is registered for key or RefreshFromCache is set.
func (s *Scheduler) ScheduleWarmup(key string, gen models.Generator, opts ...TaskOption) (string, error) {
	if key == "" {
		return "", errors.New("key cannot be empty")
	}

	task := &models.WarmupTask{
		ID:         uuid.NewString(),
		Key:        key,
		Generator:  gen,
		Priority:   models.PriorityMedium,
		Strategy:   models.StrategyManual,
		TTL:        s.config.DefaultTTL,
		MaxRetries: s.config.MaxRetries,
		CreatedAt:  s.now(),
		State:      models.TaskQueued,
	}
	for _, opt := range opts {
		opt(task)
	}
	if task.MaxRetries < 0 {
		task.MaxRetries = 0
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return "", models.ErrSchedulerStopped
	}
	if _, dup := s.pendingKeys[key]; dup {
		s.mu.Unlock()
		return "", ErrDuplicateTask
	}
	if s.config.QueueSize > 0 && s.queue.Len() >= s.config.QueueSize {
		s.mu.Unlock()
		return "", models.ErrQueueFull
	}
	s.tasks[task.ID] = task
	s.pendingKeys[key] = task.ID
	s.queue.push(task)
	s.stats.Enqueued++
	s.mu.Unlock()

	s.wake()
	s.logger.Debug("warmup task queued",
		zap.String("task_id", task.ID),
		zap.String("key", key),
		zap.String("priority", task.Priority.String()),
		zap.String("strategy", string(task.Strategy)))
	return task.ID, nil
}

func (s *Scheduler) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Task returns a snapshot of the task with the given ID.
func (s *Scheduler) Task(id string) (models.WarmupTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return models.WarmupTask{}, false
	}
	return t.Snapshot(), true
}

// Pending returns snapshots of the queued tasks in dispatch order.
func (s *Scheduler) Pending() []models.WarmupTask {
	s.mu.Lock()
	q := taskQueue{items: make([]queueItem, len(s.queue.items))}
	for i, item := range s.queue.items {
		snap := item.task.Snapshot()
		q.items[i] = queueItem{task: &snap, seq: item.seq}
	}
	s.mu.Unlock()

	out := make([]models.WarmupTask, 0, q.Len())
	for q.Len() > 0 {
		out = append(out, *q.pop())
	}
	return out
}

// Failures returns the permanent failure records, oldest first.
func (s *Scheduler) Failures() []models.TaskFailure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.TaskFailure(nil), s.failures...)
}

// Stats returns the current counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	st := s.stats
	st.Queued = s.queue.Len()
	s.mu.Unlock()

	st.Workers = s.config.Workers
	s.lifecycle.Lock()
	if s.pool != nil {
		st.BusyWorkers = s.pool.ActiveCount()
	}
	s.lifecycle.Unlock()
	return st
}

// QueueDepth returns the number of queued tasks.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Workers returns the worker states, empty before Start.
func (s *Scheduler) Workers() []WorkerStatus {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.pool == nil {
		return nil
	}
	return s.pool.GetWorkerStatus()
}

// Start launches the worker pool, the dispatcher and the planning loops.
// Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.stopCh != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopCh = make(chan struct{})
	s.pool = NewWorkerPool(s.config.Workers)

	s.mu.Lock()
	s.stopped = false
	s.mu.Unlock()

	s.wg.Add(1)
	go s.dispatch(runCtx, s.stopCh)

	if s.tracker != nil {
		s.startLoops(runCtx, s.stopCh)
	}
	s.logger.Info("warmup scheduler started", zap.Int("workers", s.config.Workers))
}

// Stop halts planning and dispatch, cancels running generators and waits for
// every goroutine to exit. Queued tasks stay queued; new ones are rejected
// with ErrSchedulerStopped until the next Start.
func (s *Scheduler) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	s.cancel()
	s.pool.Shutdown()
	s.wg.Wait()

	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.stopCh = nil
	s.logger.Info("warmup scheduler stopped")
}

// dispatch feeds ready tasks to the pool in priority order.
func (s *Scheduler) dispatch(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		task, wait := s.next()
		if task != nil {
			if !s.pool.Submit(task.Key, func() { s.execute(ctx, task) }) {
				s.requeue(task)
				return
			}
			continue
		}

		var timeout <-chan time.Time
		if wait > 0 {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(wait)
			timeout = timer.C
		}

		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-s.notify:
		case <-timeout:
		}
	}
}

// next pops the highest-priority ready task. Tasks that are not ready are
// put back. When nothing is ready, wait is the time until the earliest
// scheduled task, or 0 when only a notification can make progress.
func (s *Scheduler) next() (*models.WarmupTask, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var deferred []*models.WarmupTask
	var ready *models.WarmupTask
	var wait time.Duration

	for s.queue.Len() > 0 {
		t := s.queue.pop()

		if !t.IsReady(now) {
			deferred = append(deferred, t)
			if d := t.ScheduledAt.Sub(now); wait == 0 || d < wait {
				wait = d
			}
			continue
		}

		switch s.dependencyState(t) {
		case depsPending:
			deferred = append(deferred, t)
			continue
		case depsFailed:
			s.failLocked(t, fmt.Errorf("%w: dependency permanently failed", models.ErrGeneratorFailure), now)
			continue
		}

		ready = t
		break
	}

	for _, t := range deferred {
		s.queue.push(t)
	}
	if ready != nil {
		ready.State = models.TaskRunning
		s.stats.Running++
	}
	return ready, wait
}

type depState int

const (
	depsSatisfied depState = iota
	depsPending
	depsFailed
)

// dependencyState reports whether t may run. Unknown IDs count as satisfied
// since finished tasks are eventually forgotten.
func (s *Scheduler) dependencyState(t *models.WarmupTask) depState {
	state := depsSatisfied
	for _, id := range t.Dependencies {
		dep, ok := s.tasks[id]
		if !ok {
			continue
		}
		switch dep.State {
		case models.TaskCompleted:
		case models.TaskPermanentlyFailed:
			return depsFailed
		default:
			state = depsPending
		}
	}
	return state
}

func (s *Scheduler) requeue(t *models.WarmupTask) {
	s.mu.Lock()
	t.State = models.TaskQueued
	s.stats.Running--
	s.queue.push(t)
	s.mu.Unlock()
}

// execute runs one attempt of t on a worker.
func (s *Scheduler) execute(ctx context.Context, t *models.WarmupTask) {
	s.mu.Lock()
	t.Attempts++
	attempt := t.Attempts
	gen := t.Generator
	if gen == nil {
		gen = s.generators[t.Key]
	}
	s.mu.Unlock()

	start := s.now()
	value, err := s.generate(ctx, t.Key, gen)
	if err == nil && !s.cache.Set(ctx, t.Key, value, t.TTL) {
		err = fmt.Errorf("%w: no tier accepted %q", models.ErrTierUnavailable, t.Key)
	}
	duration := s.now().Sub(start)

	s.mu.Lock()
	s.stats.Running--
	now := s.now()
	var status string
	if err == nil {
		t.State = models.TaskCompleted
		t.CompletedAt = now
		t.LastError = ""
		s.stats.Completed++
		s.finishLocked(t)
		status = pubsub.WarmStatusSuccess
	} else {
		s.stats.Failed++
		t.RetryCount++
		t.LastError = err.Error()
		if t.RetryCount <= t.MaxRetries {
			t.State = models.TaskQueued
			t.ScheduledAt = now.Add(backoff(s.config.BaseDelay, t.RetryCount))
			s.stats.Retries++
			s.queue.push(t)
			status = pubsub.WarmStatusRetry
		} else {
			s.failLocked(t, err, now)
			status = pubsub.WarmStatusFailed
		}
	}
	s.mu.Unlock()
	s.wake()

	s.logAttempt(t, attempt, status, duration, err)
	s.publish(ctx, t, attempt, status, duration, err)
}

// backoff returns 2^retry × base.
func backoff(base time.Duration, retry int) time.Duration {
	if retry > 30 {
		retry = 30
	}
	return base * time.Duration(1<<uint(retry))
}

// generate calls gen under the rate limiter and task timeout. Panics become
// ErrGeneratorFailure.
func (s *Scheduler) generate(ctx context.Context, key string, gen models.Generator) (value any, err error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limit: %w", models.ErrGeneratorFailure, err)
	}

	if s.config.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.TaskTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			value, err = nil, fmt.Errorf("%w: generator panicked: %v", models.ErrGeneratorFailure, r)
		}
	}()

	switch {
	case gen != nil:
		value, err = gen(ctx)
	case s.config.RefreshFromCache:
		var ok bool
		value, ok = s.cache.Get(ctx, key)
		if !ok {
			err = fmt.Errorf("no generator and no cached value: %w", models.ErrNotFound)
		}
	default:
		err = fmt.Errorf("no generator registered: %w", models.ErrNotFound)
	}

	if err != nil && !errors.Is(err, models.ErrGeneratorFailure) {
		err = fmt.Errorf("%w: %w", models.ErrGeneratorFailure, err)
	}
	return value, err
}

// failLocked marks t permanently failed. Caller holds mu.
func (s *Scheduler) failLocked(t *models.WarmupTask, err error, now time.Time) {
	t.State = models.TaskPermanentlyFailed
	t.CompletedAt = now
	t.LastError = err.Error()
	s.stats.PermanentlyFailed++

	s.failures = append(s.failures, models.TaskFailure{
		TaskID:   t.ID,
		Key:      t.Key,
		Attempts: t.Attempts,
		Error:    err.Error(),
		FailedAt: now,
	})
	if limit := s.config.FailureHistory; limit > 0 && len(s.failures) > limit {
		s.failures = s.failures[len(s.failures)-limit:]
	}
	s.finishLocked(t)
}

// finishLocked releases the key and trims finished tasks. Caller holds mu.
func (s *Scheduler) finishLocked(t *models.WarmupTask) {
	if s.pendingKeys[t.Key] == t.ID {
		delete(s.pendingKeys, t.Key)
	}
	s.finished = append(s.finished, t.ID)
	if limit := s.config.TaskHistory; limit > 0 && len(s.finished) > limit {
		drop := len(s.finished) - limit
		for _, id := range s.finished[:drop] {
			delete(s.tasks, id)
		}
		s.finished = s.finished[drop:]
	}
}

func (s *Scheduler) logAttempt(t *models.WarmupTask, attempt int, status string, d time.Duration, err error) {
	fields := []zap.Field{
		zap.String("task_id", t.ID),
		zap.String("key", t.Key),
		zap.Int("attempt", attempt),
		zap.Duration("duration", d),
	}
	switch status {
	case pubsub.WarmStatusSuccess:
		s.logger.Debug("warmup completed", fields...)
	case pubsub.WarmStatusRetry:
		s.logger.Warn("warmup attempt failed, retrying", append(fields, zap.Error(err))...)
	default:
		s.logger.Error("warmup permanently failed", append(fields, zap.Error(err))...)
	}
}

func (s *Scheduler) publish(ctx context.Context, t *models.WarmupTask, attempt int, status string, d time.Duration, err error) {
	if s.completed == nil {
		return
	}
	event := pubsub.WarmCompletedEvent{
		Version:     pubsub.EventVersion1,
		TaskID:      t.ID,
		Key:         t.Key,
		Strategy:    string(t.Strategy),
		Status:      status,
		Attempt:     attempt,
		Duration:    d,
		CompletedAt: s.now(),
	}
	if err != nil {
		event.Error = err.Error()
	}
	s.completed.Publish(ctx, event)
}
