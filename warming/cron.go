package warming

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/o-tero/tiered-cache/pkg/models"
)

// Periodic job names.
const (
	JobPatternAnalysis = "pattern-analysis"
	JobPredictive      = "predictive-warmup"
)

// JobStatus is the bookkeeping for one periodic planning job.
type JobStatus struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	LastRun   *time.Time    `json:"last_run,omitempty"`
	RunCount  int64         `json:"run_count"`
	FailCount int64         `json:"fail_count"`
	LastError string        `json:"last_error,omitempty"`
}

type jobRegistry struct {
	mu   sync.RWMutex
	jobs map[string]*JobStatus
}

func (r *jobRegistry) record(name string, interval time.Duration, at time.Time, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.jobs == nil {
		r.jobs = make(map[string]*JobStatus)
	}
	job, ok := r.jobs[name]
	if !ok {
		job = &JobStatus{Name: name, Interval: interval}
		r.jobs[name] = job
	}
	job.LastRun = &at
	job.RunCount++
	if err != nil {
		job.FailCount++
		job.LastError = err.Error()
	}
}

func (r *jobRegistry) list() []JobStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	jobs := make([]JobStatus, 0, len(r.jobs))
	for _, job := range r.jobs {
		jobs = append(jobs, *job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })
	return jobs
}

// Jobs returns the status of the periodic planning jobs that have run.
func (s *Scheduler) Jobs() []JobStatus {
	return s.jobs.list()
}

// SchedulePatternBased plans TrafficBased tasks from the tracked access
// patterns and enqueues them. Keys that already have a pending task are
// skipped. Returns the number of tasks enqueued.
func (s *Scheduler) SchedulePatternBased() (int, error) {
	if s.tracker == nil {
		return 0, nil
	}
	planner := &TrafficPlanner{
		MinAccessCount:   s.config.MinAccessCount,
		MinPriorityScore: s.config.MinPriorityScore,
		MaxTasks:         s.config.MaxPatternTasks,
		BaseTTL:          s.config.DefaultTTL,
	}
	return s.schedulePlan(planner)
}

// SchedulePredictive enqueues Predictive tasks for keys expected to peak in
// the coming hour.
func (s *Scheduler) SchedulePredictive() (int, error) {
	if s.tracker == nil {
		return 0, nil
	}
	planner := &PredictivePlanner{
		Threshold: s.config.PredictiveThreshold,
		Lead:      s.config.PredictiveLead,
		TTL:       s.config.DefaultTTL,
	}
	return s.schedulePlan(planner)
}

// ScheduleForUser enqueues UserBased tasks for every key userID accessed.
func (s *Scheduler) ScheduleForUser(userID string) (int, error) {
	if userID == "" {
		return 0, errors.New("user id cannot be empty")
	}
	if s.tracker == nil {
		return 0, nil
	}
	return s.schedulePlan(&UserPlanner{UserID: userID, TTL: s.config.DefaultTTL})
}

func (s *Scheduler) schedulePlan(planner Planner) (int, error) {
	candidates := planner.Plan(s.now(), s.tracker.Patterns())

	queued := 0
	var errs []error
	for _, c := range candidates {
		opts := []TaskOption{
			WithPriority(c.Priority),
			WithStrategy(planner.Name()),
			WithTTL(c.TTL),
		}
		if !c.ScheduledAt.IsZero() {
			opts = append(opts, WithScheduledAt(c.ScheduledAt))
		}

		_, err := s.ScheduleWarmup(c.Key, nil, opts...)
		switch {
		case err == nil:
			queued++
		case errors.Is(err, ErrDuplicateTask):
		case errors.Is(err, models.ErrQueueFull), errors.Is(err, models.ErrSchedulerStopped):
			errs = append(errs, err)
			return queued, errors.Join(errs...)
		default:
			errs = append(errs, fmt.Errorf("schedule %q: %w", c.Key, err))
		}
	}

	if queued > 0 {
		s.logger.Info("planned warmup tasks",
			zap.String("strategy", string(planner.Name())),
			zap.Int("candidates", len(candidates)),
			zap.Int("queued", queued))
	}
	return queued, errors.Join(errs...)
}

// startLoops launches the pattern-analysis and predictive loops. Caller
// holds lifecycle.
func (s *Scheduler) startLoops(ctx context.Context, stop <-chan struct{}) {
	if s.config.PatternInterval > 0 {
		s.wg.Add(1)
		go s.runPeriodic(ctx, stop, JobPatternAnalysis, s.config.PatternInterval, func() error {
			_, err := s.SchedulePatternBased()
			if s.config.PatternRetention > 0 {
				if removed := s.tracker.Cleanup(s.config.PatternRetention); removed > 0 {
					s.logger.Debug("dropped stale access patterns", zap.Int("removed", removed))
				}
			}
			return err
		})
	}

	if s.config.PredictiveInterval > 0 {
		s.wg.Add(1)
		go s.runPeriodic(ctx, stop, JobPredictive, s.config.PredictiveInterval, func() error {
			_, err := s.SchedulePredictive()
			return err
		})
	}
}

// runPeriodic calls fn every interval until stop closes. A failing or
// panicking iteration is logged and the loop continues.
func (s *Scheduler) runPeriodic(ctx context.Context, stop <-chan struct{}, name string, interval time.Duration, fn func() error) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.runJob(name, fn)
			s.jobs.record(name, interval, s.now(), err)
			if err != nil {
				s.logger.Warn("warmup job failed", zap.String("job", name), zap.Error(err))
			}
		}
	}
}

func (s *Scheduler) runJob(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", name, r)
		}
	}()
	return fn()
}
