package models

import (
	"context"
	"time"
)

// Generator computes a value for a warmup task. It may fail.
type Generator func(ctx context.Context) (any, error)

// Priority orders warmup tasks; higher runs first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParsePriority parses a priority name, defaulting to medium.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityMedium
	}
}

// Priority score bands.
const (
	CriticalScoreBand = 5.0
	HighScoreBand     = 3.0
	MediumScoreBand   = 1.5
)

// PriorityFromScore maps a priority score onto the fixed bands.
func PriorityFromScore(score float64) Priority {
	switch {
	case score >= CriticalScoreBand:
		return PriorityCritical
	case score >= HighScoreBand:
		return PriorityHigh
	case score >= MediumScoreBand:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Strategy records why a task was created.
type Strategy string

const (
	StrategyManual       Strategy = "manual"
	StrategyScheduled    Strategy = "scheduled"
	StrategyTrafficBased Strategy = "traffic_based"
	StrategyUserBased    Strategy = "user_based"
	StrategyPredictive   Strategy = "predictive"
	StrategyEventDriven  Strategy = "event_driven"
)

// TaskState is the lifecycle state of a warmup task.
type TaskState string

const (
	TaskQueued            TaskState = "queued"
	TaskRunning           TaskState = "running"
	TaskCompleted         TaskState = "completed"
	TaskFailed            TaskState = "failed"
	TaskPermanentlyFailed TaskState = "permanently_failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s TaskState) IsTerminal() bool {
	return s == TaskCompleted || s == TaskPermanentlyFailed
}

// WarmupTask regenerates one cache value ahead of demand.
type WarmupTask struct {
	ID           string        `json:"id"`
	Key          string        `json:"key"`
	Generator    Generator     `json:"-"`
	Priority     Priority      `json:"priority"`
	Strategy     Strategy      `json:"strategy"`
	TTL          time.Duration `json:"ttl"`
	RetryCount   int           `json:"retry_count"`
	MaxRetries   int           `json:"max_retries"`
	Attempts     int           `json:"attempts"`
	CreatedAt    time.Time     `json:"created_at"`
	ScheduledAt  time.Time     `json:"scheduled_at,omitempty"`
	Tags         []string      `json:"tags,omitempty"`
	Dependencies []string      `json:"dependencies,omitempty"`
	State        TaskState     `json:"state"`
	LastError    string        `json:"last_error,omitempty"`
	CompletedAt  time.Time     `json:"completed_at,omitempty"`
}

// IsReady reports whether the task may run at now. Dependencies are checked
// by the scheduler.
func (t *WarmupTask) IsReady(now time.Time) bool {
	return t.ScheduledAt.IsZero() || !now.Before(t.ScheduledAt)
}

// Snapshot returns a copy without the generator, safe to hand to callers.
func (t *WarmupTask) Snapshot() WarmupTask {
	c := *t
	c.Generator = nil
	c.Tags = append([]string(nil), t.Tags...)
	c.Dependencies = append([]string(nil), t.Dependencies...)
	return c
}

// TaskFailure is the permanent-failure record kept after a task gives up.
type TaskFailure struct {
	TaskID   string    `json:"task_id"`
	Key      string    `json:"key"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}
