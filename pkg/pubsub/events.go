package pubsub

import (
	"errors"
	"fmt"
	"time"
)

// Event versioning strategy:
// - Version 1: Initial schema
// - Future versions: Add fields, never remove

const (
	// EventVersion1 is the current event schema version
	EventVersion1 = 1
)

// InvalidationEvent is published to TopicCacheInvalidate.
//
// Invalidation modes:
//   - Exact keys: Keys set
//   - Pattern-based: Pattern set (e.g., "users:*")
//   - Clear: Pattern "*" with Cleared=true
type InvalidationEvent struct {
	Version     int       `json:"version"`
	Source      string    `json:"source"`
	Keys        []string  `json:"keys,omitempty"`
	Pattern     string    `json:"pattern,omitempty"`
	Tiers       []string  `json:"tiers,omitempty"`
	Removed     int       `json:"removed"`
	Cleared     bool      `json:"cleared,omitempty"`
	TriggeredAt time.Time `json:"triggered_at"`
}

// Validate checks if the InvalidationEvent is well-formed.
func (e *InvalidationEvent) Validate() error {
	if e.Version != EventVersion1 {
		return fmt.Errorf("unsupported event version: %d", e.Version)
	}
	if e.Source == "" {
		return errors.New("source field is required")
	}
	if len(e.Keys) == 0 && e.Pattern == "" {
		return errors.New("at least one of keys or pattern must be set")
	}
	if e.TriggeredAt.IsZero() {
		return errors.New("triggered_at cannot be zero")
	}
	return nil
}

// Warm statuses.
const (
	WarmStatusSuccess = "success"
	WarmStatusRetry   = "retry"
	WarmStatusFailed  = "failed"
)

// WarmCompletedEvent is published to TopicCacheWarmCompleted after every
// warmup attempt.
type WarmCompletedEvent struct {
	Version     int           `json:"version"`
	TaskID      string        `json:"task_id"`
	Key         string        `json:"key"`
	Strategy    string        `json:"strategy"`
	Status      string        `json:"status"`
	Attempt     int           `json:"attempt"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
	CompletedAt time.Time     `json:"completed_at"`
}

// Validate checks if the WarmCompletedEvent is well-formed.
func (e *WarmCompletedEvent) Validate() error {
	if e.Version != EventVersion1 {
		return fmt.Errorf("unsupported event version: %d", e.Version)
	}
	if e.TaskID == "" || e.Key == "" {
		return errors.New("task_id and key are required")
	}
	switch e.Status {
	case WarmStatusSuccess, WarmStatusRetry, WarmStatusFailed:
	default:
		return fmt.Errorf("invalid status: %s (must be success, retry, or failed)", e.Status)
	}
	if e.Duration < 0 {
		return errors.New("duration cannot be negative")
	}
	if e.Attempt < 1 {
		return errors.New("attempt must be at least 1")
	}
	if e.CompletedAt.IsZero() {
		return errors.New("completed_at cannot be zero")
	}
	return nil
}

// AlertRaisedEvent is published to TopicAlertRaised for every new,
// non-duplicate alert.
type AlertRaisedEvent struct {
	Version    int       `json:"version"`
	AlertID    string    `json:"alert_id"`
	MetricName string    `json:"metric_name"`
	Severity   string    `json:"severity"`
	Message    string    `json:"message"`
	Threshold  float64   `json:"threshold"`
	Actual     float64   `json:"actual"`
	RaisedAt   time.Time `json:"raised_at"`
}

// Validate checks if the AlertRaisedEvent is well-formed.
func (e *AlertRaisedEvent) Validate() error {
	if e.Version != EventVersion1 {
		return fmt.Errorf("unsupported event version: %d", e.Version)
	}
	if e.AlertID == "" || e.MetricName == "" {
		return errors.New("alert_id and metric_name are required")
	}
	if e.RaisedAt.IsZero() {
		return errors.New("raised_at cannot be zero")
	}
	return nil
}
