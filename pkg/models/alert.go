package models

import "time"

// Severity ranks alerts; higher is worse.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalText renders the severity by name in JSON output.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// PerformanceAlert is produced by rule evaluation and mutated only by
// resolution.
type PerformanceAlert struct {
	ID             string     `json:"id"`
	RuleID         string     `json:"rule_id"`
	MetricName     string     `json:"metric_name"`
	Severity       Severity   `json:"severity"`
	Message        string     `json:"message"`
	Recommendation string     `json:"recommendation,omitempty"`
	ThresholdValue float64    `json:"threshold_value"`
	ActualValue    float64    `json:"actual_value"`
	Timestamp      time.Time  `json:"timestamp"`
	Resolved       bool       `json:"resolved"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}
