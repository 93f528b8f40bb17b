package monitoring

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/o-tero/tiered-cache/pkg/models"
	"github.com/o-tero/tiered-cache/pkg/pubsub"
)

// DefaultAnalysisWindow is the summary window each rule is evaluated over.
const DefaultAnalysisWindow = 5 * time.Minute

// MaxScore is the performance score with no violations.
const MaxScore = 100.0

// severityImpact is the score penalty of a violation at zero deviation.
var severityImpact = map[models.Severity]float64{
	models.SeverityLow:      5,
	models.SeverityMedium:   10,
	models.SeverityHigh:     20,
	models.SeverityCritical: 30,
}

// Impact returns the score penalty for a violation of the given severity.
// The penalty grows with deviation and is capped at twice the base impact.
func Impact(sev models.Severity, deviation float64) float64 {
	if deviation < 0 {
		deviation = 0
	}
	return severityImpact[sev] * (1 + math.Min(1, deviation))
}

// Recommendation is an optimization hint attached to an alert.
type Recommendation struct {
	AlertID  string          `json:"alert_id"`
	RuleID   string          `json:"rule_id"`
	Metric   string          `json:"metric"`
	Category Category        `json:"category"`
	Severity models.Severity `json:"severity"`
	Action   string          `json:"action"`
}

// Report is the outcome of one analysis pass.
type Report struct {
	Timestamp       time.Time                 `json:"timestamp"`
	Score           float64                   `json:"performance_score"`
	Violations      []models.PerformanceAlert `json:"violations"`
	Raised          []models.PerformanceAlert `json:"raised"`
	Recommendations []Recommendation          `json:"recommendations"`
	RuleErrors      int                       `json:"rule_errors"`
}

// Analyzer evaluates the rule table against collector summaries.
//
// Algorithm:
// 1. Summarize each rule's metric over the analysis window
// 2. Compare recent_value against the threshold
// 3. Raise an alert per violation, deduplicated by the AlertManager
// 4. score = max(0, 100 − Σ impact(violation))
// 5. Attach a recommendation to every violation
//
// A rule that errors or panics is logged and contributes no penalty.
type Analyzer struct {
	collector *Collector
	alerts    *AlertManager
	rules     []Rule
	window    time.Duration
	logger    *zap.Logger
	raised    *pubsub.Topic[pubsub.AlertRaisedEvent]
	now       func() time.Time

	mu   sync.RWMutex
	last *Report
}

// NewAnalyzer creates an analyzer. A nil rules slice uses DefaultRules.
func NewAnalyzer(collector *Collector, alerts *AlertManager, rules []Rule, logger *zap.Logger) *Analyzer {
	if rules == nil {
		rules = DefaultRules()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{
		collector: collector,
		alerts:    alerts,
		rules:     rules,
		window:    DefaultAnalysisWindow,
		logger:    logger,
		now:       time.Now,
	}
}

// Rules returns the rule table.
func (a *Analyzer) Rules() []Rule {
	return append([]Rule(nil), a.rules...)
}

// Analyze runs one pass over every rule.
func (a *Analyzer) Analyze(ctx context.Context) Report {
	now := a.now()
	report := Report{Timestamp: now, Score: MaxScore}

	penalty := 0.0
	for _, rule := range a.rules {
		summary := a.collector.Summary(rule.Metric, a.window)
		if summary.Count == 0 {
			continue
		}

		triggered, err := evaluateRule(rule, summary)
		if err != nil {
			report.RuleErrors++
			a.logger.Warn("rule evaluation failed", zap.String("rule", rule.ID), zap.Error(err))
			continue
		}
		if !triggered {
			continue
		}

		penalty += Impact(rule.Severity, rule.Deviation(summary.RecentValue))

		alert, isNew := a.alerts.Raise(NewAlert(rule, summary.RecentValue, now))
		report.Violations = append(report.Violations, alert)
		report.Recommendations = append(report.Recommendations, recommend(rule, alert))
		if isNew {
			report.Raised = append(report.Raised, alert)
			a.publish(ctx, alert)
		}
	}

	report.Score = math.Max(0, MaxScore-penalty)

	a.mu.Lock()
	a.last = &report
	a.mu.Unlock()

	if len(report.Raised) > 0 {
		a.logger.Info("analysis raised alerts",
			zap.Int("raised", len(report.Raised)),
			zap.Int("violations", len(report.Violations)),
			zap.Float64("score", report.Score))
	}
	return report
}

// LastReport returns the most recent report, if any pass ran.
func (a *Analyzer) LastReport() (Report, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.last == nil {
		return Report{}, false
	}
	return *a.last, true
}

// evaluateRule converts rule panics into ErrRuleEvaluation.
func evaluateRule(rule Rule, summary models.MetricSummary) (triggered bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			triggered, err = false, fmt.Errorf("%w: rule %s panicked: %v", models.ErrRuleEvaluation, rule.ID, r)
		}
	}()
	return rule.Triggered(summary)
}

func recommend(rule Rule, alert models.PerformanceAlert) Recommendation {
	category := rule.Category
	if category == "" {
		category = CategoryGeneric
	}
	action := rule.Recommendation
	if action == "" {
		action = fmt.Sprintf("Investigate %s: %s.", rule.Metric, alert.Message)
	}
	return Recommendation{
		AlertID:  alert.ID,
		RuleID:   rule.ID,
		Metric:   rule.Metric,
		Category: category,
		Severity: rule.Severity,
		Action:   action,
	}
}

func (a *Analyzer) publish(ctx context.Context, alert models.PerformanceAlert) {
	if a.raised == nil {
		return
	}
	a.raised.Publish(ctx, pubsub.AlertRaisedEvent{
		Version:    pubsub.EventVersion1,
		AlertID:    alert.ID,
		MetricName: alert.MetricName,
		Severity:   alert.Severity.String(),
		Message:    alert.Message,
		Threshold:  alert.ThresholdValue,
		Actual:     alert.ActualValue,
		RaisedAt:   alert.Timestamp,
	})
}
