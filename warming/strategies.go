package warming

import (
	"math"
	"sort"
	"time"

	"github.com/o-tero/tiered-cache/pkg/models"
)

// Planner decides which tracked keys deserve a warmup task.
type Planner interface {
	Name() models.Strategy
	Plan(now time.Time, patterns []*models.AccessPattern) []Candidate
}

// Candidate is a planned warmup for one key.
type Candidate struct {
	Key         string
	Priority    models.Priority
	TTL         time.Duration
	ScheduledAt time.Time
	Score       float64
}

// TrafficPlanner selects keys by access volume and priority score.
// Keys are ranked by score and the top N become TrafficBased tasks, with a
// priority band taken from the score and a TTL that grows with traffic.
type TrafficPlanner struct {
	MinAccessCount   int64
	MinPriorityScore float64
	MaxTasks         int
	BaseTTL          time.Duration
}

func (p *TrafficPlanner) Name() models.Strategy { return models.StrategyTrafficBased }

// Plan ranks qualifying keys by score.
// Complexity: O(n log n) for sorting
func (p *TrafficPlanner) Plan(now time.Time, patterns []*models.AccessPattern) []Candidate {
	candidates := make([]Candidate, 0, len(patterns))
	for _, pat := range patterns {
		if pat.AccessCount < p.MinAccessCount {
			continue
		}
		score := pat.PriorityScore(now)
		if score < p.MinPriorityScore {
			continue
		}
		candidates = append(candidates, Candidate{
			Key:      pat.Key,
			Priority: models.PriorityFromScore(score),
			TTL:      trafficTTL(p.BaseTTL, pat),
			Score:    score,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	if p.MaxTasks > 0 && len(candidates) > p.MaxTasks {
		candidates = candidates[:p.MaxTasks]
	}
	return candidates
}

// trafficTTL scales base by observed frequency: up to 4x for keys accessed
// 300 or more times per hour.
func trafficTTL(base time.Duration, pat *models.AccessPattern) time.Duration {
	perHour := float64(pat.AccessCount)
	if pat.AvgInterval > 0 {
		perHour = float64(time.Hour) / float64(pat.AvgInterval)
	}
	factor := 1 + math.Min(3, perHour/100)
	return time.Duration(float64(base) * factor)
}

// PredictivePlanner warms keys expected to be busy in the coming hour. A key
// qualifies when the next hour is one of its peak hours and its projected
// hourly load, access_count/24, exceeds Threshold.
type PredictivePlanner struct {
	Threshold float64
	Lead      time.Duration
	TTL       time.Duration
}

func (p *PredictivePlanner) Name() models.Strategy { return models.StrategyPredictive }

func (p *PredictivePlanner) Plan(now time.Time, patterns []*models.AccessPattern) []Candidate {
	nextHourStart := now.Truncate(time.Hour).Add(time.Hour)
	nextHour := nextHourStart.Hour()

	runAt := nextHourStart.Add(-p.Lead)
	if !runAt.After(now) {
		runAt = time.Time{}
	}

	var candidates []Candidate
	for _, pat := range patterns {
		if !pat.IsPeakHour(nextHour) {
			continue
		}
		projected := float64(pat.AccessCount) / 24
		if projected <= p.Threshold {
			continue
		}

		priority := models.PriorityMedium
		if projected > 2*p.Threshold {
			priority = models.PriorityHigh
		}
		candidates = append(candidates, Candidate{
			Key:         pat.Key,
			Priority:    priority,
			TTL:         p.TTL,
			ScheduledAt: runAt,
			Score:       projected,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	return candidates
}

// UserPlanner selects every key the given user has accessed.
type UserPlanner struct {
	UserID string
	TTL    time.Duration
}

func (p *UserPlanner) Name() models.Strategy { return models.StrategyUserBased }

func (p *UserPlanner) Plan(_ time.Time, patterns []*models.AccessPattern) []Candidate {
	var candidates []Candidate
	for _, pat := range patterns {
		if !pat.HasUser(p.UserID) {
			continue
		}
		candidates = append(candidates, Candidate{
			Key:      pat.Key,
			Priority: models.PriorityHigh,
			TTL:      p.TTL,
		})
	}
	return candidates
}
