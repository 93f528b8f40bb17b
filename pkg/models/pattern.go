package models

import (
	"math"
	"sort"
	"time"
)

// AccessPattern is the frequency/recency profile of one cache key.
type AccessPattern struct {
	Key            string              `json:"key"`
	AccessCount    int64               `json:"access_count"`
	FirstAccess    time.Time           `json:"first_access"`
	LastAccess     time.Time           `json:"last_access"`
	AvgInterval    time.Duration       `json:"avg_interval"`
	PeakHours      map[int]struct{}    `json:"-"`
	UserSegments   map[string]struct{} `json:"-"`
	ResponseSize   int                 `json:"response_size"`
	GenerationTime time.Duration       `json:"generation_time"`
	HitRate        float64             `json:"hit_rate"`
}

// NewAccessPattern creates an empty pattern for key.
func NewAccessPattern(key string) *AccessPattern {
	return &AccessPattern{
		Key:          key,
		PeakHours:    make(map[int]struct{}),
		UserSegments: make(map[string]struct{}),
	}
}

// Priority score weights.
const (
	frequencyBonusCap  = 2.0
	generationCostCap  = 2.0
	peakHourBonus      = 1.0
	minMissMultiplier  = 0.5
	frequencyReference = time.Minute
)

// PriorityScore ranks the key as a warmup candidate. It is a pure function of
// the pattern fields and the hour taken from now.
//
//	score = (ln(1+access_count) + frequency + generation_cost) × (0.5 + (1−hit_rate)) + peak_bonus
//
// frequency is accesses per minute derived from avg_interval, capped at 2.
// generation_cost is the generation time in seconds, capped at 2.
// peak_bonus applies when now's hour is a recorded peak hour.
func (p *AccessPattern) PriorityScore(now time.Time) float64 {
	if p.AccessCount <= 0 {
		return 0
	}

	base := math.Log1p(float64(p.AccessCount))

	frequency := 0.0
	if p.AccessCount > 1 {
		if p.AvgInterval <= 0 {
			frequency = frequencyBonusCap
		} else {
			frequency = math.Min(frequencyBonusCap, float64(frequencyReference)/float64(p.AvgInterval))
		}
	}

	generation := math.Min(generationCostCap, p.GenerationTime.Seconds())

	miss := 1 - p.HitRate
	if miss < 0 {
		miss = 0
	}

	score := (base + frequency + generation) * (minMissMultiplier + miss)
	if p.IsPeakHour(now.Hour()) {
		score += peakHourBonus
	}
	return score
}

// IsPeakHour reports whether hour was recorded as a peak hour.
func (p *AccessPattern) IsPeakHour(hour int) bool {
	_, ok := p.PeakHours[hour]
	return ok
}

// HasUser reports whether userID appears in the key's user segments.
func (p *AccessPattern) HasUser(userID string) bool {
	_, ok := p.UserSegments[userID]
	return ok
}

// SortedPeakHours returns the peak hours in ascending order.
func (p *AccessPattern) SortedPeakHours() []int {
	hours := make([]int, 0, len(p.PeakHours))
	for h := range p.PeakHours {
		hours = append(hours, h)
	}
	sort.Ints(hours)
	return hours
}

// Clone returns a deep copy.
func (p *AccessPattern) Clone() *AccessPattern {
	c := *p
	c.PeakHours = make(map[int]struct{}, len(p.PeakHours))
	for h := range p.PeakHours {
		c.PeakHours[h] = struct{}{}
	}
	c.UserSegments = make(map[string]struct{}, len(p.UserSegments))
	for u := range p.UserSegments {
		c.UserSegments[u] = struct{}{}
	}
	return &c
}
