package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntry_IsExpired(t *testing.T) {
	created := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		ttl      time.Duration
		age      time.Duration
		expected bool
	}{
		{name: "not_expired", ttl: time.Hour, age: 30 * time.Minute, expected: false},
		{name: "expired", ttl: time.Hour, age: 2 * time.Hour, expected: true},
		{name: "exactly_at_expiry", ttl: time.Hour, age: time.Hour, expected: false},
		{name: "zero_ttl_never_expires", ttl: 0, age: 100 * time.Hour, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEntry("k", "v", tt.ttl, created)
			assert.Equal(t, tt.expected, e.IsExpired(created.Add(tt.age)))
		})
	}
}

func TestEntry_Remaining(t *testing.T) {
	now := time.Now()

	e := NewEntry("k", "v", time.Minute, now)
	assert.Equal(t, 30*time.Second, e.Remaining(now.Add(30*time.Second)))
	assert.Equal(t, time.Duration(0), e.Remaining(now.Add(2*time.Minute)))

	forever := NewEntry("k", "v", 0, now)
	assert.Equal(t, time.Duration(-1), forever.Remaining(now))
	assert.True(t, forever.ExpiresAt().IsZero())
}

func TestEntry_TouchAndClone(t *testing.T) {
	now := time.Now()
	e := NewEntry("k", map[string]any{"a": 1}, time.Minute, now)
	e.SetMetadata("source", "test")

	later := now.Add(time.Second)
	e.Touch(later)
	e.Touch(later)

	assert.Equal(t, uint64(2), e.GetAccessCount())
	assert.Equal(t, later, e.LastAccessed)

	c := e.Clone()
	c.SetMetadata("source", "clone")
	assert.Equal(t, "test", e.Metadata["source"])
	assert.Equal(t, uint64(2), c.GetAccessCount())
}

func TestCalculateHitRate(t *testing.T) {
	assert.Equal(t, 0.0, CalculateHitRate(0, 0))
	assert.Equal(t, 0.75, CalculateHitRate(3, 1))
}

func TestTierKind_RoundTrip(t *testing.T) {
	for _, k := range AllTiers {
		parsed, ok := ParseTierKind(k.String())
		require.True(t, ok)
		assert.Equal(t, k, parsed)
	}
	_, ok := ParseTierKind("disk")
	assert.False(t, ok)
}

func TestTierError_Classification(t *testing.T) {
	err := NewTierError(TierRemote, "get", "k", errors.New("connection refused"))
	assert.ErrorIs(t, err, ErrTierUnavailable)

	var tierErr *TierError
	require.ErrorAs(t, err, &tierErr)
	assert.Equal(t, TierRemote, tierErr.Tier)

	serr := NewTierError(TierPersistent, "get", "k", ErrSerialization)
	assert.ErrorIs(t, serr, ErrSerialization)
	assert.NotErrorIs(t, serr, ErrTierUnavailable)

	assert.NoError(t, NewTierError(TierMemory, "set", "k", nil))
}

func TestAccessPattern_PriorityScore(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	t.Run("empty_pattern_scores_zero", func(t *testing.T) {
		assert.Equal(t, 0.0, NewAccessPattern("k").PriorityScore(now))
	})

	t.Run("misses_score_higher_than_hits", func(t *testing.T) {
		hot := NewAccessPattern("a")
		hot.AccessCount = 10
		hot.AvgInterval = time.Minute
		cold := hot.Clone()

		hot.HitRate = 0
		cold.HitRate = 1
		assert.Greater(t, hot.PriorityScore(now), cold.PriorityScore(now))
	})

	t.Run("peak_hour_bonus", func(t *testing.T) {
		p := NewAccessPattern("a")
		p.AccessCount = 3
		without := p.PriorityScore(now)
		p.PeakHours[now.Hour()] = struct{}{}
		assert.InDelta(t, without+peakHourBonus, p.PriorityScore(now), 1e-9)
	})

	t.Run("rapid_misses_land_in_critical_band", func(t *testing.T) {
		p := NewAccessPattern("hotkey")
		p.AccessCount = 10
		p.AvgInterval = time.Millisecond
		assert.Equal(t, PriorityCritical, PriorityFromScore(p.PriorityScore(now)))
	})
}

func TestPriorityFromScore(t *testing.T) {
	assert.Equal(t, PriorityCritical, PriorityFromScore(5.0))
	assert.Equal(t, PriorityHigh, PriorityFromScore(3.0))
	assert.Equal(t, PriorityMedium, PriorityFromScore(1.5))
	assert.Equal(t, PriorityLow, PriorityFromScore(1.49))
}

func TestWarmupTask_IsReady(t *testing.T) {
	now := time.Now()
	task := &WarmupTask{Key: "k"}
	assert.True(t, task.IsReady(now))

	task.ScheduledAt = now.Add(time.Minute)
	assert.False(t, task.IsReady(now))
	assert.True(t, task.IsReady(now.Add(time.Minute)))
}
