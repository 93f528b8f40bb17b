package warming

import (
	"sort"
	"sync"
	"time"

	"github.com/o-tero/tiered-cache/pkg/models"
)

// DefaultHistorySize is the per-key access history kept by a Tracker.
const DefaultHistorySize = 100

// Access is one observed request for a cache key.
type Access struct {
	Key            string
	UserID         string
	GenerationTime time.Duration
	ResponseSize   int
	Hit            bool
}

type accessRecord struct {
	hit bool
}

// accessRing is a fixed-size ring of the most recent accesses to one key.
type accessRing struct {
	records []accessRecord
	next    int
	full    bool
}

func newAccessRing(size int) *accessRing {
	return &accessRing{records: make([]accessRecord, size)}
}

func (r *accessRing) add(rec accessRecord) {
	r.records[r.next] = rec
	r.next = (r.next + 1) % len(r.records)
	if r.next == 0 {
		r.full = true
	}
}

func (r *accessRing) len() int {
	if r.full {
		return len(r.records)
	}
	return r.next
}

func (r *accessRing) hitRate() float64 {
	n := r.len()
	if n == 0 {
		return 0
	}
	hits := 0
	for _, rec := range r.records[:n] {
		if rec.hit {
			hits++
		}
	}
	return float64(hits) / float64(n)
}

// Tracker maintains an AccessPattern per key from observed accesses.
//
// Algorithm:
// 1. Keep the last N accesses per key in a ring buffer
// 2. access_count counts every access, not only the retained ones
// 3. avg_interval is the running mean of gaps between consecutive accesses
// 4. hit_rate is recomputed from the retained history on every access
// 5. The hour of every access is added to peak_hours
//
// Patterns are only removed by Cleanup.
type Tracker struct {
	mu          sync.RWMutex
	patterns    map[string]*models.AccessPattern
	histories   map[string]*accessRing
	historySize int
	now         func() time.Time
}

// NewTracker creates a tracker keeping historySize accesses per key.
func NewTracker(historySize int) *Tracker {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Tracker{
		patterns:    make(map[string]*models.AccessPattern),
		histories:   make(map[string]*accessRing),
		historySize: historySize,
		now:         time.Now,
	}
}

// RecordAccess folds one access into the key's pattern.
func (t *Tracker) RecordAccess(a Access) {
	if a.Key == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	p, ok := t.patterns[a.Key]
	if !ok {
		p = models.NewAccessPattern(a.Key)
		p.FirstAccess = now
		t.patterns[a.Key] = p
		t.histories[a.Key] = newAccessRing(t.historySize)
	}

	if p.AccessCount > 0 {
		gap := now.Sub(p.LastAccess)
		if gap < 0 {
			gap = 0
		}
		// AccessCount gaps have been seen including this one.
		p.AvgInterval += (gap - p.AvgInterval) / time.Duration(p.AccessCount)
	}

	p.AccessCount++
	p.LastAccess = now
	p.PeakHours[now.Hour()] = struct{}{}
	if a.UserID != "" {
		p.UserSegments[a.UserID] = struct{}{}
	}
	if a.GenerationTime > 0 {
		p.GenerationTime = a.GenerationTime
	}
	if a.ResponseSize > 0 {
		p.ResponseSize = a.ResponseSize
	}

	h := t.histories[a.Key]
	h.add(accessRecord{hit: a.Hit})
	p.HitRate = h.hitRate()
}

// Pattern returns a copy of the pattern for key.
func (t *Tracker) Pattern(key string) (*models.AccessPattern, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p, ok := t.patterns[key]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// Patterns returns copies of every tracked pattern, ordered by key.
func (t *Tracker) Patterns() []*models.AccessPattern {
	t.mu.RLock()
	out := make([]*models.AccessPattern, 0, len(t.patterns))
	for _, p := range t.patterns {
		out = append(out, p.Clone())
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// HotKeys returns up to limit keys ranked by priority score, highest first.
// Complexity: O(n log n) where n = tracked keys
func (t *Tracker) HotKeys(limit int) []string {
	now := t.now()
	patterns := t.Patterns()

	sort.SliceStable(patterns, func(i, j int) bool {
		return patterns[i].PriorityScore(now) > patterns[j].PriorityScore(now)
	})
	if limit > 0 && limit < len(patterns) {
		patterns = patterns[:limit]
	}

	keys := make([]string, len(patterns))
	for i, p := range patterns {
		keys[i] = p.Key
	}
	return keys
}

// Cleanup removes patterns not accessed within maxAge.
func (t *Tracker) Cleanup(maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-maxAge)
	removed := 0
	for key, p := range t.patterns {
		if p.LastAccess.Before(cutoff) {
			delete(t.patterns, key)
			delete(t.histories, key)
			removed++
		}
	}
	return removed
}

// TrackerStats summarizes the tracker state.
type TrackerStats struct {
	TrackedKeys   int   `json:"tracked_keys"`
	TotalAccesses int64 `json:"total_accesses"`
}

func (t *Tracker) Stats() TrackerStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var total int64
	for _, p := range t.patterns {
		total += p.AccessCount
	}
	return TrackerStats{
		TrackedKeys:   len(t.patterns),
		TotalAccesses: total,
	}
}
