package invalidation

import (
	"sort"
	"sync"
	"time"

	"github.com/o-tero/tiered-cache/pkg/utils"
)

// DefaultJournalSize bounds the journal when no size is given.
const DefaultJournalSize = 10000

// AuditLog records one invalidation observed on the invalidation topic.
// Pattern holds the glob, the joined key list, or "*" for a clear. Latency
// is the delay between publish and record in milliseconds.
type AuditLog struct {
	ID          int64     `json:"id"`
	Pattern     string    `json:"pattern"`
	Keys        []string  `json:"keys,omitempty"`
	Tiers       []string  `json:"tiers,omitempty"`
	Kind        Kind      `json:"kind"`
	TriggeredBy string    `json:"triggered_by"`
	Remote      bool      `json:"remote"`
	Removed     int       `json:"removed"`
	Timestamp   time.Time `json:"timestamp"`
	Latency     int64     `json:"latency_ms"`
}

// Kind classifies an invalidation.
type Kind string

const (
	KindKey     Kind = "key"
	KindPattern Kind = "pattern"
	KindClear   Kind = "clear"
)

// Journal is an append-only, bounded, in-memory audit trail. Once full the
// oldest entries are dropped.
type Journal struct {
	mu      sync.RWMutex
	entries []AuditLog
	size    int
	nextID  int64
	now     func() time.Time
}

// NewJournal creates a journal keeping at most size entries.
func NewJournal(size int) *Journal {
	if size <= 0 {
		size = DefaultJournalSize
	}
	return &Journal{size: size, now: time.Now}
}

// Insert appends log, assigning its ID and timestamp when unset.
func (j *Journal) Insert(log AuditLog) AuditLog {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.nextID++
	log.ID = j.nextID
	if log.Timestamp.IsZero() {
		log.Timestamp = j.now()
	}
	j.entries = append(j.entries, log)
	if over := len(j.entries) - j.size; over > 0 {
		j.entries = append(j.entries[:0:0], j.entries[over:]...)
	}
	return log
}

// Recent returns entries newest first, skipping offset and returning at most
// limit. A non-empty filter keeps entries whose pattern matches the glob.
func (j *Journal) Recent(limit, offset int, filter string) ([]AuditLog, error) {
	match, err := matcher(filter)
	if err != nil {
		return nil, err
	}

	j.mu.RLock()
	defer j.mu.RUnlock()

	out := make([]AuditLog, 0)
	skipped := 0
	for i := len(j.entries) - 1; i >= 0; i-- {
		e := j.entries[i]
		if !match(e.Pattern) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, e)
	}
	return out, nil
}

// Count returns how many entries match filter.
func (j *Journal) Count(filter string) (int, error) {
	match, err := matcher(filter)
	if err != nil {
		return 0, err
	}

	j.mu.RLock()
	defer j.mu.RUnlock()

	n := 0
	for _, e := range j.entries {
		if match(e.Pattern) {
			n++
		}
	}
	return n, nil
}

// ByTimeRange returns entries in [start, end), oldest first.
func (j *Journal) ByTimeRange(start, end time.Time, limit int) []AuditLog {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var out []AuditLog
	for _, e := range j.entries {
		if e.Timestamp.Before(start) || !e.Timestamp.Before(end) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// AuditStats aggregates the journal since a point in time.
type AuditStats struct {
	TotalInvalidations  int64            `json:"total_invalidations"`
	BySource            map[string]int64 `json:"by_source"`
	ByKind              map[Kind]int64   `json:"by_kind"`
	AvgLatency          float64          `json:"avg_latency_ms"`
	TotalKeysAffected   int64            `json:"total_keys_affected"`
	MostFrequentPattern string           `json:"most_frequent_pattern"`
}

// Stats aggregates entries recorded at or after since.
func (j *Journal) Stats(since time.Time) AuditStats {
	stats := AuditStats{
		BySource: make(map[string]int64),
		ByKind:   make(map[Kind]int64),
	}
	patterns := make(map[string]int)
	var latency int64

	j.mu.RLock()
	for _, e := range j.entries {
		if e.Timestamp.Before(since) {
			continue
		}
		stats.TotalInvalidations++
		stats.BySource[e.TriggeredBy]++
		stats.ByKind[e.Kind]++
		stats.TotalKeysAffected += int64(e.Removed)
		latency += e.Latency
		patterns[e.Pattern]++
	}
	j.mu.RUnlock()

	if stats.TotalInvalidations > 0 {
		stats.AvgLatency = float64(latency) / float64(stats.TotalInvalidations)
	}

	// ties go to the lexically smallest pattern so the result is stable
	names := make([]string, 0, len(patterns))
	for p := range patterns {
		names = append(names, p)
	}
	sort.Strings(names)
	best := 0
	for _, p := range names {
		if patterns[p] > best {
			best = patterns[p]
			stats.MostFrequentPattern = p
		}
	}
	return stats
}

// Cleanup drops entries older than olderThan and returns how many went.
func (j *Journal) Cleanup(olderThan time.Duration) int64 {
	cutoff := j.now().Add(-olderThan)

	j.mu.Lock()
	defer j.mu.Unlock()

	keep := j.entries[:0]
	var removed int64
	for _, e := range j.entries {
		if e.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		keep = append(keep, e)
	}
	j.entries = keep
	return removed
}

// Len returns the number of retained entries.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}

func matcher(filter string) (func(string) bool, error) {
	if filter == "" {
		return func(string) bool { return true }, nil
	}
	p, err := utils.CompilePattern(filter)
	if err != nil {
		return nil, err
	}
	return p.Match, nil
}
