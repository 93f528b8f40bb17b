// Package models provides canonical data models used across the tiered cache engine.
//
// Design Philosophy:
// - Plain structs that serialize cleanly to JSON for stats and dashboards
// - Explicit expiry semantics (TTL of zero never expires)
// - Behaviour that depends on the clock takes `now` as a parameter
package models

import (
	"sync/atomic"
	"time"
)

// TierKind identifies one storage layer of the cache hierarchy.
// Lower values are faster tiers.
type TierKind int

const (
	TierMemory TierKind = iota
	TierRemote
	TierPersistent
)

// AllTiers lists every tier ordered fast to slow.
var AllTiers = []TierKind{TierMemory, TierRemote, TierPersistent}

func (k TierKind) String() string {
	switch k {
	case TierMemory:
		return "memory"
	case TierRemote:
		return "remote"
	case TierPersistent:
		return "persistent"
	default:
		return "unknown"
	}
}

// ParseTierKind maps a tier name back to its kind.
func ParseTierKind(s string) (TierKind, bool) {
	for _, k := range AllTiers {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

// Entry represents a cached value together with its bookkeeping.
//
// Thread Safety: AccessCount uses atomic operations. Other fields are owned
// by the tier holding the entry and are mutated under that tier's lock.
type Entry struct {
	Key   string
	Value any
	Tier  TierKind

	CreatedAt    time.Time
	LastAccessed time.Time
	TTL          time.Duration // 0 = no expiry

	AccessCount uint64 // use atomic operations
	SizeBytes   int
	Compressed  bool

	Metadata map[string]any
}

// NewEntry creates an entry stamped with now.
func NewEntry(key string, value any, ttl time.Duration, now time.Time) *Entry {
	return &Entry{
		Key:          key,
		Value:        value,
		CreatedAt:    now,
		LastAccessed: now,
		TTL:          ttl,
	}
}

// IsExpired reports whether ttl>0 and more than ttl has elapsed since creation.
// Complexity: O(1)
func (e *Entry) IsExpired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.Sub(e.CreatedAt) > e.TTL
}

// ExpiresAt returns the absolute expiration time, or the zero time if the
// entry never expires.
func (e *Entry) ExpiresAt() time.Time {
	if e.TTL <= 0 {
		return time.Time{}
	}
	return e.CreatedAt.Add(e.TTL)
}

// Remaining returns the lifetime left, 0 when expired and -1 when the entry
// never expires.
func (e *Entry) Remaining(now time.Time) time.Duration {
	if e.TTL <= 0 {
		return -1
	}
	left := e.CreatedAt.Add(e.TTL).Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// Touch records an access.
func (e *Entry) Touch(now time.Time) {
	e.LastAccessed = now
	atomic.AddUint64(&e.AccessCount, 1)
}

// GetAccessCount returns the current access count (thread-safe).
func (e *Entry) GetAccessCount() uint64 {
	return atomic.LoadUint64(&e.AccessCount)
}

// Clone returns a copy safe to hand out of a tier. The value itself is shared.
func (e *Entry) Clone() *Entry {
	var metadata map[string]any
	if e.Metadata != nil {
		metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			metadata[k] = v
		}
	}

	return &Entry{
		Key:          e.Key,
		Value:        e.Value,
		Tier:         e.Tier,
		CreatedAt:    e.CreatedAt,
		LastAccessed: e.LastAccessed,
		TTL:          e.TTL,
		AccessCount:  e.GetAccessCount(),
		SizeBytes:    e.SizeBytes,
		Compressed:   e.Compressed,
		Metadata:     metadata,
	}
}

// SetMetadata sets a metadata key-value pair.
func (e *Entry) SetMetadata(key string, value any) {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[key] = value
}

// TierStats is the per-tier view returned by stats().
type TierStats struct {
	Tier       string  `json:"tier"`
	Available  bool    `json:"available"`
	Entries    int     `json:"entries"`
	Capacity   int     `json:"capacity,omitempty"`
	Bytes      int64   `json:"bytes"`
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	Evictions  int64   `json:"evictions"`
	Expired    int64   `json:"expired"`
	Errors     int64   `json:"errors"`
	Corrupt    int64   `json:"corrupt,omitempty"`
	HitRate    float64 `json:"hit_rate"`
	DefaultTTL float64 `json:"default_ttl_seconds"`
}

// Utilization returns Entries/Capacity, or 0 for unbounded tiers.
func (s TierStats) Utilization() float64 {
	if s.Capacity <= 0 {
		return 0
	}
	return float64(s.Entries) / float64(s.Capacity)
}

// OverallStats holds the coordinator-level counters.
type OverallStats struct {
	L1Hits        int64   `json:"l1_hits"`
	L2Hits        int64   `json:"l2_hits"`
	L3Hits        int64   `json:"l3_hits"`
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	Sets          int64   `json:"sets"`
	Deletes       int64   `json:"deletes"`
	Promotions    int64   `json:"promotions"`
	TierErrors    int64   `json:"tier_errors"`
	TotalRequests int64   `json:"total_requests"`
	HitRate       float64 `json:"hit_rate"`
}

// CoordinatorStats is the JSON-serializable result of stats().
type CoordinatorStats struct {
	Timestamp time.Time            `json:"timestamp"`
	Tiers     map[string]TierStats `json:"tiers"`
	Overall   OverallStats         `json:"overall"`
}

// CalculateHitRate returns hits/(hits+misses), 0 when there were no requests.
func CalculateHitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
