package cachemanager

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/o-tero/tiered-cache/pkg/models"
	"github.com/o-tero/tiered-cache/pkg/utils"
)

// MemoryTier implements a bounded in-process cache with LRU eviction and lazy
// TTL expiration.
//
// Trade-offs:
// - A single Mutex guards the map and the list. Get reorders the list, so a
//   read lock would buy nothing.
// - sync.Map lacks the ordered iteration needed for LRU.
// - Eviction tie-break falls out of list order: among entries never touched
//   since insertion the oldest-inserted goes first.
type MemoryTier struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	lruList    *list.List
	capacity   int
	defaultTTL time.Duration
	bytes      int64
	now        func() time.Time

	hits      int64
	misses    int64
	evictions int64
	expired   int64
}

// NewMemoryTier creates a memory tier holding at most capacity entries.
func NewMemoryTier(capacity int, defaultTTL time.Duration) *MemoryTier {
	if capacity <= 0 {
		capacity = 1
	}
	return &MemoryTier{
		entries:    make(map[string]*list.Element, capacity),
		lruList:    list.New(),
		capacity:   capacity,
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

func (m *MemoryTier) Kind() models.TierKind     { return models.TierMemory }
func (m *MemoryTier) DefaultTTL() time.Duration { return m.defaultTTL }

// Get retrieves an entry and marks it most recently used. An expired entry is
// removed and reported as a miss.
// Complexity: O(1) average.
func (m *MemoryTier) Get(_ context.Context, key string) (*models.Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.entries[key]
	if !ok {
		m.misses++
		return nil, false, nil
	}

	entry := el.Value.(*models.Entry)
	now := m.now()
	if entry.IsExpired(now) {
		m.removeElement(el)
		m.expired++
		m.misses++
		return nil, false, nil
	}

	entry.Touch(now)
	m.lruList.MoveToFront(el)
	m.hits++
	return entry.Clone(), true, nil
}

// Set stores a value, evicting the least recently used entry when full.
// Complexity: O(1).
func (m *MemoryTier) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	size := utils.EstimateSize(value)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if el, ok := m.entries[key]; ok {
		entry := el.Value.(*models.Entry)
		m.bytes += int64(size - entry.SizeBytes)
		entry.Value = value
		entry.CreatedAt = now
		entry.LastAccessed = now
		entry.TTL = ttl
		entry.SizeBytes = size
		m.lruList.MoveToFront(el)
		return nil
	}

	// Capacity is never surfaced as an error; eviction resolves it.
	for m.lruList.Len() >= m.capacity {
		m.evictLRU()
	}

	entry := models.NewEntry(key, value, ttl, now)
	entry.Tier = models.TierMemory
	entry.SizeBytes = size
	m.entries[key] = m.lruList.PushFront(entry)
	m.bytes += int64(size)
	return nil
}

// Delete removes a key. Returns true if the key existed.
func (m *MemoryTier) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.entries[key]
	if !ok {
		return false, nil
	}
	m.removeElement(el)
	return true, nil
}

// DeletePattern removes all keys matching a glob pattern (e.g., "user:*").
func (m *MemoryTier) DeletePattern(_ context.Context, pattern string) (int, error) {
	p, err := utils.CompilePattern(pattern)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for key, el := range m.entries {
		if p.Match(key) {
			m.removeElement(el)
			count++
		}
	}
	return count, nil
}

// CleanupExpired removes all expired entries.
func (m *MemoryTier) CleanupExpired(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	count := 0
	for _, el := range m.entries {
		if el.Value.(*models.Entry).IsExpired(now) {
			m.removeElement(el)
			count++
		}
	}
	m.expired += int64(count)
	return count, nil
}

// Clear removes all entries.
func (m *MemoryTier) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = make(map[string]*list.Element, m.capacity)
	m.lruList = list.New()
	m.bytes = 0
	return nil
}

// Contains reports presence without touching LRU order or expiring.
func (m *MemoryTier) Contains(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[key]
	return ok
}

// Keys returns the keys from most to least recently used.
func (m *MemoryTier) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, m.lruList.Len())
	for el := m.lruList.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*models.Entry).Key)
	}
	return keys
}

// Size returns the current number of entries.
func (m *MemoryTier) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *MemoryTier) Stats(_ context.Context) models.TierStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return models.TierStats{
		Tier:       models.TierMemory.String(),
		Available:  true,
		Entries:    len(m.entries),
		Capacity:   m.capacity,
		Bytes:      m.bytes,
		Hits:       m.hits,
		Misses:     m.misses,
		Evictions:  m.evictions,
		Expired:    m.expired,
		HitRate:    models.CalculateHitRate(m.hits, m.misses),
		DefaultTTL: m.defaultTTL.Seconds(),
	}
}

// evictLRU removes the least recently used entry. Caller holds mu.
func (m *MemoryTier) evictLRU() {
	oldest := m.lruList.Back()
	if oldest == nil {
		return
	}
	m.removeElement(oldest)
	m.evictions++
}

// removeElement unlinks an entry. Caller holds mu.
func (m *MemoryTier) removeElement(el *list.Element) {
	entry := el.Value.(*models.Entry)
	m.lruList.Remove(el)
	delete(m.entries, entry.Key)
	m.bytes -= int64(entry.SizeBytes)
}
