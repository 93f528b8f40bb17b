// Package cachemanager implements the tiered cache: an in-process LRU memory
// tier, a remote tier shared between processes and a file-backed persistent
// tier, fronted by a Coordinator that reads fast to slow and writes to all.
//
// Design Choices:
//   - Tiers are independent and only know their own storage. The Coordinator
//     owns ordering, promotion, TTL resolution and global statistics.
//   - A failing tier degrades to a miss on reads and a skipped write on
//     writes. Callers never see tier errors from Get/Set/Delete.
//   - Promotion copies a hit into every faster tier. Slower tiers are never
//     touched by a read.
//   - Concurrent loads of a missing key are coalesced with
//     golang.org/x/sync/singleflight.
//
// Performance Characteristics:
//   - Memory tier Get/Set: O(1) with LRU update
//   - Remote tier: one round trip per operation, bounded by the configured timeout
//   - Persistent tier: one file read or atomic rename per operation
//   - Pattern deletes and sweeps: O(n) in the tier's key space
package cachemanager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/o-tero/tiered-cache/pkg/models"
	"github.com/o-tero/tiered-cache/pkg/pubsub"
	"github.com/o-tero/tiered-cache/pkg/utils"
)

const tracerName = "github.com/o-tero/tiered-cache/cache-manager"

// Recorder receives per-operation measurements. monitoring.Collector
// satisfies it.
type Recorder interface {
	RecordCounter(name string, value float64, tags map[string]string)
	RecordTimer(name string, d time.Duration, tags map[string]string)
}

type nopRecorder struct{}

func (nopRecorder) RecordCounter(string, float64, map[string]string)     {}
func (nopRecorder) RecordTimer(string, time.Duration, map[string]string) {}

// Config holds runtime configuration for the coordinator.
type Config struct {
	NeverExpireTTL time.Duration // caller-facing sentinel meaning "never expire"
	SweepInterval  time.Duration // how often to purge expired entries; <=0 disables
}

// DefaultConfig returns the defaults used by the engine.
func DefaultConfig() Config {
	return Config{
		NeverExpireTTL: -1,
		SweepInterval:  time.Minute,
	}
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) {
		if r != nil {
			c.recorder = r
		}
	}
}

// WithInvalidationTopic makes the coordinator publish an event for every
// delete, pattern delete and clear.
func WithInvalidationTopic(topic *InvalidationTopic) Option {
	return func(c *Coordinator) { c.invalidations = topic }
}

func WithTTLPolicy(p TTLPolicy) Option {
	return func(c *Coordinator) {
		if p != nil {
			c.policy = p
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

type counters struct {
	hits       map[models.TierKind]int64
	misses     int64
	sets       int64
	deletes    int64
	promotions int64
	tierErrors int64
}

// Coordinator presents the tiers as a single cache.
type Coordinator struct {
	config Config
	tiers  []Tier
	byKind map[models.TierKind]Tier

	policy        TTLPolicy
	coalescer     *RequestCoalescer
	recorder      Recorder
	invalidations *InvalidationTopic
	logger        *zap.Logger
	tracer        trace.Tracer
	now           func() time.Time
	source        string

	mu    sync.Mutex
	stats counters

	lifecycle sync.Mutex
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewCoordinator builds a coordinator over tiers. Each kind may appear at
// most once; tiers are ordered fast to slow regardless of argument order.
func NewCoordinator(cfg Config, tiers []Tier, opts ...Option) (*Coordinator, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("%w: at least one tier is required", models.ErrInvalidConfig)
	}

	byKind := make(map[models.TierKind]Tier, len(tiers))
	ordered := make([]Tier, 0, len(tiers))
	for _, t := range tiers {
		if t == nil {
			return nil, fmt.Errorf("%w: nil tier", models.ErrInvalidConfig)
		}
		if _, dup := byKind[t.Kind()]; dup {
			return nil, fmt.Errorf("%w: duplicate %s tier", models.ErrInvalidConfig, t.Kind())
		}
		byKind[t.Kind()] = t
		ordered = append(ordered, t)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Kind() < ordered[j].Kind() })

	c := &Coordinator{
		config:    cfg,
		tiers:     ordered,
		byKind:    byKind,
		policy:    NewTTLPolicy(cfg.NeverExpireTTL),
		coalescer: NewRequestCoalescer(),
		recorder:  nopRecorder{},
		logger:    zap.NewNop(),
		tracer:    otel.Tracer(tracerName),
		now:       time.Now,
		source:    uuid.NewString(),
		stats:     counters{hits: make(map[models.TierKind]int64)},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("coordinator")
	return c, nil
}

// Source identifies this coordinator in published events.
func (c *Coordinator) Source() string { return c.source }

// Tier returns the configured tier of the given kind.
func (c *Coordinator) Tier(kind models.TierKind) (Tier, bool) {
	t, ok := c.byKind[kind]
	return t, ok
}

// Tiers returns the configured tiers, fast to slow.
func (c *Coordinator) Tiers() []Tier {
	return append([]Tier(nil), c.tiers...)
}

// selectTiers restricts the configured tiers to kinds, keeping fast-to-slow
// order. No kinds means all tiers.
func (c *Coordinator) selectTiers(kinds []models.TierKind) []Tier {
	if len(kinds) == 0 {
		return c.tiers
	}
	want := make(map[models.TierKind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	out := make([]Tier, 0, len(kinds))
	for _, t := range c.tiers {
		if want[t.Kind()] {
			out = append(out, t)
		}
	}
	return out
}

func (c *Coordinator) tierFailure(span trace.Span, t Tier, op, key string, err error) {
	c.mu.Lock()
	c.stats.tierErrors++
	c.mu.Unlock()

	span.RecordError(err)
	c.recorder.RecordCounter("cache.tier_errors", 1, map[string]string{"tier": t.Kind().String(), "op": op})
	c.logger.Warn("tier operation failed",
		zap.String("tier", t.Kind().String()),
		zap.String("op", op),
		zap.String("key", key),
		zap.Error(err))
}

// Get returns the value for key from the fastest tier holding it. A hit in a
// slower tier is promoted into every faster tier among those searched.
func (c *Coordinator) Get(ctx context.Context, key string, tiers ...models.TierKind) (any, bool) {
	entry, ok := c.GetEntry(ctx, key, tiers...)
	if !ok {
		return nil, false
	}
	return entry.Value, true
}

// GetEntry is Get returning the entry with its bookkeeping.
func (c *Coordinator) GetEntry(ctx context.Context, key string, tiers ...models.TierKind) (*models.Entry, bool) {
	start := c.now()
	ctx, span := c.tracer.Start(ctx, "cache.get", trace.WithAttributes(attribute.String("cache.key", key)))
	defer span.End()

	entry, tier, ok := c.lookup(ctx, span, key, c.selectTiers(tiers))
	if ok {
		c.mu.Lock()
		c.stats.hits[tier.Kind()]++
		c.mu.Unlock()

		span.SetAttributes(attribute.Bool("cache.hit", true), attribute.String("cache.tier", tier.Kind().String()))
		c.recorder.RecordTimer("cache.get.duration", c.now().Sub(start), map[string]string{"result": "hit", "tier": tier.Kind().String()})
		return entry, true
	}

	c.mu.Lock()
	c.stats.misses++
	c.mu.Unlock()

	span.SetAttributes(attribute.Bool("cache.hit", false))
	c.recorder.RecordTimer("cache.get.duration", c.now().Sub(start), map[string]string{"result": "miss"})
	return nil, false
}

// lookup checks the searched tiers in order and promotes a hit into the faster tiers.
// It leaves the hit and miss counters alone.
func (c *Coordinator) lookup(ctx context.Context, span trace.Span, key string, searched []Tier) (*models.Entry, Tier, bool) {
	for i, t := range searched {
		entry, ok, err := t.Get(ctx, key)
		if err != nil {
			c.tierFailure(span, t, "get", key, err)
			continue
		}
		if !ok {
			continue
		}
		c.promote(ctx, span, entry, searched[:i])
		return entry, t, true
	}
	return nil, nil, false
}

// promote copies entry into faster. A failed promotion is logged and counted
// but does not affect the read.
func (c *Coordinator) promote(ctx context.Context, span trace.Span, entry *models.Entry, faster []Tier) {
	now := c.now()
	for _, t := range faster {
		ttl, ok := c.policy.PromotionTTL(entry, t, now)
		if !ok {
			return
		}
		if err := t.Set(ctx, entry.Key, entry.Value, ttl); err != nil {
			c.tierFailure(span, t, "promote", entry.Key, err)
			continue
		}
		c.mu.Lock()
		c.stats.promotions++
		c.mu.Unlock()
	}
}

// Set writes value to every selected tier. It returns true when at least one
// tier accepted the write. ttl follows the TTLPolicy convention.
func (c *Coordinator) Set(ctx context.Context, key string, value any, ttl time.Duration, tiers ...models.TierKind) bool {
	start := c.now()
	ctx, span := c.tracer.Start(ctx, "cache.set", trace.WithAttributes(attribute.String("cache.key", key)))
	defer span.End()

	accepted := 0
	for _, t := range c.selectTiers(tiers) {
		if err := t.Set(ctx, key, value, c.policy.WriteTTL(ttl, t)); err != nil {
			c.tierFailure(span, t, "set", key, err)
			continue
		}
		accepted++
	}

	if accepted > 0 {
		c.mu.Lock()
		c.stats.sets++
		c.mu.Unlock()
	} else {
		span.SetStatus(codes.Error, "no tier accepted the write")
	}

	span.SetAttributes(attribute.Int("cache.tiers_written", accepted))
	c.recorder.RecordTimer("cache.set.duration", c.now().Sub(start), nil)
	return accepted > 0
}

// Delete removes key from every selected tier and reports whether any of
// them held it.
func (c *Coordinator) Delete(ctx context.Context, key string, tiers ...models.TierKind) bool {
	ctx, span := c.tracer.Start(ctx, "cache.delete", trace.WithAttributes(attribute.String("cache.key", key)))
	defer span.End()

	selected := c.selectTiers(tiers)
	found := false
	for _, t := range selected {
		ok, err := t.Delete(ctx, key)
		if err != nil {
			c.tierFailure(span, t, "delete", key, err)
			continue
		}
		found = found || ok
	}

	if found {
		c.mu.Lock()
		c.stats.deletes++
		c.mu.Unlock()
		c.publishInvalidation(ctx, pubsub.InvalidationEvent{
			Keys:    []string{key},
			Tiers:   tierNames(selected),
			Removed: 1,
		})
	}
	return found
}

// DeletePattern removes every key matching the glob pattern from the
// selected tiers that support pattern deletes, returning the total removed.
// Only an invalid pattern is returned as an error.
func (c *Coordinator) DeletePattern(ctx context.Context, pattern string, tiers ...models.TierKind) (int, error) {
	if _, err := utils.CompilePattern(pattern); err != nil {
		return 0, err
	}

	ctx, span := c.tracer.Start(ctx, "cache.delete_pattern", trace.WithAttributes(attribute.String("cache.pattern", pattern)))
	defer span.End()

	selected := c.selectTiers(tiers)
	total := 0
	for _, t := range selected {
		pd, ok := t.(PatternDeleter)
		if !ok {
			continue
		}
		n, err := pd.DeletePattern(ctx, pattern)
		total += n
		if err != nil {
			c.tierFailure(span, t, "delete_pattern", pattern, err)
		}
	}

	if total > 0 {
		c.mu.Lock()
		c.stats.deletes += int64(total)
		c.mu.Unlock()
		c.publishInvalidation(ctx, pubsub.InvalidationEvent{
			Pattern: pattern,
			Tiers:   tierNames(selected),
			Removed: total,
		})
	}
	return total, nil
}

// Clear empties the selected tiers concurrently. Tier failures are logged.
func (c *Coordinator) Clear(ctx context.Context, tiers ...models.TierKind) {
	ctx, span := c.tracer.Start(ctx, "cache.clear")
	defer span.End()

	selected := c.selectTiers(tiers)
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range selected {
		t := t
		g.Go(func() error {
			if err := t.Clear(gctx); err != nil {
				c.tierFailure(span, t, "clear", "", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	c.publishInvalidation(ctx, pubsub.InvalidationEvent{
		Pattern: "*",
		Tiers:   tierNames(selected),
		Cleared: true,
	})
}

// Stats returns per-tier statistics and the coordinator counters.
func (c *Coordinator) Stats(ctx context.Context) models.CoordinatorStats {
	tierStats := make(map[string]models.TierStats, len(c.tiers))
	for _, t := range c.tiers {
		tierStats[t.Kind().String()] = t.Stats(ctx)
	}

	c.mu.Lock()
	overall := models.OverallStats{
		L1Hits:     c.stats.hits[models.TierMemory],
		L2Hits:     c.stats.hits[models.TierRemote],
		L3Hits:     c.stats.hits[models.TierPersistent],
		Misses:     c.stats.misses,
		Sets:       c.stats.sets,
		Deletes:    c.stats.deletes,
		Promotions: c.stats.promotions,
		TierErrors: c.stats.tierErrors,
	}
	c.mu.Unlock()

	overall.Hits = overall.L1Hits + overall.L2Hits + overall.L3Hits
	overall.TotalRequests = overall.Hits + overall.Misses
	overall.HitRate = models.CalculateHitRate(overall.Hits, overall.Misses)

	return models.CoordinatorStats{
		Timestamp: c.now(),
		Tiers:     tierStats,
		Overall:   overall,
	}
}

// Sweep purges expired entries from every tier that supports it and returns
// the number removed.
func (c *Coordinator) Sweep(ctx context.Context) int {
	ctx, span := c.tracer.Start(ctx, "cache.sweep")
	defer span.End()

	removed := 0
	for _, t := range c.tiers {
		sw, ok := t.(Sweeper)
		if !ok {
			continue
		}
		n, err := sw.CleanupExpired(ctx)
		removed += n
		if err != nil {
			c.tierFailure(span, t, "sweep", "", err)
		}
	}
	if removed > 0 {
		c.logger.Debug("swept expired entries", zap.Int("removed", removed))
		c.recorder.RecordCounter("cache.expired", float64(removed), nil)
	}
	return removed
}

// Start launches the background sweep loop. Calling Start twice is a no-op.
func (c *Coordinator) Start(ctx context.Context) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.stopCh != nil || c.config.SweepInterval <= 0 {
		return
	}
	c.stopCh = make(chan struct{})
	c.wg.Add(1)
	go c.runSweep(ctx, c.stopCh)
}

func (c *Coordinator) runSweep(ctx context.Context, stop <-chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// Stop halts the sweep loop and waits for it to exit.
func (c *Coordinator) Stop() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.stopCh == nil {
		return
	}
	close(c.stopCh)
	c.wg.Wait()
	c.stopCh = nil
}

// Close stops background work and releases tier resources.
func (c *Coordinator) Close() error {
	c.Stop()
	var errs []error
	for _, t := range c.tiers {
		if cl, ok := t.(Closer); ok {
			if err := cl.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s tier: %w", t.Kind(), err))
			}
		}
	}
	return errors.Join(errs...)
}
