package cachemanager

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/o-tero/tiered-cache/pkg/models"
	"github.com/o-tero/tiered-cache/pkg/utils"
)

// RemoteStore abstracts the shared out-of-process key-value service
// (Redis, or InProcessStore in tests). Get returns (nil, false, nil) on miss.
type RemoteStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) (bool, error)
	DeletePattern(ctx context.Context, pattern string) (int, error)
	Clear(ctx context.Context) error
	Len(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// RemoteTier serializes values through a utils.Pipeline into a RemoteStore.
//
// Consistency: the store is shared by every process pointing at it and there
// is no cross-process locking. Concurrent writers race and the last write
// wins; readers see writes eventually. Keys that cannot tolerate this should
// be written with tiers excluding the remote tier.
//
// Every store call is bounded by timeout. Expiry is passed to the store and
// also embedded in the envelope, so a store without native expiry still
// never returns stale data.
type RemoteTier struct {
	store      RemoteStore
	pipeline   *utils.Pipeline
	defaultTTL time.Duration
	timeout    time.Duration
	logger     *zap.Logger
	now        func() time.Time

	available atomic.Bool
	hits      atomic.Int64
	misses    atomic.Int64
	failures  atomic.Int64
	purged    atomic.Int64
	entries   atomic.Int64 // last successful store count
}

// NewRemoteTier wraps store. A nil logger is replaced with a no-op logger.
func NewRemoteTier(store RemoteStore, pipeline *utils.Pipeline, defaultTTL, timeout time.Duration, logger *zap.Logger) *RemoteTier {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &RemoteTier{
		store:      store,
		pipeline:   pipeline,
		defaultTTL: defaultTTL,
		timeout:    timeout,
		logger:     logger,
		now:        time.Now,
	}
	t.available.Store(true)
	return t
}

func (t *RemoteTier) Kind() models.TierKind     { return models.TierRemote }
func (t *RemoteTier) DefaultTTL() time.Duration { return t.defaultTTL }

func (t *RemoteTier) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, t.timeout)
}

// observe records the outcome of a store call and wraps failures.
func (t *RemoteTier) observe(op, key string, err error) error {
	if err == nil {
		t.available.Store(true)
		return nil
	}
	t.failures.Add(1)
	t.available.Store(false)
	return models.NewTierError(models.TierRemote, op, key, err)
}

// Get fetches and decodes a value. Corrupt payloads are deleted and reported
// as a miss together with an ErrSerialization error.
func (t *RemoteTier) Get(ctx context.Context, key string) (*models.Entry, bool, error) {
	cctx, cancel := t.withTimeout(ctx)
	data, ok, err := t.store.Get(cctx, key)
	cancel()
	if err := t.observe("get", key, err); err != nil {
		return nil, false, err
	}
	if !ok {
		t.misses.Add(1)
		return nil, false, nil
	}

	rec, err := t.pipeline.Decode(data)
	if err != nil || rec.Key != key {
		if err == nil {
			err = models.ErrSerialization
		}
		t.purge(ctx, key, err)
		t.misses.Add(1)
		return nil, false, models.NewTierError(models.TierRemote, "decode", key, err)
	}

	now := t.now()
	if rec.IsExpired(now) {
		t.misses.Add(1)
		dctx, cancel := t.withTimeout(ctx)
		_, _ = t.store.Delete(dctx, key)
		cancel()
		return nil, false, nil
	}

	t.hits.Add(1)
	entry := models.NewEntry(key, rec.Value, rec.TTL(), rec.CreatedAt)
	entry.Tier = models.TierRemote
	entry.SizeBytes = rec.Size
	entry.Compressed = rec.Compressed
	entry.Touch(now)
	return entry, true, nil
}

func (t *RemoteTier) purge(ctx context.Context, key string, cause error) {
	t.purged.Add(1)
	t.logger.Warn("purging undecodable remote entry", zap.String("key", key), zap.Error(cause))

	dctx, cancel := t.withTimeout(ctx)
	defer cancel()
	if _, err := t.store.Delete(dctx, key); err != nil {
		t.logger.Warn("purge failed", zap.String("key", key), zap.Error(err))
	}
}

// Set encodes and writes a value. ttl 0 means no expiry.
func (t *RemoteTier) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, _, err := t.pipeline.Encode(key, value, t.now(), ttl)
	if err != nil {
		return models.NewTierError(models.TierRemote, "encode", key, errors.Join(models.ErrSerialization, err))
	}

	cctx, cancel := t.withTimeout(ctx)
	defer cancel()
	return t.observe("set", key, t.store.Set(cctx, key, data, ttl))
}

func (t *RemoteTier) Delete(ctx context.Context, key string) (bool, error) {
	cctx, cancel := t.withTimeout(ctx)
	defer cancel()
	ok, err := t.store.Delete(cctx, key)
	return ok, t.observe("delete", key, err)
}

func (t *RemoteTier) DeletePattern(ctx context.Context, pattern string) (int, error) {
	cctx, cancel := t.withTimeout(ctx)
	defer cancel()
	n, err := t.store.DeletePattern(cctx, pattern)
	return n, t.observe("delete_pattern", pattern, err)
}

func (t *RemoteTier) Clear(ctx context.Context) error {
	cctx, cancel := t.withTimeout(ctx)
	defer cancel()
	return t.observe("clear", "", t.store.Clear(cctx))
}

// Ping checks the store and updates availability.
func (t *RemoteTier) Ping(ctx context.Context) error {
	cctx, cancel := t.withTimeout(ctx)
	defer cancel()
	return t.observe("ping", "", t.store.Ping(cctx))
}

// Stats reports counters and the store's entry count. Counting scans the
// keyspace and may time out on a large store; the last count is reported
// then, and availability is left to the data path and Ping.
func (t *RemoteTier) Stats(ctx context.Context) models.TierStats {
	cctx, cancel := t.withTimeout(ctx)
	n, err := t.store.Len(cctx)
	cancel()
	if err != nil {
		t.logger.Debug("remote entry count failed", zap.Error(err))
	} else {
		t.entries.Store(int64(n))
	}

	hits, misses := t.hits.Load(), t.misses.Load()
	return models.TierStats{
		Tier:       models.TierRemote.String(),
		Available:  t.available.Load(),
		Entries:    int(t.entries.Load()),
		Hits:       hits,
		Misses:     misses,
		Errors:     t.failures.Load(),
		Corrupt:    t.purged.Load(),
		HitRate:    models.CalculateHitRate(hits, misses),
		DefaultTTL: t.defaultTTL.Seconds(),
	}
}

func (t *RemoteTier) Close() error {
	return t.store.Close()
}
