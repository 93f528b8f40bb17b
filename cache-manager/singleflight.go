package cachemanager

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/o-tero/tiered-cache/pkg/models"
)

// Loader produces the value for a key on a cache miss.
type Loader func(ctx context.Context) (any, error)

// RequestCoalescer collapses concurrent loads of the same key into a single
// execution. Every caller waiting on the key receives the same result.
type RequestCoalescer struct {
	group    singleflight.Group
	inFlight atomic.Int64
}

// NewRequestCoalescer creates a new request coalescer.
func NewRequestCoalescer() *RequestCoalescer {
	return &RequestCoalescer{}
}

// Do runs fn once per key at a time. shared reports whether the result was
// handed to more than one caller.
func (c *RequestCoalescer) Do(key string, fn func() (any, error)) (v any, shared bool, err error) {
	v, err, shared = c.group.Do(key, func() (any, error) {
		c.inFlight.Add(1)
		defer c.inFlight.Add(-1)
		return fn()
	})
	return v, shared, err
}

// Forget drops the in-flight record for key so the next call starts a new load.
func (c *RequestCoalescer) Forget(key string) {
	c.group.Forget(key)
}

// InFlight returns the number of loads currently executing.
func (c *RequestCoalescer) InFlight() int64 {
	return c.inFlight.Load()
}

// GetOrLoad returns the cached value for key or, on a miss across every tier,
// runs loader once for all concurrent callers and stores its result with ttl.
// Loader panics and errors are reported as ErrGeneratorFailure.
func (c *Coordinator) GetOrLoad(ctx context.Context, key string, ttl time.Duration, loader Loader) (any, error) {
	if v, ok := c.Get(ctx, key); ok {
		return v, nil
	}
	if loader == nil {
		return nil, models.ErrNotFound
	}

	ctx, span := c.tracer.Start(ctx, "cache.get_or_load")
	defer span.End()

	v, shared, err := c.coalescer.Do(key, func() (v any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: loader panicked: %v", models.ErrGeneratorFailure, r)
			}
		}()

		// Another caller may have filled the cache while this one queued.
		// The miss was already counted above.
		if entry, _, ok := c.lookup(ctx, span, key, c.tiers); ok {
			return entry.Value, nil
		}

		v, err = loader(ctx)
		if err != nil {
			if !errors.Is(err, models.ErrGeneratorFailure) {
				err = fmt.Errorf("%w: %w", models.ErrGeneratorFailure, err)
			}
			return nil, err
		}
		if !c.Set(ctx, key, v, ttl) {
			c.logger.Warn("loaded value could not be stored", zap.String("key", key))
		}
		return v, nil
	})
	span.SetAttributes(attribute.String("cache.key", key), attribute.Bool("cache.shared", shared))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return v, nil
}
