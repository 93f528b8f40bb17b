package cachemanager

import (
	"context"
	"time"

	"github.com/o-tero/tiered-cache/pkg/models"
)

// Tier is one storage layer. Implementations are independent of each other;
// only the Coordinator knows about more than one.
//
// Get returns (nil, false, nil) on a miss, including a lazily expired entry.
// Set receives an already resolved ttl where 0 means the entry never expires.
type Tier interface {
	Kind() models.TierKind
	Get(ctx context.Context, key string) (*models.Entry, bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context) error
	Stats(ctx context.Context) models.TierStats
	DefaultTTL() time.Duration
}

// PatternDeleter is implemented by tiers that can invalidate by glob pattern.
type PatternDeleter interface {
	DeletePattern(ctx context.Context, pattern string) (int, error)
}

// Sweeper is implemented by tiers that can purge expired entries eagerly.
type Sweeper interface {
	CleanupExpired(ctx context.Context) (int, error)
}

// Closer is implemented by tiers holding external resources.
type Closer interface {
	Close() error
}
