package models

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the cache, warming and monitoring packages.
var (
	// ErrTierUnavailable means a network or disk error while reaching a tier.
	ErrTierUnavailable = errors.New("tier unavailable")
	// ErrSerialization means a stored payload could not be decoded.
	ErrSerialization = errors.New("serialization error")
	// ErrCapacityExceeded is resolved by eviction inside the memory tier and
	// never leaves it.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrGeneratorFailure wraps a warmup generator error or panic.
	ErrGeneratorFailure = errors.New("generator failure")
	// ErrRuleEvaluation wraps an analyzer rule error or panic.
	ErrRuleEvaluation = errors.New("rule evaluation error")

	ErrNotFound         = errors.New("not found")
	ErrSchedulerStopped = errors.New("scheduler stopped")
	ErrQueueFull        = errors.New("warmup queue full")
	ErrInvalidConfig    = errors.New("invalid config")
)

// TierError records which tier operation failed.
type TierError struct {
	Tier TierKind
	Op   string
	Key  string
	Err  error
}

func (e *TierError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s tier %s: %v", e.Tier, e.Op, e.Err)
	}
	return fmt.Sprintf("%s tier %s %q: %v", e.Tier, e.Op, e.Key, e.Err)
}

func (e *TierError) Unwrap() error { return e.Err }

// NewTierError wraps err, tagging it as ErrTierUnavailable unless it already
// belongs to the taxonomy.
func NewTierError(tier TierKind, op, key string, err error) error {
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrSerialization) && !errors.Is(err, ErrTierUnavailable) {
		err = fmt.Errorf("%w: %w", ErrTierUnavailable, err)
	}
	return &TierError{Tier: tier, Op: op, Key: key, Err: err}
}
