package cachemanager

import (
	"time"

	"github.com/o-tero/tiered-cache/pkg/models"
)

// TTLPolicy decides the lifetime an entry gets in a given tier. Returned
// durations follow the tier contract: 0 means never expire.
type TTLPolicy interface {
	// WriteTTL resolves a caller-supplied ttl for tier.
	WriteTTL(requested time.Duration, tier Tier) time.Duration
	// PromotionTTL resolves the ttl for copying entry into a faster tier.
	// ok is false when the entry has no lifetime left.
	PromotionTTL(entry *models.Entry, tier Tier, now time.Time) (ttl time.Duration, ok bool)
}

// DefaultTTLPolicy implements the caller-facing TTL convention:
//   - 0: use the tier default, unless NeverExpire is itself 0
//   - NeverExpire (a non-positive sentinel) or any negative value: never expire
//   - positive: used as given
//
// Promoted copies get the faster tier's default, capped at the entry's
// remaining lifetime so promotion never extends it.
type DefaultTTLPolicy struct {
	NeverExpire time.Duration
}

// NewTTLPolicy creates the default policy with the given sentinel.
func NewTTLPolicy(neverExpire time.Duration) *DefaultTTLPolicy {
	return &DefaultTTLPolicy{NeverExpire: neverExpire}
}

func (p *DefaultTTLPolicy) WriteTTL(requested time.Duration, tier Tier) time.Duration {
	switch {
	case requested < 0, requested == p.NeverExpire:
		return 0
	case requested == 0:
		return tier.DefaultTTL()
	default:
		return requested
	}
}

func (p *DefaultTTLPolicy) PromotionTTL(entry *models.Entry, tier Tier, now time.Time) (time.Duration, bool) {
	def := tier.DefaultTTL()
	left := entry.Remaining(now)

	switch {
	case left == 0:
		return 0, false
	case left < 0:
		return def, true
	case def <= 0 || left < def:
		return left, true
	default:
		return def, true
	}
}
