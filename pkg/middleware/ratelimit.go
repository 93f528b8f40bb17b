package middleware

// Per-client rate limiting on golang.org/x/time/rate.
//
// Design Notes:
//   - One token bucket per key (IP, API key, user) plus an optional global bucket
//   - Buckets live in a sync.Map; EvictStaleKeys drops idle ones
//   - Rejected requests get 429 with a Retry-After hint

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter holds one token bucket per key.
//
// Example usage:
//
//	// 100 requests per second, burst of 200
//	limiter := NewRateLimiter(100, 200)
//	r.Use(middleware.RateLimit(limiter, middleware.KeyByIP))
type RateLimiter struct {
	limit rate.Limit
	burst int

	buckets sync.Map // string -> *clientBucket
	global  *rate.Limiter

	allowed atomic.Int64
	blocked atomic.Int64

	now func() time.Time
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // unix nanos
}

// NewRateLimiter creates a limiter refilling perSecond tokens per key with
// burst capacity. A non-positive perSecond disables limiting.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = int(math.Max(1, math.Ceil(perSecond)))
	}
	return &RateLimiter{
		limit:  limit,
		burst:  burst,
		global: rate.NewLimiter(limit, burst),
		now:    time.Now,
	}
}

// Allow reports whether a request for key may proceed. An empty key is
// rejected.
func (rl *RateLimiter) Allow(key string) bool {
	return rl.AllowN(key, 1)
}

// AllowN reports whether n tokens can be taken from key's bucket.
func (rl *RateLimiter) AllowN(key string, n int) bool {
	if key == "" || n <= 0 {
		return false
	}
	ok := rl.bucket(key).AllowN(rl.now(), n)
	rl.count(ok)
	return ok
}

// AllowGlobal checks the limiter shared by every key.
func (rl *RateLimiter) AllowGlobal() bool {
	ok := rl.global.AllowN(rl.now(), 1)
	rl.count(ok)
	return ok
}

// RetryAfter is the wait until key has a token again.
func (rl *RateLimiter) RetryAfter(key string) time.Duration {
	now := rl.now()
	r := rl.bucket(key).ReserveN(now, 1)
	defer r.CancelAt(now)
	if !r.OK() {
		return 0
	}
	return r.DelayFrom(now)
}

func (rl *RateLimiter) count(ok bool) {
	if ok {
		rl.allowed.Add(1)
	} else {
		rl.blocked.Add(1)
	}
}

func (rl *RateLimiter) bucket(key string) *rate.Limiter {
	now := rl.now().UnixNano()
	if b, ok := rl.buckets.Load(key); ok {
		cb := b.(*clientBucket)
		cb.lastSeen.Store(now)
		return cb.limiter
	}

	cb := &clientBucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
	cb.lastSeen.Store(now)
	actual, _ := rl.buckets.LoadOrStore(key, cb)
	return actual.(*clientBucket).limiter
}

// EvictStaleKeys removes buckets idle for longer than staleDuration and
// returns how many were dropped.
func (rl *RateLimiter) EvictStaleKeys(staleDuration time.Duration) int {
	threshold := rl.now().Add(-staleDuration).UnixNano()
	evicted := 0

	rl.buckets.Range(func(key, value any) bool {
		if value.(*clientBucket).lastSeen.Load() < threshold {
			rl.buckets.Delete(key)
			evicted++
		}
		return true
	})
	return evicted
}

// LimiterStats is a snapshot of limiter activity.
type LimiterStats struct {
	TotalKeys int   `json:"total_keys"`
	Allowed   int64 `json:"allowed"`
	Blocked   int64 `json:"blocked"`
}

// Stats walks every key; avoid calling it on hot paths.
func (rl *RateLimiter) Stats() LimiterStats {
	keys := 0
	rl.buckets.Range(func(any, any) bool {
		keys++
		return true
	})
	return LimiterStats{
		TotalKeys: keys,
		Allowed:   rl.allowed.Load(),
		Blocked:   rl.blocked.Load(),
	}
}

func (rl *RateLimiter) String() string {
	return fmt.Sprintf("RateLimiter{rate=%.1f/s, burst=%d}", float64(rl.limit), rl.burst)
}

// RateLimit returns middleware rejecting requests over the per-key limit.
// Requests whose key is empty pass through.
func RateLimit(limiter *RateLimiter, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if !limiter.Allow(key) {
				retry := int(math.Ceil(limiter.RetryAfter(key).Seconds()))
				if retry < 1 {
					retry = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// KeyByIP extracts the client IP, preferring proxy headers.
func KeyByIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// KeyByHeader limits by the value of a header such as an API key.
func KeyByHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}
