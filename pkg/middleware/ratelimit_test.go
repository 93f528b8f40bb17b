package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClockedLimiter(perSecond float64, burst int) (*RateLimiter, *manualClock) {
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	rl := NewRateLimiter(perSecond, burst)
	rl.now = clock.Now
	return rl, clock
}

func TestRateLimiter_Allow(t *testing.T) {
	rl, clock := newClockedLimiter(10, 10)

	for i := 0; i < 10; i++ {
		require.True(t, rl.Allow("user1"), "burst request %d", i+1)
	}
	assert.False(t, rl.Allow("user1"), "burst exhausted")

	clock.Advance(100 * time.Millisecond)
	assert.True(t, rl.Allow("user1"), "one token after 100ms")
	assert.False(t, rl.Allow("user1"))

	assert.False(t, rl.Allow(""), "empty key is rejected")
}

func TestRateLimiter_AllowN(t *testing.T) {
	rl, _ := newClockedLimiter(10, 10)

	assert.True(t, rl.AllowN("user1", 5))
	assert.True(t, rl.AllowN("user1", 5))
	assert.False(t, rl.AllowN("user1", 1))
	assert.False(t, rl.AllowN("user1", 0))
}

func TestRateLimiter_AllowGlobal(t *testing.T) {
	rl, clock := newClockedLimiter(5, 5)

	for i := 0; i < 5; i++ {
		require.True(t, rl.AllowGlobal())
	}
	assert.False(t, rl.AllowGlobal())

	clock.Advance(200 * time.Millisecond)
	assert.True(t, rl.AllowGlobal())
}

func TestRateLimiter_PerKeyIsolation(t *testing.T) {
	rl, _ := newClockedLimiter(5, 5)

	for i := 0; i < 5; i++ {
		rl.Allow("user1")
	}
	assert.False(t, rl.Allow("user1"))
	assert.True(t, rl.Allow("user2"))
}

func TestRateLimiter_BurstCap(t *testing.T) {
	rl, clock := newClockedLimiter(10, 5)
	rl.Allow("user1")
	clock.Advance(10 * time.Second)

	allowed := 0
	for i := 0; i < 10; i++ {
		if rl.Allow("user1") {
			allowed++
		}
	}
	assert.Equal(t, 5, allowed)
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl, _ := newClockedLimiter(0, 0)
	for i := 0; i < 1000; i++ {
		require.True(t, rl.Allow("k"))
	}
}

func TestRateLimiter_RetryAfter(t *testing.T) {
	rl, _ := newClockedLimiter(2, 1)
	require.True(t, rl.Allow("k"))

	assert.Equal(t, 500*time.Millisecond, rl.RetryAfter("k"))
	assert.Equal(t, 500*time.Millisecond, rl.RetryAfter("k"), "probing does not consume tokens")
}

func TestRateLimiter_Concurrent(t *testing.T) {
	rl, _ := newClockedLimiter(100, 100)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if rl.Allow("shared") {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, allowed)
	st := rl.Stats()
	assert.EqualValues(t, 100, st.Allowed)
	assert.EqualValues(t, 100, st.Blocked)
	assert.Equal(t, 1, st.TotalKeys)
}

func TestRateLimiter_EvictStaleKeys(t *testing.T) {
	rl, clock := newClockedLimiter(10, 10)

	rl.Allow("old")
	clock.Advance(time.Minute)
	rl.Allow("fresh")

	assert.Equal(t, 1, rl.EvictStaleKeys(30*time.Second))
	assert.Equal(t, 1, rl.Stats().TotalKeys)
}

func TestRateLimit_Middleware(t *testing.T) {
	rl, _ := newClockedLimiter(1, 2)
	handler := RateLimit(rl, KeyByIP)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusNoContent, do("10.0.0.1:1234").Code)
	assert.Equal(t, http.StatusNoContent, do("10.0.0.1:5678").Code)

	rec := do("10.0.0.1:9999")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusNoContent, do("10.0.0.2:1234").Code)

	t.Run("empty_key_passes", func(t *testing.T) {
		h := RateLimit(rl, KeyByHeader("X-API-Key"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		for i := 0; i < 5; i++ {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
			assert.Equal(t, http.StatusOK, rec.Code)
		}
	})
}

func TestKeyByIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:4000"
	assert.Equal(t, "192.0.2.7", KeyByIP(req))

	req.Header.Set("X-Real-IP", "198.51.100.2")
	assert.Equal(t, "198.51.100.2", KeyByIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", KeyByIP(req))
}
