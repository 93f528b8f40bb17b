package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/o-tero/tiered-cache/config"
	"github.com/o-tero/tiered-cache/engine"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *engine.Engine) {
	t.Helper()

	ecfg := config.Default()
	ecfg.MemoryCapacity = 100
	ecfg.WarmupBaseDelay = time.Millisecond
	ecfg.WarmupGeneratorRPS = 0
	ecfg.SweepInterval = 0

	eng, err := engine.New(context.Background(), ecfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Stop(context.Background()) })

	return NewServer(cfg, eng, nil), eng
}

func openConfig() Config {
	cfg := DefaultConfig()
	cfg.RatePerSecond = 0
	return cfg
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, openConfig())

	rec := do(t, s, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body["tiers"], "memory")
}

func TestCacheEntries(t *testing.T) {
	s, _ := newTestServer(t, openConfig())

	t.Run("put_get_delete", func(t *testing.T) {
		rec := do(t, s, http.MethodPut, "/v1/cache/user:1", `{"value":"alice","ttl":60}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		rec = do(t, s, http.MethodGet, "/v1/cache/user:1", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "alice", decodeBody(t, rec)["value"])

		rec = do(t, s, http.MethodDelete, "/v1/cache/user:1", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, true, decodeBody(t, rec)["deleted"])

		rec = do(t, s, http.MethodGet, "/v1/cache/user:1", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("unknown_tier", func(t *testing.T) {
		rec := do(t, s, http.MethodPut, "/v1/cache/k", `{"value":1,"tiers":["disk"]}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = do(t, s, http.MethodGet, "/v1/cache/k?tiers=memory,disk", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed_body", func(t *testing.T) {
		rec := do(t, s, http.MethodPut, "/v1/cache/k", `{"value":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalidate", func(t *testing.T) {
		do(t, s, http.MethodPut, "/v1/cache/order:1", `{"value":1}`)
		do(t, s, http.MethodPut, "/v1/cache/order:2", `{"value":2}`)
		do(t, s, http.MethodPut, "/v1/cache/invoice:1", `{"value":3}`)

		rec := do(t, s, http.MethodPost, "/v1/cache/invalidate", `{"pattern":"order:*"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.EqualValues(t, 2, decodeBody(t, rec)["removed"])

		rec = do(t, s, http.MethodGet, "/v1/cache/invoice:1", "")
		assert.Equal(t, http.StatusOK, rec.Code)

		rec = do(t, s, http.MethodPost, "/v1/cache/invalidate", `{}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("clear", func(t *testing.T) {
		do(t, s, http.MethodPut, "/v1/cache/k", `{"value":"v"}`)

		rec := do(t, s, http.MethodPost, "/v1/cache/clear", "")
		require.Equal(t, http.StatusOK, rec.Code)

		rec = do(t, s, http.MethodGet, "/v1/cache/k", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("invalidation_log", func(t *testing.T) {
		rec := do(t, s, http.MethodGet, "/v1/invalidations?pattern=order:*", "")
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.EqualValues(t, 1, body["total"])

		rec = do(t, s, http.MethodGet, "/v1/invalidations/stats?window=1h", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, decodeBody(t, rec), "metrics")

		rec = do(t, s, http.MethodGet, "/v1/invalidations/stats?window=later", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = do(t, s, http.MethodDelete, "/v1/invalidations?older_than=1h", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.EqualValues(t, 0, decodeBody(t, rec)["removed"])
	})

	t.Run("stats", func(t *testing.T) {
		rec := do(t, s, http.MethodGet, "/v1/stats", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "memory")
	})
}

func TestWarmupRoutes(t *testing.T) {
	s, eng := newTestServer(t, openConfig())

	rec := do(t, s, http.MethodPost, "/v1/access", `{"key":"feed:u1","user_id":"u1","generation_time_ms":40}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(t, s, http.MethodPost, "/v1/access", `{"user_id":"u1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// The scheduler is not started, so queued tasks stay pending.
	rec = do(t, s, http.MethodPost, "/v1/warmup", `{"key":"report:1","priority":"high","ttl":60,"tags":["reports"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	id, _ := decodeBody(t, rec)["task_id"].(string)
	require.NotEmpty(t, id)

	rec = do(t, s, http.MethodPost, "/v1/warmup", `{"key":"report:1"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s, http.MethodPost, "/v1/warmup", `{"key":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodGet, "/v1/warmup/tasks/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	task := decodeBody(t, rec)
	assert.Equal(t, "report:1", task["key"])
	assert.Equal(t, "manual", task["strategy"])

	rec = do(t, s, http.MethodGet, "/v1/warmup/tasks/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodPost, "/v1/warmup/users/u1", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.EqualValues(t, 1, decodeBody(t, rec)["scheduled"])

	rec = do(t, s, http.MethodGet, "/v1/warmup/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, eng.Warmup().Stats.Enqueued)
}

func TestMonitoringRoutes(t *testing.T) {
	s, eng := newTestServer(t, openConfig())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		do(t, s, http.MethodGet, "/v1/cache/missing", "")
	}
	eng.Monitor().Collect(ctx)
	eng.Monitor().Analyze(ctx)

	t.Run("dashboard", func(t *testing.T) {
		rec := do(t, s, http.MethodGet, "/v1/dashboard", "")
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.NotEmpty(t, body["active_alerts"])
		assert.Contains(t, body, "performance_score")
	})

	t.Run("export", func(t *testing.T) {
		rec := do(t, s, http.MethodGet, "/v1/metrics/export?format=csv&window=30m", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
		assert.Contains(t, rec.Body.String(), "hit_rate")

		rec = do(t, s, http.MethodGet, "/v1/metrics/export?format=xml", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = do(t, s, http.MethodGet, "/v1/metrics/export?window=soon", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("alerts", func(t *testing.T) {
		rec := do(t, s, http.MethodGet, "/v1/alerts?active=true&limit=1", "")
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.EqualValues(t, 1, body["count"])

		alerts := body["alerts"].([]any)
		id := alerts[0].(map[string]any)["id"].(string)

		rec = do(t, s, http.MethodPost, "/v1/alerts/"+id+"/resolve", "")
		assert.Equal(t, http.StatusOK, rec.Code)

		rec = do(t, s, http.MethodPost, "/v1/alerts/unknown/resolve", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("prometheus", func(t *testing.T) {
		rec := do(t, s, http.MethodGet, "/metrics", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "tiered_cache_")
	})
}

func TestRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RatePerSecond = 1
	cfg.Burst = 1
	s, _ := newTestServer(t, cfg)

	rec := do(t, s, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}
