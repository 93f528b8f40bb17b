package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	var seenID string
	handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID = RequestIDFromCtx(r.Context())
		if r.URL.Path == "/missing" {
			http.Error(w, "nope", http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("hello"))
	}))

	t.Run("generates_request_id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stats?x=1", nil))

		id := rec.Header().Get(RequestIDHeader)
		require.NotEmpty(t, id)
		assert.Equal(t, id, seenID)

		entries := logs.TakeAll()
		require.Len(t, entries, 1)
		e := entries[0]
		assert.Equal(t, zapcore.InfoLevel, e.Level)
		fields := e.ContextMap()
		assert.Equal(t, id, fields["request_id"])
		assert.Equal(t, "GET", fields["method"])
		assert.Equal(t, "/v1/stats", fields["path"])
		assert.Equal(t, "x=1", fields["query"])
		assert.EqualValues(t, 200, fields["status"])
		assert.EqualValues(t, 5, fields["bytes"])
	})

	t.Run("propagates_incoming_id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "abc-123")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))
		assert.Equal(t, "abc-123", seenID)
		logs.TakeAll()
	})

	t.Run("client_errors_log_at_warn", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))

		entries := logs.TakeAll()
		require.Len(t, entries, 1)
		assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
		assert.EqualValues(t, 404, entries[0].ContextMap()["status"])
	})
}

func TestLevelFor(t *testing.T) {
	assert.Equal(t, zapcore.InfoLevel, levelFor(204))
	assert.Equal(t, zapcore.WarnLevel, levelFor(429))
	assert.Equal(t, zapcore.ErrorLevel, levelFor(503))
}

func TestRequestIDContext(t *testing.T) {
	assert.Empty(t, RequestIDFromCtx(context.Background()))

	ctx := WithRequestID(context.Background(), "r1")
	assert.Equal(t, "r1", RequestIDFromCtx(ctx))

	core, logs := observer.New(zapcore.InfoLevel)
	LoggerFromCtx(ctx, zap.New(core)).Info("hello")
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "r1", logs.All()[0].ContextMap()["request_id"])
}
