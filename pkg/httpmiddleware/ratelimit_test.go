package httpmiddleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func hit(h http.Handler, path, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, nil)
	req.RemoteAddr = remoteAddr
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRateLimit_UnderLimit(t *testing.T) {
	handler := RateLimit(RateLimitConfig{Max: 5, Window: time.Minute})(okHandler())

	for i := range 5 {
		w := hit(handler, "/api/orders", "192.168.1.1:12345")
		assert.Equal(t, http.StatusOK, w.Code, "request %d should pass", i+1)
		assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
		assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
	}
}

func TestRateLimit_OverLimit(t *testing.T) {
	handler := RateLimit(RateLimitConfig{Max: 2, Window: time.Minute})(okHandler())

	for range 2 {
		require.Equal(t, http.StatusOK, hit(handler, "/api/orders", "10.0.0.1:9999").Code)
	}

	w := hit(handler, "/api/orders", "10.0.0.1:9999")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "rate_limited", body["error"])

	// Other clients keep their own allowance.
	assert.Equal(t, http.StatusOK, hit(handler, "/api/orders", "10.0.0.2:1234").Code)
}

func TestRateLimit_SkipWebhooks(t *testing.T) {
	handler := RateLimit(RateLimitConfig{
		Max:    1,
		Window: time.Minute,
		Skip:   SkipPrefix("/api/webhooks/"),
	})(okHandler())

	for range 3 {
		w := hit(handler, "/api/webhooks/stripe", "10.0.0.1:1")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
	}
	assert.Equal(t, http.StatusOK, hit(handler, "/api/orders", "10.0.0.1:1").Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(handler, "/api/orders", "10.0.0.1:1").Code)
}

func TestRateLimit_SlidingWindow(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{Max: 4, Window: time.Minute})
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for range 4 {
		_, _, ok := rl.allow("c", start)
		require.True(t, ok)
	}
	_, _, ok := rl.allow("c", start.Add(30*time.Second))
	assert.False(t, ok)

	// Half way through the next window half of the previous count remains.
	remaining, _, ok := rl.allow("c", start.Add(90*time.Second))
	assert.True(t, ok)
	assert.Equal(t, 1, remaining)

	// Two windows later the history is gone.
	remaining, _, ok = rl.allow("c", start.Add(3*time.Minute))
	assert.True(t, ok)
	assert.Equal(t, 3, remaining)
}

func TestRateLimit_EvictsLeastRecentClient(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{Max: 1, Window: time.Minute, Size: 1})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, _, ok := rl.allow("a", now)
	require.True(t, ok)
	_, _, ok = rl.allow("b", now)
	require.True(t, ok)

	_, _, ok = rl.allow("a", now)
	assert.True(t, ok, "evicted client starts over")
}

func TestRateLimit_CustomKeyFunc(t *testing.T) {
	handler := RateLimit(RateLimitConfig{
		Max:     1,
		Window:  time.Minute,
		KeyFunc: func(r *http.Request) string { return r.Header.Get("Authorization") },
	})(okHandler())

	do := func(token string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", token)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}
	assert.Equal(t, http.StatusOK, do("Bearer a"))
	assert.Equal(t, http.StatusTooManyRequests, do("Bearer a"))
	assert.Equal(t, http.StatusOK, do("Bearer b"))
}

func TestRateLimit_XForwardedFor(t *testing.T) {
	handler := RateLimit(RateLimitConfig{Max: 1, Window: time.Minute})(okHandler())

	do := func(remoteAddr string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = remoteAddr
		req.Header.Set("X-Forwarded-For", "203.0.113.50, 70.41.3.18")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}
	assert.Equal(t, http.StatusOK, do("192.168.1.1:4444"))
	assert.Equal(t, http.StatusTooManyRequests, do("192.168.1.2:5555"))
}
