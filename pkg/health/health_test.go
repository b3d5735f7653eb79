package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func passingCheck() CheckFunc {
	return func(context.Context) error { return nil }
}

func failingCheck(msg string) CheckFunc {
	return func(context.Context) error { return errors.New(msg) }
}

func runTimes(ctx context.Context, c *check, n int) {
	for range n {
		c.run(ctx)
	}
}

func decodeStatus(t *testing.T, w *httptest.ResponseRecorder) statusResponse {
	t.Helper()
	var body statusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return body
}

func TestLiveEndpoint(t *testing.T) {
	h := New()
	h.AddLivenessCheck("goroutines", time.Second, passingCheck())
	h.AddLivenessCheck("leak", time.Second, failingCheck("too many"))
	h.AddReadinessCheck("postgres", time.Second, failingCheck("refused"))

	w := httptest.NewRecorder()
	h.LiveEndpoint(w, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, http.StatusOK, w.Code, "checks start healthy")
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	ctx := context.Background()
	runTimes(ctx, h.checks[1], 2)
	w = httptest.NewRecorder()
	h.LiveEndpoint(w, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, http.StatusOK, w.Code, "below the failure threshold")

	h.checks[1].run(ctx)
	runTimes(ctx, h.checks[2], 3)
	w = httptest.NewRecorder()
	h.LiveEndpoint(w, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decodeStatus(t, w)
	assert.Equal(t, "unhealthy", body.Status)
	assert.Equal(t, map[string]string{"goroutines": "ok", "leak": "too many"}, body.Checks)
}

func TestReadyEndpoint(t *testing.T) {
	h := New()
	h.AddReadinessCheck("postgres", time.Second, passingCheck())
	h.AddReadinessCheck("redis", time.Second, failingCheck("no route"), WithThresholds(1, 1))

	w := httptest.NewRecorder()
	h.ReadyEndpoint(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "service is not ready", decodeStatus(t, w).Checks["_readiness"])

	h.SetReady(true)
	assert.True(t, h.IsReady())
	w = httptest.NewRecorder()
	h.ReadyEndpoint(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	h.checks[1].run(context.Background())
	assert.False(t, h.IsReady())
	w = httptest.NewRecorder()
	h.ReadyEndpoint(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decodeStatus(t, w)
	assert.Equal(t, "ok", body.Checks["postgres"])
	assert.Equal(t, "no route", body.Checks["redis"])

	h.SetReady(false)
	assert.False(t, h.IsReady())
}

func TestCheckRecovery(t *testing.T) {
	var mu sync.Mutex
	fail := true
	h := New()
	h.AddReadinessCheck("db", time.Second, func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return errors.New("down")
		}
		return nil
	}, WithThresholds(2, 2))
	h.SetReady(true)

	ctx := context.Background()
	c := h.checks[0]
	runTimes(ctx, c, 2)
	assert.False(t, h.IsReady())

	mu.Lock()
	fail = false
	mu.Unlock()
	c.run(ctx)
	assert.False(t, h.IsReady(), "one success is below the threshold")
	c.run(ctx)
	assert.True(t, h.IsReady())
}

func TestStartAndStop(t *testing.T) {
	h := New()
	h.AddReadinessCheck("db", time.Second, failingCheck("down"), WithThresholds(1, 1))
	h.SetReady(true)

	h.Start(context.Background(), 10*time.Millisecond)
	assert.Eventually(t, func() bool { return !h.IsReady() }, time.Second, 5*time.Millisecond)

	h.Stop()
	h.Stop()
}

func TestCheckTimeout(t *testing.T) {
	h := New()
	h.AddReadinessCheck("slow", 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, WithThresholds(1, 1))

	h.checks[0].run(context.Background())
	assert.Equal(t, context.DeadlineExceeded.Error(), h.checks[0].status())
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestPingCheck(t *testing.T) {
	ctx := context.Background()
	assert.NoError(t, PingCheck(pinger{})(ctx))
	assert.ErrorContains(t, PingCheck(pinger{err: errors.New("refused")})(ctx), "refused")
}

func TestBacklogCheck(t *testing.T) {
	ctx := context.Background()
	count := func(n int, err error) func(context.Context) (int, error) {
		return func(context.Context) (int, error) { return n, err }
	}

	assert.NoError(t, BacklogCheck(count(5, nil), 5)(ctx))
	assert.ErrorContains(t, BacklogCheck(count(6, nil), 5)(ctx), "backlog 6 exceeds threshold 5")
	assert.ErrorContains(t, BacklogCheck(count(0, errors.New("db")), 5)(ctx), "count backlog")
}

func TestGoroutineCountCheck(t *testing.T) {
	ctx := context.Background()
	assert.NoError(t, GoroutineCountCheck(100_000)(ctx))
	assert.Error(t, GoroutineCountCheck(0)(ctx))
}

func TestConcurrentAccess(t *testing.T) {
	h := New()
	h.AddLivenessCheck("live", time.Second, passingCheck())
	h.AddReadinessCheck("ready", time.Second, passingCheck())
	h.SetReady(true)
	h.Start(context.Background(), time.Millisecond)
	defer h.Stop()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				h.LiveEndpoint(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/livez", nil))
				h.ReadyEndpoint(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/readyz", nil))
				_ = h.IsReady()
			}
		}()
	}
	wg.Wait()
}
