// Package health serves liveness and readiness probes backed by periodic
// checks.
//
// Every check runs in its own goroutine. A check turns unhealthy after
// failureThreshold consecutive failures and healthy again after
// successThreshold consecutive successes, so a single slow ping does not
// flap the probe.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// CheckFunc reports a problem with a component, or nil.
type CheckFunc func(ctx context.Context) error

type probe uint8

const (
	liveness probe = iota
	readiness
)

// Option tunes a single check.
type Option func(*check)

// WithThresholds overrides the consecutive failure and success counts
// needed to flip a check's state.
func WithThresholds(failures, successes int) Option {
	return func(c *check) {
		c.failureThreshold = max(failures, 1)
		c.successThreshold = max(successes, 1)
	}
}

// check is driven by a single goroutine; the counters are owned by it and
// the published state is atomic.
type check struct {
	name             string
	probe            probe
	timeout          time.Duration
	fn               CheckFunc
	failureThreshold int
	successThreshold int

	healthy atomic.Bool
	lastErr atomic.Pointer[error]

	fails int
	oks   int
}

func (c *check) run(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.fn(ctx)
	c.lastErr.Store(&err)
	if err != nil {
		c.oks = 0
		c.fails++
		if c.fails >= c.failureThreshold {
			c.healthy.Store(false)
		}
		return
	}
	c.fails = 0
	c.oks++
	if c.oks >= c.successThreshold {
		c.healthy.Store(true)
	}
}

func (c *check) status() string {
	if c.healthy.Load() {
		return "ok"
	}
	if p := c.lastErr.Load(); p != nil && *p != nil {
		return (*p).Error()
	}
	return "unhealthy"
}

// Health aggregates checks for the /livez and /readyz endpoints.
type Health struct {
	ready atomic.Bool

	mu     sync.RWMutex
	checks []*check
	cancel context.CancelFunc
}

// New creates a Health that is not ready until SetReady(true).
func New() *Health {
	return &Health{}
}

// AddLivenessCheck registers a check that fails /livez, such as a
// goroutine leak detector.
func (h *Health) AddLivenessCheck(name string, timeout time.Duration, fn CheckFunc, opts ...Option) {
	h.add(name, liveness, timeout, fn, opts)
}

// AddReadinessCheck registers a check that fails /readyz, such as a
// database ping.
func (h *Health) AddReadinessCheck(name string, timeout time.Duration, fn CheckFunc, opts ...Option) {
	h.add(name, readiness, timeout, fn, opts)
}

func (h *Health) add(name string, p probe, timeout time.Duration, fn CheckFunc, opts []Option) {
	c := &check{
		name:             name,
		probe:            p,
		timeout:          timeout,
		fn:               fn,
		failureThreshold: 3,
		successThreshold: 1,
	}
	for _, o := range opts {
		o(c)
	}
	c.healthy.Store(true)

	h.mu.Lock()
	h.checks = append(h.checks, c)
	h.mu.Unlock()
}

// Start runs every registered check now and then every interval until
// Stop or ctx is done.
func (h *Health) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	h.cancel = cancel
	checks := append([]*check(nil), h.checks...)
	h.mu.Unlock()

	for _, c := range checks {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				c.run(ctx)
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
		}()
	}
}

// Stop halts the background checks. It is safe to call more than once.
func (h *Health) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

// SetReady flips the manual readiness gate, closed during startup and
// graceful shutdown.
func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady reports whether the gate is open and every readiness check
// passes.
func (h *Health) IsReady() bool {
	if !h.ready.Load() {
		return false
	}
	_, healthy := h.report(readiness)
	return healthy
}

// report returns the state of every check of one probe kind.
func (h *Health) report(p probe) (map[string]string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	states := make(map[string]string)
	healthy := true
	for _, c := range h.checks {
		if c.probe != p {
			continue
		}
		states[c.name] = c.status()
		healthy = healthy && c.healthy.Load()
	}
	return states, healthy
}

type statusResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// LiveEndpoint serves /livez: 200 while all liveness checks pass, 503
// otherwise. The body lists every check's state.
func (h *Health) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	states, healthy := h.report(liveness)
	writeStatus(w, states, healthy)
}

// ReadyEndpoint serves /readyz: 200 while the gate is open and all
// readiness checks pass, 503 otherwise.
func (h *Health) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	states, healthy := h.report(readiness)
	if !h.ready.Load() {
		states["_readiness"] = "service is not ready"
		healthy = false
	}
	writeStatus(w, states, healthy)
}

func writeStatus(w http.ResponseWriter, states map[string]string, healthy bool) {
	resp := statusResponse{Status: "ok", Checks: states}
	status := http.StatusOK
	if !healthy {
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
