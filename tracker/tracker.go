// Package tracker maintains the mutable progress counters for one run.
//
// A single StatusTracker instance is owned by the caller and passed
// explicitly into the dispatcher; concurrently finishing tasks mutate it only
// through the synchronized accessors below.
package tracker

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Counts is an immutable snapshot of the tracker counters.
//
// Counters form a strict partition: every terminal outcome increments exactly
// one of Succeeded/Failed, and every observed error increments exactly one of
// APIErrors/RateLimitErrors/OtherErrors.
type Counts struct {
	Started         int `json:"started"`
	InProgress      int `json:"in_progress"`
	Succeeded       int `json:"succeeded"`
	Failed          int `json:"failed"`
	APIErrors       int `json:"api_errors"`
	RateLimitErrors int `json:"rate_limit_errors"`
	OtherErrors     int `json:"other_errors"`
}

// MarshalLogObject implements zapcore.ObjectMarshaler so a snapshot can be
// logged as a single structured field.
func (c Counts) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt("started", c.Started)
	enc.AddInt("in_progress", c.InProgress)
	enc.AddInt("succeeded", c.Succeeded)
	enc.AddInt("failed", c.Failed)
	enc.AddInt("api_errors", c.APIErrors)
	enc.AddInt("rate_limit_errors", c.RateLimitErrors)
	enc.AddInt("other_errors", c.OtherErrors)
	return nil
}

// StatusTracker tracks the progress of one run.
type StatusTracker struct {
	mu                  sync.Mutex
	counts              Counts
	lastRateLimitError  time.Time
	now                 func() time.Time
}

// New creates an empty StatusTracker.
func New() *StatusTracker {
	return &StatusTracker{now: time.Now}
}

// WithClock overrides the tracker's clock. Test hook.
func (t *StatusTracker) WithClock(now func() time.Time) *StatusTracker {
	t.now = now
	return t
}

// TaskStarted records one task entering dispatch.
func (t *StatusTracker) TaskStarted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts.Started++
	t.counts.InProgress++
}

// TaskSucceeded records a terminal success.
func (t *StatusTracker) TaskSucceeded() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts.InProgress--
	t.counts.Succeeded++
}

// TaskFailed records a terminal failure after retries are exhausted.
func (t *StatusTracker) TaskFailed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts.InProgress--
	t.counts.Failed++
}

// APIError records one provider-reported error attempt.
func (t *StatusTracker) APIError() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts.APIErrors++
}

// RateLimitError records one rate-limit signal and stamps the cooldown clock.
func (t *StatusTracker) RateLimitError() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts.RateLimitErrors++
	t.lastRateLimitError = t.now()
}

// OtherError records one non-API, non-rate-limit error attempt.
func (t *StatusTracker) OtherError() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts.OtherErrors++
}

// LastRateLimitError returns the time of the most recent rate-limit signal,
// or the zero time if none occurred.
func (t *StatusTracker) LastRateLimitError() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastRateLimitError
}

// InCooldown reports whether the run is inside the admission cooldown window
// following a rate-limit signal.
func (t *StatusTracker) InCooldown(cooldown time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastRateLimitError.IsZero() {
		return false
	}
	return t.now().Sub(t.lastRateLimitError) < cooldown
}

// Snapshot returns a copy of the current counters.
func (t *StatusTracker) Snapshot() Counts {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts
}

// LogSummary emits the final run summary.
func (t *StatusTracker) LogSummary(logger *zap.Logger) {
	c := t.Snapshot()
	logger.Info("run summary", zap.Object("status", c))
}
