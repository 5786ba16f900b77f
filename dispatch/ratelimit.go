package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/dataforge/provider"
	"github.com/BaSui01/dataforge/tracker"
)

// Limits is the effective capacity budget of one run: two independently
// exhaustible rolling-minute windows plus the cooldown applied after a
// rate-limit signal.
type Limits struct {
	RequestsPerMinute int
	TokensPerMinute   int
	Cooldown          time.Duration
}

// admission is the gate every attempt passes before its remote call. It
// reserves headroom in both budgets and enforces the global cooldown window;
// callers block (never drop) until the rolling windows regenerate headroom.
type admission struct {
	requests *rate.Limiter
	tokens   *rate.Limiter
	limits   Limits
	tracker  *tracker.StatusTracker
	logger   *zap.Logger
}

func newAdmission(limits Limits, tr *tracker.StatusTracker, logger *zap.Logger) *admission {
	return &admission{
		requests: rate.NewLimiter(perMinute(limits.RequestsPerMinute), limits.RequestsPerMinute),
		tokens:   rate.NewLimiter(perMinute(limits.TokensPerMinute), limits.TokensPerMinute),
		limits:   limits,
		tracker:  tr,
		logger:   logger.With(zap.String("component", "admission")),
	}
}

func perMinute(n int) rate.Limit {
	return rate.Limit(float64(n) / 60.0)
}

// Refine tightens or widens the budgets from discovered capacity. Zero
// fields leave the corresponding budget untouched, so an endpoint that does
// not advertise limits keeps the conservative configured defaults.
func (a *admission) Refine(caps provider.Capacity) {
	if caps.RequestsPerMinute > 0 {
		a.requests.SetLimit(perMinute(caps.RequestsPerMinute))
		a.requests.SetBurst(caps.RequestsPerMinute)
		a.limits.RequestsPerMinute = caps.RequestsPerMinute
	}
	if caps.TokensPerMinute > 0 {
		a.tokens.SetLimit(perMinute(caps.TokensPerMinute))
		a.tokens.SetBurst(caps.TokensPerMinute)
		a.limits.TokensPerMinute = caps.TokensPerMinute
	}
	a.logger.Info("capacity refined",
		zap.Int("requests_per_minute", a.limits.RequestsPerMinute),
		zap.Int("tokens_per_minute", a.limits.TokensPerMinute))
}

// Admit blocks until the call may start: outside any cooldown window, with
// one request and tokenEstimate tokens reserved from the budgets. The token
// estimate is clamped to the window size so an oversized single request can
// still run alone rather than deadlock.
//
// Admission that does not lead to a call hands its reservations back, so a
// cooldown arriving mid-wait or a cancelled context never leaks budget.
func (a *admission) Admit(ctx context.Context, tokenEstimate int) error {
	for {
		if err := a.waitCooldown(ctx); err != nil {
			return err
		}
		req, err := a.reserve(ctx, a.requests, 1)
		if err != nil {
			return fmt.Errorf("request budget wait: %w", err)
		}
		n := tokenEstimate
		if n < 1 {
			n = 1
		}
		if b := a.tokens.Burst(); n > b {
			n = b
		}
		tok, err := a.reserve(ctx, a.tokens, n)
		if err != nil {
			req.Cancel()
			return fmt.Errorf("token budget wait: %w", err)
		}
		// A rate-limit signal may have arrived while waiting on the
		// budgets; re-check before releasing the call.
		if !a.tracker.InCooldown(a.limits.Cooldown) {
			return nil
		}
		req.Cancel()
		tok.Cancel()
	}
}

// reserve takes n tokens from lim and waits out the reservation's delay.
// A wait cut short by the context returns the reservation to the budget.
func (a *admission) reserve(ctx context.Context, lim *rate.Limiter, n int) (*rate.Reservation, error) {
	r := lim.ReserveN(time.Now(), n)
	if !r.OK() {
		return nil, fmt.Errorf("reservation of %d exceeds burst %d", n, lim.Burst())
	}
	if d := r.Delay(); d > 0 {
		if err := sleep(ctx, d); err != nil {
			r.Cancel()
			return nil, err
		}
	}
	return r, nil
}

// waitCooldown sleeps until the cooldown window that started at the last
// rate-limit error has elapsed.
func (a *admission) waitCooldown(ctx context.Context) error {
	for {
		last := a.tracker.LastRateLimitError()
		if last.IsZero() {
			return nil
		}
		remaining := a.limits.Cooldown - time.Since(last)
		if remaining <= 0 {
			return nil
		}
		a.logger.Debug("pausing admissions after rate-limit signal",
			zap.Duration("remaining", remaining))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(remaining):
		}
	}
}
