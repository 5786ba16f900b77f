package dispatch

import (
	"context"
	"math/rand"
	"time"

	"github.com/BaSui01/dataforge/tracker"
	"github.com/BaSui01/dataforge/types"
)

// Dispatcher drives a set of generic requests to terminal states and
// returns one response per request, success or failure alike. Progress is
// reported through the shared tracker.
type Dispatcher interface {
	Process(ctx context.Context, requests []types.GenericRequest, tr *tracker.StatusTracker) ([]types.GenericResponse, error)
}

// RetryPolicy bounds per-request retries and shapes the exponential backoff
// between attempts.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
}

// DefaultRetryPolicy returns the retry settings used when the caller does
// not override them.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   10,
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// Delay computes the backoff before the given attempt (1-based retry
// counter). The jitter fraction randomizes the delay symmetrically so
// synchronized failures do not retry in lockstep.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxDelay) {
			d = float64(p.MaxDelay)
			break
		}
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * (2*rand.Float64() - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// sleep waits for the backoff delay or until the context ends.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
