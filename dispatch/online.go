package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/BaSui01/dataforge/checkpoint"
	"github.com/BaSui01/dataforge/internal/metrics"
	"github.com/BaSui01/dataforge/provider"
	"github.com/BaSui01/dataforge/tracker"
	"github.com/BaSui01/dataforge/types"
)

// OnlineConfig holds the tunables of the rate-limited online dispatcher.
type OnlineConfig struct {
	MaxConcurrency int
	Limits         Limits
	Retry          RetryPolicy
}

// DefaultOnlineConfig returns conservative settings safe against unknown
// endpoints; discovered capacity widens them at runtime.
func DefaultOnlineConfig() OnlineConfig {
	return OnlineConfig{
		MaxConcurrency: 10,
		Limits: Limits{
			RequestsPerMinute: 60,
			TokensPerMinute:   100_000,
			Cooldown:          15 * time.Second,
		},
		Retry: DefaultRetryPolicy(),
	}
}

// Online dispatches requests concurrently against a remote backend under
// dual rolling-minute budgets. Every terminal outcome is appended to the
// checkpoint store the moment it is decided.
type Online struct {
	backend   provider.Backend
	cfg       OnlineConfig
	store     *checkpoint.Store
	collector *metrics.Collector
	logger    *zap.Logger
}

// NewOnline builds an online dispatcher. store and collector may be nil;
// progress then goes unrecorded but dispatch still works.
func NewOnline(backend provider.Backend, cfg OnlineConfig, store *checkpoint.Store, collector *metrics.Collector, logger *zap.Logger) *Online {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Online{
		backend:   backend,
		cfg:       cfg,
		store:     store,
		collector: collector,
		logger:    logger.With(zap.String("component", "online_dispatcher")),
	}
}

// Process drives every request to a terminal state and returns one response
// per request. The returned slice is not ordered by row; callers join on
// OriginalRowIdx. A non-nil error means the run itself aborted and the
// results are incomplete.
//
// Setup-level problems abort before the first remote call: failed backend
// validation, and any request the backend cannot encode. An untranslatable
// request (unsupported shape, response schema on a model without structured
// output) would fail identically on every row, so no row is dispatched.
func (o *Online) Process(ctx context.Context, requests []types.GenericRequest, tr *tracker.StatusTracker) ([]types.GenericResponse, error) {
	if err := o.backend.Validate(); err != nil {
		return nil, err
	}

	tasks := make([]*Task, 0, len(requests))
	for i := range requests {
		task, err := o.prepare(requests[i])
		if err != nil {
			return nil, fmt.Errorf("prepare row %d: %w", requests[i].OriginalRowIdx, err)
		}
		tasks = append(tasks, task)
	}

	adm := newAdmission(o.cfg.Limits, tr, o.logger)
	if caps, err := o.backend.Capacity(ctx); err != nil {
		o.logger.Warn("capacity discovery failed, keeping configured limits", zap.Error(err))
	} else {
		adm.Refine(caps)
	}

	var (
		mu        sync.Mutex
		responses = make([]types.GenericResponse, 0, len(requests))
	)
	collect := func(resp types.GenericResponse) error {
		if o.store != nil {
			if err := o.store.Append(&resp); err != nil {
				return fmt.Errorf("checkpoint append: %w", err)
			}
		}
		mu.Lock()
		responses = append(responses, resp)
		mu.Unlock()
		return nil
	}

	sem := semaphore.NewWeighted(int64(o.cfg.MaxConcurrency))
	g, gctx := errgroup.WithContext(ctx)

	for _, task := range tasks {
		task := task
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			resp, err := o.run(gctx, task, adm, tr)
			if err != nil {
				return err
			}
			return collect(resp)
		})
	}

	if err := g.Wait(); err != nil {
		return responses, err
	}
	tr.LogSummary(o.logger)
	return responses, nil
}

// prepare translates a generic request to the backend wire format and
// estimates its token footprint.
func (o *Online) prepare(req types.GenericRequest) (*Task, error) {
	wire, err := o.backend.Translate(&req)
	if err != nil {
		return nil, err
	}
	return newTask(req, wire, o.backend.EstimateTokens(wire)), nil
}

// run retries one task to a terminal state. Each attempt passes the
// admission gate anew so retries consume budget exactly like first attempts.
// The returned error is non-nil only for run-aborting conditions, namely
// context cancellation and authentication failures.
func (o *Online) run(ctx context.Context, task *Task, adm *admission, tr *tracker.StatusTracker) (types.GenericResponse, error) {
	tr.TaskStarted()

	for {
		task.Attempts++
		if err := adm.Admit(ctx, task.TokenEstimate); err != nil {
			return types.GenericResponse{}, err
		}
		task.State = TaskInFlight

		start := time.Now()
		raw, err := o.backend.Call(ctx, task.WireRequest)
		o.collector.ObserveCall(o.backend.Name(), time.Since(start))

		var parsed *provider.Parsed
		if err == nil {
			parsed, err = o.backend.Parse(raw)
		}

		if err == nil {
			task.State = TaskSucceeded
			tr.TaskSucceeded()
			o.collector.RequestFinished("succeeded")
			o.collector.TokensUsed(parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens)
			o.collector.CostAccrued(parsed.Cost)
			msg := parsed.Message
			return types.GenericResponse{
				ResponseMessage: &msg,
				RawRequest:      task.WireRequest,
				RawResponse:     raw,
				GenericRequest:  task.GenericRequest,
				CreatedAt:       task.CreatedAt,
				FinishedAt:      time.Now().UTC(),
				TokenUsage:      parsed.Usage,
				ResponseCost:    parsed.Cost,
			}, nil
		}

		task.Errors = append(task.Errors, err.Error())
		o.classify(err, tr)

		if types.GetErrorCode(err) == types.ErrAuthentication {
			// Credentials will not heal across retries; abort the
			// whole run instead of burning every row.
			tr.TaskFailed()
			o.collector.RequestFinished("failed")
			return types.GenericResponse{}, err
		}
		if !types.IsRetryable(err) || task.Attempts > o.cfg.Retry.MaxRetries {
			task.State = TaskFailed
			tr.TaskFailed()
			o.collector.RequestFinished("failed")
			o.logger.Warn("task exhausted",
				zap.Int("row", task.TaskID),
				zap.Int("attempts", task.Attempts),
				zap.Error(err))
			return task.failedResponse(time.Now().UTC()), nil
		}

		task.State = TaskQueued
		o.collector.Retry()
		if err := sleep(ctx, o.cfg.Retry.Delay(task.Attempts)); err != nil {
			return types.GenericResponse{}, err
		}
	}
}

// classify routes an attempt error into exactly one error counter.
func (o *Online) classify(err error, tr *tracker.StatusTracker) {
	switch {
	case types.IsRateLimit(err):
		tr.RateLimitError()
		o.collector.RateLimitHit()
		o.collector.CooldownEntered()
	case types.GetErrorCode(err) != "":
		tr.APIError()
	default:
		tr.OtherError()
	}
}
