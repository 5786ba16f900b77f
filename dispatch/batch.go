package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/dataforge/checkpoint"
	"github.com/BaSui01/dataforge/internal/metrics"
	"github.com/BaSui01/dataforge/provider"
	"github.com/BaSui01/dataforge/tracker"
	"github.com/BaSui01/dataforge/types"
)

// LocalModel is an in-process generation engine with an explicit load and
// unload lifecycle. Generate answers a whole batch in one pass and must
// return exactly one result per request, index-aligned with the input.
type LocalModel interface {
	Name() string
	Load(ctx context.Context) error
	Unload() error
	Generate(ctx context.Context, batch []types.GenericRequest) ([]provider.Parsed, error)
}

// BatchConfig holds the tunables of the offline batch dispatcher.
type BatchConfig struct {
	BatchSize int
	Workers   int
}

// DefaultBatchConfig returns the settings used when the caller does not
// override them.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{BatchSize: 32, Workers: 2}
}

// Batch dispatches requests against a locally loaded model in fixed-size
// batches. There is no admission control and no retry; a batch that errors
// fails all of its rows in one stroke, except for permanent errors, which
// would fail every batch identically and therefore abort the run.
type Batch struct {
	model     LocalModel
	cfg       BatchConfig
	store     *checkpoint.Store
	collector *metrics.Collector
	logger    *zap.Logger
}

// NewBatch builds a batch dispatcher. store and collector may be nil.
func NewBatch(model LocalModel, cfg BatchConfig, store *checkpoint.Store, collector *metrics.Collector, logger *zap.Logger) *Batch {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Batch{
		model:     model,
		cfg:       cfg,
		store:     store,
		collector: collector,
		logger:    logger.With(zap.String("component", "batch_dispatcher")),
	}
}

// Process loads the model, runs every batch through a bounded worker pool,
// and unloads the model before returning. The returned slice is not ordered
// by row; callers join on OriginalRowIdx.
func (b *Batch) Process(ctx context.Context, requests []types.GenericRequest, tr *tracker.StatusTracker) ([]types.GenericResponse, error) {
	if err := b.model.Load(ctx); err != nil {
		return nil, fmt.Errorf("load model %s: %w", b.model.Name(), err)
	}
	defer func() {
		if err := b.model.Unload(); err != nil {
			b.logger.Warn("model unload failed", zap.Error(err))
		}
	}()

	var (
		mu        sync.Mutex
		responses = make([]types.GenericResponse, 0, len(requests))
	)
	collect := func(batch []types.GenericResponse) error {
		if b.store != nil {
			for i := range batch {
				if err := b.store.Append(&batch[i]); err != nil {
					return fmt.Errorf("checkpoint append: %w", err)
				}
			}
		}
		mu.Lock()
		responses = append(responses, batch...)
		mu.Unlock()
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Workers)

	for start := 0; start < len(requests); start += b.cfg.BatchSize {
		end := start + b.cfg.BatchSize
		if end > len(requests) {
			end = len(requests)
		}
		batch := requests[start:end]
		g.Go(func() error {
			out, err := b.runBatch(gctx, batch, tr)
			if err != nil {
				return err
			}
			return collect(out)
		})
	}

	if err := g.Wait(); err != nil {
		return responses, err
	}
	tr.LogSummary(b.logger)
	return responses, nil
}

// runBatch generates one batch and converts its results to terminal
// responses. A generation error marks every row in the batch failed; a
// permanent error aborts the run instead.
func (b *Batch) runBatch(ctx context.Context, batch []types.GenericRequest, tr *tracker.StatusTracker) ([]types.GenericResponse, error) {
	for range batch {
		tr.TaskStarted()
	}
	createdAt := time.Now().UTC()

	start := time.Now()
	results, err := b.model.Generate(ctx, batch)
	b.collector.ObserveCall(b.model.Name(), time.Since(start))
	if types.IsPermanent(err) {
		return nil, fmt.Errorf("generate batch: %w", err)
	}
	if err == nil && len(results) != len(batch) {
		err = fmt.Errorf("model returned %d results for %d requests", len(results), len(batch))
	}

	out := make([]types.GenericResponse, 0, len(batch))
	finishedAt := time.Now().UTC()

	if err != nil {
		b.logger.Warn("batch failed",
			zap.Int("size", len(batch)),
			zap.Error(err))
		for i := range batch {
			tr.OtherError()
			tr.TaskFailed()
			b.collector.RequestFinished("failed")
			out = append(out, types.GenericResponse{
				ResponseErrors: []string{err.Error()},
				GenericRequest: batch[i],
				CreatedAt:      createdAt,
				FinishedAt:     finishedAt,
			})
		}
		return out, nil
	}

	for i := range batch {
		tr.TaskSucceeded()
		b.collector.RequestFinished("succeeded")
		b.collector.TokensUsed(results[i].Usage.PromptTokens, results[i].Usage.CompletionTokens)
		b.collector.CostAccrued(results[i].Cost)
		msg := results[i].Message
		out = append(out, types.GenericResponse{
			ResponseMessage: &msg,
			GenericRequest:  batch[i],
			CreatedAt:       createdAt,
			FinishedAt:      finishedAt,
			TokenUsage:      results[i].Usage,
			ResponseCost:    results[i].Cost,
		})
	}
	return out, nil
}
