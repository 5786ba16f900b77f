// Package pipeline wires fingerprinting, caching, checkpointing and
// dispatch into one run. A run is identified by the fingerprint of its work
// definition and input; identical runs reuse the cached output and never
// reach the model again.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/dataforge/cache"
	"github.com/BaSui01/dataforge/checkpoint"
	"github.com/BaSui01/dataforge/dataset"
	"github.com/BaSui01/dataforge/dispatch"
	"github.com/BaSui01/dataforge/fingerprint"
	"github.com/BaSui01/dataforge/internal/metrics"
	"github.com/BaSui01/dataforge/tracker"
	"github.com/BaSui01/dataforge/types"
)

// Options control how one run treats pre-existing state.
type Options struct {
	// Resume continues an interrupted run found in the cache dir.
	Resume bool
	// ResumeMode selects whether previously failed rows are retried.
	ResumeMode checkpoint.Mode
	// AssumeYes answers overwrite prompts without asking.
	AssumeYes bool
	// Confirm asks the user whether leftover responses may be discarded.
	// Nil means non-interactive; the run then aborts instead of asking.
	Confirm func(prompt string) (bool, error)
}

// DispatcherFactory builds the dispatcher for one run, bound to that run's
// checkpoint store so terminal responses land in the right log.
type DispatcherFactory func(store *checkpoint.Store) dispatch.Dispatcher

// Pipeline executes work definitions over datasets with content-addressed
// caching.
type Pipeline struct {
	registry      *cache.Registry
	newDispatcher DispatcherFactory
	collector     *metrics.Collector
	logger        *zap.Logger
}

// New builds a pipeline. collector may be nil.
func New(registry *cache.Registry, factory DispatcherFactory, collector *metrics.Collector, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		registry:      registry,
		newDispatcher: factory,
		collector:     collector,
		logger:        logger.With(zap.String("component", "pipeline")),
	}
}

// Run executes def over input and returns the assembled output dataset: the
// input rows joined with their response and response_errors columns.
//
// A cache hit returns the stored dataset without dispatching anything. On a
// miss the run builds inside a fresh cache dir and commits the entry only
// after every row reached a terminal state and the output was materialized,
// so a crash leaves no visible half-built entry.
func (p *Pipeline) Run(ctx context.Context, def *fingerprint.WorkDefinition, input *dataset.Dataset, opts Options) (*dataset.Dataset, error) {
	fp, err := fingerprint.Compute(def, input.Fingerprint())
	if err != nil {
		return nil, fmt.Errorf("compute fingerprint: %w", err)
	}
	runID := uuid.NewString()
	logger := p.logger.With(
		zap.String("run_id", runID),
		zap.String("fingerprint", shortFP(fp)))

	if out, ok, err := p.tryCache(ctx, fp, logger); err != nil {
		return nil, err
	} else if ok {
		return out, nil
	}

	// Serialize identical concurrent invocations, then re-check: the first
	// builder may have committed while we waited.
	release := p.registry.AcquireBuildLock(fp)
	defer release()
	if out, ok, err := p.tryCache(ctx, fp, logger); err != nil {
		return nil, err
	} else if ok {
		return out, nil
	}

	dir, err := p.registry.CreateDir(fp)
	if err != nil {
		return nil, err
	}
	return p.build(ctx, def, input, fp, dir, opts, logger)
}

// tryCache loads the stored output for fp if a usable entry exists.
func (p *Pipeline) tryCache(ctx context.Context, fp fingerprint.Fingerprint, logger *zap.Logger) (*dataset.Dataset, bool, error) {
	entry, err := p.registry.Lookup(ctx, fp)
	if err == cache.ErrMiss {
		p.collector.CacheMiss()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	p.collector.CacheHit()
	logger.Info("cache hit, reusing stored output",
		zap.String("dir", entry.Dir),
		zap.Int("rows", entry.RowCount))
	out, err := dataset.ReadJSONL(filepath.Join(entry.Dir, "dataset.jsonl"))
	if err != nil {
		return nil, false, fmt.Errorf("load cached dataset: %w", err)
	}
	return out, true, nil
}

// build runs dispatch inside dir and materializes the output dataset.
func (p *Pipeline) build(ctx context.Context, def *fingerprint.WorkDefinition, input *dataset.Dataset, fp fingerprint.Fingerprint, dir string, opts Options, logger *zap.Logger) (*dataset.Dataset, error) {
	requests, err := buildRequests(def, input.Rows())
	if err != nil {
		return nil, err
	}

	requestsPath := filepath.Join(dir, fmt.Sprintf("requests_%s.jsonl", shortFP(fp)))
	responsesPath := filepath.Join(dir, fmt.Sprintf("responses_%s.jsonl", shortFP(fp)))

	if err := writeRequests(requestsPath, requests); err != nil {
		return nil, err
	}
	if n, err := dataset.CountLines(requestsPath); err == nil {
		logger.Info("request file written",
			zap.String("path", requestsPath),
			zap.Int("requests", n))
	}

	pending, err := p.filterPending(responsesPath, requests, opts, logger)
	if err != nil {
		return nil, err
	}

	if len(pending) > 0 {
		store, err := checkpoint.Open(responsesPath, logger)
		if err != nil {
			return nil, err
		}
		dispatcher := p.newDispatcher(store)
		tr := tracker.New()
		_, err = dispatcher.Process(ctx, pending, tr)
		closeErr := store.Close()
		if err != nil {
			// Terminal lines already appended stay behind for resume.
			return nil, fmt.Errorf("dispatch: %w", err)
		}
		if closeErr != nil {
			return nil, closeErr
		}
	}

	responses, err := checkpoint.ReadAll(responsesPath)
	if err != nil {
		return nil, err
	}
	out, err := dataset.Assemble(input, responses)
	if err != nil {
		return nil, fmt.Errorf("assemble output: %w", err)
	}

	datasetPath := filepath.Join(dir, "dataset.jsonl")
	if err := out.WriteJSONL(datasetPath); err != nil {
		return nil, err
	}
	if err := p.registry.Commit(ctx, &cache.Entry{
		Fingerprint: fp,
		Dir:         dir,
		RowCount:    out.Len(),
	}); err != nil {
		return nil, err
	}
	logger.Info("run committed",
		zap.String("dir", dir),
		zap.Int("rows", out.Len()))
	return out, nil
}

// filterPending decides which requests still need dispatching given a
// possibly pre-existing response log. Without the resume flag, leftover
// responses require explicit consent before being discarded.
func (p *Pipeline) filterPending(responsesPath string, requests []types.GenericRequest, opts Options, logger *zap.Logger) ([]types.GenericRequest, error) {
	if _, err := os.Stat(responsesPath); os.IsNotExist(err) {
		return requests, nil
	} else if err != nil {
		return nil, err
	}

	if !opts.Resume {
		if err := p.confirmOverwrite(responsesPath, opts); err != nil {
			return nil, err
		}
		if err := os.Remove(responsesPath); err != nil {
			return nil, fmt.Errorf("discard previous responses: %w", err)
		}
		logger.Warn("previous responses discarded", zap.String("path", responsesPath))
		return requests, nil
	}

	res, err := checkpoint.Resume(responsesPath, opts.ResumeMode, logger)
	if err != nil {
		return nil, err
	}
	pending := make([]types.GenericRequest, 0, len(requests))
	for _, req := range requests {
		if _, done := res.Completed[req.OriginalRowIdx]; !done {
			pending = append(pending, req)
		}
	}
	logger.Info("resuming interrupted run",
		zap.Int("completed", len(res.Completed)),
		zap.Int("pending", len(pending)),
		zap.Int("previously_failed", res.PreviouslyFailed))
	return pending, nil
}

func (p *Pipeline) confirmOverwrite(path string, opts Options) error {
	if opts.AssumeYes {
		return nil
	}
	if opts.Confirm == nil {
		return fmt.Errorf("responses already exist at %s; pass a resume mode or allow overwrite", path)
	}
	ok, err := opts.Confirm(fmt.Sprintf("Overwrite existing responses at %s?", path))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("run aborted: existing responses kept at %s", path)
	}
	return nil
}

// writeRequests persists the expanded request file next to the responses.
func writeRequests(path string, requests []types.GenericRequest) error {
	rows := make([]map[string]any, 0, len(requests))
	for _, req := range requests {
		rows = append(rows, map[string]any{
			"model":             req.Model,
			"messages":          req.Messages,
			"original_row_idx":  req.OriginalRowIdx,
			"generation_params": req.GenerationParams,
		})
	}
	ds, err := dataset.FromValues(rows)
	if err != nil {
		return fmt.Errorf("encode requests: %w", err)
	}
	if err := ds.WriteJSONL(path); err != nil {
		return fmt.Errorf("write request file: %w", err)
	}
	return nil
}

func shortFP(fp fingerprint.Fingerprint) string {
	s := fp.String()
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
