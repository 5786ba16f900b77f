// Package dataforge provides a top-level convenience entry point for running
// bulk inference with minimal boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/dataforge"
//
//	out, err := dataforge.Run(ctx, input,
//	    dataforge.WithModel("gpt-4o-mini"),
//	    dataforge.WithPrompt("Classify: {{.text}}"),
//	    dataforge.WithWorkingDir(".dataforge"))
//
// This is a thin wrapper around the pipeline, cache and dispatch packages;
// use them directly when you need finer control.
package dataforge

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/dataforge/cache"
	"github.com/BaSui01/dataforge/checkpoint"
	"github.com/BaSui01/dataforge/dataset"
	"github.com/BaSui01/dataforge/dispatch"
	"github.com/BaSui01/dataforge/fingerprint"
	"github.com/BaSui01/dataforge/pipeline"
	"github.com/BaSui01/dataforge/provider"
)

type options struct {
	model        string
	prompt       string
	systemPrompt string
	workingDir   string
	baseURL      string
	apiKey       string
	resume       bool
	overwrite    bool
	logger       *zap.Logger
	dispatcher   dispatch.OnlineConfig
}

// Option configures a [Run].
type Option func(*options)

// WithModel sets the model name.
func WithModel(model string) Option { return func(o *options) { o.model = model } }

// WithPrompt sets the prompt template rendered against each input row.
func WithPrompt(tmpl string) Option { return func(o *options) { o.prompt = tmpl } }

// WithSystemPrompt sets the system prompt prepended to every request.
func WithSystemPrompt(p string) Option { return func(o *options) { o.systemPrompt = p } }

// WithWorkingDir sets the cache and checkpoint directory.
func WithWorkingDir(dir string) Option { return func(o *options) { o.workingDir = dir } }

// WithBaseURL points at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option { return func(o *options) { o.baseURL = url } }

// WithAPIKey sets the API key explicitly instead of reading the environment.
func WithAPIKey(key string) Option { return func(o *options) { o.apiKey = key } }

// WithResume continues an interrupted run, retrying failed rows.
func WithResume() Option { return func(o *options) { o.resume = true } }

// WithOverwrite consents to discarding leftover responses of an interrupted
// run instead of resuming it. Without this option (or [WithResume]) a run
// that finds leftovers fails rather than silently re-paying every call.
func WithOverwrite() Option { return func(o *options) { o.overwrite = true } }

// WithLogger sets the logger. Default is a no-op logger.
func WithLogger(logger *zap.Logger) Option { return func(o *options) { o.logger = logger } }

// WithLimits overrides the dispatcher budgets.
func WithLimits(requestsPerMinute, tokensPerMinute int) Option {
	return func(o *options) {
		o.dispatcher.Limits.RequestsPerMinute = requestsPerMinute
		o.dispatcher.Limits.TokensPerMinute = tokensPerMinute
	}
}

// Run executes the prompt over every row of input and returns the rows
// joined with their responses. Identical runs are served from the cache.
func Run(ctx context.Context, input *dataset.Dataset, opts ...Option) (*dataset.Dataset, error) {
	o := &options{
		model:      "gpt-4o-mini",
		workingDir: ".dataforge",
		logger:     zap.NewNop(),
		dispatcher: dispatch.DefaultOnlineConfig(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.prompt == "" {
		return nil, fmt.Errorf("a prompt template is required")
	}

	registry, err := cache.Open(o.workingDir, o.logger)
	if err != nil {
		return nil, err
	}
	defer registry.Close()

	backend := provider.NewOpenAIBackend(provider.OpenAIConfig{
		APIKey:  o.apiKey,
		BaseURL: o.baseURL,
		Model:   o.model,
		Timeout: 10 * time.Minute,
	}, o.logger)

	factory := func(store *checkpoint.Store) dispatch.Dispatcher {
		return dispatch.NewOnline(backend, o.dispatcher, store, nil, o.logger)
	}

	def := &fingerprint.WorkDefinition{
		Kind:           "completion",
		Version:        "1",
		Model:          o.model,
		SystemPrompt:   o.systemPrompt,
		PromptTemplate: o.prompt,
	}

	p := pipeline.New(registry, factory, nil, o.logger)
	return p.Run(ctx, def, input, pipeline.Options{
		Resume:     o.resume,
		ResumeMode: checkpoint.ModeRetryFailed,
		AssumeYes:  o.overwrite,
	})
}
