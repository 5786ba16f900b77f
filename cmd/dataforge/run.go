package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BaSui01/dataforge/cache"
	"github.com/BaSui01/dataforge/checkpoint"
	"github.com/BaSui01/dataforge/config"
	"github.com/BaSui01/dataforge/dataset"
	"github.com/BaSui01/dataforge/dispatch"
	"github.com/BaSui01/dataforge/fingerprint"
	"github.com/BaSui01/dataforge/internal/metrics"
	"github.com/BaSui01/dataforge/pipeline"
	"github.com/BaSui01/dataforge/provider"
	"github.com/BaSui01/dataforge/types"
)

// newRunCmd creates the run command.
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <input.jsonl>",
		Short: "Run inference over a JSONL dataset",
		Long: "Reads one JSON object per line, renders the prompt template against each\n" +
			"row and writes the rows back out joined with their model responses.",
		Args: cobra.ExactArgs(1),
		RunE: runRun,
	}

	cmd.Flags().String("prompt-template", "", "prompt template rendered against each row (required)")
	cmd.Flags().String("system-prompt", "", "system prompt prepended to every request")
	cmd.Flags().String("schema", "", "JSON schema file forcing structured output")
	cmd.Flags().StringP("output", "o", "", "write the output dataset here (default: stdout)")
	cmd.Flags().String("model", "", "model name")
	cmd.Flags().String("base-url", "", "OpenAI-compatible endpoint base URL")
	cmd.Flags().Float64("temperature", 0, "sampling temperature")
	cmd.Flags().Bool("resume", false, "resume an interrupted run, retrying failed rows")
	cmd.Flags().Bool("resume-no-retry", false, "resume an interrupted run, keeping failed rows failed")
	cmd.Flags().Int("max-requests-per-minute", 0, "request budget per minute")
	cmd.Flags().Int("max-tokens-per-minute", 0, "token budget per minute")
	cmd.Flags().Int("max-concurrency", 0, "max in-flight requests")
	cmd.Flags().Int("max-retries", 0, "max retries per request")
	cmd.Flags().Bool("batch", false, "use the local batch dispatcher instead of rate-limited dispatch")
	cmd.Flags().BoolP("yes", "y", false, "discard leftover responses without asking")
	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyRunFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := cfg.Log.BuildLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	input, err := dataset.ReadJSONL(args[0])
	if err != nil {
		return fmt.Errorf("read input dataset: %w", err)
	}
	if input.Len() == 0 {
		return fmt.Errorf("input dataset %s is empty", args[0])
	}

	def, err := definitionFromFlags(cmd, cfg)
	if err != nil {
		return err
	}

	registry, err := cache.Open(cfg.Run.WorkingDir, logger)
	if err != nil {
		return err
	}
	defer registry.Close()

	collector := newCollector(cfg, logger)
	backend := provider.NewOpenAIBackend(provider.OpenAIConfig{
		APIKey:  cfg.Provider.APIKey,
		BaseURL: cfg.Provider.BaseURL,
		Model:   cfg.Provider.Model,
		Timeout: cfg.Provider.Timeout,
	}, logger)

	batchMode, _ := cmd.Flags().GetBool("batch")
	factory := func(store *checkpoint.Store) dispatch.Dispatcher {
		if batchMode {
			return dispatch.NewBatch(newBackendModel(backend), dispatch.BatchConfig{
				BatchSize: cfg.Batch.BatchSize,
				Workers:   cfg.Batch.Workers,
			}, store, collector, logger)
		}
		return dispatch.NewOnline(backend, dispatch.OnlineConfig{
			MaxConcurrency: cfg.Dispatcher.MaxConcurrency,
			Limits: dispatch.Limits{
				RequestsPerMinute: cfg.Dispatcher.MaxRequestsPerMinute,
				TokensPerMinute:   cfg.Dispatcher.MaxTokensPerMinute,
				Cooldown:          cfg.Dispatcher.Cooldown,
			},
			Retry: dispatch.RetryPolicy{
				MaxRetries:   cfg.Dispatcher.MaxRetries,
				InitialDelay: cfg.Dispatcher.RetryInitialDelay,
				MaxDelay:     cfg.Dispatcher.RetryMaxDelay,
				Multiplier:   2.0,
				Jitter:       0.1,
			},
		}, store, collector, logger)
	}

	opts, err := resolveOptions(cmd, cfg)
	if err != nil {
		return err
	}

	p := pipeline.New(registry, factory, collector, logger)
	out, err := p.Run(cmd.Context(), def, input, opts)
	if err != nil {
		return err
	}

	return writeOutput(cmd, out)
}

// applyRunFlags folds command-line overrides into the loaded config.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetString("model"); v != "" {
		cfg.Provider.Model = v
	}
	if v, _ := cmd.Flags().GetString("base-url"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v, _ := cmd.Flags().GetInt("max-requests-per-minute"); v > 0 {
		cfg.Dispatcher.MaxRequestsPerMinute = v
	}
	if v, _ := cmd.Flags().GetInt("max-tokens-per-minute"); v > 0 {
		cfg.Dispatcher.MaxTokensPerMinute = v
	}
	if v, _ := cmd.Flags().GetInt("max-concurrency"); v > 0 {
		cfg.Dispatcher.MaxConcurrency = v
	}
	if v, _ := cmd.Flags().GetInt("max-retries"); v > 0 {
		cfg.Dispatcher.MaxRetries = v
	}
	if v, _ := cmd.Flags().GetBool("yes"); v {
		cfg.Run.AssumeYes = true
	}
}

// definitionFromFlags captures everything that identifies this run's work.
func definitionFromFlags(cmd *cobra.Command, cfg *config.Config) (*fingerprint.WorkDefinition, error) {
	promptTemplate, _ := cmd.Flags().GetString("prompt-template")
	if promptTemplate == "" {
		return nil, fmt.Errorf("--prompt-template is required")
	}
	systemPrompt, _ := cmd.Flags().GetString("system-prompt")
	temperature, _ := cmd.Flags().GetFloat64("temperature")

	var schema json.RawMessage
	if path, _ := cmd.Flags().GetString("schema"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read schema: %w", err)
		}
		if !json.Valid(data) {
			return nil, fmt.Errorf("schema file %s is not valid JSON", path)
		}
		schema = data
	}

	return &fingerprint.WorkDefinition{
		Kind:           "completion",
		Version:        "1",
		Model:          cfg.Provider.Model,
		SystemPrompt:   systemPrompt,
		PromptTemplate: promptTemplate,
		GenerationParams: types.GenerationParams{
			Temperature: temperature,
		},
		ResponseSchema: schema,
	}, nil
}

// resolveOptions maps resume flags to pipeline options, with an interactive
// stdin prompt as the overwrite fallback.
func resolveOptions(cmd *cobra.Command, cfg *config.Config) (pipeline.Options, error) {
	resume, _ := cmd.Flags().GetBool("resume")
	noRetry, _ := cmd.Flags().GetBool("resume-no-retry")
	if resume && noRetry {
		return pipeline.Options{}, fmt.Errorf("--resume and --resume-no-retry are mutually exclusive")
	}

	opts := pipeline.Options{
		AssumeYes: cfg.Run.AssumeYes,
		Confirm:   confirmStdin,
	}
	switch {
	case noRetry:
		opts.Resume = true
		opts.ResumeMode = checkpoint.ModeNoRetry
	case resume:
		opts.Resume = true
		opts.ResumeMode = checkpoint.ModeRetryFailed
	}
	return opts, nil
}

// confirmStdin asks a yes/no question on the terminal.
func confirmStdin(prompt string) (bool, error) {
	if fi, err := os.Stdin.Stat(); err != nil || fi.Mode()&os.ModeCharDevice == 0 {
		return false, fmt.Errorf("cannot prompt for confirmation without a terminal; pass --yes")
	}
	fmt.Fprintf(os.Stderr, "%s [y/N]: ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

// newCollector wires prometheus metrics when enabled, also exposing them
// over HTTP for scraping.
func newCollector(cfg *config.Config, logger *zap.Logger) *metrics.Collector {
	if !cfg.Metrics.Enabled {
		return nil
	}
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector("dataforge", registry, logger)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(cfg.Metrics.ListenAddr, mux); err != nil {
			logger.Warn("metrics listener stopped", zap.Error(err))
		}
	}()
	return collector
}

// writeOutput writes the assembled dataset to --output or stdout.
func writeOutput(cmd *cobra.Command, out *dataset.Dataset) error {
	path, _ := cmd.Flags().GetString("output")
	if path != "" {
		return out.WriteJSONL(path)
	}
	for _, row := range out.Rows() {
		fmt.Fprintln(os.Stdout, string(row))
	}
	return nil
}
