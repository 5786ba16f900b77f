package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/dataforge/types"
)

// OpenAIConfig holds the configuration for the OpenAI-compatible backend.
type OpenAIConfig struct {
	// APIKey authenticates requests. Falls back to OPENAI_API_KEY.
	APIKey string

	// BaseURL is the API root, e.g. "https://api.openai.com/v1".
	BaseURL string

	// Model is the completion model every request targets.
	Model string

	// Timeout is the HTTP client timeout. Defaults to 10 minutes; the
	// dispatcher additionally bounds each call with a per-call context.
	Timeout time.Duration
}

// modelInfo describes the token encoding, context window, and structured
// output support for a known model family.
type modelInfo struct {
	encoding         string
	contextWindow    int
	structuredOutput bool
}

var modelTable = map[string]modelInfo{
	"gpt-4o":        {encoding: "o200k_base", contextWindow: 128000, structuredOutput: true},
	"gpt-4o-mini":   {encoding: "o200k_base", contextWindow: 128000, structuredOutput: true},
	"o1":            {encoding: "o200k_base", contextWindow: 200000, structuredOutput: true},
	"gpt-4-turbo":   {encoding: "cl100k_base", contextWindow: 128000, structuredOutput: false},
	"gpt-4":         {encoding: "cl100k_base", contextWindow: 8192, structuredOutput: false},
	"gpt-3.5-turbo": {encoding: "cl100k_base", contextWindow: 16385, structuredOutput: false},
}

// lookupModel resolves a model name by exact then prefix match, defaulting
// to a conservative cl100k_base entry.
func lookupModel(model string) modelInfo {
	if info, ok := modelTable[model]; ok {
		return info
	}
	for prefix, info := range modelTable {
		if strings.HasPrefix(model, prefix+"-") {
			return info
		}
	}
	return modelInfo{encoding: "cl100k_base", contextWindow: 8192}
}

// OpenAIBackend implements Backend against OpenAI-compatible chat completion
// endpoints.
type OpenAIBackend struct {
	cfg     OpenAIConfig
	client  *http.Client
	logger  *zap.Logger
	counter *tokenCounter
	costs   *CostTable
	info    modelInfo
}

// NewOpenAIBackend creates the backend. Credentials are not verified here;
// call Validate before dispatching.
func NewOpenAIBackend(cfg OpenAIConfig, logger *zap.Logger) *OpenAIBackend {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Minute
	}
	info := lookupModel(cfg.Model)
	return &OpenAIBackend{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger.With(zap.String("component", "provider"), zap.String("provider", "openai")),
		counter: newTokenCounter(info.encoding),
		costs:   NewCostTable(),
		info:    info,
	}
}

// Name implements Backend.
func (b *OpenAIBackend) Name() string { return "openai" }

// Validate implements Backend.
func (b *OpenAIBackend) Validate() error {
	if strings.TrimSpace(b.cfg.APIKey) == "" {
		return newAuthentication(ErrAuthenticationMsg, http.StatusUnauthorized)
	}
	if b.cfg.Model == "" {
		return newInvalidRequest("model is required")
	}
	return nil
}

func (b *OpenAIBackend) endpoint(path string) string {
	return strings.TrimRight(b.cfg.BaseURL, "/") + path
}

// wireRequest is the OpenAI chat completions payload.
type wireRequest struct {
	Model          string          `json:"model"`
	Messages       []wireMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature,omitempty"`
	TopP           float64         `json:"top_p,omitempty"`
	Stop           []string        `json:"stop,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

type responseFormat struct {
	Type       string          `json:"type"`
	JSONSchema *wireJSONSchema `json:"json_schema,omitempty"`
}

type wireJSONSchema struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

// Translate implements Backend.
func (b *OpenAIBackend) Translate(req *types.GenericRequest) (json.RawMessage, error) {
	wire := wireRequest{
		Model:       req.Model,
		MaxTokens:   req.GenerationParams.MaxTokens,
		Temperature: req.GenerationParams.Temperature,
		TopP:        req.GenerationParams.TopP,
		Stop:        req.GenerationParams.Stop,
	}
	if wire.Model == "" {
		wire.Model = b.cfg.Model
	}
	for _, m := range req.Messages {
		wire.Messages = append(wire.Messages, wireMessage{
			Role:    string(m.Role),
			Content: m.Content,
			Name:    m.Name,
		})
	}
	if len(req.ResponseSchema) > 0 {
		if !lookupModel(wire.Model).structuredOutput {
			return nil, newUnsupported(fmt.Sprintf("model %s does not support structured output", wire.Model))
		}
		wire.ResponseFormat = &responseFormat{
			Type: "json_schema",
			JSONSchema: &wireJSONSchema{
				Name:   "response",
				Strict: true,
				Schema: req.ResponseSchema,
			},
		}
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("encode wire request: %w", err)
	}
	return data, nil
}

// EstimateTokens implements Backend. The estimate counts the exact wire
// payload's message tokens plus a worst-case completion of a quarter of the
// model's context window, so admission control never under-reserves.
func (b *OpenAIBackend) EstimateTokens(wire json.RawMessage) int {
	var req wireRequest
	if err := json.Unmarshal(wire, &req); err != nil {
		// Whole-payload fallback at 1 token per 4 bytes.
		return len(wire)/4 + b.estimateOutputTokens(b.cfg.Model)
	}
	input := b.counter.countMessages(req.Messages)
	return input + b.estimateOutputTokens(req.Model)
}

// estimateOutputTokens returns the worst-case completion length.
func (b *OpenAIBackend) estimateOutputTokens(model string) int {
	return lookupModel(model).contextWindow / 4
}

// Call implements Backend.
func (b *OpenAIBackend) Call(ctx context.Context, wire json.RawMessage) (json.RawMessage, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.endpoint("/chat/completions"), bytes.NewReader(wire))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, newTimeout(err)
		}
		return nil, newUpstream(err.Error(), http.StatusBadGateway)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newUpstream(fmt.Sprintf("read response: %v", err), http.StatusBadGateway)
	}
	if resp.StatusCode >= 400 {
		return nil, mapHTTPError(resp.StatusCode, readErrorMessage(body), b.Name())
	}
	return body, nil
}

// wireResponse is the OpenAI chat completions response body.
type wireResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Parse implements Backend.
func (b *OpenAIBackend) Parse(raw json.RawMessage) (*Parsed, error) {
	var resp wireResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, newMalformed(fmt.Sprintf("decode response: %v", err))
	}
	if resp.Error != nil {
		// Some gateways report rate limiting inside a 200 body.
		if strings.Contains(strings.ToLower(resp.Error.Message), "rate limit") {
			return nil, newRateLimited(resp.Error.Message)
		}
		return nil, newUpstream(fmt.Sprintf("API error: %s", resp.Error.Message), 0)
	}
	if len(resp.Choices) == 0 {
		return nil, newMalformed("response has no choices")
	}

	model := resp.Model
	if model == "" {
		model = b.cfg.Model
	}
	usage := types.TokenUsage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	return &Parsed{
		Message: resp.Choices[0].Message.Content,
		Usage:   usage,
		Cost:    b.costs.CompletionCost(b.Name(), model, usage),
	}, nil
}

// Capacity implements Backend. It issues a cheap probe request and reads the
// x-ratelimit-limit-* headers the endpoint advertises. Unknown budgets come
// back zero.
func (b *OpenAIBackend) Capacity(ctx context.Context) (Capacity, error) {
	probe, err := json.Marshal(wireRequest{Model: b.cfg.Model, Messages: []wireMessage{}})
	if err != nil {
		return Capacity{}, fmt.Errorf("encode probe: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.endpoint("/chat/completions"), bytes.NewReader(probe))
	if err != nil {
		return Capacity{}, fmt.Errorf("create probe request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return Capacity{}, fmt.Errorf("capacity probe: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	rpm, _ := strconv.Atoi(resp.Header.Get("x-ratelimit-limit-requests"))
	tpm, _ := strconv.Atoi(resp.Header.Get("x-ratelimit-limit-tokens"))
	b.logger.Debug("capacity probe",
		zap.Int("requests_per_minute", rpm),
		zap.Int("tokens_per_minute", tpm))
	return Capacity{RequestsPerMinute: rpm, TokensPerMinute: tpm}, nil
}
