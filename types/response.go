package types

import (
	"encoding/json"
	"time"
)

// TokenUsage represents token consumption statistics for one response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// Add adds another TokenUsage to this one.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// GenericResponse is the terminal record of one request. Exactly one is
// produced per row per run and appended to the checkpoint log.
//
// A response with a nil ResponseMessage or a non-empty ResponseErrors slice
// is failed; resume excludes it from the completed set.
type GenericResponse struct {
	// ResponseMessage is the model output. nil means the request failed
	// permanently after exhausting retries.
	ResponseMessage *string `json:"response_message"`

	// ResponseErrors accumulates the error message of every failed attempt
	// in order. Never overwritten, only appended to.
	ResponseErrors []string `json:"response_errors,omitempty"`

	RawRequest  json.RawMessage `json:"raw_request,omitempty"`
	RawResponse json.RawMessage `json:"raw_response,omitempty"`

	GenericRequest GenericRequest `json:"generic_request"`

	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at"`

	TokenUsage   TokenUsage `json:"token_usage"`
	ResponseCost float64    `json:"response_cost,omitempty"`
}

// Succeeded reports whether the response completed without errors.
func (r *GenericResponse) Succeeded() bool {
	return r.ResponseMessage != nil && len(r.ResponseErrors) == 0
}
