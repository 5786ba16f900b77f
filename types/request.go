package types

import "encoding/json"

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message represents a single chat message.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// GenerationParams holds the sampling parameters forwarded to the model.
type GenerationParams struct {
	Temperature float64  `json:"temperature,omitempty"`
	TopP        float64  `json:"top_p,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// GenericRequest is one unit of work: the prompt for a single dataset row,
// expressed independently of any provider wire format.
//
// OriginalRowIdx is the stable row identity. It is unique within a run,
// correlates a request with its eventual response, and drives resume
// deduplication.
type GenericRequest struct {
	Model            string           `json:"model"`
	Messages         []Message        `json:"messages"`
	OriginalRowIdx   int              `json:"original_row_idx"`
	GenerationParams GenerationParams `json:"generation_params,omitempty"`

	// ResponseSchema, when set, is a JSON schema the provider must follow
	// for structured output.
	ResponseSchema json.RawMessage `json:"response_schema,omitempty"`
}
