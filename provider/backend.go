// Package provider implements the provider-facing collaborator interface the
// dispatch engine consumes: wire encoding, pre-call token estimation, the
// remote call itself, and response decoding with error classification.
package provider

import (
	"context"
	"encoding/json"

	"github.com/BaSui01/dataforge/types"
)

// Capacity describes the remote endpoint's per-minute budgets. A zero field
// means the budget is unknown and the dispatcher should fall back to its
// configured default.
type Capacity struct {
	RequestsPerMinute int
	TokensPerMinute   int
}

// Parsed is the decoded result of a successful remote call.
type Parsed struct {
	Message string
	Usage   types.TokenUsage
	Cost    float64
}

// Backend is the contract between the dispatch core and a concrete provider.
// All methods must be safe for concurrent use.
type Backend interface {
	// Name returns the provider's identifier for logs and errors.
	Name() string

	// Validate fails fast on setup-level irrecoverable problems (missing
	// credentials, unsupported request shapes) before any dispatch begins.
	Validate() error

	// Translate encodes a generic request into the provider's exact wire
	// payload, including schema-guided output directives when the request
	// carries a response schema.
	Translate(req *types.GenericRequest) (json.RawMessage, error)

	// EstimateTokens pessimistically estimates the token cost of the wire
	// payload plus a worst-case completion, feeding admission control.
	EstimateTokens(wire json.RawMessage) int

	// Call performs one remote request and returns the raw response body.
	// Transport and HTTP-level failures come back as classified
	// *types.Error values.
	Call(ctx context.Context, wire json.RawMessage) (json.RawMessage, error)

	// Parse decodes a raw response, distinguishing rate-limit errors from
	// other failures.
	Parse(raw json.RawMessage) (*Parsed, error)

	// Capacity probes the endpoint's advertised rate limits.
	Capacity(ctx context.Context) (Capacity, error)
}
