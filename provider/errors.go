package provider

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/BaSui01/dataforge/types"
)

// ErrAuthenticationMsg is the fail-fast message for a missing API key.
const ErrAuthenticationMsg = "missing API key - set OPENAI_API_KEY in your environment"

func newAuthentication(msg string, status int) *types.Error {
	return types.NewError(types.ErrAuthentication, msg).WithHTTPStatus(status)
}

func newInvalidRequest(msg string) *types.Error {
	return types.NewError(types.ErrInvalidRequest, msg)
}

func newUnsupported(msg string) *types.Error {
	return types.NewError(types.ErrUnsupported, msg)
}

func newTimeout(cause error) *types.Error {
	return types.NewError(types.ErrTimeout, "request timed out").WithCause(cause)
}

func newRateLimited(msg string) *types.Error {
	return types.NewError(types.ErrRateLimited, msg).WithHTTPStatus(http.StatusTooManyRequests)
}

func newUpstream(msg string, status int) *types.Error {
	return types.NewError(types.ErrUpstreamError, msg).WithHTTPStatus(status)
}

func newMalformed(msg string) *types.Error {
	return types.NewError(types.ErrMalformedPayload, msg)
}

// mapHTTPError maps an HTTP status to a types.Error with the proper code and
// retryability. Shared by every HTTP-speaking backend.
func mapHTTPError(status int, msg string, providerName string) *types.Error {
	var err *types.Error
	switch status {
	case http.StatusUnauthorized:
		err = types.NewError(types.ErrAuthentication, msg)
	case http.StatusForbidden:
		err = types.NewError(types.ErrAuthentication, msg)
	case http.StatusTooManyRequests:
		err = types.NewError(types.ErrRateLimited, msg)
	case http.StatusBadRequest:
		// Quota exhaustion sometimes arrives as a 400 with a telltale
		// message instead of a 429.
		lower := strings.ToLower(msg)
		if strings.Contains(lower, "quota") || strings.Contains(lower, "credit") {
			err = types.NewError(types.ErrQuotaExceeded, msg)
		} else {
			err = types.NewError(types.ErrInvalidRequest, msg)
		}
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		err = types.NewError(types.ErrTimeout, msg)
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		err = types.NewError(types.ErrUpstreamError, msg)
	case 529: // model overloaded, used by some providers
		err = types.NewError(types.ErrModelOverloaded, msg)
	default:
		err = types.NewError(types.ErrUpstreamError, msg).WithRetryable(status >= 500)
	}
	return err.WithHTTPStatus(status).WithProvider(providerName)
}

// readErrorMessage extracts a human-readable message from an error response
// body, falling back to the raw text.
func readErrorMessage(body []byte) string {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		if errResp.Error.Type != "" {
			return fmt.Sprintf("%s (type: %s)", errResp.Error.Message, errResp.Error.Type)
		}
		return errResp.Error.Message
	}
	return string(body)
}
