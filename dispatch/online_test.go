package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/dataforge/checkpoint"
	"github.com/BaSui01/dataforge/provider"
	"github.com/BaSui01/dataforge/tracker"
	"github.com/BaSui01/dataforge/types"
)

// fakeBackend scripts Call behavior per invocation for dispatcher tests.
type fakeBackend struct {
	validateErr  error
	translateErr error
	capacity     provider.Capacity
	calls        atomic.Int64

	// callFn decides the outcome of the nth call (1-based).
	callFn func(n int64, wire json.RawMessage) (json.RawMessage, error)
}

func (f *fakeBackend) Name() string    { return "fake" }
func (f *fakeBackend) Validate() error { return f.validateErr }

func (f *fakeBackend) Translate(req *types.GenericRequest) (json.RawMessage, error) {
	if f.translateErr != nil {
		return nil, f.translateErr
	}
	return json.Marshal(req)
}

func (f *fakeBackend) EstimateTokens(wire json.RawMessage) int { return len(wire) / 4 }

func (f *fakeBackend) Call(ctx context.Context, wire json.RawMessage) (json.RawMessage, error) {
	return f.callFn(f.calls.Add(1), wire)
}

func (f *fakeBackend) Parse(raw json.RawMessage) (*provider.Parsed, error) {
	var p provider.Parsed
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, types.NewError(types.ErrMalformedPayload, err.Error())
	}
	return &p, nil
}

func (f *fakeBackend) Capacity(ctx context.Context) (provider.Capacity, error) {
	return f.capacity, nil
}

func okResponse(msg string) json.RawMessage {
	raw, _ := json.Marshal(provider.Parsed{
		Message: msg,
		Usage:   types.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		Cost:    0.001,
	})
	return raw
}

func testRequests(n int) []types.GenericRequest {
	reqs := make([]types.GenericRequest, n)
	for i := range reqs {
		reqs[i] = types.GenericRequest{
			Model:          "fake-model",
			Messages:       []types.Message{{Role: "user", Content: fmt.Sprintf("prompt %d", i)}},
			OriginalRowIdx: i,
		}
	}
	return reqs
}

func fastConfig() OnlineConfig {
	cfg := DefaultOnlineConfig()
	cfg.Limits.RequestsPerMinute = 6_000
	cfg.Limits.TokensPerMinute = 10_000_000
	cfg.Limits.Cooldown = 50 * time.Millisecond
	cfg.Retry.InitialDelay = time.Millisecond
	cfg.Retry.MaxDelay = 5 * time.Millisecond
	return cfg
}

func TestOnline_AllSucceed(t *testing.T) {
	backend := &fakeBackend{
		callFn: func(n int64, wire json.RawMessage) (json.RawMessage, error) {
			return okResponse("hello"), nil
		},
	}
	o := NewOnline(backend, fastConfig(), nil, nil, zap.NewNop())
	tr := tracker.New()

	responses, err := o.Process(context.Background(), testRequests(20), tr)
	require.NoError(t, err)
	require.Len(t, responses, 20)

	seen := make(map[int]bool)
	for _, resp := range responses {
		require.True(t, resp.Succeeded())
		assert.Equal(t, "hello", *resp.ResponseMessage)
		assert.Equal(t, 15, resp.TokenUsage.TotalTokens)
		seen[resp.GenericRequest.OriginalRowIdx] = true
	}
	assert.Len(t, seen, 20)

	counts := tr.Snapshot()
	assert.Equal(t, 20, counts.Succeeded)
	assert.Equal(t, 0, counts.Failed)
}

func TestOnline_TransientErrorRetriesThenSucceeds(t *testing.T) {
	backend := &fakeBackend{
		callFn: func(n int64, wire json.RawMessage) (json.RawMessage, error) {
			if n <= 2 {
				return nil, types.NewError(types.ErrUpstreamError, "bad gateway")
			}
			return okResponse("recovered"), nil
		},
	}
	o := NewOnline(backend, fastConfig(), nil, nil, zap.NewNop())
	tr := tracker.New()

	responses, err := o.Process(context.Background(), testRequests(1), tr)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	require.True(t, responses[0].Succeeded())

	counts := tr.Snapshot()
	assert.Equal(t, 1, counts.Succeeded)
	assert.Equal(t, 2, counts.APIErrors)
}

func TestOnline_RetriesExhaustedFailsRow(t *testing.T) {
	backend := &fakeBackend{
		callFn: func(n int64, wire json.RawMessage) (json.RawMessage, error) {
			return nil, types.NewError(types.ErrUpstreamError, "always down")
		},
	}
	cfg := fastConfig()
	cfg.Retry.MaxRetries = 2
	o := NewOnline(backend, cfg, nil, nil, zap.NewNop())
	tr := tracker.New()

	responses, err := o.Process(context.Background(), testRequests(1), tr)
	require.NoError(t, err)
	require.Len(t, responses, 1)

	resp := responses[0]
	assert.False(t, resp.Succeeded())
	assert.Nil(t, resp.ResponseMessage)
	assert.Len(t, resp.ResponseErrors, 3)

	counts := tr.Snapshot()
	assert.Equal(t, 1, counts.Failed)
	assert.Equal(t, 3, counts.APIErrors)
}

func TestOnline_PermanentErrorFailsWithoutRetry(t *testing.T) {
	backend := &fakeBackend{
		callFn: func(n int64, wire json.RawMessage) (json.RawMessage, error) {
			return nil, types.NewError(types.ErrInvalidRequest, "schema rejected")
		},
	}
	o := NewOnline(backend, fastConfig(), nil, nil, zap.NewNop())
	tr := tracker.New()

	responses, err := o.Process(context.Background(), testRequests(1), tr)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.False(t, responses[0].Succeeded())
	assert.EqualValues(t, 1, backend.calls.Load())
}

func TestOnline_AuthenticationAbortsRun(t *testing.T) {
	backend := &fakeBackend{
		callFn: func(n int64, wire json.RawMessage) (json.RawMessage, error) {
			return nil, types.NewError(types.ErrAuthentication, "invalid api key")
		},
	}
	cfg := fastConfig()
	cfg.MaxConcurrency = 1
	o := NewOnline(backend, cfg, nil, nil, zap.NewNop())

	_, err := o.Process(context.Background(), testRequests(10), tracker.New())
	require.Error(t, err)
	assert.Equal(t, types.ErrAuthentication, types.GetErrorCode(err))
	assert.Less(t, backend.calls.Load(), int64(10))
}

func TestOnline_RateLimitTriggersCooldown(t *testing.T) {
	backend := &fakeBackend{
		callFn: func(n int64, wire json.RawMessage) (json.RawMessage, error) {
			if n == 1 {
				return nil, types.NewError(types.ErrRateLimited, "too many requests")
			}
			return okResponse("after cooldown"), nil
		},
	}
	cfg := fastConfig()
	cfg.MaxConcurrency = 1
	o := NewOnline(backend, cfg, nil, nil, zap.NewNop())
	tr := tracker.New()

	start := time.Now()
	responses, err := o.Process(context.Background(), testRequests(1), tr)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	require.True(t, responses[0].Succeeded())

	// The retry had to sit out the cooldown window.
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Equal(t, 1, tr.Snapshot().RateLimitErrors)
}

func TestOnline_TranslateFailureAbortsBeforeDispatch(t *testing.T) {
	backend := &fakeBackend{
		translateErr: types.NewError(types.ErrUnsupported, "model lacks structured output"),
		callFn: func(n int64, wire json.RawMessage) (json.RawMessage, error) {
			return okResponse("unreachable"), nil
		},
	}
	o := NewOnline(backend, fastConfig(), nil, nil, zap.NewNop())
	tr := tracker.New()

	// A request the backend cannot encode would fail identically on every
	// row; the run must surface the error instead of emitting failed rows.
	responses, err := o.Process(context.Background(), testRequests(3), tr)
	require.Error(t, err)
	assert.Equal(t, types.ErrUnsupported, types.GetErrorCode(err))
	assert.Empty(t, responses)
	assert.EqualValues(t, 0, backend.calls.Load())
	assert.Equal(t, 0, tr.Snapshot().Failed)
}

func TestOnline_ValidateFailureAbortsBeforeDispatch(t *testing.T) {
	backend := &fakeBackend{
		validateErr: types.NewError(types.ErrAuthentication, "no api key"),
	}
	o := NewOnline(backend, fastConfig(), nil, nil, zap.NewNop())

	_, err := o.Process(context.Background(), testRequests(5), tracker.New())
	require.Error(t, err)
	assert.EqualValues(t, 0, backend.calls.Load())
}

func TestOnline_AppendsTerminalStatesToCheckpoint(t *testing.T) {
	backend := &fakeBackend{
		callFn: func(n int64, wire json.RawMessage) (json.RawMessage, error) {
			if n%2 == 0 {
				return nil, types.NewError(types.ErrInvalidRequest, "rejected")
			}
			return okResponse("ok"), nil
		},
	}
	path := filepath.Join(t.TempDir(), "responses.jsonl")
	store, err := checkpoint.Open(path, zap.NewNop())
	require.NoError(t, err)

	cfg := fastConfig()
	cfg.MaxConcurrency = 1
	o := NewOnline(backend, cfg, store, nil, zap.NewNop())

	responses, err := o.Process(context.Background(), testRequests(6), tracker.New())
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.Len(t, responses, 6)

	logged, err := checkpoint.ReadAll(path)
	require.NoError(t, err)
	assert.Len(t, logged, 6)
}

func TestOnline_CapacityRefinedBeforeDispatch(t *testing.T) {
	backend := &fakeBackend{
		capacity: provider.Capacity{RequestsPerMinute: 9_000, TokensPerMinute: 5_000_000},
		callFn: func(n int64, wire json.RawMessage) (json.RawMessage, error) {
			return okResponse("ok"), nil
		},
	}
	cfg := fastConfig()
	// Deliberately hostile defaults; discovery must widen them or this
	// test times out.
	cfg.Limits.RequestsPerMinute = 1
	cfg.Limits.TokensPerMinute = 10
	o := NewOnline(backend, cfg, nil, nil, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	responses, err := o.Process(ctx, testRequests(30), tracker.New())
	require.NoError(t, err)
	assert.Len(t, responses, 30)
}
