package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/dataforge/checkpoint"
	"github.com/BaSui01/dataforge/provider"
	"github.com/BaSui01/dataforge/tracker"
	"github.com/BaSui01/dataforge/types"
)

// fakeLocalModel records lifecycle calls and answers batches via generateFn.
type fakeLocalModel struct {
	mu         sync.Mutex
	loaded     bool
	unloaded   bool
	batchSizes []int

	loadErr    error
	generateFn func(batch []types.GenericRequest) ([]provider.Parsed, error)
}

func (m *fakeLocalModel) Name() string { return "fake-local" }

func (m *fakeLocalModel) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded = true
	return m.loadErr
}

func (m *fakeLocalModel) Unload() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unloaded = true
	return nil
}

func (m *fakeLocalModel) Generate(ctx context.Context, batch []types.GenericRequest) ([]provider.Parsed, error) {
	m.mu.Lock()
	m.batchSizes = append(m.batchSizes, len(batch))
	m.mu.Unlock()
	return m.generateFn(batch)
}

func echoModel() *fakeLocalModel {
	return &fakeLocalModel{
		generateFn: func(batch []types.GenericRequest) ([]provider.Parsed, error) {
			out := make([]provider.Parsed, len(batch))
			for i, req := range batch {
				out[i] = provider.Parsed{
					Message: fmt.Sprintf("echo %d", req.OriginalRowIdx),
					Usage:   types.TokenUsage{PromptTokens: 4, CompletionTokens: 2, TotalTokens: 6},
				}
			}
			return out, nil
		},
	}
}

func TestBatch_ProcessesAllRowsInFixedBatches(t *testing.T) {
	model := echoModel()
	b := NewBatch(model, BatchConfig{BatchSize: 4, Workers: 2}, nil, nil, zap.NewNop())
	tr := tracker.New()

	responses, err := b.Process(context.Background(), testRequests(10), tr)
	require.NoError(t, err)
	require.Len(t, responses, 10)

	for _, resp := range responses {
		require.True(t, resp.Succeeded())
		assert.Equal(t, fmt.Sprintf("echo %d", resp.GenericRequest.OriginalRowIdx), *resp.ResponseMessage)
	}

	// 10 rows in batches of 4 means sizes 4, 4 and 2 in some order.
	assert.Len(t, model.batchSizes, 3)
	total := 0
	for _, n := range model.batchSizes {
		assert.LessOrEqual(t, n, 4)
		total += n
	}
	assert.Equal(t, 10, total)
	assert.True(t, model.loaded)
	assert.True(t, model.unloaded)
	assert.Equal(t, 10, tr.Snapshot().Succeeded)
}

func TestBatch_PermanentErrorAbortsRun(t *testing.T) {
	model := &fakeLocalModel{
		generateFn: func(batch []types.GenericRequest) ([]provider.Parsed, error) {
			return nil, types.NewError(types.ErrUnsupported, "model lacks structured output")
		},
	}
	b := NewBatch(model, BatchConfig{BatchSize: 2, Workers: 1}, nil, nil, zap.NewNop())
	tr := tracker.New()

	// Every batch would fail the same way; the run surfaces the error
	// instead of emitting an all-failed dataset.
	responses, err := b.Process(context.Background(), testRequests(5), tr)
	require.Error(t, err)
	assert.Equal(t, types.ErrUnsupported, types.GetErrorCode(err))
	assert.Empty(t, responses)
	assert.Equal(t, 0, tr.Snapshot().Failed)
	assert.True(t, model.unloaded)
}

func TestBatch_GenerateErrorFailsWholeBatch(t *testing.T) {
	model := &fakeLocalModel{
		generateFn: func(batch []types.GenericRequest) ([]provider.Parsed, error) {
			return nil, errors.New("out of memory")
		},
	}
	b := NewBatch(model, BatchConfig{BatchSize: 8, Workers: 1}, nil, nil, zap.NewNop())
	tr := tracker.New()

	responses, err := b.Process(context.Background(), testRequests(5), tr)
	require.NoError(t, err)
	require.Len(t, responses, 5)

	for _, resp := range responses {
		assert.False(t, resp.Succeeded())
		assert.Contains(t, resp.ResponseErrors, "out of memory")
	}
	counts := tr.Snapshot()
	assert.Equal(t, 5, counts.Failed)
	assert.Equal(t, 5, counts.OtherErrors)
	assert.True(t, model.unloaded)
}

func TestBatch_ShortResultSetFailsBatch(t *testing.T) {
	model := &fakeLocalModel{
		generateFn: func(batch []types.GenericRequest) ([]provider.Parsed, error) {
			return []provider.Parsed{{Message: "only one"}}, nil
		},
	}
	b := NewBatch(model, BatchConfig{BatchSize: 4, Workers: 1}, nil, nil, zap.NewNop())

	responses, err := b.Process(context.Background(), testRequests(3), tracker.New())
	require.NoError(t, err)
	require.Len(t, responses, 3)
	for _, resp := range responses {
		assert.False(t, resp.Succeeded())
	}
}

func TestBatch_LoadFailureAborts(t *testing.T) {
	model := &fakeLocalModel{loadErr: errors.New("weights missing")}
	b := NewBatch(model, DefaultBatchConfig(), nil, nil, zap.NewNop())

	_, err := b.Process(context.Background(), testRequests(3), tracker.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weights missing")
}

func TestBatch_AppendsToCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "responses.jsonl")
	store, err := checkpoint.Open(path, zap.NewNop())
	require.NoError(t, err)

	b := NewBatch(echoModel(), BatchConfig{BatchSize: 3, Workers: 1}, store, nil, zap.NewNop())

	_, err = b.Process(context.Background(), testRequests(7), tracker.New())
	require.NoError(t, err)
	require.NoError(t, store.Close())

	logged, err := checkpoint.ReadAll(path)
	require.NoError(t, err)
	assert.Len(t, logged, 7)
}
