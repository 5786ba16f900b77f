package main

import (
	"context"
	"fmt"

	"github.com/BaSui01/dataforge/dispatch"
	"github.com/BaSui01/dataforge/provider"
	"github.com/BaSui01/dataforge/types"
)

// backendModel adapts a provider backend to the batch dispatcher's local
// model contract. Batch mode targets a locally served OpenAI-compatible
// engine (vLLM, llama.cpp server), which needs no admission control; Load
// doubles as the reachability check.
type backendModel struct {
	backend provider.Backend
}

func newBackendModel(backend provider.Backend) *backendModel {
	return &backendModel{backend: backend}
}

func (m *backendModel) Name() string { return m.backend.Name() }

func (m *backendModel) Load(ctx context.Context) error {
	if err := m.backend.Validate(); err != nil {
		return err
	}
	// The engine loads its weights on startup; probing capacity is the
	// cheapest request that proves it answers.
	_, err := m.backend.Capacity(ctx)
	return err
}

func (m *backendModel) Unload() error { return nil }

func (m *backendModel) Generate(ctx context.Context, batch []types.GenericRequest) ([]provider.Parsed, error) {
	out := make([]provider.Parsed, 0, len(batch))
	for i := range batch {
		wire, err := m.backend.Translate(&batch[i])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", batch[i].OriginalRowIdx, err)
		}
		raw, err := m.backend.Call(ctx, wire)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", batch[i].OriginalRowIdx, err)
		}
		parsed, err := m.backend.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", batch[i].OriginalRowIdx, err)
		}
		out = append(out, *parsed)
	}
	return out, nil
}

var _ dispatch.LocalModel = (*backendModel)(nil)
