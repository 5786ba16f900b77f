package provider

import (
	"sync"

	"github.com/BaSui01/dataforge/types"
)

// ModelPrice is the USD price per 1K tokens for one model.
type ModelPrice struct {
	Provider    string
	Model       string
	PriceInput  float64
	PriceOutput float64
}

// CostTable resolves per-response cost from token usage.
type CostTable struct {
	mu     sync.RWMutex
	prices map[string]*ModelPrice // key: provider:model
}

// NewCostTable creates a table seeded with default prices. Overridable via
// SetPrice.
func NewCostTable() *CostTable {
	t := &CostTable{prices: make(map[string]*ModelPrice)}
	defaults := []ModelPrice{
		{Provider: "openai", Model: "gpt-4o", PriceInput: 0.005, PriceOutput: 0.015},
		{Provider: "openai", Model: "gpt-4o-mini", PriceInput: 0.00015, PriceOutput: 0.0006},
		{Provider: "openai", Model: "gpt-4-turbo", PriceInput: 0.01, PriceOutput: 0.03},
		{Provider: "openai", Model: "gpt-4", PriceInput: 0.03, PriceOutput: 0.06},
		{Provider: "openai", Model: "gpt-3.5-turbo", PriceInput: 0.0005, PriceOutput: 0.0015},
		{Provider: "openai", Model: "o1", PriceInput: 0.015, PriceOutput: 0.06},
	}
	for _, p := range defaults {
		t.SetPrice(p.Provider, p.Model, p.PriceInput, p.PriceOutput)
	}
	return t
}

// SetPrice sets or overrides the price for a model.
func (t *CostTable) SetPrice(provider, model string, priceInput, priceOutput float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prices[provider+":"+model] = &ModelPrice{
		Provider:    provider,
		Model:       model,
		PriceInput:  priceInput,
		PriceOutput: priceOutput,
	}
}

// CompletionCost computes the USD cost of one response. Unknown models cost
// zero rather than failing the run.
func (t *CostTable) CompletionCost(provider, model string, usage types.TokenUsage) float64 {
	t.mu.RLock()
	price, ok := t.prices[provider+":"+model]
	t.mu.RUnlock()
	if !ok {
		return 0
	}
	return float64(usage.PromptTokens)/1000*price.PriceInput +
		float64(usage.CompletionTokens)/1000*price.PriceOutput
}
