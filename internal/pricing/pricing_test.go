package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCostExampleSonnet(t *testing.T) {
	table := NewTable(map[string]Rates{
		"claude-sonnet-4-5": {InputPer1K: 3, OutputPer1K: 15},
	})

	cost, quote := table.Compute("claude-sonnet-4-5", "anthropic", Tokens{Input: 1000, Output: 500}, nil)
	assert.Equal(t, 10.5, cost)
	assert.Equal(t, SourceExact, quote.Source)
	assert.False(t, quote.Unknown)

	assert.Equal(t, 21.0, Sum(cost, cost))
}

func TestPriceLookupOrder(t *testing.T) {
	table := DefaultTable()
	override := Rates{InputPer1K: 1}
	wildcard := Rates{InputPer1K: 2}
	provider := Rates{InputPer1K: 4}

	tests := []struct {
		name      string
		model     string
		provider  string
		overrides Overrides
		source    Source
		rates     Rates
	}{
		{
			name:   "exact global entry",
			model:  "claude-sonnet-4-5-20250929",
			source: SourceExact,
			rates:  sonnetRates,
		},
		{
			name:   "alias strips date and folds case",
			model:  "Claude-Sonnet-4-5",
			source: SourceAlias,
			rates:  sonnetRates,
		},
		{
			name:   "alias strips vendor prefix and dots",
			model:  "anthropic/claude-haiku-4.5",
			source: SourceAlias,
			rates:  haikuRates,
		},
		{
			name:   "synonym",
			model:  "opus-4-6",
			source: SourceAlias,
			rates:  opusRates,
		},
		{
			name:      "device override wins over global",
			model:     "claude-opus-4-6",
			overrides: Overrides{"claude-opus-4-6": override},
			source:    SourceOverride,
			rates:     override,
		},
		{
			name:      "normalized override",
			model:     "claude-opus-4-6-20260101",
			overrides: Overrides{"CLAUDE-OPUS-4-6": override},
			source:    SourceOverride,
			rates:     override,
		},
		{
			name:      "provider wildcard before global wildcard",
			model:     "llama-3",
			provider:  "NVIDIA",
			overrides: Overrides{"provider:nvidia": provider, "*": wildcard},
			source:    SourceOverride,
			rates:     provider,
		},
		{
			name:      "global wildcard",
			model:     "gpt-x",
			overrides: Overrides{"*": wildcard},
			source:    SourceOverride,
			rates:     wildcard,
		},
		{
			name:   "unknown model",
			model:  "mystery-model",
			source: SourceUnknown,
			rates:  Rates{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			quote := table.Price(tt.model, tt.provider, tt.overrides)
			assert.Equal(t, tt.source, quote.Source)
			assert.Equal(t, tt.rates, quote.Rates)
			assert.Equal(t, tt.source == SourceUnknown, quote.Unknown)
		})
	}
}

func TestUnknownModelCostsZero(t *testing.T) {
	cost, quote := DefaultTable().Compute("not-a-model", "", Tokens{Input: 5000, Output: 5000}, nil)
	assert.Zero(t, cost)
	assert.True(t, quote.Unknown)
}

func TestCostIsDeterministic(t *testing.T) {
	tokens := Tokens{Input: 1234, Output: 567, CacheRead: 89012, CacheWrite: 3456}
	first := Cost(tokens, opusRates)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, Cost(tokens, opusRates))
	}
	assert.Equal(t, 0.259353, first)
}

func TestNormalizeModel(t *testing.T) {
	assert.Equal(t, "claude-sonnet-4-5", NormalizeModel(" claude-sonnet-4-5-20250929 "))
	assert.Equal(t, "claude-opus-4-6", NormalizeModel("claude-4-6-opus"))
	assert.Equal(t, "gpt-4o", NormalizeModel("openai/gpt-4o"))
	assert.Equal(t, "", NormalizeModel("  "))
}

func TestAmountSumsExactly(t *testing.T) {
	var a Amount
	for i := 0; i < 10; i++ {
		a.Add(0.1)
	}
	assert.Equal(t, 1.0, a.Float64())
	assert.Equal(t, 0.33, Round(0.3333, 2))
}
