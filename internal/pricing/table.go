// Package pricing maps model identifiers to per-1k-token rates and computes
// event cost. Every function here is pure so local and hosted aggregation
// price the same tokens identically.
package pricing

import (
	"regexp"
	"sort"
	"strings"

	"github.com/cockroachdb/apd/v3"
)

// Rates are USD per 1,000 tokens.
type Rates struct {
	InputPer1K      float64 `json:"input_per_1k" mapstructure:"input_per_1k"`
	OutputPer1K     float64 `json:"output_per_1k" mapstructure:"output_per_1k"`
	CacheReadPer1K  float64 `json:"cache_read_per_1k" mapstructure:"cache_read_per_1k"`
	CacheWritePer1K float64 `json:"cache_write_per_1k" mapstructure:"cache_write_per_1k"`
}

func (r Rates) Valid() bool {
	return r.InputPer1K >= 0 && r.OutputPer1K >= 0 && r.CacheReadPer1K >= 0 && r.CacheWritePer1K >= 0
}

type Tokens struct {
	Input      int64
	Output     int64
	CacheRead  int64
	CacheWrite int64
}

func (t Tokens) Total() int64 {
	return t.Input + t.Output + t.CacheRead + t.CacheWrite
}

type Source string

const (
	SourceOverride Source = "override"
	SourceExact    Source = "exact"
	SourceAlias    Source = "alias"
	SourceUnknown  Source = "unknown"
)

// Quote is the resolved rate card for one model.
type Quote struct {
	Rates   Rates  `json:"rates"`
	Source  Source `json:"source"`
	Pattern string `json:"pattern,omitempty"`
	Unknown bool   `json:"unknown"`
}

// Overrides maps a model pattern to rates. Patterns are an exact model id,
// a normalized model id, "provider:<name>" or "*".
type Overrides map[string]Rates

const (
	WildcardPattern = "*"
	providerPrefix  = "provider:"
)

func ProviderPattern(provider string) string {
	return providerPrefix + strings.ToLower(strings.TrimSpace(provider))
}

// Table is an immutable global rate table.
type Table struct {
	exact      map[string]Rates
	normalized map[string]Rates
}

var (
	opusRates   = Rates{InputPer1K: 0.015, OutputPer1K: 0.075, CacheReadPer1K: 0.0015, CacheWritePer1K: 0.01875}
	sonnetRates = Rates{InputPer1K: 0.003, OutputPer1K: 0.015, CacheReadPer1K: 0.0003, CacheWritePer1K: 0.00375}
	haikuRates  = Rates{InputPer1K: 0.0008, OutputPer1K: 0.004, CacheReadPer1K: 0.00008, CacheWritePer1K: 0.001}
)

func DefaultEntries() map[string]Rates {
	return map[string]Rates{
		"claude-opus-4-6":            opusRates,
		"claude-opus-4-5-20251101":   opusRates,
		"claude-sonnet-4-5-20250929": sonnetRates,
		"claude-haiku-4-5-20251001":  haikuRates,
	}
}

func DefaultTable() *Table {
	return NewTable(DefaultEntries())
}

func NewTable(entries map[string]Rates) *Table {
	t := &Table{
		exact:      make(map[string]Rates, len(entries)),
		normalized: make(map[string]Rates, len(entries)),
	}
	for model, rates := range entries {
		model = strings.TrimSpace(model)
		if model == "" {
			continue
		}
		t.exact[model] = rates
		t.normalized[NormalizeModel(model)] = rates
	}
	return t
}

// Models lists the exact model ids in the table.
func (t *Table) Models() []string {
	out := make([]string, 0, len(t.exact))
	for model := range t.exact {
		out = append(out, model)
	}
	return out
}

// Price resolves rates: override, then exact, then normalized alias, then
// the zero-rate unknown fallback.
func (t *Table) Price(model, provider string, overrides Overrides) Quote {
	model = strings.TrimSpace(model)
	normalized := NormalizeModel(model)

	if len(overrides) > 0 {
		if q, ok := overrides.lookup(model, normalized, provider); ok {
			return q
		}
	}
	if t != nil {
		if rates, ok := t.exact[model]; ok {
			return Quote{Rates: rates, Source: SourceExact, Pattern: model}
		}
		if rates, ok := t.normalized[normalized]; ok {
			return Quote{Rates: rates, Source: SourceAlias, Pattern: normalized}
		}
	}
	return Quote{Source: SourceUnknown, Unknown: true}
}

func (o Overrides) lookup(model, normalized, provider string) (Quote, bool) {
	if rates, ok := o[model]; ok {
		return Quote{Rates: rates, Source: SourceOverride, Pattern: model}, true
	}
	patterns := make([]string, 0, len(o))
	for pattern := range o {
		if pattern == WildcardPattern || strings.HasPrefix(pattern, providerPrefix) {
			continue
		}
		patterns = append(patterns, pattern)
	}
	sort.Strings(patterns)
	for _, pattern := range patterns {
		if NormalizeModel(pattern) == normalized {
			return Quote{Rates: o[pattern], Source: SourceOverride, Pattern: pattern}, true
		}
	}
	if strings.TrimSpace(provider) != "" {
		pattern := ProviderPattern(provider)
		if rates, ok := o[pattern]; ok {
			return Quote{Rates: rates, Source: SourceOverride, Pattern: pattern}, true
		}
	}
	if rates, ok := o[WildcardPattern]; ok {
		return Quote{Rates: rates, Source: SourceOverride, Pattern: WildcardPattern}, true
	}
	return Quote{}, false
}

// Compute prices tokens for a model and returns the cost with its quote.
func (t *Table) Compute(model, provider string, tokens Tokens, overrides Overrides) (float64, Quote) {
	quote := t.Price(model, provider, overrides)
	return Cost(tokens, quote.Rates), quote
}

// Cost is Σ(tokens/1000 × rate) over the four token categories, evaluated
// in decimal so the same inputs always produce the same float64.
func Cost(tokens Tokens, rates Rates) float64 {
	var total apd.Decimal
	addCategory(&total, tokens.Input, rates.InputPer1K)
	addCategory(&total, tokens.Output, rates.OutputPer1K)
	addCategory(&total, tokens.CacheRead, rates.CacheReadPer1K)
	addCategory(&total, tokens.CacheWrite, rates.CacheWritePer1K)
	if total.IsZero() {
		return 0
	}
	decimalCtx.Quo(&total, &total, thousand)
	f, err := total.Float64()
	if err != nil || f < 0 {
		return 0
	}
	return f
}

func addCategory(total *apd.Decimal, count int64, rate float64) {
	if count <= 0 || rate <= 0 {
		return
	}
	var n, r, product apd.Decimal
	n.SetInt64(count)
	if _, err := r.SetFloat64(rate); err != nil {
		return
	}
	decimalCtx.Mul(&product, &n, &r)
	decimalCtx.Add(total, total, &product)
}

var (
	dateSuffix = regexp.MustCompile(`-(\d{8}|latest)$`)
	separators = strings.NewReplacer(".", "-", "_", "-", " ", "-")
)

var synonyms = map[string]string{
	"opus-4-6":          "claude-opus-4-6",
	"opus-4-5":          "claude-opus-4-5",
	"sonnet-4-5":        "claude-sonnet-4-5",
	"haiku-4-5":         "claude-haiku-4-5",
	"claude-4-6-opus":   "claude-opus-4-6",
	"claude-4-5-opus":   "claude-opus-4-5",
	"claude-4-5-sonnet": "claude-sonnet-4-5",
	"claude-4-5-haiku":  "claude-haiku-4-5",
}

// NormalizeModel folds case, strips a vendor prefix and release date, and
// maps known synonyms onto a canonical id.
func NormalizeModel(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	if m == "" {
		return ""
	}
	if idx := strings.LastIndex(m, "/"); idx >= 0 {
		m = m[idx+1:]
	}
	if idx := strings.Index(m, ":"); idx >= 0 {
		m = m[:idx]
	}
	m = separators.Replace(m)
	m = dateSuffix.ReplaceAllString(m, "")
	if canonical, ok := synonyms[m]; ok {
		return canonical
	}
	return m
}
