// Package domain contains the canonical usage event shared by the parser,
// local store, aggregator, sender and hosted registry.
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/clawtrace/internal/pricing"
)

type SourceFormat string

const (
	SourceClaudeCode SourceFormat = "claude-code"
	SourceOpenClaw   SourceFormat = "openclaw"
)

func (f SourceFormat) Valid() bool {
	return f == SourceClaudeCode || f == SourceOpenClaw
}

// UsageEvent is one normalized model call.
type UsageEvent struct {
	Timestamp        time.Time    `json:"timestamp"`
	SessionID        string       `json:"session_id"`
	Project          string       `json:"project"`
	Model            string       `json:"model"`
	Provider         string       `json:"provider"`
	InputTokens      int64        `json:"input_tokens"`
	OutputTokens     int64        `json:"output_tokens"`
	CacheReadTokens  int64        `json:"cache_read_tokens"`
	CacheWriteTokens int64        `json:"cache_write_tokens"`
	CostUSD          float64      `json:"cost_usd"`
	CostReported     bool         `json:"cost_reported"`
	SourceFormat     SourceFormat `json:"source_format"`
	UnknownModel     bool         `json:"unknown_model"`
	Tools            []string     `json:"tools,omitempty"`
}

func (e UsageEvent) Tokens() pricing.Tokens {
	return pricing.Tokens{
		Input:      e.InputTokens,
		Output:     e.OutputTokens,
		CacheRead:  e.CacheReadTokens,
		CacheWrite: e.CacheWriteTokens,
	}
}

func (e UsageEvent) TotalTokens() int64 {
	return e.Tokens().Total()
}

func (e UsageEvent) Key() IdentityKey {
	return IdentityKey{
		SessionID:    e.SessionID,
		Timestamp:    e.Timestamp.UTC(),
		Model:        e.Model,
		SourceFormat: e.SourceFormat,
	}
}

func (e UsageEvent) Position() Position {
	return Position{
		Timestamp:    e.Timestamp.UTC(),
		SessionID:    e.SessionID,
		Model:        e.Model,
		SourceFormat: e.SourceFormat,
	}
}

// ApplyPricing sets CostUSD and UnknownModel from the table unless the cost
// was reported by the log record itself.
func (e *UsageEvent) ApplyPricing(table *pricing.Table, overrides pricing.Overrides) {
	if e.CostReported {
		e.UnknownModel = false
		return
	}
	cost, quote := table.Compute(e.Model, e.Provider, e.Tokens(), overrides)
	e.CostUSD = cost
	e.UnknownModel = quote.Unknown
}

// Validate checks the invariants an event must hold before it is stored.
func (e UsageEvent) Validate() error {
	if strings.TrimSpace(e.SessionID) == "" {
		return ErrInvalidSessionID
	}
	if e.Timestamp.IsZero() {
		return ErrInvalidTimestamp
	}
	if strings.TrimSpace(e.Model) == "" {
		return ErrInvalidModel
	}
	if !e.SourceFormat.Valid() {
		return ErrInvalidSourceFormat
	}
	if e.InputTokens < 0 || e.OutputTokens < 0 || e.CacheReadTokens < 0 || e.CacheWriteTokens < 0 {
		return ErrInvalidTokens
	}
	if e.CostUSD < 0 {
		return ErrInvalidCost
	}
	return nil
}

// IdentityKey identifies an event for deduplication.
type IdentityKey struct {
	SessionID    string
	Timestamp    time.Time
	Model        string
	SourceFormat SourceFormat
}

func (k IdentityKey) String() string {
	return fmt.Sprintf("%s|%s|%s|%s", k.SessionID, k.Timestamp.UTC().Format(time.RFC3339Nano), k.Model, k.SourceFormat)
}
