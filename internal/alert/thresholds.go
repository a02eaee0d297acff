// Package alert compares live aggregates against configured budget
// thresholds. Evaluation is stateless; Tracker reports state transitions
// between evaluations.
package alert

import (
	"errors"
	"fmt"
	"slices"
)

type Kind string

const (
	KindDailyBudget         Kind = "daily_budget"
	KindSessionSpike        Kind = "session_spike"
	KindHourlyBurnRate      Kind = "hourly_burn_rate"
	KindHourlyRequestVolume Kind = "hourly_request_volume"
	KindHourlyTokenVolume   Kind = "hourly_token_volume"
	KindSessionDuration     Kind = "session_duration"
)

// Kinds lists every alert kind in evaluation order.
var Kinds = []Kind{
	KindDailyBudget,
	KindSessionSpike,
	KindHourlyBurnRate,
	KindHourlyRequestVolume,
	KindHourlyTokenVolume,
	KindSessionDuration,
}

var (
	ErrInvalidKind      = errors.New("invalid_alert_type")
	ErrInvalidThreshold = errors.New("invalid_threshold")
)

func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !slices.Contains(Kinds, k) {
		return "", ErrInvalidKind
	}
	return k, nil
}

// Thresholds holds one limit per kind. Kinds listed in Disabled are not
// evaluated.
type Thresholds struct {
	DailyBudgetUSD         float64 `json:"daily_budget_usd" mapstructure:"daily_budget_usd"`
	SessionSpikeUSD        float64 `json:"session_spike_usd" mapstructure:"session_spike_usd"`
	HourlyBurnRateUSD      float64 `json:"hourly_burn_rate_usd" mapstructure:"hourly_burn_rate_usd"`
	HourlyRequestVolume    float64 `json:"hourly_request_volume" mapstructure:"hourly_request_volume"`
	HourlyTokenVolume      float64 `json:"hourly_token_volume" mapstructure:"hourly_token_volume"`
	SessionDurationMinutes float64 `json:"session_duration_minutes" mapstructure:"session_duration_minutes"`
	Disabled               []Kind  `json:"disabled,omitempty" mapstructure:"disabled"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		DailyBudgetUSD:         10,
		SessionSpikeUSD:        5,
		HourlyBurnRateUSD:      3,
		HourlyRequestVolume:    200,
		HourlyTokenVolume:      2_000_000,
		SessionDurationMinutes: 180,
	}
}

// Rule is the per-kind view used by the hosted alert config API.
type Rule struct {
	Threshold float64 `json:"threshold"`
	Enabled   bool    `json:"enabled"`
}

func (t Thresholds) Threshold(k Kind) float64 {
	switch k {
	case KindDailyBudget:
		return t.DailyBudgetUSD
	case KindSessionSpike:
		return t.SessionSpikeUSD
	case KindHourlyBurnRate:
		return t.HourlyBurnRateUSD
	case KindHourlyRequestVolume:
		return t.HourlyRequestVolume
	case KindHourlyTokenVolume:
		return t.HourlyTokenVolume
	case KindSessionDuration:
		return t.SessionDurationMinutes
	}
	return 0
}

func (t Thresholds) Enabled(k Kind) bool {
	return !slices.Contains(t.Disabled, k)
}

func (t Thresholds) Rules() map[Kind]Rule {
	out := make(map[Kind]Rule, len(Kinds))
	for _, k := range Kinds {
		out[k] = Rule{Threshold: t.Threshold(k), Enabled: t.Enabled(k)}
	}
	return out
}

// With returns a copy of t with the rule for k replaced.
func (t Thresholds) With(k Kind, threshold float64, enabled bool) (Thresholds, error) {
	if _, err := ParseKind(string(k)); err != nil {
		return t, err
	}
	if threshold < 0 {
		return t, ErrInvalidThreshold
	}
	switch k {
	case KindDailyBudget:
		t.DailyBudgetUSD = threshold
	case KindSessionSpike:
		t.SessionSpikeUSD = threshold
	case KindHourlyBurnRate:
		t.HourlyBurnRateUSD = threshold
	case KindHourlyRequestVolume:
		t.HourlyRequestVolume = threshold
	case KindHourlyTokenVolume:
		t.HourlyTokenVolume = threshold
	case KindSessionDuration:
		t.SessionDurationMinutes = threshold
	}
	disabled := slices.DeleteFunc(slices.Clone(t.Disabled), func(d Kind) bool { return d == k })
	if !enabled {
		disabled = append(disabled, k)
	}
	t.Disabled = disabled
	return t, nil
}

func (t Thresholds) Validate() error {
	for _, k := range Kinds {
		if t.Threshold(k) < 0 {
			return fmt.Errorf("alerts.%s: %w", k, ErrInvalidThreshold)
		}
	}
	for _, k := range t.Disabled {
		if _, err := ParseKind(string(k)); err != nil {
			return fmt.Errorf("alerts.disabled %q: %w", k, err)
		}
	}
	return nil
}
