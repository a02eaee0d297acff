package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smallbiznis/clawtrace/internal/aggregate"
	"github.com/smallbiznis/clawtrace/internal/alert"
	"github.com/smallbiznis/clawtrace/internal/anomaly"
	"github.com/smallbiznis/clawtrace/internal/optimize"
	"github.com/smallbiznis/clawtrace/internal/pricing"
	usagedomain "github.com/smallbiznis/clawtrace/internal/usage/domain"
)

type Service interface {
	Register(ctx context.Context) (usagedomain.RegisterResponse, error)
	Authenticate(ctx context.Context, deviceID, secret string) (Principal, error)
	Claim(ctx context.Context, req usagedomain.ClaimRequest) (usagedomain.ClaimResponse, error)

	Ingest(ctx context.Context, deviceID string, events []usagedomain.UsageEvent) (usagedomain.IngestAck, error)
	Resync(ctx context.Context, deviceID string, events []usagedomain.UsageEvent) (usagedomain.IngestAck, error)

	Stats(ctx context.Context, deviceID string, days int) (*Stats, error)
	Optimize(ctx context.Context, deviceID string, days int) (*OptimizeResponse, error)
	Alerts(ctx context.Context, deviceID string) (*AlertsResponse, error)
	AlertConfig(ctx context.Context, deviceID string) (*AlertConfigResponse, error)
	SetAlertConfig(ctx context.Context, deviceID string, req AlertConfigRequest) (*AlertConfigResponse, error)

	PricingConfig(ctx context.Context, deviceID string) (*PricingConfigResponse, error)
	SetPricingOverride(ctx context.Context, deviceID string, req PricingOverrideRequest) error
	DeletePricingOverride(ctx context.Context, deviceID string, req PricingOverrideRequest) error
	Recalculate(ctx context.Context, deviceID string) (*RecalculateResponse, error)
	Models(ctx context.Context, deviceID string) (*ModelsResponse, error)

	Community(ctx context.Context) (*CommunityStats, error)
}

// Principal is an authenticated device.
type Principal struct {
	DeviceID string
	Tier     Tier
}

type Stats struct {
	DeviceID      string `json:"device_id"`
	Tier          Tier   `json:"tier"`
	Days          int    `json:"days"`
	RetentionDays int    `json:"retention_days"`
	aggregate.Totals
	Summary    aggregate.Summary        `json:"summary"`
	Timeseries []aggregate.Bucket       `json:"timeseries"`
	Models     []aggregate.Breakdown    `json:"models"`
	Projects   []aggregate.Breakdown    `json:"projects"`
	Tools      []aggregate.Breakdown    `json:"tools"`
	Sessions   []aggregate.SessionTotal `json:"sessions"`
	Anomalies  anomaly.Report           `json:"anomalies"`
}

type OptimizeResponse struct {
	Days        int                   `json:"days"`
	Suggestions []optimize.Suggestion `json:"suggestions"`
}

type AlertsResponse struct {
	Alerts      []alert.Status `json:"alerts"`
	Count       int            `json:"count"`
	TierLimited bool           `json:"tier_limited,omitempty"`
}

type AlertConfigRequest struct {
	AlertType string   `json:"alert_type"`
	Threshold *float64 `json:"threshold"`
	Enabled   *bool    `json:"enabled"`
}

type AlertConfigResponse struct {
	Thresholds alert.Thresholds          `json:"thresholds"`
	Rules      map[alert.Kind]alert.Rule `json:"rules"`
}

// PricingOverrideRequest addresses an override by model, or by provider
// when model is "*".
type PricingOverrideRequest struct {
	Model    string `json:"model"`
	Provider string `json:"provider,omitempty"`
	pricing.Rates
}

type PricingOverrideView struct {
	Pattern string `json:"pattern"`
	pricing.Rates
	UpdatedAt time.Time `json:"updated_at"`
}

type PricingConfigResponse struct {
	Overrides []PricingOverrideView `json:"overrides"`
}

type RecalculateResponse struct {
	EventsUpdated int `json:"events_updated"`
}

type ModelPricing struct {
	ModelUsage
	Effective pricing.Quote `json:"effective_pricing"`
}

type ModelsResponse struct {
	Models []ModelPricing `json:"models"`
}

type CommunityStats struct {
	ActiveDevices     int64   `json:"active_devices"`
	TotalEvents7d     int64   `json:"total_events_7d"`
	AvgCostPerRequest float64 `json:"community_avg_cost_per_request"`
}

var (
	ErrDeviceNotFound   = errors.New("device_not_found")
	ErrInvalidDeviceID  = errors.New("invalid_device_id")
	ErrInvalidSecret    = errors.New("invalid_device_secret")
	ErrEmptyBatch       = errors.New("empty_batch")
	ErrBatchTooLarge    = errors.New("batch_too_large")
	ErrInvalidEvent     = errors.New("invalid_event")
	ErrTierExceeded     = errors.New("tier_exceeded")
	ErrInvalidPattern   = errors.New("invalid_pricing_pattern")
	ErrInvalidRates     = errors.New("invalid_pricing_rates")
	ErrOverrideNotFound = errors.New("pricing_override_not_found")
)

// TierExceededError carries the per-project rejections of a batch whose
// events were all beyond the device's project limit.
type TierExceededError struct {
	Tier            Tier
	AllowedProjects []string
	Rejected        []usagedomain.Rejection
}

func (e *TierExceededError) Error() string {
	return fmt.Sprintf("tier %s allows %d project(s)", e.Tier, e.Tier.Limits().MaxProjects)
}

func (e *TierExceededError) Unwrap() error { return ErrTierExceeded }
