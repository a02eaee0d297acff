package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"

	"github.com/smallbiznis/clawtrace/internal/alert"
	"github.com/smallbiznis/clawtrace/internal/pricing"
	usagedomain "github.com/smallbiznis/clawtrace/internal/usage/domain"
)

// Device is a registered local engine. Only an argon2id hash of the secret
// is stored.
type Device struct {
	ID           string            `gorm:"primaryKey;column:id;size:64"`
	SecretHash   string            `gorm:"column:secret_hash;not null"`
	Tier         Tier              `gorm:"column:tier;size:16;not null;default:free"`
	Metadata     datatypes.JSONMap `gorm:"column:metadata"`
	RegisteredAt time.Time         `gorm:"column:registered_at;not null"`
	LastSeenAt   *time.Time        `gorm:"column:last_seen_at"`
	UpdatedAt    time.Time         `gorm:"column:updated_at;not null"`
}

func (Device) TableName() string { return "devices" }

// DeviceProject records the projects a device has stored, in first-seen
// order. The tier project limit counts these rows.
type DeviceProject struct {
	DeviceID    string    `gorm:"primaryKey;column:device_id;size:64"`
	Project     string    `gorm:"primaryKey;column:project;size:255"`
	FirstSeenAt time.Time `gorm:"column:first_seen_at;not null"`
}

func (DeviceProject) TableName() string { return "device_projects" }

// Event is a usage event owned by one device. The unique index is the event
// identity key scoped to the device.
type Event struct {
	ID               snowflake.ID                `gorm:"primaryKey;column:id"`
	DeviceID         string                      `gorm:"column:device_id;size:64;not null;uniqueIndex:ux_events_identity,priority:1;index:ix_events_device_ts,priority:1"`
	SessionID        string                      `gorm:"column:session_id;size:255;not null;uniqueIndex:ux_events_identity,priority:2"`
	TimestampNS      int64                       `gorm:"column:ts_ns;not null;uniqueIndex:ux_events_identity,priority:3;index:ix_events_device_ts,priority:2"`
	Model            string                      `gorm:"column:model;size:255;not null;uniqueIndex:ux_events_identity,priority:4"`
	SourceFormat     string                      `gorm:"column:source_format;size:32;not null;uniqueIndex:ux_events_identity,priority:5"`
	Project          string                      `gorm:"column:project;size:255;not null"`
	Provider         string                      `gorm:"column:provider;size:64"`
	InputTokens      int64                       `gorm:"column:input_tokens;not null"`
	OutputTokens     int64                       `gorm:"column:output_tokens;not null"`
	CacheReadTokens  int64                       `gorm:"column:cache_read_tokens;not null"`
	CacheWriteTokens int64                       `gorm:"column:cache_write_tokens;not null"`
	CostUSD          float64                     `gorm:"column:cost_usd;not null"`
	CostReported     bool                        `gorm:"column:cost_reported;not null"`
	UnknownModel     bool                        `gorm:"column:unknown_model;not null"`
	Tools            datatypes.JSONSlice[string] `gorm:"column:tools"`
	BatchID          string                      `gorm:"column:batch_id;size:26"`
	ReceivedAt       time.Time                   `gorm:"column:received_at;not null"`
}

func (Event) TableName() string { return "events" }

func NewEvent(id snowflake.ID, deviceID, batchID string, ev usagedomain.UsageEvent, receivedAt time.Time) Event {
	return Event{
		ID:               id,
		DeviceID:         deviceID,
		SessionID:        ev.SessionID,
		TimestampNS:      ev.Timestamp.UTC().UnixNano(),
		Model:            ev.Model,
		SourceFormat:     string(ev.SourceFormat),
		Project:          ev.Project,
		Provider:         ev.Provider,
		InputTokens:      ev.InputTokens,
		OutputTokens:     ev.OutputTokens,
		CacheReadTokens:  ev.CacheReadTokens,
		CacheWriteTokens: ev.CacheWriteTokens,
		CostUSD:          ev.CostUSD,
		CostReported:     ev.CostReported,
		UnknownModel:     ev.UnknownModel,
		Tools:            datatypes.JSONSlice[string](ev.Tools),
		BatchID:          batchID,
		ReceivedAt:       receivedAt,
	}
}

func (e Event) Usage() usagedomain.UsageEvent {
	return usagedomain.UsageEvent{
		Timestamp:        time.Unix(0, e.TimestampNS).UTC(),
		SessionID:        e.SessionID,
		Project:          e.Project,
		Model:            e.Model,
		Provider:         e.Provider,
		InputTokens:      e.InputTokens,
		OutputTokens:     e.OutputTokens,
		CacheReadTokens:  e.CacheReadTokens,
		CacheWriteTokens: e.CacheWriteTokens,
		CostUSD:          e.CostUSD,
		CostReported:     e.CostReported,
		SourceFormat:     usagedomain.SourceFormat(e.SourceFormat),
		UnknownModel:     e.UnknownModel,
		Tools:            []string(e.Tools),
	}
}

// PricingOverride is one per-device rate override. Pattern follows the
// pricing.Overrides key rules.
type PricingOverride struct {
	ID              snowflake.ID `gorm:"primaryKey;column:id"`
	DeviceID        string       `gorm:"column:device_id;size:64;not null;uniqueIndex:ux_pricing_overrides_pattern,priority:1"`
	Pattern         string       `gorm:"column:pattern;size:255;not null;uniqueIndex:ux_pricing_overrides_pattern,priority:2"`
	InputPer1K      float64      `gorm:"column:input_per_1k;not null"`
	OutputPer1K     float64      `gorm:"column:output_per_1k;not null"`
	CacheReadPer1K  float64      `gorm:"column:cache_read_per_1k;not null"`
	CacheWritePer1K float64      `gorm:"column:cache_write_per_1k;not null"`
	UpdatedAt       time.Time    `gorm:"column:updated_at;not null"`
}

func (PricingOverride) TableName() string { return "pricing_overrides" }

func (p PricingOverride) Rates() pricing.Rates {
	return pricing.Rates{
		InputPer1K:      p.InputPer1K,
		OutputPer1K:     p.OutputPer1K,
		CacheReadPer1K:  p.CacheReadPer1K,
		CacheWritePer1K: p.CacheWritePer1K,
	}
}

// ToOverrides folds rows into the map the pricing table consumes.
func ToOverrides(rows []PricingOverride) pricing.Overrides {
	if len(rows) == 0 {
		return nil
	}
	out := make(pricing.Overrides, len(rows))
	for _, r := range rows {
		out[r.Pattern] = r.Rates()
	}
	return out
}

type AlertConfig struct {
	DeviceID   string                               `gorm:"primaryKey;column:device_id;size:64"`
	Thresholds datatypes.JSONType[alert.Thresholds] `gorm:"column:thresholds;not null"`
	UpdatedAt  time.Time                            `gorm:"column:updated_at;not null"`
}

func (AlertConfig) TableName() string { return "alert_configs" }

// AlertState is the last evaluated state of one alert kind for a device.
type AlertState struct {
	DeviceID  string      `gorm:"primaryKey;column:device_id;size:64"`
	Kind      alert.Kind  `gorm:"primaryKey;column:kind;size:32"`
	State     alert.State `gorm:"column:state;size:16;not null"`
	Since     time.Time   `gorm:"column:since;not null"`
	UpdatedAt time.Time   `gorm:"column:updated_at;not null"`
}

func (AlertState) TableName() string { return "alert_states" }

// AllModels lists every table owned by the registry, in creation order.
func AllModels() []any {
	return []any{&Device{}, &DeviceProject{}, &Event{}, &PricingOverride{}, &AlertConfig{}, &AlertState{}}
}
