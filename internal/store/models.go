package store

import (
	"time"

	"gorm.io/datatypes"

	"github.com/smallbiznis/clawtrace/internal/usage/domain"
)

// eventRow is the persisted form of a usage event. Timestamps are kept as
// unix nanoseconds so ordering and range scans stay exact in SQLite.
type eventRow struct {
	ID               uint64                      `gorm:"primaryKey;autoIncrement"`
	SessionID        string                      `gorm:"column:session_id;not null;uniqueIndex:ux_usage_events_identity,priority:1"`
	TimestampNS      int64                       `gorm:"column:ts_ns;not null;uniqueIndex:ux_usage_events_identity,priority:2;index:ix_usage_events_ts"`
	Model            string                      `gorm:"column:model;not null;uniqueIndex:ux_usage_events_identity,priority:3"`
	SourceFormat     string                      `gorm:"column:source_format;not null;uniqueIndex:ux_usage_events_identity,priority:4"`
	Project          string                      `gorm:"column:project;not null"`
	Provider         string                      `gorm:"column:provider"`
	InputTokens      int64                       `gorm:"column:input_tokens"`
	OutputTokens     int64                       `gorm:"column:output_tokens"`
	CacheReadTokens  int64                       `gorm:"column:cache_read_tokens"`
	CacheWriteTokens int64                       `gorm:"column:cache_write_tokens"`
	CostUSD          float64                     `gorm:"column:cost_usd"`
	CostReported     bool                        `gorm:"column:cost_reported"`
	UnknownModel     bool                        `gorm:"column:unknown_model"`
	Tools            datatypes.JSONSlice[string] `gorm:"column:tools"`
}

func (eventRow) TableName() string { return "usage_events" }

type fileCursorRow struct {
	Path      string    `gorm:"primaryKey;column:path"`
	Offset    int64     `gorm:"column:offset_bytes;not null"`
	Size      int64     `gorm:"column:size_bytes;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (fileCursorRow) TableName() string { return "file_cursors" }

func toRow(ev domain.UsageEvent) eventRow {
	return eventRow{
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
	}
}

func (r eventRow) event() domain.UsageEvent {
	var tools []string
	if len(r.Tools) > 0 {
		tools = []string(r.Tools)
	}
	return domain.UsageEvent{
		Timestamp:        time.Unix(0, r.TimestampNS).UTC(),
		SessionID:        r.SessionID,
		Project:          r.Project,
		Model:            r.Model,
		Provider:         r.Provider,
		InputTokens:      r.InputTokens,
		OutputTokens:     r.OutputTokens,
		CacheReadTokens:  r.CacheReadTokens,
		CacheWriteTokens: r.CacheWriteTokens,
		CostUSD:          r.CostUSD,
		CostReported:     r.CostReported,
		SourceFormat:     domain.SourceFormat(r.SourceFormat),
		UnknownModel:     r.UnknownModel,
		Tools:            tools,
	}
}
