package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/smallbiznis/clawtrace/internal/registry/domain"
)

const insertBatchSize = 200

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertDevice(ctx context.Context, db *gorm.DB, d *domain.Device) error {
	return db.WithContext(ctx).Create(d).Error
}

func (r *repo) FindDevice(ctx context.Context, db *gorm.DB, id string) (*domain.Device, error) {
	var d domain.Device
	err := db.WithContext(ctx).Where("id = ?", id).Take(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *repo) UpdateDevice(ctx context.Context, db *gorm.DB, d *domain.Device) error {
	return db.WithContext(ctx).
		Model(&domain.Device{}).
		Where("id = ?", d.ID).
		Updates(map[string]any{
			"tier":       d.Tier,
			"metadata":   d.Metadata,
			"updated_at": d.UpdatedAt,
		}).Error
}

func (r *repo) TouchDevice(ctx context.Context, db *gorm.DB, id string, at time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.Device{}).
		Where("id = ?", id).
		Update("last_seen_at", at).Error
}

func (r *repo) Projects(ctx context.Context, db *gorm.DB, deviceID string) ([]domain.DeviceProject, error) {
	var rows []domain.DeviceProject
	err := db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("first_seen_at ASC, project ASC").
		Find(&rows).Error
	return rows, err
}

func (r *repo) InsertProjects(ctx context.Context, db *gorm.DB, projects []domain.DeviceProject) error {
	if len(projects) == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&projects).Error
}

// InsertEvents stores events and returns how many were new. Rows whose
// identity key already exists are skipped.
func (r *repo) InsertEvents(ctx context.Context, db *gorm.DB, events []domain.Event) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&events, insertBatchSize)
	return res.RowsAffected, res.Error
}

func (r *repo) Events(ctx context.Context, db *gorm.DB, deviceID string, from, to time.Time) ([]domain.Event, error) {
	var rows []domain.Event
	err := db.WithContext(ctx).
		Where("device_id = ? AND ts_ns >= ? AND ts_ns < ?", deviceID, from.UTC().UnixNano(), to.UTC().UnixNano()).
		Order("ts_ns ASC, session_id ASC, model ASC, source_format ASC").
		Find(&rows).Error
	return rows, err
}

// ComputedEvents pages through events whose cost was derived from pricing
// rather than reported by the log, ordered by id.
func (r *repo) ComputedEvents(ctx context.Context, db *gorm.DB, deviceID string, afterID int64, limit int) ([]domain.Event, error) {
	var rows []domain.Event
	err := db.WithContext(ctx).
		Where("device_id = ? AND cost_reported = ? AND id > ?", deviceID, false, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *repo) UpdateEventCost(ctx context.Context, db *gorm.DB, id int64, cost float64, unknown bool) error {
	return db.WithContext(ctx).
		Model(&domain.Event{}).
		Where("id = ?", id).
		Updates(map[string]any{"cost_usd": cost, "unknown_model": unknown}).Error
}

func (r *repo) ModelUsage(ctx context.Context, db *gorm.DB, deviceID string) ([]domain.ModelUsage, error) {
	var rows []domain.ModelUsage
	err := db.WithContext(ctx).Raw(
		`SELECT model, provider, COUNT(*) AS count
		 FROM events
		 WHERE device_id = ?
		 GROUP BY model, provider
		 ORDER BY count DESC, model ASC`,
		deviceID,
	).Scan(&rows).Error
	return rows, err
}

func (r *repo) Community(ctx context.Context, db *gorm.DB, since time.Time) (domain.CommunityRow, error) {
	var row domain.CommunityRow
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(DISTINCT device_id) AS active_devices,
		        COUNT(*) AS total_events,
		        COALESCE(AVG(cost_usd), 0) AS avg_cost_per_request
		 FROM events
		 WHERE ts_ns >= ?`,
		since.UTC().UnixNano(),
	).Scan(&row).Error
	return row, err
}

func (r *repo) PricingOverrides(ctx context.Context, db *gorm.DB, deviceID string) ([]domain.PricingOverride, error) {
	var rows []domain.PricingOverride
	err := db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("pattern ASC").
		Find(&rows).Error
	return rows, err
}

func (r *repo) UpsertPricingOverride(ctx context.Context, db *gorm.DB, o *domain.PricingOverride) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "device_id"}, {Name: "pattern"}},
			DoUpdates: clause.AssignmentColumns([]string{"input_per_1k", "output_per_1k", "cache_read_per_1k", "cache_write_per_1k", "updated_at"}),
		}).
		Create(o).Error
}

func (r *repo) DeletePricingOverride(ctx context.Context, db *gorm.DB, deviceID, pattern string) (bool, error) {
	res := db.WithContext(ctx).
		Where("device_id = ? AND pattern = ?", deviceID, pattern).
		Delete(&domain.PricingOverride{})
	return res.RowsAffected > 0, res.Error
}

func (r *repo) AlertConfig(ctx context.Context, db *gorm.DB, deviceID string) (*domain.AlertConfig, error) {
	var cfg domain.AlertConfig
	err := db.WithContext(ctx).Where("device_id = ?", deviceID).Take(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (r *repo) SaveAlertConfig(ctx context.Context, db *gorm.DB, cfg *domain.AlertConfig) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "device_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"thresholds", "updated_at"}),
		}).
		Create(cfg).Error
}

func (r *repo) AlertStates(ctx context.Context, db *gorm.DB, deviceID string) ([]domain.AlertState, error) {
	var rows []domain.AlertState
	err := db.WithContext(ctx).Where("device_id = ?", deviceID).Find(&rows).Error
	return rows, err
}

func (r *repo) SaveAlertStates(ctx context.Context, db *gorm.DB, states []domain.AlertState) error {
	if len(states) == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "device_id"}, {Name: "kind"}},
			DoUpdates: clause.AssignmentColumns([]string{"state", "since", "updated_at"}),
		}).
		Create(&states).Error
}
