package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type ModelUsage struct {
	Model    string `json:"model"`
	Provider string `json:"provider"`
	Count    int64  `json:"count"`
}

type CommunityRow struct {
	ActiveDevices     int64
	TotalEvents       int64
	AvgCostPerRequest float64
}

type Repository interface {
	InsertDevice(ctx context.Context, db *gorm.DB, d *Device) error
	FindDevice(ctx context.Context, db *gorm.DB, id string) (*Device, error)
	UpdateDevice(ctx context.Context, db *gorm.DB, d *Device) error
	TouchDevice(ctx context.Context, db *gorm.DB, id string, at time.Time) error

	Projects(ctx context.Context, db *gorm.DB, deviceID string) ([]DeviceProject, error)
	InsertProjects(ctx context.Context, db *gorm.DB, projects []DeviceProject) error

	InsertEvents(ctx context.Context, db *gorm.DB, events []Event) (int64, error)
	Events(ctx context.Context, db *gorm.DB, deviceID string, from, to time.Time) ([]Event, error)
	ComputedEvents(ctx context.Context, db *gorm.DB, deviceID string, afterID int64, limit int) ([]Event, error)
	UpdateEventCost(ctx context.Context, db *gorm.DB, id int64, cost float64, unknown bool) error
	ModelUsage(ctx context.Context, db *gorm.DB, deviceID string) ([]ModelUsage, error)
	Community(ctx context.Context, db *gorm.DB, since time.Time) (CommunityRow, error)

	PricingOverrides(ctx context.Context, db *gorm.DB, deviceID string) ([]PricingOverride, error)
	UpsertPricingOverride(ctx context.Context, db *gorm.DB, o *PricingOverride) error
	DeletePricingOverride(ctx context.Context, db *gorm.DB, deviceID, pattern string) (bool, error)

	AlertConfig(ctx context.Context, db *gorm.DB, deviceID string) (*AlertConfig, error)
	SaveAlertConfig(ctx context.Context, db *gorm.DB, cfg *AlertConfig) error
	AlertStates(ctx context.Context, db *gorm.DB, deviceID string) ([]AlertState, error)
	SaveAlertStates(ctx context.Context, db *gorm.DB, states []AlertState) error
}
