package db

import (
	"fmt"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/plugin/prometheus"
)

// Options control the plugins attached to a connection.
type Options struct {
	Logger         gormlogger.Interface
	Tracing        bool
	Metrics        bool
	MetricsDBName  string
	RefreshSeconds uint32
}

// Open connects using cfg, applies pool limits and registers the tracing
// and pool metrics plugins.
func Open(cfg Config, opts Options, log *zap.Logger) (*gorm.DB, error) {
	dialector, err := Dialect(cfg)
	if err != nil {
		return nil, err
	}

	gormCfg := &gorm.Config{}
	if opts.Logger != nil {
		gormCfg.Logger = opts.Logger
	}

	conn, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Type, err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxIdleConn > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConn)
	}
	if cfg.MaxOpenConn > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConn)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if opts.Tracing {
		if err := conn.Use(otelgorm.NewPlugin(otelgorm.WithDBName(cfg.Name))); err != nil {
			return nil, fmt.Errorf("register tracing plugin: %w", err)
		}
	}
	if opts.Metrics {
		name := opts.MetricsDBName
		if name == "" {
			name = "clawtrace"
		}
		refresh := opts.RefreshSeconds
		if refresh == 0 {
			refresh = 15
		}
		if err := conn.Use(prometheus.New(prometheus.Config{
			DBName:          name,
			RefreshInterval: refresh,
			StartServer:     false,
		})); err != nil {
			return nil, fmt.Errorf("register metrics plugin: %w", err)
		}
	}

	if log != nil {
		log.Info("database connected", zap.String("type", cfg.Type))
	}
	return conn, nil
}
