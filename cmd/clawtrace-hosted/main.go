// Command clawtrace-hosted runs the hosted registry API.
package main

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallbiznis/clawtrace/internal/cache"
	"github.com/smallbiznis/clawtrace/internal/clock"
	"github.com/smallbiznis/clawtrace/internal/config"
	"github.com/smallbiznis/clawtrace/internal/migration"
	"github.com/smallbiznis/clawtrace/internal/observability"
	"github.com/smallbiznis/clawtrace/internal/observability/logger"
	"github.com/smallbiznis/clawtrace/internal/observability/metrics"
	"github.com/smallbiznis/clawtrace/internal/pricing"
	"github.com/smallbiznis/clawtrace/internal/ratelimit"
	"github.com/smallbiznis/clawtrace/internal/registry"
	"github.com/smallbiznis/clawtrace/internal/server"
	"github.com/smallbiznis/clawtrace/pkg/db"
)

const (
	authCacheTTL  = 5 * time.Minute
	slowQuery     = 200 * time.Millisecond
	metricsPeriod = 15
)

func main() {
	app := fx.New(
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.Provide(config.Load),
		observability.Module,
		fx.Provide(openDB),
		migration.Module,
		fx.Provide(RegisterSnowflake),
		fx.Provide(pricing.DefaultTable),
		fx.Provide(func() cache.DeviceAuthCache { return cache.NewDeviceAuthCache(authCacheTTL) }),
		clock.Module,
		ratelimit.Module,
		registry.Module,
		server.HostedModule,
		fx.Invoke(func(m *metrics.HTTPMetrics) {
			m.Include(prometheus.DefaultGatherer, "gorm_")
		}),
	)
	app.Run()
}

func openDB(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (*gorm.DB, error) {
	conn, err := db.Open(cfg.DB, db.Options{
		Logger:         logger.NewGormLogger(log.Named("gorm"), slowQuery),
		Tracing:        true,
		Metrics:        !cfg.DB.IsSQLite(),
		MetricsDBName:  cfg.DB.Name,
		RefreshSeconds: metricsPeriod,
	}, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(func() error {
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}))
	return conn, nil
}

func RegisterSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
