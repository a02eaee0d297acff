package store

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallbiznis/clawtrace/internal/config"
	"github.com/smallbiznis/clawtrace/internal/observability/logger"
)

var Module = fx.Module("store",
	fx.Provide(NewFromConfig),
)

// NewFromConfig opens the local store under the clawtrace home directory and
// closes it when the app stops.
func NewFromConfig(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	st, err := Open(cfg.StorePath(), log, &gorm.Config{
		Logger: logger.NewGormLogger(log.Named("store.gorm"), 500*time.Millisecond),
	})
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return st.Close()
		},
	})
	return st, nil
}
