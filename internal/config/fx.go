package config

import (
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(func(cfg Config, log *zap.Logger) (*SettingsHolder, error) {
		return NewSettingsHolder(cfg.SettingsFile, cfg.Home, log)
	}),
)
