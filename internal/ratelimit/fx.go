package ratelimit

import (
	"context"
	"errors"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/clawtrace/internal/config"
)

var Module = fx.Module("rate.limit",
	fx.Provide(
		NewRedisClient,
		NewLimiter,
		NewDeviceLocker,
	),
)

// NewRedisClient returns nil when no Redis address is configured; every
// consumer then falls back to in-process state.
func NewRedisClient(lc fx.Lifecycle, cfg config.Config) (*redis.Client, error) {
	addr := strings.TrimSpace(cfg.RateLimit.RedisAddr)
	if addr == "" {
		if cfg.RateLimit.Enabled && cfg.IsProduction() {
			return nil, errors.New("rate limit redis addr is required in production")
		}
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.RateLimit.RedisPassword,
		DB:       cfg.RateLimit.RedisDB,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func NewDeviceLocker(cfg config.Config, client *redis.Client, log *zap.Logger) DeviceLocker {
	if client == nil {
		return NewKeyedMutex()
	}
	return NewRedisDeviceLocker(client, cfg.RateLimit.IngestLockTTL, log)
}
