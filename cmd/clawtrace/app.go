package main

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/clawtrace/internal/clock"
	"github.com/smallbiznis/clawtrace/internal/config"
	"github.com/smallbiznis/clawtrace/internal/ingest"
	"github.com/smallbiznis/clawtrace/internal/observability"
	"github.com/smallbiznis/clawtrace/internal/pricing"
	"github.com/smallbiznis/clawtrace/internal/store"
)

const stopTimeout = 10 * time.Second

// localDeps is what one-shot commands need from the container.
type localDeps struct {
	fx.In

	Config   config.Config
	Settings *config.SettingsHolder
	Store    *store.Store
	Ingester *ingest.Ingester
	Clock    clock.Clock
	Log      *zap.Logger
}

func baseOptions() fx.Option {
	return fx.Options(
		fx.NopLogger,
		config.Module,
		observability.Module,
		clock.Module,
		store.Module,
		fx.Provide(pricing.DefaultTable),
	)
}

// withLocal builds the local container, runs fn between start and stop and
// returns the first error.
func withLocal(ctx context.Context, fn func(ctx context.Context, d localDeps) error) (err error) {
	var deps localDeps
	app := fx.New(
		baseOptions(),
		fx.Provide(ingest.New),
		fx.Invoke(func(d localDeps) { deps = d }),
	)
	if err := app.Err(); err != nil {
		return err
	}
	if err := app.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if stopErr := app.Stop(stopCtx); err == nil {
			err = stopErr
		}
	}()
	return fn(ctx, deps)
}
