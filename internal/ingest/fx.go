package ingest

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("ingest",
	fx.Provide(New),
	fx.Invoke(startWorker),
)

func startWorker(lc fx.Lifecycle, ing *Ingester) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())
			go ing.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})
			return nil
		},
	})
}
