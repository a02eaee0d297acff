package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/smallbiznis/clawtrace/internal/ingest"
	"github.com/smallbiznis/clawtrace/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the local API with a background ingest worker",
		Long:  "Serve the read-only local API on 127.0.0.1 and refresh the local store on the configured interval until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app := fx.New(
				baseOptions(),
				ingest.Module,
				server.LocalModule,
			)
			if err := app.Err(); err != nil {
				return err
			}
			if err := app.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()

			stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			return app.Stop(stopCtx)
		},
	}
}
