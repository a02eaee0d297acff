package main

import (
	"context"

	"github.com/spf13/cobra"
)

func newIngestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Parse new log lines into the local store",
		Long:  "Read every configured data path from its saved cursor, price the new records and merge them into the local store.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLocal(cmd.Context(), func(ctx context.Context, d localDeps) error {
				rep, err := d.Ingester.RunOnce(ctx)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), rep)
			})
		},
	}
}
