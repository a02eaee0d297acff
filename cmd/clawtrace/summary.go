package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/smallbiznis/clawtrace/internal/aggregate"
)

func newSummaryCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Print today's usage",
		Long:  "Total today's cost, requests, sessions and tokens from the local store, using the local calendar day.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return withLocal(cmd.Context(), func(ctx context.Context, d localDeps) error {
				// an unreadable store must not look like a day without usage
				if err := d.Store.Ping(ctx); err != nil {
					return err
				}
				scope := aggregate.LocalScope(d.Clock.Now())
				from, to := scope.Today()
				events, err := d.Store.Range(ctx, from, to)
				if err != nil {
					return err
				}
				sum := aggregate.Summarize(events, scope)
				if asJSON {
					return writeJSON(out, sum)
				}
				return printSummary(out, sum)
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")

	return cmd
}

func printSummary(out io.Writer, sum aggregate.Summary) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "date\t%s (%s)\n", sum.Date, sum.Timezone)
	fmt.Fprintf(tw, "cost\t$%.4f\n", sum.TotalCostUSD)
	fmt.Fprintf(tw, "requests\t%d\n", sum.Requests)
	fmt.Fprintf(tw, "sessions\t%d\n", sum.SessionCount)
	fmt.Fprintf(tw, "tokens\t%d (in %d, out %d, cache read %d, cache write %d)\n",
		sum.TotalTokens, sum.InputTokens, sum.OutputTokens, sum.CacheReadTokens, sum.CacheWriteTokens)
	if sum.UnknownModelRequests > 0 {
		fmt.Fprintf(tw, "unpriced\t%d requests used an unknown model\n", sum.UnknownModelRequests)
	}
	return tw.Flush()
}
