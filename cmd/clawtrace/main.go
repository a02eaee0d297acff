// Command clawtrace is the local engine: it ingests agent logs into the
// local store, serves the local API and syncs usage to the registry.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var Version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "clawtrace",
		Short: "Cost and usage tracking for AI coding agents",
		Long:  "ClawTrace reads Claude Code and OpenClaw session logs, prices every request, and reports spend locally or through the hosted registry.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage: true,
	}

	root.AddCommand(
		newIngestCmd(),
		newServeCmd(),
		newSyncCmd(),
		newSummaryCmd(),
		newDeviceCmd(),
		newClaimCmd(),
		newDashboardCmd(),
	)

	root.Version = Version
	root.SetVersionTemplate(fmt.Sprintf("clawtrace %s\n", Version))

	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
