package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/smallbiznis/clawtrace/internal/config"
	"github.com/smallbiznis/clawtrace/internal/device"
)

func newDashboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Print the hosted dashboard URL",
		Long:  "Print the private dashboard link for this device. The secret travels in the URL fragment, so it never reaches the server.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			id, err := device.Load(cfg.DevicePath())
			if err != nil {
				if errors.Is(err, device.ErrNotRegistered) {
					return fmt.Errorf("%w: run `clawtrace sync` first", err)
				}
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), dashboardURL(cfg, id))
			return nil
		},
	}
}

// dashboardURL keeps the secret in the fragment so it is never sent to the
// server or written to access logs.
func dashboardURL(cfg config.Config, id device.Identity) string {
	if id.DashboardURL != "" {
		return id.DashboardURL
	}
	return fmt.Sprintf("%s/d/%s#%s", registryFor(cfg, id), id.DeviceID, id.DeviceSecret)
}
