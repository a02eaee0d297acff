package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/smallbiznis/clawtrace/internal/config"
	"github.com/smallbiznis/clawtrace/internal/device"
	"github.com/smallbiznis/clawtrace/internal/syncer"
)

type deviceView struct {
	DeviceID     string    `json:"device_id"`
	Tier         string    `json:"tier"`
	RegistryURL  string    `json:"registry_url"`
	RegisteredAt time.Time `json:"registered_at"`
}

func newDeviceCmd() *cobra.Command {
	var doRegister, force bool

	cmd := &cobra.Command{
		Use:   "device",
		Short: "Show the device identity",
		Long:  "Print this device's id, tier and registry. The secret is never printed; use `clawtrace dashboard` for the private link.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfg := config.Load()
			id, err := device.Load(cfg.DevicePath())
			missing := errors.Is(err, device.ErrNotRegistered)
			if err != nil && !missing {
				return err
			}
			if missing && !doRegister {
				fmt.Fprintln(out, "device not registered; run `clawtrace device --register` or `clawtrace sync`")
				return nil
			}
			if doRegister && (missing || force) {
				client := syncer.NewClient(cfg.RegistryURL, config.DefaultSettings().Sync.Timeout())
				if id, err = register(cmd.Context(), cfg, client, time.Now(), zap.NewNop()); err != nil {
					return err
				}
			}

			return writeJSON(out, deviceView{
				DeviceID:     id.DeviceID,
				Tier:         id.Tier,
				RegistryURL:  registryFor(cfg, id),
				RegisteredAt: id.RegisteredAt,
			})
		},
	}

	cmd.Flags().BoolVar(&doRegister, "register", false, "Register this device when it has no identity")
	cmd.Flags().BoolVar(&force, "force", false, "With --register, replace an existing identity")

	return cmd
}

func registryFor(cfg config.Config, id device.Identity) string {
	if id.RegistryURL != "" {
		return id.RegistryURL
	}
	return cfg.RegistryURL
}
