package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/smallbiznis/clawtrace/internal/config"
	"github.com/smallbiznis/clawtrace/internal/device"
	"github.com/smallbiznis/clawtrace/internal/syncer"
	"github.com/smallbiznis/clawtrace/internal/usage/domain"
)

const claimKeyEnv = "CLAWTRACE_CLAIM_KEY"

func newClaimCmd() *cobra.Command {
	var tier, paymentRef, claimKey string

	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Move this device to a paid tier",
		Long:  "Upgrade the registered device against a payment reference. The registry only accepts claims carrying the operator claim key.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(paymentRef) == "" {
				return errors.New("--payment-ref is required")
			}
			if claimKey == "" {
				claimKey = os.Getenv(claimKeyEnv)
			}
			if claimKey == "" {
				return fmt.Errorf("--claim-key or %s is required", claimKeyEnv)
			}

			cfg := config.Load()
			id, err := device.Load(cfg.DevicePath())
			if err != nil {
				return err
			}
			client := syncer.NewClient(registryFor(cfg, id), config.DefaultSettings().Sync.Timeout())
			resp, err := client.Claim(cmd.Context(), claimKey, domain.ClaimRequest{
				DeviceID:         id.DeviceID,
				Tier:             tier,
				PaymentReference: paymentRef,
			})
			if err != nil {
				return fmt.Errorf("claim: %w", err)
			}
			if resp.Tier != id.Tier {
				id.Tier = resp.Tier
				if err := device.Save(cfg.DevicePath(), id); err != nil {
					return err
				}
			}
			return writeJSON(cmd.OutOrStdout(), resp)
		},
	}

	cmd.Flags().StringVar(&tier, "tier", "pro", "Target tier (pro or team)")
	cmd.Flags().StringVar(&paymentRef, "payment-ref", "", "Payment reference for the upgrade")
	cmd.Flags().StringVar(&claimKey, "claim-key", "", "Operator claim key (defaults to $"+claimKeyEnv+")")

	return cmd
}
