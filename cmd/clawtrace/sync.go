package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/smallbiznis/clawtrace/internal/config"
	"github.com/smallbiznis/clawtrace/internal/device"
	"github.com/smallbiznis/clawtrace/internal/observability/logger"
	"github.com/smallbiznis/clawtrace/internal/syncer"
)

func newSyncCmd() *cobra.Command {
	var resync bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Send new events to the registry",
		Long:  "Refresh the local store, then send events past the sync cursor to the hosted registry. The device registers itself on first use.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLocal(cmd.Context(), func(ctx context.Context, d localDeps) error {
				return runSync(ctx, cmd, d, resync)
			})
		},
	}

	cmd.Flags().BoolVar(&resync, "resync", false, "Replay the full local history")

	return cmd
}

func runSync(ctx context.Context, cmd *cobra.Command, d localDeps, resync bool) error {
	out := cmd.OutOrStdout()
	log, closeLog, err := logger.Tee(d.Log, logger.DefaultSyncLog(d.Config.SyncLogPath()))
	if err != nil {
		return fmt.Errorf("open sync log: %w", err)
	}
	defer func() { _ = closeLog() }()

	settings := d.Settings.Get()
	client := syncer.NewClient(d.Config.RegistryURL, settings.Sync.Timeout())
	id, err := ensureRegistered(ctx, d.Config, client, d.Clock.Now(), log)
	if err != nil {
		return err
	}
	log = logger.WithDevice(log, id.DeviceID)
	if id.RegistryURL != "" && id.RegistryURL != client.BaseURL() {
		client = syncer.NewClient(id.RegistryURL, settings.Sync.Timeout())
	}

	job := syncer.Job{
		LockPath:  d.Config.SyncLockPath(),
		Refresher: d.Ingester,
		Sender:    syncer.NewSender(d.Store, client, d.Config.SyncCursorPath(), d.Clock, log),
		Identity:  id,
		Options: syncer.Options{
			BatchSize:         settings.Sync.BatchSize,
			RequestsPerSecond: settings.Sync.RequestsPerSecond,
			Resync:            resync,
		},
		PushgatewayURL: d.Config.PushgatewayURL,
		Clock:          d.Clock,
		Log:            log,
	}
	res, err := job.Run(ctx)
	if errors.Is(err, syncer.ErrLocked) {
		fmt.Fprintln(out, "sync already running")
		return nil
	}
	if werr := writeJSON(out, res); werr != nil && err == nil {
		err = werr
	}
	if errors.Is(err, syncer.ErrUnauthorized) {
		return fmt.Errorf("%w: run `clawtrace device --register --force` to issue a new identity", err)
	}
	return err
}

// ensureRegistered loads the device identity, registering a new device when
// none exists yet.
func ensureRegistered(ctx context.Context, cfg config.Config, client *syncer.Client, now time.Time, log *zap.Logger) (device.Identity, error) {
	id, err := device.Load(cfg.DevicePath())
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, device.ErrNotRegistered) {
		return device.Identity{}, err
	}
	return register(ctx, cfg, client, now, log)
}

func register(ctx context.Context, cfg config.Config, client *syncer.Client, now time.Time, log *zap.Logger) (device.Identity, error) {
	resp, err := client.Register(ctx)
	if err != nil {
		return device.Identity{}, fmt.Errorf("register device: %w", err)
	}
	id := device.Identity{
		DeviceID:     resp.DeviceID,
		DeviceSecret: resp.DeviceSecret,
		Tier:         resp.Tier,
		RegistryURL:  client.BaseURL(),
		DashboardURL: resp.DashboardURL,
		RegisteredAt: now.UTC(),
	}
	if err := device.Save(cfg.DevicePath(), id); err != nil {
		return device.Identity{}, fmt.Errorf("save device identity: %w", err)
	}
	log.Info("device registered", zap.String("device_id", id.DeviceID), zap.String("tier", id.Tier))
	return id, nil
}
