package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.uber.org/zap"

	"github.com/smallbiznis/clawtrace/internal/clock"
	"github.com/smallbiznis/clawtrace/internal/device"
	"github.com/smallbiznis/clawtrace/internal/ingest"
)

// Refresher runs a local ingest pass before events are sent.
type Refresher interface {
	RunOnce(ctx context.Context) (ingest.Report, error)
}

// Job is one scheduled sync invocation: take the lock, refresh the local
// store, send, and optionally push run metrics.
type Job struct {
	LockPath       string
	LockStaleAfter time.Duration
	Refresher      Refresher
	Sender         *Sender
	Identity       device.Identity
	Options        Options
	PushgatewayURL string
	Clock          clock.Clock
	Log            *zap.Logger
}

type JobResult struct {
	Ingest ingest.Report `json:"ingest"`
	Sync   Result        `json:"sync"`
}

// Run returns ErrLocked without doing anything when another run holds the
// lock.
func (j Job) Run(ctx context.Context) (JobResult, error) {
	clk := j.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	log := j.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("syncer.job")
	stale := j.LockStaleAfter
	if stale <= 0 {
		stale = DefaultLockStaleAfter
	}

	lock, err := AcquireLock(j.LockPath, stale, clk.Now())
	if err != nil {
		if errors.Is(err, ErrLocked) {
			log.Info("sync already running, skipping")
		}
		return JobResult{}, err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Warn("release sync lock", zap.Error(err))
		}
	}()

	var out JobResult
	if j.Refresher != nil {
		rep, err := j.Refresher.RunOnce(ctx)
		if err != nil {
			log.Error("local ingest failed", zap.Error(err))
			return out, fmt.Errorf("ingest: %w", err)
		}
		out.Ingest = rep
	}

	res, syncErr := j.Sender.Sync(ctx, j.Identity, j.Options)
	out.Sync = res

	switch {
	case syncErr == nil:
		log.Info("sync ok", zap.Int("sent", res.Sent), zap.Int("batches", res.Batches))
	case errors.Is(syncErr, ErrTierExceeded):
		log.Warn("quota exceeded", zap.Int("sent", res.Sent), zap.Any("rejected", res.Rejected))
	case errors.Is(syncErr, ErrUnauthorized):
		log.Error("device secret rejected, register this device again", zap.Error(syncErr))
	default:
		log.Error("sync failed, will retry next run", zap.Error(syncErr))
	}

	if j.PushgatewayURL != "" {
		if err := pushMetrics(ctx, j.PushgatewayURL, j.Identity.DeviceID, res, syncErr, clk.Now()); err != nil {
			log.Warn("push sync metrics", zap.Error(err))
		}
	}
	return out, syncErr
}

func pushMetrics(ctx context.Context, url, deviceID string, res Result, syncErr error, now time.Time) error {
	reg := prometheus.NewRegistry()
	sent := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clawtrace_sync_events_sent_total",
		Help: "Events acknowledged by the registry in the last sync run.",
	})
	batches := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clawtrace_sync_batches_total",
		Help: "Batches acknowledged by the registry in the last sync run.",
	})
	reg.MustRegister(sent, batches)
	sent.Add(float64(res.Sent))
	batches.Add(float64(res.Batches))

	if syncErr == nil || errors.Is(syncErr, ErrTierExceeded) {
		last := prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clawtrace_sync_last_success_timestamp_seconds",
			Help: "Unix time of the last sync run that reached the registry.",
		})
		reg.MustRegister(last)
		last.Set(float64(now.Unix()))
	}

	return push.New(url, "clawtrace_sync").
		Grouping("device_id", deviceID).
		Gatherer(reg).
		AddContext(ctx)
}
