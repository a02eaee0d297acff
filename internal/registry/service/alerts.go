package service

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/smallbiznis/clawtrace/internal/aggregate"
	"github.com/smallbiznis/clawtrace/internal/alert"
	"github.com/smallbiznis/clawtrace/internal/registry/domain"
)

// alertLookback bounds the events loaded for alert evaluation. It covers
// today in UTC plus sessions that started the day before.
const alertLookback = 48 * time.Hour

func (s *Service) Alerts(ctx context.Context, deviceID string) (*domain.AlertsResponse, error) {
	dev, err := s.findDevice(ctx, s.db, deviceID)
	if err != nil {
		return nil, err
	}
	if !dev.Tier.Paid() {
		return &domain.AlertsResponse{Alerts: []alert.Status{}, TierLimited: true}, nil
	}

	statuses, _, err := s.evaluateAlerts(ctx, dev)
	if err != nil {
		return nil, err
	}
	triggered := make([]alert.Status, 0, len(statuses))
	for _, st := range statuses {
		if st.Triggered() {
			triggered = append(triggered, st)
		}
	}
	return &domain.AlertsResponse{Alerts: statuses, Count: len(triggered)}, nil
}

func (s *Service) AlertConfig(ctx context.Context, deviceID string) (*domain.AlertConfigResponse, error) {
	if _, err := s.findDevice(ctx, s.db, deviceID); err != nil {
		return nil, err
	}
	t, err := s.thresholds(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	return &domain.AlertConfigResponse{Thresholds: t, Rules: t.Rules()}, nil
}

func (s *Service) SetAlertConfig(ctx context.Context, deviceID string, req domain.AlertConfigRequest) (*domain.AlertConfigResponse, error) {
	if _, err := s.findDevice(ctx, s.db, deviceID); err != nil {
		return nil, err
	}
	kind, err := alert.ParseKind(req.AlertType)
	if err != nil {
		return nil, err
	}
	if req.Threshold == nil {
		return nil, alert.ErrInvalidThreshold
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	current, err := s.thresholds(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	next, err := current.With(kind, *req.Threshold, enabled)
	if err != nil {
		return nil, err
	}
	cfg := &domain.AlertConfig{
		DeviceID:   deviceID,
		Thresholds: datatypes.NewJSONType(next),
		UpdatedAt:  s.clock.Now().UTC(),
	}
	if err := s.repo.SaveAlertConfig(ctx, s.db, cfg); err != nil {
		return nil, err
	}
	return &domain.AlertConfigResponse{Thresholds: next, Rules: next.Rules()}, nil
}

func (s *Service) thresholds(ctx context.Context, deviceID string) (alert.Thresholds, error) {
	cfg, err := s.repo.AlertConfig(ctx, s.db, deviceID)
	if err != nil {
		return alert.Thresholds{}, err
	}
	if cfg == nil {
		return alert.DefaultThresholds(), nil
	}
	return cfg.Thresholds.Data(), nil
}

// evaluateAlerts runs the stateless evaluation against the device's recent
// events and merges it with the stored per-kind state.
func (s *Service) evaluateAlerts(ctx context.Context, dev *domain.Device) ([]alert.Status, []alert.Transition, error) {
	t, err := s.thresholds(ctx, dev.ID)
	if err != nil {
		return nil, nil, err
	}
	now := s.clock.Now().UTC()
	rows, err := s.repo.Events(ctx, s.db, dev.ID, now.Add(-alertLookback), now.Add(time.Nanosecond))
	if err != nil {
		return nil, nil, err
	}
	stored, err := s.repo.AlertStates(ctx, s.db, dev.ID)
	if err != nil {
		return nil, nil, err
	}

	tracker := alert.NewTracker()
	for _, st := range stored {
		tracker.Restore(st.Kind, st.State, st.Since)
	}
	snap := aggregate.AlertSnapshot(toUsage(rows), aggregate.UTCScope(now))
	statuses, transitions := tracker.Observe(now, alert.Evaluate(t, snap))
	return statuses, transitions, nil
}

// refreshAlertStates persists the evaluated state of every kind and returns
// how many kinds newly triggered.
func (s *Service) refreshAlertStates(ctx context.Context, dev *domain.Device) (int, error) {
	statuses, transitions, err := s.evaluateAlerts(ctx, dev)
	if err != nil {
		return 0, err
	}
	now := s.clock.Now().UTC()
	states := make([]domain.AlertState, 0, len(statuses))
	for _, st := range statuses {
		states = append(states, domain.AlertState{
			DeviceID:  dev.ID,
			Kind:      st.Kind,
			State:     st.State,
			Since:     st.Since,
			UpdatedAt: now,
		})
	}
	if err := s.repo.SaveAlertStates(ctx, s.db, states); err != nil {
		return 0, err
	}

	fired := 0
	for _, tr := range transitions {
		if tr.To != alert.StateTriggered {
			continue
		}
		fired++
		s.metrics.RecordAlertTriggered(ctx, string(tr.Kind))
		s.log.Info("alert triggered",
			zap.String("device_id", dev.ID),
			zap.String("kind", string(tr.Kind)),
			zap.String("severity", string(tr.Status.Severity)),
			zap.Float64("value", tr.Status.Value),
			zap.Float64("threshold", tr.Status.Threshold),
		)
	}
	return fired, nil
}
