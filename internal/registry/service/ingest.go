package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallbiznis/clawtrace/internal/registry/domain"
	usagedomain "github.com/smallbiznis/clawtrace/internal/usage/domain"
)

const (
	modeIngest = "ingest"
	modeResync = "resync"

	rejectReasonProjectLimit = "project_limit"
)

func (s *Service) Ingest(ctx context.Context, deviceID string, events []usagedomain.UsageEvent) (usagedomain.IngestAck, error) {
	return s.ingest(ctx, modeIngest, deviceID, events)
}

// Resync replays history through the same idempotent path as Ingest.
// Events already stored are counted as duplicates.
func (s *Service) Resync(ctx context.Context, deviceID string, events []usagedomain.UsageEvent) (usagedomain.IngestAck, error) {
	return s.ingest(ctx, modeResync, deviceID, events)
}

func (s *Service) ingest(ctx context.Context, mode, deviceID string, events []usagedomain.UsageEvent) (usagedomain.IngestAck, error) {
	deviceID = strings.ToLower(strings.TrimSpace(deviceID))
	if err := validateBatch(events); err != nil {
		return usagedomain.IngestAck{}, err
	}

	unlock, err := s.locker.Lock(ctx, deviceID)
	if err != nil {
		return usagedomain.IngestAck{}, fmt.Errorf("lock device: %w", err)
	}
	defer unlock()

	start := s.clock.Now()
	now := start.UTC()
	ack := usagedomain.IngestAck{
		BatchID: ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
	}

	var (
		dev     *domain.Device
		tierErr *domain.TierExceededError
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		dev, err = s.findDevice(ctx, tx, deviceID)
		if err != nil {
			return err
		}
		known, err := s.repo.Projects(ctx, tx, deviceID)
		if err != nil {
			return err
		}

		plan := planProjects(deviceID, dev.Tier.Limits(), known, events, now)
		ack.Rejected = plan.rejected
		if len(plan.accepted) == 0 {
			tierErr = &domain.TierExceededError{
				Tier:            dev.Tier,
				AllowedProjects: plan.allowed,
				Rejected:        plan.rejected,
			}
			return nil
		}

		overrideRows, err := s.repo.PricingOverrides(ctx, tx, deviceID)
		if err != nil {
			return err
		}
		overrides := domain.ToOverrides(overrideRows)

		rows := make([]domain.Event, 0, len(plan.accepted))
		for _, ev := range plan.accepted {
			ev.Timestamp = ev.Timestamp.UTC()
			ev.ApplyPricing(s.table, overrides)
			rows = append(rows, domain.NewEvent(s.genID.Generate(), deviceID, ack.BatchID, ev, now))
		}

		if err := s.repo.InsertProjects(ctx, tx, plan.added); err != nil {
			return err
		}
		inserted, err := s.repo.InsertEvents(ctx, tx, rows)
		if err != nil {
			return err
		}
		ack.Accepted = int(inserted)
		ack.Duplicates = len(rows) - int(inserted)
		return s.repo.TouchDevice(ctx, tx, deviceID, now)
	})
	if err != nil {
		return usagedomain.IngestAck{}, err
	}

	rejected := 0
	for _, r := range ack.Rejected {
		rejected += r.Events
	}
	s.metrics.RecordIngest(ctx, mode, string(dev.Tier), ack.Accepted, ack.Duplicates, rejected)

	if tierErr != nil {
		s.log.Warn("ingest batch rejected by tier",
			zap.String("device_id", deviceID),
			zap.String("mode", mode),
			zap.String("tier", string(dev.Tier)),
			zap.Int("rejected", rejected),
		)
		return ack, tierErr
	}

	if ack.Accepted > 0 {
		n, err := s.refreshAlertStates(ctx, dev)
		if err != nil {
			s.log.Warn("alert evaluation after ingest failed", zap.String("device_id", deviceID), zap.Error(err))
		}
		ack.NewAlerts = n
	}

	s.log.Info("ingest batch stored",
		zap.String("device_id", deviceID),
		zap.String("mode", mode),
		zap.String("batch_id", ack.BatchID),
		zap.Int("accepted", ack.Accepted),
		zap.Int("duplicates", ack.Duplicates),
		zap.Int("rejected", rejected),
		zap.Int("new_alerts", ack.NewAlerts),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return ack, nil
}

func validateBatch(events []usagedomain.UsageEvent) error {
	if len(events) == 0 {
		return domain.ErrEmptyBatch
	}
	if len(events) > usagedomain.MaxBatchSize {
		return domain.ErrBatchTooLarge
	}
	var errs []error
	for i, ev := range events {
		if err := ev.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("event %d: %w", i, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", domain.ErrInvalidEvent, errors.Join(errs...))
	}
	return nil
}

type projectPlan struct {
	accepted []usagedomain.UsageEvent
	added    []domain.DeviceProject
	allowed  []string
	rejected []usagedomain.Rejection
}

// planProjects splits a batch by the tier project limit. Known projects are
// always accepted; new projects are admitted in batch order while capacity
// remains and the rest are rejected per project.
func planProjects(deviceID string, limits domain.Limits, known []domain.DeviceProject, events []usagedomain.UsageEvent, now time.Time) projectPlan {
	var plan projectPlan
	admitted := make(map[string]bool, len(known))
	for _, p := range known {
		admitted[p.Project] = true
		plan.allowed = append(plan.allowed, p.Project)
	}

	rejectedCount := map[string]int{}
	var rejectedOrder []string
	for _, ev := range events {
		project := ev.Project
		if !admitted[project] {
			if limits.MaxProjects > 0 && len(plan.allowed) >= limits.MaxProjects {
				if rejectedCount[project] == 0 {
					rejectedOrder = append(rejectedOrder, project)
				}
				rejectedCount[project]++
				continue
			}
			admitted[project] = true
			plan.allowed = append(plan.allowed, project)
			plan.added = append(plan.added, domain.DeviceProject{
				DeviceID:    deviceID,
				Project:     project,
				FirstSeenAt: now.Add(time.Duration(len(plan.added)) * time.Microsecond),
			})
		}
		plan.accepted = append(plan.accepted, ev)
	}

	for _, project := range rejectedOrder {
		plan.rejected = append(plan.rejected, usagedomain.Rejection{
			Project: project,
			Events:  rejectedCount[project],
			Reason:  rejectReasonProjectLimit,
		})
	}
	return plan
}
