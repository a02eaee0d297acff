package service

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallbiznis/clawtrace/internal/pricing"
	"github.com/smallbiznis/clawtrace/internal/registry/domain"
)

const recalculatePageSize = 1000

func (s *Service) PricingConfig(ctx context.Context, deviceID string) (*domain.PricingConfigResponse, error) {
	if _, err := s.findDevice(ctx, s.db, deviceID); err != nil {
		return nil, err
	}
	rows, err := s.repo.PricingOverrides(ctx, s.db, deviceID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.PricingOverrideView, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.PricingOverrideView{Pattern: r.Pattern, Rates: r.Rates(), UpdatedAt: r.UpdatedAt})
	}
	return &domain.PricingConfigResponse{Overrides: out}, nil
}

// SetPricingOverride upserts an override. It affects events ingested from
// now on; Recalculate re-prices stored history.
func (s *Service) SetPricingOverride(ctx context.Context, deviceID string, req domain.PricingOverrideRequest) error {
	if _, err := s.findDevice(ctx, s.db, deviceID); err != nil {
		return err
	}
	pattern, err := overridePattern(req)
	if err != nil {
		return err
	}
	if !req.Rates.Valid() {
		return domain.ErrInvalidRates
	}
	return s.repo.UpsertPricingOverride(ctx, s.db, &domain.PricingOverride{
		ID:              s.genID.Generate(),
		DeviceID:        deviceID,
		Pattern:         pattern,
		InputPer1K:      req.InputPer1K,
		OutputPer1K:     req.OutputPer1K,
		CacheReadPer1K:  req.CacheReadPer1K,
		CacheWritePer1K: req.CacheWritePer1K,
		UpdatedAt:       s.clock.Now().UTC(),
	})
}

func (s *Service) DeletePricingOverride(ctx context.Context, deviceID string, req domain.PricingOverrideRequest) error {
	if _, err := s.findDevice(ctx, s.db, deviceID); err != nil {
		return err
	}
	pattern, err := overridePattern(req)
	if err != nil {
		return err
	}
	deleted, err := s.repo.DeletePricingOverride(ctx, s.db, deviceID, pattern)
	if err != nil {
		return err
	}
	if !deleted {
		return domain.ErrOverrideNotFound
	}
	return nil
}

// Recalculate re-prices every stored event whose cost was computed rather
// than reported, under the device lock so it cannot interleave with ingest.
func (s *Service) Recalculate(ctx context.Context, deviceID string) (*domain.RecalculateResponse, error) {
	if _, err := s.findDevice(ctx, s.db, deviceID); err != nil {
		return nil, err
	}
	unlock, err := s.locker.Lock(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	updated := 0
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rows, err := s.repo.PricingOverrides(ctx, tx, deviceID)
		if err != nil {
			return err
		}
		overrides := domain.ToOverrides(rows)

		var after int64
		for {
			page, err := s.repo.ComputedEvents(ctx, tx, deviceID, after, recalculatePageSize)
			if err != nil {
				return err
			}
			for _, row := range page {
				ev := row.Usage()
				ev.ApplyPricing(s.table, overrides)
				if ev.CostUSD != row.CostUSD || ev.UnknownModel != row.UnknownModel {
					if err := s.repo.UpdateEventCost(ctx, tx, row.ID.Int64(), ev.CostUSD, ev.UnknownModel); err != nil {
						return err
					}
					updated++
				}
			}
			if len(page) < recalculatePageSize {
				return nil
			}
			after = page[len(page)-1].ID.Int64()
		}
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("device costs recalculated", zap.String("device_id", deviceID), zap.Int("events_updated", updated))
	return &domain.RecalculateResponse{EventsUpdated: updated}, nil
}

// Models lists the models a device has used with the rates currently in
// effect for each.
func (s *Service) Models(ctx context.Context, deviceID string) (*domain.ModelsResponse, error) {
	if _, err := s.findDevice(ctx, s.db, deviceID); err != nil {
		return nil, err
	}
	usage, err := s.repo.ModelUsage(ctx, s.db, deviceID)
	if err != nil {
		return nil, err
	}
	rows, err := s.repo.PricingOverrides(ctx, s.db, deviceID)
	if err != nil {
		return nil, err
	}
	overrides := domain.ToOverrides(rows)

	out := make([]domain.ModelPricing, 0, len(usage))
	for _, u := range usage {
		out = append(out, domain.ModelPricing{
			ModelUsage: u,
			Effective:  s.table.Price(u.Model, u.Provider, overrides),
		})
	}
	return &domain.ModelsResponse{Models: out}, nil
}

// overridePattern maps a request to its override key: a provider wildcard
// when model is "*" and a provider is given, otherwise the model itself.
func overridePattern(req domain.PricingOverrideRequest) (string, error) {
	model := strings.TrimSpace(req.Model)
	provider := strings.TrimSpace(req.Provider)
	switch {
	case model == "":
		return "", domain.ErrInvalidPattern
	case model == pricing.WildcardPattern && provider != "":
		return pricing.ProviderPattern(provider), nil
	default:
		return model, nil
	}
}
