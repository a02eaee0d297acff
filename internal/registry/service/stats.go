package service

import (
	"context"
	"time"

	"github.com/samber/lo"

	"github.com/smallbiznis/clawtrace/internal/aggregate"
	"github.com/smallbiznis/clawtrace/internal/anomaly"
	"github.com/smallbiznis/clawtrace/internal/optimize"
	"github.com/smallbiznis/clawtrace/internal/pricing"
	"github.com/smallbiznis/clawtrace/internal/registry/domain"
	usagedomain "github.com/smallbiznis/clawtrace/internal/usage/domain"
)

const (
	defaultStatsDays = 7
	maxStatsDays     = 365
	statsTopSessions = 10
	// anomalyLookbackDays is how much history feeds the anomaly baselines,
	// independent of the window the dashboard displays.
	anomalyLookbackDays = 30
	communityWindow     = 7 * 24 * time.Hour
)

// Stats builds the dashboard payload over the last `days` UTC days, clamped
// to the tier's retention. Older events stay stored so that an upgrade
// makes them visible again.
func (s *Service) Stats(ctx context.Context, deviceID string, days int) (*domain.Stats, error) {
	dev, err := s.findDevice(ctx, s.db, deviceID)
	if err != nil {
		return nil, err
	}
	limits := dev.Tier.Limits()
	days = clampDays(days, limits.RetentionDays)

	scope := aggregate.UTCScope(s.clock.Now())
	lookback := anomalyDays(days, limits.RetentionDays)
	histFrom, to := scope.Window(lookback)
	rows, err := s.repo.Events(ctx, s.db, dev.ID, histFrom, to)
	if err != nil {
		return nil, err
	}
	history := toUsage(rows)

	from, _ := scope.Window(days)
	events := aggregate.Filter(history, from, to)

	return &domain.Stats{
		DeviceID:      dev.ID,
		Tier:          dev.Tier,
		Days:          days,
		RetentionDays: limits.RetentionDays,
		Totals:        aggregate.Total(events),
		Summary:       aggregate.Summarize(events, scope),
		Timeseries:    aggregate.Timeseries(events, scope, days),
		Models:        aggregate.ByModel(events),
		Projects:      aggregate.ByProject(events),
		Tools:         aggregate.ByTool(events),
		Sessions:      aggregate.TopSessions(events, statsTopSessions),
		Anomalies:     visibleAnomalies(anomaly.Analyze(history, scope, anomaly.DefaultWindow, anomaly.DefaultThreshold), scope.DateKey(from), events),
	}, nil
}

// anomalyDays widens the displayed window so a full baseline fits, without
// reading past the tier's retention.
func anomalyDays(days, retention int) int {
	n := max(days, anomalyLookbackDays, anomaly.DefaultWindow+1)
	if retention > 0 && n > retention {
		n = retention
	}
	return n
}

// visibleAnomalies keeps the findings that fall inside the displayed window.
func visibleAnomalies(rep anomaly.Report, fromKey string, shown []usagedomain.UsageEvent) anomaly.Report {
	inWindow := func(f anomaly.Finding, _ int) bool { return f.Period >= fromKey }
	sessions := lo.SliceToMap(shown, func(ev usagedomain.UsageEvent) (string, struct{}) {
		return ev.SessionID, struct{}{}
	})

	rep.Daily = lo.Filter(rep.Daily, inWindow)
	rep.Projects = lo.Filter(rep.Projects, inWindow)
	rep.Sessions = lo.Filter(rep.Sessions, func(f anomaly.Finding, _ int) bool {
		_, ok := sessions[f.Period]
		return ok
	})
	return rep
}

// Optimize suggests cost savings from the last `days` UTC days, clamped to
// the tier's retention like Stats.
func (s *Service) Optimize(ctx context.Context, deviceID string, days int) (*domain.OptimizeResponse, error) {
	dev, err := s.findDevice(ctx, s.db, deviceID)
	if err != nil {
		return nil, err
	}
	days = clampDays(days, dev.Tier.Limits().RetentionDays)

	from, to := aggregate.UTCScope(s.clock.Now()).Window(days)
	rows, err := s.repo.Events(ctx, s.db, dev.ID, from, to)
	if err != nil {
		return nil, err
	}
	return &domain.OptimizeResponse{
		Days:        days,
		Suggestions: optimize.Suggest(toUsage(rows)),
	}, nil
}

func (s *Service) Community(ctx context.Context) (*domain.CommunityStats, error) {
	row, err := s.repo.Community(ctx, s.db, s.clock.Now().Add(-communityWindow))
	if err != nil {
		return nil, err
	}
	return &domain.CommunityStats{
		ActiveDevices:     row.ActiveDevices,
		TotalEvents7d:     row.TotalEvents,
		AvgCostPerRequest: pricing.Round(row.AvgCostPerRequest, 6),
	}, nil
}

func clampDays(days, retention int) int {
	if days <= 0 {
		days = defaultStatsDays
	}
	if days > maxStatsDays {
		days = maxStatsDays
	}
	if retention > 0 && days > retention {
		days = retention
	}
	return days
}

func toUsage(rows []domain.Event) []usagedomain.UsageEvent {
	return lo.Map(rows, func(r domain.Event, _ int) usagedomain.UsageEvent { return r.Usage() })
}
