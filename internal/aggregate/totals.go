package aggregate

import (
	"time"

	"github.com/smallbiznis/clawtrace/internal/alert"
	"github.com/smallbiznis/clawtrace/internal/pricing"
	"github.com/smallbiznis/clawtrace/internal/usage/domain"
)

// Totals is the whole-range roll-up used by the stats endpoints.
type Totals struct {
	Requests          int64   `json:"total_requests"`
	CostUSD           float64 `json:"total_cost_usd"`
	Tokens            int64   `json:"total_tokens"`
	AvgCostPerRequest float64 `json:"avg_cost_per_request"`
	TopModel          string  `json:"top_model"`
}

func Total(events []domain.UsageEvent) Totals {
	var cost pricing.Amount
	var t Totals
	for _, ev := range events {
		cost.Add(ev.CostUSD)
		t.Tokens += ev.TotalTokens()
		t.Requests++
	}
	t.CostUSD = cost.Float64()
	if t.Requests > 0 {
		t.AvgCostPerRequest = pricing.Round(cost.DivInt(t.Requests).Float64(), 6)
	}
	if models := ByModel(events); len(models) > 0 {
		t.TopModel = models[0].Key
	}
	return t
}

// AlertSnapshot derives the alert inputs at scope.Now: today's spend, the
// trailing hour's spend, volume and costliest session, and the longest
// session still active in the trailing hour.
func AlertSnapshot(events []domain.UsageEvent, scope Scope) alert.Snapshot {
	start, end := scope.Today()
	hourAgo := scope.Now.Add(-time.Hour)

	snap := alert.Snapshot{At: scope.Now}

	var today pricing.Amount
	for _, ev := range Filter(events, start, end) {
		today.Add(ev.CostUSD)
	}
	snap.TodayCostUSD = today.Float64()

	lastHour := Filter(events, hourAgo, scope.Now.Add(time.Nanosecond))
	var hour pricing.Amount
	for _, ev := range lastHour {
		hour.Add(ev.CostUSD)
		snap.LastHourRequests++
		snap.LastHourTokens += ev.TotalTokens()
	}
	snap.LastHourCostUSD = hour.Float64()

	if top := TopSessions(lastHour, 1); len(top) > 0 {
		snap.TopSession = alert.SessionMetric{SessionID: top[0].SessionID, Value: top[0].CostUSD}
	}

	active := make(map[string]struct{})
	for _, ev := range lastHour {
		active[ev.SessionID] = struct{}{}
	}
	for _, s := range Sessions(Filter(events, time.Time{}, scope.Now.Add(time.Nanosecond))) {
		if _, ok := active[s.SessionID]; !ok {
			continue
		}
		if s.DurationMinutes > snap.LongestSession.Value {
			snap.LongestSession = alert.SessionMetric{SessionID: s.SessionID, Value: s.DurationMinutes}
		}
	}
	return snap
}
