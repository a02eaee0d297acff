// Package optimize derives cost saving suggestions from a device's usage.
package optimize

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/samber/lo"

	"github.com/smallbiznis/clawtrace/internal/aggregate"
	"github.com/smallbiznis/clawtrace/internal/pricing"
	"github.com/smallbiznis/clawtrace/internal/usage/domain"
)

type Kind string

const (
	KindModelDowngrade Kind = "model_downgrade"
	KindExpensiveTool  Kind = "expensive_tool"
	KindSessionOutlier Kind = "session_outlier"
)

type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// Thresholds below which a pattern is not worth reporting.
const (
	minDowngradeCost      = 1.0
	highDowngradeSavings  = 10.0
	downgradeSavingsRatio = 0.8

	minToolCost       = 5.0
	minToolCostPerUse = 0.10

	outlierFactor      = 5.0
	minOutlierCost     = 2.0
	maxOutlierSessions = 5
)

// Suggestion is one recommendation. Fields not relevant to the Kind are
// left empty.
type Suggestion struct {
	Kind     Kind     `json:"type"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`

	Project          string  `json:"project,omitempty"`
	CurrentModel     string  `json:"current_model,omitempty"`
	SuggestedModel   string  `json:"suggested_model,omitempty"`
	CurrentCost      float64 `json:"current_cost,omitempty"`
	EstimatedSavings float64 `json:"estimated_savings,omitempty"`
	AffectedRequests int64   `json:"affected_requests,omitempty"`

	Tool          string  `json:"tool,omitempty"`
	TotalCost     float64 `json:"total_cost,omitempty"`
	AvgCostPerUse float64 `json:"avg_cost_per_use,omitempty"`
	Count         int64   `json:"count,omitempty"`

	SessionID      string  `json:"session_id,omitempty"`
	Cost           float64 `json:"cost,omitempty"`
	Requests       int64   `json:"requests,omitempty"`
	AvgSessionCost float64 `json:"avg_session_cost,omitempty"`

	impact float64
}

// Suggest inspects events and returns suggestions ordered by estimated
// impact, largest first.
func Suggest(events []domain.UsageEvent) []Suggestion {
	out := make([]Suggestion, 0)
	out = append(out, modelDowngrades(events)...)
	out = append(out, expensiveTools(events)...)
	out = append(out, sessionOutliers(events)...)

	slices.SortStableFunc(out, func(a, b Suggestion) int {
		return cmp.Compare(b.impact, a.impact)
	})
	return out
}

func isOpus(model string) bool {
	return strings.Contains(pricing.NormalizeModel(model), "opus")
}

// modelDowngrades flags projects that spend meaningfully on opus models.
func modelDowngrades(events []domain.UsageEvent) []Suggestion {
	byProject := lo.GroupBy(lo.Filter(events, func(ev domain.UsageEvent, _ int) bool {
		return ev.Project != "" && isOpus(ev.Model)
	}), func(ev domain.UsageEvent) string { return ev.Project })

	var out []Suggestion
	for _, project := range slices.Sorted(maps.Keys(byProject)) {
		evs := byProject[project]
		var cost pricing.Amount
		for _, ev := range evs {
			cost.Add(ev.CostUSD)
		}
		spent := cost.Float64()
		if spent <= minDowngradeCost {
			continue
		}

		savings := cost.MulFloat(downgradeSavingsRatio).Float64()
		sev := SeverityMedium
		if savings > highDowngradeSavings {
			sev = SeverityHigh
		}
		out = append(out, Suggestion{
			Kind:             KindModelDowngrade,
			Severity:         sev,
			Project:          project,
			CurrentModel:     "opus",
			SuggestedModel:   "sonnet",
			CurrentCost:      pricing.Round(spent, 2),
			EstimatedSavings: pricing.Round(savings, 2),
			AffectedRequests: int64(len(evs)),
			Message: fmt.Sprintf("Project '%s' spent $%.2f on Opus (%d requests). Switching to Sonnet could save ~$%.2f.",
				project, spent, len(evs), savings),
			impact: savings,
		})
	}
	return out
}

// expensiveTools flags tools whose requests are costly both per use and in
// total. A request counts toward every tool it used.
func expensiveTools(events []domain.UsageEvent) []Suggestion {
	var out []Suggestion
	for _, row := range aggregate.ByTool(events) {
		if row.Requests == 0 || row.Key == "unknown" {
			continue
		}
		avg := row.CostUSD / float64(row.Requests)
		if avg <= minToolCostPerUse || row.CostUSD <= minToolCost {
			continue
		}
		out = append(out, Suggestion{
			Kind:          KindExpensiveTool,
			Severity:      SeverityMedium,
			Tool:          row.Key,
			TotalCost:     pricing.Round(row.CostUSD, 2),
			AvgCostPerUse: pricing.Round(avg, 4),
			Count:         row.Requests,
			Message: fmt.Sprintf("Tool '%s' costs $%.4f/use avg ($%.2f total, %d uses). Consider if all uses need the current model tier.",
				row.Key, avg, row.CostUSD, row.Requests),
			impact: row.CostUSD,
		})
	}
	return out
}

// sessionOutliers flags sessions costing more than outlierFactor times the
// average session.
func sessionOutliers(events []domain.UsageEvent) []Suggestion {
	sessions := aggregate.TopSessions(events, 0)
	if len(sessions) == 0 {
		return nil
	}
	var total pricing.Amount
	for _, s := range sessions {
		total.Add(s.CostUSD)
	}
	avg := total.DivInt(int64(len(sessions))).Float64()
	if avg <= 0 {
		return nil
	}

	var out []Suggestion
	for _, s := range sessions {
		if len(out) == maxOutlierSessions || s.CostUSD <= avg*outlierFactor {
			break
		}
		if s.CostUSD <= minOutlierCost {
			continue
		}
		out = append(out, Suggestion{
			Kind:           KindSessionOutlier,
			Severity:       SeverityLow,
			SessionID:      s.SessionID,
			Project:        s.Project,
			Cost:           pricing.Round(s.CostUSD, 2),
			Requests:       s.Requests,
			AvgSessionCost: pricing.Round(avg, 2),
			Message: fmt.Sprintf("Session %s cost $%.2f (%d requests), %.1fx the average session cost.",
				shortID(s.SessionID), s.CostUSD, s.Requests, s.CostUSD/avg),
			impact: s.CostUSD,
		})
	}
	return out
}

func shortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12] + "..."
}
