package aggregate

import (
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/smallbiznis/clawtrace/internal/pricing"
	"github.com/smallbiznis/clawtrace/internal/usage/domain"
)

// Summary covers the scope's current calendar day.
type Summary struct {
	Date                 string  `json:"date"`
	Timezone             string  `json:"timezone"`
	TotalCostUSD         float64 `json:"total_cost_usd"`
	TotalTokens          int64   `json:"total_tokens"`
	InputTokens          int64   `json:"input_tokens"`
	OutputTokens         int64   `json:"output_tokens"`
	CacheReadTokens      int64   `json:"cache_read_tokens"`
	CacheWriteTokens     int64   `json:"cache_write_tokens"`
	Requests             int64   `json:"requests"`
	SessionCount         int     `json:"session_count"`
	UnknownModelRequests int64   `json:"unknown_model_requests"`
}

// Bucket is one calendar day of a series.
type Bucket struct {
	Date     string    `json:"date"`
	Start    time.Time `json:"start"`
	CostUSD  float64   `json:"cost_usd"`
	Tokens   int64     `json:"tokens"`
	Requests int64     `json:"requests"`
}

// Breakdown is a group total keyed by model, project or tool.
type Breakdown struct {
	Key          string  `json:"key"`
	CostUSD      float64 `json:"cost_usd"`
	TotalTokens  int64   `json:"total_tokens"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Requests     int64   `json:"requests"`
	Sessions     int     `json:"sessions"`
	UnknownModel bool    `json:"unknown_model,omitempty"`
}

// SessionTotal aggregates one session.
type SessionTotal struct {
	SessionID       string    `json:"session_id"`
	Project         string    `json:"project"`
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	DurationMinutes float64   `json:"duration_minutes"`
	CostUSD         float64   `json:"cost_usd"`
	TotalTokens     int64     `json:"total_tokens"`
	Requests        int64     `json:"requests"`
	Models          []string  `json:"models"`
}

// Filter keeps events with from <= timestamp < to. Zero bounds are open.
func Filter(events []domain.UsageEvent, from, to time.Time) []domain.UsageEvent {
	return lo.Filter(events, func(ev domain.UsageEvent, _ int) bool {
		if !from.IsZero() && ev.Timestamp.Before(from) {
			return false
		}
		if !to.IsZero() && !ev.Timestamp.Before(to) {
			return false
		}
		return true
	})
}

// Summarize totals the events that fall on the scope's current day.
func Summarize(events []domain.UsageEvent, scope Scope) Summary {
	start, end := scope.Today()
	today := Filter(events, start, end)

	var cost pricing.Amount
	sum := Summary{
		Date:     scope.DateKey(start),
		Timezone: scope.loc().String(),
	}
	for _, ev := range today {
		cost.Add(ev.CostUSD)
		sum.InputTokens += ev.InputTokens
		sum.OutputTokens += ev.OutputTokens
		sum.CacheReadTokens += ev.CacheReadTokens
		sum.CacheWriteTokens += ev.CacheWriteTokens
		sum.TotalTokens += ev.TotalTokens()
		sum.Requests++
		if ev.UnknownModel {
			sum.UnknownModelRequests++
		}
	}
	sum.TotalCostUSD = cost.Float64()
	sum.SessionCount = len(lo.Uniq(lo.Map(today, func(ev domain.UsageEvent, _ int) string { return ev.SessionID })))
	return sum
}

// Timeseries returns one bucket per day for the last `days` days, today
// included. Days without events report zero.
func Timeseries(events []domain.UsageEvent, scope Scope, days int) []Bucket {
	from, to := scope.Window(days)
	return DailySeries(events, scope, from, to)
}

// DailySeries buckets events by calendar day over [from, to).
func DailySeries(events []domain.UsageEvent, scope Scope, from, to time.Time) []Bucket {
	from = scope.DayStart(from)
	type acc struct {
		cost     pricing.Amount
		tokens   int64
		requests int64
	}
	byDay := make(map[string]*acc)
	for _, ev := range Filter(events, from, to) {
		key := scope.DateKey(ev.Timestamp)
		a, ok := byDay[key]
		if !ok {
			a = &acc{}
			byDay[key] = a
		}
		a.cost.Add(ev.CostUSD)
		a.tokens += ev.TotalTokens()
		a.requests++
	}

	var out []Bucket
	for day := from; day.Before(to); day = day.AddDate(0, 0, 1) {
		b := Bucket{Date: scope.DateKey(day), Start: day}
		if a, ok := byDay[b.Date]; ok {
			b.CostUSD = a.cost.Float64()
			b.Tokens = a.tokens
			b.Requests = a.requests
		}
		out = append(out, b)
	}
	return out
}

// ByModel groups by normalized model identifier, costliest first.
func ByModel(events []domain.UsageEvent) []Breakdown {
	return breakdown(events, func(ev domain.UsageEvent) []string {
		return []string{pricing.NormalizeModel(ev.Model)}
	})
}

func ByProject(events []domain.UsageEvent) []Breakdown {
	return breakdown(events, func(ev domain.UsageEvent) []string {
		return []string{ev.Project}
	})
}

// ByTool credits each event to every tool it used.
func ByTool(events []domain.UsageEvent) []Breakdown {
	return breakdown(events, func(ev domain.UsageEvent) []string {
		return ev.Tools
	})
}

func breakdown(events []domain.UsageEvent, keys func(domain.UsageEvent) []string) []Breakdown {
	type acc struct {
		row      Breakdown
		cost     pricing.Amount
		sessions map[string]struct{}
	}
	groups := make(map[string]*acc)
	for _, ev := range events {
		for _, key := range keys(ev) {
			if strings.TrimSpace(key) == "" {
				key = "unknown"
			}
			a, ok := groups[key]
			if !ok {
				a = &acc{row: Breakdown{Key: key}, sessions: make(map[string]struct{})}
				groups[key] = a
			}
			a.cost.Add(ev.CostUSD)
			a.row.TotalTokens += ev.TotalTokens()
			a.row.InputTokens += ev.InputTokens
			a.row.OutputTokens += ev.OutputTokens
			a.row.Requests++
			a.row.UnknownModel = a.row.UnknownModel || ev.UnknownModel
			a.sessions[ev.SessionID] = struct{}{}
		}
	}

	out := make([]Breakdown, 0, len(groups))
	for _, a := range groups {
		a.row.CostUSD = a.cost.Float64()
		a.row.Sessions = len(a.sessions)
		out = append(out, a.row)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := pricing.NewAmount(out[i].CostUSD).Cmp(pricing.NewAmount(out[j].CostUSD)); c != 0 {
			return c > 0
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Sessions totals every session, ordered by first event.
func Sessions(events []domain.UsageEvent) []SessionTotal {
	grouped := lo.GroupBy(events, func(ev domain.UsageEvent) string { return ev.SessionID })

	out := make([]SessionTotal, 0, len(grouped))
	for id, evs := range grouped {
		var cost pricing.Amount
		st := SessionTotal{SessionID: id, Project: evs[0].Project, Start: evs[0].Timestamp, End: evs[0].Timestamp}
		models := make([]string, 0, len(evs))
		for _, ev := range evs {
			cost.Add(ev.CostUSD)
			st.TotalTokens += ev.TotalTokens()
			st.Requests++
			if ev.Timestamp.Before(st.Start) {
				st.Start = ev.Timestamp
				st.Project = ev.Project
			}
			if ev.Timestamp.After(st.End) {
				st.End = ev.Timestamp
			}
			models = append(models, pricing.NormalizeModel(ev.Model))
		}
		st.CostUSD = cost.Float64()
		st.DurationMinutes = st.End.Sub(st.Start).Minutes()
		st.Models = lo.Uniq(models)
		sort.Strings(st.Models)
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// TopSessions returns the n costliest sessions. Equal costs are ordered by
// earliest start, then by session id.
func TopSessions(events []domain.UsageEvent, n int) []SessionTotal {
	sessions := Sessions(events)
	sort.SliceStable(sessions, func(i, j int) bool {
		if c := pricing.NewAmount(sessions[i].CostUSD).Cmp(pricing.NewAmount(sessions[j].CostUSD)); c != 0 {
			return c > 0
		}
		if !sessions[i].Start.Equal(sessions[j].Start) {
			return sessions[i].Start.Before(sessions[j].Start)
		}
		return sessions[i].SessionID < sessions[j].SessionID
	})
	if n > 0 && len(sessions) > n {
		sessions = sessions[:n]
	}
	return sessions
}
