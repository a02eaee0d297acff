package anomaly

import (
	"cmp"
	"slices"

	"github.com/smallbiznis/clawtrace/internal/aggregate"
	"github.com/smallbiznis/clawtrace/internal/pricing"
	"github.com/smallbiznis/clawtrace/internal/usage/domain"
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Finding is one anomalous period.
type Finding struct {
	Period       string   `json:"period"`
	Project      string   `json:"project,omitempty"`
	ExpectedCost float64  `json:"expected_cost"`
	ActualCost   float64  `json:"actual_cost"`
	PctOver      float64  `json:"pct_over"`
	Severity     Severity `json:"severity"`
}

// Report lists anomalous days, project days and sessions, most recent first.
type Report struct {
	Threshold float64   `json:"threshold"`
	Window    int       `json:"window"`
	Daily     []Finding `json:"daily"`
	Projects  []Finding `json:"projects"`
	Sessions  []Finding `json:"sessions"`
	// ColdStart is set when the loaded history cannot hold a full daily
	// baseline, so an empty Daily list says nothing about spend.
	ColdStart bool `json:"cold_start,omitempty"`
}

func (r Report) Count() int {
	return len(r.Daily) + len(r.Projects) + len(r.Sessions)
}

// Point is a labelled value in an ordered series.
type Point struct {
	Label   string
	Project string
	Value   float64
}

// Scan runs Detect at every position of points and returns the anomalous
// ones in series order.
func Scan(points []Point, window int, threshold float64) []Finding {
	values := make([]float64, len(points))
	for i, p := range points {
		values[i] = p.Value
	}

	var out []Finding
	for i := range points {
		res := Detect(values[:i+1], window, threshold)
		if !res.Anomalous {
			continue
		}
		out = append(out, Finding{
			Period:       points[i].Label,
			Project:      points[i].Project,
			ExpectedCost: pricing.Round(res.Baseline, 4),
			ActualCost:   pricing.Round(res.Observed, 4),
			PctOver:      pricing.Round(res.Deviation*100, 1),
			Severity:     severity(res, threshold),
		})
	}
	return out
}

func severity(res Result, threshold float64) Severity {
	if res.Baseline == 0 {
		return SeverityWarning
	}
	if res.Deviation > threshold*3 {
		return SeverityCritical
	}
	return SeverityWarning
}

// DailySeries returns one point per calendar day from the first day with
// usage through the scope's current day.
func DailySeries(events []domain.UsageEvent, scope aggregate.Scope) []Point {
	if len(events) == 0 {
		return nil
	}
	first := events[0].Timestamp
	for _, ev := range events {
		if ev.Timestamp.Before(first) {
			first = ev.Timestamp
		}
	}
	_, end := scope.Today()
	buckets := aggregate.DailySeries(events, scope, first, end)

	out := make([]Point, len(buckets))
	for i, b := range buckets {
		out[i] = Point{Label: b.Date, Value: b.CostUSD}
	}
	return out
}

// SessionSeries returns one point per session ordered by session start.
func SessionSeries(events []domain.UsageEvent) []Point {
	sessions := aggregate.Sessions(events)
	out := make([]Point, len(sessions))
	for i, s := range sessions {
		out[i] = Point{Label: s.SessionID, Project: s.Project, Value: s.CostUSD}
	}
	return out
}

// ProjectFindings scans one daily series per project and returns the
// anomalous project days, most recent first.
func ProjectFindings(events []domain.UsageEvent, scope aggregate.Scope, window int, threshold float64) []Finding {
	byProject := make(map[string][]domain.UsageEvent)
	for _, ev := range events {
		byProject[ev.Project] = append(byProject[ev.Project], ev)
	}

	out := []Finding{}
	for project, evs := range byProject {
		points := DailySeries(evs, scope)
		for i := range points {
			points[i].Project = project
		}
		out = append(out, Scan(points, window, threshold)...)
	}
	slices.SortFunc(out, func(a, b Finding) int {
		if c := cmp.Compare(b.Period, a.Period); c != 0 {
			return c
		}
		return cmp.Compare(a.Project, b.Project)
	})
	return out
}

// Analyze builds the daily and per-session anomaly report.
func Analyze(events []domain.UsageEvent, scope aggregate.Scope, window int, threshold float64) Report {
	if window < 1 {
		window = DefaultWindow
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	daily := DailySeries(events, scope)
	values := make([]float64, len(daily))
	for i, p := range daily {
		values[i] = p.Value
	}

	rep := Report{
		Threshold: threshold,
		Window:    window,
		Daily:     Scan(daily, window, threshold),
		Projects:  ProjectFindings(events, scope, window, threshold),
		Sessions:  Scan(SessionSeries(events), window, threshold),
		ColdStart: Detect(values, window, threshold).ColdStart,
	}
	slices.Reverse(rep.Daily)
	slices.Reverse(rep.Sessions)
	if rep.Daily == nil {
		rep.Daily = []Finding{}
	}
	if rep.Sessions == nil {
		rep.Sessions = []Finding{}
	}
	return rep
}
