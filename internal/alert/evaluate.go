package alert

import (
	"fmt"
	"time"
)

type State string

const (
	StateOK        State = "ok"
	StateTriggered State = "triggered"
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// SessionMetric names the session that produced a per-session value.
type SessionMetric struct {
	SessionID string
	Value     float64
}

// Snapshot is the set of live aggregates alerts are evaluated against.
type Snapshot struct {
	At               time.Time
	TodayCostUSD     float64
	LastHourCostUSD  float64
	LastHourRequests int64
	LastHourTokens   int64
	// TopSession is the costliest session in the last hour.
	TopSession SessionMetric
	// LongestSession is the longest-running session active in the last
	// hour, valued in minutes.
	LongestSession SessionMetric
}

// Status is the evaluated state of one alert kind.
type Status struct {
	Kind      Kind      `json:"kind"`
	State     State     `json:"state"`
	Severity  Severity  `json:"severity,omitempty"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Ratio     float64   `json:"ratio,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Message   string    `json:"message,omitempty"`
	Since     time.Time `json:"since,omitempty"`
}

func (s Status) Triggered() bool {
	return s.State == StateTriggered
}

// Evaluate computes the state of every enabled kind. A value strictly above
// its threshold triggers; there is no hysteresis band.
func Evaluate(t Thresholds, snap Snapshot) []Status {
	out := make([]Status, 0, len(Kinds))
	for _, k := range Kinds {
		if !t.Enabled(k) {
			continue
		}
		out = append(out, evaluateKind(k, t.Threshold(k), snap))
	}
	return out
}

func evaluateKind(k Kind, threshold float64, snap Snapshot) Status {
	var (
		value     float64
		sessionID string
	)
	switch k {
	case KindDailyBudget:
		value = snap.TodayCostUSD
	case KindSessionSpike:
		value, sessionID = snap.TopSession.Value, snap.TopSession.SessionID
	case KindHourlyBurnRate:
		value = snap.LastHourCostUSD
	case KindHourlyRequestVolume:
		value = float64(snap.LastHourRequests)
	case KindHourlyTokenVolume:
		value = float64(snap.LastHourTokens)
	case KindSessionDuration:
		value, sessionID = snap.LongestSession.Value, snap.LongestSession.SessionID
	}

	st := Status{Kind: k, State: StateOK, Value: value, Threshold: threshold, SessionID: sessionID}
	if value <= threshold {
		return st
	}

	st.State = StateTriggered
	st.Severity = SeverityCritical
	if threshold > 0 {
		st.Ratio = value / threshold
		if st.Ratio < criticalRatio(k) {
			st.Severity = SeverityWarning
		}
	}
	st.Message = message(st)
	return st
}

func criticalRatio(k Kind) float64 {
	if k == KindDailyBudget {
		return 1.5
	}
	return 2
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12] + "..."
	}
	return id
}

func message(s Status) string {
	switch s.Kind {
	case KindDailyBudget:
		return fmt.Sprintf("Daily spend $%.2f exceeds $%.2f budget (%.1fx)", s.Value, s.Threshold, s.Ratio)
	case KindSessionSpike:
		return fmt.Sprintf("Session %s cost $%.2f in last hour (threshold $%.2f)", shortID(s.SessionID), s.Value, s.Threshold)
	case KindHourlyBurnRate:
		return fmt.Sprintf("Last hour spend $%.2f exceeds $%.2f/hr limit (%.1fx)", s.Value, s.Threshold, s.Ratio)
	case KindHourlyRequestVolume:
		return fmt.Sprintf("Last hour: %.0f requests exceeds %.0f limit (%.1fx)", s.Value, s.Threshold, s.Ratio)
	case KindHourlyTokenVolume:
		return fmt.Sprintf("Last hour: %.0f tokens exceeds %.0f limit (%.1fx)", s.Value, s.Threshold, s.Ratio)
	case KindSessionDuration:
		return fmt.Sprintf("Session %s running %.0fmin exceeds %.0fmin limit (%.1fx)", shortID(s.SessionID), s.Value, s.Threshold, s.Ratio)
	}
	return ""
}
