// Package aggregate computes summaries, series and breakdowns over a set of
// usage events. Every function is a pure computation over its input; nothing
// is cached between calls.
package aggregate

import "time"

const dateLayout = "2006-01-02"

// Scope fixes the calendar an aggregation uses: local time for the local
// engine, UTC for the hosted registry.
type Scope struct {
	Location *time.Location
	Now      time.Time
}

func LocalScope(now time.Time) Scope {
	return Scope{Location: time.Local, Now: now}
}

func UTCScope(now time.Time) Scope {
	return Scope{Location: time.UTC, Now: now}
}

func (s Scope) loc() *time.Location {
	if s.Location == nil {
		return time.UTC
	}
	return s.Location
}

// DayStart returns midnight of t's calendar day in the scope's location.
func (s Scope) DayStart(t time.Time) time.Time {
	t = t.In(s.loc())
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, s.loc())
}

// Today returns [midnight, next midnight) for the scope's current day.
func (s Scope) Today() (time.Time, time.Time) {
	start := s.DayStart(s.Now)
	return start, start.AddDate(0, 0, 1)
}

// Window returns the range covering the last n calendar days, today included.
func (s Scope) Window(days int) (time.Time, time.Time) {
	if days < 1 {
		days = 1
	}
	start, end := s.Today()
	return start.AddDate(0, 0, -(days - 1)), end
}

func (s Scope) DateKey(t time.Time) string {
	return t.In(s.loc()).Format(dateLayout)
}
