package domain

import (
	"strings"
	"time"
)

// Position totally orders events for the sync cursor: timestamp, then
// session id, then model, with the source format as the final tie-break.
type Position struct {
	Timestamp    time.Time    `json:"timestamp"`
	SessionID    string       `json:"session_id"`
	Model        string       `json:"model"`
	SourceFormat SourceFormat `json:"source_format"`
}

func (p Position) IsZero() bool {
	return p.Timestamp.IsZero() && p.SessionID == "" && p.Model == "" && p.SourceFormat == ""
}

// Compare returns -1, 0 or 1.
func (p Position) Compare(o Position) int {
	a, b := p.Timestamp.UTC(), o.Timestamp.UTC()
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	}
	if c := strings.Compare(p.SessionID, o.SessionID); c != 0 {
		return c
	}
	if c := strings.Compare(p.Model, o.Model); c != 0 {
		return c
	}
	return strings.Compare(string(p.SourceFormat), string(o.SourceFormat))
}

func (p Position) Before(o Position) bool {
	return p.Compare(o) < 0
}
