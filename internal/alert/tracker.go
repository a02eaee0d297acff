package alert

import (
	"sync"
	"time"
)

// Transition is a change of state between two evaluations.
type Transition struct {
	Kind   Kind      `json:"kind"`
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Status Status    `json:"status"`
}

type tracked struct {
	state State
	since time.Time
}

// Tracker remembers the last state per kind in memory only.
type Tracker struct {
	mu   sync.Mutex
	last map[Kind]tracked
}

func NewTracker() *Tracker {
	return &Tracker{last: make(map[Kind]tracked)}
}

// Observe records statuses evaluated at `at`, stamps each with the time of
// its last transition and returns the transitions. A kind seen for the
// first time is assumed to have been ok.
func (t *Tracker) Observe(at time.Time, statuses []Status) ([]Status, []Transition) {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Status, len(statuses))
	var transitions []Transition
	for i, st := range statuses {
		prev, seen := t.last[st.Kind]
		if !seen {
			prev = tracked{state: StateOK, since: at}
		}
		if prev.state != st.State {
			transitions = append(transitions, Transition{Kind: st.Kind, From: prev.state, To: st.State, At: at, Status: st})
			prev = tracked{state: st.State, since: at}
		}
		t.last[st.Kind] = prev
		st.Since = prev.since
		out[i] = st
	}
	return out, transitions
}

// Restore seeds the last known state of a kind, typically from storage,
// before the next Observe.
func (t *Tracker) Restore(k Kind, s State, since time.Time) {
	t.mu.Lock()
	t.last[k] = tracked{state: s, since: since}
	t.mu.Unlock()
}
