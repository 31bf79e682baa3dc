package agents

import (
	"fmt"
	"time"
)

// State is an agent's lifecycle state.
type State string

const (
	StateInactive  State = "inactive"
	StateAvailable State = "available"
	StatePending   State = "pending"
	StateBusy      State = "busy"
)

// States lists every state in lifecycle order.
var States = []State{StateInactive, StateAvailable, StatePending, StateBusy}

func (s State) Valid() bool {
	switch s {
	case StateInactive, StateAvailable, StatePending, StateBusy:
		return true
	}
	return false
}

// Event drives a transition.
type Event string

const (
	EventAvailable Event = "available" // agent checked in as available
	EventBusy      Event = "busy"      // agent checked in as busy
	EventAllocate  Event = "allocate"  // an allocator selected the agent
)

// Events lists every event the machine accepts.
var Events = []Event{EventAvailable, EventBusy, EventAllocate}

// Guard names the condition a transition requires.
type Guard string

const (
	GuardNone              Guard = ""
	GuardSessionMatch      Guard = "session_match"
	GuardAllocationExpired Guard = "allocation_expired"
	GuardFresh             Guard = "fresh"
	GuardStale             Guard = "stale"
)

// Transition is one row of the transition table.
type Transition struct {
	From  State
	Event Event
	Guard Guard
	To    State
}

// Transitions is the complete table. Rows are tried in order and the first
// whose guard holds wins; anything not listed is invalid.
var Transitions = []Transition{
	{StateInactive, EventAvailable, GuardNone, StateAvailable},
	{StateAvailable, EventAvailable, GuardNone, StateAvailable},
	{StateAvailable, EventAllocate, GuardFresh, StatePending},
	{StateAvailable, EventAllocate, GuardStale, StateInactive},
	{StatePending, EventBusy, GuardSessionMatch, StateBusy},
	{StatePending, EventAvailable, GuardAllocationExpired, StateAvailable},
	{StatePending, EventAllocate, GuardStale, StateInactive},
	{StateBusy, EventAvailable, GuardSessionMatch, StateAvailable},
	{StateBusy, EventBusy, GuardNone, StateBusy},
	{StateBusy, EventAllocate, GuardStale, StateInactive},
}

// Input is what happened and when.
type Input struct {
	Event     Event
	SessionID string
	Now       time.Time
}

// TransitionError reports an event that no row of the table accepts.
type TransitionError struct {
	AgentID   string
	From      State
	Event     Event
	SessionID string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("agent %s: invalid transition: %s on %s", e.AgentID, e.Event, e.From)
	if e.SessionID != "" {
		msg += " (session " + e.SessionID + ")"
	}
	return msg
}

// Machine evaluates the transition table. The TTLs parameterize the
// time-based guards.
type Machine struct {
	AllocationTTL time.Duration
	SeenTTL       time.Duration
}

// Next returns the row that applies to a, or a *TransitionError. It does not
// mutate a; callers apply the row with Apply inside their transaction.
func (m Machine) Next(a Agent, in Input) (Transition, error) {
	for _, t := range Transitions {
		if t.From != a.State || t.Event != in.Event {
			continue
		}
		if m.holds(t.Guard, a, in) {
			return t, nil
		}
	}
	return Transition{}, &TransitionError{AgentID: a.ID, From: a.State, Event: in.Event, SessionID: in.SessionID}
}

func (m Machine) holds(g Guard, a Agent, in Input) bool {
	switch g {
	case GuardNone:
		return true
	case GuardSessionMatch:
		return in.SessionID != "" && in.SessionID == a.Session
	case GuardAllocationExpired:
		return a.AllocationExpired(in.Now, m.AllocationTTL)
	case GuardFresh:
		return a.Fresh(in.Now, m.SeenTTL)
	case GuardStale:
		return !a.Fresh(in.Now, m.SeenTTL)
	}
	return false
}

// Apply returns a moved along t. Check-ins refresh last-seen; leaving a
// bound state clears the session binding. Binding a new session on
// allocation is the allocator's job.
func Apply(a Agent, t Transition, now time.Time) Agent {
	a.State = t.To
	if t.Event != EventAllocate {
		a.Seen = now
	}
	switch t.To {
	case StateAvailable, StateInactive:
		a.Session = ""
		a.Allocated = time.Time{}
	}
	return a
}

// Bind marks a pending with session bound at now.
func Bind(a Agent, session string, now time.Time) Agent {
	a.State = StatePending
	a.Session = session
	a.Allocated = now
	return a
}
