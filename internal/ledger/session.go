// Package ledger holds build and session records and the session state
// contract the allocator mutates alongside agent records.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// State is a session's progress. States only move forward; the one
// permitted regression is Requeue.
type State string

const (
	StateNew     State = "new"
	StateQueued  State = "queued"
	StateToAgent State = "to-agent"
	StateRunning State = "running"
	StateDone    State = "done"
)

var rank = map[State]int{
	StateNew:     0,
	StateQueued:  1,
	StateToAgent: 2,
	StateRunning: 3,
	StateDone:    4,
}

func (s State) Valid() bool {
	_, ok := rank[s]
	return ok
}

// Result is a finished session's outcome.
type Result string

const (
	ResultUnknown Result = "unknown"
	ResultSuccess Result = "success"
	ResultFailed  Result = "failed"
	ResultAborted Result = "aborted"
)

func (r Result) Valid() bool {
	switch r {
	case ResultUnknown, ResultSuccess, ResultFailed, ResultAborted:
		return true
	}
	return false
}

var (
	ErrNotFound   = errors.New("session not found")
	ErrRegression = errors.New("session state cannot move backwards")
)

// Session is one run of a job within a build.
type Session struct {
	ID      string          `json:"id"`
	BuildID string          `json:"build_id"`
	Job     string          `json:"job,omitempty"`
	State   State           `json:"state"`
	Result  Result          `json:"result"`
	Labels  []string        `json:"labels"`
	Agent   string          `json:"agent,omitempty"`
	RunInfo json.RawMessage `json:"run_info,omitempty"`
	Output  string          `json:"output,omitempty"`
	Created time.Time       `json:"created"`
	Started time.Time       `json:"started,omitempty"`
	Ended   time.Time       `json:"ended,omitempty"`
}

// Advance moves s forward to to. Moving to the current state is a no-op.
func Advance(s Session, to State, now time.Time) (Session, error) {
	if !to.Valid() {
		return s, fmt.Errorf("session %s: unknown state %q", s.ID, to)
	}
	if to == s.State {
		return s, nil
	}
	if rank[to] < rank[s.State] {
		return s, fmt.Errorf("%w: %s %s -> %s", ErrRegression, s.ID, s.State, to)
	}
	s.State = to
	switch to {
	case StateRunning:
		s.Started = now
	case StateDone:
		if s.Started.IsZero() {
			s.Started = now
		}
		s.Ended = now
	}
	return s, nil
}

// Bind moves s to to-agent on agent.
func Bind(s Session, agent string, now time.Time) (Session, error) {
	next, err := Advance(s, StateToAgent, now)
	if err != nil {
		return s, err
	}
	next.Agent = agent
	return next, nil
}

// Finish moves s to done with result and output.
func Finish(s Session, result Result, output string, now time.Time) (Session, error) {
	if s.State == StateDone {
		return s, nil
	}
	if !result.Valid() {
		result = ResultUnknown
	}
	next, err := Advance(s, StateDone, now)
	if err != nil {
		return s, err
	}
	next.Result = result
	next.Output = output
	return next, nil
}

// Requeue returns a to-agent session whose agent abandoned it to queued.
func Requeue(s Session) (Session, error) {
	if s.State != StateToAgent {
		return s, fmt.Errorf("%w: %s cannot requeue from %s", ErrRegression, s.ID, s.State)
	}
	s.State = StateQueued
	s.Agent = ""
	return s, nil
}

func (s Session) fields() map[string]string {
	return map[string]string{
		"id":       s.ID,
		"build":    s.BuildID,
		"job":      s.Job,
		"state":    string(s.State),
		"result":   string(s.Result),
		"labels":   strings.Join(s.Labels, ","),
		"agent":    s.Agent,
		"run_info": string(s.RunInfo),
		"output":   s.Output,
		"created":  millis(s.Created),
		"started":  millis(s.Started),
		"ended":    millis(s.Ended),
	}
}

func decode(id string, h map[string]string) (Session, error) {
	s := Session{
		ID:      id,
		BuildID: h["build"],
		Job:     h["job"],
		State:   State(h["state"]),
		Result:  Result(h["result"]),
		Agent:   h["agent"],
		Output:  h["output"],
		Created: parseMillis(h["created"]),
		Started: parseMillis(h["started"]),
		Ended:   parseMillis(h["ended"]),
	}
	if h["labels"] != "" {
		s.Labels = strings.Split(h["labels"], ",")
	}
	if h["run_info"] != "" {
		s.RunInfo = json.RawMessage(h["run_info"])
	}
	if !s.State.Valid() {
		return Session{}, fmt.Errorf("session %s: unknown state %q", id, h["state"])
	}
	return s, nil
}

func millis(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMillis(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.UnixMilli(n)
}
