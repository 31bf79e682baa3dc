// Package agents owns agent records: registration, the label index, the
// global available set, and the agent state machine.
//
// Every write of an agent record goes through Commit, which keeps the
// available set in step with the record's state: an agent is in the
// available set exactly when its state is StateAvailable.
package agents

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/baiirun/ahq/internal/store"
)

// AnyLabel is implicitly advertised by every agent. It is stripped from
// requirements before matching and never used as an index key.
const AnyLabel = "any"

const (
	keyAgent     = "agent:info:%s"
	keyLabel     = "ahq:label:%s"
	keyToken     = "ahq:token:%s"
	KeyAll       = "agents:all"
	KeyAvailable = "agents:avail"
)

var (
	ErrNotFound     = errors.New("agent not found")
	ErrInvalidToken = errors.New("unknown agent token")
)

// Key returns the record key for an agent.
func Key(id string) string { return fmt.Sprintf(keyAgent, id) }

// LabelKey returns the index key for a label.
func LabelKey(label string) string { return fmt.Sprintf(keyLabel, label) }

func tokenKey(token string) string { return fmt.Sprintf(keyToken, token) }

// Agent is one build agent as stored in its hash record.
type Agent struct {
	ID         string    `json:"id"`
	Nick       string    `json:"nick"`
	Host       string    `json:"host"`
	Port       int       `json:"port"`
	State      State     `json:"state"`
	Labels     []string  `json:"labels"`
	Seen       time.Time `json:"seen"`
	Session    string    `json:"session_id,omitempty"`
	Allocated  time.Time `json:"allocated,omitempty"`
	Registered time.Time `json:"registered"`
}

// Address returns host:port for the agent's dispatch endpoint.
func (a Agent) Address() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// HasLabels reports whether the agent advertises every required label.
func (a Agent) HasLabels(required []string) bool {
	for _, l := range NormalizeLabels(required) {
		if !slices.Contains(a.Labels, l) {
			return false
		}
	}
	return true
}

// Fresh reports whether the agent checked in within ttl of now.
func (a Agent) Fresh(now time.Time, ttl time.Duration) bool {
	return !now.After(a.Seen.Add(ttl))
}

// AllocationExpired reports whether a pending allocation is older than ttl.
func (a Agent) AllocationExpired(now time.Time, ttl time.Duration) bool {
	return now.After(a.Allocated.Add(ttl))
}

// NormalizeLabels trims, drops empties and AnyLabel, dedupes and sorts.
func NormalizeLabels(labels []string) []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		l = strings.TrimSpace(l)
		if l == "" || l == AnyLabel || slices.Contains(out, l) {
			continue
		}
		out = append(out, l)
	}
	slices.Sort(out)
	return out
}

// fields is the canonical hash encoding of an agent record.
func (a Agent) fields() map[string]string {
	return map[string]string{
		"id":         a.ID,
		"nick":       a.Nick,
		"ip":         a.Host,
		"port":       strconv.Itoa(a.Port),
		"state":      string(a.State),
		"labels":     strings.Join(a.Labels, ","),
		"seen":       unix(a.Seen),
		"session":    a.Session,
		"allocated":  unix(a.Allocated),
		"registered": unix(a.Registered),
	}
}

func decode(id string, h map[string]string) (Agent, error) {
	port, err := strconv.Atoi(h["port"])
	if err != nil {
		return Agent{}, fmt.Errorf("agent %s: bad port %q: %w", id, h["port"], err)
	}
	a := Agent{
		ID:         id,
		Nick:       h["nick"],
		Host:       h["ip"],
		Port:       port,
		State:      State(h["state"]),
		Seen:       parseUnix(h["seen"]),
		Session:    h["session"],
		Allocated:  parseUnix(h["allocated"]),
		Registered: parseUnix(h["registered"]),
	}
	if h["labels"] != "" {
		a.Labels = strings.Split(h["labels"], ",")
	}
	if !a.State.Valid() {
		return Agent{}, fmt.Errorf("agent %s: unknown state %q", id, h["state"])
	}
	return a, nil
}

func unix(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.Unix(), 10)
}

func parseUnix(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.Unix(n, 0)
}

// Load reads an agent through r, which may be an open transaction.
func Load(ctx context.Context, r store.Reader, id string) (Agent, error) {
	h, err := r.HGetAll(ctx, Key(id))
	if errors.Is(err, store.ErrNotFound) {
		return Agent{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Agent{}, fmt.Errorf("reading agent %s: %w", id, err)
	}
	return decode(id, h)
}

// Commit queues a full write of a and syncs the available set with its state.
func Commit(p store.Pipe, a Agent) {
	p.HSet(Key(a.ID), a.fields())
	if a.State == StateAvailable {
		p.SAdd(KeyAvailable, a.ID)
	} else {
		p.SRem(KeyAvailable, a.ID)
	}
}
