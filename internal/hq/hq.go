// Package hq is the agent headquarters: it matches sessions to agents.
//
// Every operation that touches more than one record runs as an optimistic
// transaction wrapped in the configured retry policy. Allocation watches the
// available set; check-ins watch the agent's record and, because they may
// drain it, the pending queue. Both watch the record of any session they
// bind, so a queued session is matched at most once.
package hq

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/baiirun/ahq/internal/agents"
	"github.com/baiirun/ahq/internal/dispatch"
	"github.com/baiirun/ahq/internal/ledger"
	"github.com/baiirun/ahq/internal/queue"
	"github.com/baiirun/ahq/internal/store"
)

const (
	DefaultAllocationTTL = 60 * time.Second
	DefaultSeenTTL       = 120 * time.Second
)

var (
	// ErrInvalid wraps malformed requests.
	ErrInvalid = errors.New("invalid request")

	// ErrSessionState is returned when allocating a session that is
	// already bound, running or done.
	ErrSessionState = errors.New("session is not allocatable")
)

// Config parameterizes an HQ.
type Config struct {
	AllocationTTL time.Duration
	SeenTTL       time.Duration
	QueueTTL      time.Duration
	Retry         store.RetryPolicy

	// JobServer is advertised to agents in dispatch payloads.
	JobServer string

	Dispatcher dispatch.Dispatcher
	Observer   Observer
	Now        func() time.Time
	Logger     *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.AllocationTTL == 0 {
		c.AllocationTTL = DefaultAllocationTTL
	}
	if c.SeenTTL == 0 {
		c.SeenTTL = DefaultSeenTTL
	}
	if c.QueueTTL == 0 {
		c.QueueTTL = queue.DefaultTTL
	}
	c.Retry.ApplyDefaults()
	if c.Dispatcher == nil {
		c.Dispatcher = dispatch.NewHTTPClient(dispatch.DefaultTimeout)
	}
	if c.Observer == nil {
		c.Observer = nopObserver{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Activity is one thing that happened to an agent.
type Activity struct {
	Time      time.Time    `json:"ts"`
	AgentID   string       `json:"agent_id"`
	Kind      string       `json:"kind"`
	From      agents.State `json:"from,omitempty"`
	To        agents.State `json:"to,omitempty"`
	SessionID string       `json:"session_id,omitempty"`
	Detail    string       `json:"detail,omitempty"`
}

// Activity kinds.
const (
	ActivityRegistered     = "registered"
	ActivityCheckIn        = "checkin"
	ActivityInvalid        = "invalid_transition"
	ActivityAllocated      = "allocated"
	ActivityDrained        = "drained"
	ActivityDemoted        = "demoted"
	ActivityRequeued       = "requeued"
	ActivityAborted        = "aborted"
	ActivityDispatched     = "dispatched"
	ActivityDispatchFailed = "dispatch_failed"
)

// Observer receives activity after the transaction that caused it commits.
type Observer interface {
	Observe(Activity)
}

type nopObserver struct{}

func (nopObserver) Observe(Activity) {}

// HQ ties the registry, ledger and queue together.
type HQ struct {
	store   store.Store
	cfg     Config
	machine agents.Machine
	reg     *agents.Registry
	ledger  *ledger.Ledger
	log     *slog.Logger
}

// New creates an HQ over s.
func New(s store.Store, cfg Config) *HQ {
	cfg.applyDefaults()
	return &HQ{
		store:   s,
		cfg:     cfg,
		machine: agents.Machine{AllocationTTL: cfg.AllocationTTL, SeenTTL: cfg.SeenTTL},
		reg:     agents.NewRegistry(s, cfg.Retry, cfg.Now, cfg.Logger),
		ledger:  ledger.New(s, cfg.Retry, cfg.Now, cfg.Logger),
		log:     cfg.Logger,
	}
}

// Ledger exposes the session store.
func (h *HQ) Ledger() *ledger.Ledger { return h.ledger }

// Register announces an agent. It starts inactive until its first
// available check-in. An agent registering again has restarted and lost
// its work, so the session it was bound to is released in the same commit.
func (h *HQ) Register(ctx context.Context, reg agents.Registration) (agents.Agent, string, error) {
	var b *batch
	release := func(ctx context.Context, tx store.Tx, prev agents.Agent, now time.Time) (func(store.Pipe), error) {
		b = &batch{}
		if err := h.release(ctx, tx, prev, now, b); err != nil {
			return nil, err
		}
		if len(b.ops) == 0 {
			return nil, nil
		}
		return b.stage()
	}

	a, token, err := h.reg.Register(ctx, reg, release)
	if err != nil {
		return agents.Agent{}, "", err
	}
	if b != nil {
		h.publish(b)
	}
	h.cfg.Observer.Observe(Activity{Time: h.cfg.Now(), AgentID: a.ID, Kind: ActivityRegistered, To: a.State})
	return a, token, nil
}

// Ping refreshes an agent's last-seen time.
func (h *HQ) Ping(ctx context.Context, token string) (string, error) {
	id, err := h.reg.Resolve(ctx, token)
	if err != nil {
		return "", err
	}
	return id, h.reg.Touch(ctx, id)
}

// Agents lists every registered agent.
func (h *HQ) Agents(ctx context.Context) ([]agents.Agent, error) {
	return h.reg.List(ctx)
}

// Agent returns one agent.
func (h *HQ) Agent(ctx context.Context, id string) (agents.Agent, error) {
	return h.reg.Get(ctx, id)
}

// Queue lists waiting sessions oldest first.
func (h *HQ) Queue(ctx context.Context) ([]queue.Entry, error) {
	return queue.List(ctx, h.store)
}

// Session returns one session.
func (h *HQ) Session(ctx context.Context, id string) (ledger.Session, error) {
	return h.ledger.Get(ctx, id)
}

// SessionLog returns a session's history.
func (h *HQ) SessionLog(ctx context.Context, id string) ([]ledger.LogEntry, error) {
	return h.ledger.Log(ctx, id)
}

// WaitResult blocks until the session is done or ctx ends.
func (h *HQ) WaitResult(ctx context.Context, id string) (ledger.Session, error) {
	return h.ledger.Wait(ctx, id)
}

// Health checks the store.
func (h *HQ) Health(ctx context.Context) error {
	return h.store.Ping(ctx)
}

// batch collects the writes of one transaction attempt.
type batch struct {
	ops      []func(store.Pipe) error
	activity []Activity
}

func (b *batch) add(op func(store.Pipe) error) {
	b.ops = append(b.ops, op)
}

func (b *batch) write(op func(store.Pipe)) {
	b.ops = append(b.ops, func(p store.Pipe) error { op(p); return nil })
}

func (b *batch) note(a Activity) {
	b.activity = append(b.activity, a)
}

// stage returns a function queueing the batch's writes. Ops are first run
// against a discarding pipe so an encoding failure aborts before anything
// is queued.
func (b *batch) stage() (func(store.Pipe), error) {
	for _, op := range b.ops {
		if err := op(discard{}); err != nil {
			return nil, err
		}
	}
	return func(p store.Pipe) {
		for _, op := range b.ops {
			_ = op(p)
		}
	}, nil
}

// exec commits the batch.
func (b *batch) exec(ctx context.Context, tx store.Tx) error {
	write, err := b.stage()
	if err != nil {
		return err
	}
	return tx.Exec(ctx, write)
}

func (h *HQ) publish(b *batch) {
	for _, a := range b.activity {
		h.cfg.Observer.Observe(a)
	}
}

type discard struct{}

func (discard) Set(string, string, time.Duration) {}
func (discard) HSet(string, map[string]string)    {}
func (discard) SAdd(string, ...string)            {}
func (discard) SRem(string, ...string)            {}
func (discard) ZAdd(string, float64, string)      {}
func (discard) ZRem(string, ...string)            {}
func (discard) Del(...string)                     {}
func (discard) Expire(string, time.Duration)      {}
func (discard) RPush(string, ...string)           {}
func (discard) LTrim(string, int64, int64)        {}
func (discard) Publish(string, string)            {}
