package hq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/baiirun/ahq/internal/agents"
	"github.com/baiirun/ahq/internal/dispatch"
	"github.com/baiirun/ahq/internal/ledger"
	"github.com/baiirun/ahq/internal/queue"
	"github.com/baiirun/ahq/internal/store"
)

const keyScratch = "ahq:alloc:%s"

// Allocation statuses.
const (
	StatusOK     = "ok"
	StatusQueued = "queued"
)

// AllocateRequest asks for an agent advertising every label. With no
// SessionID a bare session is created first.
type AllocateRequest struct {
	SessionID string
	Labels    []string
	Payload   json.RawMessage
}

// Allocation is either a bound agent or a queue entry.
type Allocation struct {
	Status    string        `json:"status"`
	SessionID string        `json:"session_id"`
	EntryID   string        `json:"entry_id,omitempty"`
	Agent     *agents.Agent `json:"agent,omitempty"`
}

// Allocate binds the session to one available agent whose labels cover the
// requirement, or queues it. The agent moves to pending and leaves the
// available set; the session moves to to-agent.
func (h *HQ) Allocate(ctx context.Context, req AllocateRequest) (Allocation, error) {
	if req.SessionID == "" {
		s, err := h.ledger.Create(ctx, ledger.NewSession{Labels: agents.NormalizeLabels(req.Labels), RunInfo: req.Payload})
		if err != nil {
			return Allocation{}, err
		}
		req.SessionID = s.ID
	}

	var (
		out Allocation
		b   *batch
	)
	err := h.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		b = &batch{}
		var err error
		out, err = h.allocateOnce(ctx, req, b)
		return err
	})
	if err != nil {
		return Allocation{}, fmt.Errorf("allocating session %s: %w", req.SessionID, err)
	}
	h.publish(b)

	if out.Agent != nil {
		h.log.Info("session allocated", "session_id", out.SessionID, "agent_id", out.Agent.ID, "address", out.Agent.Address())
	} else {
		h.log.Info("session queued", "session_id", out.SessionID, "labels", req.Labels)
	}
	return out, nil
}

func (h *HQ) allocateOnce(ctx context.Context, req AllocateRequest, b *batch) (out Allocation, err error) {
	scratch := fmt.Sprintf(keyScratch, uuid.NewString())
	defer func() {
		// A committed attempt deleted the scratch key itself.
		if err != nil {
			h.dropScratch(ctx, scratch)
		}
	}()

	sid := req.SessionID
	err = h.store.Transact(ctx, func(tx store.Tx) error {
		sess, err := ledger.Load(ctx, tx, sid)
		if err != nil {
			return err
		}
		if sess.State != ledger.StateNew && sess.State != ledger.StateQueued {
			return fmt.Errorf("%w: %s is %s", ErrSessionState, sid, sess.State)
		}

		labels := agents.NormalizeLabels(req.Labels)
		if len(labels) == 0 {
			labels = agents.NormalizeLabels(sess.Labels)
		}
		payload := req.Payload
		if len(payload) == 0 {
			payload = sess.RunInfo
		}
		if len(payload) == 0 {
			if payload, err = json.Marshal(dispatch.Payload{SessionID: sid, BuildID: sess.BuildID, Job: sess.Job, Labels: labels, JobServer: h.cfg.JobServer}); err != nil {
				return err
			}
		}

		keys := []string{agents.KeyAvailable}
		for _, l := range labels {
			keys = append(keys, agents.LabelKey(l))
		}
		if _, err := tx.SInterStore(ctx, scratch, keys...); err != nil {
			return fmt.Errorf("intersecting available agents: %w", err)
		}
		b.write(func(p store.Pipe) { p.Del(scratch) })

		now := h.cfg.Now()
		chosen, err := h.pick(ctx, tx, scratch, now, b)
		if err != nil {
			return err
		}

		if chosen == nil {
			out = Allocation{Status: StatusQueued, SessionID: sid, EntryID: sid}
			if sess.State == ledger.StateQueued {
				return b.exec(ctx, tx)
			}
			next, err := ledger.Advance(sess, ledger.StateQueued, now)
			if err != nil {
				return err
			}
			next.Labels = labels
			next.RunInfo = payload
			entry := queue.Entry{SessionID: sid, Labels: labels, Enqueued: now, Payload: payload}
			b.add(func(p store.Pipe) error { return queue.Push(p, entry, h.cfg.QueueTTL) })
			b.add(func(p store.Pipe) error {
				return ledger.Stage(p, next, ledger.LogEntry{Time: now, Kind: ledger.KindQueued, Message: strings.Join(labels, ",")})
			})
			return b.exec(ctx, tx)
		}

		bound := agents.Bind(*chosen, sid, now)
		next, err := ledger.Bind(sess, bound.ID, now)
		if err != nil {
			return err
		}
		next.Labels = labels
		next.RunInfo = payload
		b.write(func(p store.Pipe) { agents.Commit(p, bound) })
		b.add(func(p store.Pipe) error {
			return ledger.Stage(p, next, ledger.LogEntry{Time: now, Kind: ledger.KindDispatched, AgentID: bound.ID})
		})
		if sess.State == ledger.StateQueued {
			b.write(func(p store.Pipe) { queue.Remove(p, sid) })
		}
		b.note(Activity{Time: now, AgentID: bound.ID, Kind: ActivityAllocated, From: chosen.State, To: bound.State, SessionID: sid})
		out = Allocation{Status: StatusOK, SessionID: sid, Agent: &bound}
		return b.exec(ctx, tx)
	}, agents.KeyAvailable, ledger.Key(sid))
	return out, err
}

// pick pops candidates from the scratch set until one passes the
// allocation guard. Stale candidates are demoted and candidates whose
// record disagrees with the available set are repaired, both in the same
// commit. Returns nil when the set runs dry.
func (h *HQ) pick(ctx context.Context, tx store.Tx, scratch string, now time.Time, b *batch) (*agents.Agent, error) {
	for {
		id, err := tx.SPop(ctx, scratch)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("popping candidate: %w", err)
		}
		if err := tx.Watch(ctx, agents.Key(id)); err != nil {
			return nil, err
		}

		a, err := agents.Load(ctx, tx, id)
		if errors.Is(err, agents.ErrNotFound) {
			h.log.Warn("available set names unknown agent", "agent_id", id)
			b.write(func(p store.Pipe) { p.SRem(agents.KeyAvailable, id) })
			continue
		}
		if err != nil {
			return nil, err
		}

		t, err := h.machine.Next(a, agents.Input{Event: agents.EventAllocate, Now: now})
		var te *agents.TransitionError
		if errors.As(err, &te) {
			h.log.Warn("available set disagrees with agent record", "agent_id", id, "state", a.State)
			b.write(func(p store.Pipe) { agents.Commit(p, a) })
			continue
		}
		if err != nil {
			return nil, err
		}
		if t.To == agents.StateInactive {
			demoted := agents.Apply(a, t, now)
			h.log.Info("demoting stale agent", "agent_id", id, "seen", a.Seen)
			b.write(func(p store.Pipe) { agents.Commit(p, demoted) })
			b.note(Activity{Time: now, AgentID: id, Kind: ActivityDemoted, From: a.State, To: demoted.State})
			continue
		}
		return &a, nil
	}
}

func (h *HQ) dropScratch(ctx context.Context, key string) {
	err := h.store.Apply(context.WithoutCancel(ctx), func(p store.Pipe) { p.Del(key) })
	if err != nil {
		h.log.Warn("failed to delete allocation scratch key", "key", key, "error", err)
	}
}
