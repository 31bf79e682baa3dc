package hq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/baiirun/ahq/internal/agents"
	"github.com/baiirun/ahq/internal/ledger"
	"github.com/baiirun/ahq/internal/queue"
	"github.com/baiirun/ahq/internal/store"
)

// CheckIn is an agent reporting its status.
type CheckIn struct {
	Token     string
	Status    agents.Event // EventAvailable or EventBusy
	SessionID string
	Result    ledger.Result
	Output    string
}

// CheckInResult is the agent's state after the check-in. Dispatch is set
// when the agent was matched against a queued session and should start it.
type CheckInResult struct {
	AgentID   string          `json:"agent_id"`
	State     agents.State    `json:"state"`
	SessionID string          `json:"session_id,omitempty"`
	Dispatch  json.RawMessage `json:"dispatch,omitempty"`
}

// CheckIn records a session report and advances the agent's state machine
// in one transaction. An agent becoming available first tries to take the
// oldest queued session it can serve. Invalid transitions are logged and
// absorbed: last-seen is refreshed and the state is returned unchanged.
func (h *HQ) CheckIn(ctx context.Context, in CheckIn) (CheckInResult, error) {
	if in.Status != agents.EventAvailable && in.Status != agents.EventBusy {
		return CheckInResult{}, fmt.Errorf("%w: unknown status %q", ErrInvalid, in.Status)
	}
	if in.Result != "" && !in.Result.Valid() {
		return CheckInResult{}, fmt.Errorf("%w: unknown result %q", ErrInvalid, in.Result)
	}
	id, err := h.reg.Resolve(ctx, in.Token)
	if err != nil {
		return CheckInResult{}, err
	}

	var (
		out CheckInResult
		b   *batch
	)
	err = h.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		b = &batch{}
		var err error
		out, err = h.checkInOnce(ctx, id, in, b)
		return err
	})
	if err != nil {
		return CheckInResult{}, fmt.Errorf("check-in from %s: %w", id, err)
	}
	h.publish(b)

	h.log.Debug("agent checked in", "agent_id", id, "status", in.Status, "state", out.State, "session_id", out.SessionID)
	return out, nil
}

func (h *HQ) checkInOnce(ctx context.Context, id string, in CheckIn, b *batch) (CheckInResult, error) {
	var out CheckInResult
	keys := []string{agents.Key(id), queue.Key}
	if in.SessionID != "" {
		keys = append(keys, ledger.Key(in.SessionID))
	}

	err := h.store.Transact(ctx, func(tx store.Tx) error {
		a, err := agents.Load(ctx, tx, id)
		if err != nil {
			return err
		}
		now := h.cfg.Now()

		if err := h.report(ctx, tx, a, in, now, b); err != nil {
			return err
		}

		t, err := h.machine.Next(a, agents.Input{Event: in.Status, SessionID: in.SessionID, Now: now})
		var te *agents.TransitionError
		if errors.As(err, &te) {
			h.log.Warn("invalid transition", "agent_id", id, "state", a.State, "event", in.Status,
				"session_id", in.SessionID, "bound_session", a.Session)
			touched := a
			touched.Seen = now
			b.write(func(p store.Pipe) { agents.Commit(p, touched) })
			b.note(Activity{Time: now, AgentID: id, Kind: ActivityInvalid, From: a.State, To: a.State, SessionID: in.SessionID, Detail: string(in.Status)})
			out = CheckInResult{AgentID: id, State: a.State, SessionID: a.Session}
			return b.exec(ctx, tx)
		}
		if err != nil {
			return err
		}

		next := agents.Apply(a, t, now)
		b.note(Activity{Time: now, AgentID: id, Kind: ActivityCheckIn, From: a.State, To: next.State, SessionID: in.SessionID, Detail: string(in.Status)})

		if t.Guard == agents.GuardAllocationExpired {
			if err := h.reclaim(ctx, tx, a, in, now, b); err != nil {
				return err
			}
		}

		out = CheckInResult{AgentID: id}
		if next.State == agents.StateAvailable {
			entry, err := h.drainMatch(ctx, tx, next, now, b)
			if err != nil {
				return err
			}
			if entry != nil {
				next = agents.Bind(next, entry.SessionID, now)
				out.Dispatch = entry.Payload
				b.note(Activity{Time: now, AgentID: id, Kind: ActivityDrained, From: agents.StateAvailable, To: next.State, SessionID: entry.SessionID})
			}
		}

		b.write(func(p store.Pipe) { agents.Commit(p, next) })
		out.State = next.State
		out.SessionID = next.Session
		return b.exec(ctx, tx)
	}, keys...)
	return out, err
}

// report stages the ledger side of a check-in: a finished session on
// available, a running session on busy. Reports about sessions bound to
// another agent, or that would move a session backwards, are ignored.
func (h *HQ) report(ctx context.Context, tx store.Tx, a agents.Agent, in CheckIn, now time.Time, b *batch) error {
	if in.SessionID == "" || (in.Status == agents.EventAvailable && in.Result == "") {
		return nil
	}
	sess, err := ledger.Load(ctx, tx, in.SessionID)
	if errors.Is(err, ledger.ErrNotFound) {
		h.log.Warn("check-in reports unknown session", "agent_id", a.ID, "session_id", in.SessionID)
		return nil
	}
	if err != nil {
		return err
	}
	if sess.Agent != a.ID {
		h.log.Warn("check-in reports session bound elsewhere", "agent_id", a.ID, "session_id", sess.ID, "session_agent", sess.Agent)
		return nil
	}

	var (
		next  ledger.Session
		entry ledger.LogEntry
	)
	switch in.Status {
	case agents.EventAvailable:
		next, err = ledger.Finish(sess, in.Result, in.Output, now)
		entry = ledger.LogEntry{Time: now, Kind: ledger.KindDone, Message: string(in.Result), AgentID: a.ID}
	case agents.EventBusy:
		if sess.State == ledger.StateDone {
			return nil
		}
		next, err = ledger.Advance(sess, ledger.StateRunning, now)
		entry = ledger.LogEntry{Time: now, Kind: ledger.KindRunning, AgentID: a.ID}
	}
	if errors.Is(err, ledger.ErrRegression) {
		h.log.Warn("ignoring session regression", "agent_id", a.ID, "session_id", sess.ID, "error", err)
		return nil
	}
	if err != nil {
		return err
	}
	if next.State == sess.State {
		return nil
	}
	b.add(func(p store.Pipe) error { return ledger.Stage(p, next, entry) })
	return nil
}

// reclaim requeues the session an agent abandoned when its allocation
// expired, so the work is not lost. The session keeps its labels and
// payload and goes to the back of the queue.
func (h *HQ) reclaim(ctx context.Context, tx store.Tx, a agents.Agent, in CheckIn, now time.Time, b *batch) error {
	if a.Session == "" || (a.Session == in.SessionID && in.Result != "") {
		return nil
	}
	if err := tx.Watch(ctx, ledger.Key(a.Session)); err != nil {
		return err
	}
	sess, err := ledger.Load(ctx, tx, a.Session)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if sess.State != ledger.StateToAgent || sess.Agent != a.ID {
		return nil
	}

	if err := h.requeue(sess, a, agents.StateAvailable, "allocation expired", now, b); err != nil {
		return err
	}
	h.log.Info("requeued abandoned session", "agent_id", a.ID, "session_id", sess.ID, "allocated", a.Allocated)
	return nil
}

// release settles the session a re-registering agent was bound to. A
// session still waiting for the agent is requeued; one it was running is
// finished as aborted so waiters are released.
func (h *HQ) release(ctx context.Context, tx store.Tx, prev agents.Agent, now time.Time, b *batch) error {
	if prev.Session == "" {
		return nil
	}
	if err := tx.Watch(ctx, ledger.Key(prev.Session)); err != nil {
		return err
	}
	sess, err := ledger.Load(ctx, tx, prev.Session)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if sess.Agent != prev.ID {
		return nil
	}

	switch sess.State {
	case ledger.StateToAgent:
		if err := h.requeue(sess, prev, agents.StateInactive, "agent re-registered", now, b); err != nil {
			return err
		}
		h.log.Info("requeued session of re-registered agent", "agent_id", prev.ID, "session_id", sess.ID)
	case ledger.StateRunning:
		next, err := ledger.Finish(sess, ledger.ResultAborted, "agent re-registered", now)
		if err != nil {
			return err
		}
		b.add(func(p store.Pipe) error {
			return ledger.Stage(p, next, ledger.LogEntry{Time: now, Kind: ledger.KindDone, Message: "agent re-registered", AgentID: prev.ID})
		})
		b.note(Activity{Time: now, AgentID: prev.ID, Kind: ActivityAborted, From: prev.State, To: agents.StateInactive, SessionID: sess.ID})
		h.log.Warn("aborted session of re-registered agent", "agent_id", prev.ID, "session_id", sess.ID)
	}
	return nil
}

// requeue puts a to-agent session back on the queue with its labels and
// payload, behind everything already waiting.
func (h *HQ) requeue(sess ledger.Session, a agents.Agent, to agents.State, reason string, now time.Time, b *batch) error {
	next, err := ledger.Requeue(sess)
	if err != nil {
		return err
	}
	entry := queue.Entry{SessionID: sess.ID, Labels: sess.Labels, Enqueued: now, Payload: sess.RunInfo}
	b.add(func(p store.Pipe) error { return queue.Push(p, entry, h.cfg.QueueTTL) })
	b.add(func(p store.Pipe) error {
		return ledger.Stage(p, next, ledger.LogEntry{Time: now, Kind: ledger.KindRequeued, Message: reason, AgentID: a.ID})
	})
	b.note(Activity{Time: now, AgentID: a.ID, Kind: ActivityRequeued, From: a.State, To: to, SessionID: sess.ID})
	return nil
}

// drainMatch scans the queue oldest first for a session a can serve. The
// match and any expired entries scanned before it are removed; with no
// match every expired entry found is removed. The caller binds a to the
// returned entry instead of making it available.
func (h *HQ) drainMatch(ctx context.Context, tx store.Tx, a agents.Agent, now time.Time, b *batch) (*queue.Entry, error) {
	var matched ledger.Session
	scan, err := queue.Drain(ctx, tx, func(e queue.Entry) (queue.Verdict, error) {
		if !a.HasLabels(e.Labels) {
			return queue.Skip, nil
		}
		if err := tx.Watch(ctx, ledger.Key(e.SessionID)); err != nil {
			return queue.Skip, err
		}
		sess, err := ledger.Load(ctx, tx, e.SessionID)
		if errors.Is(err, ledger.ErrNotFound) {
			return queue.Expired, nil
		}
		if err != nil {
			return queue.Skip, err
		}
		if sess.State != ledger.StateQueued {
			return queue.Expired, nil
		}
		matched = sess
		return queue.Take, nil
	})
	if err != nil {
		return nil, err
	}

	if err := h.expire(ctx, tx, scan.Expired, now, b); err != nil {
		return nil, err
	}
	if scan.Match == nil {
		return nil, nil
	}

	next, err := ledger.Bind(matched, a.ID, now)
	if err != nil {
		return nil, err
	}
	sid := scan.Match.SessionID
	b.write(func(p store.Pipe) { queue.Remove(p, sid) })
	b.add(func(p store.Pipe) error {
		return ledger.Stage(p, next, ledger.LogEntry{Time: now, Kind: ledger.KindDispatched, Message: "matched from queue", AgentID: a.ID})
	})
	h.log.Info("drained queued session", "agent_id", a.ID, "session_id", sid, "waited", now.Sub(scan.Match.Enqueued))
	return scan.Match, nil
}

// expire removes dead queue entries. A session that is still queued when
// its entry dies is finished as aborted so waiters are released.
func (h *HQ) expire(ctx context.Context, tx store.Tx, ids []string, now time.Time, b *batch) error {
	if len(ids) == 0 {
		return nil
	}
	b.write(func(p store.Pipe) { queue.Remove(p, ids...) })
	for _, id := range ids {
		if err := tx.Watch(ctx, ledger.Key(id)); err != nil {
			return err
		}
		sess, err := ledger.Load(ctx, tx, id)
		if errors.Is(err, ledger.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if sess.State != ledger.StateQueued {
			continue
		}
		next, err := ledger.Finish(sess, ledger.ResultAborted, "queue entry expired", now)
		if err != nil {
			return err
		}
		b.add(func(p store.Pipe) error {
			return ledger.Stage(p, next, ledger.LogEntry{Time: now, Kind: ledger.KindDone, Message: "queue entry expired"})
		})
		h.log.Info("queued session expired", "session_id", id)
	}
	return nil
}
