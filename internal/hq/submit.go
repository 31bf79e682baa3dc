package hq

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/baiirun/ahq/internal/agents"
	"github.com/baiirun/ahq/internal/dispatch"
	"github.com/baiirun/ahq/internal/ledger"
)

// SubmitRequest describes work to run. With no SessionID a session is
// created, in BuildID when given or in a new build otherwise.
type SubmitRequest struct {
	SessionID string
	BuildID   string
	Job       string
	Labels    []string
	Env       map[string]string
	Args      []string
	Kwargs    map[string]any
}

// SubmitResult says where the session went.
type SubmitResult struct {
	SessionID string          `json:"session_id"`
	State     ledger.State    `json:"state"`
	Agent     *agents.Agent   `json:"agent,omitempty"`
	Ack       json.RawMessage `json:"ack,omitempty"`
}

// Submit creates the session if needed, allocates it, and dispatches it
// when an agent was found. A failed dispatch is returned as an error with
// the session left bound to the agent; the allocation TTL reclaims it.
func (h *HQ) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	labels := agents.NormalizeLabels(req.Labels)

	var sess ledger.Session
	var err error
	if req.SessionID == "" {
		sess, err = h.ledger.Create(ctx, ledger.NewSession{BuildID: req.BuildID, Job: req.Job, Labels: labels})
	} else {
		sess, err = h.ledger.Get(ctx, req.SessionID)
	}
	if err != nil {
		return SubmitResult{}, err
	}
	if req.Job == "" {
		req.Job = sess.Job
	}

	p := dispatch.Payload{
		SessionID: sess.ID,
		BuildID:   sess.BuildID,
		Job:       req.Job,
		Labels:    labels,
		Env:       req.Env,
		Args:      req.Args,
		Kwargs:    req.Kwargs,
		JobServer: h.cfg.JobServer,
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("%w: encoding payload: %v", ErrInvalid, err)
	}

	alloc, err := h.Allocate(ctx, AllocateRequest{SessionID: sess.ID, Labels: labels, Payload: raw})
	if err != nil {
		return SubmitResult{}, err
	}
	if alloc.Status == StatusQueued {
		return SubmitResult{SessionID: sess.ID, State: ledger.StateQueued}, nil
	}

	res := SubmitResult{SessionID: sess.ID, State: ledger.StateToAgent, Agent: alloc.Agent}
	ack, state, err := h.Dispatch(ctx, *alloc.Agent, p)
	if err != nil {
		return res, err
	}
	res.State = state
	res.Ack = ack
	return res, nil
}

// Dispatch hands p to a, which must already be bound to p.SessionID, and
// then records the session as running. The agent may report back before
// that bookkeeping lands; a session already running or done is left alone.
func (h *HQ) Dispatch(ctx context.Context, a agents.Agent, p dispatch.Payload) (json.RawMessage, ledger.State, error) {
	ack, err := h.cfg.Dispatcher.Dispatch(ctx, a.Address(), p)
	now := h.cfg.Now()
	if err != nil {
		h.log.Warn("dispatch failed", "agent_id", a.ID, "session_id", p.SessionID, "address", a.Address(), "error", err)
		h.cfg.Observer.Observe(Activity{Time: now, AgentID: a.ID, Kind: ActivityDispatchFailed, SessionID: p.SessionID, Detail: err.Error()})
		return nil, ledger.StateToAgent, fmt.Errorf("dispatching session %s: %w", p.SessionID, err)
	}
	h.cfg.Observer.Observe(Activity{Time: now, AgentID: a.ID, Kind: ActivityDispatched, SessionID: p.SessionID})

	sess, err := h.ledger.MarkRunning(ctx, p.SessionID, a.ID)
	if err != nil {
		return ack, ledger.StateToAgent, fmt.Errorf("recording session %s as running: %w", p.SessionID, err)
	}
	h.log.Info("session dispatched", "session_id", p.SessionID, "agent_id", a.ID, "state", sess.State)
	return ack, sess.State, nil
}
