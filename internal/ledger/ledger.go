package ledger

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/baiirun/ahq/internal/store"
)

const (
	keySession = "session:%s"
	keyBuild   = "build:%s"
	keyLog     = "session:log:%s"
	chanDone   = "session:done:%s"
)

// LogLimit caps the per-session log list.
const LogLimit = 500

// Key returns the record key for a session. Transactions that change a
// session's state watch it.
func Key(id string) string { return fmt.Sprintf(keySession, id) }

// BuildKey returns the record key holding a build's session counter.
func BuildKey(id string) string { return fmt.Sprintf(keyBuild, id) }

func logKey(id string) string      { return fmt.Sprintf(keyLog, id) }
func doneChannel(id string) string { return fmt.Sprintf(chanDone, id) }

// LogEntry is one line of a session's history.
type LogEntry struct {
	Time    time.Time `json:"ts"`
	Kind    string    `json:"kind"`
	Message string    `json:"message,omitempty"`
	AgentID string    `json:"agent_id,omitempty"`
}

// Log entry kinds.
const (
	KindCreated    = "created"
	KindQueued     = "queued"
	KindDispatched = "dispatched"
	KindRunning    = "running"
	KindDone       = "done"
	KindRequeued   = "requeued"
)

// NewBuildID returns "B" followed by 128 random bits in hex.
func NewBuildID() string {
	id := uuid.New()
	return "B" + hex.EncodeToString(id[:])
}

// Load reads a session through r, which may be an open transaction.
func Load(ctx context.Context, r store.Reader, id string) (Session, error) {
	h, err := r.HGetAll(ctx, Key(id))
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Session{}, fmt.Errorf("reading session %s: %w", id, err)
	}
	return decode(id, h)
}

// Stage queues a write of s and appends e to its log. Staging a done
// session also notifies waiters, so callers stage only real changes.
func Stage(p store.Pipe, s Session, e LogEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding log entry for %s: %w", s.ID, err)
	}
	p.HSet(Key(s.ID), s.fields())
	p.RPush(logKey(s.ID), string(data))
	p.LTrim(logKey(s.ID), -LogLimit, -1)
	if s.State == StateDone {
		p.Publish(doneChannel(s.ID), string(s.Result))
	}
	return nil
}

// Ledger is the session store.
type Ledger struct {
	store store.Store
	retry store.RetryPolicy
	now   func() time.Time
	log   *slog.Logger
}

// New creates a ledger. A nil now uses time.Now; a nil logger uses
// slog.Default.
func New(s store.Store, retry store.RetryPolicy, now func() time.Time, logger *slog.Logger) *Ledger {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: s, retry: retry, now: now, log: logger}
}

// NewSession describes a session to create.
type NewSession struct {
	BuildID string
	Job     string
	Labels  []string
	RunInfo json.RawMessage
}

// Create allocates the next session number in the build and writes a new
// session. The build counter increment is an optimistic transaction on the
// build record.
func (l *Ledger) Create(ctx context.Context, req NewSession) (Session, error) {
	if req.BuildID == "" {
		req.BuildID = NewBuildID()
	}

	var s Session
	err := l.retry.Do(ctx, func(ctx context.Context) error {
		return l.store.Transact(ctx, func(tx store.Tx) error {
			next := 1
			h, err := tx.HGetAll(ctx, BuildKey(req.BuildID))
			switch {
			case err == nil:
				n, err := strconv.Atoi(h["next_sess_id"])
				if err != nil {
					return fmt.Errorf("build %s: bad session counter %q", req.BuildID, h["next_sess_id"])
				}
				next = n
			case errors.Is(err, store.ErrNotFound):
			default:
				return err
			}

			now := l.now()
			s = Session{
				ID:      fmt.Sprintf("%s-%d", req.BuildID, next),
				BuildID: req.BuildID,
				Job:     req.Job,
				State:   StateNew,
				Result:  ResultUnknown,
				Labels:  req.Labels,
				RunInfo: req.RunInfo,
				Created: now,
			}
			var stageErr error
			err = tx.Exec(ctx, func(p store.Pipe) {
				p.HSet(BuildKey(req.BuildID), map[string]string{
					"id":           req.BuildID,
					"next_sess_id": strconv.Itoa(next + 1),
				})
				stageErr = Stage(p, s, LogEntry{Time: now, Kind: KindCreated, Message: req.Job})
			})
			if err != nil {
				return err
			}
			return stageErr
		}, BuildKey(req.BuildID))
	})
	if err != nil {
		return Session{}, fmt.Errorf("creating session in build %s: %w", req.BuildID, err)
	}

	l.log.Debug("session created", "session_id", s.ID, "build_id", s.BuildID, "job", s.Job)
	return s, nil
}

// Get returns one session.
func (l *Ledger) Get(ctx context.Context, id string) (Session, error) {
	return Load(ctx, l.store, id)
}

// Update applies fn to the session inside an optimistic transaction on its
// record. fn returns the new record and the log entry describing it; when
// the state and result are unchanged nothing is written.
func (l *Ledger) Update(ctx context.Context, id string, fn func(Session, time.Time) (Session, LogEntry, error)) (Session, error) {
	var out Session
	err := l.retry.Do(ctx, func(ctx context.Context) error {
		return l.store.Transact(ctx, func(tx store.Tx) error {
			cur, err := Load(ctx, tx, id)
			if err != nil {
				return err
			}
			now := l.now()
			next, entry, err := fn(cur, now)
			if err != nil {
				return err
			}
			out = next
			if next.State == cur.State && next.Result == cur.Result && next.Agent == cur.Agent {
				return nil
			}
			if entry.Time.IsZero() {
				entry.Time = now
			}
			var stageErr error
			if err := tx.Exec(ctx, func(p store.Pipe) { stageErr = Stage(p, next, entry) }); err != nil {
				return err
			}
			return stageErr
		}, Key(id))
	})
	if err != nil {
		return Session{}, err
	}
	return out, nil
}

// MarkRunning advances a to-agent session bound to agentID to running.
// Anything else is left alone: the agent may already have reported, or the
// session may have been requeued and bound elsewhere.
func (l *Ledger) MarkRunning(ctx context.Context, id, agentID string) (Session, error) {
	return l.Update(ctx, id, func(s Session, now time.Time) (Session, LogEntry, error) {
		if s.State != StateToAgent || s.Agent != agentID {
			return s, LogEntry{}, nil
		}
		next, err := Advance(s, StateRunning, now)
		if err != nil {
			return s, LogEntry{}, err
		}
		return next, LogEntry{Kind: KindRunning, AgentID: agentID}, nil
	})
}

// Log returns a session's history, oldest first.
func (l *Ledger) Log(ctx context.Context, id string) ([]LogEntry, error) {
	ok, err := l.store.Exists(ctx, Key(id))
	if err != nil {
		return nil, fmt.Errorf("reading session %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	raw, err := l.store.LRange(ctx, logKey(id), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("reading log for %s: %w", id, err)
	}
	out := make([]LogEntry, 0, len(raw))
	for _, line := range raw {
		var e LogEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			l.log.Warn("skipping malformed log entry", "session_id", id, "error", err)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Wait blocks until the session is done or ctx ends. It subscribes before
// reading the record, so a finish that lands in between is not missed.
func (l *Ledger) Wait(ctx context.Context, id string) (Session, error) {
	sub, err := l.store.Subscribe(ctx, doneChannel(id))
	if err != nil {
		return Session{}, err
	}
	defer sub.Close()

	s, err := l.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if s.State == StateDone {
		return s, nil
	}

	select {
	case <-ctx.Done():
		return s, ctx.Err()
	case _, ok := <-sub.Messages():
		if !ok {
			return s, fmt.Errorf("waiting for session %s: subscription closed", id)
		}
	}
	return l.Get(ctx, id)
}
