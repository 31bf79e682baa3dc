package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/baiirun/ahq/internal/store"
)

// Registration is what an agent supplies when it announces itself.
type Registration struct {
	ID     string
	Nick   string
	Host   string
	Port   int
	Labels []string
}

// Registry is CRUD over agent records plus the token map.
type Registry struct {
	store store.Store
	retry store.RetryPolicy
	now   func() time.Time
	log   *slog.Logger
}

// NewRegistry creates a registry. A nil now uses time.Now; a nil logger uses
// slog.Default.
func NewRegistry(s store.Store, retry store.RetryPolicy, now func() time.Time, logger *slog.Logger) *Registry {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: s, retry: retry, now: now, log: logger}
}

// Release stages what happens to the session a re-registering agent was
// bound to. It runs inside the registration transaction with the previous
// record and returns writes to commit alongside the new one, or nil.
type Release func(ctx context.Context, tx store.Tx, prev Agent, now time.Time) (func(store.Pipe), error)

// Register upserts the agent as inactive, rebuilds its label index entries,
// and returns a fresh token bound to its id. Tokens from earlier
// registrations stay valid, and so does the nick when reg leaves it empty.
// When a previous record exists, release (if non-nil) settles the session
// it was bound to in the same commit.
func (r *Registry) Register(ctx context.Context, reg Registration, release Release) (Agent, string, error) {
	if reg.ID == "" {
		reg.ID = NewID()
	}
	if reg.Port <= 0 || reg.Port > 65535 {
		return Agent{}, "", fmt.Errorf("agent %s: port %d out of range", reg.ID, reg.Port)
	}
	labels := NormalizeLabels(reg.Labels)
	token := uuid.NewString()

	var agent Agent
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		return r.store.Transact(ctx, func(tx store.Tx) error {
			var (
				stale    []string
				released func(store.Pipe)
			)
			now := r.now()
			nick := reg.Nick
			prev, err := Load(ctx, tx, reg.ID)
			switch {
			case err == nil:
				for _, l := range prev.Labels {
					if !slices.Contains(labels, l) {
						stale = append(stale, l)
					}
				}
				if nick == "" {
					nick = prev.Nick
				}
				if release != nil {
					if released, err = release(ctx, tx, prev, now); err != nil {
						return err
					}
				}
			case errors.Is(err, ErrNotFound):
			default:
				return err
			}
			if nick == "" {
				nick = GenerateNick()
			}

			agent = Agent{
				ID:         reg.ID,
				Nick:       nick,
				Host:       reg.Host,
				Port:       reg.Port,
				State:      StateInactive,
				Labels:     labels,
				Seen:       now,
				Registered: now,
			}
			return tx.Exec(ctx, func(p store.Pipe) {
				Commit(p, agent)
				p.SAdd(KeyAll, agent.ID)
				for _, l := range stale {
					p.SRem(LabelKey(l), agent.ID)
				}
				for _, l := range labels {
					p.SAdd(LabelKey(l), agent.ID)
				}
				p.Set(tokenKey(token), agent.ID, 0)
				if released != nil {
					released(p)
				}
			})
		}, Key(reg.ID))
	})
	if err != nil {
		return Agent{}, "", fmt.Errorf("registering agent %s: %w", reg.ID, err)
	}

	r.log.Info("agent registered", "agent_id", agent.ID, "nick", agent.Nick,
		"address", agent.Address(), "labels", agent.Labels)
	return agent, token, nil
}

// Touch refreshes last-seen without touching state.
func (r *Registry) Touch(ctx context.Context, id string) error {
	ok, err := r.store.Exists(ctx, Key(id))
	if err != nil {
		return fmt.Errorf("touching agent %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.store.Apply(ctx, func(p store.Pipe) {
		p.HSet(Key(id), map[string]string{"seen": unix(r.now())})
	})
}

// Get returns one agent.
func (r *Registry) Get(ctx context.Context, id string) (Agent, error) {
	return Load(ctx, r.store, id)
}

// List returns every registered agent ordered by id.
func (r *Registry) List(ctx context.Context) ([]Agent, error) {
	ids, err := r.store.SMembers(ctx, KeyAll)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	slices.Sort(ids)

	out := make([]Agent, 0, len(ids))
	for _, id := range ids {
		a, err := Load(ctx, r.store, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Resolve maps a token to its agent id.
func (r *Registry) Resolve(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	id, err := r.store.Get(ctx, tokenKey(token))
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrInvalidToken
	}
	if err != nil {
		return "", fmt.Errorf("resolving token: %w", err)
	}
	return id, nil
}
