package hq

import (
	"context"
	"errors"
	"fmt"

	"github.com/baiirun/ahq/internal/agents"
	"github.com/baiirun/ahq/internal/queue"
	"github.com/baiirun/ahq/internal/store"
)

// SweepStats reports what one sweep cleaned up.
type SweepStats struct {
	Purged  int `json:"purged"`
	Demoted int `json:"demoted"`
}

// Sweep removes expired queue entries and demotes available agents that
// stopped checking in. Allocation applies the same staleness guard lazily;
// sweeping keeps the available set honest between allocations.
func (h *HQ) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats

	purged, err := h.purgeQueue(ctx)
	if err != nil {
		return stats, err
	}
	stats.Purged = purged

	ids, err := h.store.SMembers(ctx, agents.KeyAvailable)
	if err != nil {
		return stats, fmt.Errorf("reading available set: %w", err)
	}
	for _, id := range ids {
		demoted, err := h.demoteIfStale(ctx, id)
		if err != nil {
			return stats, err
		}
		if demoted {
			stats.Demoted++
		}
	}

	if stats.Purged > 0 || stats.Demoted > 0 {
		h.log.Info("sweep", "purged", stats.Purged, "demoted", stats.Demoted)
	}
	return stats, nil
}

func (h *HQ) purgeQueue(ctx context.Context) (int, error) {
	var (
		n int
		b *batch
	)
	err := h.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		b = &batch{}
		n = 0
		return h.store.Transact(ctx, func(tx store.Tx) error {
			scan, err := queue.Drain(ctx, tx, func(queue.Entry) (queue.Verdict, error) { return queue.Skip, nil })
			if err != nil {
				return err
			}
			if len(scan.Expired) == 0 {
				return nil
			}
			if err := h.expire(ctx, tx, scan.Expired, h.cfg.Now(), b); err != nil {
				return err
			}
			n = len(scan.Expired)
			return b.exec(ctx, tx)
		}, queue.Key)
	})
	if err != nil {
		return 0, fmt.Errorf("purging queue: %w", err)
	}
	h.publish(b)
	return n, nil
}

func (h *HQ) demoteIfStale(ctx context.Context, id string) (bool, error) {
	var (
		demoted bool
		b       *batch
	)
	err := h.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		b = &batch{}
		demoted = false
		return h.store.Transact(ctx, func(tx store.Tx) error {
			a, err := agents.Load(ctx, tx, id)
			if errors.Is(err, agents.ErrNotFound) {
				b.write(func(p store.Pipe) { p.SRem(agents.KeyAvailable, id) })
				return b.exec(ctx, tx)
			}
			if err != nil {
				return err
			}
			if a.State != agents.StateAvailable {
				// Out of step with the set: rewrite so Commit resyncs it.
				b.write(func(p store.Pipe) { agents.Commit(p, a) })
				return b.exec(ctx, tx)
			}

			now := h.cfg.Now()
			t, err := h.machine.Next(a, agents.Input{Event: agents.EventAllocate, Now: now})
			if err != nil || t.To != agents.StateInactive {
				return err
			}
			next := agents.Apply(a, t, now)
			b.write(func(p store.Pipe) { agents.Commit(p, next) })
			b.note(Activity{Time: now, AgentID: id, Kind: ActivityDemoted, From: a.State, To: next.State, Detail: "sweep"})
			demoted = true
			return b.exec(ctx, tx)
		}, agents.Key(id), agents.KeyAvailable)
	})
	if err != nil {
		return false, fmt.Errorf("sweeping agent %s: %w", id, err)
	}
	h.publish(b)
	return demoted, nil
}
