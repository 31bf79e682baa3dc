package daemon

import (
	"sync"
	"time"

	"github.com/baiirun/ahq/internal/hq"
)

// DefaultEventBufSize is the maximum number of activities stored per agent.
// Oldest entries are evicted when this limit is exceeded.
const DefaultEventBufSize = 2000

// agentIdleTTL is how long an agent's ring survives without a push before
// SweepIdle drops it.
const agentIdleTTL = 24 * time.Hour

// EventBuffer stores hq activity per agent in bounded ring buffers. It is
// the daemon's hq.Observer and is safe for concurrent use.
type EventBuffer struct {
	mu      sync.RWMutex
	agents  map[string]*agentBuf
	maxSize int
	now     func() time.Time
}

type agentBuf struct {
	events   []hq.Activity
	lastPush time.Time
}

// NewEventBuffer creates a buffer with the given per-agent capacity.
func NewEventBuffer(maxSize int) *EventBuffer {
	if maxSize <= 0 {
		maxSize = DefaultEventBufSize
	}
	return &EventBuffer{
		agents:  make(map[string]*agentBuf),
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Observe implements hq.Observer.
func (b *EventBuffer) Observe(a hq.Activity) { b.Push(a) }

// Push appends an activity to its agent's buffer, evicting the oldest
// entry if the buffer is at capacity.
func (b *EventBuffer) Push(a hq.Activity) {
	if a.AgentID == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	buf, ok := b.agents[a.AgentID]
	if !ok {
		buf = &agentBuf{events: make([]hq.Activity, 0, 64)}
		b.agents[a.AgentID] = buf
	}
	buf.lastPush = b.now()

	if len(buf.events) >= b.maxSize {
		copy(buf.events, buf.events[1:])
		buf.events[len(buf.events)-1] = a
	} else {
		buf.events = append(buf.events, a)
	}
}

// Events returns all activity for the agent, oldest first. Returns nil if
// nothing was recorded.
func (b *EventBuffer) Events(agentID string) []hq.Activity {
	b.mu.RLock()
	defer b.mu.RUnlock()

	buf, ok := b.agents[agentID]
	if !ok || len(buf.events) == 0 {
		return nil
	}
	out := make([]hq.Activity, len(buf.events))
	copy(out, buf.events)
	return out
}

// EventsSince returns the agent's activity strictly after t, oldest first.
func (b *EventBuffer) EventsSince(agentID string, t time.Time) []hq.Activity {
	b.mu.RLock()
	defer b.mu.RUnlock()

	buf, ok := b.agents[agentID]
	if !ok || len(buf.events) == 0 {
		return nil
	}

	// Entries arrive in commit order, so scan back to the first one at or
	// before t.
	start := 0
	for i := len(buf.events) - 1; i >= 0; i-- {
		if !buf.events[i].Time.After(t) {
			start = i + 1
			break
		}
	}
	if start >= len(buf.events) {
		return nil
	}
	out := make([]hq.Activity, len(buf.events)-start)
	copy(out, buf.events[start:])
	return out
}

// Clear removes all activity for the agent.
func (b *EventBuffer) Clear(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.agents, agentID)
}

// Len returns the number of entries stored for the agent.
func (b *EventBuffer) Len(agentID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	buf, ok := b.agents[agentID]
	if !ok {
		return 0
	}
	return len(buf.events)
}

// AgentCount returns the number of agents with a buffer.
func (b *EventBuffer) AgentCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.agents)
}

// SweepIdle drops buffers of agents that have had no activity for a day
// and returns how many were removed. Agents that vanished without
// re-registering would otherwise hold their ring forever.
func (b *EventBuffer) SweepIdle() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.now().Add(-agentIdleTTL)
	removed := 0
	for id, buf := range b.agents {
		if buf.lastPush.Before(cutoff) {
			delete(b.agents, id)
			removed++
		}
	}
	return removed
}
