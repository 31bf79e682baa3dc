// Package queue stores sessions waiting for a capable agent.
//
// The queue is a sorted set of session ids scored by enqueue time in
// milliseconds, plus one detail record per entry carrying the required
// labels and the dispatch payload. Detail records expire after a TTL; a
// member whose detail record is gone is expired and is removed the next
// time a scan passes over it.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/baiirun/ahq/internal/store"
)

// Key is the sorted set holding queued session ids. Check-in transactions
// that drain the queue watch it.
const Key = "ahq:dispatchq"

const keyEntry = "ahq:dispatch:info:%s"

// DefaultTTL is how long a queued entry survives without being matched.
const DefaultTTL = 24 * time.Hour

var ErrNotFound = errors.New("queue entry not found")

// EntryKey returns the detail record key for a queued session.
func EntryKey(sessionID string) string { return fmt.Sprintf(keyEntry, sessionID) }

// Entry is one queued session. The entry id is the session id.
type Entry struct {
	SessionID string          `json:"session_id"`
	Labels    []string        `json:"labels"`
	Enqueued  time.Time       `json:"enqueued"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Push queues e with a detail record that lives for ttl.
func Push(p store.Pipe, e Entry, ttl time.Duration) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding queue entry %s: %w", e.SessionID, err)
	}
	p.ZAdd(Key, float64(e.Enqueued.UnixMilli()), e.SessionID)
	p.Set(EntryKey(e.SessionID), string(data), ttl)
	return nil
}

// Remove drops entries and their detail records.
func Remove(p store.Pipe, sessionIDs ...string) {
	if len(sessionIDs) == 0 {
		return
	}
	p.ZRem(Key, sessionIDs...)
	keys := make([]string, len(sessionIDs))
	for i, id := range sessionIDs {
		keys[i] = EntryKey(id)
	}
	p.Del(keys...)
}

// Get reads one entry's detail record.
func Get(ctx context.Context, r store.Reader, sessionID string) (Entry, error) {
	raw, err := r.Get(ctx, EntryKey(sessionID))
	if errors.Is(err, store.ErrNotFound) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("reading queue entry %s: %w", sessionID, err)
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Entry{}, fmt.Errorf("decoding queue entry %s: %w", sessionID, err)
	}
	return e, nil
}

// Verdict is a scan callback's decision about one live entry.
type Verdict int

const (
	Skip    Verdict = iota // keep the entry, keep scanning
	Take                   // match the entry, stop scanning
	Expired                // entry is dead, remove it
)

// Scan is the outcome of one pass over the queue.
type Scan struct {
	Match   *Entry
	Expired []string
}

// Drain walks the queue oldest first. Entries without a detail record are
// expired without consulting judge. The scan stops at the first entry judged
// Take; Expired lists what was found dead up to that point.
func Drain(ctx context.Context, r store.Reader, judge func(Entry) (Verdict, error)) (Scan, error) {
	ids, err := r.ZRange(ctx, Key)
	if err != nil {
		return Scan{}, fmt.Errorf("reading queue: %w", err)
	}

	var scan Scan
	for _, id := range ids {
		e, err := Get(ctx, r, id)
		if errors.Is(err, ErrNotFound) {
			scan.Expired = append(scan.Expired, id)
			continue
		}
		if err != nil {
			return Scan{}, err
		}
		v, err := judge(e)
		if err != nil {
			return Scan{}, err
		}
		switch v {
		case Take:
			scan.Match = &e
			return scan, nil
		case Expired:
			scan.Expired = append(scan.Expired, id)
		}
	}
	return scan, nil
}

// List returns live entries oldest first.
func List(ctx context.Context, r store.Reader) ([]Entry, error) {
	out := make([]Entry, 0)
	_, err := Drain(ctx, r, func(e Entry) (Verdict, error) {
		out = append(out, e)
		return Skip, nil
	})
	return out, err
}
