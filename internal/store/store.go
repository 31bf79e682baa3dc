// Package store is the boundary between ahq and its shared key-value store.
//
// Every cross-key mutation in ahq is an optimistic transaction:
//
//  1. Transact watches a key set and hands the callback a Tx.
//  2. The callback performs speculative reads (and scratch-key writes such
//     as SInterStore/SPop) on the watched connection.
//  3. Exec queues the real writes and commits them atomically. If any
//     watched key changed since the watch began, Exec returns ErrConflict
//     and nothing is applied.
//
// Callers wrap whole operations in RetryPolicy.Do so a conflict restarts the
// operation from scratch rather than partially applying it.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key (or a popped member) does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned by Exec when a watched key changed between
	// the watch and the commit.
	ErrConflict = errors.New("store: transaction conflict")

	// ErrContention is returned by RetryPolicy.Do when the retry budget is
	// spent and the last attempt still conflicted.
	ErrContention = errors.New("store: too much contention")
)

// Reader is the read side shared by the store and open transactions.
type Reader interface {
	Get(ctx context.Context, key string) (string, error)
	// HGetAll returns ErrNotFound when the hash does not exist.
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)
	// ZRange returns every member of a sorted set, lowest score first.
	ZRange(ctx context.Context, key string) ([]string, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// Pipe queues writes. Nothing is sent until the enclosing Exec or Apply
// commits, so Pipe methods cannot fail individually.
type Pipe interface {
	Set(key, value string, ttl time.Duration)
	HSet(key string, fields map[string]string)
	SAdd(key string, members ...string)
	SRem(key string, members ...string)
	ZAdd(key string, score float64, member string)
	ZRem(key string, members ...string)
	Del(keys ...string)
	Expire(key string, ttl time.Duration)
	RPush(key string, values ...string)
	LTrim(key string, start, stop int64)
	Publish(channel, message string)
}

// Tx is an open optimistic transaction.
type Tx interface {
	Reader

	// Watch extends the watched key set. Keys read after the initial
	// Transact call that must guard the commit are added here.
	Watch(ctx context.Context, keys ...string) error

	// SInterStore stores the intersection of keys into dst and returns its
	// cardinality. It runs immediately; dst must be a scratch key that no
	// one watches.
	SInterStore(ctx context.Context, dst string, keys ...string) (int64, error)

	// SPop removes and returns one arbitrary member of a scratch set.
	// Returns ErrNotFound when the set is empty.
	SPop(ctx context.Context, key string) (string, error)

	// Exec commits the queued writes atomically. Returns ErrConflict when a
	// watched key changed.
	Exec(ctx context.Context, fn func(Pipe)) error
}

// Subscription delivers messages published on one channel.
type Subscription interface {
	Messages() <-chan string
	Close() error
}

// Store is the capability every ahq component is constructed with.
type Store interface {
	Reader

	// Transact watches keys and runs fn. fn must call Tx.Exec at most once.
	Transact(ctx context.Context, fn func(Tx) error, keys ...string) error

	// Apply commits writes atomically without watching anything.
	Apply(ctx context.Context, fn func(Pipe)) error

	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Subscribe returns once the subscription is live, so a message
	// published after Subscribe returns is never missed.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}
