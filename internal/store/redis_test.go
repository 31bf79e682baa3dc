package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baiirun/ahq/internal/store"
	"github.com/baiirun/ahq/internal/store/storetest"
)

func TestTransactCommits(t *testing.T) {
	s, mr := storetest.New(t)
	ctx := context.Background()

	err := s.Transact(ctx, func(tx store.Tx) error {
		_, err := tx.Get(ctx, "counter")
		require.ErrorIs(t, err, store.ErrNotFound)
		return tx.Exec(ctx, func(p store.Pipe) {
			p.Set("counter", "1", 0)
			p.HSet("h", map[string]string{"a": "1", "b": "2"})
			p.SAdd("s", "x", "y")
			p.ZAdd("z", 2, "second")
			p.ZAdd("z", 1, "first")
		})
	}, "counter")
	require.NoError(t, err)

	v, err := mr.Get("counter")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	h, err := s.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, h)

	members, err := s.ZRange(ctx, "z")
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, members)
}

func TestTransactConflictDiscardsWrites(t *testing.T) {
	s, mr := storetest.New(t)
	ctx := context.Background()
	require.NoError(t, mr.Set("watched", "before"))

	err := s.Transact(ctx, func(tx store.Tx) error {
		if _, err := tx.Get(ctx, "watched"); err != nil {
			return err
		}
		// Another client writes the watched key mid-transaction.
		require.NoError(t, mr.Set("watched", "other"))
		return tx.Exec(ctx, func(p store.Pipe) {
			p.Set("watched", "mine", 0)
			p.Set("side-effect", "1", 0)
		})
	}, "watched")
	require.ErrorIs(t, err, store.ErrConflict)

	v, _ := mr.Get("watched")
	assert.Equal(t, "other", v)
	assert.False(t, mr.Exists("side-effect"))
}

func TestTxWatchExtendsGuard(t *testing.T) {
	s, mr := storetest.New(t)
	ctx := context.Background()
	require.NoError(t, mr.Set("late", "v1"))

	err := s.Transact(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.Watch(ctx, "late"))
		require.NoError(t, mr.Set("late", "v2"))
		return tx.Exec(ctx, func(p store.Pipe) { p.Set("out", "1", 0) })
	})
	require.ErrorIs(t, err, store.ErrConflict)
	assert.False(t, mr.Exists("out"))
}

func TestTxScratchIntersection(t *testing.T) {
	s, mr := storetest.New(t)
	ctx := context.Background()
	_, _ = mr.SAdd("a", "1", "2", "3")
	_, _ = mr.SAdd("b", "2", "3", "4")

	err := s.Transact(ctx, func(tx store.Tx) error {
		n, err := tx.SInterStore(ctx, "scratch", "a", "b")
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)

		got, err := tx.SPop(ctx, "scratch")
		require.NoError(t, err)
		assert.Contains(t, []string{"2", "3"}, got)

		_, err = tx.SPop(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)

		return tx.Exec(ctx, func(p store.Pipe) { p.Del("scratch") })
	}, "a")
	require.NoError(t, err)
	assert.False(t, mr.Exists("scratch"))
}

func TestApplyAndLists(t *testing.T) {
	s, mr := storetest.New(t)
	ctx := context.Background()

	require.NoError(t, s.Apply(ctx, func(p store.Pipe) {
		p.RPush("log", "a", "b", "c", "d")
		p.LTrim("log", -3, -1)
		p.Set("ttl", "x", time.Minute)
	}))

	got, err := s.LRange(ctx, "log", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "d"}, got)

	mr.FastForward(2 * time.Minute)
	ok, err := s.Exists(ctx, "ttl")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHGetAllMissing(t *testing.T) {
	s, _ := storetest.New(t)
	_, err := s.HGetAll(context.Background(), "nope")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestSubscribeReceivesPublish(t *testing.T) {
	s, _ := storetest.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := s.Subscribe(ctx, "events")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, s.Apply(ctx, func(p store.Pipe) { p.Publish("events", "hello") }))

	select {
	case msg := <-sub.Messages():
		assert.Equal(t, "hello", msg)
	case <-ctx.Done():
		t.Fatal("timed out waiting for published message")
	}
}
