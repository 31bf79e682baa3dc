package ledger_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baiirun/ahq/internal/ledger"
	"github.com/baiirun/ahq/internal/store"
	"github.com/baiirun/ahq/internal/store/storetest"
)

func newLedger(t *testing.T) (*ledger.Ledger, store.Store) {
	t.Helper()
	s, _ := storetest.New(t)
	policy := store.RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	now := time.Unix(1_700_000_000, 0)
	return ledger.New(s, policy, func() time.Time { return now }, nil), s
}

func TestCreateNumbersSessionsPerBuild(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	first, err := l.Create(ctx, ledger.NewSession{BuildID: "B42", Job: "unit", Labels: []string{"linux"}})
	require.NoError(t, err)
	second, err := l.Create(ctx, ledger.NewSession{BuildID: "B42", Job: "lint"})
	require.NoError(t, err)

	assert.Equal(t, "B42-1", first.ID)
	assert.Equal(t, "B42-2", second.ID)
	assert.Equal(t, ledger.StateNew, first.State)
	assert.Equal(t, ledger.ResultUnknown, first.Result)

	got, err := l.Get(ctx, "B42-1")
	require.NoError(t, err)
	assert.Equal(t, "unit", got.Job)
	assert.Equal(t, []string{"linux"}, got.Labels)
}

func TestCreateGeneratesBuildID(t *testing.T) {
	l, _ := newLedger(t)
	s, err := l.Create(context.Background(), ledger.NewSession{Job: "unit"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(s.BuildID, "B"))
	assert.Len(t, s.BuildID, 33)
	assert.Equal(t, s.BuildID+"-1", s.ID)
}

func TestAdvanceIsForwardOnly(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := ledger.Session{ID: "B1-1", State: ledger.StateRunning}

	_, err := ledger.Advance(s, ledger.StateQueued, now)
	assert.True(t, errors.Is(err, ledger.ErrRegression), "Advance(running -> queued) error = %v", err)

	same, err := ledger.Advance(s, ledger.StateRunning, now)
	require.NoError(t, err)
	assert.Equal(t, s, same)

	done, err := ledger.Advance(s, ledger.StateDone, now)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateDone, done.State)
	assert.True(t, done.Ended.Equal(now))
}

func TestRequeueOnlyFromToAgent(t *testing.T) {
	s := ledger.Session{ID: "B1-1", State: ledger.StateToAgent, Agent: "A1"}
	got, err := ledger.Requeue(s)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateQueued, got.State)
	assert.Empty(t, got.Agent)

	_, err = ledger.Requeue(ledger.Session{ID: "B1-2", State: ledger.StateRunning})
	assert.ErrorIs(t, err, ledger.ErrRegression)
}

func TestFinishKeepsFirstResult(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := ledger.Session{ID: "B1-1", State: ledger.StateRunning}

	done, err := ledger.Finish(s, ledger.ResultFailed, "exit 1", now)
	require.NoError(t, err)
	assert.Equal(t, ledger.ResultFailed, done.Result)

	again, err := ledger.Finish(done, ledger.ResultSuccess, "", now)
	require.NoError(t, err)
	assert.Equal(t, ledger.ResultFailed, again.Result)
	assert.Equal(t, "exit 1", again.Output)
}

func bind(t *testing.T, l *ledger.Ledger, id, agent string) {
	t.Helper()
	_, err := l.Update(context.Background(), id, func(cur ledger.Session, now time.Time) (ledger.Session, ledger.LogEntry, error) {
		next, err := ledger.Bind(cur, agent, now)
		return next, ledger.LogEntry{Kind: ledger.KindDispatched, AgentID: agent}, err
	})
	require.NoError(t, err)
}

func TestMarkRunningAndLog(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	s, err := l.Create(ctx, ledger.NewSession{BuildID: "B7"})
	require.NoError(t, err)
	bind(t, l, s.ID, "A1")

	got, err := l.MarkRunning(ctx, s.ID, "A1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StateRunning, got.State)
	assert.Equal(t, "A1", got.Agent)

	// Repeating is harmless and writes nothing.
	_, err = l.MarkRunning(ctx, s.ID, "A1")
	require.NoError(t, err)

	entries, err := l.Log(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, ledger.KindCreated, entries[0].Kind)
	assert.Equal(t, ledger.KindDispatched, entries[1].Kind)
	assert.Equal(t, ledger.KindRunning, entries[2].Kind)
	assert.Equal(t, "A1", entries[2].AgentID)

	_, err = l.Log(ctx, "B7-99")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestMarkRunningIgnoresOtherAgent(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	s, err := l.Create(ctx, ledger.NewSession{BuildID: "B11"})
	require.NoError(t, err)
	bind(t, l, s.ID, "A1")

	got, err := l.MarkRunning(ctx, s.ID, "A2")
	require.NoError(t, err)
	assert.Equal(t, ledger.StateToAgent, got.State)
}

func TestUpdateRejectsRegression(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	s, err := l.Create(ctx, ledger.NewSession{BuildID: "B8"})
	require.NoError(t, err)
	bind(t, l, s.ID, "A1")
	_, err = l.MarkRunning(ctx, s.ID, "A1")
	require.NoError(t, err)

	_, err = l.Update(ctx, s.ID, func(cur ledger.Session, now time.Time) (ledger.Session, ledger.LogEntry, error) {
		next, err := ledger.Advance(cur, ledger.StateQueued, now)
		return next, ledger.LogEntry{Kind: ledger.KindQueued}, err
	})
	assert.ErrorIs(t, err, ledger.ErrRegression)

	got, err := l.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateRunning, got.State)
}

func TestWaitReturnsWhenDone(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	s, err := l.Create(ctx, ledger.NewSession{BuildID: "B9"})
	require.NoError(t, err)

	type result struct {
		s   ledger.Session
		err error
	}
	done := make(chan result, 1)
	go func() {
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		got, err := l.Wait(wctx, s.ID)
		done <- result{got, err}
	}()

	// Give the waiter a moment to subscribe; a finish before that is
	// still observed through the record read.
	time.Sleep(20 * time.Millisecond)
	_, err = l.Update(ctx, s.ID, func(cur ledger.Session, now time.Time) (ledger.Session, ledger.LogEntry, error) {
		next, err := ledger.Finish(cur, ledger.ResultSuccess, "ok", now)
		return next, ledger.LogEntry{Kind: ledger.KindDone}, err
	})
	require.NoError(t, err)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, ledger.StateDone, r.s.State)
		assert.Equal(t, ledger.ResultSuccess, r.s.Result)
		assert.Equal(t, "ok", r.s.Output)
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return")
	}
}

func TestWaitHonorsDeadline(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	s, err := l.Create(ctx, ledger.NewSession{BuildID: "B10"})
	require.NoError(t, err)

	wctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	got, err := l.Wait(wctx, s.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, ledger.StateNew, got.State)
}

func TestWaitUnknownSession(t *testing.T) {
	l, _ := newLedger(t)
	_, err := l.Wait(context.Background(), "B0-1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}
