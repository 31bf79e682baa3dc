package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baiirun/ahq/internal/agents"
	"github.com/baiirun/ahq/internal/dispatch"
	"github.com/baiirun/ahq/internal/hq"
	"github.com/baiirun/ahq/internal/ledger"
	"github.com/baiirun/ahq/internal/protocol"
	"github.com/baiirun/ahq/internal/queue"
	"github.com/baiirun/ahq/internal/store"
	"github.com/baiirun/ahq/internal/store/storetest"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type stubDispatcher struct {
	mu    sync.Mutex
	calls []dispatch.Payload
	err   error
}

func (s *stubDispatcher) Dispatch(_ context.Context, _ string, p dispatch.Payload) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, p)
	if s.err != nil {
		return nil, s.err
	}
	return json.RawMessage(`{"accepted":true}`), nil
}

type testDaemon struct {
	d     *Daemon
	srv   *httptest.Server
	mr    *miniredis.Miniredis
	clock *testClock
	disp  *stubDispatcher
}

func newTestDaemon(t *testing.T, mutate func(*Config)) *testDaemon {
	t.Helper()
	s, mr := storetest.New(t)
	td := &testDaemon{
		mr:    mr,
		clock: &testClock{now: time.Unix(1_700_000_000, 0)},
		disp:  &stubDispatcher{},
	}
	cfg := Config{
		Retry:      store.RetryPolicy{MaxAttempts: 100, BaseDelay: 100 * time.Microsecond, MaxDelay: time.Millisecond},
		JobServer:  "http://hq.test:6699",
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:        td.clock.Now,
		Dispatcher: td.disp,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	td.d = New(s, cfg)
	td.srv = httptest.NewServer(td.d.Handler())
	t.Cleanup(td.srv.Close)
	return td
}

// call issues a request and decodes the envelope; result, when non-nil,
// receives the envelope's result.
func (td *testDaemon) call(t *testing.T, method, path string, body any, result any) (int, protocol.Response) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, td.srv.URL+path, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env protocol.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	if result != nil && env.Success {
		require.NoError(t, json.Unmarshal(env.Result, result))
	}
	return resp.StatusCode, env
}

func (td *testDaemon) register(t *testing.T, id string, labels ...string) protocol.RegisterResponse {
	t.Helper()
	var reg protocol.RegisterResponse
	status, env := td.call(t, http.MethodPost, "/register", protocol.RegisterRequest{ID: id, Port: 7000, Labels: labels}, &reg)
	require.Equal(t, http.StatusOK, status, env.Error)
	return reg
}

func (td *testDaemon) available(t *testing.T, token string, req protocol.CheckInRequest) protocol.CheckInResponse {
	t.Helper()
	var res protocol.CheckInResponse
	status, env := td.call(t, http.MethodPost, "/available/"+token, req, &res)
	require.Equal(t, http.StatusOK, status, env.Error)
	return res
}

func TestRegisterCheckInAllocateRoundTrip(t *testing.T) {
	td := newTestDaemon(t, nil)

	reg := td.register(t, "X", "macos", "any")
	assert.Equal(t, "X", reg.AgentID)
	assert.NotEmpty(t, reg.Token)
	assert.NotEmpty(t, reg.Nick)

	var a agents.Agent
	status, _ := td.call(t, http.MethodGet, "/agents/X", nil, &a)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "127.0.0.1", a.Host, "host defaults to the remote address")
	assert.Equal(t, agents.StateInactive, a.State)

	res := td.available(t, reg.Token, protocol.CheckInRequest{})
	assert.Equal(t, string(agents.StateAvailable), res.State)
	assert.Empty(t, res.Dispatch)

	var alloc protocol.AllocateResponse
	status, env := td.call(t, http.MethodPost, "/allocate", protocol.AllocateRequest{Labels: []string{"any"}}, &alloc)
	require.Equal(t, http.StatusOK, status, env.Error)
	assert.Equal(t, hq.StatusOK, alloc.Status)
	assert.Equal(t, "X", alloc.AgentID)
	assert.Equal(t, "127.0.0.1:7000", alloc.Address)
	assert.NotEmpty(t, alloc.SessionID)

	status, _ = td.call(t, http.MethodGet, "/agents/X", nil, &a)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, agents.StatePending, a.State)
	assert.Equal(t, alloc.SessionID, a.Session)
	inAvail, _ := td.mr.IsMember(agents.KeyAvailable, "X")
	assert.False(t, inAvail)
}

func TestQueuedAllocationDrainsOnCheckIn(t *testing.T) {
	td := newTestDaemon(t, nil)

	var alloc protocol.AllocateResponse
	status, env := td.call(t, http.MethodPost, "/allocate", protocol.AllocateRequest{Labels: []string{"linux"}}, &alloc)
	require.Equal(t, http.StatusOK, status, env.Error)
	require.Equal(t, hq.StatusQueued, alloc.Status)
	assert.NotEmpty(t, alloc.EntryID)

	var entries []queue.Entry
	status, _ = td.call(t, http.MethodGet, "/queue", nil, &entries)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, entries, 1)
	assert.Equal(t, alloc.SessionID, entries[0].SessionID)

	reg := td.register(t, "Y", "linux", "any")
	res := td.available(t, reg.Token, protocol.CheckInRequest{})
	assert.Equal(t, string(agents.StatePending), res.State)
	assert.Equal(t, alloc.SessionID, res.SessionID)
	assert.NotEmpty(t, res.Dispatch)

	status, _ = td.call(t, http.MethodGet, "/queue", nil, &entries)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, entries)
}

func TestSubmitAndWaitForResult(t *testing.T) {
	td := newTestDaemon(t, nil)
	reg := td.register(t, "A1", "linux")
	td.available(t, reg.Token, protocol.CheckInRequest{})

	var sub protocol.SubmitResponse
	status, env := td.call(t, http.MethodPost, "/dispatch", protocol.SubmitRequest{
		BuildID: "B1", Job: "unit", Labels: []string{"linux"}, Env: map[string]string{"GOFLAGS": "-race"},
	}, &sub)
	require.Equal(t, http.StatusOK, status, env.Error)
	assert.Equal(t, "B1-1", sub.SessionID)
	assert.Equal(t, string(ledger.StateRunning), sub.State)
	assert.Equal(t, "A1", sub.AgentID)
	assert.JSONEq(t, `{"accepted":true}`, string(sub.Ack))
	require.Len(t, td.disp.calls, 1)
	assert.Equal(t, "-race", td.disp.calls[0].Env["GOFLAGS"])
	assert.Equal(t, "http://hq.test:6699", td.disp.calls[0].JobServer)

	done := make(chan ledger.Session, 1)
	go func() {
		defer close(done)
		resp, err := http.Get(td.srv.URL + "/sessions/B1-1/result?wait=5s")
		if err != nil {
			return
		}
		defer resp.Body.Close()
		var env protocol.Response
		var s ledger.Session
		if json.NewDecoder(resp.Body).Decode(&env) != nil || !env.Success || json.Unmarshal(env.Result, &s) != nil {
			return
		}
		done <- s
	}()

	time.Sleep(20 * time.Millisecond)
	var busy protocol.CheckInResponse
	status, _ = td.call(t, http.MethodPost, "/busy/"+reg.Token, protocol.CheckInRequest{SessionID: "B1-1"}, &busy)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(agents.StateBusy), busy.State)

	res := td.available(t, reg.Token, protocol.CheckInRequest{SessionID: "B1-1", Result: "success", Output: "ok"})
	assert.Equal(t, string(agents.StateAvailable), res.State)

	select {
	case s, ok := <-done:
		require.True(t, ok, "result request failed")
		assert.Equal(t, ledger.StateDone, s.State)
		assert.Equal(t, ledger.ResultSuccess, s.Result)
		assert.Equal(t, "ok", s.Output)
	case <-time.After(5 * time.Second):
		t.Fatal("result request did not return")
	}

	var log []ledger.LogEntry
	status, _ = td.call(t, http.MethodGet, "/sessions/B1-1/log", nil, &log)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, log)
	assert.Equal(t, ledger.KindCreated, log[0].Kind)
	assert.Equal(t, ledger.KindDone, log[len(log)-1].Kind)
}

func TestResultWaitTimesOutWithCurrentRecord(t *testing.T) {
	td := newTestDaemon(t, nil)

	var sub protocol.SubmitResponse
	status, _ := td.call(t, http.MethodPost, "/dispatch", protocol.SubmitRequest{BuildID: "B2", Job: "lint"}, &sub)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(ledger.StateQueued), sub.State)

	var s ledger.Session
	status, _ = td.call(t, http.MethodGet, "/sessions/B2-1/result?wait=50ms", nil, &s)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, ledger.StateQueued, s.State)

	status, _ = td.call(t, http.MethodGet, "/sessions/B2-1/result?wait=0s", nil, &s)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "B2-1", s.ID)
}

func TestDispatchFailureIsBadGateway(t *testing.T) {
	td := newTestDaemon(t, nil)
	td.disp.err = &dispatch.Error{Address: "127.0.0.1:7000", StatusCode: http.StatusInternalServerError, Body: "boom"}
	reg := td.register(t, "A1")
	td.available(t, reg.Token, protocol.CheckInRequest{})

	status, env := td.call(t, http.MethodPost, "/dispatch", protocol.SubmitRequest{BuildID: "B3", Job: "unit"}, nil)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.False(t, env.Success)
	assert.Contains(t, env.Error, "boom")

	// The session stays bound until the allocation TTL reclaims it.
	var s ledger.Session
	status, _ = td.call(t, http.MethodGet, "/sessions/B3-1", nil, &s)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, ledger.StateToAgent, s.State)
	assert.Equal(t, "A1", s.Agent)
}

func TestErrorStatuses(t *testing.T) {
	td := newTestDaemon(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown token", http.MethodPost, "/available/nope", protocol.CheckInRequest{}, http.StatusNotFound},
		{"unknown ping token", http.MethodPost, "/ping/nope", nil, http.StatusNotFound},
		{"unknown agent", http.MethodGet, "/agents/nope", nil, http.StatusNotFound},
		{"unknown agent events", http.MethodGet, "/agents/nope/events", nil, http.StatusNotFound},
		{"unknown session", http.MethodGet, "/sessions/B0-1", nil, http.StatusNotFound},
		{"unknown session log", http.MethodGet, "/sessions/B0-1/log", nil, http.StatusNotFound},
		{"register without port", http.MethodPost, "/register", map[string]any{"labels": []string{"linux"}}, http.StatusBadRequest},
		{"register bad json", http.MethodPost, "/register", "not an object", http.StatusBadRequest},
		{"submit without job", http.MethodPost, "/dispatch", protocol.SubmitRequest{}, http.StatusBadRequest},
		{"bad wait", http.MethodGet, "/sessions/B0-1/result?wait=soon", nil, http.StatusBadRequest},
		{"unknown route", http.MethodGet, "/nowhere", nil, http.StatusNotFound},
		{"wrong method", http.MethodGet, "/allocate", nil, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, env := td.call(t, tt.method, tt.path, tt.body, nil)
			assert.Equal(t, tt.want, status, env.Error)
			assert.False(t, env.Success)
			assert.NotEmpty(t, env.Error)
		})
	}
}

func TestAllocateBoundSessionConflicts(t *testing.T) {
	td := newTestDaemon(t, nil)
	reg := td.register(t, "A1")
	td.available(t, reg.Token, protocol.CheckInRequest{})

	var alloc protocol.AllocateResponse
	status, _ := td.call(t, http.MethodPost, "/allocate", protocol.AllocateRequest{}, &alloc)
	require.Equal(t, http.StatusOK, status)

	status, env := td.call(t, http.MethodPost, "/allocate", protocol.AllocateRequest{SessionID: alloc.SessionID}, nil)
	assert.Equal(t, http.StatusConflict, status, env.Error)
}

func TestAgentEvents(t *testing.T) {
	td := newTestDaemon(t, nil)
	reg := td.register(t, "A1", "linux")
	td.clock.Advance(time.Second)
	td.available(t, reg.Token, protocol.CheckInRequest{})

	var events []hq.Activity
	status, _ := td.call(t, http.MethodGet, "/agents/A1/events", nil, &events)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, events, 2)
	assert.Equal(t, hq.ActivityRegistered, events[0].Kind)
	assert.Equal(t, hq.ActivityCheckIn, events[1].Kind)
	assert.Equal(t, agents.StateAvailable, events[1].To)

	since := events[0].Time.Format(time.RFC3339Nano)
	status, _ = td.call(t, http.MethodGet, "/agents/A1/events?since="+since, nil, &events)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, events, 1)
	assert.Equal(t, hq.ActivityCheckIn, events[0].Kind)

	status, _ = td.call(t, http.MethodGet, "/agents/A1/events?since=yesterday", nil, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestListAgentsAndPing(t *testing.T) {
	td := newTestDaemon(t, nil)
	td.register(t, "B", "linux")
	reg := td.register(t, "A", "macos")

	var list []agents.Agent
	status, _ := td.call(t, http.MethodGet, "/agents", nil, &list)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, list, 2)
	assert.Equal(t, "A", list[0].ID)
	assert.Equal(t, "B", list[1].ID)

	td.clock.Advance(time.Minute)
	var ping protocol.PingResponse
	status, _ = td.call(t, http.MethodPost, "/ping/"+reg.Token, nil, &ping)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "A", ping.AgentID)

	var a agents.Agent
	td.call(t, http.MethodGet, "/agents/A", nil, &a)
	assert.True(t, a.Seen.Equal(td.clock.Now()), "seen = %v, want %v", a.Seen, td.clock.Now())
}

func TestEmptyQueueIsArray(t *testing.T) {
	td := newTestDaemon(t, nil)

	status, env := td.call(t, http.MethodGet, "/queue", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[]`, string(env.Result))

	td.call(t, http.MethodPost, "/allocate", protocol.AllocateRequest{Labels: []string{"linux"}}, nil)
	var entries []queue.Entry
	status, _ = td.call(t, http.MethodGet, "/queue", nil, &entries)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, entries, 1)
}

func TestHealth(t *testing.T) {
	td := newTestDaemon(t, nil)

	var h protocol.HealthResponse
	status, _ := td.call(t, http.MethodGet, "/health", nil, &h)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", h.Status)

	td.mr.SetError("LOADING")
	status, env := td.call(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Contains(t, env.Error, "store unreachable")
	td.mr.SetError("")
}

func TestRequestIDEchoed(t *testing.T) {
	td := newTestDaemon(t, nil)

	req, err := http.NewRequest(http.MethodGet, td.srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set(requestIDHeader, "req-42")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "req-42", resp.Header.Get(requestIDHeader))

	resp2, err := http.Get(td.srv.URL + "/health")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.NotEmpty(t, resp2.Header.Get(requestIDHeader))
}

func TestCORSPreflight(t *testing.T) {
	td := newTestDaemon(t, func(c *Config) { c.CORSOrigins = []string{"https://ci.example.com"} })

	req, err := http.NewRequest(http.MethodOptions, td.srv.URL+"/agents", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://ci.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "https://ci.example.com", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://evil.example.com")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Empty(t, resp2.Header.Get("Access-Control-Allow-Origin"))
}

func TestSweepDemotesStaleAgents(t *testing.T) {
	td := newTestDaemon(t, nil)
	reg := td.register(t, "A1")
	td.available(t, reg.Token, protocol.CheckInRequest{})

	td.clock.Advance(hq.DefaultSeenTTL + time.Second)
	td.d.sweep(context.Background())

	var a agents.Agent
	status, _ := td.call(t, http.MethodGet, "/agents/A1", nil, &a)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, agents.StateInactive, a.State)
	inAvail, _ := td.mr.IsMember(agents.KeyAvailable, "A1")
	assert.False(t, inAvail)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{agents.ErrNotFound, http.StatusNotFound},
		{agents.ErrInvalidToken, http.StatusNotFound},
		{ledger.ErrNotFound, http.StatusNotFound},
		{hq.ErrInvalid, http.StatusBadRequest},
		{errBadRequest, http.StatusBadRequest},
		{store.ErrContention, http.StatusConflict},
		{hq.ErrSessionState, http.StatusConflict},
		{&dispatch.Error{Address: "x:1", Err: errors.New("refused")}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
