// Package client provides a client for the ahqd HTTP API. The CLI and
// agents both use it.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/baiirun/ahq/internal/agents"
	"github.com/baiirun/ahq/internal/hq"
	"github.com/baiirun/ahq/internal/ledger"
	"github.com/baiirun/ahq/internal/protocol"
	"github.com/baiirun/ahq/internal/queue"
)

// DefaultTimeout bounds calls that do not long-poll.
const DefaultTimeout = 30 * time.Second

// Client communicates with ahqd.
type Client struct {
	base string
	http *http.Client
}

// New creates a client for the daemon at addr, which may be a listen
// address (":6699"), host:port, or a full URL. Empty means the local
// default.
func New(addr string) *Client {
	return &Client{
		base: protocol.BaseURL(addr),
		http: &http.Client{},
	}
}

// Error is a failure reported by the daemon.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (status %d)", e.Message, e.StatusCode)
}

// IsNotFound reports whether err is a daemon 404.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.StatusCode == http.StatusNotFound
}

func (c *Client) call(ctx context.Context, method, path string, params, result any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	var body io.Reader
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if params != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to ahqd at %s: %w (is ahqd running?)", c.base, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var env protocol.Response
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("failed to read response (status %d): %w", resp.StatusCode, err)
	}
	if !env.Success {
		msg := env.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &Error{StatusCode: resp.StatusCode, Message: msg}
	}

	if result != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, result); err != nil {
			return fmt.Errorf("failed to parse result: %w", err)
		}
	}
	return nil
}

// Register announces an agent and returns its token.
func (c *Client) Register(ctx context.Context, req protocol.RegisterRequest) (*protocol.RegisterResponse, error) {
	var resp protocol.RegisterResponse
	if err := c.call(ctx, http.MethodPost, "/register", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Available checks an agent in as available, optionally reporting the
// result of the session it just finished.
func (c *Client) Available(ctx context.Context, token string, req protocol.CheckInRequest) (*protocol.CheckInResponse, error) {
	var resp protocol.CheckInResponse
	if err := c.call(ctx, http.MethodPost, "/available/"+url.PathEscape(token), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Busy checks an agent in as running sessionID.
func (c *Client) Busy(ctx context.Context, token, sessionID string) (*protocol.CheckInResponse, error) {
	var resp protocol.CheckInResponse
	req := protocol.CheckInRequest{SessionID: sessionID}
	if err := c.call(ctx, http.MethodPost, "/busy/"+url.PathEscape(token), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Ping refreshes an agent's last-seen time and returns its id.
func (c *Client) Ping(ctx context.Context, token string) (string, error) {
	var resp protocol.PingResponse
	if err := c.call(ctx, http.MethodPost, "/ping/"+url.PathEscape(token), nil, &resp); err != nil {
		return "", err
	}
	return resp.AgentID, nil
}

// Allocate asks for an agent carrying every label.
func (c *Client) Allocate(ctx context.Context, req protocol.AllocateRequest) (*protocol.AllocateResponse, error) {
	var resp protocol.AllocateResponse
	if err := c.call(ctx, http.MethodPost, "/allocate", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Submit creates, allocates and dispatches a session.
func (c *Client) Submit(ctx context.Context, req protocol.SubmitRequest) (*protocol.SubmitResponse, error) {
	var resp protocol.SubmitResponse
	if err := c.call(ctx, http.MethodPost, "/dispatch", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Agents lists every registered agent.
func (c *Client) Agents(ctx context.Context) ([]agents.Agent, error) {
	var list []agents.Agent
	if err := c.call(ctx, http.MethodGet, "/agents", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Agent returns one agent.
func (c *Client) Agent(ctx context.Context, id string) (*agents.Agent, error) {
	var a agents.Agent
	if err := c.call(ctx, http.MethodGet, "/agents/"+url.PathEscape(id), nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// AgentEvents returns an agent's buffered activity. A non-zero since keeps
// only entries after it.
func (c *Client) AgentEvents(ctx context.Context, id string, since time.Time) ([]hq.Activity, error) {
	path := "/agents/" + url.PathEscape(id) + "/events"
	if !since.IsZero() {
		path += "?since=" + url.QueryEscape(since.Format(time.RFC3339Nano))
	}
	var events []hq.Activity
	if err := c.call(ctx, http.MethodGet, path, nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// Queue lists waiting sessions oldest first.
func (c *Client) Queue(ctx context.Context) ([]queue.Entry, error) {
	var entries []queue.Entry
	if err := c.call(ctx, http.MethodGet, "/queue", nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Session returns one session.
func (c *Client) Session(ctx context.Context, id string) (*ledger.Session, error) {
	var s ledger.Session
	if err := c.call(ctx, http.MethodGet, "/sessions/"+url.PathEscape(id), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Result waits up to wait for the session to finish and returns its record,
// which is not done if the wait ran out.
func (c *Client) Result(ctx context.Context, id string, wait time.Duration) (*ledger.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, wait+DefaultTimeout)
	defer cancel()

	path := "/sessions/" + url.PathEscape(id) + "/result?wait=" + url.QueryEscape(wait.String())
	var s ledger.Session
	if err := c.call(ctx, http.MethodGet, path, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// SessionLog returns a session's history.
func (c *Client) SessionLog(ctx context.Context, id string) ([]ledger.LogEntry, error) {
	var entries []ledger.LogEntry
	if err := c.call(ctx, http.MethodGet, "/sessions/"+url.PathEscape(id)+"/log", nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Health checks that the daemon and its store are up.
func (c *Client) Health(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "/health", nil, nil)
}
