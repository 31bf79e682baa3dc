// Package dispatch hands a session to an agent over HTTP.
//
// A dispatch is a plain at-most-once call: it is never retried. When it
// fails the session stays bound to the agent until the allocation TTL
// lapses and the agent's next available check-in reclaims it.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultTimeout bounds one dispatch call.
const DefaultTimeout = 15 * time.Second

// Payload is everything an agent needs to start a session.
type Payload struct {
	SessionID string            `json:"session_id"`
	BuildID   string            `json:"build_id"`
	Job       string            `json:"job,omitempty"`
	Labels    []string          `json:"labels"`
	Env       map[string]string `json:"env,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Kwargs    map[string]any    `json:"kwargs,omitempty"`
	JobServer string            `json:"job_server,omitempty"`
}

// Dispatcher delivers a payload to the agent listening at address
// (host:port) and returns the agent's acknowledgement body.
type Dispatcher interface {
	Dispatch(ctx context.Context, address string, p Payload) (json.RawMessage, error)
}

// Error is a failed dispatch call.
type Error struct {
	Address    string
	StatusCode int // zero when no response arrived
	Body       string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.StatusCode != 0:
		return fmt.Sprintf("dispatch to %s: status %d: %v", e.Address, e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("dispatch to %s: %v", e.Address, e.Err)
	}
	return fmt.Sprintf("dispatch to %s: status %d: %s", e.Address, e.StatusCode, e.Body)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPClient posts payloads to http://address/dispatch.
type HTTPClient struct {
	http *http.Client
}

// NewHTTPClient creates a dispatcher with the given per-call timeout.
func NewHTTPClient(timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPClient{http: &http.Client{Timeout: timeout}}
}

func (c *HTTPClient) Dispatch(ctx context.Context, address string, p Payload) (json.RawMessage, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding dispatch payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+address+"/dispatch", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Address: address, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &Error{Address: address, Err: fmt.Errorf("reading response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Address: address, StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
	}
	if !json.Valid(data) {
		return nil, &Error{Address: address, StatusCode: resp.StatusCode, Err: fmt.Errorf("acknowledgement is not JSON")}
	}
	return json.RawMessage(data), nil
}
