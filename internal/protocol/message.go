// Package protocol defines the wire types spoken between ahqd, agents and
// the CLI.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Response is the envelope around every HTTP response body.
type Response struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// CheckInRequest is the body of POST /available/{token} and
// POST /busy/{token}. Both fields are optional.
type CheckInRequest struct {
	SessionID string `json:"session_id,omitempty" validate:"omitempty,max=128"`
	Result    string `json:"result,omitempty" validate:"omitempty,oneof=unknown success failed aborted"`
	Output    string `json:"output,omitempty" validate:"max=65536"`
}

// CheckInResponse is the agent's state after a check-in. Dispatch carries
// the payload of a queued session the agent was just bound to.
type CheckInResponse struct {
	AgentID   string          `json:"agent_id"`
	State     string          `json:"state"`
	SessionID string          `json:"session_id,omitempty"`
	Dispatch  json.RawMessage `json:"dispatch,omitempty"`
}

// AllocateRequest asks for an agent advertising every label.
type AllocateRequest struct {
	SessionID string          `json:"session_id,omitempty" validate:"omitempty,max=128"`
	Labels    []string        `json:"labels" validate:"dive,max=64"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// AllocateResponse is either {status: ok, agent...} or {status: queued,
// entry_id...}.
type AllocateResponse struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id"`
	EntryID   string `json:"entry_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	Nick      string `json:"nick,omitempty"`
	Address   string `json:"address,omitempty"`
}

// SubmitRequest is the body of POST /dispatch.
type SubmitRequest struct {
	SessionID string            `json:"session_id,omitempty" validate:"omitempty,max=128"`
	BuildID   string            `json:"build_id,omitempty" validate:"omitempty,max=128"`
	Job       string            `json:"job" validate:"required_without=SessionID,max=256"`
	Labels    []string          `json:"labels" validate:"dive,max=64"`
	Env       map[string]string `json:"env,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Kwargs    map[string]any    `json:"kwargs,omitempty"`
}

// SubmitResponse says where a submitted session went.
type SubmitResponse struct {
	SessionID string          `json:"session_id"`
	State     string          `json:"state"`
	AgentID   string          `json:"agent_id,omitempty"`
	Address   string          `json:"address,omitempty"`
	Ack       json.RawMessage `json:"ack,omitempty"`
}

// PingResponse names the agent a token belongs to.
type PingResponse struct {
	AgentID string `json:"agent_id"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

var validate = validator.New()

// Validate checks v's struct tags and flattens the failures into one
// readable error.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", fe.Field(), fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}
