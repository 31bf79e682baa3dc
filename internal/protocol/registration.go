package protocol

// RegisterRequest is an agent announcing itself. Host defaults to the
// request's remote address; ID and Nick are generated when empty.
type RegisterRequest struct {
	ID     string   `json:"id,omitempty" validate:"omitempty,max=128,excludesall=:"`
	Nick   string   `json:"nick,omitempty" validate:"omitempty,max=64"`
	Host   string   `json:"host,omitempty" validate:"omitempty,hostname_rfc1123|ip"`
	Port   int      `json:"port" validate:"required,min=1,max=65535"`
	Labels []string `json:"labels" validate:"dive,max=64"`
}

// RegisterResponse carries the token the agent presents on every
// check-in.
type RegisterResponse struct {
	AgentID string `json:"agent_id"`
	Token   string `json:"token"`
	Nick    string `json:"nick"`
}
