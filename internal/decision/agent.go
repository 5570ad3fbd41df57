package decision

import (
	"context"

	"github.com/google/jsonschema-go/jsonschema"
)

// Action is one registerable action offered to the agent.
type Action struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Schema      *jsonschema.Schema `json:"schema,omitempty"`
}

// Force asks the agent to pick one of ActionNames now.
type Force struct {
	State            string   `json:"state,omitempty"`
	Query            string   `json:"query"`
	EphemeralContext bool     `json:"ephemeral_context"`
	ActionNames      []string `json:"action_names"`
}

// Invocation is an action the agent chose, with its raw JSON payload.
type Invocation struct {
	ID   string
	Name string
	Data string
}

// Handler receives invocations from the agent. It may be called from any goroutine.
type Handler func(ctx context.Context, inv Invocation)

// Agent is the decision-source protocol. Implementations deliver invocations to
// the handler installed with SetHandler.
type Agent interface {
	SetHandler(h Handler)
	RegisterActions(ctx context.Context, actions []Action) error
	UnregisterActions(ctx context.Context, names []string) error
	ForceActions(ctx context.Context, f Force) error
	SendResult(ctx context.Context, id string, success bool, message string) error
	SendContext(ctx context.Context, message string, silent bool) error
	Close() error
}
