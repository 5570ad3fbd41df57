package neuro

import (
	"encoding/json"

	"github.com/kiliankoe/neuroquip/internal/decision"
)

const (
	cmdStartup         = "startup"
	cmdContext         = "context"
	cmdRegister        = "actions/register"
	cmdUnregister      = "actions/unregister"
	cmdForce           = "actions/force"
	cmdResult          = "action/result"
	cmdAction          = "action"
	cmdReregisterAll   = "actions/reregister_all"
	cmdShutdownRequest = "shutdown/graceful"
)

type outgoing struct {
	Command string `json:"command"`
	Game    string `json:"game"`
	Data    any    `json:"data,omitempty"`
}

type incoming struct {
	Command string          `json:"command"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type contextData struct {
	Message string `json:"message"`
	Silent  bool   `json:"silent"`
}

type registerData struct {
	Actions []decision.Action `json:"actions"`
}

type unregisterData struct {
	ActionNames []string `json:"action_names"`
}

type resultData struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type actionData struct {
	ID   string  `json:"id"`
	Name string  `json:"name"`
	Data *string `json:"data,omitempty"`
}
