// Package ai is a stand-in decision source: it answers forced actions by
// asking a completion API instead of a live Neuro server.
package ai

import "context"

type Provider interface {
	CompleteWithSystem(ctx context.Context, model string, systemPrompt string, prompt string) (string, error)
}

type Config struct {
	Model        string
	SystemPrompt string
	MaxAttempts  int
}

const DefaultSystemPrompt = "You are playing Quiplash 2, a party game about funny answers. " +
	"You will be asked to take one action. Reply with a single JSON object that matches the given schema and nothing else."
