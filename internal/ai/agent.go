package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiliankoe/neuroquip/internal/decision"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("ai agent closed")

const (
	historySize = 8
	resultWait  = 5 * time.Second
)

type result struct {
	success bool
	message string
}

// Agent is a decision.Agent that answers each forced action by prompting a
// Provider. Rejected payloads are retried with the rejection appended to the
// prompt.
type Agent struct {
	provider Provider
	cfg      Config

	forces    chan decision.Force
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	handler decision.Handler
	actions map[string]decision.Action
	results map[string]chan result
	history []string
}

var _ decision.Agent = (*Agent)(nil)

func NewAgent(p Provider, cfg Config) *Agent {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	return &Agent{
		provider: p,
		cfg:      cfg,
		forces:   make(chan decision.Force, 1),
		closed:   make(chan struct{}),
		actions:  make(map[string]decision.Action),
		results:  make(map[string]chan result),
	}
}

func (a *Agent) SetHandler(h decision.Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = h
}

func (a *Agent) RegisterActions(_ context.Context, actions []decision.Action) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, act := range actions {
		a.actions[act.Name] = act
	}
	return nil
}

func (a *Agent) UnregisterActions(_ context.Context, names []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, n := range names {
		delete(a.actions, n)
	}
	return nil
}

// ForceActions queues f for Run. A newer force replaces one still waiting.
func (a *Agent) ForceActions(_ context.Context, f decision.Force) error {
	select {
	case <-a.closed:
		return ErrClosed
	default:
	}
	for {
		select {
		case a.forces <- f:
			return nil
		default:
		}
		select {
		case <-a.forces:
		default:
		}
	}
}

func (a *Agent) SendResult(_ context.Context, id string, success bool, message string) error {
	a.mu.Lock()
	ch, ok := a.results[id]
	a.mu.Unlock()
	if !ok {
		log.Debug().Str("id", id).Msg("result for unknown invocation")
		return nil
	}
	select {
	case ch <- result{success: success, message: message}:
	default:
	}
	return nil
}

func (a *Agent) SendContext(_ context.Context, message string, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = append(a.history, message)
	if len(a.history) > historySize {
		a.history = a.history[len(a.history)-historySize:]
	}
	return nil
}

func (a *Agent) Close() error {
	a.closeOnce.Do(func() { close(a.closed) })
	return nil
}

// Run answers forced actions until ctx is done or the agent is closed.
func (a *Agent) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.closed:
			return nil
		case f := <-a.forces:
			a.answer(ctx, f)
		}
	}
}

func (a *Agent) answer(ctx context.Context, f decision.Force) {
	if len(f.ActionNames) == 0 {
		return
	}
	name := f.ActionNames[0]
	feedback := ""
	for attempt := 1; attempt <= a.cfg.MaxAttempts; attempt++ {
		action, ok := a.action(name)
		if !ok {
			// window closed while we were thinking
			return
		}
		reply, err := a.provider.CompleteWithSystem(ctx, a.cfg.Model, a.cfg.SystemPrompt, a.prompt(f, action, feedback))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Str("action", name).Int("attempt", attempt).Msg("completion failed")
			continue
		}
		res := a.invoke(ctx, name, extractJSON(reply))
		if res.success {
			return
		}
		log.Info().Str("action", name).Int("attempt", attempt).Str("reason", res.message).Msg("stand-in decision rejected")
		feedback = res.message
	}
	log.Warn().Str("action", name).Int("attempts", a.cfg.MaxAttempts).Msg("stand-in gave up on action")
}

func (a *Agent) invoke(ctx context.Context, name, data string) result {
	id := uuid.NewString()
	ch := make(chan result, 1)
	a.mu.Lock()
	h := a.handler
	a.results[id] = ch
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.results, id)
		a.mu.Unlock()
	}()
	if h == nil {
		return result{message: "no handler installed"}
	}
	h(ctx, decision.Invocation{ID: id, Name: name, Data: data})

	t := time.NewTimer(resultWait)
	defer t.Stop()
	select {
	case r := <-ch:
		return r
	case <-ctx.Done():
		return result{message: ctx.Err().Error()}
	case <-t.C:
		return result{message: "no result received"}
	}
}

func (a *Agent) action(name string) (decision.Action, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	act, ok := a.actions[name]
	return act, ok
}

func (a *Agent) prompt(f decision.Force, action decision.Action, feedback string) string {
	a.mu.Lock()
	history := append([]string(nil), a.history...)
	a.mu.Unlock()

	var b strings.Builder
	if len(history) > 0 {
		b.WriteString("Recent events:\n")
		for _, h := range history {
			fmt.Fprintf(&b, "- %s\n", h)
		}
		b.WriteString("\n")
	}
	if f.State != "" {
		b.WriteString(f.State + "\n")
	}
	b.WriteString(f.Query + "\n\n")
	fmt.Fprintf(&b, "Action %q: %s\n", action.Name, action.Description)
	if action.Schema != nil {
		if s, err := json.Marshal(action.Schema); err == nil {
			fmt.Fprintf(&b, "JSON schema: %s\n", s)
		}
	}
	if feedback != "" {
		fmt.Fprintf(&b, "\nYour previous reply was rejected: %s\n", feedback)
	}
	return b.String()
}

// extractJSON trims prose and code fences around the first JSON object in s.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return strings.TrimSpace(s)
	}
	return s[start : end+1]
}
