package decision

import (
	"context"
	"sync"

	"github.com/kiliankoe/neuroquip/internal/game"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	msgNoWindow      = "No decision is pending right now."
	msgAlreadyChosen = "A decision was already accepted for this prompt."
)

// Channel opens decision windows on an Agent and feeds accepted decisions
// into the session's ready signal.
type Channel struct {
	agent   Agent
	session *game.Session

	mu   sync.Mutex
	live []string // action names registered for the open window
}

func NewChannel(agent Agent, session *game.Session) *Channel {
	c := &Channel{agent: agent, session: session}
	agent.SetHandler(c.HandleAction)
	return c
}

// OpenWindow arms the session for req, registers its single action and forces
// the agent to choose it. It fails fast when a window is already open.
func (c *Channel) OpenWindow(ctx context.Context, req game.DecisionRequest) error {
	if err := c.session.Arm(req); err != nil {
		return err
	}
	action := Action{Name: req.Action, Description: req.Description, Schema: req.Schema()}
	c.mu.Lock()
	c.live = []string{req.Action}
	c.mu.Unlock()

	if err := c.agent.RegisterActions(ctx, []Action{action}); err != nil {
		c.abort(ctx)
		return errors.Wrapf(err, "register %s", req.Action)
	}
	force := Force{State: req.State, Query: req.Query, ActionNames: []string{req.Action}}
	if err := c.agent.ForceActions(ctx, force); err != nil {
		c.abort(ctx)
		return errors.Wrapf(err, "force %s", req.Action)
	}
	log.Info().Str("window", req.ID).Str("action", req.Action).Str("phase", string(req.Phase)).Msg("decision window open")
	return nil
}

func (c *Channel) abort(ctx context.Context) {
	if err := c.CloseWindow(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to tear down window")
	}
}

// CloseWindow disarms the session and unregisters the window's action. It is
// a no-op when nothing is open.
func (c *Channel) CloseWindow(ctx context.Context) error {
	w, open := c.session.Disarm()
	c.mu.Lock()
	names := c.live
	c.live = nil
	c.mu.Unlock()
	if len(names) == 0 {
		return nil
	}
	if open {
		log.Debug().Str("window", w.ID).Str("action", w.Action).Msg("decision window closed")
	}
	return errors.Wrap(c.agent.UnregisterActions(ctx, names), "unregister actions")
}

// HandleAction validates one invocation against the open window. Accepted
// decisions arm the session; rejected ones are reported back and the window
// stays open for another attempt.
func (c *Channel) HandleAction(ctx context.Context, inv Invocation) {
	req, ok := c.session.Window()
	if !ok {
		c.DeliverResult(ctx, inv.ID, false, msgNoWindow)
		return
	}
	if inv.Name != req.Action {
		c.DeliverResult(ctx, inv.ID, false, "Unknown action '"+inv.Name+"'.")
		return
	}
	v, err := game.Validate(req, inv.Data, c.session.VoteOptionCount())
	if err != nil {
		var verr *game.ValidationError
		msg := err.Error()
		if errors.As(err, &verr) {
			msg = verr.Message
		}
		log.Warn().Str("window", req.ID).Str("action", inv.Name).Str("reason", msg).Msg("decision rejected")
		c.DeliverResult(ctx, inv.ID, false, msg)
		return
	}
	if err := c.session.Offer(req.ID, v); err != nil {
		msg := msgNoWindow
		if errors.Is(err, game.ErrAlreadyDecided) {
			msg = msgAlreadyChosen
		}
		c.DeliverResult(ctx, inv.ID, false, msg)
		return
	}
	log.Info().Str("window", req.ID).Str("decision", v.String()).Msg("decision accepted")
	c.DeliverResult(ctx, inv.ID, true, v.String())
}

// DeliverResult tells the agent whether its last submission was accepted.
func (c *Channel) DeliverResult(ctx context.Context, id string, accepted bool, message string) {
	if err := c.agent.SendResult(ctx, id, accepted, message); err != nil {
		log.Error().Err(err).Str("id", id).Msg("failed to deliver action result")
	}
}

// Notify sends an informational update about the game to the agent.
func (c *Channel) Notify(ctx context.Context, message string) {
	if err := c.agent.SendContext(ctx, message, true); err != nil {
		log.Warn().Err(err).Msg("failed to send context")
	}
}

// Shutdown tears down any open window and closes the agent session.
func (c *Channel) Shutdown(ctx context.Context) error {
	werr := c.CloseWindow(ctx)
	cerr := c.agent.Close()
	if werr != nil {
		return werr
	}
	return errors.Wrap(cerr, "close agent")
}
