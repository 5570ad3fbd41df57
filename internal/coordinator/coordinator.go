package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiliankoe/neuroquip/internal/game"
	"github.com/kiliankoe/neuroquip/internal/surface"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var ErrJoinFailed = errors.New("join failed")

// Detector classifies the current phase of the surface.
type Detector interface {
	Poll(ctx context.Context) (game.PhasePayload, error)
}

// Channel is the decision-window side of the bridge.
type Channel interface {
	OpenWindow(ctx context.Context, req game.DecisionRequest) error
	CloseWindow(ctx context.Context) error
	Notify(ctx context.Context, message string)
	Shutdown(ctx context.Context) error
}

type Options struct {
	// PollInterval paces the idle loop; the surface cannot push phase changes.
	PollInterval    time.Duration
	DecisionTimeout time.Duration
	// TeardownTimeout bounds unregister/close calls made after cancellation.
	TeardownTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		PollInterval:    time.Second,
		DecisionTimeout: 2 * time.Minute,
		TeardownTimeout: 5 * time.Second,
	}
}

// phase is the per-phase configuration of the shared window routine.
type phase struct {
	request func(game.PhasePayload) game.DecisionRequest
	apply   func(ctx context.Context, p game.PhasePayload, v game.DecisionValue) error
	notice  func(v game.DecisionValue) string
}

type Coordinator struct {
	session  *game.Session
	detector Detector
	channel  Channel
	applier  surface.Applier
	observer Observer
	opts     Options

	phases map[game.Phase]phase
	// last payload a decision was applied to; cleared when the surface goes idle
	handled string
}

func New(sess *game.Session, d Detector, ch Channel, a surface.Applier, opts Options) *Coordinator {
	c := &Coordinator{
		session:  sess,
		detector: d,
		channel:  ch,
		applier:  a,
		observer: nopObserver{},
		opts:     opts,
	}
	c.phases = map[game.Phase]phase{
		game.PhaseAwaitingAnswer: {
			request: func(p game.PhasePayload) game.DecisionRequest { return game.AnswerRequest(p.Prompt) },
			apply: func(ctx context.Context, _ game.PhasePayload, v game.DecisionValue) error {
				return a.ApplyAnswer(ctx, v.Text)
			},
			notice: func(v game.DecisionValue) string { return fmt.Sprintf("Submitted answer %q.", v.Text) },
		},
		game.PhaseAwaitingVote: {
			request: func(p game.PhasePayload) game.DecisionRequest { return game.VoteRequest(p.Prompt, p.Options) },
			apply: func(ctx context.Context, p game.PhasePayload, v game.DecisionValue) error {
				return a.ApplyVote(ctx, v.Index, p.Options[v.Index])
			},
			notice: func(v game.DecisionValue) string { return fmt.Sprintf("Voted for answer %d.", v.Index+1) },
		},
	}
	return c
}

// SetObserver installs o to receive state changes.
func (c *Coordinator) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	c.observer = o
}

// Run drives the session until ctx is cancelled or a fatal error occurs. A
// cancelled run returns nil.
func (c *Coordinator) Run(ctx context.Context) (err error) {
	defer func() {
		c.terminate()
		if ctx.Err() != nil && (err == nil || errors.Is(err, ctx.Err())) {
			err = nil
		}
	}()

	name, err := c.obtainName(ctx)
	if err != nil {
		return err
	}
	if err := c.join(ctx, name); err != nil {
		return err
	}
	return c.loop(ctx)
}

func (c *Coordinator) obtainName(ctx context.Context) (string, error) {
	for {
		c.transition(game.PhaseAwaitingName)
		v, ok, err := c.window(ctx, game.NameRequest())
		if err != nil {
			return "", err
		}
		if ok {
			c.session.SetName(v.Text)
			return v.Text, nil
		}
	}
}

func (c *Coordinator) join(ctx context.Context, name string) error {
	c.transition(game.PhaseJoining)
	room := c.session.Room
	if err := c.applier.ApplyName(ctx, room, name); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.session.RecordError(err)
		log.Error().Err(err).Str("room", room).Str("name", name).Msg("join failed")
		return errors.Wrapf(ErrJoinFailed, "room %s as %s: %v", room, name, err)
	}
	c.session.RecordApplied()
	log.Info().Str("room", room).Str("name", name).Msg("joined room")
	c.channel.Notify(ctx, fmt.Sprintf("Joined room %s as %s.", room, name))
	return nil
}

func (c *Coordinator) loop(ctx context.Context) error {
	for {
		c.transition(game.PhaseIdle)
		payload, err := c.detector.Poll(ctx)
		if err != nil {
			return errors.Wrap(err, "poll surface")
		}
		if err := c.step(ctx, payload); err != nil {
			return err
		}
		if err := pause(ctx, c.opts.PollInterval); err != nil {
			return err
		}
	}
}

// step handles one observed payload.
func (c *Coordinator) step(ctx context.Context, payload game.PhasePayload) error {
	cfg, ok := c.phases[payload.Phase]
	if !ok {
		// an unreadable page says nothing about whether the prompt changed
		if !payload.Unreadable {
			c.handled = ""
		}
		return nil
	}
	fp := payload.Fingerprint()
	if fp == c.handled {
		return nil
	}
	c.transition(payload.Phase)
	v, ok, err := c.window(ctx, cfg.request(payload))
	if err != nil || !ok {
		return err
	}
	if err := cfg.apply(ctx, payload, v); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// the next poll re-detects the phase and opens a fresh window
		c.session.RecordError(err)
		c.observer.Observe(Event{Kind: EventApplyFailed, Snapshot: c.session.Snapshot(), Err: err.Error()})
		log.Warn().Err(err).Str("phase", string(payload.Phase)).Bool("transient", surface.Transient(err)).Msg("apply failed")
		return nil
	}
	c.handled = fp
	c.session.RecordApplied()
	c.observer.Observe(Event{Kind: EventApplied, Snapshot: c.session.Snapshot()})
	c.channel.Notify(ctx, cfg.notice(v))
	return nil
}

// window opens one decision window for req and waits for its outcome. ok is
// false when the window timed out.
func (c *Coordinator) window(ctx context.Context, req game.DecisionRequest) (game.DecisionValue, bool, error) {
	req.ID = uuid.NewString()
	if err := c.channel.OpenWindow(ctx, req); err != nil {
		return game.DecisionValue{}, false, errors.Wrap(err, "open window")
	}
	c.observer.Observe(Event{Kind: EventWindowOpened, Snapshot: c.session.Snapshot(), Window: &req})

	v, err := c.session.Await(ctx, c.opts.DecisionTimeout)

	tctx, cancel := c.teardownContext(ctx)
	defer cancel()
	if cerr := c.channel.CloseWindow(tctx); cerr != nil {
		log.Warn().Err(cerr).Str("window", req.ID).Msg("failed to close window")
	}

	outcome := "accepted"
	switch {
	case err == nil:
	case errors.Is(err, game.ErrDecisionTimeout):
		outcome = "timeout"
		log.Warn().Str("window", req.ID).Str("action", req.Action).Dur("after", c.opts.DecisionTimeout).Msg("decision window timed out")
	default:
		outcome = "cancelled"
	}
	c.observer.Observe(Event{Kind: EventWindowClosed, Snapshot: c.session.Snapshot(), Window: &req, Outcome: outcome})

	switch outcome {
	case "accepted":
		return v, true, nil
	case "timeout":
		return game.DecisionValue{}, false, nil
	}
	return game.DecisionValue{}, false, err
}

func (c *Coordinator) terminate() {
	c.transition(game.PhaseTerminated)
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.TeardownTimeout)
	defer cancel()
	if err := c.channel.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("agent shutdown failed")
	}
	log.Info().Msg("coordinator stopped")
}

// teardownContext survives cancellation of ctx so that an open window can
// still be unregistered during shutdown.
func (c *Coordinator) teardownContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.opts.TeardownTimeout)
}

func (c *Coordinator) transition(p game.Phase) {
	if prev := c.session.SetPhase(p); prev != p {
		log.Debug().Str("from", string(prev)).Str("to", string(p)).Msg("phase transition")
		c.observer.Observe(Event{Kind: EventPhase, Snapshot: c.session.Snapshot()})
	}
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
