package detect

import (
	"context"
	"time"

	"github.com/kiliankoe/neuroquip/internal/game"
	"github.com/kiliankoe/neuroquip/internal/surface"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Markers are the stable identifiers the detector looks for on the page.
type Markers struct {
	AnswerPage   string
	AnswerPrompt string
	VotePage     string
	VoteStatus   string
	VotePrompt   string
	VoteOption   string
	WaitingText  string
}

// Quiplash2 are the markers of the jackbox.tv Quiplash 2 controller.
func Quiplash2() Markers {
	return Markers{
		AnswerPage:   "state-answer-question",
		AnswerPrompt: "question-text",
		VotePage:     "state-vote",
		VoteStatus:   "vote-text",
		VotePrompt:   "question-text",
		VoteOption:   "quiplash2-vote-button",
		WaitingText:  "Wait for the other players!",
	}
}

type Options struct {
	Markers Markers
	// AnswerSettle and VoteSettle give the page time to render its text after
	// the marker flips active.
	AnswerSettle time.Duration
	VoteSettle   time.Duration
}

func DefaultOptions() Options {
	return Options{
		Markers:      Quiplash2(),
		AnswerSettle: 100 * time.Millisecond,
		VoteSettle:   time.Second,
	}
}

type Detector struct {
	surface surface.Reader
	opts    Options
}

func New(r surface.Reader, opts Options) *Detector {
	return &Detector{surface: r, opts: opts}
}

// Poll classifies the page as it is right now. A missing or unreadable marker
// means "not this phase". Only cancellation and non-transient surface failures
// are returned as errors.
func (d *Detector) Poll(ctx context.Context) (game.PhasePayload, error) {
	// answer first when both pages claim to be active
	p, err := d.settle(d.answer(ctx))
	if err != nil || p.Phase != game.PhaseIdle {
		return p, err
	}
	v, err := d.settle(d.vote(ctx))
	if err == nil && v.Phase == game.PhaseIdle && p.Unreadable {
		v.Unreadable = true
	}
	return v, err
}

func (d *Detector) settle(p game.PhasePayload, err error) (game.PhasePayload, error) {
	if err == nil {
		return p, nil
	}
	if surface.Transient(err) {
		log.Debug().Err(err).Msg("surface marker unavailable, treating as idle")
		return game.PhasePayload{Phase: game.PhaseIdle, Unreadable: true}, nil
	}
	return game.PhasePayload{Phase: game.PhaseIdle}, err
}

func (d *Detector) answer(ctx context.Context) (game.PhasePayload, error) {
	m := d.opts.Markers
	active, err := d.active(ctx, m.AnswerPage)
	if err != nil || !active {
		return game.PhasePayload{Phase: game.PhaseIdle}, err
	}
	if err := sleep(ctx, d.opts.AnswerSettle); err != nil {
		return game.PhasePayload{Phase: game.PhaseIdle}, err
	}
	prompt, err := d.surface.Text(ctx, m.AnswerPage, m.AnswerPrompt)
	if err != nil {
		return game.PhasePayload{Phase: game.PhaseIdle}, errors.Wrap(err, "read answer prompt")
	}
	return game.PhasePayload{Phase: game.PhaseAwaitingAnswer, Prompt: prompt}, nil
}

func (d *Detector) vote(ctx context.Context) (game.PhasePayload, error) {
	m := d.opts.Markers
	idle := game.PhasePayload{Phase: game.PhaseIdle}
	active, err := d.active(ctx, m.VotePage)
	if err != nil || !active {
		return idle, err
	}
	if err := sleep(ctx, d.opts.VoteSettle); err != nil {
		return idle, err
	}
	status, err := d.surface.Text(ctx, m.VotePage, m.VoteStatus)
	if err != nil {
		return idle, errors.Wrap(err, "read vote status")
	}
	if status == m.WaitingText {
		return game.PhasePayload{Phase: game.PhaseIdle, Waiting: true}, nil
	}
	prompt, err := d.surface.Text(ctx, m.VotePage, m.VotePrompt)
	if err != nil {
		return idle, errors.Wrap(err, "read vote prompt")
	}
	options, err := d.surface.Labels(ctx, m.VotePage, m.VoteOption)
	if err != nil {
		return idle, errors.Wrap(err, "read vote options")
	}
	if len(options) == 0 {
		return idle, nil
	}
	return game.PhasePayload{Phase: game.PhaseAwaitingVote, Prompt: prompt, Options: options}, nil
}

func (d *Detector) active(ctx context.Context, id string) (bool, error) {
	ind, err := d.surface.Indicator(ctx, id)
	if err != nil {
		return false, errors.Wrapf(err, "indicator %s", id)
	}
	return ind.Present && ind.Active, nil
}

func sleep(ctx context.Context, d time.Duration) error {
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
