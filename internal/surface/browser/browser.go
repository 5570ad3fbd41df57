// Package browser drives the jackbox.tv controller page in Chrome through the
// DevTools protocol.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"
	"github.com/kiliankoe/neuroquip/internal/surface"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultBaseURL   = "https://jackbox.tv/"
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

	inactiveClass = "pt-page-off"
)

// Controls are the element ids used to join a room and submit an answer.
type Controls struct {
	RoomCode     string
	Username     string
	Join         string
	AnswerPage   string
	AnswerInput  string
	AnswerSubmit string
	VotePage     string
	VoteOption   string
}

func Quiplash2() Controls {
	return Controls{
		RoomCode:     "roomcode",
		Username:     "username",
		Join:         "button-join",
		AnswerPage:   "state-answer-question",
		AnswerInput:  "quiplash-answer-input",
		AnswerSubmit: "quiplash-submit-answer",
		VotePage:     "state-vote",
		VoteOption:   "quiplash2-vote-button",
	}
}

type Options struct {
	BaseURL   string
	Headless  bool
	Timeout   time.Duration
	UserAgent string
	Controls  Controls
}

func DefaultOptions() Options {
	return Options{
		BaseURL:   DefaultBaseURL,
		Headless:  true,
		Timeout:   10 * time.Second,
		UserAgent: DefaultUserAgent,
		Controls:  Quiplash2(),
	}
}

// Browser is a surface.Surface backed by one Chrome tab.
type Browser struct {
	opts        Options
	tab         context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
}

var _ surface.Surface = (*Browser)(nil)

// Launch starts Chrome. The browser outlives ctx's cancellation and must be
// released with Close.
func Launch(ctx context.Context, opts Options) (*Browser, error) {
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.WithoutCancel(ctx), allocatorOptions(opts)...)
	tab, cancelTab := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(f string, a ...any) { log.Debug().Msgf(f, a...) }),
		chromedp.WithErrorf(func(f string, a ...any) { log.Debug().Msgf("chrome: "+f, a...) }),
	)
	b := &Browser{opts: opts, tab: tab, cancelTab: cancelTab, cancelAlloc: cancelAlloc}
	// the first Run on a fresh context starts the browser process
	if err := chromedp.Run(tab); err != nil {
		_ = b.Close()
		return nil, errors.Wrap(err, "launch chrome")
	}
	log.Info().Bool("headless", opts.Headless).Msg("browser started")
	return b, nil
}

func allocatorOptions(opts Options) []chromedp.ExecAllocatorOption {
	headless := chromedp.Flag("headless", false)
	if opts.Headless {
		headless = chromedp.Flag("headless", "new")
	}
	return append(chromedp.DefaultExecAllocatorOptions[:],
		headless,
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.WindowSize(1920, 1080),
		chromedp.UserAgent(opts.UserAgent),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("enable-automation", false),
	)
}

func (b *Browser) Close() error {
	b.cancelTab()
	b.cancelAlloc()
	log.Info().Msg("browser closed")
	return nil
}

// run executes actions bounded by the surface timeout and by ctx.
func (b *Browser) run(ctx context.Context, actions ...chromedp.Action) error {
	cctx, cancel := context.WithTimeout(b.tab, b.opts.Timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return classify(ctx, chromedp.Run(cctx, actions...))
}

func classify(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return errors.Wrap(surface.ErrTimeout, err.Error())
	case containsAny(err.Error(), notInteractable):
		return errors.Wrap(surface.ErrNotInteractable, err.Error())
	case containsAny(err.Error(), notReady):
		return errors.Wrap(surface.ErrNotFound, err.Error())
	}
	return err
}

var (
	notInteractable = []string{"not visible", "not interactable"}
	// the page is navigating or re-rendering between polls
	notReady = []string{
		"Execution context was destroyed",
		"Cannot find context with specified id",
		"Could not find node with given id",
		"No node with given id found",
		"Node is detached from document",
	}
)

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

type indicatorResult struct {
	Present bool `json:"present"`
	Active  bool `json:"active"`
}

type textResult struct {
	Found bool   `json:"found"`
	Text  string `json:"text"`
}

func (b *Browser) Indicator(ctx context.Context, id string) (surface.Indicator, error) {
	var res indicatorResult
	if err := b.run(ctx, chromedp.Evaluate(indicatorScript(id), &res)); err != nil {
		return surface.Indicator{}, err
	}
	return surface.Indicator{Present: res.Present, Active: res.Active}, nil
}

func (b *Browser) Text(ctx context.Context, scope, id string) (string, error) {
	var res textResult
	if err := b.run(ctx, chromedp.Evaluate(textScript(scope, id), &res)); err != nil {
		return "", err
	}
	if !res.Found {
		return "", errors.Wrapf(surface.ErrNotFound, "#%s #%s", scope, id)
	}
	return res.Text, nil
}

func (b *Browser) Labels(ctx context.Context, scope, class string) ([]string, error) {
	var labels []string
	if err := b.run(ctx, chromedp.Evaluate(labelsScript(scope, class), &labels)); err != nil {
		return nil, err
	}
	return labels, nil
}

func (b *Browser) ApplyName(ctx context.Context, room, name string) error {
	c := b.opts.Controls
	err := b.run(ctx,
		chromedp.Navigate(b.opts.BaseURL),
		chromedp.WaitReady(c.RoomCode, chromedp.ByID),
		chromedp.SendKeys(c.RoomCode, room, chromedp.ByID),
		chromedp.WaitReady(c.Username, chromedp.ByID),
		chromedp.SendKeys(c.Username, name, chromedp.ByID),
		chromedp.WaitEnabled(c.Join, chromedp.ByID),
		chromedp.Click(c.Join, chromedp.ByID),
	)
	return errors.Wrap(err, "join room")
}

func (b *Browser) ApplyAnswer(ctx context.Context, answer string) error {
	c := b.opts.Controls
	input := scoped(c.AnswerPage, "#"+c.AnswerInput)
	submit := scoped(c.AnswerPage, "#"+c.AnswerSubmit)
	err := b.run(ctx,
		chromedp.WaitReady(input, chromedp.ByQuery),
		chromedp.SendKeys(input, answer, chromedp.ByQuery),
		chromedp.WaitEnabled(submit, chromedp.ByQuery),
		chromedp.Click(submit, chromedp.ByQuery),
	)
	return errors.Wrap(err, "submit answer")
}

func (b *Browser) ApplyVote(ctx context.Context, index int, label string) error {
	c := b.opts.Controls
	var labels []string
	var nodes []*cdp.Node
	sel := scoped(c.VotePage, "."+c.VoteOption)
	err := b.run(ctx,
		chromedp.Evaluate(labelsScript(c.VotePage, c.VoteOption), &labels),
		chromedp.Nodes(sel, &nodes, chromedp.ByQueryAll),
	)
	if err != nil {
		return errors.Wrap(err, "find vote buttons")
	}
	if err := checkVote(labels, len(nodes), index, label); err != nil {
		return err
	}
	if err := b.run(ctx, chromedp.MouseClickNode(nodes[index])); err != nil {
		return errors.Wrapf(err, "click vote button %d", index+1)
	}
	return nil
}

// checkVote makes sure the button at index is still the answer that was voted on.
func checkVote(labels []string, buttons, index int, label string) error {
	if index < 0 || index >= buttons {
		return errors.Wrapf(surface.ErrNotFound, "vote button %d of %d", index+1, buttons)
	}
	if len(labels) != buttons || labels[index] != label {
		return errors.Wrapf(surface.ErrChanged, "vote button %d no longer reads %q", index+1, label)
	}
	return nil
}

func scoped(scope, sel string) string {
	return "#" + scope + " " + sel
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func indicatorScript(id string) string {
	return fmt.Sprintf(`(() => {
	const el = document.getElementById(%s);
	if (!el) return {present: false, active: false};
	return {present: true, active: !el.classList.contains(%s)};
})()`, jsString(id), jsString(inactiveClass))
}

func textScript(scope, id string) string {
	return fmt.Sprintf(`(() => {
	const page = document.getElementById(%s);
	const el = page && page.querySelector("#" + CSS.escape(%s));
	if (!el) return {found: false, text: ""};
	return {found: true, text: el.innerText.trim()};
})()`, jsString(scope), jsString(id))
}

func labelsScript(scope, class string) string {
	return fmt.Sprintf(`(() => {
	const page = document.getElementById(%s);
	if (!page) return [];
	return Array.from(page.getElementsByClassName(%s)).map(el => el.innerText.trim());
})()`, jsString(scope), jsString(class))
}
