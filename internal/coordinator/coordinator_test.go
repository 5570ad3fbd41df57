package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kiliankoe/neuroquip/internal/decision"
	"github.com/kiliankoe/neuroquip/internal/game"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedAgent answers forced actions from a per-action queue and retries
// with the next queued payload after a rejection.
type scriptedAgent struct {
	mu        sync.Mutex
	handler   decision.Handler
	responses map[string][]string
	live      map[string]bool
	maxLive   int
	forced    []string
	results   []bool
	messages  []string
	contexts  []string
	closed    bool
	lastForce string
	seq       int
}

func newScriptedAgent(responses map[string][]string) *scriptedAgent {
	return &scriptedAgent{responses: responses, live: map[string]bool{}}
}

func (a *scriptedAgent) SetHandler(h decision.Handler) { a.handler = h }

func (a *scriptedAgent) RegisterActions(_ context.Context, actions []decision.Action) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, act := range actions {
		a.live[act.Name] = true
	}
	if len(a.live) > a.maxLive {
		a.maxLive = len(a.live)
	}
	return nil
}

func (a *scriptedAgent) UnregisterActions(_ context.Context, names []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, n := range names {
		delete(a.live, n)
	}
	return nil
}

func (a *scriptedAgent) ForceActions(_ context.Context, f decision.Force) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	name := f.ActionNames[0]
	a.forced = append(a.forced, name)
	a.lastForce = name
	a.nextLocked(name)
	return nil
}

func (a *scriptedAgent) nextLocked(name string) {
	queue := a.responses[name]
	if len(queue) == 0 {
		return
	}
	data := queue[0]
	a.responses[name] = queue[1:]
	a.seq++
	inv := decision.Invocation{ID: fmt.Sprintf("%s-%d", name, a.seq), Name: name, Data: data}
	h := a.handler
	go h(context.Background(), inv)
}

func (a *scriptedAgent) SendResult(_ context.Context, _ string, success bool, message string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results = append(a.results, success)
	a.messages = append(a.messages, message)
	if !success {
		a.nextLocked(a.lastForce)
	}
	return nil
}

func (a *scriptedAgent) SendContext(_ context.Context, message string, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.contexts = append(a.contexts, message)
	return nil
}

func (a *scriptedAgent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

func (a *scriptedAgent) snapshot() (forced []string, messages []string, live int, maxLive int, closed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.forced...), append([]string(nil), a.messages...), len(a.live), a.maxLive, a.closed
}

type fakeApplier struct {
	mu       sync.Mutex
	joins    []string
	answers  []string
	votes    []int
	labels   []string
	joinErr  error
	applyErr []error
	// onJoin runs inside ApplyName and replaces joinErr when set
	onJoin func(ctx context.Context) error
}

func (f *fakeApplier) ApplyName(ctx context.Context, room, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, room+"/"+name)
	if f.onJoin != nil {
		return f.onJoin(ctx)
	}
	return f.joinErr
}

func (f *fakeApplier) popErr() error {
	if len(f.applyErr) == 0 {
		return nil
	}
	err := f.applyErr[0]
	f.applyErr = f.applyErr[1:]
	return err
}

func (f *fakeApplier) ApplyAnswer(_ context.Context, answer string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, answer)
	return f.popErr()
}

func (f *fakeApplier) ApplyVote(_ context.Context, index int, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.votes = append(f.votes, index)
	f.labels = append(f.labels, label)
	return f.popErr()
}

// scriptedDetector replays payloads and cancels the run once they are used up.
type scriptedDetector struct {
	mu       sync.Mutex
	payloads []game.PhasePayload
	err      error
	cancel   context.CancelFunc
	polls    int
}

func (d *scriptedDetector) Poll(ctx context.Context) (game.PhasePayload, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.polls++
	if len(d.payloads) == 0 {
		if d.err != nil {
			return game.PhasePayload{}, d.err
		}
		d.cancel()
		return game.PhasePayload{}, ctx.Err()
	}
	p := d.payloads[0]
	d.payloads = d.payloads[1:]
	return p, nil
}

func answer(prompt string) game.PhasePayload {
	return game.PhasePayload{Phase: game.PhaseAwaitingAnswer, Prompt: prompt}
}

func voting(prompt string, options ...string) game.PhasePayload {
	return game.PhasePayload{Phase: game.PhaseAwaitingVote, Prompt: prompt, Options: options}
}

var idle = game.PhasePayload{Phase: game.PhaseIdle}

type harness struct {
	sess     *game.Session
	agent    *scriptedAgent
	applier  *fakeApplier
	detector *scriptedDetector
	coord    *Coordinator
	ctx      context.Context
	events   *recorder
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Observe(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func newHarness(t *testing.T, responses map[string][]string, payloads ...game.PhasePayload) *harness {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	h := &harness{
		sess:     game.NewSession("ABCD"),
		agent:    newScriptedAgent(responses),
		applier:  &fakeApplier{},
		detector: &scriptedDetector{payloads: payloads, cancel: cancel},
		ctx:      ctx,
		events:   &recorder{},
	}
	ch := decision.NewChannel(h.agent, h.sess)
	h.coord = New(h.sess, h.detector, ch, h.applier, Options{
		DecisionTimeout: 200 * time.Millisecond,
		TeardownTimeout: time.Second,
	})
	h.coord.SetObserver(h.events)
	return h
}

func TestFullRound(t *testing.T) {
	h := newHarness(t, map[string][]string{
		"set_name":  {`{"name":"Bob"}`},
		"respond":   {`{"answer":"Because"}`},
		"cast_vote": {`{"vote":4}`, `{"vote":2}`},
	}, idle, answer("Why?"), idle, voting("Why?", "Because", "No", "Maybe"))

	require.NoError(t, h.coord.Run(h.ctx))

	assert.Equal(t, []string{"ABCD/Bob"}, h.applier.joins)
	assert.Equal(t, []string{"Because"}, h.applier.answers)
	assert.Equal(t, []int{1}, h.applier.votes)
	assert.Equal(t, []string{"No"}, h.applier.labels)

	forced, messages, live, maxLive, closed := h.agent.snapshot()
	assert.Equal(t, []string{"set_name", "respond", "cast_vote"}, forced)
	assert.Contains(t, messages, "Invalid choice. Choices are from 1 to 3, inclusive.")
	assert.Equal(t, 0, live, "all windows closed at the end")
	assert.Equal(t, 1, maxLive, "at most one action set live at a time")
	assert.True(t, closed)
	assert.Equal(t, game.PhaseTerminated, h.sess.Phase())
	assert.Equal(t, "Bob", h.sess.Name())
	assert.Contains(t, h.agent.contexts, "Joined room ABCD as Bob.")
	assert.Equal(t, 2, h.events.count(EventApplied))
}

func TestBlankNameRetriedBeforeJoin(t *testing.T) {
	h := newHarness(t, map[string][]string{
		"set_name": {`{"name":""}`, `{"name":"Bob"}`},
	})
	require.NoError(t, h.coord.Run(h.ctx))
	_, messages, _, _, _ := h.agent.snapshot()
	assert.Equal(t, "Received blank name. Must enter in a name.", messages[0])
	assert.Equal(t, []string{"ABCD/Bob"}, h.applier.joins)
}

func TestNameWindowReopensAfterTimeout(t *testing.T) {
	h := newHarness(t, map[string][]string{})
	go func() {
		// give the first name window time to expire, then answer the second
		time.Sleep(300 * time.Millisecond)
		h.agent.mu.Lock()
		h.agent.responses["set_name"] = []string{`{"name":"Late"}`}
		h.agent.mu.Unlock()
	}()
	require.NoError(t, h.coord.Run(h.ctx))
	forced, _, _, _, _ := h.agent.snapshot()
	assert.GreaterOrEqual(t, len(forced), 2)
	assert.Equal(t, []string{"ABCD/Late"}, h.applier.joins)
}

func TestJoinFailureIsFatal(t *testing.T) {
	h := newHarness(t, map[string][]string{"set_name": {`{"name":"Bob"}`}}, answer("Why?"))
	h.applier.joinErr = errors.New("button-join not clickable")
	err := h.coord.Run(h.ctx)
	require.ErrorIs(t, err, ErrJoinFailed)
	_, _, _, _, closed := h.agent.snapshot()
	assert.True(t, closed)
	assert.Empty(t, h.applier.answers)
	assert.Equal(t, 0, h.detector.polls, "no polling after a failed join")
	assert.Equal(t, game.PhaseTerminated, h.sess.Phase())
}

func TestCancelDuringJoinIsClean(t *testing.T) {
	h := newHarness(t, map[string][]string{"set_name": {`{"name":"Bob"}`}}, answer("Why?"))
	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()
	h.applier.onJoin = func(jctx context.Context) error {
		cancel()
		return jctx.Err()
	}
	require.NoError(t, h.coord.Run(ctx))
	_, _, _, _, closed := h.agent.snapshot()
	assert.True(t, closed)
	assert.Equal(t, 0, h.detector.polls)
	assert.Empty(t, h.sess.Snapshot().LastError)
	assert.Equal(t, game.PhaseTerminated, h.sess.Phase())
}

func TestWindowTimeoutReopensOnce(t *testing.T) {
	h := newHarness(t, map[string][]string{
		"set_name": {`{"name":"Bob"}`},
	}, answer("Why?"), answer("Why?"))
	require.NoError(t, h.coord.Run(h.ctx))
	forced, _, live, maxLive, _ := h.agent.snapshot()
	assert.Equal(t, []string{"set_name", "respond", "respond"}, forced)
	assert.Equal(t, 0, live)
	assert.Equal(t, 1, maxLive)
	assert.Empty(t, h.applier.answers)
	assert.Equal(t, 2, h.events.count(EventWindowClosed)-1, "two answer windows closed, plus the name window")
}

func TestRepeatedPollsDoNotReopen(t *testing.T) {
	h := newHarness(t, map[string][]string{
		"set_name": {`{"name":"Bob"}`},
		"respond":  {`{"answer":"Because"}`, `{"answer":"Again"}`},
	}, answer("Why?"), answer("Why?"), answer("Why?"))
	require.NoError(t, h.coord.Run(h.ctx))
	forced, _, _, _, _ := h.agent.snapshot()
	assert.Equal(t, []string{"set_name", "respond"}, forced)
	assert.Equal(t, []string{"Because"}, h.applier.answers)
}

func TestSamePromptAfterIdleReopens(t *testing.T) {
	h := newHarness(t, map[string][]string{
		"set_name": {`{"name":"Bob"}`},
		"respond":  {`{"answer":"One"}`, `{"answer":"Two"}`},
	}, answer("Why?"), idle, answer("Why?"))
	require.NoError(t, h.coord.Run(h.ctx))
	assert.Equal(t, []string{"One", "Two"}, h.applier.answers)
}

func TestUnreadablePollKeepsAnsweredPrompt(t *testing.T) {
	unreadable := game.PhasePayload{Phase: game.PhaseIdle, Unreadable: true}
	h := newHarness(t, map[string][]string{
		"set_name": {`{"name":"Bob"}`},
		"respond":  {`{"answer":"One"}`, `{"answer":"Two"}`},
	}, answer("Why?"), unreadable, answer("Why?"))
	require.NoError(t, h.coord.Run(h.ctx))
	forced, _, _, _, _ := h.agent.snapshot()
	assert.Equal(t, []string{"set_name", "respond"}, forced)
	assert.Equal(t, []string{"One"}, h.applier.answers)
}

func TestApplyFailureRetriesNextPoll(t *testing.T) {
	h := newHarness(t, map[string][]string{
		"set_name": {`{"name":"Bob"}`},
		"respond":  {`{"answer":"One"}`, `{"answer":"Two"}`},
	}, answer("Why?"), answer("Why?"))
	h.applier.applyErr = []error{errors.New("quiplash-submit-answer not clickable")}
	require.NoError(t, h.coord.Run(h.ctx))
	assert.Equal(t, []string{"One", "Two"}, h.applier.answers)
	assert.Equal(t, 1, h.events.count(EventApplyFailed))
	assert.Equal(t, 1, h.events.count(EventApplied))
}

func TestCancelMidWindow(t *testing.T) {
	h := newHarness(t, map[string][]string{"set_name": {`{"name":"Bob"}`}}, answer("Why?"))
	h.coord.opts.DecisionTimeout = time.Minute
	ctx, cancel := context.WithCancel(h.ctx)
	go func() {
		for {
			if w, ok := h.sess.Window(); ok && w.Action == "respond" {
				cancel()
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
	require.NoError(t, h.coord.Run(ctx))
	_, _, live, _, closed := h.agent.snapshot()
	assert.Equal(t, 0, live, "open window unregistered on shutdown")
	assert.True(t, closed)
	_, open := h.sess.Window()
	assert.False(t, open)
	assert.Empty(t, h.applier.answers)
}

func TestPollErrorIsFatal(t *testing.T) {
	h := newHarness(t, map[string][]string{"set_name": {`{"name":"Bob"}`}})
	h.detector.err = errors.New("chrome exited")
	err := h.coord.Run(h.ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chrome exited")
	_, _, _, _, closed := h.agent.snapshot()
	assert.True(t, closed)
}
