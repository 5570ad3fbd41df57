package game

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrWindowOpen       = errors.New("a decision window is already open")
	ErrNoWindow         = errors.New("no decision window is open")
	ErrStaleWindow      = errors.New("decision is for a window that is no longer open")
	ErrAlreadyDecided   = errors.New("a decision was already accepted for this window")
	ErrDecisionTimeout  = errors.New("timed out waiting for a decision")
	ErrNotDecisionPhase = errors.New("phase does not take a decision")
)

// Session is the state of one bridged game. The coordinator owns it; the
// agent-side handler only ever touches it through Offer.
type Session struct {
	Room string

	mu    sync.Mutex
	phase Phase
	name  string

	// window state; ready is armed once per window and closed by Offer
	window          *DecisionRequest
	decided         bool
	pending         *DecisionValue
	ready           chan struct{}
	voteOptionCount int

	windowsOpened    int
	decisionsApplied int
	lastError        string
	updatedAt        time.Time
}

func NewSession(room string) *Session {
	return &Session{Room: room, phase: PhaseIdle, updatedAt: time.Now().UTC()}
}

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// SetPhase records the coordinator's state and returns the previous one.
func (s *Session) SetPhase(p Phase) Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.phase
	s.phase = p
	s.updatedAt = time.Now().UTC()
	return prev
}

func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *Session) SetName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.name = name
}

// Arm opens a window for req and installs a fresh ready signal. Opening a
// second window before the first is closed is a programming error.
func (s *Session) Arm(req DecisionRequest) error {
	if !req.Phase.DecisionBearing() {
		return errors.Wrapf(ErrNotDecisionPhase, "arm %s", req.Phase)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.window != nil {
		return errors.Wrapf(ErrWindowOpen, "window %s (%s) still open", s.window.ID, s.window.Action)
	}
	w := req
	s.window = &w
	s.decided = false
	s.pending = nil
	s.ready = make(chan struct{})
	s.voteOptionCount = 0
	if req.Kind == KindVote {
		s.voteOptionCount = len(req.Options)
	}
	s.windowsOpened++
	s.updatedAt = time.Now().UTC()
	return nil
}

// Window returns the open window, if any.
func (s *Session) Window() (DecisionRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.window == nil {
		return DecisionRequest{}, false
	}
	return *s.window, true
}

// VoteOptionCount is fixed for the lifetime of a vote window.
func (s *Session) VoteOptionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voteOptionCount
}

// Offer stores a validated decision for the window windowID and fires the
// ready signal. Only the first decision per window is taken.
func (s *Session) Offer(windowID string, v DecisionValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.window == nil {
		return ErrNoWindow
	}
	if s.window.ID != windowID {
		return ErrStaleWindow
	}
	if s.decided {
		return ErrAlreadyDecided
	}
	s.decided = true
	s.pending = &v
	close(s.ready)
	return nil
}

// Await blocks until the open window receives a decision, timeout elapses or
// ctx is done. The decision is consumed; the window itself stays open (and
// rejects further offers) until Disarm.
func (s *Session) Await(ctx context.Context, timeout time.Duration) (DecisionValue, error) {
	s.mu.Lock()
	if s.window == nil {
		s.mu.Unlock()
		return DecisionValue{}, ErrNoWindow
	}
	ready := s.ready
	s.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	var cause error
	select {
	case <-ready:
	case <-expired:
		cause = ErrDecisionTimeout
	case <-ctx.Done():
		cause = ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// a decision that raced the timeout still wins
	if s.pending == nil {
		if cause == nil {
			cause = ErrNoWindow
		}
		return DecisionValue{}, cause
	}
	v := *s.pending
	s.pending = nil
	s.ready = nil
	return v, nil
}

// Disarm closes the open window. Any unconsumed decision is dropped with it.
func (s *Session) Disarm() (DecisionRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.window == nil {
		return DecisionRequest{}, false
	}
	w := *s.window
	s.window = nil
	s.decided = false
	s.pending = nil
	s.ready = nil
	s.voteOptionCount = 0
	s.updatedAt = time.Now().UTC()
	return w, true
}

func (s *Session) RecordApplied() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisionsApplied++
	s.lastError = ""
}

func (s *Session) RecordError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = err.Error()
}

// Snapshot is a read-only copy of the session for observers.
type Snapshot struct {
	Room             string           `json:"room"`
	Name             string           `json:"name,omitempty"`
	Phase            Phase            `json:"phase"`
	Window           *DecisionRequest `json:"window,omitempty"`
	WindowsOpened    int              `json:"windowsOpened"`
	DecisionsApplied int              `json:"decisionsApplied"`
	LastError        string           `json:"lastError,omitempty"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Room:             s.Room,
		Name:             s.name,
		Phase:            s.phase,
		WindowsOpened:    s.windowsOpened,
		DecisionsApplied: s.decisionsApplied,
		LastError:        s.lastError,
		UpdatedAt:        s.updatedAt,
	}
	if s.window != nil {
		w := *s.window
		w.Options = append([]string(nil), s.window.Options...)
		snap.Window = &w
	}
	return snap
}
