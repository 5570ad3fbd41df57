package coordinator

import "github.com/kiliankoe/neuroquip/internal/game"

type EventKind string

const (
	EventPhase        EventKind = "phase"
	EventWindowOpened EventKind = "window_opened"
	EventWindowClosed EventKind = "window_closed"
	EventApplied      EventKind = "applied"
	EventApplyFailed  EventKind = "apply_failed"
)

// Event describes one coordinator state change.
type Event struct {
	Kind     EventKind             `json:"kind"`
	Snapshot game.Snapshot         `json:"snapshot"`
	Window   *game.DecisionRequest `json:"window,omitempty"`
	Outcome  string                `json:"outcome,omitempty"`
	Err      string                `json:"error,omitempty"`
}

// Observer receives coordinator events. Observe must not block.
type Observer interface {
	Observe(ev Event)
}

type nopObserver struct{}

func (nopObserver) Observe(Event) {}
