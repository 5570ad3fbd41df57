// Package surface describes the interactive game page the bridge drives. The
// coordinator only sees these interfaces; the browser package implements them.
package surface

import (
	"context"

	"github.com/pkg/errors"
)

var (
	ErrNotFound        = errors.New("element not found")
	ErrNotInteractable = errors.New("element not interactable")
	ErrTimeout         = errors.New("surface operation timed out")
	ErrChanged         = errors.New("element changed since it was read")
)

// Transient reports whether err is a failure the next poll cycle can recover from.
func Transient(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrNotInteractable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrChanged) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Indicator is the observed state of a phase marker element.
type Indicator struct {
	Present bool
	Active  bool
}

// Reader exposes the observation primitives the phase detector polls. Every
// call is bounded; an absent element is reported, never waited for.
type Reader interface {
	Indicator(ctx context.Context, id string) (Indicator, error)
	Text(ctx context.Context, scope, id string) (string, error)
	Labels(ctx context.Context, scope, class string) ([]string, error)
}

// Applier commits validated decisions onto the surface. ApplyVote clicks the
// option at index only while its label still reads label.
type Applier interface {
	ApplyName(ctx context.Context, room, name string) error
	ApplyAnswer(ctx context.Context, answer string) error
	ApplyVote(ctx context.Context, index int, label string) error
}

// Surface is a Reader and an Applier backed by one page.
type Surface interface {
	Reader
	Applier
	Close() error
}
