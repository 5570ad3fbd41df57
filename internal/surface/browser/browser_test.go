package browser

import (
	"context"
	"testing"

	"github.com/kiliankoe/neuroquip/internal/surface"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	ctx := context.Background()
	assert.NoError(t, classify(ctx, nil))
	assert.ErrorIs(t, classify(ctx, context.DeadlineExceeded), surface.ErrTimeout)
	assert.ErrorIs(t, classify(ctx, errors.New("node not visible")), surface.ErrNotInteractable)

	assert.ErrorIs(t, classify(ctx, errors.New("Execution context was destroyed. (-32000)")), surface.ErrNotFound)
	assert.ErrorIs(t, classify(ctx, errors.New("Cannot find context with specified id (-32000)")), surface.ErrNotFound)
	assert.True(t, surface.Transient(classify(ctx, errors.New("Could not find node with given id (-32000)"))))

	other := errors.New("websocket closed")
	assert.Equal(t, other, classify(ctx, other))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, classify(cancelled, context.DeadlineExceeded), context.Canceled)
}

func TestScriptsQuoteArguments(t *testing.T) {
	s := textScript("state-vote", `a"b`)
	assert.Contains(t, s, `document.getElementById("state-vote")`)
	assert.Contains(t, s, `"a\"b"`)

	s = indicatorScript("state-answer-question")
	assert.Contains(t, s, `"pt-page-off"`)

	s = labelsScript("state-vote", "quiplash2-vote-button")
	assert.Contains(t, s, `getElementsByClassName("quiplash2-vote-button")`)
}

func TestDefaults(t *testing.T) {
	opts := DefaultOptions()
	assert.Equal(t, "https://jackbox.tv/", opts.BaseURL)
	assert.True(t, opts.Headless)
	assert.Equal(t, "button-join", opts.Controls.Join)
	assert.Equal(t, "#state-vote .quiplash2-vote-button", scoped("state-vote", ".quiplash2-vote-button"))
}

func TestCheckVote(t *testing.T) {
	labels := []string{"Because", "No", "Maybe"}
	assert.NoError(t, checkVote(labels, 3, 1, "No"))
	assert.ErrorIs(t, checkVote(labels, 3, 3, "No"), surface.ErrNotFound)
	assert.ErrorIs(t, checkVote([]string{"No", "Because", "Maybe"}, 3, 1, "No"), surface.ErrChanged)
	assert.ErrorIs(t, checkVote(labels[:2], 3, 1, "No"), surface.ErrChanged)
}
