package surface

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestTransient(t *testing.T) {
	assert.True(t, Transient(ErrNotFound))
	assert.True(t, Transient(errors.Wrap(ErrNotInteractable, "click #button-join")))
	assert.True(t, Transient(errors.Wrap(ErrTimeout, "send keys")))
	assert.True(t, Transient(errors.Wrap(ErrChanged, "vote button 2")))
	assert.True(t, Transient(context.DeadlineExceeded))
	assert.False(t, Transient(context.Canceled))
	assert.False(t, Transient(errors.New("browser crashed")))
	assert.False(t, Transient(nil))
}
