package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"coded error", New(ErrCodeConflict, "already there"), ErrCodeConflict},
		{"constructor helper", NotFound("workflow", "wf1"), ErrCodeNotFound},
		{"wrapped coded error", fmt.Errorf("outer: %w", Conflict("refused")), ErrCodeConflict},
		{"uncoded error", errors.New("plain"), ErrCodeInternal},
		{"double wrap keeps the outermost code", Wrap(NotFound("step", "s1"), ErrCodeConflict, "transition refused"), ErrCodeConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestIsCode(t *testing.T) {
	err := InvalidInput("name", "is required")
	assert.True(t, IsCode(err, ErrCodeInvalidInput))
	assert.False(t, IsCode(err, ErrCodeConflict))
	assert.False(t, IsCode(nil, ErrCodeInvalidInput))
}

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap(nil, ErrCodeInternal, "ignored"))

	cause := errors.New("connection reset")
	err := Wrap(cause, ErrCodeInternal, "failed to snapshot record data")
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "INTERNAL")
	assert.Contains(t, err.Error(), "connection reset")
}

func TestMessageFormat(t *testing.T) {
	assert.EqualError(t, NotFound("workflow", "wf1"), `NOT_FOUND: workflow "wf1" not found`)
	assert.EqualError(t, InvalidInput("reason", "rejection reason is required"), "INVALID_INPUT: reason: rejection reason is required")
}
