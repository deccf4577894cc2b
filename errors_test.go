package eventbus

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{"without cause", NewError(ErrCodeRouting, "no stream"), "ROUTING_ERROR: no stream"},
		{"with cause", NewErrorWithCause(ErrCodeConnection, "connect failed", errors.New("refused")), "CONNECTION_ERROR: connect failed: refused"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestIsCode(t *testing.T) {
	cause := errors.New("boom")
	wrapped := fmt.Errorf("publish: %w", NewErrorWithCause(ErrCodeValidation, "bad payload", cause))

	assert.True(t, IsCode(wrapped, ErrCodeValidation))
	assert.False(t, IsCode(wrapped, ErrCodeParse))
	assert.False(t, IsCode(cause, ErrCodeValidation))
	assert.False(t, IsCode(nil, ErrCodeValidation))
	assert.ErrorIs(t, wrapped, cause)

	assert.True(t, IsNoData(fmt.Errorf("load: %w", ErrNoData)))
	assert.False(t, IsNoData(ErrClosed))
	assert.True(t, IsCode(ErrNotConnected, ErrCodeNotConnected))
}
