package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKind(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"configuration", Configuration("github app id is not set"), "configuration"},
		{"auth", Auth(cause), "auth"},
		{"network", Network(cause), "network"},
		{"validation", Validation(cause), "validation"},
		{"platform", Platform(cause), "platform"},
		{"wrapped twice", fmt.Errorf("poll: %w", Network(cause)), "network"},
		{"untagged", cause, "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Kind(tt.err))
		})
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("quota exceeded")
	err := Platform(cause)

	assert.ErrorIs(t, err, ErrPlatform)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestWrapIsIdempotent(t *testing.T) {
	err := Auth(Auth(errors.New("401")))
	assert.Equal(t, "auth error: 401", err.Error())
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Network(nil))
}
