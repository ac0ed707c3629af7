package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleVariants(t *testing.T) {
	var h Handle = Confirmed{ExecutionID: "projects/p/locations/r/jobs/j/executions/e-1"}
	assert.Equal(t, "confirmed", h.State())
	assert.Equal(t, "projects/p/locations/r/jobs/j/executions/e-1", h.ID())

	h = NewSubmitted("42-abcdef12")
	assert.Equal(t, "submitted", h.State())
	assert.True(t, strings.HasPrefix(h.ID(), "submitted/42-abcdef12/"))

	switch h.(type) {
	case Submitted:
	default:
		t.Fatalf("expected Submitted, got %T", h)
	}
}

func TestNewSubmittedIsUnique(t *testing.T) {
	assert.NotEqual(t, NewSubmitted("1").ID(), NewSubmitted("1").ID())
}

func TestUnavailable(t *testing.T) {
	cause := errors.New("no credentials")
	e := Unavailable("cloudrun", cause)

	h, err := e.Start(context.Background(), "run", true)
	require.ErrorIs(t, err, cause)
	assert.Nil(t, h)
	assert.Equal(t, "cloudrun", e.Target())
	assert.NoError(t, e.Close())
}
