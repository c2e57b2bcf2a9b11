package errdefs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithKindClassification(t *testing.T) {
	cause := errors.New("boom")
	err := InvalidState("vm not running", cause)

	require.ErrorIs(t, err, ErrInvalidState)
	require.ErrorIs(t, err, cause)
	require.NotErrorIs(t, err, ErrNotFound)
	require.Equal(t, "vm not running: boom", err.Error())
}

func TestKindDefaultsToInternal(t *testing.T) {
	require.Equal(t, ErrInternal, Kind(errors.New("unrelated")))
	require.Equal(t, ErrExhausted, Kind(Exhausted("tag allocator exhausted", nil)))
}

func TestWithKindNilCause(t *testing.T) {
	err := NotFound("relay not registered", nil)
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, "relay not registered", err.Error())
}
