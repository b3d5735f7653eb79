package apperr

import (
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	sentinel := New(NotFound, "order not found")

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "plain error", err: errors.New("boom"), want: Internal},
		{name: "sentinel", err: sentinel, want: NotFound},
		{name: "wrapped sentinel", err: errors.Wrap(sentinel, "get order"), want: NotFound},
		{name: "wrap classifies cause", err: Wrap(Unavailable, errors.New("dial tcp"), "query"), want: Unavailable},
		{name: "outermost wins", err: Wrap(Conflict, sentinel, "create"), want: Conflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(Unavailable, nil, "noop"))
}

func TestSentinelIdentity(t *testing.T) {
	sentinel := New(Forbidden, "access denied")
	err := errors.Wrap(sentinel, "cancel order")

	require.ErrorIs(t, err, sentinel)
	assert.True(t, Is(err, Forbidden))
	assert.False(t, Retryable(err))
	assert.True(t, Retryable(Wrap(Unavailable, errors.New("timeout"), "charge")))
}

func TestErrorMessage(t *testing.T) {
	err := Wrap(Unavailable, errors.New("connection refused"), "find coupon")
	assert.Equal(t, "find coupon: connection refused", err.Error())
	assert.Equal(t, "find coupon", Message(err))
	assert.Equal(t, "invalid_state", InvalidState.String())
}
