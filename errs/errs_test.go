package errs_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/topicmesh/broker/errs"
)

func TestKindOfAndMatches(t *testing.T) {
	err := errs.New(errs.KindNotFound, "topic %q", "persistent://a/b/c/d")
	require.Equal(t, errs.KindNotFound, errs.KindOf(err))
	assert.True(t, errs.Matches(err, errs.KindNotFound))
	assert.False(t, errs.Matches(err, errs.KindConflict))
	assert.False(t, errs.Matches(errors.New("plain"), errs.KindNotFound))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("store unavailable")
	err := errs.Wrap(errs.KindTransient, cause, "tryAcquire bundle 0x0_0xff")
	require.ErrorIs(t, err, cause)
	assert.Equal(t, errs.KindTransient, errs.KindOf(err))
}

func TestRetryable(t *testing.T) {
	assert.True(t, errs.Retryable(errs.New(errs.KindConflict, "")))
	assert.True(t, errs.Retryable(errs.New(errs.KindRedirect, "")))
	assert.False(t, errs.Retryable(errs.New(errs.KindTopicTerminated, "")))
	assert.False(t, errs.Retryable(errors.New("unrelated")))
}

func TestIsMatchesSameKindOnly(t *testing.T) {
	a := errs.New(errs.KindTimeout, "op a")
	b := errs.New(errs.KindTimeout, "op b")
	c := errs.New(errs.KindChecksum, "op c")
	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, c))
}
