package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_SentinelErrors(t *testing.T) {
	assert.Equal(t, ErrorTransient, Classify(ErrUpstreamUnavailable))
	assert.Equal(t, ErrorTransient, Classify(ErrConnectionLost))
	assert.Equal(t, ErrorTransient, Classify(ErrQueryFailed))
	assert.Equal(t, ErrorFatal, Classify(ErrInvalidConfig))
	assert.Equal(t, ErrorFatal, Classify(ErrMissingConfig))
	assert.Equal(t, ErrorInvalid, Classify(ErrUnknownCategory))
}

func TestIsTransient_WrappedSentinel(t *testing.T) {
	err := fmt.Errorf("broker: %w", ErrUpstreamUnavailable)
	assert.True(t, IsTransient(err))
	assert.False(t, IsFatal(err))
}

func TestIsTransient_ContextDeadline(t *testing.T) {
	assert.True(t, IsTransient(context.DeadlineExceeded))
}

func TestIsTransient_MessagePatterns(t *testing.T) {
	assert.True(t, IsTransient(stderrors.New("dial tcp: connection refused")))
	assert.True(t, IsTransient(stderrors.New("read timeout on socket")))
	assert.False(t, IsTransient(stderrors.New("bad request payload")))
}

func TestWrap_MessageShape(t *testing.T) {
	base := stderrors.New("boom")
	err := Wrap(base, "Broker", "Subscribe", "attach upstream")
	assert.EqualError(t, err, "Broker.Subscribe: attach upstream failed: boom")
	assert.True(t, stderrors.Is(err, base))
}

func TestWrap_NilPassthrough(t *testing.T) {
	assert.NoError(t, Wrap(nil, "c", "m", "a"))
	assert.NoError(t, WrapTransient(nil, "c", "m", "a"))
	assert.NoError(t, WrapFatal(nil, "c", "m", "a"))
	assert.NoError(t, WrapInvalid(nil, "c", "m", "a"))
}

func TestWrapTransient_Classification(t *testing.T) {
	err := WrapTransient(stderrors.New("bad request payload"), "Gateway", "Fetch", "query store")

	// Classification comes from the wrapper, not the message text
	assert.True(t, IsTransient(err))

	var ce *ClassifiedError
	assert.True(t, stderrors.As(err, &ce))
	assert.Equal(t, ErrorTransient, ce.Class)
	assert.Equal(t, "Gateway", ce.Component)
}

func TestWrapFatal_OverridesTransientPattern(t *testing.T) {
	// Message mentions "connection" but explicit classification wins
	err := WrapFatal(stderrors.New("connection table corrupted"), "Broker", "dispatch", "decode")
	assert.True(t, IsFatal(err))
	assert.False(t, IsTransient(err))
}

func TestWrapInvalid_UnknownCategory(t *testing.T) {
	err := WrapInvalid(ErrUnknownCategory, "Session", "validate", "check layers")
	assert.True(t, IsInvalid(err))
	assert.True(t, stderrors.Is(err, ErrUnknownCategory))
}

func TestErrorClass_String(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(42).String())
}
