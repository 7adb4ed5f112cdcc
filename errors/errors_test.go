package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass_String(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(99).String())
}

func TestWrap(t *testing.T) {
	base := errors.New("disk unplugged")
	err := Wrap(base, "FileStore", "Flush", "sync")

	require.Error(t, err)
	assert.Equal(t, "FileStore.Flush: sync failed: disk unplugged", err.Error())
	assert.True(t, errors.Is(err, base))

	assert.NoError(t, Wrap(nil, "FileStore", "Flush", "sync"))
}

func TestWrapClassified(t *testing.T) {
	base := errors.New("boom")

	transient := WrapTransient(base, "Client", "Connect", "dial")
	invalid := WrapInvalid(base, "Writer", "Configure", "apply key")
	fatal := WrapFatal(base, "Store", "Create", "open file")

	assert.True(t, IsTransient(transient))
	assert.False(t, IsTransient(invalid))

	assert.True(t, IsInvalid(invalid))
	assert.False(t, IsInvalid(fatal))

	assert.True(t, IsFatal(fatal))
	assert.False(t, IsFatal(transient))

	// Wrapped errors unwrap to the original
	assert.True(t, errors.Is(transient, base))
	assert.True(t, errors.Is(invalid, base))
	assert.True(t, errors.Is(fatal, base))
}

func TestClassified_NilPassthrough(t *testing.T) {
	assert.NoError(t, WrapTransient(nil, "c", "m", "a"))
	assert.NoError(t, WrapInvalid(nil, "c", "m", "a"))
	assert.NoError(t, WrapFatal(nil, "c", "m", "a"))
}

func TestClassify_Sentinels(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorClass
	}{
		{ErrOffsetOutOfRange, ErrorInvalid},
		{ErrUnknownMessageType, ErrorInvalid},
		{ErrMissingField, ErrorInvalid},
		{ErrUnknownKey, ErrorInvalid},
		{ErrNoSuchDataset, ErrorInvalid},
		{ErrDataCorrupted, ErrorFatal},
		{ErrInvalidConfig, ErrorFatal},
		{ErrConnectionLost, ErrorTransient},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), "classify %v", tt.err)
	}
}

func TestClassify_WrappedSentinel(t *testing.T) {
	err := fmt.Errorf("handling write frame: %w", ErrOffsetOutOfRange)
	assert.Equal(t, ErrorInvalid, Classify(err))
	assert.True(t, IsInvalid(err))
}
