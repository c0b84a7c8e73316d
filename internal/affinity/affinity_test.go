package affinity

import (
	"errors"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityLevels(t *testing.T) {
	assert.Equal(t, Priority(10), Low)
	assert.Equal(t, Priority(35), Medium)
	assert.Equal(t, Priority(65), High)
	assert.Equal(t, Priority(99), Critical)
	assert.Equal(t, "high", High.String())
	assert.False(t, Priority(0).Valid())
	assert.False(t, Priority(100).Valid())
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("critical")
	require.NoError(t, err)
	assert.Equal(t, Critical, p)

	p, err = ParsePriority("42")
	require.NoError(t, err)
	assert.Equal(t, Priority(42), p)

	p, err = ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, Priority(0), p)

	_, err = ParsePriority("150")
	assert.ErrorIs(t, err, ErrInvalidPriority)
	_, err = ParsePriority("turbo")
	assert.ErrorIs(t, err, ErrInvalidPriority)
}

func TestSetRealtime_RejectsOutOfRange(t *testing.T) {
	assert.ErrorIs(t, SetRealtime(0), ErrInvalidPriority)
	assert.ErrorIs(t, SetRealtime(120), ErrInvalidPriority)
}

func TestPin_RejectsUnknownCore(t *testing.T) {
	assert.ErrorIs(t, Pin(-1), ErrInvalidCore)
	assert.ErrorIs(t, Pin(runtime.NumCPU()), ErrInvalidCore)
}

func TestApply_NoopSpec(t *testing.T) {
	assert.NoError(t, Apply(Spec{Core: -1}))
}

func TestApply_PinCurrentThread(t *testing.T) {
	// left locked so the modified thread exits with the test goroutine
	runtime.LockOSThread()

	err := Apply(Spec{Core: 0})
	if errors.Is(err, ErrNotSupported) || errors.Is(err, ErrPermissionDenied) {
		t.Skipf("pinning unavailable: %v", err)
	}
	assert.NoError(t, err)
}

func TestApply_RealtimeNeedsPrivilege(t *testing.T) {
	// left locked so the modified thread exits with the test goroutine
	runtime.LockOSThread()

	err := Apply(Spec{Core: -1, Priority: Low})
	if err == nil {
		t.Skip("running with real-time privileges")
	}
	assert.True(t, errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrNotSupported) || errors.Is(err, ErrInvalidPriority), err.Error())
}
