package gpudrv

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewErrorHasNoDeviceOrQueueContext(t *testing.T) {
	err := NewError("Allocate", ErrOutOfMemory, "quota exhausted")

	require.Equal(t, "Allocate", err.Op)
	require.Equal(t, ErrOutOfMemory, err.Code)
	require.Equal(t, -1, err.DevID)
	require.Equal(t, -1, err.Queue)
	require.Equal(t, "gpudrv: quota exhausted (op=Allocate)", err.Error())
}

func TestNewDeviceErrorIncludesDevID(t *testing.T) {
	err := NewDeviceError("SetActiveDevice", 3, ErrInvalidValue, "device index out of range")

	require.Equal(t, 3, err.DevID)
	require.Equal(t, -1, err.Queue)
	require.Equal(t, "gpudrv: device index out of range (op=SetActiveDevice)", err.Error())
}

func TestNewQueueErrorIncludesDevIDAndQueue(t *testing.T) {
	err := NewQueueError("Launch", 0, 2, ErrLaunchFailure, "kernel faulted")

	require.Equal(t, 0, err.DevID)
	require.Equal(t, 2, err.Queue)
	require.Equal(t, ErrLaunchFailure, err.Code)
}

func TestErrorFallsBackToCodeWhenMsgEmpty(t *testing.T) {
	err := NewError("Free", ErrInvalidDevicePointer, "")
	require.Equal(t, "gpudrv: invalid device pointer (op=Free)", err.Error())
}

func TestWrapErrorCapturesPlainError(t *testing.T) {
	inner := stderrors.New("soft driver: unknown handle")
	err := WrapError("Free", ErrInvalidDevicePointer, inner)

	require.Equal(t, "Free", err.Op)
	require.Equal(t, ErrInvalidDevicePointer, err.Code)
	require.Equal(t, inner.Error(), err.Msg)
	require.ErrorIs(t, err, inner)
}

func TestWrapErrorPreservesExistingGpudrvError(t *testing.T) {
	inner := NewDeviceError("AllocateMemory", 1, ErrOutOfMemory, "tracker exhausted")
	err := WrapError("Allocate", ErrUnknown, inner)

	require.Equal(t, "Allocate", err.Op)
	require.Equal(t, ErrOutOfMemory, err.Code, "wrapping a *Error preserves its own code, not the wrapper's")
	require.Equal(t, 1, err.DevID)
	require.Equal(t, "tracker exhausted", err.Msg)
}

func TestWrapErrorNilReturnsNil(t *testing.T) {
	require.Nil(t, WrapError("Free", ErrUnknown, nil))
}

func TestIsCodeMatchesWrappedError(t *testing.T) {
	err := WrapError("Launch", ErrLaunchFailure, stderrors.New("boom"))
	require.True(t, IsCode(err, ErrLaunchFailure))
	require.False(t, IsCode(err, ErrInvalidValue))
	require.False(t, IsCode(nil, ErrLaunchFailure))
}

func TestErrorIsComparesByCodeOnly(t *testing.T) {
	a := NewError("Allocate", ErrOutOfMemory, "first message")
	b := NewError("Free", ErrOutOfMemory, "different op and message")
	c := NewError("Allocate", ErrInvalidValue, "first message")

	require.ErrorIs(t, a, b)
	require.False(t, stderrors.Is(a, c))
}

func TestErrorUnwrapExposesStackWrappedInner(t *testing.T) {
	inner := stderrors.New("native failure")
	err := WrapError("Launch", ErrLaunchFailure, inner)

	require.NotNil(t, stderrors.Unwrap(err))
	require.ErrorIs(t, err, inner)
}
