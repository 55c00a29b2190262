package gpudrv

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/gpudrv/internal/driver"
)

func TestMockNativeDriverDelegatesAndCounts(t *testing.T) {
	mock := NewMockNativeDriver(driver.NewSoftDriver())

	ctx, err := mock.CreateContext()
	require.NoError(t, err)
	require.NotZero(t, ctx)
	require.Equal(t, 1, mock.CallCount("CreateContext"))

	_, err = mock.AllocateMemory(ctx, 64, 8, driver.MemoryDevice)
	require.NoError(t, err)
	require.Equal(t, 1, mock.CallCount("AllocateMemory"))
}

func TestMockNativeDriverForceError(t *testing.T) {
	mock := NewMockNativeDriver(driver.NewSoftDriver())
	ctx, err := mock.CreateContext()
	require.NoError(t, err)

	injected := NewError("AllocateMemory", ErrOutOfMemory, "simulated exhaustion")
	mock.ForceError("AllocateMemory", injected)

	_, err = mock.AllocateMemory(ctx, 64, 8, driver.MemoryDevice)
	require.ErrorIs(t, err, injected)
	require.Equal(t, 1, mock.CallCount("AllocateMemory"))

	mock.ForceError("AllocateMemory", nil)
	_, err = mock.AllocateMemory(ctx, 64, 8, driver.MemoryDevice)
	require.NoError(t, err)
	require.Equal(t, 2, mock.CallCount("AllocateMemory"))
}

func TestMockNativeDriverReset(t *testing.T) {
	mock := NewMockNativeDriver(driver.NewSoftDriver())
	_, _ = mock.CreateContext()
	require.Equal(t, 1, mock.CallCount("CreateContext"))

	mock.Reset()
	require.Equal(t, 0, mock.CallCount("CreateContext"))
}
