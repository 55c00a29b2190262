package spirv

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/gpudrv/internal/driver"
)

func TestCompileOnceIsIdempotent(t *testing.T) {
	drv := driver.NewSoftDriver()
	ctx, err := drv.CreateContext()
	require.NoError(t, err)

	mod := New(drv, ctx, []byte("fake-spirv"), "", []KernelSpec{{Name: "vecAdd"}}, nil)

	var results [8]error
	done := make(chan int, 8)
	for i := 0; i < 8; i++ {
		go func(i int) {
			results[i] = mod.CompileOnce()
			done <- i
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	for _, err := range results {
		require.NoError(t, err)
	}

	k, err := mod.Kernel("vecAdd")
	require.NoError(t, err)
	require.NotZero(t, k.Native)
}

func TestModuleWithNoVarsStartsInitialized(t *testing.T) {
	drv := driver.NewSoftDriver()
	ctx, err := drv.CreateContext()
	require.NoError(t, err)

	mod := New(drv, ctx, []byte("fake-spirv"), "", nil, nil)
	require.True(t, mod.VariablesAllocated)
	require.True(t, mod.VariablesInitialized)
}

func TestDeviceVarUnboundBeforeAllocation(t *testing.T) {
	drv := driver.NewSoftDriver()
	ctx, err := drv.CreateContext()
	require.NoError(t, err)

	mod := New(drv, ctx, []byte("fake-spirv"), "", nil, []DeviceVarSpec{{Name: "counter", Size: 4, HasInitializer: true}})
	require.False(t, mod.VariablesAllocated)

	v, err := mod.Var("counter")
	require.NoError(t, err)
	_, err = v.Addr()
	require.ErrorIs(t, err, ErrVarNotBound)

	require.NoError(t, mod.CompileOnce())
	info, bind, init := ShadowKernelNames("counter")
	for _, name := range []string{info, bind, init} {
		_, err := mod.Kernel(name)
		require.NoError(t, err, "shadow kernel %s should have been compiled", name)
	}

	require.NoError(t, mod.SetVarAddr("counter", 42))
	addr, err := v.Addr()
	require.NoError(t, err)
	require.EqualValues(t, 42, addr)
}
