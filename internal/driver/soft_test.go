package driver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSoftDriverCopyRoundTrip(t *testing.T) {
	d := NewSoftDriver()

	ctx, err := d.CreateContext()
	require.NoError(t, err)

	props, err := d.DeviceProperties(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, props.QueueGroups)

	q, err := d.CreateCommandQueue(ctx, QueueGroupCopy, 0, 0)
	require.NoError(t, err)
	defer d.DestroyCommandQueue(q)

	ptr, err := d.AllocateMemory(ctx, 16, 8, MemoryDevice)
	require.NoError(t, err)

	cl, err := d.CreateCommandList(ctx)
	require.NoError(t, err)

	payload := []byte("0123456789abcdef")
	require.NoError(t, d.AppendMemoryCopyH2D(cl, ptr, 0, payload))
	require.NoError(t, d.CloseCommandList(cl))

	fence, err := d.CreateFence(q)
	require.NoError(t, err)
	require.NoError(t, d.SubmitCommandList(q, cl, fence))
	require.NoError(t, d.SynchronizeFence(fence, time.Second))

	got, err := d.PeekMemory(ptr)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestSoftDriverEventWaitOrdersAcrossQueues(t *testing.T) {
	d := NewSoftDriver()
	ctx, err := d.CreateContext()
	require.NoError(t, err)

	q1, err := d.CreateCommandQueue(ctx, QueueGroupCompute, 0, 0)
	require.NoError(t, err)
	q2, err := d.CreateCommandQueue(ctx, QueueGroupCompute, 0, 1)
	require.NoError(t, err)

	pool, err := d.CreateEventPool(ctx, EventPoolDesc{Capacity: 4})
	require.NoError(t, err)
	ev, err := d.CreateEvent(pool, 0)
	require.NoError(t, err)

	ptr, err := d.AllocateMemory(ctx, 4, 4, MemoryDevice)
	require.NoError(t, err)

	// q1: fill then signal ev.
	cl1, err := d.CreateCommandList(ctx)
	require.NoError(t, err)
	require.NoError(t, d.AppendMemoryFill(cl1, ptr, 0, []byte{0xAB}, 4))
	require.NoError(t, d.AppendSignalEvent(cl1, ev))
	require.NoError(t, d.CloseCommandList(cl1))

	// q2: wait on ev, then read — must observe q1's fill.
	cl2, err := d.CreateCommandList(ctx)
	require.NoError(t, err)
	require.NoError(t, d.AppendWaitOnEvents(cl2, []Handle{ev}))
	readBuf := make([]byte, 4)
	require.NoError(t, d.AppendMemoryCopyD2H(cl2, readBuf, ptr, 0))
	require.NoError(t, d.CloseCommandList(cl2))

	f2, err := d.CreateFence(q2)
	require.NoError(t, err)
	require.NoError(t, d.SubmitCommandList(q2, cl2, f2))

	f1, err := d.CreateFence(q1)
	require.NoError(t, err)
	require.NoError(t, d.SubmitCommandList(q1, cl1, f1))

	require.NoError(t, d.SynchronizeFence(f2, time.Second))
	require.Equal(t, []byte{0xAB, 0xAB, 0xAB, 0xAB}, readBuf)
}

func TestSoftDriverKernelLaunchHook(t *testing.T) {
	d := NewSoftDriver()
	ctx, err := d.CreateContext()
	require.NoError(t, err)

	q, err := d.CreateCommandQueue(ctx, QueueGroupCompute, 0, 0)
	require.NoError(t, err)

	mod, err := d.CompileModule(ctx, []byte("fake-spirv"), "")
	require.NoError(t, err)
	kernel, err := d.ModuleCreateKernel(mod, "vecAdd")
	require.NoError(t, err)

	var seen []byte
	require.NoError(t, d.SetKernelFunc(kernel, func(args []byte) error {
		seen = append([]byte{}, args...)
		return nil
	}))

	cl, err := d.CreateCommandList(ctx)
	require.NoError(t, err)
	require.NoError(t, d.AppendLaunchKernel(cl, LaunchArgs{
		Kernel:   kernel,
		GridDim:  [3]uint32{1, 1, 1},
		BlockDim: [3]uint32{32, 1, 1},
		Args:     []byte{1, 2, 3},
	}))
	require.NoError(t, d.CloseCommandList(cl))

	fence, err := d.CreateFence(q)
	require.NoError(t, err)
	require.NoError(t, d.SubmitCommandList(q, cl, fence))
	require.NoError(t, d.SynchronizeFence(fence, time.Second))

	require.Equal(t, []byte{1, 2, 3}, seen)
}
