package gpudrv

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/gpudrv/internal/constants"
	"github.com/behrlich/gpudrv/internal/driver"
	"github.com/behrlich/gpudrv/internal/event"
)

// These tests exercise the end-to-end scenarios and cross-cutting
// invariants against Backend/SoftDriver. SoftDriver has no real compiler
// behind it (see internal/spirv's package doc), so a "kernel" only ever
// runs whatever Go func a test registers via SoftDriver.SetKernelFunc —
// scenarios that depend on real arithmetic inside a kernel body are
// exercised at the level SoftDriver can actually support: dispatch,
// ordering and completion accounting, not numeric kernel output.

func TestScenarioCrossStreamBarrier(t *testing.T) {
	b := newTestBackend(t)

	streamA, err := b.NewQueue(driver.QueueGroupCompute, 0, false)
	require.NoError(t, err)
	streamB, err := b.NewQueue(driver.QueueGroupCompute, 0, false)
	require.NoError(t, err)

	x, err := b.Allocate(64, 8, driver.MemoryDevice)
	require.NoError(t, err)
	defer b.Free(x)

	require.NoError(t, streamA.MemFill(x, 0, []byte{0xAA}, 64))
	marker, err := streamA.EnqueueMarker()
	require.NoError(t, err)

	_, err = streamB.EnqueueBarrier([]*event.Event{marker})
	require.NoError(t, err)

	host := make([]byte, 64)
	require.NoError(t, streamB.MemCopyD2H(host, x, 0))
	require.NoError(t, streamB.Finish())

	for i, v := range host {
		require.Equalf(t, byte(0xAA), v, "byte %d", i)
	}
}

func TestScenarioCallbackOrdering(t *testing.T) {
	b := newTestBackend(t)
	q, err := b.GetActiveQueue()
	require.NoError(t, err)

	y, err := b.Allocate(8, 8, driver.MemoryDevice)
	require.NoError(t, err)
	defer b.Free(y)

	require.NoError(t, q.MemFill(y, 0, []byte{1}, 8))

	// The callback reads Y through a second queue: q itself is held at the
	// callback's cpu_done barrier until the callback returns.
	reader, err := b.NewQueue(driver.QueueGroupCompute, 0, false)
	require.NoError(t, err)

	var observedDuringCallback byte
	var wg sync.WaitGroup
	wg.Add(1)
	require.NoError(t, q.AddCallback(func(any, error) {
		defer wg.Done()
		host := make([]byte, 8)
		_ = reader.MemCopyD2H(host, y, 0)
		observedDuringCallback = host[0]
	}, nil))

	require.NoError(t, q.MemFill(y, 0, []byte{2}, 8))
	require.NoError(t, q.Finish())
	wg.Wait()

	require.Equal(t, byte(1), observedDuringCallback, "callback must observe state before the fill queued after it")

	host := make([]byte, 8)
	require.NoError(t, q.MemCopyD2H(host, y, 0))
	require.NoError(t, q.Finish())
	require.Equal(t, byte(2), host[0])
}

func TestScenarioEventReuseBounded(t *testing.T) {
	b := newTestBackend(t)
	q, err := b.GetActiveQueue()
	require.NoError(t, err)

	ptr, err := b.Allocate(1, 1, driver.MemoryDevice)
	require.NoError(t, err)
	defer b.Free(ptr)

	const n = 10000
	for i := 0; i < n; i++ {
		_, err := q.MemCopyH2DAsync(ptr, 0, []byte{1})
		require.NoError(t, err)
	}
	require.NoError(t, q.Finish())

	ctx, err := b.GetActiveContext()
	require.NoError(t, err)

	base := float64(constants.DefaultEventPoolBaseCapacity)
	steps := math.Ceil(math.Log2(float64(n) / base))
	bound := uint64(base * math.Pow(2, steps))

	require.LessOrEqual(t, ctx.EventsRequested(), bound)
}

func TestScenarioFatalLaunchDoesNotDeadlockQueue(t *testing.T) {
	b := newTestBackend(t)
	q, err := b.GetActiveQueue()
	require.NoError(t, err)

	require.NoError(t, b.ConfigureCall([3]uint32{1, 1, 1}, [3]uint32{1, 1, 1}, 0, q))
	var unregisteredHost int
	_, err = b.Launch(fakeHostPtr(&unregisteredHost))
	require.Error(t, err)
	require.True(t, IsCode(err, ErrLaunchFailure))

	ptr, err := b.Allocate(4, 4, driver.MemoryDevice)
	require.NoError(t, err)
	defer b.Free(ptr)
	require.NoError(t, b.MemCopyH2D(ptr, 0, []byte{1, 2, 3, 4}), "the queue must still accept work after a launch failure")
}

func TestPropertyAllocationAccountingTracksLiveBytes(t *testing.T) {
	b := newTestBackend(t)

	a, err := b.Allocate(100, 8, driver.MemoryDevice)
	require.NoError(t, err)
	c, err := b.Allocate(200, 8, driver.MemoryDevice)
	require.NoError(t, err)

	require.NoError(t, b.Free(a))
	d, err := b.Allocate(50, 8, driver.MemoryDevice)
	require.NoError(t, err)

	require.NoError(t, b.Free(c))
	require.NoError(t, b.Free(d))
}

func TestPropertyEventWaitIsIdempotent(t *testing.T) {
	b := newTestBackend(t)
	q, err := b.GetActiveQueue()
	require.NoError(t, err)

	var runs int
	require.NoError(t, q.AddCallback(func(any, error) { runs++ }, nil))
	ev, err := q.EnqueueMarker()
	require.NoError(t, err)

	require.NoError(t, b.EventSynchronize(ev))
	require.NoError(t, b.EventSynchronize(ev))
	require.NoError(t, b.EventSynchronize(ev))

	require.NoError(t, q.Finish())
	require.Equal(t, 1, runs, "callback action must run exactly once regardless of how many times wait is called")
}

func TestPropertyElapsedTimeNonNegativeForOrderedEvents(t *testing.T) {
	b := newTestBackend(t)
	q, err := b.GetActiveQueue()
	require.NoError(t, err)

	ev1, err := q.EnqueueMarker()
	require.NoError(t, err)
	ev2, err := q.EnqueueMarker()
	require.NoError(t, err)

	require.NoError(t, b.EventSynchronize(ev2))

	elapsed, err := b.EventElapsedTime(ev1, ev2)
	require.NoError(t, err)
	require.GreaterOrEqual(t, elapsed, 0.0)
}
