package event

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/gpudrv/internal/driver"
)

func newTestPool(t *testing.T) (*driver.SoftDriver, driver.Handle, *Pool) {
	t.Helper()
	drv := driver.NewSoftDriver()
	ctx, err := drv.CreateContext()
	require.NoError(t, err)
	props, err := drv.DeviceProperties(ctx)
	require.NoError(t, err)
	return drv, ctx, NewPool(drv, ctx, 4, props.TimestampFrequencyHz, props.ValidTimestampBits)
}

func TestPoolDoublesCapacity(t *testing.T) {
	_, _, p := newTestPool(t)

	var acquired []*Event
	for i := 0; i < 4; i++ {
		ev, err := p.Acquire()
		require.NoError(t, err)
		acquired = append(acquired, ev)
	}
	require.Equal(t, 1, p.NativePoolCount(), "first 4 acquisitions should fit in the base pool")

	ev5, err := p.Acquire()
	require.NoError(t, err)
	acquired = append(acquired, ev5)
	require.Equal(t, 2, p.NativePoolCount(), "5th acquisition should grow a second, doubled pool")

	for _, ev := range acquired {
		p.Release(ev)
	}
	require.NoError(t, p.Close())
}

func TestPoolReusesReturnedEvents(t *testing.T) {
	_, _, p := newTestPool(t)

	ev, err := p.Acquire()
	require.NoError(t, err)
	p.Release(ev)

	ev2, err := p.Acquire()
	require.NoError(t, err)
	require.Equal(t, uint64(2), p.Requested())
	require.Equal(t, uint64(1), p.Reused())
	require.Equal(t, 1, p.NativePoolCount())

	p.Release(ev2)
	require.NoError(t, p.Close())
}

func TestEventActionsRunExactlyOnce(t *testing.T) {
	_, _, p := newTestPool(t)
	ev, err := p.Acquire()
	require.NoError(t, err)

	var runs int32
	ev.AddAction(func() { atomic.AddInt32(&runs, 1) })

	require.NoError(t, ev.HostSignal())
	require.NoError(t, ev.Wait())
	require.NoError(t, ev.Wait())
	require.Equal(t, int32(1), atomic.LoadInt32(&runs))

	p.Release(ev)
}

func TestEventAddActionAfterFinishRunsInline(t *testing.T) {
	_, _, p := newTestPool(t)
	ev, err := p.Acquire()
	require.NoError(t, err)
	require.NoError(t, ev.HostSignal())

	var ran bool
	ev.AddAction(func() { ran = true })
	require.True(t, ran)

	p.Release(ev)
}

func TestEventFailNowAdvancesWithError(t *testing.T) {
	_, _, p := newTestPool(t)
	ev, err := p.Acquire()
	require.NoError(t, err)

	sentinel := ErrInvalidState
	ev.FailNow(sentinel)
	require.Equal(t, StatusFinished, ev.Status())
	require.ErrorIs(t, ev.Err(), sentinel)

	p.Release(ev)
}

func TestGetElapsedTimeRequiresBothFinished(t *testing.T) {
	_, _, p := newTestPool(t)
	a, err := p.Acquire()
	require.NoError(t, err)
	b, err := p.Acquire()
	require.NoError(t, err)

	_, err = a.GetElapsedTime(b)
	require.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, a.HostSignal())
	require.NoError(t, b.HostSignal())
	elapsed, err := a.GetElapsedTime(b)
	require.NoError(t, err)
	require.GreaterOrEqual(t, elapsed, float64(0))

	p.Release(a)
	p.Release(b)
}

func TestCloseFailsWithOutstandingEvents(t *testing.T) {
	_, _, p := newTestPool(t)
	ev, err := p.Acquire()
	require.NoError(t, err)

	require.ErrorIs(t, p.Close(), ErrResourceBusy)
	p.Release(ev)
	require.NoError(t, p.Close())
}
