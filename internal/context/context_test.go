package context

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/gpudrv/internal/driver"
)

func TestNewContextQueriesDeviceProperties(t *testing.T) {
	drv := driver.NewSoftDriver()
	c, err := New(drv, 0)
	require.NoError(t, err)
	defer c.Close()

	require.NotZero(t, c.Native())
	require.NotEmpty(t, c.Properties().QueueGroups)
}

func TestEventPoolLazyAndShared(t *testing.T) {
	drv := driver.NewSoftDriver()
	c, err := New(drv, 0)
	require.NoError(t, err)
	defer c.Close()

	p1 := c.EventPool()
	p2 := c.EventPool()
	require.Same(t, p1, p2, "EventPool() must return the same default pool across calls")

	ev, err := p1.Acquire()
	require.NoError(t, err)
	require.EqualValues(t, 1, c.EventsRequested())
	p1.Release(ev)
}

func TestCommandListPoolScopedToContext(t *testing.T) {
	drv := driver.NewSoftDriver()
	c, err := New(drv, 0)
	require.NoError(t, err)
	defer c.Close()

	cl, err := c.CommandLists().Acquire(context.Background())
	require.NoError(t, err)
	c.CommandLists().Return(cl)
	require.EqualValues(t, 1, c.CommandListsRequested())
}

type fakeSyncQueue struct {
	ev driver.Handle
	ok bool
}

func (f *fakeSyncQueue) LastEventNative() (driver.Handle, bool) { return f.ev, f.ok }

func TestDefaultQueueSyncModeBookkeeping(t *testing.T) {
	drv := driver.NewSoftDriver()
	c, err := New(drv, 0)
	require.NoError(t, err)
	defer c.Close()

	require.False(t, c.DefaultQueueSyncMode(), "default-queue sync must default off")

	_, ok := c.DefaultQueueWait()
	require.False(t, ok, "no default queue registered yet")
	require.Empty(t, c.BlockingQueueWaits())

	def := &fakeSyncQueue{ev: 42, ok: true}
	c.RegisterDefaultQueue(def)
	b1 := &fakeSyncQueue{ev: 7, ok: true}
	b2 := &fakeSyncQueue{ok: false} // enqueued nothing yet
	c.RegisterBlockingQueue(b1)
	c.RegisterBlockingQueue(b2)

	ev, ok := c.DefaultQueueWait()
	require.True(t, ok)
	require.EqualValues(t, 42, ev)

	waits := c.BlockingQueueWaits()
	require.Equal(t, []driver.Handle{7}, waits, "only blocking queues with a published LastEvent contribute a wait")

	c.SetDefaultQueueSyncMode(true)
	require.True(t, c.DefaultQueueSyncMode())
}

func TestCloseTearsDownOwnedNativeContext(t *testing.T) {
	drv := driver.NewSoftDriver()
	c, err := New(drv, 0)
	require.NoError(t, err)

	_ = c.EventPool()
	require.NoError(t, c.Close())
	require.NoError(t, c.Close(), "Close must be idempotent")
}
