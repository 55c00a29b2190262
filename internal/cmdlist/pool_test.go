package cmdlist

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/gpudrv/internal/driver"
)

func newTestPool(t *testing.T) (*driver.SoftDriver, driver.Handle, *Pool) {
	t.Helper()
	drv := driver.NewSoftDriver()
	ctx, err := drv.CreateContext()
	require.NoError(t, err)
	return drv, ctx, NewPool(drv, ctx, 0)
}

func TestAcquireReusesReturnedLists(t *testing.T) {
	_, _, p := newTestPool(t)

	cl, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Return(cl)

	cl2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, cl, cl2)
	require.EqualValues(t, 2, p.Requested())
	require.EqualValues(t, 1, p.Reused())

	p.Return(cl2)
	require.NoError(t, p.Close())
}

func TestAcquireGrowsUnboundedWithoutCap(t *testing.T) {
	_, _, p := newTestPool(t)

	var lists []driver.Handle
	for i := 0; i < 10; i++ {
		cl, err := p.Acquire(context.Background())
		require.NoError(t, err)
		lists = append(lists, cl)
	}
	require.EqualValues(t, 10, p.Requested())
	require.EqualValues(t, 0, p.Reused())

	for _, cl := range lists {
		p.Return(cl)
	}
	require.NoError(t, p.Close())
}

func TestAcquireBlocksOnSemaphoreCap(t *testing.T) {
	drv := driver.NewSoftDriver()
	ctx, err := drv.CreateContext()
	require.NoError(t, err)
	p := NewPool(drv, ctx, 1)

	cl, err := p.Acquire(context.Background())
	require.NoError(t, err)

	cctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Acquire(cctx)
	require.Error(t, err, "second acquire should block on the cap and fail once ctx is canceled")

	p.Return(cl)
	require.NoError(t, p.Close())
}
