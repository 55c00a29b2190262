// Package cmdlist implements the CommandListPool: a context-scoped,
// unbounded recycling pool of native command-list handles.
package cmdlist

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/behrlich/gpudrv/internal/driver"
)

// Pool recycles native command lists for one Context. Native command-list
// construction is expensive, so lists acquired here are reset and pushed
// back onto a free stack rather than destroyed; the pool only grows, and
// is drained at Close.
//
// When the device has no immediate command lists, a queue must pace how
// many regular lists it keeps outstanding rather than letting native
// queue depth grow unbounded; maxConcurrent (0 = unbounded) gates that via
// a weighted semaphore.
type Pool struct {
	drv       driver.Capability
	nativeCtx driver.Handle

	mu   sync.Mutex
	free []driver.Handle

	requested uint64
	reused    uint64

	sem *semaphore.Weighted
}

// NewPool constructs a Pool. maxConcurrent <= 0 means no concurrency cap.
func NewPool(drv driver.Capability, nativeCtx driver.Handle, maxConcurrent int64) *Pool {
	p := &Pool{drv: drv, nativeCtx: nativeCtx}
	if maxConcurrent > 0 {
		p.sem = semaphore.NewWeighted(maxConcurrent)
	}
	return p
}

// Acquire returns a command list in a fresh (reset) state: popped from the
// free stack, or freshly created via the native driver.
func (p *Pool) Acquire(ctx context.Context) (driver.Handle, error) {
	if p.sem != nil {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return 0, err
		}
	}

	p.mu.Lock()
	p.requested++
	if n := len(p.free); n > 0 {
		cl := p.free[n-1]
		p.free = p.free[:n-1]
		p.reused++
		p.mu.Unlock()
		return cl, nil
	}
	p.mu.Unlock()

	cl, err := p.drv.CreateCommandList(p.nativeCtx)
	if err != nil {
		if p.sem != nil {
			p.sem.Release(1)
		}
		return 0, err
	}
	return cl, nil
}

// Return resets cl and pushes it back onto the free stack.
func (p *Pool) Return(cl driver.Handle) {
	_ = p.drv.ResetCommandList(cl)
	p.mu.Lock()
	p.free = append(p.free, cl)
	p.mu.Unlock()
	if p.sem != nil {
		p.sem.Release(1)
	}
}

// Requested returns the number of lists acquired so far.
func (p *Pool) Requested() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requested
}

// Reused returns the number of acquisitions satisfied from the free stack.
func (p *Pool) Reused() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reused
}

// Outstanding returns requested-reused-minus-returned, i.e. lists created
// that are not currently sitting free (either assigned to an unfinished
// event or never seen again).
func (p *Pool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.requested-p.reused) - len(p.free)
}

// Close destroys every command list currently on the free stack. Lists
// still assigned to unfinished events are the caller's responsibility to
// drain first (Device.Close does this: it finishes and closes every Queue
// before closing the Context, whose Close calls this).
func (p *Pool) Close() error {
	p.mu.Lock()
	free := p.free
	p.free = nil
	p.mu.Unlock()

	for _, cl := range free {
		if err := p.drv.DestroyCommandList(cl); err != nil {
			return err
		}
	}
	return nil
}
