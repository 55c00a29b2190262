// Package context implements the Context component: a native context
// handle plus the resource pools scoped to it (event pools, command-list
// pool). Modeled on the teacher's Controller, which owns the control-plane
// file descriptor and tears resources down in reverse order at Close.
package context

import (
	"sync"
	"time"

	"github.com/behrlich/gpudrv/internal/cmdlist"
	"github.com/behrlich/gpudrv/internal/constants"
	"github.com/behrlich/gpudrv/internal/driver"
	"github.com/behrlich/gpudrv/internal/event"
)

// syncQueueRef is the narrow view of a Queue that default-queue sync mode
// needs, kept interface-only so this package (a dependency of
// internal/queue) doesn't import it back.
type syncQueueRef interface {
	LastEventNative() (driver.Handle, bool)
}

// Context owns a native context handle and the resource pools scoped to
// it. Destruction tears resources down in reverse order: command-list
// pool, then event pools, then (if Owned) the native handle itself.
type Context struct {
	drv   driver.Capability
	mu    sync.Mutex
	owned bool

	native     driver.Handle
	props      driver.DeviceProperties
	eventPools []*event.Pool
	cmdLists   *cmdlist.Pool

	defaultQueueSync bool
	defaultQueue     syncQueueRef
	blockingQueues   []syncQueueRef

	closed bool
}

// New creates a native context via drv and wraps it. maxConcurrentLists is
// forwarded to the command-list pool (0 = unbounded); it should be set
// when props.SupportsImmediateLists is false (§2.2: without immediate
// lists a queue must pace how many regular lists it keeps outstanding).
func New(drv driver.Capability, maxConcurrentLists int64) (*Context, error) {
	native, err := drv.CreateContext()
	if err != nil {
		return nil, err
	}

	// ContextInitSettleDelay: some native drivers report stale queue-group
	// counts until the device finishes waking up; give it margin before
	// trusting DeviceProperties.
	time.Sleep(constants.ContextInitSettleDelay)

	props, err := drv.DeviceProperties(native)
	if err != nil {
		_ = drv.DestroyContext(native)
		return nil, err
	}

	return &Context{
		drv:      drv,
		owned:    true,
		native:   native,
		props:    props,
		cmdLists: cmdlist.NewPool(drv, native, maxConcurrentLists),
	}, nil
}

// Native returns the wrapped native context handle.
func (c *Context) Native() driver.Handle { return c.native }

// Properties returns the device properties reported at context creation.
func (c *Context) Properties() driver.DeviceProperties {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.props
}

// CommandLists returns the context's CommandListPool.
func (c *Context) CommandLists() *cmdlist.Pool { return c.cmdLists }

// SetDefaultQueueSyncMode resolves spec.md §9's syncQueues open question
// (carried as a compile-time toggle, default off): when enabled, the
// default queue's enqueues additionally wait on every blocking queue's
// LastEvent, and every blocking queue's enqueues additionally wait on the
// default queue's LastEvent.
func (c *Context) SetDefaultQueueSyncMode(v bool) {
	c.mu.Lock()
	c.defaultQueueSync = v
	c.mu.Unlock()
}

// DefaultQueueSyncMode reports whether default-queue sync mode is enabled.
func (c *Context) DefaultQueueSyncMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.defaultQueueSync
}

// RegisterDefaultQueue records q as this context's default queue.
func (c *Context) RegisterDefaultQueue(q syncQueueRef) {
	c.mu.Lock()
	c.defaultQueue = q
	c.mu.Unlock()
}

// RegisterBlockingQueue records q as one of this context's blocking
// queues.
func (c *Context) RegisterBlockingQueue(q syncQueueRef) {
	c.mu.Lock()
	c.blockingQueues = append(c.blockingQueues, q)
	c.mu.Unlock()
}

// DefaultQueueWait returns the default queue's current LastEvent, for a
// blocking queue's enqueue to additionally wait on. ok is false if there is
// no default queue registered yet or it has nothing enqueued.
func (c *Context) DefaultQueueWait() (driver.Handle, bool) {
	c.mu.Lock()
	dq := c.defaultQueue
	c.mu.Unlock()
	if dq == nil {
		return 0, false
	}
	return dq.LastEventNative()
}

// BlockingQueueWaits returns the current LastEvent of every registered
// blocking queue, for the default queue's enqueue to additionally wait on.
func (c *Context) BlockingQueueWaits() []driver.Handle {
	c.mu.Lock()
	qs := append([]syncQueueRef(nil), c.blockingQueues...)
	c.mu.Unlock()

	waits := make([]driver.Handle, 0, len(qs))
	for _, q := range qs {
		if ev, ok := q.LastEventNative(); ok {
			waits = append(waits, ev)
		}
	}
	return waits
}

// EventPool returns the context's default EventPool, lazily creating it on
// first use. A Context may grow additional named pools in the future
// (timing-enabled vs not); index 0 is the default used by every Queue
// today.
func (c *Context) EventPool() *event.Pool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.eventPools) == 0 {
		pool := event.NewPool(c.drv, c.native, constants.DefaultEventPoolBaseCapacity, c.props.TimestampFrequencyHz, c.props.ValidTimestampBits)
		c.eventPools = append(c.eventPools, pool)
	}
	return c.eventPools[0]
}

// NewEventPool allocates and registers an additional context-owned
// EventPool (e.g. with a different base capacity), returning it.
func (c *Context) NewEventPool(baseCapacity uint32) *event.Pool {
	c.mu.Lock()
	defer c.mu.Unlock()
	pool := event.NewPool(c.drv, c.native, baseCapacity, c.props.TimestampFrequencyHz, c.props.ValidTimestampBits)
	c.eventPools = append(c.eventPools, pool)
	return pool
}

// CommandListsRequested and CommandListsReused report the context's
// command-list pool counters (§4.2).
func (c *Context) CommandListsRequested() uint64 { return c.cmdLists.Requested() }
func (c *Context) CommandListsReused() uint64    { return c.cmdLists.Reused() }

// EventsRequested and EventsReused sum counters across every owned
// EventPool (§4.1).
func (c *Context) EventsRequested() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n uint64
	for _, p := range c.eventPools {
		n += p.Requested()
	}
	return n
}

func (c *Context) EventsReused() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n uint64
	for _, p := range c.eventPools {
		n += p.Reused()
	}
	return n
}

// Close tears down owned resources in reverse order: command-list pool,
// then event pools, then (if this Context owns the native handle) the
// native context itself.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pools := c.eventPools
	c.eventPools = nil
	owned := c.owned
	native := c.native
	c.mu.Unlock()

	if err := c.cmdLists.Close(); err != nil {
		return err
	}
	for _, p := range pools {
		if err := p.Close(); err != nil {
			return err
		}
	}
	if owned {
		return c.drv.DestroyContext(native)
	}
	return nil
}
