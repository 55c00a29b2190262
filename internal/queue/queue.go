// Package queue implements the Queue submission engine (§4.4): the
// stream-order dependency protocol, barrier/marker enqueue, finish, launch,
// and the host-callback protocol. Structurally this is the direct
// descendant of the teacher's queue.Runner: a per-queue object holding
// native resources plus per-op state machine transitions, generalized from
// disk I/O ops (read/write/flush/discard) to GPU ops (copy/fill/launch/
// barrier/marker).
package queue

import (
	stdcontext "context"
	"sync"
	"time"

	"github.com/behrlich/gpudrv/internal/callback"
	gpucontext "github.com/behrlich/gpudrv/internal/context"
	"github.com/behrlich/gpudrv/internal/driver"
	"github.com/behrlich/gpudrv/internal/event"
	"github.com/behrlich/gpudrv/internal/interfaces"
	"github.com/behrlich/gpudrv/internal/logging"
)

// LaunchSpec is the narrow launch descriptor Queue.Launch consumes. The
// root package's ExecItem is translated into this by Backend so that
// internal/queue never needs to import the root package.
type LaunchSpec struct {
	Kernel         driver.Handle
	GridDim        [3]uint32
	BlockDim       [3]uint32
	SharedMemBytes uint32
	Args           []byte
}

// Config configures a new Queue.
type Config struct {
	Context   *gpucontext.Context
	Kind      driver.QueueGroupKind
	Ordinal   int
	Index     int
	Priority  int
	Blocking  bool
	Callbacks *callback.Queue
	Logger    *logging.Logger
	Observer  interfaces.Observer

	// Monitor, if set, receives every event assigned a regular (non-
	// immediate) command list, so its background poll loop reclaims that
	// list even if the caller never explicitly waits on or queries the
	// event again.
	Monitor interfaces.EventTracker

	// ImmediateOverride, if non-nil, forces useImmediate to its value
	// instead of deferring to Context.Properties().SupportsImmediateLists
	// — the GPUDRV_IMMEDIATE_CMDLISTS knob (§6 "read once during init").
	ImmediateOverride *bool
}

// Queue is a single native command queue plus the bookkeeping needed to
// enforce stream order across everything enqueued on it.
type Queue struct {
	drv driver.Capability
	ctx *gpucontext.Context

	kind     driver.QueueGroupKind
	ordinal  int
	index    int
	priority int
	blocking bool

	native       driver.Handle
	fence        driver.Handle
	useImmediate bool
	immediateCl  driver.Handle
	isDefault    bool

	callbacks *callback.Queue
	logger    *logging.Logger
	observer  interfaces.Observer
	monitor   interfaces.EventTracker

	mu        sync.Mutex
	lastEvent *event.Event
	closed    bool
}

// New creates a Queue bound to a physical (ordinal, index) pair within
// cfg.Context's device. If the device supports immediate command lists,
// one is created and used for every op; otherwise ops go through a regular
// list from the context's CommandListPool, submitted against a fence.
func New(drv driver.Capability, cfg Config) (*Queue, error) {
	native, err := drv.CreateCommandQueue(cfg.Context.Native(), cfg.Kind, cfg.Ordinal, cfg.Index)
	if err != nil {
		return nil, err
	}

	q := &Queue{
		drv:       drv,
		ctx:       cfg.Context,
		kind:      cfg.Kind,
		ordinal:   cfg.Ordinal,
		index:     cfg.Index,
		priority:  cfg.Priority,
		blocking:  cfg.Blocking,
		native:    native,
		callbacks: cfg.Callbacks,
		logger:    cfg.Logger,
		observer:  cfg.Observer,
		monitor:   cfg.Monitor,
	}
	if q.logger == nil {
		q.logger = logging.Default()
	}

	useImmediate := cfg.Context.Properties().SupportsImmediateLists
	if cfg.ImmediateOverride != nil {
		useImmediate = *cfg.ImmediateOverride
	}

	if useImmediate {
		cl, err := drv.CreateImmediateCommandList(cfg.Context.Native(), native)
		if err != nil {
			_ = drv.DestroyCommandQueue(native)
			return nil, err
		}
		q.useImmediate = true
		q.immediateCl = cl
	} else {
		fence, err := drv.CreateFence(native)
		if err != nil {
			_ = drv.DestroyCommandQueue(native)
			return nil, err
		}
		q.fence = fence
	}

	if q.blocking {
		cfg.Context.RegisterBlockingQueue(q)
	}
	return q, nil
}

// Kind reports whether this is a compute or copy queue.
func (q *Queue) Kind() driver.QueueGroupKind { return q.kind }

// MarkDefault registers q as its context's default queue for default-queue
// sync mode (§5). Called once, by whoever lazily creates the default
// stream.
func (q *Queue) MarkDefault() {
	q.mu.Lock()
	q.isDefault = true
	q.mu.Unlock()
	q.ctx.RegisterDefaultQueue(q)
}

// LastEventNative exposes the native handle of q's current LastEvent, for
// Context's default-queue sync-mode bookkeeping. ok is false if nothing
// has been enqueued on q yet.
func (q *Queue) LastEventNative() (driver.Handle, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.lastEvent == nil {
		return 0, false
	}
	return q.lastEvent.Native(), true
}

// appendFn records the operation-specific native call into cl, between the
// wait barrier and the completion signal.
type appendFn func(cl driver.Handle) error

// enqueue performs the stream-order protocol (§4.4 steps 1-6) for one
// operation and returns its completion event, already carrying a
// reference for the caller (a second reference is retained internally for
// LastEvent).
func (q *Queue) enqueue(extraWaits []driver.Handle, op appendFn) (*event.Event, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueueLocked(extraWaits, op)
}

func (q *Queue) enqueueLocked(extraWaits []driver.Handle, op appendFn) (*event.Event, error) {
	var cl driver.Handle
	var err error
	if q.useImmediate {
		cl = q.immediateCl
	} else {
		cl, err = q.ctx.CommandLists().Acquire(stdcontext.Background())
		if err != nil {
			return nil, err
		}
	}

	waits := extraWaits
	if q.ctx.DefaultQueueSyncMode() {
		if q.isDefault {
			waits = append(waits, q.ctx.BlockingQueueWaits()...)
		} else if q.blocking {
			if ev, ok := q.ctx.DefaultQueueWait(); ok {
				waits = append(waits, ev)
			}
		}
	}
	// A LastEvent that is already Finished needs no native wait; this also
	// covers one failed by FailNow, whose native handle is never signaled.
	if q.lastEvent != nil && q.lastEvent.Status() != event.StatusFinished {
		waits = append([]driver.Handle{q.lastEvent.Native()}, waits...)
	}

	ev, err := q.ctx.EventPool().Acquire()
	if err != nil {
		if !q.useImmediate {
			q.ctx.CommandLists().Return(cl)
		}
		return nil, err
	}
	ev.AddRef() // second reference: handed to the caller below

	opErr := func() error {
		if len(waits) > 0 {
			if err := q.drv.AppendWaitOnEvents(cl, waits); err != nil {
				return err
			}
		} else if err := q.drv.AppendBarrier(cl); err != nil {
			return err
		}
		if err := op(cl); err != nil {
			return err
		}
		return q.drv.AppendSignalEvent(cl, ev.Native())
	}()

	if opErr != nil {
		// Failure semantics (§4.4): the event still finishes and LastEvent
		// still advances so downstream work does not deadlock.
		ev.FailNow(opErr)
		q.publishLastEvent(ev)
		if !q.useImmediate {
			q.ctx.CommandLists().Return(cl)
		}
		return ev, opErr
	}

	if !q.useImmediate {
		if err := q.drv.CloseCommandList(cl); err != nil {
			ev.FailNow(err)
			q.publishLastEvent(ev)
			q.ctx.CommandLists().Return(cl)
			return ev, err
		}
		ev.AssignCmdList(q.ctx.CommandLists(), cl)
		if err := q.drv.SubmitCommandList(q.native, cl, q.fence); err != nil {
			ev.FailNow(err)
			q.publishLastEvent(ev)
			return ev, err
		}
		// The event now owns a command list that only comes back to the
		// context pool when the event finishes (event.Event.finish). A
		// caller that never waits on or queries this particular event
		// again would otherwise leak that list, so hand it to the monitor
		// for background reclaim regardless (§8 command-list invariant).
		if q.monitor != nil {
			q.monitor.Track(ev)
		}
	}

	q.publishLastEvent(ev)
	return ev, nil
}

// publishLastEvent replaces LastEvent with ev (already holding the
// queue's reference) and drops the queue's reference on the event it
// replaces.
func (q *Queue) publishLastEvent(ev *event.Event) {
	prev := q.lastEvent
	q.lastEvent = ev
	if prev != nil {
		q.ctx.EventPool().Release(prev)
	}
}

// MemCopyH2DAsync enqueues a host-to-device copy and returns its
// completion event without blocking.
func (q *Queue) MemCopyH2DAsync(dst driver.Handle, dstOffset uint64, src []byte) (*event.Event, error) {
	start := time.Now()
	ev, err := q.enqueue(nil, func(cl driver.Handle) error {
		return q.drv.AppendMemoryCopyH2D(cl, dst, dstOffset, src)
	})
	q.observeCopy(uint64(len(src)), start, err)
	return ev, err
}

// MemCopyD2HAsync enqueues a device-to-host copy.
func (q *Queue) MemCopyD2HAsync(dst []byte, src driver.Handle, srcOffset uint64) (*event.Event, error) {
	start := time.Now()
	ev, err := q.enqueue(nil, func(cl driver.Handle) error {
		return q.drv.AppendMemoryCopyD2H(cl, dst, src, srcOffset)
	})
	q.observeCopy(uint64(len(dst)), start, err)
	return ev, err
}

// MemCopyD2DAsync enqueues a device-to-device copy.
func (q *Queue) MemCopyD2DAsync(dst driver.Handle, dstOffset uint64, src driver.Handle, srcOffset, size uint64) (*event.Event, error) {
	start := time.Now()
	ev, err := q.enqueue(nil, func(cl driver.Handle) error {
		return q.drv.AppendMemoryCopyD2D(cl, dst, dstOffset, src, srcOffset, size)
	})
	q.observeCopy(size, start, err)
	return ev, err
}

// MemFillAsync enqueues a fill of dst with pattern repeated to size bytes.
func (q *Queue) MemFillAsync(dst driver.Handle, dstOffset uint64, pattern []byte, size uint64) (*event.Event, error) {
	start := time.Now()
	ev, err := q.enqueue(nil, func(cl driver.Handle) error {
		return q.drv.AppendMemoryFill(cl, dst, dstOffset, pattern, size)
	})
	q.observeFill(size, start, err)
	return ev, err
}

// memCopySync runs an async enqueue then blocks on its completion event,
// releasing the caller's reference before returning — the pattern behind
// every *[Async] public operation's synchronous counterpart.
func (q *Queue) memCopySync(ev *event.Event, err error) error {
	if err != nil {
		if ev != nil {
			q.ctx.EventPool().Release(ev)
		}
		return err
	}
	defer q.ctx.EventPool().Release(ev)
	return ev.Wait()
}

// MemCopyH2D is the blocking counterpart of MemCopyH2DAsync.
func (q *Queue) MemCopyH2D(dst driver.Handle, dstOffset uint64, src []byte) error {
	return q.memCopySync(q.MemCopyH2DAsync(dst, dstOffset, src))
}

// MemCopyD2H is the blocking counterpart of MemCopyD2HAsync.
func (q *Queue) MemCopyD2H(dst []byte, src driver.Handle, srcOffset uint64) error {
	return q.memCopySync(q.MemCopyD2HAsync(dst, src, srcOffset))
}

// MemCopyD2D is the blocking counterpart of MemCopyD2DAsync.
func (q *Queue) MemCopyD2D(dst driver.Handle, dstOffset uint64, src driver.Handle, srcOffset, size uint64) error {
	return q.memCopySync(q.MemCopyD2DAsync(dst, dstOffset, src, srcOffset, size))
}

// MemFill is the blocking counterpart of MemFillAsync.
func (q *Queue) MemFill(dst driver.Handle, dstOffset uint64, pattern []byte, size uint64) error {
	return q.memCopySync(q.MemFillAsync(dst, dstOffset, pattern, size))
}

// Launch binds spec's argument buffer and grid/block dims, enqueues the
// dispatch, and returns its completion event.
func (q *Queue) Launch(spec LaunchSpec) (*event.Event, error) {
	start := time.Now()
	ev, err := q.enqueue(nil, func(cl driver.Handle) error {
		return q.drv.AppendLaunchKernel(cl, driver.LaunchArgs{
			Kernel:    spec.Kernel,
			GridDim:   spec.GridDim,
			BlockDim:  spec.BlockDim,
			SharedMem: spec.SharedMemBytes,
			Args:      spec.Args,
		})
	})
	if q.observer != nil {
		q.observer.ObserveLaunch("", uint64(time.Since(start).Nanoseconds()), err == nil)
	}
	return ev, err
}

// EnqueueMarker is a barrier whose additional wait set is empty — it still
// inherits LastEvent (§4.4 "Barrier vs marker").
func (q *Queue) EnqueueMarker() (*event.Event, error) {
	return q.enqueue(nil, func(driver.Handle) error { return nil })
}

// EnqueueBarrier waits on LastEvent plus every event in waits.
func (q *Queue) EnqueueBarrier(waits []*event.Event) (*event.Event, error) {
	native := make([]driver.Handle, len(waits))
	for i, w := range waits {
		native[i] = w.Native()
	}
	return q.enqueue(native, func(driver.Handle) error { return nil })
}

// Finish blocks until LastEvent is Finished. The stream-order invariant
// guarantees LastEvent's completion implies every prior op has completed
// at the device; reclaiming those prior events' own command lists back to
// the context pool is handled independently by the EventMonitor, which
// every regular-list-backed event is registered with at enqueue time (see
// Config.Monitor), not by Finish itself.
func (q *Queue) Finish() error {
	q.mu.Lock()
	ev := q.lastEvent
	if ev != nil {
		ev.AddRef()
	}
	q.mu.Unlock()
	if ev == nil {
		return nil
	}
	defer q.ctx.EventPool().Release(ev)
	return ev.Wait()
}

// AddCallback implements the host-callback protocol (§4.4 steps 1-5):
// three internal events bracket a host function, and a record describing
// them is pushed onto the shared callback FIFO for the EventMonitor to
// drive.
func (q *Queue) AddCallback(fn callback.Fn, userdata any) error {
	cpuDone, err := q.ctx.EventPool().Acquire()
	if err != nil {
		return err
	}

	gpuReady, err := q.EnqueueMarker()
	if err != nil {
		q.ctx.EventPool().Release(cpuDone)
		return err
	}

	if _, err := q.EnqueueBarrier([]*event.Event{cpuDone}); err != nil {
		q.ctx.EventPool().Release(cpuDone)
		q.ctx.EventPool().Release(gpuReady)
		return err
	}

	gpuAck, err := q.EnqueueMarker()
	if err != nil {
		q.ctx.EventPool().Release(cpuDone)
		q.ctx.EventPool().Release(gpuReady)
		return err
	}

	q.callbacks.Push(&callback.Record{
		Fn:       fn,
		Userdata: userdata,
		GPUReady: gpuReady,
		CPUDone:  cpuDone,
		GPUAck:   gpuAck,
		Pool:     q.ctx.EventPool(),
	})
	return nil
}

func (q *Queue) observeCopy(bytes uint64, start time.Time, err error) {
	if q.observer != nil {
		q.observer.ObserveCopy(bytes, uint64(time.Since(start).Nanoseconds()), err == nil)
	}
}

func (q *Queue) observeFill(bytes uint64, start time.Time, err error) {
	if q.observer != nil {
		q.observer.ObserveFill(bytes, uint64(time.Since(start).Nanoseconds()), err == nil)
	}
}

// Close tears down the queue's native resources. The caller must have
// already called Finish to drain outstanding work.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	ev := q.lastEvent
	q.lastEvent = nil
	q.mu.Unlock()

	if ev != nil {
		q.ctx.EventPool().Release(ev)
	}

	if q.useImmediate {
		if err := q.drv.DestroyCommandList(q.immediateCl); err != nil {
			return err
		}
	} else if err := q.drv.DestroyFence(q.fence); err != nil {
		return err
	}
	return q.drv.DestroyCommandQueue(q.native)
}
