// Package event implements the Event & EventPool component: a
// pool-recycled completion token that carries timestamps and deferred
// post-completion actions.
package event

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/behrlich/gpudrv/internal/driver"
)

// Sentinel errors returned by this package. Callers at the public API
// boundary map these to gpudrv.ErrorCode values.
var (
	ErrNotReady     = errors.New("event: not finished yet")
	ErrResourceBusy = errors.New("event: pool has outstanding events")
	ErrInvalidState = errors.New("event: operation invalid in current state")
)

// Status is the Event lifecycle state (§4.1).
type Status int32

const (
	StatusInit Status = iota
	StatusRecording
	StatusRecorded
	StatusFinished
)

// cmdListReturner is satisfied by cmdlist.Pool; kept as a narrow interface
// here so this package doesn't import cmdlist (event is a dependency leaf).
type cmdListReturner interface {
	Return(cl driver.Handle)
}

// Event is a completion token drawn from an EventPool.
type Event struct {
	drv    driver.Capability
	native driver.Handle
	pool   *Pool
	sub    *subpool
	slot   uint32

	status   atomic.Int32
	refcount atomic.Int32

	mu          sync.Mutex
	deviceTicks uint64
	hostNanos   int64
	err         error
	actions     []func()

	returner      cmdListReturner
	assignedCl    driver.Handle
	hasAssignedCl bool
}

// Native returns the underlying native driver handle, for queue-level
// append calls (AppendSignalEvent, AppendWaitOnEvents).
func (e *Event) Native() driver.Handle { return e.native }

// Status returns the current lifecycle state.
func (e *Event) Status() Status { return Status(e.status.Load()) }

// AddRef increments the shared-ownership reference count.
func (e *Event) AddRef() { e.refcount.Add(1) }

// Wait blocks the caller until the event transitions to Finished.
func (e *Event) Wait() error {
	if e.Status() == StatusFinished {
		return e.Err()
	}
	if err := e.drv.WaitEvent(e.native, 0); err != nil {
		return err
	}
	ticks, hostNanos, err := e.drv.EventTimestamp(e.native)
	if err != nil {
		return err
	}
	e.finish(ticks, hostNanos, nil)
	return e.Err()
}

// UpdateFinishStatus probes the native handle without blocking. If
// throwIfNotReady is true and the event has not finished, it returns
// ErrNotReady.
func (e *Event) UpdateFinishStatus(throwIfNotReady bool) error {
	if e.Status() == StatusFinished {
		return nil
	}
	done, err := e.drv.QueryEventStatus(e.native)
	if err != nil {
		return err
	}
	if !done {
		if throwIfNotReady {
			return ErrNotReady
		}
		return nil
	}
	ticks, hostNanos, err := e.drv.EventTimestamp(e.native)
	if err != nil {
		return err
	}
	e.finish(ticks, hostNanos, nil)
	return nil
}

// HostSignal forces the event into Finished state as if a host-side
// signaler had fired.
func (e *Event) HostSignal() error {
	if err := e.drv.HostSignalEvent(e.native); err != nil {
		return err
	}
	ticks, hostNanos, err := e.drv.EventTimestamp(e.native)
	if err != nil {
		return err
	}
	e.finish(ticks, hostNanos, nil)
	return nil
}

// FailNow finishes the event immediately with ferr, without involving the
// native driver. Used when a native call fails synchronously at submission
// time (§7: "the originating operation emits its completion event in a
// Finished-with-error state so LastEvent advances").
func (e *Event) FailNow(ferr error) {
	e.finish(0, time.Now().UnixNano(), ferr)
}

// Err returns the error recorded at completion, if any.
func (e *Event) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// AddAction appends fn to run exactly once when the event first becomes
// Finished. If the event has already finished, fn runs inline.
func (e *Event) AddAction(fn func()) {
	e.mu.Lock()
	if e.status.Load() == int32(StatusFinished) {
		e.mu.Unlock()
		fn()
		return
	}
	e.actions = append(e.actions, fn)
	e.mu.Unlock()
}

// AssignCmdList records a command list to return to returner when the
// event finishes.
func (e *Event) AssignCmdList(returner cmdListReturner, cl driver.Handle) {
	e.mu.Lock()
	e.returner = returner
	e.assignedCl = cl
	e.hasAssignedCl = true
	e.mu.Unlock()
}

// finish performs the Init->Finished transition exactly once: records
// timestamps/error, returns any assigned command list, then drains actions
// in insertion order.
func (e *Event) finish(ticks uint64, hostNanos int64, ferr error) {
	e.mu.Lock()
	if e.status.Load() == int32(StatusFinished) {
		e.mu.Unlock()
		return
	}
	e.status.Store(int32(StatusFinished))
	e.deviceTicks = ticks
	e.hostNanos = hostNanos
	e.err = ferr
	actions := e.actions
	e.actions = nil
	returner := e.returner
	cl := e.assignedCl
	hasCl := e.hasAssignedCl
	e.mu.Unlock()

	if hasCl && returner != nil {
		returner.Return(cl)
	}
	for _, a := range actions {
		a()
	}
}

// GetElapsedTime returns the elapsed milliseconds between e and other,
// both of which must be Finished. Device-counter wraparound is corrected
// for by falling back to host timestamps when the device-side delta would
// be non-monotonic.
func (e *Event) GetElapsedTime(other *Event) (float64, error) {
	if e.Status() != StatusFinished || other.Status() != StatusFinished {
		return 0, ErrNotReady
	}

	e.mu.Lock()
	aTicks, aHost := e.deviceTicks, e.hostNanos
	e.mu.Unlock()
	other.mu.Lock()
	bTicks, bHost := other.deviceTicks, other.hostNanos
	other.mu.Unlock()

	mask := e.pool.timestampMask()
	aMasked := aTicks & mask
	bMasked := bTicks & mask

	if bMasked >= aMasked {
		deltaTicks := bMasked - aMasked
		return float64(deltaTicks) / float64(e.pool.tsFreqHz) * 1000, nil
	}
	return float64(bHost-aHost) / 1e6, nil
}
