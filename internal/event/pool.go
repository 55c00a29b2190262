package event

import (
	"sync"

	"github.com/behrlich/gpudrv/internal/driver"
)

// subpool is one native event-pool allocation: a fixed-capacity block of
// event slots plus a free stack of recycled Events.
type subpool struct {
	mu       sync.Mutex
	handle   driver.Handle
	capacity uint32
	nextSlot uint32
	free     []*Event
}

func (sp *subpool) popFree() *Event {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	n := len(sp.free)
	if n == 0 {
		return nil
	}
	ev := sp.free[n-1]
	sp.free = sp.free[:n-1]
	return ev
}

func (sp *subpool) pushFree(ev *Event) {
	sp.mu.Lock()
	sp.free = append(sp.free, ev)
	sp.mu.Unlock()
}

func (sp *subpool) outstanding() int {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return int(sp.nextSlot) - len(sp.free)
}

// Pool is the EventPool: a context-scoped allocator of Events whose
// capacity grows by doubling across successive native pool creations
// (pool N has size base*2^N).
type Pool struct {
	mu        sync.Mutex
	drv       driver.Capability
	nativeCtx driver.Handle
	base      uint32
	pools     []*subpool

	tsFreqHz           uint64
	validTimestampBits uint32

	requested uint64
	reused    uint64
}

// NewPool constructs an EventPool. tsFreqHz and validTimestampBits come
// from the device properties reported by the native driver.
func NewPool(drv driver.Capability, nativeCtx driver.Handle, base uint32, tsFreqHz uint64, validTimestampBits uint32) *Pool {
	return &Pool{
		drv:                drv,
		nativeCtx:          nativeCtx,
		base:               base,
		tsFreqHz:           tsFreqHz,
		validTimestampBits: validTimestampBits,
	}
}

func (p *Pool) timestampMask() uint64 {
	if p.validTimestampBits >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << p.validTimestampBits) - 1
}

// Acquire returns a free Event, creating a new native event pool (doubling
// capacity) if none has a free slot. Acquisition walks known pools under
// the pool lock, per §4.1.
func (p *Pool) Acquire() (*Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requested++

	for _, sp := range p.pools {
		if ev := sp.popFree(); ev != nil {
			p.reused++
			ev.status.Store(int32(StatusInit))
			ev.refcount.Store(1)
			return ev, nil
		}
		if sp.nextSlot < sp.capacity {
			return p.createEvent(sp)
		}
	}

	capacity := p.base << uint(len(p.pools))
	handle, err := p.drv.CreateEventPool(p.nativeCtx, driver.EventPoolDesc{Capacity: capacity})
	if err != nil {
		return nil, err
	}
	sp := &subpool{handle: handle, capacity: capacity}
	p.pools = append(p.pools, sp)
	return p.createEvent(sp)
}

func (p *Pool) createEvent(sp *subpool) (*Event, error) {
	slot := sp.nextSlot
	native, err := p.drv.CreateEvent(sp.handle, slot)
	if err != nil {
		return nil, err
	}
	sp.nextSlot++

	ev := &Event{
		drv:    p.drv,
		native: native,
		pool:   p,
		sub:    sp,
		slot:   slot,
	}
	ev.status.Store(int32(StatusInit))
	ev.refcount.Store(1)
	return ev, nil
}

// Release drops a reference to ev; when the reference count reaches zero
// the native handle is reset and the event is pushed back onto its
// subpool's free stack.
func (p *Pool) Release(ev *Event) {
	if ev.refcount.Add(-1) > 0 {
		return
	}
	_ = ev.drv.ResetEvent(ev.native)
	ev.mu.Lock()
	ev.status.Store(int32(StatusInit))
	ev.deviceTicks = 0
	ev.hostNanos = 0
	ev.err = nil
	ev.actions = nil
	ev.returner = nil
	ev.hasAssignedCl = false
	ev.mu.Unlock()
	ev.sub.pushFree(ev)
}

// Requested returns the total number of Acquire calls observed.
func (p *Pool) Requested() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requested
}

// Reused returns the number of Acquire calls satisfied from a free stack.
func (p *Pool) Reused() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reused
}

// NativePoolCount returns the number of native event pools allocated so
// far — bounded by the pool-doubling formula for a given acquisition
// count (§8 "Event reuse").
func (p *Pool) NativePoolCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pools)
}

// Close destroys every native event pool. It fails with ErrResourceBusy if
// any pool still has outstanding (non-returned) events.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sp := range p.pools {
		if sp.outstanding() > 0 {
			return ErrResourceBusy
		}
	}
	for _, sp := range p.pools {
		if err := p.drv.DestroyEventPool(sp.handle); err != nil {
			return err
		}
	}
	p.pools = nil
	return nil
}
