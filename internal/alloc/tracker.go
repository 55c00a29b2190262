// Package alloc implements the AllocationTracker: a per-device quota and
// bookkeeping structure mapping device pointers to their allocation
// extents, sharded for parallel access the way the teacher's RAM backend
// shards its byte-addressed locking.
package alloc

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/behrlich/gpudrv/internal/driver"
)

var (
	ErrOutOfMemory          = errors.New("alloc: reservation exceeds remaining capacity")
	ErrInvalidDevicePointer = errors.New("alloc: unknown device pointer")
)

// NumShards is the number of independent lock domains the allocation
// table is split across, mirroring the teacher's sharded RAM backend.
const NumShards = 64

type record struct {
	base driver.Handle
	size uint64
}

type shard struct {
	mu      sync.RWMutex
	byBase  map[driver.Handle]record
}

// Tracker is the AllocationTracker: `(dev_ptr -> {base, size})`, a
// host-pinned alias map, and atomic total/peak/capacity counters.
type Tracker struct {
	shards [NumShards]*shard

	hostAliasMu sync.RWMutex
	hostAlias   map[uintptr]driver.Handle

	totalUsed      atomic.Int64
	peakUsed       atomic.Int64
	globalCapacity int64
}

// NewTracker constructs a Tracker with the given capacity in bytes.
func NewTracker(globalCapacity int64) *Tracker {
	t := &Tracker{
		globalCapacity: globalCapacity,
		hostAlias:      make(map[uintptr]driver.Handle),
	}
	for i := range t.shards {
		t.shards[i] = &shard{byBase: make(map[driver.Handle]record)}
	}
	return t
}

func (t *Tracker) shardFor(p driver.Handle) *shard {
	return t.shards[uint64(p)%NumShards]
}

// Reserve atomically admits or rejects bytes against remaining capacity.
// On success, remaining capacity is reduced by bytes; callers must call
// Release(bytes) if they ultimately don't record the allocation.
func (t *Tracker) Reserve(bytes int64) error {
	for {
		used := t.totalUsed.Load()
		if used+bytes > t.globalCapacity {
			return ErrOutOfMemory
		}
		if t.totalUsed.CompareAndSwap(used, used+bytes) {
			for {
				peak := t.peakUsed.Load()
				if used+bytes <= peak || t.peakUsed.CompareAndSwap(peak, used+bytes) {
					break
				}
			}
			return nil
		}
	}
}

// Release returns bytes of quota previously admitted by Reserve.
func (t *Tracker) Release(bytes int64) {
	t.totalUsed.Add(-bytes)
}

// Record inserts a (devPtr -> {base, size}) entry. devPtr is both the key
// and the base in the common case; base is tracked separately so a
// sub-range alias could in principle be recorded against the same base.
func (t *Tracker) Record(devPtr driver.Handle, size uint64) {
	sh := t.shardFor(devPtr)
	sh.mu.Lock()
	sh.byBase[devPtr] = record{base: devPtr, size: size}
	sh.mu.Unlock()
}

// Forget removes a previously recorded allocation.
func (t *Tracker) Forget(devPtr driver.Handle) {
	sh := t.shardFor(devPtr)
	sh.mu.Lock()
	delete(sh.byBase, devPtr)
	sh.mu.Unlock()
}

// GetByDev returns the {base, size} record for the allocation containing
// p. An exact match against a recorded base is checked first (the common
// case and the only one that stays within a single shard's lock); if p
// falls inside some other allocation's range instead, every shard is
// scanned to find it.
func (t *Tracker) GetByDev(p driver.Handle) (base driver.Handle, size uint64, err error) {
	sh := t.shardFor(p)
	sh.mu.RLock()
	if r, ok := sh.byBase[p]; ok {
		sh.mu.RUnlock()
		return r.base, r.size, nil
	}
	sh.mu.RUnlock()

	for _, sh := range t.shards {
		sh.mu.RLock()
		for _, r := range sh.byBase {
			if p >= r.base && uint64(p-r.base) < r.size {
				sh.mu.RUnlock()
				return r.base, r.size, nil
			}
		}
		sh.mu.RUnlock()
	}
	return 0, 0, ErrInvalidDevicePointer
}

// RegisterHostAlias records that hostPtr is a pinned host-memory alias of
// devPtr.
func (t *Tracker) RegisterHostAlias(hostPtr uintptr, devPtr driver.Handle) {
	t.hostAliasMu.Lock()
	t.hostAlias[hostPtr] = devPtr
	t.hostAliasMu.Unlock()
}

// UnregisterHostAlias drops a previously registered alias.
func (t *Tracker) UnregisterHostAlias(hostPtr uintptr) {
	t.hostAliasMu.Lock()
	delete(t.hostAlias, hostPtr)
	t.hostAliasMu.Unlock()
}

// GetByHost resolves a host-pinned alias to its device pointer.
func (t *Tracker) GetByHost(hostPtr uintptr) (driver.Handle, error) {
	t.hostAliasMu.RLock()
	defer t.hostAliasMu.RUnlock()
	devPtr, ok := t.hostAlias[hostPtr]
	if !ok {
		return 0, ErrInvalidDevicePointer
	}
	return devPtr, nil
}

// TotalUsed returns the sum of sizes of recorded live allocations.
func (t *Tracker) TotalUsed() int64 { return t.totalUsed.Load() }

// PeakUsed returns the high-water mark of TotalUsed.
func (t *Tracker) PeakUsed() int64 { return t.peakUsed.Load() }

// GlobalCapacity returns the configured capacity in bytes.
func (t *Tracker) GlobalCapacity() int64 { return t.globalCapacity }

// Close frees every recorded pointer via free (the context's native
// deallocation function), then clears the map. This implements the
// destructor the original left unimplemented (spec.md §9): every live
// allocation is released exactly once.
func (t *Tracker) Close(free func(devPtr driver.Handle) error) error {
	var firstErr error
	for _, sh := range t.shards {
		sh.mu.Lock()
		for devPtr := range sh.byBase {
			if err := free(devPtr); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		sh.byBase = make(map[driver.Handle]record)
		sh.mu.Unlock()
	}
	t.hostAliasMu.Lock()
	t.hostAlias = make(map[uintptr]driver.Handle)
	t.hostAliasMu.Unlock()
	t.totalUsed.Store(0)
	return firstErr
}
