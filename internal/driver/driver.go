// Package driver defines the native-driver capability boundary: the
// narrow, Level-Zero-shaped surface the rest of the runtime is built on top
// of. It ships one real implementation, SoftDriver (an in-process
// goroutine/channel-backed simulator used by every test and by the bench
// CLI), and a build-tagged stub where a real Level Zero binding would plug
// in.
package driver

import (
	"errors"
	"time"
)

// Handle is an opaque native resource handle. The zero Handle is never
// valid.
type Handle uint64

// QueueGroupKind distinguishes compute-capable queue groups from
// copy-only ones, mirroring Level Zero's queue group ordinals.
type QueueGroupKind int

const (
	QueueGroupCompute QueueGroupKind = iota
	QueueGroupCopy
)

// MemoryKind distinguishes the native allocation kinds a Capability can
// hand out.
type MemoryKind int

const (
	MemoryDevice MemoryKind = iota
	MemoryShared
	MemoryHost
)

// QueueGroupProperties describes one queue group a device exposes.
type QueueGroupProperties struct {
	Kind  QueueGroupKind
	Count int // number of independent physical queues in this group
}

// DeviceProperties is what Capability.DeviceProperties reports for a
// context's device.
type DeviceProperties struct {
	Name                   string
	TimestampFrequencyHz   uint64
	ValidTimestampBits     uint32
	QueueGroups            []QueueGroupProperties
	SupportsOnDemandPaging bool
	SupportsFloatAtomics   bool
	SupportsImmediateLists bool
}

// EventPoolDesc parametrizes CreateEventPool.
type EventPoolDesc struct {
	Capacity uint32
}

// LaunchArgs describes a single kernel launch appended to a command list.
type LaunchArgs struct {
	Kernel    Handle
	GridDim   [3]uint32
	BlockDim  [3]uint32
	SharedMem uint32
	Args      []byte // packed argument buffer, copied by the driver
}

// ErrRetryNotReady is returned by QueryEventStatus for an event that has
// not finished; it is not a failure, mirroring a non-blocking poll.
var ErrRetryNotReady = errors.New("driver: event not ready")

// Capability is the full surface the runtime drives the native layer
// through. Every method that can fail returns a *gpudrv.Error-shaped error
// from the caller's perspective; the driver package itself returns plain
// errors and lets callers wrap them with op/device/queue context.
type Capability interface {
	// Context
	CreateContext() (Handle, error)
	DestroyContext(ctx Handle) error
	DeviceProperties(ctx Handle) (DeviceProperties, error)

	// Queues and command lists
	CreateCommandQueue(ctx Handle, group QueueGroupKind, ordinal, index int) (Handle, error)
	DestroyCommandQueue(q Handle) error
	CreateCommandList(ctx Handle) (Handle, error)
	CreateImmediateCommandList(ctx Handle, q Handle) (Handle, error)
	ResetCommandList(cl Handle) error
	DestroyCommandList(cl Handle) error
	CloseCommandList(cl Handle) error
	CreateFence(q Handle) (Handle, error)
	DestroyFence(fence Handle) error
	SynchronizeFence(fence Handle, timeout time.Duration) error
	SubmitCommandList(q Handle, cl Handle, signalFence Handle) error

	// Events
	CreateEventPool(ctx Handle, desc EventPoolDesc) (Handle, error)
	DestroyEventPool(pool Handle) error
	CreateEvent(pool Handle, slot uint32) (Handle, error)
	DestroyEvent(ev Handle) error
	ResetEvent(ev Handle) error
	QueryEventStatus(ev Handle) (bool, error)
	HostSignalEvent(ev Handle) error
	EventTimestamp(ev Handle) (deviceTicks uint64, hostNanos int64, err error)
	// WaitEvent blocks until ev finishes or timeout elapses (timeout <= 0
	// means wait forever). Returns ErrRetryNotReady on timeout.
	WaitEvent(ev Handle, timeout time.Duration) error

	// Command-list recording. Appends are only valid between
	// CreateCommandList/CreateImmediateCommandList and CloseCommandList
	// (regular lists) or at any time (immediate lists).
	AppendWaitOnEvents(cl Handle, waits []Handle) error
	AppendSignalEvent(cl Handle, ev Handle) error
	AppendBarrier(cl Handle) error
	AppendMemoryCopyH2D(cl Handle, dst Handle, dstOffset uint64, src []byte) error
	AppendMemoryCopyD2H(cl Handle, dst []byte, src Handle, srcOffset uint64) error
	AppendMemoryCopyD2D(cl Handle, dst Handle, dstOffset uint64, src Handle, srcOffset, size uint64) error
	AppendMemoryFill(cl Handle, dst Handle, dstOffset uint64, pattern []byte, size uint64) error
	AppendLaunchKernel(cl Handle, args LaunchArgs) error

	// Memory
	AllocateMemory(ctx Handle, size, alignment uint64, kind MemoryKind) (Handle, error)
	FreeMemory(ctx Handle, ptr Handle) error

	// Modules and kernels
	CompileModule(ctx Handle, payload []byte, jitFlags string) (Handle, error)
	DestroyModule(mod Handle) error
	ModuleCreateKernel(mod Handle, name string) (Handle, error)
	DestroyKernel(k Handle) error

	// AllocateModuleGlobal registers a device-variable global under a
	// compiled module. Real SPIR-V/fat-binary compilation would discover
	// these by reflection. Nothing in this module calls it: the
	// shadow-kernel binding protocol (internal/device) allocates variable
	// storage with AllocateMemory instead.
	AllocateModuleGlobal(mod Handle, name string, size uint64) (Handle, error)
	ModuleFindGlobal(mod Handle, name string) (ptr Handle, size uint64, err error)
}
