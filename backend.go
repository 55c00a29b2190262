// Package gpudrv is the process-wide host runtime: a CUDA/HIP-style driver
// API layered over the native Capability boundary (internal/driver).
package gpudrv

import (
	stdcontext "context"
	"fmt"
	"sync"

	"github.com/behrlich/gpudrv/internal/alloc"
	"github.com/behrlich/gpudrv/internal/callback"
	gpucontext "github.com/behrlich/gpudrv/internal/context"
	"github.com/behrlich/gpudrv/internal/device"
	"github.com/behrlich/gpudrv/internal/driver"
	"github.com/behrlich/gpudrv/internal/event"
	"github.com/behrlich/gpudrv/internal/interfaces"
	"github.com/behrlich/gpudrv/internal/logging"
	"github.com/behrlich/gpudrv/internal/monitor"
	"github.com/behrlich/gpudrv/internal/queue"
	"github.com/behrlich/gpudrv/internal/spirv"
)

// ModuleHandle identifies a module registered via RegisterModuleStr,
// scoped to the Backend that issued it.
type ModuleHandle uint64

type moduleEntry struct {
	deviceIdx int
	name      string
	module    *spirv.Module
}

type kernelBinding struct {
	module ModuleHandle
	name   string
}

type varBinding struct {
	module ModuleHandle
	name   string
	size   uint64
}

// Options configures Backend.Initialize. A nil Options uses LoadConfig()
// defaults and the process default Logger. A nil Observer (including the
// nil-Options case) records into the Backend's own Metrics.
type Options struct {
	// NativeDriver is the Capability implementation to drive. Nil selects
	// a fresh driver.NewSoftDriver() — the only implementation this
	// module ships unconditionally (see internal/driver's build-tagged
	// real stub).
	NativeDriver driver.Capability

	// GlobalMemoryCapacity bounds the sum of live allocations per device,
	// enforced by each device's AllocationTracker. Zero means unbounded.
	GlobalMemoryCapacity int64

	Logger   *logging.Logger
	Observer interfaces.Observer
	Config   Config
}

// Backend is the process-wide runtime singleton: it owns every Device,
// the active-device/queue cursor the HIP-style call convention operates
// against, the configureCall/setArg construction stack, and the
// background EventMonitor. Generalized from the teacher's single-device
// CreateAndServe/StopAndDelete lifecycle (ublk serves exactly one block
// device per process) to a multi-device registry, since a GPU runtime
// must support hipSetDevice/cudaSetDevice across however many devices the
// platform reports.
type Backend struct {
	mu sync.Mutex

	drv       driver.Capability
	cfg       Config
	logger    *logging.Logger
	observer  interfaces.Observer
	metrics   *Metrics
	monitor   *monitor.Monitor
	callbacks *callback.Queue

	devices      []*device.Device
	allocators   []*alloc.Tracker
	activeQueue  []*queue.Queue // lazily created default queue per device
	activeDevice int

	modules     map[ModuleHandle]*moduleEntry
	nextModule  ModuleHandle
	kernelHosts map[uintptr]kernelBinding
	varHosts    map[uintptr]varBinding

	execStack []*ExecItem

	initialized bool
}

// NewBackend constructs an uninitialized Backend. Call Initialize before
// using it.
func NewBackend() *Backend {
	return &Backend{
		modules:     make(map[ModuleHandle]*moduleEntry),
		kernelHosts: make(map[uintptr]kernelBinding),
		varHosts:    make(map[uintptr]varBinding),
	}
}

// Initialize implements the external `initialize` operation (§6): it
// brings up numDevices independent Device instances against
// opts.NativeDriver (or a fresh SoftDriver), starts the EventMonitor, and
// selects device 0 as active. It takes no platform or device-type
// arguments; numDevices <= 0 is treated as 1.
func (b *Backend) Initialize(numDevices int, opts *Options) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.initialized {
		return NewError("Initialize", ErrInitializationError, "backend already initialized")
	}
	if numDevices <= 0 {
		numDevices = 1
	}
	if opts == nil {
		opts = &Options{Config: LoadConfig()}
	}

	b.drv = opts.NativeDriver
	if b.drv == nil {
		b.drv = driver.NewSoftDriver()
	}
	b.logger = opts.Logger
	if b.logger == nil {
		b.logger = logging.Default()
	}
	b.observer = opts.Observer
	b.metrics = NewMetrics()
	if b.observer == nil {
		b.observer = NewMetricsObserver(b.metrics)
	}
	b.cfg = opts.Config
	b.callbacks = callback.New()
	b.monitor = monitor.New(b.callbacks, b.logger)

	devices := make([]*device.Device, 0, numDevices)
	allocators := make([]*alloc.Tracker, 0, numDevices)
	for i := 0; i < numDevices; i++ {
		dev, err := device.New(b.drv, 0, b.logger, b.observer, b.monitor)
		if err != nil {
			for _, d := range devices {
				d.Close()
			}
			return WrapError("Initialize", ErrInitializationError, err)
		}
		dev.Context().SetDefaultQueueSyncMode(b.cfg.DefaultQueueSync)
		devices = append(devices, dev)
		allocators = append(allocators, alloc.NewTracker(opts.GlobalMemoryCapacity))
	}

	b.devices = devices
	b.allocators = allocators
	b.activeQueue = make([]*queue.Queue, numDevices)
	b.activeDevice = 0

	b.monitor.Start(stdcontext.Background())

	b.initialized = true
	return nil
}

// immediateOverride returns a non-nil pointer to cfg.ImmediateCommandLists
// only when the Config came from LoadConfig with GPUDRV_IMMEDIATE_CMDLISTS
// set and parsed, distinguishing "defer to the native driver's reported
// SupportsImmediateLists" from "force it". A Config built directly never
// sets the override.
func (b *Backend) immediateOverride() *bool {
	if !b.cfg.ImmediateCommandListsOverridden() {
		return nil
	}
	v := b.cfg.ImmediateCommandLists
	return &v
}

// Uninitialize tears every device down, joins the EventMonitor, and
// returns the Backend to its pre-Initialize state.
func (b *Backend) Uninitialize() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return nil
	}

	var firstErr error
	if b.monitor != nil {
		if err := b.monitor.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for i, dev := range b.devices {
		d := dev
		if err := b.allocators[i].Close(func(ptr driver.Handle) error {
			return b.drv.FreeMemory(d.Context().Native(), ptr)
		}); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := dev.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if b.metrics != nil {
		b.metrics.Stop()
	}

	b.devices = nil
	b.allocators = nil
	b.activeQueue = nil
	b.modules = make(map[ModuleHandle]*moduleEntry)
	b.kernelHosts = make(map[uintptr]kernelBinding)
	b.varHosts = make(map[uintptr]varBinding)
	b.execStack = nil
	b.initialized = false
	return firstErr
}

// Metrics returns the Backend's metrics instance, populated whenever
// opts.Observer was left nil at Initialize (so Snapshot reflects real
// traffic rather than sitting empty behind a caller-supplied observer).
func (b *Backend) Metrics() *Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.metrics
}

func (b *Backend) requireInitialized(op string) error {
	if !b.initialized {
		return NewError(op, ErrInitializationError, "backend not initialized")
	}
	return nil
}

// SetActiveDevice implements `setActiveDevice`.
func (b *Backend) SetActiveDevice(idx int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.requireInitialized("SetActiveDevice"); err != nil {
		return err
	}
	if idx < 0 || idx >= len(b.devices) {
		return NewError("SetActiveDevice", ErrInvalidValue, fmt.Sprintf("device index %d out of range [0,%d)", idx, len(b.devices)))
	}
	b.activeDevice = idx
	return nil
}

// GetActiveDevice implements `getActiveDevice`.
func (b *Backend) GetActiveDevice() (*device.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.requireInitialized("GetActiveDevice"); err != nil {
		return nil, err
	}
	return b.devices[b.activeDevice], nil
}

// GetActiveContext implements `getActiveContext`.
func (b *Backend) GetActiveContext() (*gpucontext.Context, error) {
	dev, err := b.GetActiveDevice()
	if err != nil {
		return nil, err
	}
	return dev.Context(), nil
}

// GetActiveQueue implements `getActiveQueue`: it lazily creates a default
// compute queue for the active device on first use, mirroring a runtime
// that creates its default stream on first launch rather than at device
// selection time.
func (b *Backend) GetActiveQueue() (*queue.Queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.requireInitialized("GetActiveQueue"); err != nil {
		return nil, err
	}
	if q := b.activeQueue[b.activeDevice]; q != nil {
		return q, nil
	}
	// The default stream is its own sync-mode participant (see
	// Context.SetDefaultQueueSyncMode), not one of the "blocking queues" it
	// waits on, so it is always created non-blocking here regardless of
	// cfg.
	q, err := b.devices[b.activeDevice].NewQueue(driver.QueueGroupCompute, 0, false, b.immediateOverride())
	if err != nil {
		return nil, WrapError("GetActiveQueue", ErrInitializationError, err)
	}
	q.MarkDefault()
	b.activeQueue[b.activeDevice] = q
	return q, nil
}

// NewQueue creates an additional queue on the active device (e.g. a
// non-default stream), bypassing the active-queue cursor. blocking is the
// real stream-creation flag a HIP-level hipStreamCreateWithFlags call
// would pass in; it participates in default-queue sync mode when enabled
// (§5), and is unrelated to the process-wide ImmediateCommandLists knob.
func (b *Backend) NewQueue(kind driver.QueueGroupKind, priority int, blocking bool) (*queue.Queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.requireInitialized("NewQueue"); err != nil {
		return nil, err
	}
	q, err := b.devices[b.activeDevice].NewQueue(kind, priority, blocking, b.immediateOverride())
	if err != nil {
		return nil, WrapError("NewQueue", ErrInitializationError, err)
	}
	return q, nil
}

// RegisterModuleStr implements `registerModuleStr`: it compiles-lazily a
// new module on the active device from a raw binary payload plus the
// kernel/device-variable manifest the compiler toolchain would otherwise
// embed as reflectable metadata (§6 "Consumed from the compiler
// toolchain").
func (b *Backend) RegisterModuleStr(payload []byte, jitFlags string, kernels []spirv.KernelSpec, vars []spirv.DeviceVarSpec) (ModuleHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.requireInitialized("RegisterModuleStr"); err != nil {
		return 0, err
	}
	if jitFlags == "" {
		jitFlags = b.cfg.JITFlags
	}

	b.nextModule++
	handle := b.nextModule
	name := fmt.Sprintf("module-%d", handle)
	mod := b.devices[b.activeDevice].RegisterModule(name, payload, jitFlags, kernels, vars)
	b.modules[handle] = &moduleEntry{deviceIdx: b.activeDevice, name: name, module: mod}
	return handle, nil
}

// UnregisterModuleStr implements `unregisterModuleStr`.
func (b *Backend) UnregisterModuleStr(mod ModuleHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.requireInitialized("UnregisterModuleStr"); err != nil {
		return err
	}
	entry, ok := b.modules[mod]
	if !ok {
		return NewError("UnregisterModuleStr", ErrInvalidHandle, "unknown module handle")
	}
	delete(b.modules, mod)
	return b.devices[entry.deviceIdx].UnregisterModule(entry.name)
}

// RegisterFunctionAsKernel implements `registerFunctionAsKernel`: it
// records that hostPtr (the address of a host-side stub function, as a
// real HIP translation layer would pass it) refers to kernel name in mod,
// for later resolution by Launch.
func (b *Backend) RegisterFunctionAsKernel(mod ModuleHandle, hostPtr uintptr, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.requireInitialized("RegisterFunctionAsKernel"); err != nil {
		return err
	}
	entry, ok := b.modules[mod]
	if !ok {
		return NewError("RegisterFunctionAsKernel", ErrInvalidHandle, "unknown module handle")
	}
	if _, err := entry.module.Kernel(name); err != nil {
		if cerr := entry.module.CompileOnce(); cerr != nil {
			return WrapError("RegisterFunctionAsKernel", ErrInvalidSymbol, cerr)
		}
		if _, err := entry.module.Kernel(name); err != nil {
			return NewError("RegisterFunctionAsKernel", ErrInvalidSymbol, fmt.Sprintf("module has no kernel %q", name))
		}
	}
	b.kernelHosts[hostPtr] = kernelBinding{module: mod, name: name}
	return nil
}

// RegisterDeviceVariable implements `registerDeviceVariable`: it records
// that hostPtr refers to device-variable name in mod, sized size.
func (b *Backend) RegisterDeviceVariable(mod ModuleHandle, hostPtr uintptr, name string, size uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.requireInitialized("RegisterDeviceVariable"); err != nil {
		return err
	}
	entry, ok := b.modules[mod]
	if !ok {
		return NewError("RegisterDeviceVariable", ErrInvalidHandle, "unknown module handle")
	}
	if _, err := entry.module.Var(name); err != nil {
		return NewError("RegisterDeviceVariable", ErrInvalidSymbol, fmt.Sprintf("module has no device variable %q", name))
	}
	b.varHosts[hostPtr] = varBinding{module: mod, name: name, size: size}
	return nil
}

// GetSymbolAddress resolves a device variable previously registered via
// RegisterDeviceVariable to its bound device pointer, driving the
// shadow-kernel binding protocol on q first if the module's variables
// have not yet been allocated.
func (b *Backend) GetSymbolAddress(hostPtr uintptr, q *queue.Queue) (driver.Handle, error) {
	b.mu.Lock()
	binding, ok := b.varHosts[hostPtr]
	if !ok {
		b.mu.Unlock()
		return 0, NewError("GetSymbolAddress", ErrInvalidSymbol, "unregistered device-variable host pointer")
	}
	entry, ok := b.modules[binding.module]
	b.mu.Unlock()
	if !ok {
		return 0, NewError("GetSymbolAddress", ErrInvalidHandle, "unknown module handle")
	}

	dev := b.devices[entry.deviceIdx]
	if err := dev.BindDeviceVariables(entry.module, q); err != nil {
		return 0, WrapError("GetSymbolAddress", ErrInitializationError, err)
	}
	v, err := entry.module.Var(binding.name)
	if err != nil {
		return 0, NewError("GetSymbolAddress", ErrInvalidSymbol, err.Error())
	}
	addr, err := v.Addr()
	if err != nil {
		return 0, WrapError("GetSymbolAddress", ErrInvalidDevicePointer, err)
	}
	return addr, nil
}

// ConfigureCall implements `configureCall`: it pushes a fresh ExecItem
// onto the construction stack, to be filled in by subsequent SetArg calls
// and consumed by the next Launch — the push-ExecItem calling convention
// CUDA/HIP's legacy `<<<>>>` launch syntax lowers to.
func (b *Backend) ConfigureCall(gridDim, blockDim [3]uint32, sharedMemBytes uint32, q *queue.Queue) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.requireInitialized("ConfigureCall"); err != nil {
		return err
	}
	b.execStack = append(b.execStack, newExecItem(gridDim, blockDim, sharedMemBytes, q))
	return nil
}

// SetArg implements `setArg`: it appends one argument to the ExecItem on
// top of the construction stack.
func (b *Backend) SetArg(offset uint64, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.execStack) == 0 {
		return NewError("SetArg", ErrInvalidValue, "no call configured: ConfigureCall was not invoked")
	}
	b.execStack[len(b.execStack)-1].SetArg(offset, value)
	return nil
}

// Launch implements the explicit `launch(ExecItem)` operation: it pops the
// top of the construction stack, resolves hostPtr to a compiled kernel,
// and submits the dispatch.
func (b *Backend) Launch(hostPtr uintptr) (*event.Event, error) {
	b.mu.Lock()
	if len(b.execStack) == 0 {
		b.mu.Unlock()
		return nil, NewError("Launch", ErrInvalidValue, "no call configured: ConfigureCall was not invoked")
	}
	item := b.execStack[len(b.execStack)-1]
	b.execStack = b.execStack[:len(b.execStack)-1]

	binding, ok := b.kernelHosts[hostPtr]
	if !ok {
		b.mu.Unlock()
		return nil, NewError("Launch", ErrLaunchFailure, "unregistered kernel host pointer")
	}
	entry, ok := b.modules[binding.module]
	b.mu.Unlock()
	if !ok {
		return nil, NewError("Launch", ErrInvalidHandle, "unknown module handle")
	}

	if err := entry.module.CompileOnce(); err != nil {
		return nil, WrapError("Launch", ErrLaunchFailure, err)
	}
	if len(entry.module.Vars()) > 0 {
		if err := b.devices[entry.deviceIdx].BindDeviceVariables(entry.module, item.Queue); err != nil {
			return nil, WrapError("Launch", ErrLaunchFailure, err)
		}
	}
	kernel, err := entry.module.Kernel(binding.name)
	if err != nil {
		return nil, NewError("Launch", ErrLaunchFailure, err.Error())
	}
	return item.launch(kernel)
}

// Allocate implements the `allocate` operation: it reserves bytes against
// the active device's AllocationTracker before admitting the native
// allocation, so a quota rejection is synchronous (§7 "Memory-accounting
// errors... are surfaced synchronously from the allocate call").
func (b *Backend) Allocate(size, alignment uint64, kind driver.MemoryKind) (driver.Handle, error) {
	b.mu.Lock()
	if err := b.requireInitialized("Allocate"); err != nil {
		b.mu.Unlock()
		return 0, err
	}
	dev := b.devices[b.activeDevice]
	tracker := b.allocators[b.activeDevice]
	b.mu.Unlock()

	if tracker.GlobalCapacity() > 0 {
		if err := tracker.Reserve(int64(size)); err != nil {
			return 0, NewError("Allocate", ErrOutOfMemory, err.Error())
		}
	}

	ptr, err := b.drv.AllocateMemory(dev.Context().Native(), size, alignment, kind)
	if err != nil {
		if tracker.GlobalCapacity() > 0 {
			tracker.Release(int64(size))
		}
		return 0, WrapError("Allocate", ErrOutOfMemory, err)
	}
	tracker.Record(ptr, size)
	return ptr, nil
}

// Free implements the `free` operation: InvalidDevicePointer for an
// unknown pointer (§7), otherwise releases both the native allocation and
// its tracked quota.
func (b *Backend) Free(ptr driver.Handle) error {
	b.mu.Lock()
	if err := b.requireInitialized("Free"); err != nil {
		b.mu.Unlock()
		return err
	}
	dev := b.devices[b.activeDevice]
	tracker := b.allocators[b.activeDevice]
	b.mu.Unlock()

	_, size, err := tracker.GetByDev(ptr)
	if err != nil {
		return NewError("Free", ErrInvalidDevicePointer, err.Error())
	}
	if err := b.drv.FreeMemory(dev.Context().Native(), ptr); err != nil {
		return WrapError("Free", ErrInvalidDevicePointer, err)
	}
	tracker.Forget(ptr)
	tracker.Release(int64(size))
	return nil
}

// MemCopyH2D, MemCopyD2H, MemCopyD2D and MemFill implement the `memory
// operations on a Queue` surface (§6) as convenience wrappers against the
// active queue, mirroring the blocking cudaMemcpy/hipMemcpy family.
func (b *Backend) MemCopyH2D(dst driver.Handle, dstOffset uint64, src []byte) error {
	q, err := b.GetActiveQueue()
	if err != nil {
		return err
	}
	return q.MemCopyH2D(dst, dstOffset, src)
}

func (b *Backend) MemCopyD2H(dst []byte, src driver.Handle, srcOffset uint64) error {
	q, err := b.GetActiveQueue()
	if err != nil {
		return err
	}
	return q.MemCopyD2H(dst, src, srcOffset)
}

func (b *Backend) MemCopyD2D(dst driver.Handle, dstOffset uint64, src driver.Handle, srcOffset, size uint64) error {
	q, err := b.GetActiveQueue()
	if err != nil {
		return err
	}
	return q.MemCopyD2D(dst, dstOffset, src, srcOffset, size)
}

func (b *Backend) MemFill(dst driver.Handle, dstOffset uint64, pattern []byte, size uint64) error {
	q, err := b.GetActiveQueue()
	if err != nil {
		return err
	}
	return q.MemFill(dst, dstOffset, pattern, size)
}

// EventQuery implements a non-blocking `cudaEventQuery`-style check: true
// if ev has finished. An unfinished event is additionally handed to the
// EventMonitor for background polling, so a caller that never calls
// EventQuery again still eventually observes completion in the monitor's
// own bookkeeping.
func (b *Backend) EventQuery(ev *event.Event) (bool, error) {
	if err := ev.UpdateFinishStatus(false); err != nil {
		return false, WrapError("EventQuery", ErrUnknown, err)
	}
	done := ev.Status() == event.StatusFinished
	if !done {
		b.mu.Lock()
		mon := b.monitor
		b.mu.Unlock()
		if mon != nil {
			mon.Track(ev)
		}
	}
	return done, nil
}

// EventSynchronize implements a blocking `cudaEventSynchronize`-style
// wait.
func (b *Backend) EventSynchronize(ev *event.Event) error {
	if err := ev.Wait(); err != nil {
		return WrapError("EventSynchronize", ErrUnknown, err)
	}
	return nil
}

// EventElapsedTime implements `cudaEventElapsedTime`: milliseconds between
// two finished events.
func (b *Backend) EventElapsedTime(start, end *event.Event) (float64, error) {
	ms, err := start.GetElapsedTime(end)
	if err != nil {
		return 0, WrapError("EventElapsedTime", ErrNotReady, err)
	}
	return ms, nil
}
