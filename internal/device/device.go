// Package device implements the Device component (§3): it owns a set of
// Queues and compiled Modules for one native device/context pair, performs
// copy-queue round-robin queue construction, and drives the
// device-variable shadow-kernel binding protocol (§4.3) — kept out of
// internal/spirv so that binding, which must enqueue work on a Queue, does
// not create an import cycle between internal/spirv and internal/queue.
package device

import (
	"encoding/binary"
	"sync"

	"github.com/behrlich/gpudrv/internal/callback"
	"github.com/behrlich/gpudrv/internal/constants"
	gpucontext "github.com/behrlich/gpudrv/internal/context"
	"github.com/behrlich/gpudrv/internal/driver"
	"github.com/behrlich/gpudrv/internal/interfaces"
	"github.com/behrlich/gpudrv/internal/logging"
	"github.com/behrlich/gpudrv/internal/queue"
	"github.com/behrlich/gpudrv/internal/spirv"
)

// varInfoRecordSize is the wire size of one CHIPVarInfo-equivalent record
// the Info shadow kernel writes: size(8) + alignment(8) + has_initializer(1),
// padded to a pointer-friendly stride.
const varInfoRecordSize = 24

// Device owns Queues and Modules for one context. Device exclusively owns
// both (§3 "Ownership"); Close tears down queues, then modules, then the
// context itself.
type Device struct {
	drv driver.Capability
	ctx *gpucontext.Context

	callbacks *callback.Queue
	logger    *logging.Logger
	observer  interfaces.Observer
	monitor   interfaces.EventTracker

	mu             sync.Mutex
	queues         []*queue.Queue
	modules        map[string]*spirv.Module
	nextComputeIdx int
	nextCopyIdx    int
}

// New creates a Device: a fresh native context plus empty queue/module
// sets. maxConcurrentLists is forwarded to the context's command-list
// pool (see gpucontext.New). monitor, if non-nil, is handed to every Queue
// this Device creates so regular-command-list events get registered for
// background completion polling (see Queue.Config.Monitor).
func New(drv driver.Capability, maxConcurrentLists int64, logger *logging.Logger, observer interfaces.Observer, monitor interfaces.EventTracker) (*Device, error) {
	ctx, err := gpucontext.New(drv, maxConcurrentLists)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Device{
		drv:       drv,
		ctx:       ctx,
		callbacks: callback.New(),
		logger:    logger,
		observer:  observer,
		monitor:   monitor,
		modules:   make(map[string]*spirv.Module),
	}, nil
}

// Context returns the device's owned Context.
func (d *Device) Context() *gpucontext.Context { return d.ctx }

// Properties returns the device's reported properties.
func (d *Device) Properties() driver.DeviceProperties { return d.ctx.Properties() }

func groupSize(props driver.DeviceProperties, kind driver.QueueGroupKind) int {
	for _, g := range props.QueueGroups {
		if g.Kind == kind {
			return g.Count
		}
	}
	return 0
}

// NewQueue constructs and registers a Queue of the requested kind,
// choosing the next physical queue index within its group modulo the
// group size (§4.4 "Copy-queue round-robin"). If kind is Copy but the
// device has no copy queue group, it falls back to Compute. blocking is
// the real stream-creation flag (§3 Queue "flags (blocking vs
// non-blocking)"), independent of immediateOverride, which forces
// useImmediate to a fixed value instead of deferring to the native
// driver's reported SupportsImmediateLists (nil defers as normal).
func (d *Device) NewQueue(kind driver.QueueGroupKind, priority int, blocking bool, immediateOverride *bool) (*queue.Queue, error) {
	props := d.ctx.Properties()

	d.mu.Lock()
	if kind == driver.QueueGroupCopy && groupSize(props, driver.QueueGroupCopy) == 0 {
		kind = driver.QueueGroupCompute
	}
	n := groupSize(props, kind)
	if n == 0 {
		n = 1
	}
	var idx int
	if kind == driver.QueueGroupCompute {
		idx = d.nextComputeIdx % n
		d.nextComputeIdx++
	} else {
		idx = d.nextCopyIdx % n
		d.nextCopyIdx++
	}
	d.mu.Unlock()

	q, err := queue.New(d.drv, queue.Config{
		Context:           d.ctx,
		Kind:              kind,
		Ordinal:           0,
		Index:             idx,
		Priority:          priority,
		Blocking:          blocking,
		Callbacks:         d.callbacks,
		Logger:            d.logger,
		Observer:          d.observer,
		Monitor:           d.monitor,
		ImmediateOverride: immediateOverride,
	})
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.queues = append(d.queues, q)
	d.mu.Unlock()
	return q, nil
}

// Callbacks returns the device's host-callback FIFO, shared by every Queue
// created on it and drained by the EventMonitor.
func (d *Device) Callbacks() *callback.Queue { return d.callbacks }

// RegisterModule compiles-lazily a new Module under name, replacing any
// module already registered there (the caller is responsible for closing
// the old one first via UnregisterModule if needed).
func (d *Device) RegisterModule(name string, payload []byte, jitFlags string, kernelSpecs []spirv.KernelSpec, varSpecs []spirv.DeviceVarSpec) *spirv.Module {
	mod := spirv.New(d.drv, d.ctx.Native(), payload, jitFlags, kernelSpecs, varSpecs)
	d.mu.Lock()
	d.modules[name] = mod
	d.mu.Unlock()
	return mod
}

// Module looks up a previously registered module by name.
func (d *Device) Module(name string) (*spirv.Module, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.modules[name]
	return m, ok
}

// UnregisterModule removes and closes a registered module.
func (d *Device) UnregisterModule(name string) error {
	d.mu.Lock()
	mod, ok := d.modules[name]
	delete(d.modules, name)
	d.mu.Unlock()
	if !ok {
		return nil
	}
	return mod.Close()
}

func encodeVarInfo(v *spirv.DeviceVar) []byte {
	buf := make([]byte, varInfoRecordSize)
	binary.LittleEndian.PutUint64(buf[0:8], v.Size)
	binary.LittleEndian.PutUint64(buf[8:16], v.Alignment)
	if v.HasInitializer {
		buf[16] = 1
	}
	return buf
}

func encodePointerArg(p driver.Handle) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(p))
	return buf
}

// BindDeviceVariables drives the device-variable lifecycle protocol
// (§4.3 steps 1-7) for mod, using q to enqueue the shadow kernels and any
// staging copies. It is idempotent with respect to VariablesAllocated:
// called again after allocation it only re-runs the Init step if
// VariablesInitialized was cleared by Invalidate.
func (d *Device) BindDeviceVariables(mod *spirv.Module, q *queue.Queue) error {
	vars := mod.Vars()
	if len(vars) == 0 {
		return nil // Module.New already set both flags true.
	}

	if err := mod.CompileOnce(); err != nil {
		return err
	}

	if !mod.VariablesAllocated {
		if err := d.allocateAndBindVars(mod, q, vars); err != nil {
			return err
		}
	}

	if !mod.VariablesInitialized {
		if err := d.initializeVars(mod, q, vars); err != nil {
			return err
		}
	}
	return nil
}

// allocateAndBindVars performs steps 2-6: scratch-buffer info round trip,
// per-variable storage allocation, and Bind shadow-kernel dispatch.
func (d *Device) allocateAndBindVars(mod *spirv.Module, q *queue.Queue, vars []*spirv.DeviceVar) error {
	n := len(vars)
	scratch, err := d.drv.AllocateMemory(d.ctx.Native(), uint64(n*varInfoRecordSize), constants.DefaultDeviceAllocationAlignment, driver.MemoryShared)
	if err != nil {
		return err
	}
	defer d.drv.FreeMemory(d.ctx.Native(), scratch)

	// Step 3: enqueue each variable's Info shadow kernel, targeting its
	// slot in the scratch buffer. There is no real compiler backing these
	// kernels, so the record is also staged via a direct host copy ahead
	// of the (no-op by default) kernel dispatch — the kernel call still
	// happens so the stream shape and event accounting match §4.3 exactly.
	for i, v := range vars {
		infoName, _, _ := spirv.ShadowKernelNames(v.Name)
		k, err := mod.Kernel(infoName)
		if err != nil {
			return err
		}
		off := uint64(i * varInfoRecordSize)
		if err := q.MemCopyH2D(scratch, off, encodeVarInfo(v)); err != nil {
			return err
		}
		if _, err := q.Launch(queue.LaunchSpec{Kernel: k.Native, GridDim: [3]uint32{1, 1, 1}, BlockDim: [3]uint32{1, 1, 1}, Args: encodePointerArg(scratch + driver.Handle(off))}); err != nil {
			return err
		}
	}

	// Step 4: copy the scratch buffer back to host and finish.
	host := make([]byte, n*varInfoRecordSize)
	if err := q.MemCopyD2H(host, scratch, 0); err != nil {
		return err
	}
	if err := q.Finish(); err != nil {
		return err
	}

	// Step 5: allocate storage for each variable and bind it.
	for _, v := range vars {
		align := v.Alignment
		if align == 0 {
			align = constants.DefaultDeviceAllocationAlignment
		}
		storage, err := d.drv.AllocateMemory(d.ctx.Native(), v.Size, align, driver.MemoryShared)
		if err != nil {
			return err
		}
		if err := mod.SetVarAddr(v.Name, storage); err != nil {
			return err
		}
		_, bindName, _ := spirv.ShadowKernelNames(v.Name)
		k, err := mod.Kernel(bindName)
		if err != nil {
			return err
		}
		if _, err := q.Launch(queue.LaunchSpec{Kernel: k.Native, GridDim: [3]uint32{1, 1, 1}, BlockDim: [3]uint32{1, 1, 1}, Args: encodePointerArg(storage)}); err != nil {
			return err
		}
	}

	// Step 6: finish, then mark allocated.
	if err := q.Finish(); err != nil {
		return err
	}
	mod.MarkVariablesAllocated()
	return nil
}

// initializeVars performs step 7: run Init shadow kernels for every
// variable that declared an initializer.
func (d *Device) initializeVars(mod *spirv.Module, q *queue.Queue, vars []*spirv.DeviceVar) error {
	queued := false
	for _, v := range vars {
		if !v.HasInitializer {
			continue
		}
		_, _, initName := spirv.ShadowKernelNames(v.Name)
		k, err := mod.Kernel(initName)
		if err != nil {
			return err
		}
		if _, err := q.Launch(queue.LaunchSpec{Kernel: k.Native, GridDim: [3]uint32{1, 1, 1}, BlockDim: [3]uint32{1, 1, 1}}); err != nil {
			return err
		}
		queued = true
	}
	if queued {
		if err := q.Finish(); err != nil {
			return err
		}
	}
	mod.MarkVariablesInitialized()
	return nil
}

// Close tears down every queue, then every module, then the context.
func (d *Device) Close() error {
	d.mu.Lock()
	queues := d.queues
	d.queues = nil
	modules := d.modules
	d.modules = nil
	d.mu.Unlock()

	var firstErr error
	for _, q := range queues {
		if err := q.Finish(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := q.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, m := range modules {
		if err := m.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := d.ctx.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
