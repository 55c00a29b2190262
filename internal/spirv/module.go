// Package spirv implements the Module & Kernel component: compiled-binary
// bookkeeping, kernel enumeration, and the device-variable metadata the
// shadow-kernel binding protocol (driven by internal/device) operates on.
//
// There is no real SPIR-V parser here (source-to-SPIR-V compilation is an
// explicit non-goal): a Module is constructed from the raw binary payload
// plus a caller-supplied manifest of kernel and device-variable names,
// standing in for what parsing the binary would otherwise discover.
package spirv

import (
	"errors"
	"sync"

	"github.com/behrlich/gpudrv/internal/driver"
)

var (
	ErrUnknownKernel = errors.New("spirv: no kernel with that name")
	ErrUnknownVar    = errors.New("spirv: no device variable with that name")
	ErrVarNotBound   = errors.New("spirv: device variable has no storage yet")
)

// Shadow-kernel naming convention (§4.3): the compiler emits, for every
// device variable V, three helper kernels named by these prefixes.
const (
	InfoPrefix = "__gpudrv_info_"
	BindPrefix = "__gpudrv_bind_"
	InitPrefix = "__gpudrv_init_"
)

// ShadowKernelNames returns the three compiler-generated helper kernel
// names for device variable varName.
func ShadowKernelNames(varName string) (info, bind, init string) {
	return InfoPrefix + varName, BindPrefix + varName, InitPrefix + varName
}

// VarInfo is the record a variable's Info shadow kernel writes back to
// host memory: {size, alignment, has_initializer}.
type VarInfo struct {
	Size           uint64
	Alignment      uint64
	HasInitializer bool
}

// ParamInfo describes one kernel parameter's layout, as the compiler
// toolchain would report it.
type ParamInfo struct {
	Index     int
	Size      uint32
	IsPointer bool
}

// FuncInfo is the SPIR-V-derived function-info record for one kernel.
type FuncInfo struct {
	Params []ParamInfo
}

// KernelSpec declares one kernel a Module exposes.
type KernelSpec struct {
	Name string
	Info FuncInfo
}

// DeviceVarSpec declares one device-resident global variable a Module
// exposes.
type DeviceVarSpec struct {
	Name           string
	Size           uint64
	Alignment      uint64
	HasInitializer bool
}

// Kernel is bound to exactly one Module.
type Kernel struct {
	Name               string
	Native             driver.Handle
	Info               FuncInfo
	MaxWorkgroupSize   uint32
	PrivateMemSize     uint32
	StaticLocalMemSize uint32
}

// DeviceVar is a device-resident global variable. DevAddr is the zero
// Handle until storage has been allocated and bound.
type DeviceVar struct {
	Name           string
	Size           uint64
	Alignment      uint64
	HasInitializer bool

	mu      sync.Mutex
	devAddr driver.Handle
	bound   bool
}

// Addr returns the bound device pointer, or ErrVarNotBound if storage has
// not yet been allocated.
func (v *DeviceVar) Addr() (driver.Handle, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.bound {
		return 0, ErrVarNotBound
	}
	return v.devAddr, nil
}

func (v *DeviceVar) setAddr(h driver.Handle) {
	v.mu.Lock()
	v.devAddr = h
	v.bound = true
	v.mu.Unlock()
}

// Module is an immutable compiled binary plus its kernels and device
// variables. Native compilation happens at most once, guarded by a
// manual one-shot-with-retry gate (sync.Once cannot express "retry on
// failure").
type Module struct {
	drv      driver.Capability
	nativeCtx driver.Handle
	payload  []byte
	jitFlags string

	kernelSpecs []KernelSpec
	varSpecs    []DeviceVarSpec

	mu         sync.Mutex
	native     driver.Handle
	compiled   bool
	compileErr error
	compiling  chan struct{}

	kernels map[string]*Kernel
	vars    map[string]*DeviceVar

	VariablesAllocated   bool
	VariablesInitialized bool
}

// New constructs an uncompiled Module from a binary payload and manifest.
func New(drv driver.Capability, nativeCtx driver.Handle, payload []byte, jitFlags string, kernelSpecs []KernelSpec, varSpecs []DeviceVarSpec) *Module {
	m := &Module{
		drv:         drv,
		nativeCtx:   nativeCtx,
		payload:     payload,
		jitFlags:    jitFlags,
		kernelSpecs: kernelSpecs,
		varSpecs:    varSpecs,
		kernels:     make(map[string]*Kernel),
		vars:        make(map[string]*DeviceVar),
	}
	for _, spec := range varSpecs {
		m.vars[spec.Name] = &DeviceVar{Name: spec.Name, Size: spec.Size, Alignment: spec.Alignment, HasInitializer: spec.HasInitializer}
		info, bind, init := ShadowKernelNames(spec.Name)
		m.kernelSpecs = append(m.kernelSpecs, KernelSpec{Name: info}, KernelSpec{Name: bind})
		if spec.HasInitializer {
			m.kernelSpecs = append(m.kernelSpecs, KernelSpec{Name: init})
		}
	}
	if len(varSpecs) == 0 {
		m.VariablesAllocated = true
		m.VariablesInitialized = true
	}
	return m
}

// CompileOnce drives native compilation on the first call; concurrent
// callers block on the in-progress compile and observe the same outcome.
// A caller that sees an error may call CompileOnce again to retry.
func (m *Module) CompileOnce() error {
	m.mu.Lock()
	if m.compiled {
		err := m.compileErr
		m.mu.Unlock()
		return err
	}
	if m.compiling != nil {
		ch := m.compiling
		m.mu.Unlock()
		<-ch
		m.mu.Lock()
		err := m.compileErr
		m.mu.Unlock()
		return err
	}
	ch := make(chan struct{})
	m.compiling = ch
	m.mu.Unlock()

	native, err := m.drv.CompileModule(m.nativeCtx, m.payload, m.jitFlags)
	kernels := make(map[string]*Kernel, len(m.kernelSpecs))
	if err == nil {
		for _, spec := range m.kernelSpecs {
			kh, kerr := m.drv.ModuleCreateKernel(native, spec.Name)
			if kerr != nil {
				err = kerr
				break
			}
			kernels[spec.Name] = &Kernel{Name: spec.Name, Native: kh, Info: spec.Info}
		}
	}

	m.mu.Lock()
	if err == nil {
		m.native = native
		m.compiled = true
		m.kernels = kernels
	}
	m.compileErr = err
	close(m.compiling)
	m.compiling = nil
	m.mu.Unlock()
	return err
}

// Kernel looks up a compiled kernel by name. CompileOnce must have
// succeeded first.
func (m *Module) Kernel(name string) (*Kernel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.kernels[name]
	if !ok {
		return nil, ErrUnknownKernel
	}
	return k, nil
}

// Var looks up a device variable's metadata by name.
func (m *Module) Var(name string) (*DeviceVar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vars[name]
	if !ok {
		return nil, ErrUnknownVar
	}
	return v, nil
}

// Vars returns every device variable this module declares, in manifest
// order.
func (m *Module) Vars() []*DeviceVar {
	out := make([]*DeviceVar, 0, len(m.varSpecs))
	for _, spec := range m.varSpecs {
		v, _ := m.Var(spec.Name)
		out = append(out, v)
	}
	return out
}

// NativeHandle returns the compiled module's native handle. Only valid
// after a successful CompileOnce.
func (m *Module) NativeHandle() driver.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.native
}

// Invalidate clears VariablesInitialized without freeing storage, per the
// invalidation rule in §4.3.
func (m *Module) Invalidate() {
	m.mu.Lock()
	m.VariablesInitialized = false
	m.mu.Unlock()
}

// MarkVariablesAllocated records that every device variable now has bound
// storage. Called by the shadow-kernel binding protocol (internal/device)
// once every variable's Bind step has completed.
func (m *Module) MarkVariablesAllocated() {
	m.mu.Lock()
	m.VariablesAllocated = true
	m.mu.Unlock()
}

// MarkVariablesInitialized records that every variable with an initializer
// has run its Init shadow kernel.
func (m *Module) MarkVariablesInitialized() {
	m.mu.Lock()
	m.VariablesInitialized = true
	m.mu.Unlock()
}

// SetVarAddr records the device pointer allocated for a variable. Called
// by the shadow-kernel binding protocol (internal/device).
func (m *Module) SetVarAddr(name string, addr driver.Handle) error {
	v, err := m.Var(name)
	if err != nil {
		return err
	}
	v.setAddr(addr)
	return nil
}

// Close destroys the compiled module and its kernels.
func (m *Module) Close() error {
	m.mu.Lock()
	native := m.native
	compiled := m.compiled
	m.mu.Unlock()
	if !compiled {
		return nil
	}
	return m.drv.DestroyModule(native)
}
