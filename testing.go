package gpudrv

import (
	"sync"
	"time"

	"github.com/behrlich/gpudrv/internal/driver"
)

// MockNativeDriver wraps a driver.Capability (typically a SoftDriver) and
// tracks per-method call counts, with the ability to force injected
// failures for specific operations. It is useful for unit testing code
// built against the Capability boundary without depending on timing or
// failure modes a SoftDriver can't reproduce.
type MockNativeDriver struct {
	driver.Capability

	mu        sync.RWMutex
	calls     map[string]int
	forceErrs map[string]error
}

// NewMockNativeDriver wraps drv, delegating every call through by default.
func NewMockNativeDriver(drv driver.Capability) *MockNativeDriver {
	return &MockNativeDriver{
		Capability: drv,
		calls:      make(map[string]int),
		forceErrs:  make(map[string]error),
	}
}

// ForceError makes the named method (e.g. "AllocateMemory", "WaitEvent")
// return err on its next and all subsequent calls, instead of delegating.
// Pass a nil err to clear a previously forced failure.
func (m *MockNativeDriver) ForceError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.forceErrs, method)
		return
	}
	m.forceErrs[method] = err
}

func (m *MockNativeDriver) record(method string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[method]++
	return m.forceErrs[method]
}

// CallCount returns the number of times method has been invoked.
func (m *MockNativeDriver) CallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[method]
}

// Reset clears all call counters and forced errors.
func (m *MockNativeDriver) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = make(map[string]int)
	m.forceErrs = make(map[string]error)
}

func (m *MockNativeDriver) CreateContext() (driver.Handle, error) {
	if err := m.record("CreateContext"); err != nil {
		return 0, err
	}
	return m.Capability.CreateContext()
}

func (m *MockNativeDriver) DestroyContext(ctx driver.Handle) error {
	if err := m.record("DestroyContext"); err != nil {
		return err
	}
	return m.Capability.DestroyContext(ctx)
}

func (m *MockNativeDriver) AllocateMemory(ctx driver.Handle, size, alignment uint64, kind driver.MemoryKind) (driver.Handle, error) {
	if err := m.record("AllocateMemory"); err != nil {
		return 0, err
	}
	return m.Capability.AllocateMemory(ctx, size, alignment, kind)
}

func (m *MockNativeDriver) FreeMemory(ctx driver.Handle, ptr driver.Handle) error {
	if err := m.record("FreeMemory"); err != nil {
		return err
	}
	return m.Capability.FreeMemory(ctx, ptr)
}

func (m *MockNativeDriver) CompileModule(ctx driver.Handle, payload []byte, jitFlags string) (driver.Handle, error) {
	if err := m.record("CompileModule"); err != nil {
		return 0, err
	}
	return m.Capability.CompileModule(ctx, payload, jitFlags)
}

func (m *MockNativeDriver) ModuleCreateKernel(mod driver.Handle, name string) (driver.Handle, error) {
	if err := m.record("ModuleCreateKernel"); err != nil {
		return 0, err
	}
	return m.Capability.ModuleCreateKernel(mod, name)
}

func (m *MockNativeDriver) SubmitCommandList(q, cl, signalFence driver.Handle) error {
	if err := m.record("SubmitCommandList"); err != nil {
		return err
	}
	return m.Capability.SubmitCommandList(q, cl, signalFence)
}

func (m *MockNativeDriver) AppendLaunchKernel(cl driver.Handle, args driver.LaunchArgs) error {
	if err := m.record("AppendLaunchKernel"); err != nil {
		return err
	}
	return m.Capability.AppendLaunchKernel(cl, args)
}

func (m *MockNativeDriver) WaitEvent(ev driver.Handle, timeout time.Duration) error {
	if err := m.record("WaitEvent"); err != nil {
		return err
	}
	return m.Capability.WaitEvent(ev, timeout)
}

func (m *MockNativeDriver) QueryEventStatus(ev driver.Handle) (bool, error) {
	if err := m.record("QueryEventStatus"); err != nil {
		return false, err
	}
	return m.Capability.QueryEventStatus(ev)
}

// Compile-time interface check.
var _ driver.Capability = (*MockNativeDriver)(nil)
