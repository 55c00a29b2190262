package driver

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// SoftDriver is an in-process reference implementation of Capability. It
// has no hardware underneath: command lists are executed by a worker
// goroutine per command queue, events are plain channels, and device
// memory is backed by ordinary Go byte slices. It exists so the rest of
// the runtime — and every test in this repository — can run without a
// real accelerator.
type SoftDriver struct {
	mu       sync.Mutex
	nextID   uint64
	contexts map[Handle]*ctxState
	queues   map[Handle]*queueState
	cmdlists map[Handle]*cmdListState
	fences   map[Handle]*fenceState
	pools    map[Handle]*eventPoolState
	events   map[Handle]*eventState
	modules  map[Handle]*moduleState
	kernels  map[Handle]*kernelState
	allocs   map[Handle]*allocState

	deviceClock atomic.Uint64
}

// NewSoftDriver constructs an empty SoftDriver.
func NewSoftDriver() *SoftDriver {
	return &SoftDriver{
		contexts: make(map[Handle]*ctxState),
		queues:   make(map[Handle]*queueState),
		cmdlists: make(map[Handle]*cmdListState),
		fences:   make(map[Handle]*fenceState),
		pools:    make(map[Handle]*eventPoolState),
		events:   make(map[Handle]*eventState),
		modules:  make(map[Handle]*moduleState),
		kernels:  make(map[Handle]*kernelState),
		allocs:   make(map[Handle]*allocState),
	}
}

func (d *SoftDriver) newHandle() Handle {
	return Handle(atomic.AddUint64(&d.nextID, 1))
}

type ctxState struct {
	props DeviceProperties
}

type queueState struct {
	ctx  Handle
	kind QueueGroupKind
	ch   chan submittedBatch
	stop chan struct{}
}

type submittedBatch struct {
	ops   []recordedOp
	fence Handle
}

type cmdListState struct {
	mu        sync.Mutex
	ctx       Handle
	ops       []recordedOp
	closed    bool
	immediate bool
	queue     Handle
}

type fenceState struct {
	mu   sync.Mutex
	cond *sync.Cond
	done bool
}

type eventState struct {
	mu          sync.Mutex
	doneCh      chan struct{}
	closed      bool
	deviceTicks uint64
	hostNanos   int64
}

type moduleState struct {
	mu      sync.Mutex
	payload []byte
	kernels map[string]Handle
	globals map[string]Handle
}

type kernelState struct {
	module Handle
	name   string

	mu sync.Mutex
	fn func(args []byte) error // optional test hook
}

type allocState struct {
	mu   sync.Mutex
	buf  []byte
	kind MemoryKind
}

type opKind int

const (
	opWait opKind = iota
	opSignal
	opBarrier
	opCopyH2D
	opCopyD2H
	opCopyD2D
	opFill
	opLaunch
)

type recordedOp struct {
	kind   opKind
	waits  []Handle
	signal Handle

	dst       Handle
	dstOffset uint64
	src       Handle
	srcOffset uint64
	size      uint64
	hostSrc   []byte
	hostDst   []byte
	pattern   []byte

	launch LaunchArgs
}

var _ Capability = (*SoftDriver)(nil)

// --- Context ---

func (d *SoftDriver) CreateContext() (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := d.newHandle()
	d.contexts[h] = &ctxState{
		props: DeviceProperties{
			Name:                   "softdriver0",
			TimestampFrequencyHz:   1_000_000_000,
			ValidTimestampBits:     64,
			QueueGroups:            []QueueGroupProperties{{Kind: QueueGroupCompute, Count: 2}, {Kind: QueueGroupCopy, Count: 1}},
			SupportsOnDemandPaging: true,
			SupportsFloatAtomics:   true,
			SupportsImmediateLists: true,
		},
	}
	return h, nil
}

func (d *SoftDriver) DestroyContext(ctx Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.contexts[ctx]; !ok {
		return fmt.Errorf("driver: unknown context %d", ctx)
	}
	delete(d.contexts, ctx)
	return nil
}

func (d *SoftDriver) DeviceProperties(ctx Handle) (DeviceProperties, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.contexts[ctx]
	if !ok {
		return DeviceProperties{}, fmt.Errorf("driver: unknown context %d", ctx)
	}
	return c.props, nil
}

// --- Queues and command lists ---

func (d *SoftDriver) CreateCommandQueue(ctx Handle, kind QueueGroupKind, ordinal, index int) (Handle, error) {
	d.mu.Lock()
	if _, ok := d.contexts[ctx]; !ok {
		d.mu.Unlock()
		return 0, fmt.Errorf("driver: unknown context %d", ctx)
	}
	h := d.newHandle()
	qs := &queueState{
		ctx:  ctx,
		kind: kind,
		ch:   make(chan submittedBatch, 64),
		stop: make(chan struct{}),
	}
	d.queues[h] = qs
	d.mu.Unlock()

	go d.runQueue(qs)
	return h, nil
}

func (d *SoftDriver) DestroyCommandQueue(q Handle) error {
	d.mu.Lock()
	qs, ok := d.queues[q]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("driver: unknown queue %d", q)
	}
	delete(d.queues, q)
	d.mu.Unlock()

	close(qs.stop)
	return nil
}

func (d *SoftDriver) runQueue(qs *queueState) {
	for {
		select {
		case <-qs.stop:
			return
		case batch := <-qs.ch:
			for _, op := range batch.ops {
				d.execOp(op)
			}
			if batch.fence != 0 {
				d.finishFence(batch.fence)
			}
		}
	}
}

func (d *SoftDriver) CreateCommandList(ctx Handle) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.contexts[ctx]; !ok {
		return 0, fmt.Errorf("driver: unknown context %d", ctx)
	}
	h := d.newHandle()
	d.cmdlists[h] = &cmdListState{ctx: ctx}
	return h, nil
}

func (d *SoftDriver) CreateImmediateCommandList(ctx Handle, q Handle) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.queues[q]; !ok {
		return 0, fmt.Errorf("driver: unknown queue %d", q)
	}
	h := d.newHandle()
	d.cmdlists[h] = &cmdListState{ctx: ctx, immediate: true, queue: q}
	return h, nil
}

func (d *SoftDriver) getCmdList(cl Handle) (*cmdListState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cs, ok := d.cmdlists[cl]
	if !ok {
		return nil, fmt.Errorf("driver: unknown command list %d", cl)
	}
	return cs, nil
}

func (d *SoftDriver) ResetCommandList(cl Handle) error {
	cs, err := d.getCmdList(cl)
	if err != nil {
		return err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.ops = cs.ops[:0]
	cs.closed = false
	return nil
}

func (d *SoftDriver) DestroyCommandList(cl Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.cmdlists[cl]; !ok {
		return fmt.Errorf("driver: unknown command list %d", cl)
	}
	delete(d.cmdlists, cl)
	return nil
}

func (d *SoftDriver) CloseCommandList(cl Handle) error {
	cs, err := d.getCmdList(cl)
	if err != nil {
		return err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.closed = true
	return nil
}

func (d *SoftDriver) CreateFence(q Handle) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.queues[q]; !ok {
		return 0, fmt.Errorf("driver: unknown queue %d", q)
	}
	h := d.newHandle()
	fs := &fenceState{}
	fs.cond = sync.NewCond(&fs.mu)
	d.fences[h] = fs
	return h, nil
}

func (d *SoftDriver) DestroyFence(fence Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.fences[fence]; !ok {
		return fmt.Errorf("driver: unknown fence %d", fence)
	}
	delete(d.fences, fence)
	return nil
}

func (d *SoftDriver) finishFence(fence Handle) {
	d.mu.Lock()
	fs, ok := d.fences[fence]
	d.mu.Unlock()
	if !ok {
		return
	}
	fs.mu.Lock()
	fs.done = true
	fs.cond.Broadcast()
	fs.mu.Unlock()
}

func (d *SoftDriver) SynchronizeFence(fence Handle, timeout time.Duration) error {
	d.mu.Lock()
	fs, ok := d.fences[fence]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("driver: unknown fence %d", fence)
	}

	deadline := time.Now().Add(timeout)
	done := make(chan struct{})
	go func() {
		fs.mu.Lock()
		for !fs.done {
			fs.cond.Wait()
		}
		fs.mu.Unlock()
		close(done)
	}()

	if timeout <= 0 {
		<-done
		return nil
	}
	select {
	case <-done:
		return nil
	case <-time.After(time.Until(deadline)):
		return ErrRetryNotReady
	}
}

func (d *SoftDriver) SubmitCommandList(q Handle, cl Handle, signalFence Handle) error {
	d.mu.Lock()
	qs, qok := d.queues[q]
	d.mu.Unlock()
	if !qok {
		return fmt.Errorf("driver: unknown queue %d", q)
	}

	cs, err := d.getCmdList(cl)
	if err != nil {
		return err
	}
	cs.mu.Lock()
	if !cs.closed {
		cs.mu.Unlock()
		return fmt.Errorf("driver: command list %d not closed", cl)
	}
	ops := make([]recordedOp, len(cs.ops))
	copy(ops, cs.ops)
	cs.mu.Unlock()

	qs.ch <- submittedBatch{ops: ops, fence: signalFence}
	return nil
}

// --- Events ---

type eventPoolState struct {
	capacity uint32
}

func (d *SoftDriver) CreateEventPool(ctx Handle, desc EventPoolDesc) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.contexts[ctx]; !ok {
		return 0, fmt.Errorf("driver: unknown context %d", ctx)
	}
	h := d.newHandle()
	d.pools[h] = &eventPoolState{capacity: desc.Capacity}
	return h, nil
}

func (d *SoftDriver) DestroyEventPool(pool Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pools[pool]; !ok {
		return fmt.Errorf("driver: unknown event pool %d", pool)
	}
	delete(d.pools, pool)
	return nil
}

func (d *SoftDriver) CreateEvent(pool Handle, slot uint32) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pools[pool]; !ok {
		return 0, fmt.Errorf("driver: unknown event pool %d", pool)
	}
	h := d.newHandle()
	d.events[h] = &eventState{doneCh: make(chan struct{})}
	return h, nil
}

func (d *SoftDriver) getEvent(ev Handle) (*eventState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	es, ok := d.events[ev]
	if !ok {
		return nil, fmt.Errorf("driver: unknown event %d", ev)
	}
	return es, nil
}

func (d *SoftDriver) DestroyEvent(ev Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.events[ev]; !ok {
		return fmt.Errorf("driver: unknown event %d", ev)
	}
	delete(d.events, ev)
	return nil
}

func (d *SoftDriver) ResetEvent(ev Handle) error {
	es, err := d.getEvent(ev)
	if err != nil {
		return err
	}
	es.mu.Lock()
	defer es.mu.Unlock()
	es.doneCh = make(chan struct{})
	es.closed = false
	es.deviceTicks = 0
	es.hostNanos = 0
	return nil
}

func (d *SoftDriver) QueryEventStatus(ev Handle) (bool, error) {
	es, err := d.getEvent(ev)
	if err != nil {
		return false, err
	}
	select {
	case <-es.doneCh:
		return true, nil
	default:
		return false, nil
	}
}

func (d *SoftDriver) HostSignalEvent(ev Handle) error {
	es, err := d.getEvent(ev)
	if err != nil {
		return err
	}
	d.signalEvent(es)
	return nil
}

func (d *SoftDriver) signalEvent(es *eventState) {
	es.mu.Lock()
	defer es.mu.Unlock()
	if es.closed {
		return
	}
	es.closed = true
	es.deviceTicks = d.deviceClock.Add(1)
	es.hostNanos = time.Now().UnixNano()
	close(es.doneCh)
}

func (d *SoftDriver) WaitEvent(ev Handle, timeout time.Duration) error {
	es, err := d.getEvent(ev)
	if err != nil {
		return err
	}
	if timeout <= 0 {
		<-es.doneCh
		return nil
	}
	select {
	case <-es.doneCh:
		return nil
	case <-time.After(timeout):
		return ErrRetryNotReady
	}
}

func (d *SoftDriver) EventTimestamp(ev Handle) (uint64, int64, error) {
	es, err := d.getEvent(ev)
	if err != nil {
		return 0, 0, err
	}
	es.mu.Lock()
	defer es.mu.Unlock()
	if !es.closed {
		return 0, 0, ErrRetryNotReady
	}
	return es.deviceTicks, es.hostNanos, nil
}

// --- Command-list recording ---

func (d *SoftDriver) record(cl Handle, op recordedOp) error {
	cs, err := d.getCmdList(cl)
	if err != nil {
		return err
	}
	cs.mu.Lock()
	if cs.closed && !cs.immediate {
		cs.mu.Unlock()
		return fmt.Errorf("driver: command list %d already closed", cl)
	}
	immediate := cs.immediate
	queue := cs.queue
	if !immediate {
		cs.ops = append(cs.ops, op)
		cs.mu.Unlock()
		return nil
	}
	cs.mu.Unlock()

	d.mu.Lock()
	qs, ok := d.queues[queue]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("driver: unknown queue %d", queue)
	}
	qs.ch <- submittedBatch{ops: []recordedOp{op}}
	return nil
}

func (d *SoftDriver) AppendWaitOnEvents(cl Handle, waits []Handle) error {
	w := make([]Handle, len(waits))
	copy(w, waits)
	return d.record(cl, recordedOp{kind: opWait, waits: w})
}

func (d *SoftDriver) AppendSignalEvent(cl Handle, ev Handle) error {
	return d.record(cl, recordedOp{kind: opSignal, signal: ev})
}

func (d *SoftDriver) AppendBarrier(cl Handle) error {
	return d.record(cl, recordedOp{kind: opBarrier})
}

// Append* calls validate resource handles eagerly, synchronously with the
// call, rather than deferring failure to async batch execution: a real
// Level Zero driver rejects a malformed append immediately, and the
// runtime's stream-order protocol (internal/queue) depends on append
// failures surfacing as the return value it can fail the event with.

func (d *SoftDriver) AppendMemoryCopyH2D(cl Handle, dst Handle, dstOffset uint64, src []byte) error {
	if _, err := d.getAlloc(dst); err != nil {
		return err
	}
	buf := make([]byte, len(src))
	copy(buf, src)
	return d.record(cl, recordedOp{kind: opCopyH2D, dst: dst, dstOffset: dstOffset, hostSrc: buf, size: uint64(len(buf))})
}

func (d *SoftDriver) AppendMemoryCopyD2H(cl Handle, dst []byte, src Handle, srcOffset uint64) error {
	if _, err := d.getAlloc(src); err != nil {
		return err
	}
	return d.record(cl, recordedOp{kind: opCopyD2H, hostDst: dst, src: src, srcOffset: srcOffset, size: uint64(len(dst))})
}

func (d *SoftDriver) AppendMemoryCopyD2D(cl Handle, dst Handle, dstOffset uint64, src Handle, srcOffset, size uint64) error {
	if _, err := d.getAlloc(src); err != nil {
		return err
	}
	if _, err := d.getAlloc(dst); err != nil {
		return err
	}
	return d.record(cl, recordedOp{kind: opCopyD2D, dst: dst, dstOffset: dstOffset, src: src, srcOffset: srcOffset, size: size})
}

func (d *SoftDriver) AppendMemoryFill(cl Handle, dst Handle, dstOffset uint64, pattern []byte, size uint64) error {
	if _, err := d.getAlloc(dst); err != nil {
		return err
	}
	p := make([]byte, len(pattern))
	copy(p, pattern)
	return d.record(cl, recordedOp{kind: opFill, dst: dst, dstOffset: dstOffset, pattern: p, size: size})
}

func (d *SoftDriver) AppendLaunchKernel(cl Handle, args LaunchArgs) error {
	d.mu.Lock()
	_, ok := d.kernels[args.Kernel]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("driver: unknown kernel %d", args.Kernel)
	}
	argsCopy := make([]byte, len(args.Args))
	copy(argsCopy, args.Args)
	args.Args = argsCopy
	return d.record(cl, recordedOp{kind: opLaunch, launch: args})
}

func (d *SoftDriver) execOp(op recordedOp) {
	switch op.kind {
	case opWait:
		for _, ev := range op.waits {
			es, err := d.getEvent(ev)
			if err != nil {
				continue
			}
			<-es.doneCh
		}
	case opSignal:
		es, err := d.getEvent(op.signal)
		if err != nil {
			return
		}
		d.signalEvent(es)
	case opBarrier:
		// ops in a list already execute in program order; nothing to do.
	case opCopyH2D:
		as, err := d.getAlloc(op.dst)
		if err != nil {
			return
		}
		as.mu.Lock()
		copy(as.buf[op.dstOffset:], op.hostSrc)
		as.mu.Unlock()
	case opCopyD2H:
		as, err := d.getAlloc(op.src)
		if err != nil {
			return
		}
		as.mu.Lock()
		copy(op.hostDst, as.buf[op.srcOffset:op.srcOffset+op.size])
		as.mu.Unlock()
	case opCopyD2D:
		src, err := d.getAlloc(op.src)
		if err != nil {
			return
		}
		dst, err := d.getAlloc(op.dst)
		if err != nil {
			return
		}
		src.mu.Lock()
		tmp := make([]byte, op.size)
		copy(tmp, src.buf[op.srcOffset:op.srcOffset+op.size])
		src.mu.Unlock()
		dst.mu.Lock()
		copy(dst.buf[op.dstOffset:], tmp)
		dst.mu.Unlock()
	case opFill:
		as, err := d.getAlloc(op.dst)
		if err != nil {
			return
		}
		as.mu.Lock()
		region := as.buf[op.dstOffset : op.dstOffset+op.size]
		for i := range region {
			region[i] = op.pattern[i%len(op.pattern)]
		}
		as.mu.Unlock()
	case opLaunch:
		d.mu.Lock()
		ks, ok := d.kernels[op.launch.Kernel]
		d.mu.Unlock()
		if !ok {
			return
		}
		ks.mu.Lock()
		fn := ks.fn
		ks.mu.Unlock()
		if fn != nil {
			_ = fn(op.launch.Args)
			return
		}
		time.Sleep(time.Microsecond)
	}
}

// --- Memory ---

func (d *SoftDriver) getAlloc(ptr Handle) (*allocState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	as, ok := d.allocs[ptr]
	if !ok {
		return nil, fmt.Errorf("driver: unknown device pointer %d", ptr)
	}
	return as, nil
}

func (d *SoftDriver) AllocateMemory(ctx Handle, size, alignment uint64, kind MemoryKind) (Handle, error) {
	d.mu.Lock()
	if _, ok := d.contexts[ctx]; !ok {
		d.mu.Unlock()
		return 0, fmt.Errorf("driver: unknown context %d", ctx)
	}
	h := d.newHandle()
	d.allocs[h] = &allocState{buf: make([]byte, size), kind: kind}
	d.mu.Unlock()
	return h, nil
}

func (d *SoftDriver) FreeMemory(ctx Handle, ptr Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.allocs[ptr]; !ok {
		return fmt.Errorf("driver: unknown device pointer %d", ptr)
	}
	delete(d.allocs, ptr)
	return nil
}

// --- Modules and kernels ---

func (d *SoftDriver) CompileModule(ctx Handle, payload []byte, jitFlags string) (Handle, error) {
	d.mu.Lock()
	if _, ok := d.contexts[ctx]; !ok {
		d.mu.Unlock()
		return 0, fmt.Errorf("driver: unknown context %d", ctx)
	}
	h := d.newHandle()
	buf := make([]byte, len(payload))
	copy(buf, payload)
	d.modules[h] = &moduleState{
		payload: buf,
		kernels: make(map[string]Handle),
		globals: make(map[string]Handle),
	}
	d.mu.Unlock()
	return h, nil
}

func (d *SoftDriver) DestroyModule(mod Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ms, ok := d.modules[mod]
	if !ok {
		return fmt.Errorf("driver: unknown module %d", mod)
	}
	for _, k := range ms.kernels {
		delete(d.kernels, k)
	}
	for _, g := range ms.globals {
		delete(d.allocs, g)
	}
	delete(d.modules, mod)
	return nil
}

func (d *SoftDriver) ModuleCreateKernel(mod Handle, name string) (Handle, error) {
	d.mu.Lock()
	ms, ok := d.modules[mod]
	d.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("driver: unknown module %d", mod)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	if h, ok := ms.kernels[name]; ok {
		return h, nil
	}
	d.mu.Lock()
	h := d.newHandle()
	d.kernels[h] = &kernelState{module: mod, name: name}
	d.mu.Unlock()
	ms.kernels[name] = h
	return h, nil
}

func (d *SoftDriver) DestroyKernel(k Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.kernels[k]; !ok {
		return fmt.Errorf("driver: unknown kernel %d", k)
	}
	delete(d.kernels, k)
	return nil
}

func (d *SoftDriver) AllocateModuleGlobal(mod Handle, name string, size uint64) (Handle, error) {
	d.mu.Lock()
	ms, ok := d.modules[mod]
	d.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("driver: unknown module %d", mod)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	if h, ok := ms.globals[name]; ok {
		return h, nil
	}
	d.mu.Lock()
	h := d.newHandle()
	d.allocs[h] = &allocState{buf: make([]byte, size)}
	d.mu.Unlock()
	ms.globals[name] = h
	return h, nil
}

func (d *SoftDriver) ModuleFindGlobal(mod Handle, name string) (Handle, uint64, error) {
	d.mu.Lock()
	ms, ok := d.modules[mod]
	d.mu.Unlock()
	if !ok {
		return 0, 0, fmt.Errorf("driver: unknown module %d", mod)
	}

	ms.mu.Lock()
	h, ok := ms.globals[name]
	ms.mu.Unlock()
	if !ok {
		return 0, 0, fmt.Errorf("driver: no global named %q", name)
	}

	as, err := d.getAlloc(h)
	if err != nil {
		return 0, 0, err
	}
	as.mu.Lock()
	size := uint64(len(as.buf))
	as.mu.Unlock()
	return h, size, nil
}

// --- Test-only introspection, not part of Capability ---

// SetKernelFunc registers a host function to run in place of a kernel
// launch, letting tests assert on argument buffers without real GPU code.
func (d *SoftDriver) SetKernelFunc(k Handle, fn func(args []byte) error) error {
	d.mu.Lock()
	ks, ok := d.kernels[k]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("driver: unknown kernel %d", k)
	}
	ks.mu.Lock()
	ks.fn = fn
	ks.mu.Unlock()
	return nil
}

// PeekMemory returns a copy of a device allocation's backing bytes, for
// test assertions.
func (d *SoftDriver) PeekMemory(ptr Handle) ([]byte, error) {
	as, err := d.getAlloc(ptr)
	if err != nil {
		return nil, err
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	out := make([]byte, len(as.buf))
	copy(out, as.buf)
	return out, nil
}
