package gpudrv

import (
	"fmt"

	"github.com/behrlich/gpudrv/internal/event"
	"github.com/behrlich/gpudrv/internal/queue"
	"github.com/behrlich/gpudrv/internal/spirv"
)

// argSlot records one setArg call's span within the packed argument
// buffer: the (offset, size) tuple spec.md's ExecItem description calls
// for, kept alongside the buffer for launch-time validation.
type argSlot struct {
	Offset uint64
	Size   uint64
}

// ExecItem is the per-launch descriptor: grid/block dims, dynamic
// shared-memory size, target queue, and a packed argument buffer built up
// by repeated SetArg calls through Backend's configureCall/setArg push
// convention. Grounded on the teacher's fixed-field UblksrvIOCmd command
// struct (internal/ctrl/types.go, internal/uapi/structs.go), generalized
// here to a variable-length buffer since kernel signatures are not fixed
// at compile time the way a block I/O command's fields are.
type ExecItem struct {
	GridDim        [3]uint32
	BlockDim       [3]uint32
	SharedMemBytes uint32
	Queue          *queue.Queue

	buf   []byte
	slots []argSlot
}

// newExecItem starts a fresh descriptor. Backend.configureCall pushes the
// result onto the construction stack; setArg calls land on whichever
// ExecItem is on top.
func newExecItem(gridDim, blockDim [3]uint32, sharedMemBytes uint32, q *queue.Queue) *ExecItem {
	return &ExecItem{
		GridDim:        gridDim,
		BlockDim:       blockDim,
		SharedMemBytes: sharedMemBytes,
		Queue:          q,
		buf:            make([]byte, 0, DefaultArgBufferCapacity),
	}
}

// SetArg copies value into the packed argument buffer at offset, growing
// the buffer to exactly max(offset+size) observed across every SetArg
// call. The source's `+1024` slack is deliberately not reproduced (see
// DESIGN.md Open Question decisions).
func (e *ExecItem) SetArg(offset uint64, value []byte) {
	size := uint64(len(value))
	end := offset + size
	if end > uint64(len(e.buf)) {
		grown := make([]byte, end)
		copy(grown, e.buf)
		e.buf = grown
	}
	copy(e.buf[offset:end], value)
	e.slots = append(e.slots, argSlot{Offset: offset, Size: size})
}

// bindArgs validates the recorded (offset, size) tuples against kernel's
// function-info parameter count before the packed buffer is handed to the
// native driver, catching a caller that forgot an argument rather than
// letting a short buffer reach AppendLaunchKernel.
func (e *ExecItem) bindArgs(kernel *spirv.Kernel) ([]byte, error) {
	if len(kernel.Info.Params) != 0 && len(e.slots) != len(kernel.Info.Params) {
		return nil, NewError("Launch", ErrLaunchFailure,
			fmt.Sprintf("kernel %q expects %d arguments, got %d", kernel.Name, len(kernel.Info.Params), len(e.slots)))
	}
	return e.buf, nil
}

// launch binds the packed argument buffer into kernel and submits the
// dispatch on the ExecItem's target queue. The ExecItem is consumed: the
// caller must not reuse it afterward.
func (e *ExecItem) launch(kernel *spirv.Kernel) (*event.Event, error) {
	args, err := e.bindArgs(kernel)
	if err != nil {
		return nil, err
	}
	ev, err := e.Queue.Launch(queue.LaunchSpec{
		Kernel:         kernel.Native,
		GridDim:        e.GridDim,
		BlockDim:       e.BlockDim,
		SharedMemBytes: e.SharedMemBytes,
		Args:           args,
	})
	if err != nil {
		return ev, WrapError("Launch", ErrLaunchFailure, err)
	}
	return ev, nil
}
