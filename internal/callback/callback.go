// Package callback implements the host-callback protocol's FIFO of
// pending records (§4.4 "Host callback protocol"), owned by Backend and
// drained one record per iteration by the EventMonitor (§4.6).
package callback

import (
	"sync"

	"github.com/behrlich/gpudrv/internal/event"
)

// Fn is a user callback registered via Queue.AddCallback. status is the
// error recorded on the callback's gpu_ready marker event, nil if that
// marker completed normally; errors of earlier operations on the stream
// are not carried into it.
type Fn func(userdata any, status error)

// Record is one pending host-callback: the three internal events driving
// the protocol plus the user function to invoke between them.
type Record struct {
	Fn       Fn
	Userdata any

	GPUReady *event.Event
	CPUDone  *event.Event
	GPUAck   *event.Event

	// Pool is the EventPool the three events above were acquired from, so
	// the EventMonitor can release its reference on each after driving the
	// protocol. Nil is valid and just skips the release (used by tests that
	// drive the protocol manually without a pool to return to).
	Pool *event.Pool
}

// Queue is a thread-safe FIFO of pending callback Records.
type Queue struct {
	mu      sync.Mutex
	records []*Record
}

// New constructs an empty callback FIFO.
func New() *Queue { return &Queue{} }

// Push appends r to the back of the FIFO.
func (q *Queue) Push(r *Record) {
	q.mu.Lock()
	q.records = append(q.records, r)
	q.mu.Unlock()
}

// Pop removes and returns the front of the FIFO, or (nil, false) if empty.
func (q *Queue) Pop() (*Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.records) == 0 {
		return nil, false
	}
	r := q.records[0]
	q.records = q.records[1:]
	return r, true
}

// Len reports the number of pending records.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}
