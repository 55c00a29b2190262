// Package monitor implements the EventMonitor background task (§4.6): a
// single process-wide loop, started at Backend init and joined at
// uninitialize, that advances non-blocking event status and drives the
// host-callback protocol one record at a time. Grounded on the teacher's
// per-queue Runner.ioLoop goroutine (context-cancellation shutdown,
// "drain before exit" pattern), generalized here to a single supervised
// task rather than one per queue, since the callback FIFO and the
// non-blocking-query registry are both process-wide resources.
package monitor

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/behrlich/gpudrv/internal/callback"
	"github.com/behrlich/gpudrv/internal/constants"
	"github.com/behrlich/gpudrv/internal/event"
	"github.com/behrlich/gpudrv/internal/logging"
)

// Monitor owns the background polling/callback-draining loop.
type Monitor struct {
	callbacks    *callback.Queue
	logger       *logging.Logger
	pollInterval time.Duration
	drainTimeout time.Duration

	mu      sync.Mutex
	tracked []*event.Event

	g       *errgroup.Group
	cancel  context.CancelFunc
	started bool
}

// New constructs a Monitor draining callbacks. Pass nil for logger to use
// the process default.
func New(callbacks *callback.Queue, logger *logging.Logger) *Monitor {
	if logger == nil {
		logger = logging.Default()
	}
	return &Monitor{
		callbacks:    callbacks,
		logger:       logger,
		pollInterval: constants.EventMonitorPollInterval,
		drainTimeout: constants.EventMonitorDrainTimeout,
	}
}

// Track registers ev for background non-blocking completion polling (used
// for query-without-wait APIs like cudaEventQuery/cudaStreamQuery): the
// monitor calls UpdateFinishStatus(false) on it each pass until it
// finishes, then drops it from the registry.
func (m *Monitor) Track(ev *event.Event) {
	m.mu.Lock()
	m.tracked = append(m.tracked, ev)
	m.mu.Unlock()
}

// Start launches the background loop under ctx. Call once per Monitor.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	var g errgroup.Group

	m.cancel = cancel
	m.g = &g
	m.started = true
	g.Go(func() error {
		m.run(ctx)
		return nil
	})
}

// Stop signals the loop to exit, drains any pending callback records
// bounded by EventMonitorDrainTimeout, and blocks until the loop returns.
func (m *Monitor) Stop() error {
	if !m.started {
		return nil
	}
	m.cancel()
	return m.g.Wait()
}

func (m *Monitor) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			m.drain()
			return
		default:
		}

		m.pollTracked()

		if rec, ok := m.callbacks.Pop(); ok {
			m.processCallback(rec)
			continue
		}

		select {
		case <-ctx.Done():
			m.drain()
			return
		case <-time.After(m.pollInterval):
		}
	}
}

// pollTracked advances every tracked event's finish status once, keeping
// only the ones still unfinished for next pass.
func (m *Monitor) pollTracked() {
	m.mu.Lock()
	snapshot := m.tracked
	m.tracked = nil
	m.mu.Unlock()

	if len(snapshot) == 0 {
		return
	}

	remaining := snapshot[:0]
	for _, ev := range snapshot {
		if ev.Status() == event.StatusFinished {
			continue
		}
		if err := ev.UpdateFinishStatus(false); err != nil {
			m.logger.Warn(context.Background(), "event monitor: poll failed", "err", err)
		}
		if ev.Status() != event.StatusFinished {
			remaining = append(remaining, ev)
		}
	}

	if len(remaining) > 0 {
		m.mu.Lock()
		m.tracked = append(remaining, m.tracked...)
		m.mu.Unlock()
	}
}

// processCallback drives the three-event host-callback protocol (§4.4
// steps 1-5) for one record, then releases the record's reference on each
// event back to the pool it came from.
func (m *Monitor) processCallback(rec *callback.Record) {
	if err := rec.GPUReady.Wait(); err != nil {
		m.logger.Warn(context.Background(), "event monitor: gpu_ready wait failed", "err", err)
	}

	rec.Fn(rec.Userdata, rec.GPUReady.Err())

	if err := rec.CPUDone.HostSignal(); err != nil {
		m.logger.Warn(context.Background(), "event monitor: cpu_done signal failed", "err", err)
	}
	if err := rec.GPUAck.Wait(); err != nil {
		m.logger.Warn(context.Background(), "event monitor: gpu_ack wait failed", "err", err)
	}

	if rec.Pool != nil {
		rec.Pool.Release(rec.GPUReady)
		rec.Pool.Release(rec.CPUDone)
		rec.Pool.Release(rec.GPUAck)
	}
}

// drain processes remaining callback records on an orderly shutdown so
// in-flight host callbacks still run. The drainTimeout deadline is checked
// before each record is started: records still queued after it are logged
// and left, but a record whose events never complete blocks drain, and so
// Stop, indefinitely. Tracked events are not drained.
func (m *Monitor) drain() {
	deadline := time.Now().Add(m.drainTimeout)
	for time.Now().Before(deadline) {
		rec, ok := m.callbacks.Pop()
		if !ok {
			return
		}
		m.processCallback(rec)
	}
	if remaining := m.callbacks.Len(); remaining > 0 {
		m.logger.Warn(context.Background(), "event monitor: drain timed out with callbacks still pending", "remaining", remaining)
	}
}
