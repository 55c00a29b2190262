// Package interfaces provides internal interface definitions for gpudrv.
// These are separate from the public surface to avoid circular imports
// between the root package and internal packages: internal/queue and
// internal/device depend only on this Observer interface, while the root
// package's concrete Metrics/PrometheusObserver types satisfy it
// structurally without either side importing the other.
package interfaces

import "github.com/behrlich/gpudrv/internal/event"

// Observer is the metrics-collection hook the submission engine drives.
// Implementations must be thread-safe: methods are called concurrently
// from every goroutine that enqueues work on a Queue.
type Observer interface {
	ObserveLaunch(kernel string, latencyNs uint64, success bool)
	ObserveCopy(bytes uint64, latencyNs uint64, success bool)
	ObserveFill(bytes uint64, latencyNs uint64, success bool)
	ObserveEventWait(latencyNs uint64, success bool)
	ObserveQueueDepth(depth uint32)
}

// EventTracker is the narrow view of the EventMonitor that internal/queue
// needs: a place to hand off any event that was assigned a regular command
// list, so the monitor's background polling reclaims that list even if the
// caller never explicitly waits on or queries the event again. Kept here
// rather than importing internal/monitor directly, for the same reason as
// Observer above.
type EventTracker interface {
	Track(ev *event.Event)
}
