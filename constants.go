package gpudrv

import "github.com/behrlich/gpudrv/internal/constants"

// Re-exported tunables. Kept as a thin alias layer (teacher's own
// constants.go does the same for its public surface) so callers configuring
// queue depth, pool sizing, or allocation alignment never need to import an
// internal package directly.
const (
	DefaultQueueDepth                = constants.DefaultQueueDepth
	DefaultEventPoolBaseCapacity     = constants.DefaultEventPoolBaseCapacity
	DefaultArgBufferCapacity         = constants.DefaultArgBufferCapacity
	DefaultCommandListStackCapacity  = constants.DefaultCommandListStackCapacity
	DefaultDeviceAllocationAlignment = constants.DefaultDeviceAllocationAlignment
	AutoAssignDeviceID               = constants.AutoAssignDeviceID

	ContextInitSettleDelay  = constants.ContextInitSettleDelay
	EventMonitorPollInterval = constants.EventMonitorPollInterval
	EventMonitorDrainTimeout = constants.EventMonitorDrainTimeout
)
