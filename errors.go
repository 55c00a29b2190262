package gpudrv

import (
	stderrors "errors"
	"fmt"

	"github.com/pkg/errors"
)

// Error represents a structured runtime error with device/queue context.
type Error struct {
	Op    string    // operation that failed (e.g., "LaunchKernel", "MemAlloc")
	DevID int       // device ordinal (-1 if not applicable)
	Queue int       // queue index (-1 if not applicable)
	Code  ErrorCode // closed error category (§7)
	Msg   string    // human-readable message
	Inner error     // wrapped cause, possibly stack-trace-carrying (pkg/errors)
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.DevID >= 0 {
		parts = append(parts, fmt.Sprintf("dev=%d", e.DevID))
	}
	if e.Queue >= 0 {
		parts = append(parts, fmt.Sprintf("queue=%d", e.Queue))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("gpudrv: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("gpudrv: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support, comparing by error code.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode is the closed error taxonomy from §7: every failure the runtime
// reports to a caller maps to exactly one of these.
type ErrorCode string

const (
	ErrInvalidValue         ErrorCode = "invalid value"
	ErrInvalidHandle        ErrorCode = "invalid handle"
	ErrInvalidSymbol        ErrorCode = "invalid symbol"
	ErrInvalidDevicePointer ErrorCode = "invalid device pointer"
	ErrOutOfMemory          ErrorCode = "out of memory"
	ErrLaunchFailure        ErrorCode = "launch failure"
	ErrNotReady             ErrorCode = "not ready"
	ErrResourceBusy         ErrorCode = "resource busy"
	ErrInitializationError  ErrorCode = "initialization error"
	ErrUnimplemented        ErrorCode = "unimplemented"
	ErrUnknown              ErrorCode = "unknown"
)

// NewError creates a new structured error with no device/queue context.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, DevID: -1, Queue: -1, Code: code, Msg: msg}
}

// NewDeviceError creates a device-scoped error.
func NewDeviceError(op string, devID int, code ErrorCode, msg string) *Error {
	return &Error{Op: op, DevID: devID, Queue: -1, Code: code, Msg: msg}
}

// NewQueueError creates a queue-scoped error.
func NewQueueError(op string, devID, queue int, code ErrorCode, msg string) *Error {
	return &Error{Op: op, DevID: devID, Queue: queue, Code: code, Msg: msg}
}

// WrapError wraps an existing error with gpudrv op context, capturing a
// stack trace on the inner cause the first time a plain error crosses this
// boundary.
func WrapError(op string, code ErrorCode, inner error) *Error {
	if inner == nil {
		return nil
	}

	if ge, ok := inner.(*Error); ok {
		return &Error{
			Op:    op,
			DevID: ge.DevID,
			Queue: ge.Queue,
			Code:  ge.Code,
			Msg:   ge.Msg,
			Inner: ge.Inner,
		}
	}

	return &Error{
		Op:    op,
		DevID: -1,
		Queue: -1,
		Code:  code,
		Msg:   inner.Error(),
		Inner: errors.WithStack(inner),
	}
}

// IsCode checks whether err (or anything it wraps) is a gpudrv Error with
// the given code.
func IsCode(err error, code ErrorCode) bool {
	var gerr *Error
	if stderrors.As(err, &gerr) {
		return gerr.Code == code
	}
	return false
}
