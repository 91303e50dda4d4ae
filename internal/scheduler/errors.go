package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
)

// === Decode failures ===

// DecodeFailureError wraps a codec decode error encountered while
// reading back a stored payload. Recovered locally by the worker (the
// task is marked failed with its original payload bytes kept; no
// LegacyPlaceholder is built) - never propagated to a Dispatcher
// caller.
type DecodeFailureError struct {
	TaskID int64
	Err    error
}

func (e DecodeFailureError) Error() string {
	return fmt.Sprintf("scheduler: task %d: decode payload: %v", e.TaskID, e.Err)
}
func (e DecodeFailureError) Unwrap() error { return e.Err }

// IsDecodeFailure reports whether err is (or wraps) a DecodeFailureError.
func IsDecodeFailure(err error) bool {
	var d DecodeFailureError
	return errors.As(err, &d)
}

// === Unsupported task ===

// UnsupportedTaskError is returned by the default executor when a
// decoded payload does not implement Runnable.
type UnsupportedTaskError struct {
	TaskID int64
}

func (e UnsupportedTaskError) Error() string {
	return fmt.Sprintf("scheduler: task %d: payload does not implement Runnable", e.TaskID)
}

// IsUnsupportedTask reports whether err is (or wraps) an
// UnsupportedTaskError.
func IsUnsupportedTask(err error) bool {
	var u UnsupportedTaskError
	return errors.As(err, &u)
}

// === Retry limit ===

// RetryLimitExceededError marks a task that has exhausted its retry
// budget. Store.MarkRequeue records such a task as failed with the
// reason "retry limit exceeded" and reports failed=true; no code in
// this module constructs or returns this type.
type RetryLimitExceededError struct {
	TaskID     int64
	RetryLimit int
}

func (e RetryLimitExceededError) Error() string {
	return fmt.Sprintf("scheduler: task %d: retry limit %d exceeded", e.TaskID, e.RetryLimit)
}

// IsRetryLimitExceeded reports whether err is (or wraps) a
// RetryLimitExceededError.
func IsRetryLimitExceeded(err error) bool {
	var r RetryLimitExceededError
	return errors.As(err, &r)
}

// === User task error ===

// UserTaskError wraps any error returned by user task code. Unwrap
// reaches the original error so HandleTaskError hooks can inspect it.
type UserTaskError struct {
	TaskID int64
	Err    error
}

func (e UserTaskError) Error() string {
	return fmt.Sprintf("scheduler: task %d: %v", e.TaskID, e.Err)
}
func (e UserTaskError) Unwrap() error { return e.Err }

// IsUserTaskError reports whether err is (or wraps) a UserTaskError.
func IsUserTaskError(err error) bool {
	var u UserTaskError
	return errors.As(err, &u)
}

// === Store unavailable ===

// StoreUnavailableError wraps an I/O failure against the Store during
// Polling (NextTask). Fatal to the affected worker: the loop exits,
// deregisters from the Dispatcher, and lets the Store connection be
// reclaimed. Store errors from the ClaimTask/MarkSuccess/MarkFailure
// calls around a run are discarded and do not stop the worker; a
// MarkRequeue error goes to the ErrorHandler and the loop continues.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e StoreUnavailableError) Error() string {
	return fmt.Sprintf("scheduler: store unavailable during %s: %v", e.Op, e.Err)
}
func (e StoreUnavailableError) Unwrap() error { return e.Err }

// IsStoreUnavailable reports whether err is (or wraps) a
// StoreUnavailableError.
func IsStoreUnavailable(err error) bool {
	var s StoreUnavailableError
	return errors.As(err, &s)
}

// ErrorHandler lets an embedder observe failures (telemetry, paging)
// without changing the scheduler's own handling of them. Hooks must
// not block or panic; the default implementation only logs.
type ErrorHandler interface {
	HandleTaskError(taskID int64, err error)
	HandlePanic(taskID int64, recovered any, stackTrace string)
}

// DefaultErrorHandler logs with structured logging and takes no other
// action.
type DefaultErrorHandler struct{}

func (DefaultErrorHandler) HandleTaskError(taskID int64, err error) {
	slog.Error("task failed",
		slog.Int64("task_id", taskID),
		slog.String("error", err.Error()),
	)
}

func (DefaultErrorHandler) HandlePanic(taskID int64, recovered any, stackTrace string) {
	slog.Error("task panicked",
		slog.Int64("task_id", taskID),
		slog.Any("panic_value", recovered),
		slog.String("stack_trace", stackTrace),
	)
}
