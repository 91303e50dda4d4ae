package domain

import "errors"

// Structural errors returned by the storage layer and checked by the
// scheduler. These cross the Store/Dispatcher boundary as sentinel
// values; behavioral errors raised by user task code use the marker
// types in the scheduler package instead.
var (
	// ErrUnknownQueue indicates enqueue was called against a queue name
	// that has not been created, using the non-creating submit path.
	ErrUnknownQueue = errors.New("taskqueue: unknown queue")

	// ErrQueueNotFound indicates a queue id does not exist.
	ErrQueueNotFound = errors.New("taskqueue: queue not found")

	// ErrTaskNotFound indicates a task id does not exist. Store write
	// methods must tolerate this (concurrent deletion is not an error)
	// and do not return it; no Store method in this module returns it.
	ErrTaskNotFound = errors.New("taskqueue: task not found")

	// ErrEventNotFound indicates an event id does not exist.
	ErrEventNotFound = errors.New("taskqueue: event not found")

	// ErrQueueNameRequired indicates an empty queue name was supplied.
	ErrQueueNameRequired = errors.New("taskqueue: queue name is required")
)
