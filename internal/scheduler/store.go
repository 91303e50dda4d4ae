// Package scheduler is the core: the Queue worker state machine, the
// Dispatcher/Manager, the Observer registry, and the Cursor query
// views. It owns no SQL - Store is a consumer-owned interface the
// embedder satisfies (internal/storage/sql provides the production
// implementation), matching the teacher's pattern of interfaces
// declared next to their caller rather than their implementer.
package scheduler

import (
	"context"
	"time"

	"github.com/Grunthos/TaskQueue/internal/domain"
)

// ScheduledTask is the result of NextTask: either a task ready to run
// now (Wait == 0) or the wait until the soonest future task becomes
// eligible.
type ScheduledTask struct {
	Task *domain.Task
	Wait time.Duration
}

// CursorKind selects one of the tasks() projections.
type CursorKind int

const (
	CursorAll CursorKind = iota
	CursorFailed
	CursorActive
	CursorQueued
)

// TaskView is one row of a tasks() cursor: the task columns plus the
// computed event_count aggregate spec.md §4.5 requires.
type TaskView struct {
	Task       domain.Task
	EventCount int
}

// Store is the durable persistence contract. Every write method must
// tolerate the target row already having been deleted concurrently by
// the Dispatcher (spec.md §4.1's "not an error" rule) - implementations
// return nil, not an error, when the row is simply gone.
type Store interface {
	GetOrCreateQueue(ctx context.Context, name string) (int64, error)

	// Enqueue persists payload under queueName at the given priority
	// and returns the new task id. Returns domain.ErrUnknownQueue if
	// create is false and the queue does not exist.
	Enqueue(ctx context.Context, queueName string, create bool, priority int, payload []byte) (int64, error)

	// NextTask runs the two-phase eligible-now/soonest-future query
	// from spec.md §4.1. Returns (nil, nil) when the queue has no
	// queued tasks at all.
	NextTask(ctx context.Context, queueName string) (*ScheduledTask, error)

	// MarkSuccess deletes the task if it has no events, else sets
	// status='S'. A no-op if the task is already gone.
	MarkSuccess(ctx context.Context, taskID int64) error

	// MarkRequeue re-reads retry_count; if it is already >= retryLimit
	// it delegates to MarkFailure with "retry limit exceeded" and
	// reports failed=true. Otherwise it writes retry_at = now +
	// delay(retry_count), increments retry_count, stores payload, and
	// reports failed=false. A no-op (failed=false, err=nil) if the task
	// is already gone.
	MarkRequeue(ctx context.Context, taskID int64, retryLimit int, delay func(attempt int) time.Duration, payload []byte) (failed bool, err error)

	// ClaimTask stamps worker_id and claimed_at on a task a worker is
	// about to run, for forensic attribution only - it does not gate
	// dispatch (the Dispatcher's mutex already serializes NextTask).
	// A no-op if the task is already gone.
	ClaimTask(ctx context.Context, taskID int64, workerID string) error

	// MarkFailure sets status='F' and persists reason, exceptionBlob,
	// and payload. A no-op if the task is already gone.
	MarkFailure(ctx context.Context, taskID int64, reason string, exceptionBlob []byte, payload []byte) error

	// Update rewrites payload for an existing task id. A no-op if the
	// row has been deleted.
	Update(ctx context.Context, taskID int64, payload []byte) error

	// StoreTaskEvent transactionally verifies the task still exists
	// before inserting; returns 0 (no error) if it does not.
	StoreTaskEvent(ctx context.Context, taskID int64, blob []byte, level string) (int64, error)

	// StoreEvent inserts a free-standing event (task_id IS NULL).
	StoreEvent(ctx context.Context, blob []byte, level string) (int64, error)

	// DeleteTask deletes a task's events, then the task. Idempotent.
	DeleteTask(ctx context.Context, id int64) error

	// DeleteEvent deletes the event, then runs CleanupOrphans.
	DeleteEvent(ctx context.Context, id int64) error

	CleanupOldTasks(ctx context.Context, daysOld int) error
	CleanupOldEvents(ctx context.Context, daysOld int) error
	CleanupOrphans(ctx context.Context) error

	// BringTaskToFront/SendTaskToBack must run under the Dispatcher's
	// mutex (they are called only from dispatcher.go) so the
	// read-min/max-then-write is atomic with respect to concurrent
	// priority mutations and NextTask.
	BringTaskToFront(ctx context.Context, id int64) error
	SendTaskToBack(ctx context.Context, id int64) error

	GetAllQueues(ctx context.Context) ([]domain.Queue, error)

	Tasks(ctx context.Context, kind CursorKind) ([]TaskView, error)
	EventsForTask(ctx context.Context, taskID int64) ([]domain.Event, error)
	AllEvents(ctx context.Context) ([]domain.Event, error)
}
