package domain

import "time"

// Status is the persisted single-character status code of a Task row.
// Kept as a distinct type (rather than a plain string) so the Store and
// Cursors can't accidentally compare it against an unvalidated value.
type Status string

const (
	StatusQueued    Status = "Q"
	StatusSucceeded Status = "S"
	StatusFailed    Status = "F"
)

// DefaultRetryLimit is the number of successful retries a task may take
// before markRequeue converts it to a permanent failure.
const DefaultRetryLimit = 17

// DefaultRetryDelay returns the retry delay for the given zero-indexed
// attempt number using the legacy 2^(n+1) second formula. Callers that
// want a capped, jittered delay should go through internal/backoff
// instead; this is the raw formula spec.md documents.
func DefaultRetryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	seconds := 1 << uint(attempt+1)
	return time.Duration(seconds) * time.Second
}

// Queue is a named, durable FIFO-ish container serviced by one worker.
type Queue struct {
	ID   int64
	Name string
}

// Task is a persisted scheduling unit. PayloadBlob is opaque to the
// Store; it is only meaningful once decoded through a Codec into a
// TaskPayload by the scheduler package.
type Task struct {
	ID            int64
	QueueID       int64
	QueuedAt      time.Time
	Priority      int
	Status        Status
	RetryAt       time.Time
	RetryCount    int
	FailureReason *string
	ExceptionBlob []byte
	PayloadBlob   []byte

	// WorkerID/ClaimedAt are forensic-only: which worker instance last
	// ran this task and when. Never used for cross-process locking -
	// the Dispatcher's single mutex already serializes task selection.
	WorkerID  *string
	ClaimedAt *time.Time
}

// Runnable reports whether the task is eligible for immediate dispatch.
func (t *Task) Runnable(now time.Time) bool {
	return t.Status == StatusQueued && !t.RetryAt.After(now)
}

// Event is a log line attached to a task, or free-standing when TaskID
// is nil. EventBlob is opaque to the Store.
type Event struct {
	ID        int64
	TaskID    *int64
	EventBlob []byte
	EventAt   time.Time
	Level     string
}
