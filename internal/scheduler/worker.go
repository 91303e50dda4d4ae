package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// WorkerState is the Queue worker's current phase in the
// Polling/Waiting/Running/Terminating state machine (spec.md §4.2).
type WorkerState int32

const (
	WorkerStarting WorkerState = iota
	WorkerPolling
	WorkerWaiting
	WorkerRunning
	WorkerTerminating
)

func (s WorkerState) String() string {
	switch s {
	case WorkerStarting:
		return "starting"
	case WorkerPolling:
		return "polling"
	case WorkerWaiting:
		return "waiting"
	case WorkerRunning:
		return "running"
	case WorkerTerminating:
		return "terminating"
	default:
		return "unknown"
	}
}

// queueWorker is a single-threaded per-queue loop: it repeatedly asks
// the Store for the next task, sleeps if none is yet eligible, runs
// ready tasks one at a time, and records results. One instance exists
// per active queue name; the Dispatcher owns its lifecycle.
type queueWorker struct {
	name       string
	dispatcher *Dispatcher

	wake  chan struct{}
	state atomic.Int32

	mu             sync.Mutex
	runningTaskID  int64
	hasRunningTask bool
	abortRequested bool

	done chan struct{}
}

func newQueueWorker(name string, d *Dispatcher) *queueWorker {
	w := &queueWorker{
		name:       name,
		dispatcher: d,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	w.state.Store(int32(WorkerStarting))
	return w
}

func (w *queueWorker) State() WorkerState {
	return WorkerState(w.state.Load())
}

func (w *queueWorker) setState(s WorkerState) {
	w.state.Store(int32(s))
}

// wakeUp nudges the worker out of Waiting early. Non-blocking: a
// pending wake coalesces with one already queued.
func (w *queueWorker) wakeUp() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// requestAbort marks taskID as wanting cooperative cancellation, if it
// is the task this worker is currently running. Called by the
// Dispatcher under its mutex from deleteTask.
func (w *queueWorker) requestAbort(taskID int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.hasRunningTask && w.runningTaskID == taskID {
		w.abortRequested = true
	}
}

func (w *queueWorker) isAbortRequested() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.abortRequested
}

func (w *queueWorker) setRunning(taskID int64) {
	w.mu.Lock()
	w.runningTaskID = taskID
	w.hasRunningTask = true
	w.abortRequested = false
	w.mu.Unlock()
}

func (w *queueWorker) clearRunning() {
	w.mu.Lock()
	w.hasRunningTask = false
	w.abortRequested = false
	w.mu.Unlock()
}

// run is the worker's main loop. It returns when the queue has no more
// queued tasks (Terminating) or the context is cancelled.
func (w *queueWorker) run(ctx context.Context) {
	d := w.dispatcher
	defer close(w.done)

	for {
		w.setState(WorkerPolling)

		sched, err := d.pollNextTask(ctx, w.name)
		if err != nil {
			wrapped := StoreUnavailableError{Op: "NextTask", Err: err}
			d.errorHandler.HandleTaskError(0, wrapped)
			d.logger().Error("queue worker: store unavailable, terminating",
				slog.String("queue", w.name), slog.String("error", wrapped.Error()))
			d.queueTerminating(w)
			return
		}
		if sched == nil {
			w.setState(WorkerTerminating)
			d.queueTerminating(w)
			return
		}

		if sched.Wait > 0 {
			w.setState(WorkerWaiting)
			select {
			case <-ctx.Done():
				d.queueTerminating(w)
				return
			case <-time.After(sched.Wait):
			case <-w.wake:
			}
			continue
		}

		w.setState(WorkerRunning)
		w.runTask(ctx, sched.Task.ID, sched.Task.PayloadBlob)
	}
}

// runTask decodes the payload, invokes the user executor, and maps the
// outcome onto markSuccess/markRequeue/markFailure per spec.md §4.2.
// It never lets an error or panic escape to the caller.
func (w *queueWorker) runTask(ctx context.Context, taskID int64, payloadBlob []byte) {
	d := w.dispatcher

	kind, payload, decodeErr := d.codec.Decode(payloadBlob)
	if decodeErr != nil {
		// The task is never run; it is marked failed with its original
		// payload bytes written back unchanged.
		wrapped := DecodeFailureError{TaskID: taskID, Err: decodeErr}
		d.errorHandler.HandleTaskError(taskID, wrapped)
		reason := fmt.Sprintf("decode failure (kind=%q): %v", kind, decodeErr)
		_ = d.store.MarkFailure(ctx, taskID, reason, encodeException(decodeErr), payloadBlob)
		d.observers.NotifyTask(TaskChange{Kind: TaskCompleted, TaskID: taskID})
		return
	}

	w.setRunning(taskID)
	_ = d.store.ClaimTask(ctx, taskID, d.workerID)
	d.observers.NotifyTask(TaskChange{Kind: TaskRunning, TaskID: taskID})

	success, requeue, runErr := w.executeWithRecovery(ctx, taskID, payload)
	w.clearRunning()

	switch {
	case runErr != nil:
		wrapped := UserTaskError{TaskID: taskID, Err: runErr}
		d.errorHandler.HandleTaskError(taskID, wrapped)
		_ = d.store.MarkFailure(ctx, taskID, wrapped.Error(), encodeException(runErr), payloadBlob)
		d.observers.NotifyTask(TaskChange{Kind: TaskCompleted, TaskID: taskID})
	case success:
		_ = d.store.MarkSuccess(ctx, taskID)
		d.observers.NotifyTask(TaskChange{Kind: TaskCompleted, TaskID: taskID})
	case requeue:
		failed, err := d.store.MarkRequeue(ctx, taskID, d.retryLimit, d.retryDelay, payloadBlob)
		if err != nil {
			d.errorHandler.HandleTaskError(taskID, err)
			return
		}
		if failed {
			d.observers.NotifyTask(TaskChange{Kind: TaskCompleted, TaskID: taskID})
		} else {
			d.observers.NotifyTask(TaskChange{Kind: TaskWaiting, TaskID: taskID})
		}
	}
}

// executeWithRecovery invokes the Dispatcher's task executor (the
// default Runnable-capability check, or an embedder's WithTaskExecutor
// override), converting a panic into an error rather than taking down
// the worker goroutine.
func (w *queueWorker) executeWithRecovery(ctx context.Context, taskID int64, payload any) (success, requeue bool, err error) {
	d := w.dispatcher
	defer func() {
		if rec := recover(); rec != nil {
			stack := string(debug.Stack())
			d.errorHandler.HandlePanic(taskID, rec, stack)
			err = fmt.Errorf("panic: %v", rec)
		}
	}()

	var ok bool
	var runErr error
	if d.runOneTask != nil {
		ok, runErr = d.runOneTask(ctx, taskID, payload)
	} else {
		ok, runErr = d.runOneTaskDefault(ctx, taskID, payload, w.isAbortRequested)
	}
	if runErr != nil {
		return false, false, runErr
	}
	if ok {
		return true, false, nil
	}
	return false, true, nil
}

func encodeException(err error) []byte {
	if err == nil {
		return nil
	}
	blob, marshalErr := json.Marshal(struct {
		Message string `json:"message"`
	}{Message: err.Error()})
	if marshalErr != nil {
		return []byte(err.Error())
	}
	return blob
}
