package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Grunthos/TaskQueue/internal/codec"
	"github.com/Grunthos/TaskQueue/internal/domain"
	"github.com/Grunthos/TaskQueue/internal/ptr"
)

// Dispatcher is the process-wide coordinator. Exactly one instance
// should exist per Store (spec.md §4.3's single-instance invariant).
// NewDispatcher does not check this: every call returns a new,
// independent Dispatcher, and there is no package-level global, so
// tests can build as many isolated Dispatchers as they need.
type Dispatcher struct {
	store Store
	codec codec.Codec

	observers *ObserverRegistry

	retryLimit int
	retryDelay func(attempt int) time.Duration

	errorHandler ErrorHandler
	log          *slog.Logger

	// workerID is this process's forensic identity, stamped onto every
	// task it claims via Store.ClaimTask. It has no bearing on dispatch
	// - there is exactly one Dispatcher per Store, so there is nothing
	// to lease or fence against.
	workerID string

	// runOneTask lets an embedder override default dispatch (e.g. to
	// route tasks through a worker pool keyed by payload kind instead
	// of the built-in Runnable capability check).
	runOneTask func(ctx context.Context, taskID int64, payload any) (bool, error)

	mu      sync.Mutex
	workers map[string]*queueWorker
	wg      sync.WaitGroup

	closed bool
}

// Option configures a Dispatcher at construction time.
type Option func(*Dispatcher)

// WithCallbackExecutor sets the executor observer notifications are
// submitted to. Defaults to InlineExecutor.
func WithCallbackExecutor(e CallbackExecutor) Option {
	return func(d *Dispatcher) { d.observers = NewObserverRegistry(e) }
}

// WithErrorHandler overrides the default (log-only) ErrorHandler.
func WithErrorHandler(h ErrorHandler) Option {
	return func(d *Dispatcher) { d.errorHandler = h }
}

// WithRetryPolicy overrides the default retry limit (17) and delay
// function (2^(n+1) seconds, see internal/backoff for a capped/jittered
// alternative).
func WithRetryPolicy(limit int, delay func(attempt int) time.Duration) Option {
	return func(d *Dispatcher) {
		d.retryLimit = limit
		d.retryDelay = delay
	}
}

// WithLogger overrides the default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithTaskExecutor overrides the default Runnable-based dispatch.
func WithTaskExecutor(fn func(ctx context.Context, taskID int64, payload any) (bool, error)) Option {
	return func(d *Dispatcher) { d.runOneTask = fn }
}

// WithWorkerID overrides the random per-process worker identity
// (uuid.NewString()) stamped on claimed tasks. Mainly for tests that
// want a predictable value to assert on.
func WithWorkerID(id string) Option {
	return func(d *Dispatcher) { d.workerID = id }
}

// NewDispatcher builds a Dispatcher over store and c. Callers own the
// Store and Codec lifetimes; Shutdown does not close them.
func NewDispatcher(store Store, c codec.Codec, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:        store,
		codec:        c,
		observers:    NewObserverRegistry(InlineExecutor),
		retryLimit:   domain.DefaultRetryLimit,
		retryDelay:   domain.DefaultRetryDelay,
		errorHandler: DefaultErrorHandler{},
		log:          slog.Default(),
		workerID:     uuid.NewString(),
		workers:      make(map[string]*queueWorker),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.With(slog.String("worker_id", d.workerID))
	return d
}

func (d *Dispatcher) logger() *slog.Logger { return d.log }

// Observers exposes the registry so embedders can Register*Listener.
func (d *Dispatcher) Observers() *ObserverRegistry { return d.observers }

// RecoverQueues enumerates persisted queues and spawns a worker for
// each, per spec.md §4.1's getAllQueues startup-recovery contract.
func (d *Dispatcher) RecoverQueues(ctx context.Context) error {
	queues, err := d.store.GetAllQueues(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: recover queues: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, q := range queues {
		if _, ok := d.workers[q.Name]; !ok {
			d.spawnWorkerLocked(ctx, q.Name)
		}
	}
	return nil
}

// Submit persists a task under queueName (creating the queue if
// create is true) and wakes or spawns its worker.
func (d *Dispatcher) Submit(ctx context.Context, queueName string, create bool, priority int, payload []byte) (int64, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0, fmt.Errorf("scheduler: submit to %q: dispatcher is shut down", queueName)
	}
	id, err := d.store.Enqueue(ctx, queueName, create, priority, payload)
	if err != nil {
		d.mu.Unlock()
		return 0, err
	}

	if w, ok := d.workers[queueName]; ok {
		w.wakeUp()
	} else {
		d.spawnWorkerLocked(ctx, queueName)
	}
	d.mu.Unlock()

	d.observers.NotifyTask(TaskChange{Kind: TaskCreated, TaskID: id})
	return id, nil
}

// SaveTask rewrites an existing task's payload.
func (d *Dispatcher) SaveTask(ctx context.Context, taskID int64, payload []byte) error {
	if err := d.store.Update(ctx, taskID, payload); err != nil {
		return err
	}
	d.observers.NotifyTask(TaskChange{Kind: TaskUpdated, TaskID: taskID})
	return nil
}

// DeleteTask signals cooperative abort to any worker currently running
// id, then deletes the task (and its events). Idempotent.
func (d *Dispatcher) DeleteTask(ctx context.Context, id int64) error {
	d.mu.Lock()
	for _, w := range d.workers {
		w.requestAbort(id)
	}
	d.mu.Unlock()

	if err := d.store.DeleteTask(ctx, id); err != nil {
		return err
	}
	d.observers.NotifyEvent(EventChange{Kind: EventDeleted, TaskID: ptr.To(id)})
	d.observers.NotifyTask(TaskChange{Kind: TaskDeleted, TaskID: id})
	return nil
}

// DeleteEvent deletes an event and lets CleanupOrphans run inside the
// Store.
func (d *Dispatcher) DeleteEvent(ctx context.Context, id int64) error {
	if err := d.store.DeleteEvent(ctx, id); err != nil {
		return err
	}
	d.observers.NotifyEvent(EventChange{Kind: EventDeleted, EventID: id})
	return nil
}

// CleanupOldEvents delegates to the Store; no Dispatcher-wide lock is
// held since the Store is internally transactional.
func (d *Dispatcher) CleanupOldEvents(ctx context.Context, daysOld int) error {
	return d.store.CleanupOldEvents(ctx, daysOld)
}

// CleanupOldTasks delegates to the Store.
func (d *Dispatcher) CleanupOldTasks(ctx context.Context, daysOld int) error {
	return d.store.CleanupOldTasks(ctx, daysOld)
}

// BringTaskToFront delegates to the Store under the Dispatcher mutex so
// the min-priority read and the write are atomic with respect to other
// priority mutations and NextTask.
func (d *Dispatcher) BringTaskToFront(ctx context.Context, id int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.store.BringTaskToFront(ctx, id)
}

// SendTaskToBack delegates to the Store under the Dispatcher mutex.
func (d *Dispatcher) SendTaskToBack(ctx context.Context, id int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.store.SendTaskToBack(ctx, id)
}

// StoreTaskEvent delegates to the Store and notifies EventCreated.
// Returns 0 without error if the task no longer exists.
func (d *Dispatcher) StoreTaskEvent(ctx context.Context, taskID int64, blob []byte, level string) (int64, error) {
	id, err := d.store.StoreTaskEvent(ctx, taskID, blob, level)
	if err != nil {
		return 0, err
	}
	if id != 0 {
		d.observers.NotifyEvent(EventChange{Kind: EventCreated, EventID: id, TaskID: ptr.To(taskID)})
	}
	return id, nil
}

// GetTasks returns a snapshot Cursor over the tasks() projection named
// by kind.
func (d *Dispatcher) GetTasks(ctx context.Context, kind CursorKind) (*Cursor[TaskView], error) {
	rows, err := d.store.Tasks(ctx, kind)
	if err != nil {
		return nil, err
	}
	return newCursor(rows), nil
}

// GetAllEvents returns a snapshot Cursor over every event, ordered by
// id ascending.
func (d *Dispatcher) GetAllEvents(ctx context.Context) (*Cursor[domain.Event], error) {
	rows, err := d.store.AllEvents(ctx)
	if err != nil {
		return nil, err
	}
	return newCursor(rows), nil
}

// GetTaskEvents returns a snapshot Cursor over one task's events,
// ordered by id ascending.
func (d *Dispatcher) GetTaskEvents(ctx context.Context, taskID int64) (*Cursor[domain.Event], error) {
	rows, err := d.store.EventsForTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return newCursor(rows), nil
}

// pollNextTask is called by a queueWorker's loop; it takes the
// Dispatcher mutex for the duration of the Store query, per spec.md
// §4.2's rationale: serializing NextTask against deletes, priority
// changes, and worker spawns is what makes "no more tasks => safe to
// terminate" race-free against a concurrent submit. When the queue is
// empty the polling worker is deregistered before the mutex is
// released, so a Submit that follows spawns a new worker instead of
// waking the one that is exiting.
func (d *Dispatcher) pollNextTask(ctx context.Context, queueName string) (*ScheduledTask, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sched, err := d.store.NextTask(ctx, queueName)
	if err == nil && sched == nil {
		// Only the registered worker for queueName polls it.
		delete(d.workers, queueName)
	}
	return sched, err
}

// spawnWorkerLocked creates and starts a worker for name. Caller must
// hold d.mu. The worker registers itself into d.workers before its
// goroutine starts, matching spec.md's "registers itself in its
// constructor under the same mutex".
func (d *Dispatcher) spawnWorkerLocked(ctx context.Context, name string) {
	w := newQueueWorker(name, d)
	d.workers[name] = w
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		w.run(ctx)
	}()
}

// queueTerminating is called by a worker's loop when it finds no more
// queued tasks. It compares identity so a freshly spawned successor
// worker for the same name is never erroneously removed.
func (d *Dispatcher) queueTerminating(w *queueWorker) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if current, ok := d.workers[w.name]; ok && current == w {
		delete(d.workers, w.name)
	}
}

// runOneTaskDefault is used when no WithTaskExecutor override is set:
// it requires the decoded payload to implement Runnable.
func (d *Dispatcher) runOneTaskDefault(ctx context.Context, taskID int64, payload any, abortRequested func() bool) (bool, error) {
	r, ok := payload.(Runnable)
	if !ok {
		return false, UnsupportedTaskError{TaskID: taskID}
	}
	return r.Run(ctx, abortRequested)
}

// Shutdown stops accepting new work (Submit returns an error
// afterwards) and waits until every worker goroutine has exited or ctx
// is done, whichever comes first. Workers exit when their queue is
// empty or when the context they were spawned with is cancelled;
// Shutdown does not cancel them. It does not close the Store.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}
