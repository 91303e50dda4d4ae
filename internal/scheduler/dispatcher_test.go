package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Grunthos/TaskQueue/internal/clock"
	"github.com/Grunthos/TaskQueue/internal/codec"
	"github.com/Grunthos/TaskQueue/internal/domain"
	"github.com/Grunthos/TaskQueue/internal/scheduler"
)

// changeRecorder collects task notifications under a mutex so tests
// can poll for a kind/taskID pair without racing the worker goroutine
// that produces them.
type changeRecorder struct {
	mu   sync.Mutex
	list []scheduler.TaskChange
}

func (r *changeRecorder) record(c scheduler.TaskChange) {
	r.mu.Lock()
	r.list = append(r.list, c)
	r.mu.Unlock()
}

func (r *changeRecorder) count(kind scheduler.ChangeKind, taskID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.list {
		if c.Kind == kind && c.TaskID == taskID {
			n++
		}
	}
	return n
}

// waitForCount blocks until at least n notifications of kind/taskID
// have been recorded, or fails the test after timeout.
func waitForCount(t *testing.T, r *changeRecorder, kind scheduler.ChangeKind, taskID int64, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if r.count(kind, taskID) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d notifications of kind %v for task %d (saw %d)", n, kind, taskID, r.count(kind, taskID))
}

// runResultPayload is a Runnable test payload whose outcome per
// invocation is supplied by a function, so tests can script multi-run
// behavior (fail-then-succeed, always-fail, block-until-signaled).
type runResultPayload struct {
	Label string
	run   func(ctx context.Context, abortRequested func() bool) (bool, error)
}

func (p *runResultPayload) Run(ctx context.Context, abortRequested func() bool) (bool, error) {
	return p.run(ctx, abortRequested)
}

func newTestCodec() *codec.JSON {
	c := codec.NewJSON()
	c.Register("run-result", func() any { return &runResultPayload{} })
	return c
}

// scriptedExecutor is installed as a WithTaskExecutor override keyed on
// task ID, since a runResultPayload's behavior (a func value) can't
// round-trip through codec.Decode - the envelope body is a placeholder
// and the real per-task behavior lives here instead.
type scriptedExecutor struct {
	mu      sync.Mutex
	scripts map[int64]func(ctx context.Context, abortRequested func() bool) (bool, error)
	runs    map[int64]int
}

func newScriptedExecutor() *scriptedExecutor {
	return &scriptedExecutor{
		scripts: make(map[int64]func(ctx context.Context, abortRequested func() bool) (bool, error)),
		runs:    make(map[int64]int),
	}
}

func (s *scriptedExecutor) set(taskID int64, fn func(ctx context.Context, abortRequested func() bool) (bool, error)) {
	s.mu.Lock()
	s.scripts[taskID] = fn
	s.mu.Unlock()
}

func (s *scriptedExecutor) runCount(taskID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[taskID]
}

// execute looks up the script for taskID, waiting briefly for the test
// goroutine to have registered one first - Submit spawns the worker
// goroutine immediately, so without this the worker can race ahead of
// a test's exec.set call.
func (s *scriptedExecutor) execute(ctx context.Context, taskID int64, abortRequested func() bool) (bool, error) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		fn := s.scripts[taskID]
		s.mu.Unlock()
		if fn != nil {
			s.mu.Lock()
			s.runs[taskID]++
			s.mu.Unlock()
			return fn(ctx, abortRequested)
		}
		time.Sleep(time.Millisecond)
	}
	s.mu.Lock()
	s.runs[taskID]++
	s.mu.Unlock()
	return false, nil
}

func newDispatcher(store scheduler.Store, rec *changeRecorder, exec *scriptedExecutor, retryLimit int, delay func(attempt int) time.Duration) *scheduler.Dispatcher {
	opts := []scheduler.Option{
		scheduler.WithTaskExecutor(func(ctx context.Context, taskID int64, payload any) (bool, error) {
			return exec.execute(ctx, taskID, func() bool { return false })
		}),
	}
	if delay != nil {
		opts = append(opts, scheduler.WithRetryPolicy(retryLimit, delay))
	}
	d := scheduler.NewDispatcher(store, newTestCodec(), opts...)
	d.Observers().RegisterTaskListener(rec.record)
	return d
}

func TestDispatcher_HappyPath(t *testing.T) {
	store := newMemStore(clock.Real{})
	rec := &changeRecorder{}
	exec := newScriptedExecutor()
	d := newDispatcher(store, rec, exec, domain.DefaultRetryLimit, nil)
	ctx := context.Background()

	taskID, err := d.Submit(ctx, "net", true, 0, []byte(`{"kind":"run-result","body":{}}`))
	require.NoError(t, err)

	exec.set(taskID, func(ctx context.Context, abortRequested func() bool) (bool, error) {
		time.Sleep(10 * time.Millisecond)
		return true, nil
	})

	waitForCount(t, rec, scheduler.TaskCompleted, taskID, 1, 2*time.Second)

	assert.Equal(t, 1, rec.count(scheduler.TaskCreated, taskID))
	assert.Equal(t, 1, rec.count(scheduler.TaskRunning, taskID))
	assert.Equal(t, 1, rec.count(scheduler.TaskCompleted, taskID))

	views, err := store.Tasks(ctx, scheduler.CursorAll)
	require.NoError(t, err)
	assert.Empty(t, views, "a succeeded task with no events is deleted, not just marked")
}

func TestDispatcher_RetryThenSuccess(t *testing.T) {
	store := newMemStore(clock.Real{})
	rec := &changeRecorder{}
	exec := newScriptedExecutor()
	delay := func(attempt int) time.Duration { return 5 * time.Millisecond }
	d := newDispatcher(store, rec, exec, 3, delay)
	ctx := context.Background()

	taskID, err := d.Submit(ctx, "net", true, 0, []byte(`{"kind":"run-result","body":{}}`))
	require.NoError(t, err)

	var mu sync.Mutex
	attempt := 0
	exec.set(taskID, func(ctx context.Context, abortRequested func() bool) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		attempt++
		return attempt >= 2, nil
	})

	waitForCount(t, rec, scheduler.TaskCompleted, taskID, 1, 2*time.Second)

	assert.Equal(t, 2, rec.count(scheduler.TaskRunning, taskID))
	assert.Equal(t, 1, rec.count(scheduler.TaskWaiting, taskID))

	views, err := store.Tasks(ctx, scheduler.CursorAll)
	require.NoError(t, err)
	assert.Empty(t, views)
}

func TestDispatcher_RetryExhaustion(t *testing.T) {
	store := newMemStore(clock.Real{})
	rec := &changeRecorder{}
	exec := newScriptedExecutor()
	delay := func(attempt int) time.Duration { return time.Millisecond }
	d := newDispatcher(store, rec, exec, 2, delay)
	ctx := context.Background()

	taskID, err := d.Submit(ctx, "net", true, 0, []byte(`{"kind":"run-result","body":{}}`))
	require.NoError(t, err)

	exec.set(taskID, func(ctx context.Context, abortRequested func() bool) (bool, error) {
		return false, nil
	})

	waitForCount(t, rec, scheduler.TaskCompleted, taskID, 1, 2*time.Second)

	views, err := store.Tasks(ctx, scheduler.CursorFailed)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, domain.StatusFailed, views[0].Task.Status)
	require.NotNil(t, views[0].Task.FailureReason)
	assert.Contains(t, *views[0].Task.FailureReason, "retry limit exceeded")
	assert.LessOrEqual(t, exec.runCount(taskID), 3, "runs must stop once the retry limit is exceeded")
}

func TestDispatcher_PriorityJump(t *testing.T) {
	store := newMemStore(clock.Real{})
	rec := &changeRecorder{}
	exec := newScriptedExecutor()
	ctx := context.Background()

	a, err := store.Enqueue(ctx, "net", true, 0, []byte(`{"kind":"run-result","body":{}}`))
	require.NoError(t, err)
	b, err := store.Enqueue(ctx, "net", true, 0, []byte(`{"kind":"run-result","body":{}}`))
	require.NoError(t, err)

	require.NoError(t, store.BringTaskToFront(ctx, b))

	var mu sync.Mutex
	var order []int64
	finish := func(id int64) func(ctx context.Context, abortRequested func() bool) (bool, error) {
		return func(ctx context.Context, abortRequested func() bool) (bool, error) {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return true, nil
		}
	}
	exec.set(a, finish(a))
	exec.set(b, finish(b))

	d := newDispatcher(store, rec, exec, domain.DefaultRetryLimit, nil)
	require.NoError(t, d.RecoverQueues(ctx))

	waitForCount(t, rec, scheduler.TaskCompleted, b, 1, 2*time.Second)
	waitForCount(t, rec, scheduler.TaskCompleted, a, 1, 2*time.Second)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 2)
	assert.Equal(t, b, order[0], "bringTaskToFront must make b run before a")
	assert.Equal(t, a, order[1])
}

func TestDispatcher_ConcurrentDelete(t *testing.T) {
	store := newMemStore(clock.Real{})
	rec := &changeRecorder{}
	exec := newScriptedExecutor()
	d := newDispatcher(store, rec, exec, domain.DefaultRetryLimit, nil)
	ctx := context.Background()

	taskID, err := d.Submit(ctx, "net", true, 0, []byte(`{"kind":"run-result","body":{}}`))
	require.NoError(t, err)

	release := make(chan struct{})
	exec.set(taskID, func(ctx context.Context, abortRequested func() bool) (bool, error) {
		<-release
		// Ignores abortRequested entirely and reports success anyway.
		return true, nil
	})

	waitForCount(t, rec, scheduler.TaskRunning, taskID, 1, 2*time.Second)

	require.NoError(t, d.DeleteTask(ctx, taskID))
	close(release)

	waitForCount(t, rec, scheduler.TaskDeleted, taskID, 1, 2*time.Second)
	waitForCount(t, rec, scheduler.TaskCompleted, taskID, 1, 2*time.Second)

	views, err := store.Tasks(ctx, scheduler.CursorAll)
	require.NoError(t, err)
	assert.Empty(t, views)
}

func TestDispatcher_DecodeFallback(t *testing.T) {
	store := newMemStore(clock.Real{})
	rec := &changeRecorder{}
	exec := newScriptedExecutor()
	d := newDispatcher(store, rec, exec, domain.DefaultRetryLimit, nil)
	ctx := context.Background()

	taskID, err := store.Enqueue(ctx, "net", true, 0, []byte("not a valid envelope"))
	require.NoError(t, err)

	require.NoError(t, d.RecoverQueues(ctx))

	waitForCount(t, rec, scheduler.TaskCompleted, taskID, 1, 2*time.Second)

	assert.Zero(t, exec.runCount(taskID), "a task that fails to decode must never reach user code")

	views, err := store.Tasks(ctx, scheduler.CursorFailed)
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.NotNil(t, views[0].Task.FailureReason)
	assert.Contains(t, *views[0].Task.FailureReason, "decode failure")
}
