// Package storagetest is a shared behavioral test battery run against
// every scheduler.Store backend, mirroring the teacher's
// internal/storage/compliance.RunStorageComplianceTest pattern: one
// function, one set of subtests, any number of backends.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Grunthos/TaskQueue/internal/domain"
	"github.com/Grunthos/TaskQueue/internal/scheduler"
)

// RunStoreComplianceTest runs spec.md §8's invariants and boundary
// behaviors against a Store implementation. setup returns a fresh
// store and a teardown func, called once per subtest so subtests never
// see each other's rows.
func RunStoreComplianceTest(t *testing.T, setup func() (scheduler.Store, func())) {
	ctx := context.Background()

	t.Run("EnqueueAssignsDefaults", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()

		id, err := store.Enqueue(ctx, "net", true, 0, []byte("payload"))
		require.NoError(t, err)
		require.NotZero(t, id)

		views, err := store.Tasks(ctx, scheduler.CursorAll)
		require.NoError(t, err)
		require.Len(t, views, 1)
		assert.Equal(t, domain.StatusQueued, views[0].Task.Status)
		assert.Equal(t, 0, views[0].Task.RetryCount)
		assert.Equal(t, 0, views[0].EventCount)
	})

	t.Run("EnqueueUnknownQueueWithoutCreateFails", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()

		_, err := store.Enqueue(ctx, "does-not-exist", false, 0, []byte("payload"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrUnknownQueue))
	})

	t.Run("MarkSuccessDeletesTaskWithNoEvents", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()

		id, err := store.Enqueue(ctx, "net", true, 0, []byte("payload"))
		require.NoError(t, err)

		require.NoError(t, store.MarkSuccess(ctx, id))

		views, err := store.Tasks(ctx, scheduler.CursorAll)
		require.NoError(t, err)
		assert.Empty(t, views)
	})

	t.Run("MarkSuccessKeepsTaskWithEvents", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()

		id, err := store.Enqueue(ctx, "net", true, 0, []byte("payload"))
		require.NoError(t, err)

		eventID, err := store.StoreTaskEvent(ctx, id, []byte("log line"), "info")
		require.NoError(t, err)
		require.NotZero(t, eventID)

		require.NoError(t, store.MarkSuccess(ctx, id))

		views, err := store.Tasks(ctx, scheduler.CursorAll)
		require.NoError(t, err)
		require.Len(t, views, 1)
		assert.Equal(t, domain.StatusSucceeded, views[0].Task.Status)
		assert.Equal(t, 1, views[0].EventCount)
	})

	t.Run("MarkFailureSetsFailedStatusAndReason", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()

		id, err := store.Enqueue(ctx, "net", true, 0, []byte("payload"))
		require.NoError(t, err)

		require.NoError(t, store.MarkFailure(ctx, id, "boom", []byte("stack"), []byte("payload")))

		failed, err := store.Tasks(ctx, scheduler.CursorFailed)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, domain.StatusFailed, failed[0].Task.Status)
		require.NotNil(t, failed[0].Task.FailureReason)
		assert.Equal(t, "boom", *failed[0].Task.FailureReason)
	})

	t.Run("MarkRequeueIncrementsRetryCountAndDelaysRetryAt", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()

		id, err := store.Enqueue(ctx, "net", true, 0, []byte("payload"))
		require.NoError(t, err)

		delay := func(attempt int) time.Duration { return time.Hour }
		failed, err := store.MarkRequeue(ctx, id, 3, delay, []byte("payload-v2"))
		require.NoError(t, err)
		assert.False(t, failed)

		views, err := store.Tasks(ctx, scheduler.CursorAll)
		require.NoError(t, err)
		require.Len(t, views, 1)
		assert.Equal(t, 1, views[0].Task.RetryCount)
		assert.Equal(t, domain.StatusQueued, views[0].Task.Status)
		assert.True(t, views[0].Task.RetryAt.After(time.Now()))
	})

	t.Run("MarkRequeueExceedingLimitFails", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()

		id, err := store.Enqueue(ctx, "net", true, 0, []byte("payload"))
		require.NoError(t, err)

		delay := func(attempt int) time.Duration { return 0 }
		// retryLimit=0 means the very first requeue attempt is already
		// at the limit.
		failed, err := store.MarkRequeue(ctx, id, 0, delay, []byte("payload"))
		require.NoError(t, err)
		assert.True(t, failed)

		views, err := store.Tasks(ctx, scheduler.CursorFailed)
		require.NoError(t, err)
		require.Len(t, views, 1)
		assert.Equal(t, domain.StatusFailed, views[0].Task.Status)
	})

	t.Run("NextTaskOrdersByPriorityThenRetryAtThenID", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()

		a, err := store.Enqueue(ctx, "net", true, 0, []byte("a"))
		require.NoError(t, err)
		b, err := store.Enqueue(ctx, "net", true, 0, []byte("b"))
		require.NoError(t, err)
		_ = a

		sched, err := store.NextTask(ctx, "net")
		require.NoError(t, err)
		require.NotNil(t, sched)
		assert.Zero(t, sched.Wait)
		assert.Equal(t, a, sched.Task.ID, "equal priority/retry_at ties break on smallest id")
		_ = b
	})

	t.Run("BringTaskToFrontReordersNextTask", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()

		a, err := store.Enqueue(ctx, "net", true, 0, []byte("a"))
		require.NoError(t, err)
		b, err := store.Enqueue(ctx, "net", true, 0, []byte("b"))
		require.NoError(t, err)

		require.NoError(t, store.BringTaskToFront(ctx, b))

		sched, err := store.NextTask(ctx, "net")
		require.NoError(t, err)
		require.NotNil(t, sched)
		assert.Equal(t, b, sched.Task.ID)
		_ = a
	})

	t.Run("NextTaskReturnsWaitForFutureTask", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()

		id, err := store.Enqueue(ctx, "net", true, 0, []byte("payload"))
		require.NoError(t, err)

		delay := func(attempt int) time.Duration { return time.Hour }
		_, err = store.MarkRequeue(ctx, id, 5, delay, []byte("payload"))
		require.NoError(t, err)

		sched, err := store.NextTask(ctx, "net")
		require.NoError(t, err)
		require.NotNil(t, sched)
		assert.Equal(t, id, sched.Task.ID)
		assert.Greater(t, sched.Wait, time.Duration(0))
	})

	t.Run("NextTaskNoneWhenQueueEmpty", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()

		_, err := store.GetOrCreateQueue(ctx, "empty")
		require.NoError(t, err)

		sched, err := store.NextTask(ctx, "empty")
		require.NoError(t, err)
		assert.Nil(t, sched)
	})

	t.Run("DeleteTaskCascadesEvents", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()

		id, err := store.Enqueue(ctx, "net", true, 0, []byte("payload"))
		require.NoError(t, err)
		eventID, err := store.StoreTaskEvent(ctx, id, []byte("line"), "info")
		require.NoError(t, err)
		require.NotZero(t, eventID)

		require.NoError(t, store.DeleteTask(ctx, id))

		events, err := store.AllEvents(ctx)
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("DeleteTaskIsIdempotent", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()

		id, err := store.Enqueue(ctx, "net", true, 0, []byte("payload"))
		require.NoError(t, err)

		require.NoError(t, store.DeleteTask(ctx, id))
		require.NoError(t, store.DeleteTask(ctx, id))
	})

	t.Run("StoreTaskEventOnGoneTaskReturnsZero", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()

		id, err := store.Enqueue(ctx, "net", true, 0, []byte("payload"))
		require.NoError(t, err)
		require.NoError(t, store.DeleteTask(ctx, id))

		eventID, err := store.StoreTaskEvent(ctx, id, []byte("too late"), "info")
		require.NoError(t, err)
		assert.Zero(t, eventID)
	})

	t.Run("CleanupOrphansRemovesOrphanEventsAndEventlessSucceeded", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()

		freeID, err := store.StoreEvent(ctx, []byte("free-standing"), "info")
		require.NoError(t, err)
		require.NotZero(t, freeID)

		id, err := store.Enqueue(ctx, "net", true, 0, []byte("payload"))
		require.NoError(t, err)
		eventID, err := store.StoreTaskEvent(ctx, id, []byte("line"), "info")
		require.NoError(t, err)
		require.NoError(t, store.MarkSuccess(ctx, id)) // has an event, so status='S'

		// Delete the event out from under the succeeded task directly,
		// simulating an orphan, then ask for cleanup.
		require.NoError(t, store.DeleteEvent(ctx, eventID))

		require.NoError(t, store.CleanupOrphans(ctx))

		views, err := store.Tasks(ctx, scheduler.CursorAll)
		require.NoError(t, err)
		assert.Empty(t, views, "a succeeded task with zero remaining events must be cleaned up")
	})

	t.Run("MarkOnDeletedTaskIsNoOp", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()

		id, err := store.Enqueue(ctx, "net", true, 0, []byte("payload"))
		require.NoError(t, err)
		require.NoError(t, store.DeleteTask(ctx, id))

		assert.NoError(t, store.MarkSuccess(ctx, id))
		assert.NoError(t, store.MarkFailure(ctx, id, "late", nil, []byte("payload")))
		_, err = store.MarkRequeue(ctx, id, 5, domain.DefaultRetryDelay, []byte("payload"))
		assert.NoError(t, err)
	})

	t.Run("ClaimTaskStampsWorkerIDAndClaimedAt", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()

		id, err := store.Enqueue(ctx, "net", true, 0, []byte("payload"))
		require.NoError(t, err)

		require.NoError(t, store.ClaimTask(ctx, id, "worker-7"))

		views, err := store.Tasks(ctx, scheduler.CursorAll)
		require.NoError(t, err)
		require.Len(t, views, 1)
		require.NotNil(t, views[0].Task.WorkerID)
		assert.Equal(t, "worker-7", *views[0].Task.WorkerID)
		assert.NotNil(t, views[0].Task.ClaimedAt)
	})

	t.Run("ClaimTaskOnDeletedTaskIsNoOp", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()

		id, err := store.Enqueue(ctx, "net", true, 0, []byte("payload"))
		require.NoError(t, err)
		require.NoError(t, store.DeleteTask(ctx, id))

		assert.NoError(t, store.ClaimTask(ctx, id, "worker-7"))
	})

	t.Run("GetAllQueuesListsEveryQueue", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()

		_, err := store.GetOrCreateQueue(ctx, "net")
		require.NoError(t, err)
		_, err = store.GetOrCreateQueue(ctx, "disk")
		require.NoError(t, err)

		queues, err := store.GetAllQueues(ctx)
		require.NoError(t, err)
		names := make(map[string]bool, len(queues))
		for _, q := range queues {
			names[q.Name] = true
		}
		assert.True(t, names["net"])
		assert.True(t, names["disk"])
	})
}
