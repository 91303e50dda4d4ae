package scheduler_test

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Grunthos/TaskQueue/internal/clock"
	"github.com/Grunthos/TaskQueue/internal/domain"
	"github.com/Grunthos/TaskQueue/internal/scheduler"
)

// memStore is a minimal in-memory scheduler.Store used only by this
// package's tests. The storage compliance suite (storagetest) exercises
// the real SQL-backed contract; this fake exists so dispatcher/worker
// tests can run the end-to-end scenarios without a database.
type memStore struct {
	mu     sync.Mutex
	clk    clock.Clock
	nextID int64
	queues map[string]int64
	tasks  map[int64]*domain.Task
	events map[int64]*domain.Event
}

func newMemStore(clk clock.Clock) *memStore {
	return &memStore{
		clk:    clk,
		queues: make(map[string]int64),
		tasks:  make(map[int64]*domain.Task),
		events: make(map[int64]*domain.Event),
	}
}

func (s *memStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *memStore) GetOrCreateQueue(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.queues[name]; ok {
		return id, nil
	}
	id := s.id()
	s.queues[name] = id
	return id, nil
}

func (s *memStore) Enqueue(ctx context.Context, queueName string, create bool, priority int, payload []byte) (int64, error) {
	s.mu.Lock()
	queueID, ok := s.queues[queueName]
	if !ok {
		if !create {
			s.mu.Unlock()
			return 0, domain.ErrUnknownQueue
		}
		queueID = s.id()
		s.queues[queueName] = queueID
	}

	now := s.clk.Now()
	id := s.id()
	s.tasks[id] = &domain.Task{
		ID: id, QueueID: queueID, QueuedAt: now, Priority: priority,
		Status: domain.StatusQueued, RetryAt: now, RetryCount: 0, PayloadBlob: payload,
	}
	s.mu.Unlock()
	return id, nil
}

func (s *memStore) NextTask(ctx context.Context, queueName string) (*scheduler.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queueID, ok := s.queues[queueName]
	if !ok {
		return nil, nil
	}
	now := s.clk.Now()

	var eligible []*domain.Task
	var future []*domain.Task
	for _, t := range s.tasks {
		if t.QueueID != queueID || t.Status != domain.StatusQueued {
			continue
		}
		if !t.RetryAt.After(now) {
			eligible = append(eligible, t)
		} else {
			future = append(future, t)
		}
	}

	if len(eligible) > 0 {
		sort.Slice(eligible, func(i, j int) bool {
			if eligible[i].Priority != eligible[j].Priority {
				return eligible[i].Priority < eligible[j].Priority
			}
			if !eligible[i].RetryAt.Equal(eligible[j].RetryAt) {
				return eligible[i].RetryAt.Before(eligible[j].RetryAt)
			}
			return eligible[i].ID < eligible[j].ID
		})
		cp := *eligible[0]
		return &scheduler.ScheduledTask{Task: &cp, Wait: 0}, nil
	}

	if len(future) > 0 {
		sort.Slice(future, func(i, j int) bool {
			if !future[i].RetryAt.Equal(future[j].RetryAt) {
				return future[i].RetryAt.Before(future[j].RetryAt)
			}
			if future[i].Priority != future[j].Priority {
				return future[i].Priority < future[j].Priority
			}
			return future[i].ID < future[j].ID
		})
		cp := *future[0]
		wait := cp.RetryAt.Sub(now)
		if wait < 0 {
			wait = 0
		}
		return &scheduler.ScheduledTask{Task: &cp, Wait: wait}, nil
	}

	return nil, nil
}

func (s *memStore) MarkSuccess(ctx context.Context, taskID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil
	}
	if s.countEventsLocked(taskID) == 0 {
		delete(s.tasks, taskID)
		return nil
	}
	t.Status = domain.StatusSucceeded
	return nil
}

func (s *memStore) countEventsLocked(taskID int64) int {
	n := 0
	for _, e := range s.events {
		if e.TaskID != nil && *e.TaskID == taskID {
			n++
		}
	}
	return n
}

func (s *memStore) MarkRequeue(ctx context.Context, taskID int64, retryLimit int, delay func(attempt int) time.Duration, payload []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return false, nil
	}
	if t.RetryCount >= retryLimit {
		reason := "retry limit exceeded"
		t.Status = domain.StatusFailed
		t.FailureReason = &reason
		t.PayloadBlob = payload
		return true, nil
	}
	t.RetryAt = s.clk.Now().Add(delay(t.RetryCount))
	t.RetryCount++
	t.PayloadBlob = payload
	return false, nil
}

func (s *memStore) ClaimTask(ctx context.Context, taskID int64, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil
	}
	now := s.clk.Now()
	t.WorkerID = &workerID
	t.ClaimedAt = &now
	return nil
}

func (s *memStore) MarkFailure(ctx context.Context, taskID int64, reason string, exceptionBlob, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil
	}
	t.Status = domain.StatusFailed
	t.FailureReason = &reason
	t.ExceptionBlob = exceptionBlob
	t.PayloadBlob = payload
	return nil
}

func (s *memStore) Update(ctx context.Context, taskID int64, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[taskID]; ok {
		t.PayloadBlob = payload
	}
	return nil
}

func (s *memStore) StoreTaskEvent(ctx context.Context, taskID int64, blob []byte, level string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[taskID]; !ok {
		return 0, nil
	}
	id := s.id()
	tid := taskID
	s.events[id] = &domain.Event{ID: id, TaskID: &tid, EventBlob: blob, EventAt: s.clk.Now(), Level: level}
	return id, nil
}

func (s *memStore) StoreEvent(ctx context.Context, blob []byte, level string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.id()
	s.events[id] = &domain.Event{ID: id, EventBlob: blob, EventAt: s.clk.Now(), Level: level}
	return id, nil
}

func (s *memStore) DeleteTask(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for eid, e := range s.events {
		if e.TaskID != nil && *e.TaskID == id {
			delete(s.events, eid)
		}
	}
	delete(s.tasks, id)
	return nil
}

func (s *memStore) DeleteEvent(ctx context.Context, id int64) error {
	s.mu.Lock()
	delete(s.events, id)
	s.mu.Unlock()
	return s.CleanupOrphans(ctx)
}

func (s *memStore) CleanupOldTasks(ctx context.Context, daysOld int) error {
	s.mu.Lock()
	cutoff := s.clk.Now().AddDate(0, 0, -daysOld)
	for id, t := range s.tasks {
		if t.RetryAt.Before(cutoff) {
			delete(s.tasks, id)
		}
	}
	s.mu.Unlock()
	return s.CleanupOrphans(ctx)
}

func (s *memStore) CleanupOldEvents(ctx context.Context, daysOld int) error {
	s.mu.Lock()
	cutoff := s.clk.Now().AddDate(0, 0, -daysOld)
	for id, e := range s.events {
		if e.EventAt.Before(cutoff) {
			delete(s.events, id)
		}
	}
	s.mu.Unlock()
	return s.CleanupOrphans(ctx)
}

func (s *memStore) CleanupOrphans(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.events {
		if e.TaskID != nil {
			if _, ok := s.tasks[*e.TaskID]; !ok {
				delete(s.events, id)
			}
		}
	}
	for id, t := range s.tasks {
		if t.Status == domain.StatusSucceeded && s.countEventsLocked(id) == 0 {
			delete(s.tasks, id)
		}
	}
	return nil
}

func (s *memStore) BringTaskToFront(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	min := 0
	first := true
	for _, t := range s.tasks {
		if t.Status != domain.StatusQueued {
			continue
		}
		if first || t.Priority < min {
			min = t.Priority
			first = false
		}
	}
	if t, ok := s.tasks[id]; ok {
		t.Priority = min - 1
	}
	return nil
}

func (s *memStore) SendTaskToBack(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	max := 0
	first := true
	for _, t := range s.tasks {
		if t.Status != domain.StatusQueued {
			continue
		}
		if first || t.Priority > max {
			max = t.Priority
			first = false
		}
	}
	if t, ok := s.tasks[id]; ok {
		t.Priority = max + 1
	}
	return nil
}

func (s *memStore) GetAllQueues(ctx context.Context) ([]domain.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Queue, 0, len(s.queues))
	for name, id := range s.queues {
		out = append(out, domain.Queue{ID: id, Name: name})
	}
	return out, nil
}

func (s *memStore) Tasks(ctx context.Context, kind scheduler.CursorKind) ([]scheduler.TaskView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []scheduler.TaskView
	for _, t := range s.tasks {
		switch kind {
		case scheduler.CursorFailed:
			if t.Status != domain.StatusFailed {
				continue
			}
		case scheduler.CursorActive:
			if t.Status == domain.StatusSucceeded {
				continue
			}
		case scheduler.CursorQueued:
			if t.Status != domain.StatusQueued {
				continue
			}
		}
		cp := *t
		out = append(out, scheduler.TaskView{Task: cp, EventCount: s.countEventsLocked(t.ID)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Task.ID > out[j].Task.ID })
	return out, nil
}

func (s *memStore) EventsForTask(ctx context.Context, taskID int64) ([]domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Event
	for _, e := range s.events {
		if e.TaskID != nil && *e.TaskID == taskID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) AllEvents(ctx context.Context) ([]domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Event, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

var _ scheduler.Store = (*memStore)(nil)
