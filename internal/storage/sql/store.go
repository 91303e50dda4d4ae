package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/Grunthos/TaskQueue/internal/clock"
	"github.com/Grunthos/TaskQueue/internal/domain"
	"github.com/Grunthos/TaskQueue/internal/scheduler"
)

// Store implements scheduler.Store over database/sql, against either
// modernc.org/sqlite or github.com/jackc/pgx/v5/stdlib. It holds no
// sqlc-generated query layer - the original monorepo generated one
// from a .sql query file this retrieval pack does not include, so
// queries here are hand-written, following the same
// transaction-then-wrap-error shape as the teacher's repository.go.
type Store struct {
	db     *sql.DB
	driver string
	clk    clock.Clock
}

// NewStoreFromDB wraps an already-open, already-migrated *sql.DB.
// NewStore (connection.go) is the usual entry point; this is exposed
// separately for tests that want an in-memory SQLite handle they
// migrated themselves.
func NewStoreFromDB(db *sql.DB, driver string, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{db: db, driver: driver, clk: clk}
}

// DB returns the underlying connection pool, mainly for tests that
// want to assert on raw row counts.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database connection. Callers that built the Store
// via NewStore own this; the Dispatcher never calls it.
func (s *Store) Close() error { return s.db.Close() }

// rebind rewrites "?" placeholders to "$1", "$2", ... for the pgx
// driver; left untouched for sqlite, which accepts "?" natively.
func (s *Store) rebind(query string) string {
	if s.driver != "pgx" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		t             domain.Task
		failureReason sql.NullString
		exceptionBlob []byte
		workerID      sql.NullString
		claimedAt     sql.NullTime
	)
	err := row.Scan(
		&t.ID, &t.QueueID, &t.QueuedAt, &t.Priority, &t.Status, &t.RetryAt, &t.RetryCount,
		&failureReason, &exceptionBlob, &t.PayloadBlob, &workerID, &claimedAt,
	)
	if err != nil {
		return nil, err
	}
	if failureReason.Valid {
		t.FailureReason = &failureReason.String
	}
	t.ExceptionBlob = exceptionBlob
	if workerID.Valid {
		t.WorkerID = &workerID.String
	}
	if claimedAt.Valid {
		t.ClaimedAt = &claimedAt.Time
	}
	return &t, nil
}

func scanTaskWithEventCount(row rowScanner) (scheduler.TaskView, error) {
	var (
		t             domain.Task
		failureReason sql.NullString
		exceptionBlob []byte
		workerID      sql.NullString
		claimedAt     sql.NullTime
		eventCount    int
	)
	err := row.Scan(
		&t.ID, &t.QueueID, &t.QueuedAt, &t.Priority, &t.Status, &t.RetryAt, &t.RetryCount,
		&failureReason, &exceptionBlob, &t.PayloadBlob, &workerID, &claimedAt, &eventCount,
	)
	if err != nil {
		return scheduler.TaskView{}, err
	}
	if failureReason.Valid {
		t.FailureReason = &failureReason.String
	}
	t.ExceptionBlob = exceptionBlob
	if workerID.Valid {
		t.WorkerID = &workerID.String
	}
	if claimedAt.Valid {
		t.ClaimedAt = &claimedAt.Time
	}
	return scheduler.TaskView{Task: t, EventCount: eventCount}, nil
}

func scanEvent(row rowScanner) (domain.Event, error) {
	var (
		e      domain.Event
		taskID sql.NullInt64
	)
	if err := row.Scan(&e.ID, &taskID, &e.EventBlob, &e.EventAt, &e.Level); err != nil {
		return domain.Event{}, err
	}
	if taskID.Valid {
		e.TaskID = &taskID.Int64
	}
	return e, nil
}

const taskColumns = `id, queue_id, queued_at, priority, status, retry_at, retry_count,
	failure_reason, exception_blob, payload_blob, worker_id, claimed_at`

// GetOrCreateQueue inserts the queue if absent; idempotent, and race
// safe against a concurrent GetOrCreateQueue for the same name.
func (s *Store) GetOrCreateQueue(ctx context.Context, name string) (int64, error) {
	if name == "" {
		return 0, domain.ErrQueueNameRequired
	}

	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT id FROM queue WHERE name = ?`), name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("scheduler/sql: get queue: %w", err)
	}

	err = s.db.QueryRowContext(ctx, s.rebind(`INSERT INTO queue (name) VALUES (?) RETURNING id`), name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if isUniqueViolation(err) {
		if err2 := s.db.QueryRowContext(ctx, s.rebind(`SELECT id FROM queue WHERE name = ?`), name).Scan(&id); err2 == nil {
			return id, nil
		}
	}
	return 0, fmt.Errorf("scheduler/sql: create queue: %w", err)
}

// Enqueue persists payload under queueName and returns the new task id.
func (s *Store) Enqueue(ctx context.Context, queueName string, create bool, priority int, payload []byte) (int64, error) {
	var queueID int64
	if create {
		id, err := s.GetOrCreateQueue(ctx, queueName)
		if err != nil {
			return 0, err
		}
		queueID = id
	} else {
		err := s.db.QueryRowContext(ctx, s.rebind(`SELECT id FROM queue WHERE name = ?`), queueName).Scan(&queueID)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, domain.ErrUnknownQueue
		}
		if err != nil {
			return 0, fmt.Errorf("scheduler/sql: lookup queue: %w", err)
		}
	}

	now := s.clk.Now().UTC()
	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(`
		INSERT INTO task (queue_id, queued_at, priority, status, retry_at, retry_count, payload_blob)
		VALUES (?, ?, ?, 'Q', ?, 0, ?)
		RETURNING id`), queueID, now, priority, now, payload).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("scheduler/sql: enqueue: %w", err)
	}
	return id, nil
}

// NextTask implements spec.md §4.1's two-phase eligible-now/soonest-future
// query under a single read.
func (s *Store) NextTask(ctx context.Context, queueName string) (*scheduler.ScheduledTask, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("scheduler/sql: next task: begin tx: %w", err)
	}
	defer tx.Rollback()

	var queueID int64
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT id FROM queue WHERE name = ?`), queueName).Scan(&queueID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scheduler/sql: next task: lookup queue: %w", err)
	}

	now := s.clk.Now().UTC()

	eligibleNow := tx.QueryRowContext(ctx, s.rebind(fmt.Sprintf(`
		SELECT %s FROM task
		WHERE queue_id = ? AND status = 'Q' AND retry_at <= ?
		ORDER BY priority ASC, retry_at ASC, id ASC
		LIMIT 1`, taskColumns)), queueID, now)
	if t, err := scanTask(eligibleNow); err == nil {
		return &scheduler.ScheduledTask{Task: t, Wait: 0}, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("scheduler/sql: next task: eligible-now query: %w", err)
	}

	soonestFuture := tx.QueryRowContext(ctx, s.rebind(fmt.Sprintf(`
		SELECT %s FROM task
		WHERE queue_id = ? AND status = 'Q' AND retry_at > ?
		ORDER BY retry_at ASC, priority ASC, id ASC
		LIMIT 1`, taskColumns)), queueID, now)
	t, err := scanTask(soonestFuture)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scheduler/sql: next task: soonest-future query: %w", err)
	}

	wait := t.RetryAt.Sub(now)
	if wait < 0 {
		wait = 0
	}
	return &scheduler.ScheduledTask{Task: t, Wait: wait}, nil
}

// MarkSuccess deletes the task if it has no events, else sets status='S'.
func (s *Store) MarkSuccess(ctx context.Context, taskID int64) error {
	var count int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM event WHERE task_id = ?`), taskID).Scan(&count)
	if err != nil {
		return fmt.Errorf("scheduler/sql: mark success: count events: %w", err)
	}

	if count == 0 {
		if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM task WHERE id = ?`), taskID); err != nil {
			return fmt.Errorf("scheduler/sql: mark success: delete: %w", err)
		}
		return nil
	}

	if _, err := s.db.ExecContext(ctx, s.rebind(`UPDATE task SET status = 'S' WHERE id = ?`), taskID); err != nil {
		return fmt.Errorf("scheduler/sql: mark success: update: %w", err)
	}
	return nil
}

func (s *Store) markFailureTx(ctx context.Context, tx *sql.Tx, taskID int64, reason string, exceptionBlob, payload []byte) error {
	_, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE task SET status = 'F', failure_reason = ?, exception_blob = ?, payload_blob = ?
		WHERE id = ?`), reason, exceptionBlob, payload, taskID)
	if err != nil {
		return fmt.Errorf("scheduler/sql: mark failure: %w", err)
	}
	return nil
}

// MarkFailure sets status='F' and persists reason/exception/payload. A
// no-op if the task has been deleted concurrently.
func (s *Store) MarkFailure(ctx context.Context, taskID int64, reason string, exceptionBlob, payload []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("scheduler/sql: mark failure: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.markFailureTx(ctx, tx, taskID, reason, exceptionBlob, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkRequeue reads retry_count; once it has reached retryLimit it
// delegates to markFailure with "retry limit exceeded", else it
// advances retry_at by delay(retry_count) and increments retry_count.
func (s *Store) MarkRequeue(ctx context.Context, taskID int64, retryLimit int, delay func(attempt int) time.Duration, payload []byte) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("scheduler/sql: mark requeue: begin tx: %w", err)
	}
	defer tx.Rollback()

	var retryCount int
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT retry_count FROM task WHERE id = ?`), taskID).Scan(&retryCount)
	if errors.Is(err, sql.ErrNoRows) {
		return false, tx.Commit()
	}
	if err != nil {
		return false, fmt.Errorf("scheduler/sql: mark requeue: read retry_count: %w", err)
	}

	if retryCount >= retryLimit {
		reason := "retry limit exceeded"
		if err := s.markFailureTx(ctx, tx, taskID, reason, nil, payload); err != nil {
			return false, err
		}
		return true, tx.Commit()
	}

	now := s.clk.Now().UTC()
	retryAt := now.Add(delay(retryCount))
	_, err = tx.ExecContext(ctx, s.rebind(`
		UPDATE task SET retry_at = ?, retry_count = ?, payload_blob = ? WHERE id = ?`),
		retryAt, retryCount+1, payload, taskID)
	if err != nil {
		return false, fmt.Errorf("scheduler/sql: mark requeue: update: %w", err)
	}
	return false, tx.Commit()
}

// ClaimTask stamps worker_id/claimed_at on a task about to run. A
// no-op if the row has been deleted concurrently.
func (s *Store) ClaimTask(ctx context.Context, taskID int64, workerID string) error {
	now := s.clk.Now().UTC()
	if _, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE task SET worker_id = ?, claimed_at = ? WHERE id = ?`), workerID, now, taskID); err != nil {
		return fmt.Errorf("scheduler/sql: claim task: %w", err)
	}
	return nil
}

// Update rewrites an existing task's payload blob. A no-op if the row
// has been deleted.
func (s *Store) Update(ctx context.Context, taskID int64, payload []byte) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`UPDATE task SET payload_blob = ? WHERE id = ?`), payload, taskID); err != nil {
		return fmt.Errorf("scheduler/sql: update: %w", err)
	}
	return nil
}

// StoreTaskEvent verifies the task still exists before inserting;
// returns (0, nil) without inserting if it does not.
func (s *Store) StoreTaskEvent(ctx context.Context, taskID int64, blob []byte, level string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("scheduler/sql: store task event: begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM task WHERE id = ?`), taskID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, tx.Commit()
	}
	if err != nil {
		return 0, fmt.Errorf("scheduler/sql: store task event: check task: %w", err)
	}

	if level == "" {
		level = "info"
	}
	now := s.clk.Now().UTC()
	var id int64
	err = tx.QueryRowContext(ctx, s.rebind(`
		INSERT INTO event (task_id, event_blob, event_at, level) VALUES (?, ?, ?, ?)
		RETURNING id`), taskID, blob, now, level).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("scheduler/sql: store task event: insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("scheduler/sql: store task event: commit: %w", err)
	}
	return id, nil
}

// StoreEvent inserts a free-standing event (task_id IS NULL).
func (s *Store) StoreEvent(ctx context.Context, blob []byte, level string) (int64, error) {
	if level == "" {
		level = "info"
	}
	now := s.clk.Now().UTC()
	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(`
		INSERT INTO event (task_id, event_blob, event_at, level) VALUES (NULL, ?, ?, ?)
		RETURNING id`), blob, now, level).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("scheduler/sql: store event: %w", err)
	}
	return id, nil
}

// DeleteTask deletes a task's events, then the task. Idempotent.
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("scheduler/sql: delete task: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM event WHERE task_id = ?`), id); err != nil {
		return fmt.Errorf("scheduler/sql: delete task: delete events: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM task WHERE id = ?`), id); err != nil {
		return fmt.Errorf("scheduler/sql: delete task: delete task: %w", err)
	}
	return tx.Commit()
}

// DeleteEvent deletes the event, then runs CleanupOrphans.
func (s *Store) DeleteEvent(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM event WHERE id = ?`), id); err != nil {
		return fmt.Errorf("scheduler/sql: delete event: %w", err)
	}
	return s.CleanupOrphans(ctx)
}

// CleanupOldTasks deletes tasks whose retry_at predates the cutoff,
// then runs CleanupOrphans, aggregating any partial failures.
func (s *Store) CleanupOldTasks(ctx context.Context, daysOld int) error {
	cutoff := s.clk.Now().UTC().AddDate(0, 0, -daysOld)
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM task WHERE retry_at < ?`), cutoff)
	if err != nil {
		err = fmt.Errorf("scheduler/sql: cleanup old tasks: %w", err)
	}
	return multierr.Append(err, s.CleanupOrphans(ctx))
}

// CleanupOldEvents deletes events whose event_at predates the cutoff,
// then runs CleanupOrphans, aggregating any partial failures.
func (s *Store) CleanupOldEvents(ctx context.Context, daysOld int) error {
	cutoff := s.clk.Now().UTC().AddDate(0, 0, -daysOld)
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM event WHERE event_at < ?`), cutoff)
	if err != nil {
		err = fmt.Errorf("scheduler/sql: cleanup old events: %w", err)
	}
	return multierr.Append(err, s.CleanupOrphans(ctx))
}

// CleanupOrphans deletes orphaned events and eventless succeeded
// tasks. Both deletes are attempted even if one fails, and failures
// are combined with multierr so a caller sees every row that could not
// be cleaned up rather than only the first.
func (s *Store) CleanupOrphans(ctx context.Context) error {
	_, err1 := s.db.ExecContext(ctx, `
		DELETE FROM event WHERE task_id IS NOT NULL AND task_id NOT IN (SELECT id FROM task)`)
	_, err2 := s.db.ExecContext(ctx, `
		DELETE FROM task WHERE status = 'S' AND id NOT IN (
			SELECT DISTINCT task_id FROM event WHERE task_id IS NOT NULL)`)

	var errs error
	if err1 != nil {
		errs = multierr.Append(errs, fmt.Errorf("scheduler/sql: cleanup orphan events: %w", err1))
	}
	if err2 != nil {
		errs = multierr.Append(errs, fmt.Errorf("scheduler/sql: cleanup eventless succeeded tasks: %w", err2))
	}
	return errs
}

func (s *Store) reprioritize(ctx context.Context, id int64, aggregate string, delta int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("scheduler/sql: reprioritize: begin tx: %w", err)
	}
	defer tx.Rollback()

	// aggregate is one of the two literals passed by BringTaskToFront/
	// SendTaskToBack below, never caller input.
	query := fmt.Sprintf(`SELECT %s(priority) FROM task WHERE status = 'Q'`, aggregate)
	var boundary sql.NullInt64
	if err := tx.QueryRowContext(ctx, query).Scan(&boundary); err != nil {
		return fmt.Errorf("scheduler/sql: reprioritize: read boundary: %w", err)
	}

	newPriority := delta
	if boundary.Valid {
		newPriority = int(boundary.Int64) + delta
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE task SET priority = ? WHERE id = ?`), newPriority, id); err != nil {
		return fmt.Errorf("scheduler/sql: reprioritize: update: %w", err)
	}
	return tx.Commit()
}

// BringTaskToFront sets priority to min(queued priorities) - 1.
func (s *Store) BringTaskToFront(ctx context.Context, id int64) error {
	return s.reprioritize(ctx, id, "MIN", -1)
}

// SendTaskToBack sets priority to max(queued priorities) + 1.
func (s *Store) SendTaskToBack(ctx context.Context, id int64) error {
	return s.reprioritize(ctx, id, "MAX", 1)
}

// GetAllQueues enumerates every queue row, for the Dispatcher's startup
// recovery pass.
func (s *Store) GetAllQueues(ctx context.Context) ([]domain.Queue, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM queue ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("scheduler/sql: get all queues: %w", err)
	}
	defer rows.Close()

	var out []domain.Queue
	for rows.Next() {
		var q domain.Queue
		if err := rows.Scan(&q.ID, &q.Name); err != nil {
			return nil, fmt.Errorf("scheduler/sql: get all queues: scan: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// Tasks runs the named projection from spec.md §4.5, with a computed
// event_count aggregate, ordered by id descending. The Failed kind
// filters on status='F' - spec.md §9's open question resolution: 'F'
// is the code markFailure actually writes.
func (s *Store) Tasks(ctx context.Context, kind scheduler.CursorKind) ([]scheduler.TaskView, error) {
	where := "1 = 1"
	switch kind {
	case scheduler.CursorFailed:
		where = "t.status = 'F'"
	case scheduler.CursorActive:
		where = "t.status != 'S'"
	case scheduler.CursorQueued:
		where = "t.status = 'Q'"
	}

	query := fmt.Sprintf(`
		SELECT t.id, t.queue_id, t.queued_at, t.priority, t.status, t.retry_at, t.retry_count,
		       t.failure_reason, t.exception_blob, t.payload_blob, t.worker_id, t.claimed_at,
		       COUNT(e.id) AS event_count
		FROM task t
		LEFT JOIN event e ON e.task_id = t.id
		WHERE %s
		GROUP BY t.id, t.queue_id, t.queued_at, t.priority, t.status, t.retry_at, t.retry_count,
		         t.failure_reason, t.exception_blob, t.payload_blob, t.worker_id, t.claimed_at
		ORDER BY t.id DESC`, where)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("scheduler/sql: tasks cursor: %w", err)
	}
	defer rows.Close()

	var out []scheduler.TaskView
	for rows.Next() {
		tv, err := scanTaskWithEventCount(rows)
		if err != nil {
			return nil, fmt.Errorf("scheduler/sql: tasks cursor: scan: %w", err)
		}
		out = append(out, tv)
	}
	return out, rows.Err()
}

// EventsForTask returns one task's events, ordered by id ascending.
func (s *Store) EventsForTask(ctx context.Context, taskID int64) ([]domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, task_id, event_blob, event_at, level FROM event
		WHERE task_id = ? ORDER BY id ASC`), taskID)
	if err != nil {
		return nil, fmt.Errorf("scheduler/sql: events for task: %w", err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scheduler/sql: events for task: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AllEvents returns every event, ordered by id ascending.
func (s *Store) AllEvents(ctx context.Context) ([]domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, event_blob, event_at, level FROM event ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("scheduler/sql: all events: %w", err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scheduler/sql: all events: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ scheduler.Store = (*Store)(nil)
