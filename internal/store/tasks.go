package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/hollowbit/taskdeck/internal/bus"
	"github.com/hollowbit/taskdeck/internal/shared"
)

// Task is a unit of work handed to an executor backend.
type Task struct {
	ID            string     `json:"id"`
	ProjectID     string     `json:"project_id,omitempty"`
	Title         string     `json:"title"`
	Body          string     `json:"body,omitempty"`
	Status        Status     `json:"status"`
	ExecutorKind  string     `json:"executor_kind"`
	ExecHandle    string     `json:"exec_handle,omitempty"`
	ExternalID    int64      `json:"external_id"`
	Reason        string     `json:"reason,omitempty"`
	InputPrompt   string     `json:"input_prompt,omitempty"`
	InputDeadline *time.Time `json:"input_deadline,omitempty"`
	Archived      bool       `json:"archived,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// TaskLog is one append-only lifecycle entry. Entries are never mutated.
type TaskLog struct {
	ID         int64     `json:"id"`
	TaskID     string    `json:"task_id"`
	Event      string    `json:"event"`
	StatusFrom Status    `json:"status_from,omitempty"`
	StatusTo   Status    `json:"status_to"`
	Payload    string    `json:"payload"`
	TraceID    string    `json:"trace_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// TaskUpdate carries optional column updates applied together with a status
// transition. Nil fields are left untouched.
type TaskUpdate struct {
	ExecHandle    *string
	Reason        *string
	InputPrompt   *string
	InputDeadline *time.Time
	ClearDeadline bool
}

// CreateTask inserts a PENDING task together with its task.created log
// entry in one transaction.
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.Status = StatusPending

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return storageErr("begin create task tx", err)
		}
		defer func() { _ = tx.Rollback() }()

		projectID := sql.NullString{String: t.ProjectID, Valid: t.ProjectID != ""}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, project_id, title, body, status, executor_kind, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, t.ID, projectID, t.Title, t.Body, StatusPending, t.ExecutorKind); err != nil {
			return storageErr("insert task", err)
		}
		if err := s.appendTaskLogTx(ctx, tx, t.ID, "task.created", "", StatusPending, `{"reason":"create_task"}`); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}

	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskCreated, bus.TaskEvent{
			TaskID:    t.ID,
			ProjectID: t.ProjectID,
			NewStatus: string(StatusPending),
		})
	}
	return nil
}

// TransitionTask is the single mutation path for task status. It validates
// the transition table, performs a compare-and-set UPDATE on (id, status)
// and appends the task log entry in the same transaction. A lost CAS or a
// disallowed current status returns ErrInvalidTransition without writing
// anything; the caller must re-fetch before retrying.
//
// An empty event skips the log append: re-entering RUNNING after input is
// provided does not duplicate the earlier running entry.
func (s *Store) TransitionTask(
	ctx context.Context,
	taskID string,
	allowedFrom []Status,
	to Status,
	event string,
	payload string,
	upd *TaskUpdate,
) (*Task, error) {
	var out *Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return storageErr("begin transition tx", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current Status
		var projectID sql.NullString
		if err := tx.QueryRowContext(ctx, `
			SELECT status, project_id FROM tasks WHERE id = ?;
		`, taskID).Scan(&current, &projectID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
			}
			return storageErr("select task for transition", err)
		}
		if !slices.Contains(allowedFrom, current) || !canTransition(current, to) {
			return fmt.Errorf("task %s: %s -> %s: %w", taskID, current, to, ErrInvalidTransition)
		}

		set := "status = ?, updated_at = CURRENT_TIMESTAMP"
		args := []any{to}
		if upd != nil {
			if upd.ExecHandle != nil {
				set += ", exec_handle = ?"
				args = append(args, *upd.ExecHandle)
			}
			if upd.Reason != nil {
				set += ", reason = ?"
				args = append(args, *upd.Reason)
			}
			if upd.InputPrompt != nil {
				set += ", input_prompt = ?"
				args = append(args, *upd.InputPrompt)
			}
			if upd.InputDeadline != nil {
				set += ", input_deadline = ?"
				args = append(args, upd.InputDeadline.UTC())
			} else if upd.ClearDeadline {
				set += ", input_deadline = NULL"
			}
		}
		args = append(args, taskID, current)

		res, err := tx.ExecContext(ctx, `UPDATE tasks SET `+set+` WHERE id = ? AND status = ?;`, args...)
		if err != nil {
			return storageErr("update task transition", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return storageErr("transition rows affected", err)
		}
		if affected != 1 {
			// Lost the compare-and-set race.
			return fmt.Errorf("task %s: concurrent update: %w", taskID, ErrInvalidTransition)
		}
		if event != "" {
			if err := s.appendTaskLogTx(ctx, tx, taskID, event, current, to, payload); err != nil {
				return err
			}
		}

		task, err := getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return storageErr("commit transition tx", err)
		}
		out = task

		if s.bus != nil {
			s.bus.Publish("task."+eventSuffix(to), bus.TaskEvent{
				TaskID:    taskID,
				ProjectID: task.ProjectID,
				OldStatus: string(current),
				NewStatus: string(to),
				Prompt:    task.InputPrompt,
				Reason:    task.Reason,
				CreatedAt: task.CreatedAt,
			})
		}
		return nil
	})
	return out, err
}

func eventSuffix(to Status) string {
	switch to {
	case StatusRunning:
		return "running"
	case StatusNeedsInput:
		return "needs_input"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	case StatusPending:
		return "recovered"
	default:
		return "unknown"
	}
}

func (s *Store) appendTaskLogTx(ctx context.Context, tx *sql.Tx, taskID, event string, from, to Status, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	traceID := shared.TraceID(ctx)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_logs (task_id, event, status_from, status_to, payload_json, trace_id, created_at)
		VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, CURRENT_TIMESTAMP);
	`, taskID, event, string(from), string(to), payload, traceID)
	if err != nil {
		return storageErr("insert task_log", err)
	}
	return nil
}

func getTaskTx(ctx context.Context, tx *sql.Tx, taskID string) (*Task, error) {
	row := tx.QueryRowContext(ctx, taskSelect+` WHERE id = ?;`, taskID)
	return scanTask(row.Scan)
}

const taskSelect = `
	SELECT id, COALESCE(project_id, ''), title, body, status, executor_kind,
		exec_handle, external_id, reason, input_prompt, input_deadline,
		archived, created_at, updated_at
	FROM tasks`

func scanTask(scan func(...any) error) (*Task, error) {
	var (
		t        Task
		deadline sql.NullTime
		archived int
	)
	err := scan(&t.ID, &t.ProjectID, &t.Title, &t.Body, &t.Status, &t.ExecutorKind,
		&t.ExecHandle, &t.ExternalID, &t.Reason, &t.InputPrompt, &deadline,
		&archived, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storageErr("scan task", err)
	}
	if deadline.Valid {
		d := deadline.Time
		t.InputDeadline = &d
	}
	t.Archived = archived == 1
	return &t, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+` WHERE id = ?;`, taskID)
	task, err := scanTask(row.Scan)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		return nil, err
	}
	return task, nil
}

// TaskFilter narrows ListTasks. Zero values mean "no filter".
type TaskFilter struct {
	ProjectID       string
	Status          Status
	IncludeArchived bool
	Limit           int
}

func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	query := taskSelect + ` WHERE 1=1`
	var args []any
	if !f.IncludeArchived {
		query += ` AND archived = 0`
	}
	if f.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query+`;`, args...)
	if err != nil {
		return nil, storageErr("list tasks", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("task rows", err)
	}
	return out, nil
}

// ClaimNextPending atomically moves the oldest PENDING task to RUNNING and
// returns it. Returns (nil, nil) when no task is ready; concurrent claimers
// are serialized by the transition CAS.
func (s *Store) ClaimNextPending(ctx context.Context) (*Task, error) {
	var candidate string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM tasks
		WHERE status = ? AND archived = 0
		ORDER BY created_at ASC, id ASC
		LIMIT 1;
	`, StatusPending).Scan(&candidate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("select pending task", err)
	}

	task, err := s.TransitionTask(ctx, candidate,
		[]Status{StatusPending}, StatusRunning,
		"task.running", `{"reason":"worker_claim"}`, nil)
	if errors.Is(err, ErrInvalidTransition) {
		// Another worker won the claim; not an error.
		return nil, nil
	}
	return task, err
}

// UpdateTaskFields updates title/body of a task that has not started.
func (s *Store) UpdateTaskFields(ctx context.Context, taskID, title, body string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET title = ?, body = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, title, body, taskID, StatusPending)
	if err != nil {
		return storageErr("update task fields", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("update task fields rows", err)
	}
	if n != 1 {
		if _, getErr := s.GetTask(ctx, taskID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("task %s is not pending: %w", taskID, ErrInvalidTransition)
	}
	return nil
}

// SetExecHandle persists the executor handle of a RUNNING task so a
// restarted daemon can still address the run.
func (s *Store) SetExecHandle(ctx context.Context, taskID, handle string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET exec_handle = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, handle, taskID, StatusRunning)
	if err != nil {
		return storageErr("set exec handle", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("set exec handle rows", err)
	}
	if n != 1 {
		if _, getErr := s.GetTask(ctx, taskID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("task %s is not running: %w", taskID, ErrInvalidTransition)
	}
	return nil
}

// SetExternalID records the bridge id once the task has been mirrored.
// The external id is a weak reference; it is written at most once.
func (s *Store) SetExternalID(ctx context.Context, taskID string, externalID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET external_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND external_id = 0;
	`, externalID, taskID)
	if err != nil {
		return storageErr("set external id", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("set external id rows", err)
	}
	if n != 1 {
		if _, getErr := s.GetTask(ctx, taskID); getErr != nil {
			return getErr
		}
	}
	return nil
}

// ArchiveTask logically deletes a terminal task. The row and its logs are
// retained for audit; use PurgeTask to remove them physically.
func (s *Store) ArchiveTask(ctx context.Context, taskID string) error {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !IsTerminal(task.Status) {
		return fmt.Errorf("task %s is %s: %w", taskID, task.Status, ErrInvalidTransition)
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET archived = 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, taskID); err != nil {
		return storageErr("archive task", err)
	}
	return nil
}

// PurgeTask removes a task and its logs. Only archived tasks can be purged.
func (s *Store) PurgeTask(ctx context.Context, taskID string) error {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !task.Archived {
		return fmt.Errorf("task %s is not archived: %w", taskID, ErrInvalidTransition)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin purge tx", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_logs WHERE task_id = ?;`, taskID); err != nil {
		return storageErr("purge task logs", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE scope_kind = 'task' AND scope_id = ?;`, taskID); err != nil {
		return storageErr("purge task memories", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?;`, taskID); err != nil {
		return storageErr("purge task", err)
	}
	return tx.Commit()
}

// ListTaskLogs returns a task's log entries in append order.
func (s *Store) ListTaskLogs(ctx context.Context, taskID string) ([]TaskLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, event, COALESCE(status_from, ''), status_to, payload_json, trace_id, created_at
		FROM task_logs
		WHERE task_id = ?
		ORDER BY id ASC;
	`, taskID)
	if err != nil {
		return nil, storageErr("list task logs", err)
	}
	defer rows.Close()

	var out []TaskLog
	for rows.Next() {
		var (
			entry TaskLog
			from  string
		)
		if err := rows.Scan(&entry.ID, &entry.TaskID, &entry.Event, &from,
			&entry.StatusTo, &entry.Payload, &entry.TraceID, &entry.CreatedAt); err != nil {
			return nil, storageErr("scan task log", err)
		}
		entry.StatusFrom = Status(from)
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("task log rows", err)
	}
	return out, nil
}

// RecoverRunning requeues RUNNING tasks at startup. Their executor handles
// did not survive the restart, so they go back to PENDING for a fresh claim.
// NEEDS_INPUT tasks are left alone; they are still waiting on a human.
func (s *Store) RecoverRunning(ctx context.Context) (int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tasks WHERE status = ? AND archived = 0;
	`, StatusRunning)
	if err != nil {
		return 0, storageErr("query recoverable tasks", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, storageErr("scan recoverable task", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, storageErr("iterate recoverable tasks", err)
	}

	empty := ""
	var recovered int64
	for _, id := range ids {
		_, err := s.TransitionTask(ctx, id,
			[]Status{StatusRunning}, StatusPending,
			"task.recovered", `{"reason":"startup_recovery"}`,
			&TaskUpdate{ExecHandle: &empty})
		if errors.Is(err, ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

// ExpireNeedsInput fails NEEDS_INPUT tasks whose input deadline has passed.
// Returns the ids of expired tasks.
func (s *Store) ExpireNeedsInput(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tasks
		WHERE status = ? AND input_deadline IS NOT NULL AND input_deadline <= ?;
	`, StatusNeedsInput, now.UTC())
	if err != nil {
		return nil, storageErr("query expired needs_input", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, storageErr("scan expired task", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate expired tasks", err)
	}

	reason := "input_timeout"
	var expired []string
	for _, id := range ids {
		_, err := s.TransitionTask(ctx, id,
			[]Status{StatusNeedsInput}, StatusFailed,
			"task.failed", `{"reason":"input_timeout"}`,
			&TaskUpdate{Reason: &reason, ClearDeadline: true})
		if errors.Is(err, ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return expired, err
		}
		expired = append(expired, id)
	}
	return expired, nil
}

// TaskCounts returns queue depth figures for health and metrics endpoints.
func (s *Store) TaskCounts(ctx context.Context) (pending, running, needsInput int, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		FROM tasks WHERE archived = 0;
	`, StatusPending, StatusRunning, StatusNeedsInput)
	if err := row.Scan(&pending, &running, &needsInput); err != nil {
		return 0, 0, 0, storageErr("task counts", err)
	}
	return pending, running, needsInput, nil
}
