package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is one of the five states in the terminate-and-replay state
// machine.
type TaskStatus string

const (
	TaskQueued        TaskStatus = "queued"
	TaskRunning       TaskStatus = "running"
	TaskNeedsApproval TaskStatus = "needs_approval"
	TaskDone          TaskStatus = "done"
	TaskFailed        TaskStatus = "failed"
)

// Error codes stored on failed tasks.
const (
	ErrCodeQueueFull              = "queue_full"
	ErrCodeUnknownProject         = "unknown_project"
	ErrCodeSilenceTimeout         = "silence_timeout"
	ErrCodeTimeout                = "timeout"
	ErrCodeBudgetExceeded         = "budget_exceeded"
	ErrCodeApprovalDenied         = "approval_denied"
	ErrCodeApprovalTimeout        = "approval_timeout"
	ErrCodeCancelledByUser        = "cancelled_by_user"
	ErrCodeCLIError               = "cli_error"
	ErrCodeWorkerCrashedRecovery  = "worker_crashed_recovery"
)

// Sentinel errors surfaced synchronously to the enqueue caller.
var (
	ErrQueueFull      = errors.New("queue_full")
	ErrUnknownProject = errors.New("unknown_project")
)

// Task is the durable record for a single Agent CLI invocation.
type Task struct {
	ID                string
	ProjectAlias      string
	ProjectPath       string
	Prompt            string
	ThreadID          string
	Adapter           string
	ContinueSession   bool
	Status            TaskStatus
	Result            string
	Error             string
	TokensUsed        int
	TokenBudget       *int
	WorkerPID         *int
	WorkerPIDStartTS  *time.Time
	Checkpoint        string
	CreatedAt         time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
}

// TaskInput is the recognized enqueue envelope.
type TaskInput struct {
	ProjectAlias    string
	ProjectPath     string
	Prompt          string
	ThreadID        string
	Adapter         string
	ContinueSession bool
}

func scanTask(scan func(dest ...any) error) (*Task, error) {
	var t Task
	var result, errMsg, checkpoint sql.NullString
	var tokenBudget sql.NullInt64
	var workerPID sql.NullInt64
	var workerPIDStart, startedAt, completedAt sql.NullTime

	if err := scan(
		&t.ID, &t.ProjectAlias, &t.ProjectPath, &t.Prompt, &t.ThreadID, &t.Adapter,
		&t.ContinueSession, &t.Status, &result, &errMsg, &t.TokensUsed, &tokenBudget,
		&workerPID, &workerPIDStart, &checkpoint, &t.CreatedAt, &startedAt, &completedAt,
	); err != nil {
		return nil, err
	}
	if result.Valid {
		t.Result = result.String
	}
	if errMsg.Valid {
		t.Error = errMsg.String
	}
	if checkpoint.Valid {
		t.Checkpoint = checkpoint.String
	}
	if tokenBudget.Valid {
		v := int(tokenBudget.Int64)
		t.TokenBudget = &v
	}
	if workerPID.Valid {
		v := int(workerPID.Int64)
		t.WorkerPID = &v
	}
	if workerPIDStart.Valid {
		v := workerPIDStart.Time
		t.WorkerPIDStartTS = &v
	}
	if startedAt.Valid {
		v := startedAt.Time
		t.StartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		t.CompletedAt = &v
	}
	return &t, nil
}

const taskColumns = `id, project_alias, project_path, prompt, thread_id, adapter,
	continue_session, status, result, error, tokens_used, token_budget,
	worker_pid, worker_pid_start_ts, checkpoint, created_at, started_at, completed_at`

// Enqueue inserts a queued task, atomically enforcing the per-project queue
// depth cap. Returns ErrQueueFull without mutating state if the
// project is already at cap.
func (s *Store) Enqueue(ctx context.Context, in TaskInput, maxQueuedPerProject int) (*Task, error) {
	var task *Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin enqueue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var queuedCount int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(1) FROM tasks WHERE project_alias = ? AND status = ?;
		`, in.ProjectAlias, TaskQueued).Scan(&queuedCount); err != nil {
			return fmt.Errorf("count queued: %w", err)
		}
		if queuedCount >= maxQueuedPerProject {
			return ErrQueueFull
		}

		id := uuid.NewString()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, project_alias, project_path, prompt, thread_id, adapter,
				continue_session, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, id, in.ProjectAlias, in.ProjectPath, in.Prompt, in.ThreadID, in.Adapter,
			in.ContinueSession, TaskQueued); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}

		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
		t, err := scanTask(row.Scan)
		if err != nil {
			return fmt.Errorf("read inserted task: %w", err)
		}
		task = t
		return tx.Commit()
	})
	if err != nil {
		if errors.Is(err, ErrQueueFull) {
			return nil, ErrQueueFull
		}
		return nil, err
	}
	return task, nil
}

// DequeueNext selects the oldest queued task whose project currently has no
// task in {running, needs_approval}, flips it to running, and returns it.
// Returns (nil, nil) if every queued task is blocked by its project's lock —
// this single query form is the entire per-project mutual-exclusion
// mechanism: no in-memory lock map is involved.
func (s *Store) DequeueNext(ctx context.Context) (*Task, error) {
	var task *Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin dequeue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var id string
		err = tx.QueryRowContext(ctx, `
			SELECT id FROM tasks
			WHERE status = ?
			  AND project_alias NOT IN (
				SELECT project_alias FROM tasks WHERE status IN (?, ?)
			  )
			ORDER BY created_at ASC, rowid ASC
			LIMIT 1;
		`, TaskQueued, TaskRunning, TaskNeedsApproval).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select dequeue candidate: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, started_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, TaskRunning, id, TaskQueued)
		if err != nil {
			return fmt.Errorf("update dequeue: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil
		}

		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
		t, err := scanTask(row.Scan)
		if err != nil {
			return fmt.Errorf("read dequeued task: %w", err)
		}
		task = t
		return tx.Commit()
	})
	return task, err
}

// GetTask reads a single task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// SetWorkerPID atomically records (pid, start_ts) on a running task, before
// any long operation, so a crash mid-spawn still leaves a durable pointer
// for orphan recovery to follow.
func (s *Store) SetWorkerPID(ctx context.Context, taskID string, pid int, startTS time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET worker_pid = ?, worker_pid_start_ts = ? WHERE id = ?;
	`, pid, startTS, taskID)
	if err != nil {
		return fmt.Errorf("set worker pid: %w", err)
	}
	return nil
}

// ClearWorkerPID clears the PID columns; called on every exit path (normal,
// timeout, kill) so Task.worker_pid is set iff Task.status = running.
func (s *Store) ClearWorkerPID(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET worker_pid = NULL, worker_pid_start_ts = NULL WHERE id = ?;
	`, taskID)
	if err != nil {
		return fmt.Errorf("clear worker pid: %w", err)
	}
	return nil
}

// UpdateTokens persists the running token estimate (throttled by the caller,
// not here).
func (s *Store) UpdateTokens(ctx context.Context, taskID string, tokens int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET tokens_used = ? WHERE id = ?;`, tokens, taskID)
	if err != nil {
		return fmt.Errorf("update tokens: %w", err)
	}
	return nil
}

// SetCheckpoint persists the replay checkpoint and flips the task to
// needs_approval in one statement.
func (s *Store) SetCheckpoint(ctx context.Context, taskID, checkpoint string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, checkpoint = ? WHERE id = ? AND status = ?;
	`, TaskNeedsApproval, checkpoint, taskID, TaskRunning)
	if err != nil {
		return fmt.Errorf("set checkpoint: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("set checkpoint: task %s was not running", taskID)
	}
	return nil
}

// MarkRunning flips a task (e.g. from needs_approval on approval, or for a
// replay re-spawn) back to running.
func (s *Store) MarkRunning(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, started_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, TaskRunning, taskID)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	return nil
}

// MarkDone sets the terminal done status with its result text.
func (s *Store) MarkDone(ctx context.Context, taskID, result string, tokensUsed int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, result = ?, tokens_used = ?, completed_at = CURRENT_TIMESTAMP,
			worker_pid = NULL, worker_pid_start_ts = NULL
		WHERE id = ?;
	`, TaskDone, result, tokensUsed, taskID)
	if err != nil {
		return fmt.Errorf("mark done: %w", err)
	}
	return nil
}

// MarkFailed sets the terminal failed status with its error code.
func (s *Store) MarkFailed(ctx context.Context, taskID, errCode string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, error = ?, completed_at = CURRENT_TIMESTAMP,
			worker_pid = NULL, worker_pid_start_ts = NULL
		WHERE id = ?;
	`, TaskFailed, errCode, taskID)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// Cancel atomically transitions a task from any non-terminal status to
// failed/cancelled_by_user. Returns true iff it changed a row (race-safe:
// concurrent terminal transitions from the owning worker simply lose).
func (s *Store) Cancel(ctx context.Context, taskID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, error = ?, completed_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status IN (?, ?, ?);
	`, TaskFailed, ErrCodeCancelledByUser, taskID, TaskQueued, TaskRunning, TaskNeedsApproval)
	if err != nil {
		return false, fmt.Errorf("cancel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel rows affected: %w", err)
	}
	return n == 1, nil
}

// RunningOrphans returns every task left in status=running, i.e. every
// orphan candidate at engine start.
func (s *Store) RunningOrphans(ctx context.Context) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = ?;`, TaskRunning)
	if err != nil {
		return nil, fmt.Errorf("query orphans: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan orphan: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// PendingCountPerProject returns the queued-task count for one project.
func (s *Store) PendingCountPerProject(ctx context.Context, projectAlias string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM tasks WHERE project_alias = ? AND status = ?;
	`, projectAlias, TaskQueued).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return n, nil
}

// ListByThread returns completed-or-failed tasks for a thread, newest first,
// limited — used to build the resume-fallback thread-history summary.
func (s *Store) ListByThread(ctx context.Context, threadID string, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE thread_id = ? AND status IN (?, ?)
		ORDER BY created_at DESC
		LIMIT ?;
	`, threadID, TaskDone, TaskFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("list by thread: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan thread task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ThreadHistory returns every task for a thread regardless of status,
// newest first, limited — the get_thread_task_history read surface.
func (s *Store) ThreadHistory(ctx context.Context, threadID string, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE thread_id = ?
		ORDER BY created_at DESC LIMIT ?;
	`, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("thread history: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan thread history task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListByProject returns tasks for a project, newest first, limited.
func (s *Store) ListByProject(ctx context.Context, projectAlias string, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE project_alias = ?
		ORDER BY created_at DESC LIMIT ?;
	`, projectAlias, limit)
	if err != nil {
		return nil, fmt.Errorf("list by project: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan project task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TokensUsedToday sums tokens_used across tasks created since local
// midnight, optionally filtered to one project — the get_budget_today
// read surface. Counts in-flight tasks too, since their running estimate
// is already persisted on the row.
func (s *Store) TokensUsedToday(ctx context.Context, projectAlias string) (int, error) {
	query := `SELECT COALESCE(SUM(tokens_used), 0) FROM tasks
		WHERE created_at >= datetime('now', 'start of day')`
	args := []any{}
	if projectAlias != "" {
		query += ` AND project_alias = ?`
		args = append(args, projectAlias)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query+";", args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("tokens used today: %w", err)
	}
	return n, nil
}

// QueueStatus summarizes in-flight and queued counts for the status surface.
type QueueStatus struct {
	Queued        int
	Running       int
	NeedsApproval int
}

func (s *Store) QueueStatus(ctx context.Context) (QueueStatus, error) {
	var qs QueueStatus
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM tasks WHERE status IN (?, ?, ?) GROUP BY status;`,
		TaskQueued, TaskRunning, TaskNeedsApproval)
	if err != nil {
		return qs, fmt.Errorf("queue status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return qs, fmt.Errorf("scan queue status: %w", err)
		}
		switch status {
		case TaskQueued:
			qs.Queued = n
		case TaskRunning:
			qs.Running = n
		case TaskNeedsApproval:
			qs.NeedsApproval = n
		}
	}
	return qs, rows.Err()
}
