// Package taskqueue implements the durable priority task queue backing
// the background worker. It owns the cache_tasks
// table exclusively; the storage engine's connection pool is the only
// thing it shares with cachecore.
package taskqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"m365cache/pkg/models"
	"m365cache/storage"
)

// ErrTaskNotFound is returned by GetStatus (and the Mark* transitions)
// when taskID does not match any row.
var ErrTaskNotFound = errors.New("taskqueue: task not found")

// DefaultPriority is used by Enqueue callers that don't specify one.
const DefaultPriority = 5

// RetryPolicy configures the exponential backoff applied on task failure.
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
}

// DefaultRetryPolicy matches spec.md §4.D's literal defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, InitialBackoff: 1 * time.Second}
}

// Delay returns the backoff duration for the given retry count:
// initialBackoff * 2^retryCount.
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	return p.InitialBackoff * time.Duration(1<<uint(retryCount))
}

// Queue is the Task Queue component.
type Queue struct {
	engine *storage.Engine
	logger zerolog.Logger
}

// New constructs a Queue over an open storage Engine.
func New(engine *storage.Engine, logger zerolog.Logger) *Queue {
	return &Queue{engine: engine, logger: logger}
}

// Enqueue inserts a new queued task and returns its generated ID.
func (q *Queue) Enqueue(ctx context.Context, accountID, operation string, params interface{}, priority int) (string, error) {
	if priority <= 0 {
		priority = DefaultPriority
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("taskqueue: marshal params: %w", err)
	}

	taskID := uuid.NewString()
	now := time.Now()

	err = q.engine.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cache_tasks
				(task_id, account_id, operation, parameters_json, priority, status,
				 retry_count, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?)
		`, taskID, accountID, operation, string(paramsJSON), priority, models.TaskQueued, now.Unix())
		return err
	})
	if err != nil {
		return "", fmt.Errorf("taskqueue: enqueue: %w", err)
	}
	return taskID, nil
}

// PeekNext selects the single highest-priority, oldest queued task
// (priority ASC, created_at ASC) without claiming it. Returns found=false
// if the queue is empty.
func (q *Queue) PeekNext(ctx context.Context) (task models.Task, found bool, err error) {
	row := q.engine.DB().QueryRowContext(ctx, `
		SELECT task_id, account_id, operation, parameters_json, priority, status,
		       retry_count, created_at, started_at, completed_at, result_json, last_error
		FROM cache_tasks
		WHERE status = ?
		ORDER BY priority ASC, created_at ASC
		LIMIT 1
	`, models.TaskQueued)

	t, ok, err := scanTask(row)
	if err != nil || !ok {
		return models.Task{}, false, err
	}
	return t, true, nil
}

// MarkRunning transitions a queued task to running, recording startedAt.
func (q *Queue) MarkRunning(ctx context.Context, taskID string) error {
	now := time.Now()
	return q.updateOne(ctx, `
		UPDATE cache_tasks SET status = ?, started_at = ? WHERE task_id = ?
	`, models.TaskRunning, now.Unix(), taskID)
}

// MarkCompleted transitions a running task to completed, recording the
// result and completedAt.
func (q *Queue) MarkCompleted(ctx context.Context, taskID string, resultJSON string) error {
	now := time.Now()
	return q.updateOne(ctx, `
		UPDATE cache_tasks SET status = ?, completed_at = ?, result_json = ? WHERE task_id = ?
	`, models.TaskCompleted, now.Unix(), resultJSON, taskID)
}

// MarkFailed transitions a task to terminal failed state (retries
// exhausted), recording completedAt and the last error.
func (q *Queue) MarkFailed(ctx context.Context, taskID string, errMsg string) error {
	now := time.Now()
	return q.updateOne(ctx, `
		UPDATE cache_tasks SET status = ?, completed_at = ?, last_error = ? WHERE task_id = ?
	`, models.TaskFailed, now.Unix(), errMsg, taskID)
}

// RequeueForRetry transitions a failed-but-retryable task back to queued,
// recording the incremented retryCount and the error that caused the
// retry. Callers (the worker) are responsible for sleeping out the
// backoff delay before calling this.
func (q *Queue) RequeueForRetry(ctx context.Context, taskID string, retryCount int, errMsg string) error {
	return q.updateOne(ctx, `
		UPDATE cache_tasks SET status = ?, retry_count = ?, last_error = ?, started_at = NULL WHERE task_id = ?
	`, models.TaskQueued, retryCount, errMsg, taskID)
}

// GetStatus returns the current row for taskID, or ErrTaskNotFound.
func (q *Queue) GetStatus(ctx context.Context, taskID string) (models.Task, error) {
	row := q.engine.DB().QueryRowContext(ctx, `
		SELECT task_id, account_id, operation, parameters_json, priority, status,
		       retry_count, created_at, started_at, completed_at, result_json, last_error
		FROM cache_tasks WHERE task_id = ?
	`, taskID)
	t, ok, err := scanTask(row)
	if err != nil {
		return models.Task{}, err
	}
	if !ok {
		return models.Task{}, ErrTaskNotFound
	}
	return t, nil
}

// List returns tasks ordered by createdAt descending, optionally filtered
// by accountID and/or status, bounded by limit.
func (q *Queue) List(ctx context.Context, accountID *string, status *models.TaskStatus, limit int) ([]models.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT task_id, account_id, operation, parameters_json, priority, status,
		       retry_count, created_at, started_at, completed_at, result_json, last_error
		FROM cache_tasks WHERE 1=1
	`
	var args []interface{}
	if accountID != nil {
		query += " AND account_id = ?"
		args = append(args, *accountID)
	}
	if status != nil {
		query += " AND status = ?"
		args = append(args, *status)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := q.engine.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("taskqueue: list: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (q *Queue) updateOne(ctx context.Context, query string, args ...interface{}) error {
	return q.engine.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrTaskNotFound
		}
		return nil
	})
}

// rowScanner abstracts *sql.Row and *sql.Rows so scanTask can serve both
// PeekNext/GetStatus (single row) and List (row iteration).
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row *sql.Row) (models.Task, bool, error) {
	t, err := scanTaskRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Task{}, false, nil
	}
	if err != nil {
		return models.Task{}, false, err
	}
	return t, true, nil
}

func scanTaskRow(row rowScanner) (models.Task, error) {
	var (
		t                                  models.Task
		startedAt, completedAt             sql.NullInt64
		resultJSON, lastError              sql.NullString
		createdAtUnix                      int64
		status                             string
	)
	if err := row.Scan(
		&t.TaskID, &t.AccountID, &t.Operation, &t.ParametersJSON, &t.Priority, &status,
		&t.RetryCount, &createdAtUnix, &startedAt, &completedAt, &resultJSON, &lastError,
	); err != nil {
		return models.Task{}, err
	}
	t.Status = models.TaskStatus(status)
	t.CreatedAt = time.Unix(createdAtUnix, 0)
	if startedAt.Valid {
		ts := time.Unix(startedAt.Int64, 0)
		t.StartedAt = &ts
	}
	if completedAt.Valid {
		ts := time.Unix(completedAt.Int64, 0)
		t.CompletedAt = &ts
	}
	if resultJSON.Valid {
		t.ResultJSON = &resultJSON.String
	}
	if lastError.Valid {
		t.LastError = &lastError.String
	}
	return t, nil
}
