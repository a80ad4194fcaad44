package models

import "time"

// TaskStatus is the lifecycle state of a queued background task.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Task is one unit of work accepted by the task queue and drained by the
// background worker.
//
// Invariants: queued tasks have no StartedAt; running has StartedAt and no
// CompletedAt; terminal states (completed, failed) have CompletedAt;
// RetryCount <= maxRetries unless the task is terminally failed.
type Task struct {
	TaskID         string
	AccountID      string
	Operation      string
	ParametersJSON string
	Priority       int
	Status         TaskStatus
	RetryCount     int
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	ResultJSON     *string
	LastError      *string
}
