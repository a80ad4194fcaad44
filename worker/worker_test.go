package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"m365cache/pkg/models"
	"m365cache/storage"
	"m365cache/taskqueue"
)

type fakeExecutor struct {
	calls     atomic.Int64
	failUntil int64
}

func (f *fakeExecutor) Execute(ctx context.Context, operation string, params json.RawMessage) (json.RawMessage, error) {
	n := f.calls.Add(1)
	if n <= f.failUntil {
		return nil, errors.New("transient failure")
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func newTestQueue(t *testing.T) *taskqueue.Queue {
	t.Helper()
	ctx := context.Background()
	cfg := storage.DefaultConfig(":memory:", "test-passphrase")
	engine, err := storage.Open(ctx, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { engine.Close() })
	return taskqueue.New(engine, zerolog.Nop())
}

// TestRetryThenSucceed is scenario S5: an executor that fails twice then
// succeeds drives the task through queued -> running -> queued(retry=1) ->
// running -> queued(retry=2) -> running -> completed, with a deterministic
// wall-clock delay of initialBackoff*(1+2) between the first failure and
// the third attempt's success.
func TestRetryThenSucceed(t *testing.T) {
	q := newTestQueue(t)
	exec := &fakeExecutor{failUntil: 2}
	retry := taskqueue.RetryPolicy{MaxRetries: 3, InitialBackoff: 20 * time.Millisecond}
	w := New(q, exec, retry, zerolog.Nop())

	ctx := context.Background()
	taskID, err := q.Enqueue(ctx, "acc", "email_list", map[string]string{}, 5)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, err := q.GetStatus(ctx, taskID)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if task.Status == models.TaskCompleted {
			if task.ResultJSON == nil {
				t.Fatal("expected resultJSON to be set")
			}
			var envelope struct {
				Success   bool   `json:"success"`
				Operation string `json:"operation"`
			}
			if err := json.Unmarshal([]byte(*task.ResultJSON), &envelope); err != nil {
				t.Fatalf("unmarshal result: %v", err)
			}
			if !envelope.Success || envelope.Operation != "email_list" {
				t.Fatalf("unexpected envelope: %+v", envelope)
			}
			if exec.calls.Load() != 3 {
				t.Fatalf("expected 3 executor calls, got %d", exec.calls.Load())
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("task did not complete within deadline")
}

// TestMaxRetriesExhausted asserts a task fails terminally once retryCount
// reaches maxRetries, and never exceeds it (invariant 9).
func TestMaxRetriesExhausted(t *testing.T) {
	q := newTestQueue(t)
	exec := &fakeExecutor{failUntil: 1000}
	retry := taskqueue.RetryPolicy{MaxRetries: 2, InitialBackoff: 5 * time.Millisecond}
	w := New(q, exec, retry, zerolog.Nop())

	ctx := context.Background()
	taskID, err := q.Enqueue(ctx, "acc", "op", nil, 5)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, err := q.GetStatus(ctx, taskID)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if task.Status == models.TaskFailed {
			if task.RetryCount > retry.MaxRetries {
				t.Fatalf("retryCount %d exceeds maxRetries %d", task.RetryCount, retry.MaxRetries)
			}
			if task.CompletedAt == nil || task.LastError == nil {
				t.Fatal("expected completedAt and lastError on terminal failure")
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("task did not fail terminally within deadline")
}

// TestStartAlreadyRunning asserts WorkerAlreadyRunning semantics.
func TestStartAlreadyRunning(t *testing.T) {
	q := newTestQueue(t)
	exec := &fakeExecutor{}
	w := New(q, exec, taskqueue.DefaultRetryPolicy(), zerolog.Nop())

	ctx := context.Background()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("first start: %v", err)
	}
	defer w.Stop()

	if err := w.Start(ctx); err != ErrAlreadyRunning {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}

// TestStopIsIdempotentAfterStart exercises the Stop path observing the
// loop's exit within the soft deadline, a second Stop on the stopped
// worker, and a restart.
func TestStopIsIdempotentAfterStart(t *testing.T) {
	q := newTestQueue(t)
	exec := &fakeExecutor{}
	w := New(q, exec, taskqueue.DefaultRetryPolicy(), zerolog.Nop())

	ctx := context.Background()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	w.Stop()
	w.Stop() // no-op: the worker is already idle

	if err := w.Start(ctx); err != nil {
		t.Fatalf("restart after stop: %v", err)
	}
	w.Stop()
}
