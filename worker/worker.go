// Package worker implements the background worker: a single cooperative
// loop that drains the task queue via an injected operation executor, with
// graceful (soft-deadline, then cancellation) shutdown.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"m365cache/pkg/models"
	"m365cache/taskqueue"
)

// ErrAlreadyRunning is returned by Start when called on a worker that is
// already running.
var ErrAlreadyRunning = errors.New("worker: already running")

// pollInterval is how long the loop sleeps when the queue is empty.
const pollInterval = 1 * time.Second

// successPause is the brief pause after a successful task, matching
// spec.md §4.E step 5.
const successPause = 100 * time.Millisecond

// errorStormPause guards against a tight loop of unexpected internal
// exceptions, per spec.md §4.E step 7.
const errorStormPause = 5 * time.Second

// stopSoftDeadline bounds how long Stop waits for the loop to notice the
// stopping flag before falling back to context cancellation.
const stopSoftDeadline = 30 * time.Second

// state is the worker's lifecycle state machine.
type state int

const (
	stateIdle state = iota
	stateRunning
	stateStopping
)

// Executor is the sole seam between the worker and the tool layer: the
// worker never interprets operation itself, it only dispatches to this
// injected implementation and records whatever comes back.
type Executor interface {
	Execute(ctx context.Context, operation string, params json.RawMessage) (json.RawMessage, error)
}

// Worker is the Background Worker component. The zero value is not
// usable; construct with New.
type Worker struct {
	queue    *taskqueue.Queue
	executor Executor
	retry    taskqueue.RetryPolicy
	logger   zerolog.Logger

	mu       sync.Mutex
	st       state
	done     chan struct{}
	cancelFn context.CancelFunc
}

// New constructs a Worker over a Queue and an injected Executor.
func New(queue *taskqueue.Queue, executor Executor, retry taskqueue.RetryPolicy, logger zerolog.Logger) *Worker {
	return &Worker{queue: queue, executor: executor, retry: retry, logger: logger, st: stateIdle}
}

// Start begins the cooperative loop in its own goroutine. It is an error
// to call Start on an already-running worker.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.st == stateRunning {
		w.mu.Unlock()
		return ErrAlreadyRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelFn = cancel
	w.done = make(chan struct{})
	w.st = stateRunning
	w.mu.Unlock()

	go w.run(loopCtx)
	return nil
}

// Stop signals the loop to exit and waits for it, up to a 30s soft
// deadline; past that it cancels the loop's context as a last resort.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.st != stateRunning {
		w.mu.Unlock()
		return
	}
	w.st = stateStopping
	done := w.done
	cancel := w.cancelFn
	w.mu.Unlock()

	select {
	case <-done:
	case <-time.After(stopSoftDeadline):
		w.logger.Warn().Msg("worker: stop soft deadline exceeded, cancelling loop")
		cancel()
		<-done
	}

	w.mu.Lock()
	w.st = stateIdle
	w.mu.Unlock()
}

func (w *Worker) isStopping() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.st == stateStopping
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	for {
		if ctx.Err() != nil || w.isStopping() {
			return
		}

		if w.step(ctx) {
			return
		}
	}
}

// step runs one loop iteration. It returns true if the loop should exit.
func (w *Worker) step(ctx context.Context) (exit bool) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().Interface("panic", r).Msg("worker: unexpected panic in loop, pausing")
			sleepOrDone(ctx, errorStormPause)
		}
	}()

	task, found, err := w.queue.PeekNext(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("worker: peek failed")
		return sleepOrDone(ctx, errorStormPause)
	}
	if !found {
		return sleepOrDone(ctx, pollInterval)
	}

	if err := w.queue.MarkRunning(ctx, task.TaskID); err != nil {
		w.logger.Error().Err(err).Str("task_id", task.TaskID).Msg("worker: mark running failed")
		return sleepOrDone(ctx, errorStormPause)
	}

	result, execErr := w.executor.Execute(ctx, task.Operation, json.RawMessage(task.ParametersJSON))
	if execErr == nil {
		payload := buildSuccessResult(task.Operation, result)
		if err := w.queue.MarkCompleted(ctx, task.TaskID, payload); err != nil {
			w.logger.Error().Err(err).Str("task_id", task.TaskID).Msg("worker: mark completed failed")
		}
		return sleepOrDone(ctx, successPause)
	}

	w.logger.Warn().Err(execErr).Str("task_id", task.TaskID).Str("operation", task.Operation).Msg("worker: executor failed")
	return w.applyRetry(ctx, task, execErr)
}

// applyRetry implements spec.md §4.D's retry policy: requeue with
// exponential backoff while retries remain, else terminal-fail.
func (w *Worker) applyRetry(ctx context.Context, task models.Task, execErr error) (exit bool) {
	if task.RetryCount >= w.retry.MaxRetries {
		if err := w.queue.MarkFailed(ctx, task.TaskID, execErr.Error()); err != nil {
			w.logger.Error().Err(err).Str("task_id", task.TaskID).Msg("worker: mark failed transition failed")
		}
		return false
	}

	delay := w.retry.Delay(task.RetryCount)
	if sleepOrDone(ctx, delay) {
		return true
	}

	if err := w.queue.RequeueForRetry(ctx, task.TaskID, task.RetryCount+1, execErr.Error()); err != nil {
		w.logger.Error().Err(err).Str("task_id", task.TaskID).Msg("worker: requeue failed")
	}
	return false
}

// buildSuccessResult wraps the executor's raw result in the envelope
// scenario S5 asserts: {"success":true,"operation":"...","result":...}.
func buildSuccessResult(operation string, result json.RawMessage) string {
	envelope := struct {
		Success   bool            `json:"success"`
		Operation string          `json:"operation"`
		Result    json.RawMessage `json:"result"`
	}{Success: true, Operation: operation, Result: result}
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Sprintf(`{"success":true,"operation":%q}`, operation)
	}
	return string(data)
}

// sleepOrDone sleeps for d unless ctx is cancelled first, in which case it
// returns true to signal the caller should exit the loop.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return true
	case <-time.After(d):
		return false
	}
}
