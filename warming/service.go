// Package warming implements the cache warmer: a startup-time batch
// enqueuer that pre-fills the cache for a set of accounts from a static
// plan, throttled and executed strictly sequentially, independent of the
// background worker.
package warming

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/rs/zerolog"

	"m365cache/cachecore"
	"m365cache/pkg/models"
	"m365cache/pkg/utils"
)

// Executor is the warmer's seam into the tool layer: same shape as
// worker.Executor but additionally parameterized by accountID, per
// spec.md §6.5.
type Executor interface {
	Execute(ctx context.Context, accountID, operation string, params map[string]interface{}) (json.RawMessage, error)
}

// Telemetry is the progress snapshot exposed by Status, matching
// spec.md §4.F's required shape.
type Telemetry struct {
	IsWarming       bool
	StartedAt       *time.Time
	CompletedAt     *time.Time
	DurationSeconds float64
	Total           int
	// Completed counts only successful write-throughs, distinct from
	// original_source/src/m365_mcp/cache_warming.py's operations_completed
	// (which increments on every outcome, skip/fail/success alike).
	// ProgressPct sums Completed+Skipped+Failed to track overall progress.
	Completed   int
	Skipped     int
	Failed      int
	ProgressPct float64
}

// Warmer is the Cache Warmer component. The zero value is not usable;
// construct with New.
type Warmer struct {
	cache    *cachecore.Core
	executor Executor
	plan     []PlanItem
	logger   zerolog.Logger

	limiter *rate.Limiter
	deduper singleflight.Group

	mu          sync.Mutex
	isWarming   bool
	startedAt   *time.Time
	completedAt *time.Time
	total       int
	completed   int
	skipped     int
	failed      int
}

// New constructs a Warmer over a Cache Core and an injected Executor,
// using the default warming plan.
func New(cache *cachecore.Core, executor Executor, logger zerolog.Logger) *Warmer {
	return NewWithPlan(cache, executor, DefaultPlan(), logger)
}

// NewWithPlan constructs a Warmer with an explicit plan, primarily for
// tests.
func NewWithPlan(cache *cachecore.Core, executor Executor, plan []PlanItem, logger zerolog.Logger) *Warmer {
	minThrottle := time.Second
	for _, item := range plan {
		if item.ThrottleSeconds > 0 && item.ThrottleSeconds < minThrottle {
			minThrottle = item.ThrottleSeconds
		}
	}
	rps := rate.Limit(1.0 / minThrottle.Seconds())
	return &Warmer{
		cache:    cache,
		executor: executor,
		plan:     plan,
		logger:   logger,
		limiter:  rate.NewLimiter(rps, 1),
	}
}

// Start builds the accounts x plan Cartesian product, sorts by priority
// ascending, and runs it sequentially in its own goroutine. It returns
// immediately. Calling Start while already warming, or with an empty
// account list, is a no-op.
func (w *Warmer) Start(ctx context.Context, accounts []string) {
	w.mu.Lock()
	if w.isWarming {
		w.mu.Unlock()
		w.logger.Warn().Msg("warming: already in progress, ignoring Start")
		return
	}
	if len(accounts) == 0 {
		w.mu.Unlock()
		w.logger.Info().Msg("warming: no accounts configured, skipping")
		return
	}

	queue := buildQueue(accounts, w.plan)
	now := time.Now()
	w.isWarming = true
	w.startedAt = &now
	w.completedAt = nil
	w.total = len(queue)
	w.completed = 0
	w.skipped = 0
	w.failed = 0
	w.mu.Unlock()

	go w.run(ctx, queue)
}

func (w *Warmer) run(ctx context.Context, queue []workItem) {
	defer func() {
		now := time.Now()
		w.mu.Lock()
		w.isWarming = false
		w.completedAt = &now
		w.mu.Unlock()
	}()

	for _, wi := range queue {
		if ctx.Err() != nil {
			return
		}
		w.warmOne(ctx, wi)
		if wi.item.ThrottleSeconds > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wi.item.ThrottleSeconds):
			}
		}
	}
}

func (w *Warmer) warmOne(ctx context.Context, wi workItem) {
	_, state, found := w.cache.Get(ctx, wi.accountID, wi.item.Operation, wi.item.Params)
	if found && state == models.StateFresh {
		w.recordOutcome(func() { w.skipped++ })
		return
	}

	if err := w.limiter.Wait(ctx); err != nil {
		w.recordOutcome(func() { w.failed++ })
		return
	}

	result, err := w.executor.Execute(ctx, wi.accountID, wi.item.Operation, wi.item.Params)
	if err != nil {
		w.logger.Warn().Err(err).Str("account_id", wi.accountID).Str("operation", wi.item.Operation).Msg("warming: operation failed")
		w.recordOutcome(func() { w.failed++ })
		return
	}

	var decoded interface{}
	if err := json.Unmarshal(result, &decoded); err != nil {
		w.logger.Warn().Err(err).Msg("warming: result decode failed, not caching")
		w.recordOutcome(func() { w.failed++ })
		return
	}
	if err := w.cache.Set(ctx, wi.accountID, wi.item.Operation, wi.item.Params, decoded); err != nil {
		w.logger.Warn().Err(err).Msg("warming: cache write-through failed")
	}
	w.recordOutcome(func() { w.completed++ })
}

func (w *Warmer) recordOutcome(apply func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	apply()
}

// WarmNow triggers an out-of-band warm of a single (accountID, operation,
// params), coalescing concurrent identical requests via singleflight so a
// burst of operator-triggered warms for the same item only hits the
// executor once.
func (w *Warmer) WarmNow(ctx context.Context, accountID, operation string, params map[string]interface{}) error {
	key, err := utils.DeriveKey(operation, accountID, params)
	if err != nil {
		return err
	}
	_, err, _ = w.deduper.Do(key, func() (interface{}, error) {
		result, err := w.executor.Execute(ctx, accountID, operation, params)
		if err != nil {
			return nil, err
		}
		var decoded interface{}
		if err := json.Unmarshal(result, &decoded); err != nil {
			return nil, err
		}
		return nil, w.cache.Set(ctx, accountID, operation, params, decoded)
	})
	return err
}

// Status returns the current progress telemetry.
func (w *Warmer) Status() Telemetry {
	w.mu.Lock()
	defer w.mu.Unlock()

	t := Telemetry{
		IsWarming:   w.isWarming,
		StartedAt:   w.startedAt,
		CompletedAt: w.completedAt,
		Total:       w.total,
		Completed:   w.completed,
		Skipped:     w.skipped,
		Failed:      w.failed,
	}
	if w.total > 0 {
		processed := t.Completed + t.Skipped + t.Failed
		t.ProgressPct = float64(processed) / float64(t.Total) * 100
	}
	if w.startedAt != nil {
		end := time.Now()
		if w.completedAt != nil {
			end = *w.completedAt
		}
		t.DurationSeconds = end.Sub(*w.startedAt).Seconds()
	}
	return t
}
