// Package app is the composition root: it wires the Key Manager,
// Storage Engine, Cache Core, Task Queue, Background Worker, Cache
// Warmer, Search Router, and Account-Class Cache together as explicit
// dependencies, per spec.md §9's "pass them as explicit dependencies
// rather than globals" design note. Nothing outside this package holds a
// global reference to any component.
package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"m365cache/accountclass"
	"m365cache/cachecore"
	"m365cache/keymanager"
	"m365cache/searchrouter"
	"m365cache/storage"
	"m365cache/taskqueue"
	"m365cache/warming"
	"m365cache/worker"
)

// Config controls where the App's encrypted store lives and how its
// background components are tuned. Zero-value Retry/MaxOpenConns/
// CacheSizeKiB fall back to their component defaults.
type Config struct {
	DBPath       string
	MaxOpenConns int
	CacheSizeKiB int
	Retry        taskqueue.RetryPolicy
	WarmingPlan  []warming.PlanItem
}

// Dependencies are the external collaborators the composition root
// cannot construct itself: the tool layer's operation executors for the
// worker and the warmer (one seam each, per spec.md §9's "the executor is
// injected once"), the Graph transport, and the account-class detector.
// All four are out of this module's
// scope and are supplied by the caller that owns the MCP tool layer.
type Dependencies struct {
	WorkerExecutor  worker.Executor
	WarmingExecutor warming.Executor
	GraphClient     searchrouter.GraphClient
	ClassDetector   accountclass.Detector
}

// App holds every wired component. The zero value is not usable;
// construct with New.
type App struct {
	KeyManager   *keymanager.Manager
	Engine       *storage.Engine
	Cache        *cachecore.Core
	Queue        *taskqueue.Queue
	Worker       *worker.Worker
	Warmer       *warming.Warmer
	Router       *searchrouter.Router
	AccountClass *accountclass.Cache

	logger zerolog.Logger
}

// New wires the full dependency graph: Key Manager -> Storage Engine ->
// Cache Core / Task Queue -> Background Worker / Cache Warmer ->
// Search Router / Account-Class Cache. It does not start the worker or
// warmer; call Start (worker) and StartWarming (warmer) for that once the
// App is constructed.
func New(ctx context.Context, cfg Config, deps Dependencies, logger zerolog.Logger) (*App, error) {
	km, err := keymanager.New(logger)
	if err != nil {
		return nil, fmt.Errorf("app: key manager init: %w", err)
	}
	key, err := km.GetOrCreateKey()
	if err != nil {
		return nil, fmt.Errorf("app: obtain encryption key: %w", err)
	}

	storeCfg := storage.DefaultConfig(cfg.DBPath, key)
	if cfg.MaxOpenConns > 0 {
		storeCfg.MaxOpenConns = cfg.MaxOpenConns
	}
	if cfg.CacheSizeKiB > 0 {
		storeCfg.CacheSizeKiB = cfg.CacheSizeKiB
	}
	engine, err := storage.Open(ctx, storeCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app: storage engine init: %w", err)
	}

	cache := cachecore.New(engine, logger)
	queue := taskqueue.New(engine, logger)

	retry := cfg.Retry
	if retry.MaxRetries == 0 && retry.InitialBackoff == 0 {
		retry = taskqueue.DefaultRetryPolicy()
	}

	var bgWorker *worker.Worker
	if deps.WorkerExecutor != nil {
		bgWorker = worker.New(queue, deps.WorkerExecutor, retry, logger)
	}

	var warmer *warming.Warmer
	if deps.WarmingExecutor != nil {
		plan := cfg.WarmingPlan
		if plan == nil {
			plan = warming.DefaultPlan()
		}
		warmer = warming.NewWithPlan(cache, deps.WarmingExecutor, plan, logger)
	}

	var router *searchrouter.Router
	if deps.GraphClient != nil {
		router = searchrouter.New(deps.GraphClient, logger)
	}

	var classCache *accountclass.Cache
	if deps.ClassDetector != nil {
		classCache = accountclass.New(engine, deps.ClassDetector, logger)
	}

	return &App{
		KeyManager:   km,
		Engine:       engine,
		Cache:        cache,
		Queue:        queue,
		Worker:       bgWorker,
		Warmer:       warmer,
		Router:       router,
		AccountClass: classCache,
		logger:       logger,
	}, nil
}

// Start begins the background worker loop. The warmer is started
// separately via StartWarming, since it additionally needs the set of
// accounts to warm (unknown to the composition root until the tool layer
// supplies it).
func (a *App) Start(ctx context.Context) error {
	if a.Worker == nil {
		return nil
	}
	return a.Worker.Start(ctx)
}

// StartWarming launches the cache warmer for the given accounts. It is a
// no-op if no warming executor was supplied at construction.
func (a *App) StartWarming(ctx context.Context, accounts []string) {
	if a.Warmer == nil {
		return
	}
	a.Warmer.Start(ctx, accounts)
}

// Shutdown stops the background worker and closes the storage engine. It
// is safe to call even if Start was never called.
func (a *App) Shutdown() error {
	if a.Worker != nil {
		a.Worker.Stop()
	}
	if a.Engine != nil {
		return a.Engine.Close()
	}
	return nil
}
