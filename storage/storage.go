// Package storage implements the encrypted embedded relational store
// shared by the cache core, task queue, invalidation log, stats, and
// account-class cache. It owns schema migration, connection pooling, and
// the single transactional primitive every other component builds on.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mutecomm/go-sqlcipher/v4" // registers the "sqlite3" driver with page-level AES encryption
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// ErrUnavailable is returned when the database cannot be opened or
// migrated. Per spec, this is fatal at startup; callers above the storage
// layer downgrade it to best-effort miss/no-op behavior at runtime.
var ErrUnavailable = errors.New("storage: database unavailable")

// Config controls how the Storage Engine opens and pools its database.
type Config struct {
	// Path is the database file location. Parent directories are created
	// if missing.
	Path string
	// Key is the base64-encoded 256-bit key from keymanager, bound to
	// every connection before any other statement runs.
	Key string
	// MaxOpenConns bounds the pool; requests beyond this many concurrent
	// connections block on the standard library's own queue rather than
	// opening an unbounded number of connections.
	MaxOpenConns int
	// CacheSizeKiB is the SQLite page-cache budget, negative-KiB form
	// (PRAGMA cache_size accepts negative values to mean KiB instead of
	// pages).
	CacheSizeKiB int
}

// DefaultConfig returns the teacher-analogous defaults: 5 pooled
// connections, a 64,000 KiB (62.5 MiB) page cache, matching
// original_source/src/m365_mcp/cache.py's _create_connection.
func DefaultConfig(path, key string) Config {
	return Config{
		Path:         path,
		Key:          key,
		MaxOpenConns: 5,
		CacheSizeKiB: 64_000,
	}
}

// Engine is the encrypted embedded relational store. It is safe for
// concurrent use; all mutation goes through WithTx.
type Engine struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open creates the database file (and parent directories) if needed, binds
// the encryption key, configures WAL/synchronous/temp-store pragmas, and
// runs the idempotent migration script.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (*Engine, error) {
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
			return nil, fmt.Errorf("%w: create data directory: %v", ErrUnavailable, err)
		}
	}

	// Every pragma needed on each connection is carried in the DSN's
	// "_pragma_*" query parameters rather than issued once via ExecContext,
	// so a connection the pool opens later under concurrency is bound and
	// configured exactly like the first one, not left on SQLite's defaults.
	// "_pragma_key" must appear first: nothing else can be read or written
	// on an unkeyed connection.
	dsn := fmt.Sprintf(
		"file:%s?_pragma_key=%s&_pragma_journal_mode=WAL&_pragma_synchronous=NORMAL&_pragma_temp_store=MEMORY&_pragma_cache_size=-%d",
		cfg.Path, cfg.Key, cfg.CacheSizeKiB,
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrUnavailable, err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: configure connection: %v", ErrUnavailable, err)
	}

	e := &Engine{db: db, logger: logger}
	if err := e.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrate: %v", ErrUnavailable, err)
	}

	return e, nil
}

func (e *Engine) migrate(ctx context.Context) error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	for _, entry := range entries {
		script, err := migrationFS.ReadFile(filepath.Join("migrations", entry.Name()))
		if err != nil {
			return err
		}
		if _, err := e.db.ExecContext(ctx, string(script)); err != nil {
			return fmt.Errorf("apply %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// WithTx runs fn inside a single transaction: begin, invoke fn, commit on
// nil error, rollback on error. Every logical operation in the module is
// one such transaction; nested transactions are never used. This
// generalizes original_source/cache.py's _db() context manager into a Go
// closure over *sql.Tx.
func (e *Engine) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %v", ErrUnavailable, err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			e.logger.Error().Err(rbErr).Msg("storage: rollback failed")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrUnavailable, err)
	}
	return nil
}

// DB exposes the underlying pool for read-only queries that don't need
// explicit transaction semantics (e.g. SELECT-only Stats aggregation).
func (e *Engine) DB() *sql.DB {
	return e.db
}

// Close closes the connection pool.
func (e *Engine) Close() error {
	return e.db.Close()
}

// EngineStats reports pool-level bookkeeping for observability.
type EngineStats struct {
	OpenConnections int
}

// Stats returns pool bookkeeping for observability.
func (e *Engine) Stats() EngineStats {
	dbStats := e.db.Stats()
	return EngineStats{OpenConnections: dbStats.OpenConnections}
}
