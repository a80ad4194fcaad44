// Package cachecore implements the encrypted local object cache: key
// derivation, TTL policy lookup, compression, set/get with three-state
// freshness detection, capacity-driven eviction, pattern invalidation, and
// statistics. It is the one component every tool call goes through on the
// read path and every mutating tool call goes through on invalidation.
package cachecore

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"m365cache/pkg/models"
	"m365cache/pkg/utils"
	"m365cache/storage"

	"github.com/rs/zerolog"
)

const (
	// MaxEntryBytes is the hard per-entry ceiling; Set fails fast above it.
	MaxEntryBytes = 10 * 1024 * 1024
	// MaxTotalBytes is the soft capacity budget across all entries.
	MaxTotalBytes = 2 * 1024 * 1024 * 1024
	// compressThreshold is the minimum encoded size that triggers gzip.
	compressThreshold = 50 * 1024
	// gzipLevel is the fixed compression level used for all payloads.
	gzipLevel = gzip.BestCompression - 3 // level 6

	// cleanupAtRatio triggers an eviction pass once total bytes cross it.
	cleanupAtRatio = 0.8
	// cleanupToRatio is the target total bytes an eviction pass reduces to.
	cleanupToRatio = 0.6
)

// ErrEntryTooLarge is returned by Set when the (possibly compressed)
// payload would exceed MaxEntryBytes. This is the one Cache Core error
// surfaced directly to the caller; everything else downgrades to a miss,
// a no-op, or a log line.
var ErrEntryTooLarge = errors.New("cachecore: entry exceeds maximum size")

// Core is the Cache Core. The zero value is not usable; construct with
// New.
type Core struct {
	engine *storage.Engine
	logger zerolog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// New constructs a Core backed by an open storage Engine.
func New(engine *storage.Engine, logger zerolog.Logger) *Core {
	return &Core{engine: engine, logger: logger}
}

// Set serializes data as canonical UTF-8 JSON, compresses it if the
// encoded form is at least 50 KiB, rejects payloads over 10 MiB, and
// upserts the CacheEntry row. On return it checks total bytes and, if
// over the cleanup threshold, runs an eviction pass.
func (c *Core) Set(ctx context.Context, accountID, resourceType string, params, data interface{}) error {
	key, err := utils.DeriveKey(resourceType, accountID, params)
	if err != nil {
		return fmt.Errorf("cachecore: derive key: %w", err)
	}

	encoded, err := utils.CanonicalJSON(data)
	if err != nil {
		return fmt.Errorf("cachecore: encode data: %w", err)
	}

	payload := encoded
	compressed := false
	if len(encoded) >= compressThreshold {
		payload, err = gzipCompress(encoded)
		if err != nil {
			return fmt.Errorf("cachecore: compress: %w", err)
		}
		compressed = true
	}

	if len(payload) > MaxEntryBytes {
		return ErrEntryTooLarge
	}

	now := time.Now()
	policy := PolicyFor(resourceType)
	freshUntil := policy.freshUntil(now)
	expiresAt := policy.expiresAt(now)

	err = c.engine.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cache_entries
				(key, account_id, resource_type, payload, compressed, size_bytes,
				 created_at, accessed_at, fresh_until, expires_at, hit_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
			ON CONFLICT(key) DO UPDATE SET
				account_id = excluded.account_id,
				resource_type = excluded.resource_type,
				payload = excluded.payload,
				compressed = excluded.compressed,
				size_bytes = excluded.size_bytes,
				created_at = excluded.created_at,
				accessed_at = excluded.accessed_at,
				fresh_until = excluded.fresh_until,
				expires_at = excluded.expires_at,
				hit_count = 0
		`,
			key, accountID, resourceType, payload, compressed, len(payload),
			now.Unix(), now.Unix(), freshUntil.Unix(), expiresAt.Unix(),
		)
		return err
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cachecore: set failed, storage unavailable")
		return nil
	}

	c.maybeEvict(ctx)
	return nil
}

// Get looks up (accountID, resourceType, params). A miss, an expired
// entry, or a decode failure all report found=false with no error: the
// cache is a best-effort accelerator and read failures never propagate to
// the caller as errors.
func (c *Core) Get(ctx context.Context, accountID, resourceType string, params interface{}) (data json.RawMessage, state models.CacheState, found bool) {
	key, err := utils.DeriveKey(resourceType, accountID, params)
	if err != nil {
		c.logger.Warn().Err(err).Msg("cachecore: derive key failed on get")
		return nil, models.StateExpired, false
	}

	var (
		payload                                       []byte
		compressed                                    bool
		createdAtUnix, freshUntilUnix, expiresAtUnix   int64
	)
	row := c.engine.DB().QueryRowContext(ctx, `
		SELECT payload, compressed, created_at, fresh_until, expires_at
		FROM cache_entries WHERE key = ?
	`, key)
	if err := row.Scan(&payload, &compressed, &createdAtUnix, &freshUntilUnix, &expiresAtUnix); err != nil {
		c.misses.Add(1)
		return nil, models.StateExpired, false
	}

	now := time.Now()
	entry := models.CacheEntry{
		Key:        key,
		CreatedAt:  time.Unix(createdAtUnix, 0),
		FreshUntil: time.Unix(freshUntilUnix, 0),
		ExpiresAt:  time.Unix(expiresAtUnix, 0),
	}
	state = entry.StateAt(now)

	if state == models.StateExpired {
		c.misses.Add(1)
		_, _ = c.engine.DB().ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
		return nil, models.StateExpired, false
	}

	if compressed {
		payload, err = gzipDecompress(payload)
		if err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("cachecore: decompress failed, treating as miss")
			c.misses.Add(1)
			return nil, models.StateExpired, false
		}
	}

	var probe json.RawMessage
	if err := json.Unmarshal(payload, &probe); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cachecore: decode failed, treating as miss")
		c.misses.Add(1)
		return nil, models.StateExpired, false
	}

	c.hits.Add(1)
	_, _ = c.engine.DB().ExecContext(ctx, `
		UPDATE cache_entries SET accessed_at = ?, hit_count = hit_count + 1 WHERE key = ?
	`, now.Unix(), key)

	return probe, state, true
}

// InvalidatePattern translates glob wildcards ("*") to SQL LIKE wildcards,
// deletes every matching row, appends an audit row to cache_invalidation,
// and returns the number of rows removed. Invalidation is advisory: a
// storage failure is logged and reported as zero rows removed with a nil
// error, so a mutating tool call never fails because of cache cleanup.
func (c *Core) InvalidatePattern(ctx context.Context, pattern string, accountID *string, reason string) (int, error) {
	likePattern := utils.WildcardToLike(pattern)
	now := time.Now()

	var count int
	err := c.engine.WithTx(ctx, func(tx *sql.Tx) error {
		var (
			res sql.Result
			err error
		)
		if accountID != nil {
			res, err = tx.ExecContext(ctx,
				`DELETE FROM cache_entries WHERE key LIKE ? ESCAPE '\' AND account_id = ?`,
				likePattern, *accountID)
		} else {
			res, err = tx.ExecContext(ctx,
				`DELETE FROM cache_entries WHERE key LIKE ? ESCAPE '\'`,
				likePattern)
		}
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		count = int(affected)

		var acctForLog interface{}
		if accountID != nil {
			acctForLog = *accountID
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO cache_invalidation (account_id, pattern, reason, invalidated_at, entries_invalidated)
			VALUES (?, ?, ?, ?, ?)
		`, acctForLog, pattern, reason, now.Unix(), count)
		return err
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("pattern", pattern).Msg("cachecore: invalidation failed")
		return 0, nil
	}
	return count, nil
}

// CleanupExpired deletes every row whose expiry has passed and returns the
// count removed. This is the reaper half of eviction, also callable
// standalone (e.g. from a periodic sweep outside the hot Set path).
func (c *Core) CleanupExpired(ctx context.Context) (int, error) {
	now := time.Now()
	var count int
	err := c.engine.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at < ?`, now.Unix())
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		count = int(affected)
		return nil
	})
	return count, err
}

// Stats aggregates entry counts, byte totals and the stored per-entry hit
// counts, overall and broken down by account and resource type. The
// in-process hit/miss counters are not included; HitCount and MissCount
// report them.
func (c *Core) Stats(ctx context.Context) (models.CacheStats, error) {
	var stats models.CacheStats
	row := c.engine.DB().QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(size_bytes), 0), COALESCE(SUM(hit_count), 0)
		FROM cache_entries
	`)
	if err := row.Scan(&stats.Entries, &stats.TotalBytes, &stats.TotalHits); err != nil {
		return stats, fmt.Errorf("cachecore: stats: %w", err)
	}
	if stats.Entries > 0 {
		stats.AvgBytes = float64(stats.TotalBytes) / float64(stats.Entries)
	}
	stats.MaxBytes = MaxTotalBytes
	stats.UsagePct = float64(stats.TotalBytes) / float64(MaxTotalBytes)

	stats.ByAccount = map[string]int64{}
	rows, err := c.engine.DB().QueryContext(ctx, `
		SELECT account_id, COUNT(*) FROM cache_entries GROUP BY account_id
	`)
	if err != nil {
		return stats, fmt.Errorf("cachecore: stats by account: %w", err)
	}
	for rows.Next() {
		var acct string
		var n int64
		if err := rows.Scan(&acct, &n); err != nil {
			rows.Close()
			return stats, err
		}
		stats.ByAccount[acct] = n
	}
	rows.Close()

	stats.ByResource = map[string]int64{}
	rows, err = c.engine.DB().QueryContext(ctx, `
		SELECT resource_type, COUNT(*) FROM cache_entries GROUP BY resource_type
	`)
	if err != nil {
		return stats, fmt.Errorf("cachecore: stats by resource: %w", err)
	}
	for rows.Next() {
		var rt string
		var n int64
		if err := rows.Scan(&rt, &n); err != nil {
			rows.Close()
			return stats, err
		}
		stats.ByResource[rt] = n
	}
	rows.Close()

	return stats, nil
}

// HitCount and MissCount expose the in-process counters for callers (e.g.
// a process-level metrics exporter) that want raw numbers rather than the
// aggregated Stats snapshot.
func (c *Core) HitCount() int64  { return c.hits.Load() }
func (c *Core) MissCount() int64 { return c.misses.Load() }

// maybeEvict runs an eviction pass if total bytes are at or above the
// cleanup trigger. Errors are logged, not returned: eviction is best
// effort and must never fail the Set that triggered it.
func (c *Core) maybeEvict(ctx context.Context) {
	var total int64
	row := c.engine.DB().QueryRowContext(ctx, `SELECT COALESCE(SUM(size_bytes), 0) FROM cache_entries`)
	if err := row.Scan(&total); err != nil {
		c.logger.Warn().Err(err).Msg("cachecore: eviction size check failed")
		return
	}
	triggerBytes := cleanupAtRatio * float64(MaxTotalBytes)
	if total < int64(triggerBytes) {
		return
	}
	if err := c.evict(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("cachecore: eviction pass failed")
	}
}

// evict runs one eviction pass in a single write transaction: first it
// expires anything past its TTL, then if the remaining total is still
// over the target it deletes least-recently-accessed rows (in
// accessed_at ascending order) until the total is at or below the target.
// This is the two-pass, easier-to-test approach spec.md §9 explicitly
// sanctions in place of a correlated-subquery cumulative-sum delete.
func (c *Core) evict(ctx context.Context) error {
	targetBytes := cleanupToRatio * float64(MaxTotalBytes)
	target := int64(targetBytes)
	now := time.Now()

	return c.engine.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at < ?`, now.Unix()); err != nil {
			return err
		}

		var total int64
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(size_bytes), 0) FROM cache_entries`).Scan(&total); err != nil {
			return err
		}
		if total <= target {
			return nil
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT key, size_bytes FROM cache_entries ORDER BY accessed_at ASC
		`)
		if err != nil {
			return err
		}
		type candidate struct {
			key  string
			size int64
		}
		var victims []candidate
		for rows.Next() {
			var cand candidate
			if err := rows.Scan(&cand.key, &cand.size); err != nil {
				rows.Close()
				return err
			}
			victims = append(victims, cand)
			total -= cand.size
			if total <= target {
				break
			}
		}
		rows.Close()

		stmt, err := tx.PrepareContext(ctx, `DELETE FROM cache_entries WHERE key = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, v := range victims {
			if _, err := stmt.ExecContext(ctx, v.key); err != nil {
				return err
			}
		}
		return nil
	})
}

func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzipLevel)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipDecompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
