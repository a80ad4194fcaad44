// Package accountclass maintains the persisted accountID -> AccountClass
// mapping the search router consults before every dispatch. A miss
// triggers an injected detection call; failed detection is recorded as
// unknown so repeated lookups don't hammer the detector.
package accountclass

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"m365cache/pkg/models"
	"m365cache/storage"
)

// Detector is the external collaborator that determines an account's
// class the first time it is seen. A detection failure is not fatal: the
// account is recorded as unknown, and later Resolve calls return that
// record without calling the detector again (records never expire; Set
// overwrites one).
type Detector interface {
	Detect(ctx context.Context, accountID string) (models.AccountClass, error)
}

// Cache is the Account-Class Cache component. The zero value is not
// usable; construct with New.
type Cache struct {
	engine   *storage.Engine
	detector Detector
	logger   zerolog.Logger
}

// New constructs a Cache over a storage Engine and an injected Detector.
func New(engine *storage.Engine, detector Detector, logger zerolog.Logger) *Cache {
	return &Cache{engine: engine, detector: detector, logger: logger}
}

// Resolve returns the account's class, consulting the persisted mapping
// first and falling back to the detector on miss. A failed detection is
// recorded as models.AccountUnknown and returned without error, matching
// search_router.py's "unknown is the safe default" behaviour.
func (c *Cache) Resolve(ctx context.Context, accountID string) (models.AccountClass, error) {
	record, found, err := c.lookup(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("accountclass: lookup %q: %w", accountID, err)
	}
	if found {
		return record.Class, nil
	}

	class, err := c.detector.Detect(ctx, accountID)
	if err != nil {
		c.logger.Warn().Err(err).Str("account_id", accountID).Msg("accountclass: detection failed, recording unknown")
		class = models.AccountUnknown
	}

	if storeErr := c.store(ctx, accountID, class); storeErr != nil {
		c.logger.Error().Err(storeErr).Str("account_id", accountID).Msg("accountclass: failed to persist detected class")
	}
	return class, nil
}

// Set overwrites the persisted class for an account, e.g. from an
// operator override or a reclassification decision.
func (c *Cache) Set(ctx context.Context, accountID string, class models.AccountClass) error {
	return c.store(ctx, accountID, class)
}

func (c *Cache) lookup(ctx context.Context, accountID string) (models.AccountClassRecord, bool, error) {
	row := c.engine.DB().QueryRowContext(ctx,
		`SELECT account_id, class, detected_at FROM account_class WHERE account_id = ?`, accountID)

	var rec models.AccountClassRecord
	var detectedAt int64
	err := row.Scan(&rec.AccountID, &rec.Class, &detectedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.AccountClassRecord{}, false, nil
	}
	if err != nil {
		return models.AccountClassRecord{}, false, err
	}
	rec.DetectedAt = time.Unix(detectedAt, 0).UTC()
	return rec, true, nil
}

func (c *Cache) store(ctx context.Context, accountID string, class models.AccountClass) error {
	return c.engine.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO account_class (account_id, class, detected_at)
			VALUES (?, ?, ?)
			ON CONFLICT(account_id) DO UPDATE SET
				class = excluded.class,
				detected_at = excluded.detected_at
		`, accountID, string(class), time.Now().UTC().Unix())
		return err
	})
}
