package models

import "time"

// InvalidationLogEntry is an append-only audit row written on every
// successful InvalidatePattern call. There is no invariant beyond
// append-only; it exists purely for observability.
type InvalidationLogEntry struct {
	ID                 int64
	AccountID          string
	Pattern            string
	Reason             string
	InvalidatedAt      time.Time
	EntriesInvalidated int
}
