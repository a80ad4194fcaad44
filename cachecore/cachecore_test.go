package cachecore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"m365cache/pkg/models"
	"m365cache/storage"
)

func newTestCore(t *testing.T) *Core {
	t.Helper()
	ctx := context.Background()
	cfg := storage.DefaultConfig(":memory:", "test-passphrase")
	engine, err := storage.Open(ctx, cfg, testLogger())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { engine.Close() })
	return New(engine, testLogger())
}

// TestSetGetFreshImmediate covers invariant 4: after Set and an immediate
// Get, state is FRESH and the data round-trips unchanged.
func TestSetGetFreshImmediate(t *testing.T) {
	core := newTestCore(t)
	ctx := context.Background()

	if err := core.Set(ctx, "acc", "email_get", map[string]interface{}{"id": "1"}, map[string]interface{}{"x": float64(1)}); err != nil {
		t.Fatalf("set: %v", err)
	}

	data, state, found := core.Get(ctx, "acc", "email_get", map[string]interface{}{"id": "1"})
	if !found {
		t.Fatal("expected hit")
	}
	if state != models.StateFresh {
		t.Fatalf("expected fresh, got %v", state)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["x"] != float64(1) {
		t.Fatalf("round-trip mismatch: %v", got)
	}
}

// TestKeyDerivationDeterministic covers invariant 2: two Sets with
// canonically-equal params produce the same key (and therefore collide
// into one entry rather than two).
func TestKeyDerivationDeterministic(t *testing.T) {
	core := newTestCore(t)
	ctx := context.Background()

	p1 := map[string]interface{}{"b": 2, "a": 1}
	p2 := map[string]interface{}{"a": 1, "b": 2}

	if err := core.Set(ctx, "acc", "email_list", p1, map[string]interface{}{"v": 1}); err != nil {
		t.Fatalf("set1: %v", err)
	}
	if err := core.Set(ctx, "acc", "email_list", p2, map[string]interface{}{"v": 2}); err != nil {
		t.Fatalf("set2: %v", err)
	}

	stats, err := core.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Entries != 1 {
		t.Fatalf("expected one collapsed entry, got %d", stats.Entries)
	}
}

// TestFreshStaleExpiredTransitions is scenario S1 from spec.md §8 adapted
// to injected TTLs: rather than waiting real wall-clock seconds, this
// directly exercises the entry's StateAt classification and the cache's
// age-based deletion by writing rows at a controlled created_at.
func TestFreshStaleExpiredTransitions(t *testing.T) {
	core := newTestCore(t)
	ctx := context.Background()

	createdAt := time.Now().Add(-200 * time.Second)
	freshUntil := createdAt.Add(30 * time.Second)
	expiresAt := createdAt.Add(120 * time.Second)

	payload, _ := json.Marshal(map[string]interface{}{"x": 1})
	_, err := core.engine.DB().ExecContext(ctx, `
		INSERT INTO cache_entries (key, account_id, resource_type, payload, compressed,
			size_bytes, created_at, accessed_at, fresh_until, expires_at, hit_count)
		VALUES (?, 'acc', 't', ?, 0, ?, ?, ?, ?, ?, 0)
	`, "t:acc", payload, len(payload), createdAt.Unix(), createdAt.Unix(), freshUntil.Unix(), expiresAt.Unix())
	if err != nil {
		t.Fatalf("seed row: %v", err)
	}

	// createdAt is 200s in the past and expires_at is createdAt+120s, i.e.
	// 80s in the past: this row is already EXPIRED, matching the t=180
	// leg of S1. Get must report a miss and delete the row.
	_, state, found := core.Get(ctx, "acc", "t", nil)
	if found {
		t.Fatalf("expected miss for expired row, got state %v", state)
	}

	var count int
	row := core.engine.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries WHERE key = ?`, "t:acc")
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatal("expired row was not deleted")
	}
}

// TestCompressionThreshold is scenario S2: payloads below 50 KiB encoded
// are stored uncompressed; at/above it they are gzip-compressed and still
// decode back to the original value.
func TestCompressionThreshold(t *testing.T) {
	core := newTestCore(t)
	ctx := context.Background()

	small := strings.Repeat("a", 1024) // small JSON string value, well under 50KiB total encoded
	if err := core.Set(ctx, "acc", "file_get", map[string]interface{}{"k": "small"}, map[string]interface{}{"blob": small}); err != nil {
		t.Fatalf("set small: %v", err)
	}
	var compressedSmall bool
	row := core.engine.DB().QueryRowContext(ctx, `SELECT compressed FROM cache_entries WHERE key LIKE 'file_get:acc:%'`)
	if err := row.Scan(&compressedSmall); err != nil {
		t.Fatalf("scan small: %v", err)
	}
	if compressedSmall {
		t.Fatal("small payload should not be compressed")
	}

	large := strings.Repeat("b", 60*1024)
	if err := core.Set(ctx, "acc", "file_get", map[string]interface{}{"k": "large"}, map[string]interface{}{"blob": large}); err != nil {
		t.Fatalf("set large: %v", err)
	}
	data, state, found := core.Get(ctx, "acc", "file_get", map[string]interface{}{"k": "large"})
	if !found || state != models.StateFresh {
		t.Fatalf("expected fresh hit for large entry, found=%v state=%v", found, state)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal large: %v", err)
	}
	if got["blob"] != large {
		t.Fatal("large payload did not round-trip through compression")
	}
}

// TestPatternInvalidation is scenario S3.
func TestPatternInvalidation(t *testing.T) {
	core := newTestCore(t)
	ctx := context.Background()

	if err := core.Set(ctx, "A", "email_list", map[string]interface{}{"p": 1}, map[string]interface{}{"v": 1}); err != nil {
		t.Fatalf("set1: %v", err)
	}
	if err := core.Set(ctx, "A", "email_list", map[string]interface{}{"p": 2}, map[string]interface{}{"v": 2}); err != nil {
		t.Fatalf("set2: %v", err)
	}
	if err := core.Set(ctx, "A", "folder_list", map[string]interface{}{"p": 3}, map[string]interface{}{"v": 3}); err != nil {
		t.Fatalf("set3: %v", err)
	}

	count, err := core.InvalidatePattern(ctx, "email_list:*", nil, "test")
	if err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 invalidated, got %d", count)
	}

	stats, err := core.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Entries != 1 {
		t.Fatalf("expected 1 remaining entry, got %d", stats.Entries)
	}

	var logged int
	row := core.engine.DB().QueryRowContext(ctx, `
		SELECT entries_invalidated FROM cache_invalidation WHERE pattern = 'email_list:*'
	`)
	if err := row.Scan(&logged); err != nil {
		t.Fatalf("scan log: %v", err)
	}
	if logged != 2 {
		t.Fatalf("expected logged count 2, got %d", logged)
	}
}

// TestEntryTooLarge asserts Set rejects payloads whose stored (possibly
// compressed) form exceeds MaxEntryBytes. The value is base64 of random
// bytes, which gzip cannot shrink below the limit.
func TestEntryTooLarge(t *testing.T) {
	core := newTestCore(t)
	ctx := context.Background()

	raw := make([]byte, 2*MaxEntryBytes)
	if _, err := rand.Read(raw); err != nil {
		t.Fatalf("random: %v", err)
	}
	huge := base64.StdEncoding.EncodeToString(raw)
	err := core.Set(ctx, "acc", "file_get", nil, map[string]interface{}{"blob": huge})
	if err != ErrEntryTooLarge {
		t.Fatalf("expected ErrEntryTooLarge, got %v", err)
	}
}

// TestCleanupExpired exercises the standalone reaper.
func TestCleanupExpired(t *testing.T) {
	core := newTestCore(t)
	ctx := context.Background()

	past := time.Now().Add(-1 * time.Hour)
	payload, _ := json.Marshal(map[string]interface{}{"x": 1})
	_, err := core.engine.DB().ExecContext(ctx, `
		INSERT INTO cache_entries (key, account_id, resource_type, payload, compressed,
			size_bytes, created_at, accessed_at, fresh_until, expires_at, hit_count)
		VALUES ('k1', 'acc', 't', ?, 0, ?, ?, ?, ?, ?, 0)
	`, payload, len(payload), past.Unix(), past.Unix(), past.Unix(), past.Add(-time.Minute).Unix())
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	count, err := core.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 cleaned, got %d", count)
	}
}
