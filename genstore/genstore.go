// Package genstore keeps the per-query-key generation counters that decide
// whether a fetch response or a spilled entry is still current.
//
// Every full fetch and every invalidation bumps the key's generation; a
// response is applied only if the generation it started with is still the
// current one.
package genstore

import (
	"context"
	"time"
)

// GenStore abstracts where generations live.
// LocalGenStore is the default; RedisGenStore shares generations with other
// sessions that share a spill tier.
type GenStore interface {
	// Snapshot returns the current generation; missing => 0.
	Snapshot(ctx context.Context, key string) (uint64, error)
	// SnapshotMany returns gens for many keys; missing => 0.
	SnapshotMany(ctx context.Context, keys []string) (map[string]uint64, error)
	// Bump atomically increments and returns the new generation.
	Bump(ctx context.Context, key string) (uint64, error)
	// Cleanup prunes counters idle for longer than retention (no-op for Redis).
	Cleanup(retention time.Duration)
	Close(context.Context) error
}
