// Package provider defines the byte store backing the spill tier.
//
// When the store garbage-collects an idle entry it encodes the value, frames
// it with the key's generation and writes it to a Provider. The next
// subscriber to that key is seeded from the spilled copy (marked stale) while
// a refetch runs.
//
// Implementations must be byte-for-byte transparent: Get returns exactly the
// bytes passed to Set. The keyspace "spill:<ns>:" belongs to listsync; foreign
// values found there fail frame validation and are deleted.
package provider

import (
	"context"
	"time"
)

// Provider is a minimal byte store with TTLs, safe for concurrent use.
type Provider interface {
	// Get returns (value, true, nil) on hit and (nil, false, nil) on miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value for ttl. cost is a size hint for cost-based stores.
	// ok=false means the store declined the write under pressure.
	Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (ok bool, err error)

	// Del removes a key (best-effort).
	Del(ctx context.Context, key string) error

	Close(ctx context.Context) error
}
