package listsync

import (
	"context"
	"time"

	c "github.com/unkn0wn-root/listsync/codec"
	gen "github.com/unkn0wn-root/listsync/genstore"
	pr "github.com/unkn0wn-root/listsync/provider"
)

// Engine is the surface offered to view bindings: reads and subscriptions,
// grouped views, optimistic mutations and the push listener. Create one per
// client session and Close it when the session ends.
type Engine interface {
	// Subscribe calls cb with the entry at key after every change to that key only.
	Subscribe(key QueryKey, cb func(Entry)) (unsubscribe func())
	// GetSnapshot returns the cached entry immediately and revalidates it in
	// the background when it is stale.
	GetSnapshot(key QueryKey) (Entry, bool)

	// DispatchMutation applies transform to every cached view containing one
	// of targets and resolves the mutation with the server.
	DispatchMutation(ctx context.Context, action string, targets []Target, transform ItemTransform) (string, error)
	Dispatch(ctx context.Context, m Mutation) (string, error)
	DispatchAsync(ctx context.Context, m Mutation) string
	Await(ctx context.Context, id string) (PendingMutation, error)
	Retry(ctx context.Context, id string) (string, error)
	Mutation(id string) (PendingMutation, bool)

	// View returns the grouped view for params, shared by every caller with
	// the same params.
	View(params GroupParams) *GroupedView
	// LoadItem fetches a detail entry; the Fetcher must implement ItemFetcher.
	LoadItem(ctx context.Context, entityType, id string) (Item, error)
	// Write replaces a cached value. Optimistic layers on key are replayed
	// on top of it.
	Write(key QueryKey, data Value) error
	Invalidate(key QueryKey)

	// Listen consumes push events until events closes or ctx ends.
	Listen(ctx context.Context, events <-chan Event) error
	Connected() bool

	Store() *Store
	Close(context.Context) error
}

// Options configure an Engine. Fetcher and Mutator are required.
type Options struct {
	Fetcher Fetcher
	Mutator Mutator

	Logger Logger // nil => NopLogger
	Hooks  Hooks  // nil => NopHooks

	Namespace    string        // "" => "listsync"
	GenStore     gen.GenStore  // nil => LocalGenStore
	GenRetention time.Duration // local gen store only; 0 => 24h

	StaleAfter time.Duration // 0 => 30s
	GCWindow   time.Duration // 0 => 5m
	GCInterval time.Duration // 0 => 1m; negative disables

	Spill      pr.Provider          // nil disables the spill tier
	SpillCodec c.Codec[SpillRecord] // nil => Msgpack
	SpillTTL   time.Duration        // 0 => 10m

	FetchRetryDelay  time.Duration // 0 => 200ms
	MutationHistory  int           // 0 => 256
	DegradedInterval time.Duration // 0 => 30s; negative disables
	// Affects maps an entity type to other entity types whose list keys
	// refetch when it changes.
	Affects map[string][]string

	Scheduler func(func())     // background refetch runner; nil => go f()
	Now       func() time.Time // nil => time.Now
}

func New(opts Options) (Engine, error) {
	e, err := newEngine(opts)
	if err != nil {
		return nil, err
	}
	return e, nil
}
