package listsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

type engine struct {
	store      *Store
	coord      *Coordinator
	listener   *Listener
	fetch      Fetcher
	log        Logger
	hooks      Hooks
	retryDelay time.Duration

	mu     sync.Mutex
	views  map[string]*GroupedView
	closed atomic.Bool
}

var _ Engine = (*engine)(nil)

func newEngine(opts Options) (*engine, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("listsync: Options.Fetcher is required")
	}
	if opts.Mutator == nil {
		return nil, errors.New("listsync: Options.Mutator is required")
	}
	log := coalesce[Logger](opts.Logger, NopLogger{})
	hooks := coalesce[Hooks](opts.Hooks, NopHooks{})

	store := NewStore(StoreOptions{
		Namespace:    opts.Namespace,
		Logger:       log,
		Hooks:        hooks,
		GenStore:     opts.GenStore,
		GenRetention: opts.GenRetention,
		StaleAfter:   opts.StaleAfter,
		GCWindow:     opts.GCWindow,
		GCInterval:   opts.GCInterval,
		Spill:        opts.Spill,
		SpillCodec:   opts.SpillCodec,
		SpillTTL:     opts.SpillTTL,
		Scheduler:    opts.Scheduler,
		Now:          opts.Now,
	})
	coord := NewCoordinator(store, opts.Mutator, CoordinatorOptions{
		Logger:  log,
		Hooks:   hooks,
		History: opts.MutationHistory,
		Now:     opts.Now,
	})
	listener := NewListener(store, coord, ListenerOptions{
		Affects:          opts.Affects,
		DegradedInterval: opts.DegradedInterval,
		Logger:           log,
		Hooks:            hooks,
	})
	coord.OnSettled(listener.settled)

	e := &engine{
		store:      store,
		coord:      coord,
		listener:   listener,
		fetch:      opts.Fetcher,
		log:        log,
		hooks:      hooks,
		retryDelay: coalesce(opts.FetchRetryDelay, defaultRetryDelay),
		views:      make(map[string]*GroupedView),
	}
	if _, ok := opts.Fetcher.(ItemFetcher); ok {
		store.setDetailRefetcher(e.refetchItem)
	}
	return e, nil
}

func (e *engine) Subscribe(key QueryKey, cb func(Entry)) func() {
	return e.store.Subscribe(key, cb)
}

func (e *engine) GetSnapshot(key QueryKey) (Entry, bool) {
	return e.store.Snapshot(key)
}

func (e *engine) DispatchMutation(ctx context.Context, action string, targets []Target, transform ItemTransform) (string, error) {
	return e.Dispatch(ctx, Mutation{Action: action, Targets: targets, Transform: transform})
}

func (e *engine) Dispatch(ctx context.Context, m Mutation) (string, error) {
	if e.closed.Load() {
		return "", ErrClosed
	}
	return e.coord.Dispatch(ctx, m)
}

// DispatchAsync returns "" once the engine is closed.
func (e *engine) DispatchAsync(ctx context.Context, m Mutation) string {
	return e.coord.DispatchAsync(ctx, m)
}

func (e *engine) Await(ctx context.Context, id string) (PendingMutation, error) {
	return e.coord.Await(ctx, id)
}

func (e *engine) Retry(ctx context.Context, id string) (string, error) {
	if e.closed.Load() {
		return "", ErrClosed
	}
	return e.coord.Retry(ctx, id)
}

func (e *engine) Mutation(id string) (PendingMutation, bool) {
	return e.coord.Mutation(id)
}

func (e *engine) View(params GroupParams) *GroupedView {
	k := params.Key().String()
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := e.views[k]; ok {
		return v
	}
	v := newGroupedView(e.store, e.fetch, e.coord, params, e.log, e.hooks, e.retryDelay)
	v.onRekey = e.rekey
	e.views[k] = v
	return v
}

func (e *engine) rekey(old, next QueryKey, v *GroupedView) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.views[old.String()] == v {
		delete(e.views, old.String())
	}
	e.views[next.String()] = v
}

func (e *engine) LoadItem(ctx context.Context, entityType, id string) (Item, error) {
	if e.closed.Load() {
		return Item{}, ErrClosed
	}
	itf, ok := e.fetch.(ItemFetcher)
	if !ok {
		return Item{}, ErrNoItemFetcher
	}
	key := DetailKey(entityType, id)
	k := key.String()
	g := e.store.beginFetch(key)
	it, err := retryOnce(ctx, e.retryDelay, func(ctx context.Context) (Item, error) {
		return itf.FetchItem(ctx, entityType, id)
	})
	if err != nil {
		ferr := &FetchError{Key: k, Op: "load_item", Err: err}
		e.store.failFetch(key, g, ferr)
		e.hooks.FetchFailed(k, "load_item", err)
		e.log.Warn("load_item failed", Fields{"key": k, "err": err})
		return Item{}, ferr
	}
	if err := e.coord.applyFetched(key, g, func(Value) Value { return it.copyItem() }); err != nil {
		if errors.Is(err, ErrStaleResponse) {
			e.hooks.StaleResponseDropped(k, "load_item")
		}
		return Item{}, err
	}
	if cur, ok := e.store.peek(key); ok {
		if ci, ok := cur.(Item); ok {
			return ci.copyItem(), nil
		}
	}
	return it, nil
}

// refetchItem is the store's loader for detail keys.
func (e *engine) refetchItem(ctx context.Context, key QueryKey) {
	if _, err := e.LoadItem(ctx, key.EntityType(), key.EntityID()); err != nil && !errors.Is(err, ErrStaleResponse) {
		e.log.Debug("background refetch failed", Fields{"key": key.String(), "err": err})
	}
}

func (e *engine) Write(key QueryKey, data Value) error {
	if e.closed.Load() {
		return ErrClosed
	}
	return e.coord.Write(key, data)
}

func (e *engine) Invalidate(key QueryKey) { e.store.Invalidate(key) }

func (e *engine) Listen(ctx context.Context, events <-chan Event) error {
	if e.closed.Load() {
		return ErrClosed
	}
	return e.listener.Run(ctx, events)
}

func (e *engine) Connected() bool { return e.listener.Connected() }

func (e *engine) Store() *Store { return e.store }

// Close waits for background mutations, then stops the store. Hooks with a
// Close method (hooks/async) are closed last.
func (e *engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.coord.Close()
	err := e.store.Close(ctx)
	if c, ok := e.hooks.(interface{ Close() }); ok {
		c.Close()
	}
	return err
}
