package listsync

import (
	"context"
	"errors"
	"math"
	"slices"
	"sync"
	"time"

	c "github.com/unkn0wn-root/listsync/codec"
	gen "github.com/unkn0wn-root/listsync/genstore"
	pr "github.com/unkn0wn-root/listsync/provider"
)

const (
	defaultStaleAfter   = 30 * time.Second
	defaultGCWindow     = 5 * time.Minute
	defaultGCInterval   = time.Minute
	defaultGenRetention = 24 * time.Hour
	defaultSpillTTL     = 10 * time.Minute
)

// Status is the fetch state of an entry.
type Status uint8

const (
	StatusIdle Status = iota
	StatusFetching
	StatusSuccess
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusFetching:
		return "fetching"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Entry is a read-only copy of a cached result.
type Entry struct {
	Key        QueryKey
	Data       Value
	Status     Status
	Err        error
	UpdatedAt  uint64 // logical clock; bumped on every data or status change
	FetchedAt  time.Time
	StaleAfter time.Duration
	Stale      bool     // invalidated since the last successful fetch
	Pending    []string // mutation ids holding optimistic patches on this key
}

// PatchFunc is a pure transformation of the current value. It receives a
// private copy and may return it modified.
type PatchFunc func(Value) Value

// StoreOptions tune a Store. All fields are optional.
type StoreOptions struct {
	Namespace    string        // isolates generations and spill keys; "" => "listsync"
	Logger       Logger        // nil => NopLogger
	Hooks        Hooks         // nil => NopHooks
	GenStore     gen.GenStore  // nil => LocalGenStore
	GenRetention time.Duration // local gen store only; 0 => 24h
	StaleAfter   time.Duration // 0 => 30s
	GCWindow     time.Duration // 0 => 5m; idle time before an unsubscribed entry is evicted
	GCInterval   time.Duration // 0 => 1m; negative disables the GC loop

	// Spill keeps evicted entries in a byte store so a later subscriber gets
	// stale data immediately while the refetch runs. nil disables spilling.
	Spill      pr.Provider
	SpillCodec c.Codec[SpillRecord] // nil => Msgpack
	SpillTTL   time.Duration        // 0 => 10m

	Scheduler func(func())     // runs background refetches; nil => go f()
	Now       func() time.Time // nil => time.Now
}

type subscription struct {
	id uint64
	fn func(Entry)
}

type entry struct {
	key       QueryKey
	data      Value
	status    Status
	err       error
	updatedAt uint64
	fetchedAt time.Time
	stale     bool
	restored  bool // seeded from the spill tier and not yet refetched
	holds     []string
	subs      []subscription
	idleSince time.Time
}

// Store holds cache entries for one client session. Create it on session
// start and Close it on logout; it is never package-level state.
type Store struct {
	ns         string
	log        Logger
	hooks      Hooks
	gens       gen.GenStore
	spill      *spill
	now        func() time.Time
	schedule   func(func())
	staleAfter time.Duration
	gcWindow   time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	refetch map[string]func(context.Context) // outlives GC of the entry
	detail  func(context.Context, QueryKey)  // reloads any detail key
	clock   uint64
	subSeq  uint64

	ctx       context.Context
	cancel    context.CancelFunc
	ticker    *time.Ticker
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewStore(opts StoreOptions) *Store {
	s := &Store{
		ns:      coalesce(opts.Namespace, "listsync"),
		entries: make(map[string]*entry),
		refetch: make(map[string]func(context.Context)),
	}
	s.log = coalesce[Logger](opts.Logger, NopLogger{})
	s.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	s.staleAfter = coalesce(opts.StaleAfter, defaultStaleAfter)
	s.gcWindow = coalesce(opts.GCWindow, defaultGCWindow)
	interval := coalesce(opts.GCInterval, defaultGCInterval)

	s.now = opts.Now
	if s.now == nil {
		s.now = time.Now
	}
	s.schedule = opts.Scheduler
	if s.schedule == nil {
		s.schedule = func(f func()) { go f() }
	}
	if opts.GenStore != nil {
		s.gens = opts.GenStore
	} else {
		// generations only need to outlive in-flight fetches and spilled entries
		s.gens = gen.NewLocalGenStore(interval, coalesce(opts.GenRetention, defaultGenRetention))
	}
	if opts.Spill != nil {
		s.spill = &spill{
			ns:    s.ns,
			p:     opts.Spill,
			codec: coalesce[c.Codec[SpillRecord]](opts.SpillCodec, c.Msgpack[SpillRecord]{}),
			ttl:   coalesce(opts.SpillTTL, defaultSpillTTL),
			hooks: s.hooks,
			log:   s.log,
		}
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	if interval > 0 {
		s.ticker = time.NewTicker(interval)
		s.stopCh = make(chan struct{})
		s.wg.Add(1)
		go s.gcLoop()
	}
	return s
}

// Close stops background work and releases the gen store and spill provider.
func (s *Store) Close(ctx context.Context) error {
	var errs []error
	s.closeOnce.Do(func() {
		s.cancel()
		if s.stopCh != nil {
			close(s.stopCh)
			s.ticker.Stop()
			s.wg.Wait()
		}
		if err := s.gens.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		if s.spill != nil {
			if err := s.spill.p.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// Read returns a copy of the entry for key. It has no side effects.
// Invalidated entries without subscribers read as absent.
func (s *Store) Read(key QueryKey) (Entry, bool) {
	k := key.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k]
	if !ok || s.evictableLocked(e) {
		return Entry{}, false
	}
	return s.viewLocked(e), true
}

// Write replaces the value at key and notifies that key's subscribers.
// If the key carries optimistic patches the write is refused with a
// *ConflictError; the Coordinator rebases such writes.
func (s *Store) Write(key QueryKey, data Value, status Status) error {
	k := key.String()
	s.mu.Lock()
	e := s.ensureLocked(key, k)
	if len(e.holds) > 0 {
		ce := &ConflictError{Key: k, Pending: slices.Clone(e.holds)}
		s.mu.Unlock()
		return ce
	}
	s.setLocked(e, cloneValue(data), status, nil)
	s.mu.Unlock()
	s.emit(k)
	return nil
}

// Patch applies fn to the current value of key. Patches issued back to back
// compose: each runs against the value left by the previous one.
// Returns false when key is not cached.
func (s *Store) Patch(key QueryKey, fn PatchFunc) bool {
	k := key.String()
	s.mu.Lock()
	e, ok := s.entries[k]
	if !ok {
		s.mu.Unlock()
		return false
	}
	e.data = fn(cloneValue(e.data))
	s.touchLocked(e)
	s.mu.Unlock()
	s.emit(k)
	return true
}

// Invalidate marks key stale and advances its generation so in-flight fetches
// are dropped; a fetching entry goes back to idle. Subscribed keys with a
// refetcher are refetched in the background; unsubscribed keys are evicted on
// the next Snapshot.
func (s *Store) Invalidate(key QueryKey) {
	k := key.String()
	s.mu.Lock()
	s.bumpLocked(k)
	e, ok := s.entries[k]
	if !ok {
		s.mu.Unlock()
		return
	}
	e.stale = true
	e.restored = false
	if e.status == StatusFetching {
		// the in-flight response will be dropped; nothing else resets it
		e.status = StatusIdle
		s.touchLocked(e)
	}
	var refetch func(context.Context)
	if len(e.subs) > 0 {
		refetch = s.refetcherLocked(e.key, k)
	}
	s.mu.Unlock()

	if refetch != nil {
		s.schedule(func() { refetch(s.ctx) })
	}
	s.log.Debug("invalidated key", Fields{"key": k, "refetch": refetch != nil})
}

// Discard drops the data at key, advances its generation and clears its
// optimistic holds. Subscribers stay attached and see an empty idle entry.
func (s *Store) Discard(key QueryKey) {
	k := key.String()
	s.mu.Lock()
	s.bumpLocked(k)
	e, ok := s.entries[k]
	if !ok {
		s.mu.Unlock()
		return
	}
	e.holds = nil
	e.stale, e.restored = false, false
	s.setLocked(e, nil, StatusIdle, nil)
	s.mu.Unlock()
	s.emit(k)
}

// Subscribe registers cb for changes to key only. The entry is created (and
// restored from the spill tier when possible) on first access.
func (s *Store) Subscribe(key QueryKey, cb func(Entry)) (unsubscribe func()) {
	k := key.String()
	s.hydrate(key)

	s.mu.Lock()
	e := s.ensureLocked(key, k)
	s.subSeq++
	id := s.subSeq
	e.subs = append(e.subs, subscription{id: id, fn: cb})
	e.idleSince = time.Time{}
	refetch := s.refetchDueLocked(k, e)
	s.mu.Unlock()

	if refetch != nil {
		s.schedule(func() { refetch(s.ctx) })
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			e, ok := s.entries[k]
			if !ok {
				return
			}
			e.subs = slices.DeleteFunc(e.subs, func(sub subscription) bool { return sub.id == id })
			if len(e.subs) == 0 {
				e.idleSince = s.now()
			}
		})
	}
}

// Snapshot is the stale-while-revalidate read used by views: it returns the
// cached entry immediately and schedules a background refetch when the entry
// is older than StaleAfter or was invalidated. Invalidated entries without
// subscribers are evicted here.
func (s *Store) Snapshot(key QueryKey) (Entry, bool) {
	k := key.String()
	s.hydrate(key)

	s.mu.Lock()
	e, ok := s.entries[k]
	if !ok {
		s.mu.Unlock()
		return Entry{}, false
	}
	if s.evictableLocked(e) {
		delete(s.entries, k)
		s.mu.Unlock()
		return Entry{}, false
	}
	refetch := s.refetchDueLocked(k, e)
	out := s.viewLocked(e)
	s.mu.Unlock()

	if refetch != nil {
		s.schedule(func() { refetch(s.ctx) })
	}
	return out, true
}

// Keys returns the keys whose entries satisfy pred, in no particular order.
func (s *Store) Keys(pred func(QueryKey, Value) bool) []QueryKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []QueryKey
	for _, e := range s.entries {
		if pred(e.key, e.data) {
			out = append(out, e.key.clone())
		}
	}
	return out
}

// Len is the number of live entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Collect evicts entries that have had no subscriber for GCWindow and spills
// them when a spill provider is configured. It returns the number evicted.
func (s *Store) Collect(ctx context.Context) int {
	cutoff := s.now().Add(-s.gcWindow)
	type victim struct {
		key  string
		data Value
		gen  uint64
	}
	var (
		victims []victim
		evicted int
	)

	s.mu.Lock()
	for k, e := range s.entries {
		if len(e.subs) > 0 || len(e.holds) > 0 || e.idleSince.IsZero() || e.idleSince.After(cutoff) {
			continue
		}
		delete(s.entries, k)
		evicted++
		if e.data != nil && !e.stale && s.spill != nil {
			victims = append(victims, victim{key: k, data: e.data, gen: s.genLocked(k)})
		}
	}
	s.mu.Unlock()

	for _, v := range victims {
		s.spill.save(ctx, v.key, v.gen, v.data)
	}
	return evicted
}

func (s *Store) gcLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ticker.C:
			if n := s.Collect(s.ctx); n > 0 {
				s.log.Debug("gc evicted idle entries", Fields{"evicted": n})
			}
		case <-s.stopCh:
			return
		}
	}
}

// setRefetcher attaches the function Invalidate and Snapshot use to reload key.
func (s *Store) setRefetcher(key QueryKey, fn func(context.Context)) {
	k := key.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		delete(s.refetch, k)
		return
	}
	s.refetch[k] = fn
}

// setDetailRefetcher attaches the loader used for detail keys that have no
// refetcher of their own.
func (s *Store) setDetailRefetcher(fn func(context.Context, QueryKey)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detail = fn
}

// generation returns the current generation of key.
func (s *Store) generation(key QueryKey) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.genLocked(key.String())
}

// beginFetch starts a full fetch of key: it advances the generation (so any
// older in-flight response is dropped), flips the status to fetching and
// returns the generation the response must match.
func (s *Store) beginFetch(key QueryKey) uint64 {
	k := key.String()
	s.mu.Lock()
	e := s.ensureLocked(key, k)
	g := s.bumpLocked(k)
	e.status = StatusFetching
	s.touchLocked(e)
	s.mu.Unlock()
	s.emit(k)
	return g
}

// failFetch records err on key unless a newer fetch already superseded gen.
func (s *Store) failFetch(key QueryKey, g uint64, err error) {
	k := key.String()
	s.mu.Lock()
	e, ok := s.entries[k]
	if !ok || s.genLocked(k) != g {
		s.mu.Unlock()
		return
	}
	e.status = StatusError
	e.err = err
	s.touchLocked(e)
	s.mu.Unlock()
	s.emit(k)
}

// applyFetched writes fn(current) as fetched server state iff key is still at
// generation g. It refuses keys with optimistic holds with a *ConflictError.
func (s *Store) applyFetched(key QueryKey, g uint64, fn PatchFunc) error {
	if err := s.writeFetched(key, g, fn); err != nil {
		return err
	}
	s.emit(key.String())
	return nil
}

// writeFetched is applyFetched without notifying subscribers.
func (s *Store) writeFetched(key QueryKey, g uint64, fn PatchFunc) error {
	k := key.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.genLocked(k) != g {
		return ErrStaleResponse
	}
	e := s.ensureLocked(key, k)
	if len(e.holds) > 0 {
		return &ConflictError{Key: k, Pending: slices.Clone(e.holds)}
	}
	s.setLocked(e, fn(cloneValue(e.data)), StatusSuccess, nil)
	return nil
}

// rebase writes v as fetched state at generation g on a held key. The
// caller has already replayed the optimistic layers into v.
func (s *Store) rebase(k string, g uint64, v Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.genLocked(k) != g {
		return ErrStaleResponse
	}
	e, ok := s.entries[k]
	if !ok || len(e.holds) == 0 {
		return errNotHeld
	}
	s.setLocked(e, v, StatusSuccess, nil)
	return nil
}

var errNotHeld = errors.New("listsync: key holds no optimistic patches")

// keysContaining lists keys whose data includes any of targets.
func (s *Store) keysContaining(targets []Target) []QueryKey {
	return s.Keys(func(_ QueryKey, v Value) bool {
		if v == nil {
			return false
		}
		for _, t := range targets {
			if v.Contains(t.EntityType, t.ID) {
				return true
			}
		}
		return false
	})
}

// applyHeld applies fn on behalf of mutation id and records the hold. It
// returns the value fn was applied to; fresh reports that the key held no
// other mutation.
func (s *Store) applyHeld(k, id string, fn PatchFunc) (before Value, fresh, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k]
	if !ok || e.data == nil {
		return nil, false, false
	}
	fresh = len(e.holds) == 0
	before = e.data
	e.data = fn(e.data)
	if !slices.Contains(e.holds, id) {
		e.holds = append(e.holds, id)
	}
	s.touchLocked(e)
	return before, fresh, true
}

// setHeld replaces the value of a key that still carries holds.
func (s *Store) setHeld(k string, v Value) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k]
	if !ok || len(e.holds) == 0 {
		return false
	}
	e.data = v
	s.touchLocked(e)
	return true
}

// release drops mutation id's hold on k.
func (s *Store) release(k, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[k]; ok {
		e.holds = slices.DeleteFunc(e.holds, func(h string) bool { return h == id })
	}
}

// peekFetch is peek plus the generation and whether a full fetch is in
// flight, read together so no fetch can start or land in between.
func (s *Store) peekFetch(key QueryKey) (v Value, gen uint64, fetching bool) {
	k := key.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	gen = s.genLocked(k)
	if e, ok := s.entries[k]; ok {
		v, fetching = e.data, e.status == StatusFetching
	}
	return v, gen, fetching
}

// peek returns the live value at key without copying. Callers must not mutate it.
func (s *Store) peek(key QueryKey) (Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key.String()]
	if !ok || e.data == nil {
		return nil, false
	}
	return e.data, true
}

// hydrate restores key from the spill tier when it has no cached data.
func (s *Store) hydrate(key QueryKey) {
	if s.spill == nil {
		return
	}
	k := key.String()
	s.mu.Lock()
	if e, ok := s.entries[k]; ok && e.data != nil {
		s.mu.Unlock()
		return
	}
	g := s.genLocked(k)
	s.mu.Unlock()

	v, ok := s.spill.load(s.ctx, k, g)
	if !ok {
		return
	}

	s.mu.Lock()
	e := s.ensureLocked(key, k)
	if e.data != nil || s.genLocked(k) != g {
		s.mu.Unlock()
		return
	}
	e.data = v
	e.status = StatusIdle
	e.stale = true // spilled data always revalidates
	e.restored = true
	s.touchLocked(e)
	s.mu.Unlock()
	s.emit(k)
}

// emit delivers the current entry of each key to that key's subscribers.
// Callbacks run outside the store lock.
func (s *Store) emit(keys ...string) {
	type delivery struct {
		fns []func(Entry)
		e   Entry
	}
	var ds []delivery
	s.mu.Lock()
	for _, k := range keys {
		e, ok := s.entries[k]
		if !ok || len(e.subs) == 0 {
			continue
		}
		fns := make([]func(Entry), len(e.subs))
		for i, sub := range e.subs {
			fns[i] = sub.fn
		}
		ds = append(ds, delivery{fns: fns, e: s.viewLocked(e)})
	}
	s.mu.Unlock()

	for _, d := range ds {
		for _, fn := range d.fns {
			fn(d.e)
		}
	}
}

func (s *Store) ensureLocked(key QueryKey, k string) *entry {
	e, ok := s.entries[k]
	if !ok {
		e = &entry{key: key.clone(), idleSince: s.now()}
		s.entries[k] = e
	}
	return e
}

func (s *Store) setLocked(e *entry, data Value, status Status, err error) {
	e.data = data
	e.status = status
	e.err = err
	if status == StatusSuccess {
		e.fetchedAt = s.now()
		e.stale = false
		e.restored = false
	}
	s.touchLocked(e)
}

func (s *Store) touchLocked(e *entry) {
	s.clock++
	e.updatedAt = s.clock
}

// evictableLocked reports an invalidated entry nobody watches. Restored
// entries are served stale until their refetch lands.
func (s *Store) evictableLocked(e *entry) bool {
	return e.stale && !e.restored && len(e.subs) == 0 && len(e.holds) == 0
}

func (s *Store) refetchDueLocked(k string, e *entry) func(context.Context) {
	fn := s.refetcherLocked(e.key, k)
	if fn == nil || e.status == StatusFetching {
		return nil
	}
	never := e.data == nil && e.status == StatusIdle
	if never || e.stale || (!e.fetchedAt.IsZero() && s.now().Sub(e.fetchedAt) > s.staleAfter) {
		return fn
	}
	return nil
}

func (s *Store) refetcherLocked(key QueryKey, k string) func(context.Context) {
	if fn := s.refetch[k]; fn != nil {
		return fn
	}
	if s.detail != nil && key.Kind() == KindDetail {
		key, load := key.clone(), s.detail
		return func(ctx context.Context) { load(ctx, key) }
	}
	return nil
}

func (s *Store) viewLocked(e *entry) Entry {
	return Entry{
		Key:        e.key.clone(),
		Data:       cloneValue(e.data),
		Status:     e.status,
		Err:        e.err,
		UpdatedAt:  e.updatedAt,
		FetchedAt:  e.fetchedAt,
		StaleAfter: s.staleAfter,
		Stale:      e.stale,
		Pending:    slices.Clone(e.holds),
	}
}

func (s *Store) genKey(k string) string { return "q:" + s.ns + ":" + k }

func (s *Store) genLocked(k string) uint64 {
	g, err := s.gens.Snapshot(context.Background(), s.genKey(k))
	if err != nil {
		// no fetch generation is ever MaxUint64, so responses are dropped
		s.hooks.GenStoreError(k, err)
		s.log.Warn("gen snapshot error", Fields{"key": k, "err": err})
		return math.MaxUint64
	}
	return g
}

func (s *Store) bumpLocked(k string) uint64 {
	g, err := s.gens.Bump(context.Background(), s.genKey(k))
	if err != nil {
		s.hooks.GenStoreError(k, err)
		s.log.Error("gen bump error", Fields{"key": k, "err": err})
		return 0
	}
	return g
}

func cloneValue(v Value) Value {
	if v == nil {
		return nil
	}
	return v.Clone()
}
