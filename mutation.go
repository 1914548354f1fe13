package listsync

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultMutationHistory = 256

// MutationState moves Initiated -> OptimisticallyApplied -> Committed or
// RolledBack. Committed and RolledBack are terminal.
type MutationState uint8

const (
	MutationInitiated MutationState = iota
	MutationApplied
	MutationCommitted
	MutationRolledBack
)

func (s MutationState) String() string {
	switch s {
	case MutationInitiated:
		return "initiated"
	case MutationApplied:
		return "optimistically_applied"
	case MutationCommitted:
		return "committed"
	case MutationRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

func (s MutationState) Terminal() bool { return s == MutationCommitted || s == MutationRolledBack }

// Mutation is one user action on one or more records. Transform predicts its
// effect on each target; nil leaves cached values unchanged until the server
// answers.
type Mutation struct {
	Action    string
	Targets   []Target
	Args      map[string]any
	Transform ItemTransform
}

// MutationRequest is what the Mutator sends to the server.
type MutationRequest struct {
	Action  string         `json:"action"`
	Targets []Target       `json:"targets"`
	Args    map[string]any `json:"args,omitempty"`
}

// MutationResult is the server's answer. OK=false is a failure even when the
// transport succeeded. Items are canonical records that replace the
// optimistic guesses on commit.
type MutationResult struct {
	OK    bool   `json:"ok"`
	Items []Item `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// Mutator performs remote mutations.
type Mutator interface {
	Mutate(ctx context.Context, req MutationRequest) (MutationResult, error)
}

// PendingMutation is a copy of a mutation's bookkeeping.
type PendingMutation struct {
	ID      string
	Action  string
	Targets []Target
	// Snapshots holds, per query key, the value just before this mutation's
	// optimistic apply. Cleared once the mutation resolves.
	Snapshots  map[string]Value
	State      MutationState
	AppliedAt  time.Time
	ResolvedAt time.Time
	Err        error
}

// layer is one mutation's optimistic patch on one key.
type layer struct {
	id        string
	apply     PatchFunc
	snapshot  Value
	committed bool
}

type pending struct {
	m    Mutation
	pm   PendingMutation
	keys []string
	done chan struct{}
}

// Coordinator applies optimistic mutations and reconciles them with the server.
//
// Each key carries a chain of layers in apply order. Rolling back a layer
// restores its snapshot and replays every later layer on top, so a rollback
// never erases another mutation's effect. Committed layers stay in the chain
// until every earlier layer has resolved; the key accepts plain writes again
// once its chain is empty.
type Coordinator struct {
	store   *Store
	mutator Mutator
	log     Logger
	hooks   Hooks
	now     func() time.Time
	history int

	mu       sync.Mutex
	chains   map[string][]*layer
	muts     map[string]*pending
	resolved []string // resolved ids, oldest first
	inflight map[Target]int
	settled  []func([]Target)
	closed   bool
	wg       sync.WaitGroup // DispatchAsync calls; Add only under mu while !closed
}

type CoordinatorOptions struct {
	Logger  Logger
	Hooks   Hooks
	History int // resolved mutations kept for Retry; 0 => 256
	Now     func() time.Time
}

func NewCoordinator(s *Store, m Mutator, opts CoordinatorOptions) *Coordinator {
	c := &Coordinator{
		store:    s,
		mutator:  m,
		log:      coalesce[Logger](opts.Logger, NopLogger{}),
		hooks:    coalesce[Hooks](opts.Hooks, NopHooks{}),
		now:      opts.Now,
		history:  coalesce(opts.History, defaultMutationHistory),
		chains:   make(map[string][]*layer),
		muts:     make(map[string]*pending),
		inflight: make(map[Target]int),
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Dispatch applies m optimistically to every cached value containing one of
// its targets, calls the Mutator and commits or rolls back. The optimistic
// effect is visible to subscribers before the remote call starts. A rejected
// mutation returns its id and a *MutationError.
func (c *Coordinator) Dispatch(ctx context.Context, m Mutation) (string, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return "", ErrClosed
	}
	p := c.begin(m)
	return p.pm.ID, c.finish(ctx, p)
}

// DispatchAsync applies m optimistically and resolves it in the background.
// Use Await for the outcome. It returns "" once the coordinator is closed.
func (c *Coordinator) DispatchAsync(ctx context.Context, m Mutation) string {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ""
	}
	c.wg.Add(1)
	c.mu.Unlock()

	p := c.begin(m)
	go func() {
		defer c.wg.Done()
		_ = c.finish(ctx, p)
	}()
	return p.pm.ID
}

// Await blocks until mutation id resolves or ctx is done.
func (c *Coordinator) Await(ctx context.Context, id string) (PendingMutation, error) {
	c.mu.Lock()
	p, ok := c.muts[id]
	c.mu.Unlock()
	if !ok {
		return PendingMutation{}, ErrUnknownMutation
	}
	select {
	case <-p.done:
	case <-ctx.Done():
		return PendingMutation{}, ctx.Err()
	}
	pm, _ := c.Mutation(id)
	return pm, pm.Err
}

// Retry re-dispatches a rolled-back mutation with the same action, targets,
// args and transform. It returns the new mutation's id.
func (c *Coordinator) Retry(ctx context.Context, id string) (string, error) {
	c.mu.Lock()
	p, ok := c.muts[id]
	var m Mutation
	var state MutationState
	if ok {
		m, state = p.m, p.pm.State
	}
	c.mu.Unlock()
	switch {
	case !ok:
		return "", ErrUnknownMutation
	case state != MutationRolledBack:
		return "", ErrNotRetryable
	}
	c.log.Info("retrying mutation", Fields{"id": id, "action": m.Action})
	return c.Dispatch(ctx, m)
}

// Mutation returns a copy of mutation id's bookkeeping.
func (c *Coordinator) Mutation(id string) (PendingMutation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.muts[id]
	if !ok {
		return PendingMutation{}, false
	}
	pm := p.pm
	pm.Targets = slices.Clone(pm.Targets)
	if pm.Snapshots != nil {
		snaps := make(map[string]Value, len(pm.Snapshots))
		for k, v := range pm.Snapshots {
			snaps[k] = cloneValue(v)
		}
		pm.Snapshots = snaps
	}
	return pm, true
}

// IsPending reports whether an optimistically applied mutation targets t.
func (c *Coordinator) IsPending(t Target) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight[t] > 0
}

// OnSettled registers fn to run after every mutation resolves, with the
// mutation's targets. fn runs outside the coordinator lock.
func (c *Coordinator) OnSettled(fn func([]Target)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settled = append(c.settled, fn)
}

// Write replaces the value at key. On a key with optimistic layers the value
// becomes the new base and the layers are replayed on top of it.
func (c *Coordinator) Write(key QueryKey, data Value) error {
	v := cloneValue(data)
	return c.applyFetched(key, c.store.generation(key), func(Value) Value { return v })
}

// Close refuses new dispatches and waits for every DispatchAsync call to
// resolve. Repeated calls only wait.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Coordinator) begin(m Mutation) *pending {
	m.Targets = slices.Clone(m.Targets)
	p := &pending{
		m: m,
		pm: PendingMutation{
			ID:        uuid.NewString(),
			Action:    m.Action,
			Targets:   m.Targets,
			Snapshots: make(map[string]Value),
			State:     MutationInitiated,
		},
		done: make(chan struct{}),
	}
	apply := transformPatch(m.Targets, m.Transform)

	c.mu.Lock()
	c.muts[p.pm.ID] = p
	for _, key := range c.store.keysContaining(m.Targets) {
		k := key.String()
		before, fresh, ok := c.store.applyHeld(k, p.pm.ID, apply)
		if !ok {
			continue
		}
		if fresh {
			// layers left over from a discarded entry
			delete(c.chains, k)
		}
		c.chains[k] = append(c.chains[k], &layer{id: p.pm.ID, apply: apply, snapshot: before})
		p.pm.Snapshots[k] = before
		p.keys = append(p.keys, k)
	}
	for _, t := range m.Targets {
		c.inflight[t]++
	}
	p.pm.State = MutationApplied
	p.pm.AppliedAt = c.now()
	keys := slices.Clone(p.keys)
	c.mu.Unlock()

	c.store.emit(keys...)
	c.log.Debug("mutation applied", Fields{"id": p.pm.ID, "action": m.Action, "targets": len(m.Targets), "keys": len(keys)})
	return p
}

func (c *Coordinator) finish(ctx context.Context, p *pending) error {
	// a mutation is never abandoned halfway once initiated
	res, err := c.mutator.Mutate(context.WithoutCancel(ctx), MutationRequest{
		Action:  p.m.Action,
		Targets: slices.Clone(p.m.Targets),
		Args:    p.m.Args,
	})
	if err != nil || !res.OK {
		merr := &MutationError{ID: p.pm.ID, Action: p.m.Action, Targets: slices.Clone(p.m.Targets), Err: err}
		if err == nil {
			merr.AppError = coalesce(res.Error, "rejected")
		}
		c.rollback(p, merr)
		return merr
	}
	c.commit(p, res.Items)
	return nil
}

func (c *Coordinator) commit(p *pending, canonical []Item) {
	var reconcile PatchFunc
	if len(canonical) > 0 {
		reconcile = canonicalPatch(canonical)
	}

	c.mu.Lock()
	var touched []string
	for _, k := range p.keys {
		chain := c.chains[k]
		i := layerIndex(chain, p.pm.ID)
		if i < 0 {
			continue
		}
		l := chain[i]
		l.committed = true
		if reconcile != nil {
			guess := l.apply
			l.apply = func(v Value) Value { return reconcile(guess(v)) }
			c.replayLocked(k, i)
		}
		c.trimLocked(k)
		touched = append(touched, k)
	}
	p.pm.State = MutationCommitted
	targets, settled := c.resolveLocked(p)
	c.mu.Unlock()

	c.store.emit(touched...)
	c.hooks.MutationCommitted(p.pm.ID, p.m.Action, len(targets))
	c.log.Debug("mutation committed", Fields{"id": p.pm.ID, "action": p.m.Action, "keys": len(touched)})
	for _, fn := range settled {
		fn(targets)
	}
}

func (c *Coordinator) rollback(p *pending, merr *MutationError) {
	c.mu.Lock()
	var touched []string
	for _, k := range p.keys {
		chain := c.chains[k]
		i := layerIndex(chain, p.pm.ID)
		if i < 0 {
			continue
		}
		cur := chain[i].snapshot
		for _, l := range chain[i+1:] {
			l.snapshot = cur
			cur = l.apply(cur)
		}
		// the hold must still be in place for setHeld
		if !c.store.setHeld(k, cur) {
			delete(c.chains, k)
			continue
		}
		c.chains[k] = slices.Delete(chain, i, i+1)
		c.store.release(k, p.pm.ID)
		c.syncSnapshotsLocked(k)
		c.trimLocked(k)
		touched = append(touched, k)
	}
	p.pm.State = MutationRolledBack
	p.pm.Err = merr
	targets, settled := c.resolveLocked(p)
	c.mu.Unlock()

	c.store.emit(touched...)
	c.hooks.MutationRolledBack(p.pm.ID, p.m.Action, merr)
	c.log.Warn("mutation rolled back", Fields{"id": p.pm.ID, "action": p.m.Action, "keys": len(touched), "err": merr})
	for _, fn := range settled {
		fn(targets)
	}
}

// applyFetched writes fetched state at gen. When the key carries optimistic
// layers the fetched value replaces the oldest layer's snapshot and the chain
// is replayed on top.
func (c *Coordinator) applyFetched(key QueryKey, gen uint64, fn PatchFunc) error {
	k := key.String()
	c.mu.Lock()
	err := c.store.writeFetched(key, gen, fn)
	var ce *ConflictError
	if !errors.As(err, &ce) {
		c.mu.Unlock()
		if err == nil {
			c.store.emit(k)
		}
		return err
	}

	chain := c.chains[k]
	if len(chain) == 0 {
		c.mu.Unlock()
		c.log.Error("optimistic holds without layers", Fields{"key": k, "pending": ce.Pending})
		return ce
	}
	snaps := make([]Value, len(chain))
	cur := fn(cloneValue(chain[0].snapshot))
	for i, l := range chain {
		snaps[i] = cur
		cur = l.apply(cur)
	}
	if err := c.store.rebase(k, gen, cur); err != nil {
		c.mu.Unlock()
		return err
	}
	for i, l := range chain {
		l.snapshot = snaps[i]
	}
	c.syncSnapshotsLocked(k)
	n := len(chain)
	c.mu.Unlock()

	c.store.emit(k)
	c.hooks.ConflictResolved(k, n)
	c.log.Debug("fetched state rebased under pending mutations", Fields{"key": k, "layers": n})
	return nil
}

// replayLocked recomputes the chain from layer i onwards and stores the result.
func (c *Coordinator) replayLocked(k string, i int) {
	chain := c.chains[k]
	cur := chain[i].snapshot
	for _, l := range chain[i:] {
		l.snapshot = cur
		cur = l.apply(cur)
	}
	if !c.store.setHeld(k, cur) {
		delete(c.chains, k)
		return
	}
	c.syncSnapshotsLocked(k)
}

// trimLocked releases committed layers at the front of the chain.
func (c *Coordinator) trimLocked(k string) {
	chain := c.chains[k]
	n := 0
	for n < len(chain) && chain[n].committed {
		c.store.release(k, chain[n].id)
		n++
	}
	if n == len(chain) {
		delete(c.chains, k)
		return
	}
	c.chains[k] = chain[n:]
}

// syncSnapshotsLocked copies refreshed layer snapshots into the bookkeeping
// of mutations that are still pending.
func (c *Coordinator) syncSnapshotsLocked(k string) {
	for _, l := range c.chains[k] {
		if p, ok := c.muts[l.id]; ok && !p.pm.State.Terminal() {
			p.pm.Snapshots[k] = l.snapshot
		}
	}
}

func (c *Coordinator) resolveLocked(p *pending) ([]Target, []func([]Target)) {
	p.pm.ResolvedAt = c.now()
	p.pm.Snapshots = nil
	for _, t := range p.m.Targets {
		if c.inflight[t]--; c.inflight[t] <= 0 {
			delete(c.inflight, t)
		}
	}
	close(p.done)

	c.resolved = append(c.resolved, p.pm.ID)
	for len(c.resolved) > c.history {
		delete(c.muts, c.resolved[0])
		c.resolved = c.resolved[1:]
	}
	return slices.Clone(p.m.Targets), slices.Clone(c.settled)
}

func layerIndex(chain []*layer, id string) int {
	return slices.IndexFunc(chain, func(l *layer) bool { return l.id == id })
}

func targetSet(targets []Target) map[Target]struct{} {
	set := make(map[Target]struct{}, len(targets))
	for _, t := range targets {
		set[t] = struct{}{}
	}
	return set
}

func transformPatch(targets []Target, fn ItemTransform) PatchFunc {
	if fn == nil {
		fn = func(it Item) (Item, bool) { return it, true }
	}
	set := targetSet(targets)
	match := func(it Item) bool {
		_, ok := set[it.Target()]
		return ok
	}
	return func(v Value) Value {
		if v == nil {
			return nil
		}
		out, _ := v.rewrite(match, fn)
		return out
	}
}

// canonicalPatch overwrites records with the server's canonical copies.
// Records the optimistic transform removed stay removed.
func canonicalPatch(items []Item) PatchFunc {
	byTarget := make(map[Target]Item, len(items))
	for _, it := range items {
		byTarget[it.Target()] = it
	}
	match := func(it Item) bool {
		_, ok := byTarget[it.Target()]
		return ok
	}
	return func(v Value) Value {
		if v == nil {
			return nil
		}
		out, _ := v.rewrite(match, func(it Item) (Item, bool) {
			return byTarget[it.Target()].copyItem(), true
		})
		return out
	}
}
