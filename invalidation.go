package listsync

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

const defaultDegradedInterval = 30 * time.Second

// ChangeKind is what happened to an entity.
type ChangeKind string

const (
	ChangeCreated  ChangeKind = "created"
	ChangeUpdated  ChangeKind = "updated"
	ChangeArchived ChangeKind = "archived"
	ChangeDeleted  ChangeKind = "deleted"
)

// Signal says that an entity changed, without its new state. Acting on a
// signal always refetches or removes, so applying one twice is harmless.
type Signal struct {
	EntityType string     `json:"entityType" msgpack:"entityType" cbor:"entityType"`
	EntityID   string     `json:"entityId" msgpack:"entityId" cbor:"entityId"`
	ChangeKind ChangeKind `json:"changeKind" msgpack:"changeKind" cbor:"changeKind"`
}

func (s Signal) Target() Target { return Target{EntityType: s.EntityType, ID: s.EntityID} }

// EventKind is the type of a push stream event.
type EventKind uint8

const (
	EventOpen EventKind = iota + 1
	EventSignal
	EventError
	EventClose
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventSignal:
		return "signal"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// Event is one item of the push stream: a lifecycle change or a signal.
type Event struct {
	Kind   EventKind
	Signal Signal
	Err    error
}

// pendingChecker reports whether an optimistic mutation targets an entity.
type pendingChecker interface {
	IsPending(t Target) bool
}

// Listener turns push events into invalidations.
//
// Detail keys invalidate by entity id. List and grouped keys invalidate by
// entity type, plus every type declared in Affects for it, because the
// client cannot tell which group a changed record now belongs to. Signals
// for entities with a mutation in flight wait until it resolves.
type Listener struct {
	store         *Store
	pending       pendingChecker
	affects       map[string][]string
	degradedEvery time.Duration
	log           Logger
	hooks         Hooks
	connected     atomic.Bool

	mu       sync.Mutex
	deferred []Signal
}

type ListenerOptions struct {
	// Affects maps an entity type to the entity types of list keys that must
	// also refetch when it changes, e.g. "comment" -> ["issue"].
	Affects          map[string][]string
	DegradedInterval time.Duration // 0 => 30s; negative disables degraded polling
	Logger           Logger
	Hooks            Hooks
}

func NewListener(s *Store, pending pendingChecker, opts ListenerOptions) *Listener {
	return &Listener{
		store:         s,
		pending:       pending,
		affects:       opts.Affects,
		degradedEvery: coalesce(opts.DegradedInterval, defaultDegradedInterval),
		log:           coalesce[Logger](opts.Logger, NopLogger{}),
		hooks:         coalesce[Hooks](opts.Hooks, NopHooks{}),
	}
}

// Run processes events in arrival order until events is closed (nil) or ctx
// ends (ctx.Err()). While the stream is down every list-shaped key is
// invalidated each DegradedInterval; the next open event ends that and
// invalidates them once more, since signals may have been missed.
func (l *Listener) Run(ctx context.Context, events <-chan Event) error {
	var (
		ticker *time.Ticker
		tick   <-chan time.Time
	)
	stopDegraded := func() {
		if ticker != nil {
			ticker.Stop()
			ticker, tick = nil, nil
		}
	}
	defer stopDegraded()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
			l.coarse("degraded")
		case ev, ok := <-events:
			if !ok {
				l.connected.Store(false)
				return nil
			}
			switch ev.Kind {
			case EventOpen:
				stopDegraded()
				l.connected.Store(true)
				l.coarse("open")
			case EventSignal:
				l.Handle(ev.Signal)
			case EventError, EventClose:
				l.connected.Store(false)
				serr := &StreamError{Err: ev.Err}
				l.hooks.StreamError(serr)
				l.log.Warn("push stream down", Fields{"event": ev.Kind.String(), "err": ev.Err})
				if ticker == nil && l.degradedEvery > 0 {
					ticker = time.NewTicker(l.degradedEvery)
					tick = ticker.C
				}
			}
		}
	}
}

// Connected reports whether the last lifecycle event was an open.
func (l *Listener) Connected() bool { return l.connected.Load() }

// Handle applies one signal, or parks it while a mutation on the same entity
// is optimistically applied.
func (l *Listener) Handle(sig Signal) {
	l.mu.Lock()
	if sig.EntityID != "" && l.pending.IsPending(sig.Target()) {
		l.deferLocked(sig)
		l.mu.Unlock()
		l.hooks.SignalDeferred(sig.EntityType, sig.EntityID)
		l.log.Debug("signal deferred", Fields{"type": sig.EntityType, "id": sig.EntityID, "change": string(sig.ChangeKind)})
		return
	}
	l.mu.Unlock()
	l.apply(sig)
}

// Deferred returns the parked signals.
func (l *Listener) Deferred() []Signal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.deferred)
}

// settled replays parked signals for targets that no longer have a
// mutation in flight.
func (l *Listener) settled(targets []Target) {
	l.mu.Lock()
	var ready []Signal
	keep := l.deferred[:0]
	for _, sig := range l.deferred {
		t := sig.Target()
		if slices.Contains(targets, t) && !l.pending.IsPending(t) {
			ready = append(ready, sig)
			continue
		}
		keep = append(keep, sig)
	}
	clear(l.deferred[len(keep):])
	l.deferred = keep
	l.mu.Unlock()

	for _, sig := range ready {
		l.apply(sig)
	}
}

// deferLocked keeps one parked signal per entity; the latest change wins.
func (l *Listener) deferLocked(sig Signal) {
	for i := range l.deferred {
		if l.deferred[i].Target() == sig.Target() {
			l.deferred[i] = sig
			return
		}
	}
	l.deferred = append(l.deferred, sig)
}

func (l *Listener) apply(sig Signal) {
	if sig.EntityType == "" {
		// no way to place the change; refetch every list-shaped key
		l.coarse("unresolvable")
		return
	}
	deps := append([]string{sig.EntityType}, l.affects[sig.EntityType]...)
	keys := l.store.Keys(func(k QueryKey, _ Value) bool {
		switch {
		case k.Kind() == KindDetail:
			return k.EntityType() == sig.EntityType && (sig.EntityID == "" || k.EntityID() == sig.EntityID)
		case k.IsListShaped():
			return slices.Contains(deps, k.EntityType())
		}
		return false
	})
	for _, k := range keys {
		if k.Kind() == KindDetail && sig.ChangeKind == ChangeDeleted {
			l.store.Discard(k)
			continue
		}
		l.store.Invalidate(k)
	}
	l.log.Debug("signal applied", Fields{"type": sig.EntityType, "id": sig.EntityID, "change": string(sig.ChangeKind), "keys": len(keys)})
}

func (l *Listener) coarse(reason string) {
	keys := l.store.Keys(func(k QueryKey, _ Value) bool { return k.IsListShaped() })
	for _, k := range keys {
		l.store.Invalidate(k)
	}
	l.log.Debug("coarse invalidation", Fields{"reason": reason, "keys": len(keys)})
}
