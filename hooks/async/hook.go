// Package asynchook moves hook delivery off the fetch, mutation and push
// paths onto a bounded worker pool. Events are dropped when the queue is full.
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{StaleEvery: 10})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	eng, _ := listsync.New(listsync.Options{
//	    Fetcher: api,
//	    Mutator: api,
//	    Hooks:   hooks,
//	})
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/listsync"
)

type Hooks struct {
	inner   listsync.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex // guards q against send-after-close
	closed  bool
	dropped atomic.Uint64
}

var _ listsync.Hooks = (*Hooks)(nil)

func New(inner listsync.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for range workers {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers. Later events are dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

// Dropped is the number of events lost to a full queue or a closed pool.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) FetchFailed(k, op string, err error) {
	h.try(func() { h.inner.FetchFailed(k, op, err) })
}
func (h *Hooks) StaleResponseDropped(k, op string) {
	h.try(func() { h.inner.StaleResponseDropped(k, op) })
}
func (h *Hooks) ConflictResolved(k string, n int) { h.try(func() { h.inner.ConflictResolved(k, n) }) }
func (h *Hooks) MutationCommitted(id, action string, n int) {
	h.try(func() { h.inner.MutationCommitted(id, action, n) })
}
func (h *Hooks) MutationRolledBack(id, action string, err error) {
	h.try(func() { h.inner.MutationRolledBack(id, action, err) })
}
func (h *Hooks) SignalDeferred(t, id string) { h.try(func() { h.inner.SignalDeferred(t, id) }) }
func (h *Hooks) StreamError(err error)       { h.try(func() { h.inner.StreamError(err) }) }
func (h *Hooks) SpillRejected(k, r string)   { h.try(func() { h.inner.SpillRejected(k, r) }) }
func (h *Hooks) GenStoreError(k string, err error) {
	h.try(func() { h.inner.GenStoreError(k, err) })
}
