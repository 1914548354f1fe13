package listsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	gen "github.com/unkn0wn-root/listsync/genstore"
	pr "github.com/unkn0wn-root/listsync/provider"
)

// ==============================
// Providers and gen stores
// ==============================

type memProvider struct {
	mu sync.Mutex
	m  map[string][]byte
}

var _ pr.Provider = (*memProvider)(nil)

func newMemProvider() *memProvider { return &memProvider{m: make(map[string][]byte)} }

func (p *memProvider) Get(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.m[key]
	return v, ok, nil
}

func (p *memProvider) Set(_ context.Context, key string, value []byte, _ int64, _ time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.m[key] = value
	return true, nil
}

func (p *memProvider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.m, key)
	return nil
}

func (p *memProvider) Close(context.Context) error { return nil }

func (p *memProvider) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

type failingGenStore struct{ err error }

var _ gen.GenStore = failingGenStore{}

func (s failingGenStore) Snapshot(context.Context, string) (uint64, error) { return 0, s.err }
func (s failingGenStore) SnapshotMany(context.Context, []string) (map[string]uint64, error) {
	return nil, s.err
}
func (s failingGenStore) Bump(context.Context, string) (uint64, error) { return 0, s.err }
func (s failingGenStore) Cleanup(time.Duration)                        {}
func (s failingGenStore) Close(context.Context) error                  { return nil }

// ==============================
// Clock, hooks
// ==============================

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func syncScheduler(f func()) { f() }

type recHooks struct {
	NopHooks
	mu     sync.Mutex
	counts map[string]int
	last   map[string]string
}

func newRecHooks() *recHooks {
	return &recHooks{counts: make(map[string]int), last: make(map[string]string)}
}

func (h *recHooks) rec(name, detail string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counts[name]++
	h.last[name] = detail
}

func (h *recHooks) count(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counts[name]
}

func (h *recHooks) lastOf(name string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last[name]
}

func (h *recHooks) FetchFailed(key, op string, _ error) { h.rec("fetch_failed", op) }
func (h *recHooks) StaleResponseDropped(key, op string) { h.rec("stale", op) }
func (h *recHooks) ConflictResolved(key string, n int)  { h.rec("conflict", fmt.Sprint(n)) }
func (h *recHooks) MutationCommitted(id, _ string, _ int) {
	h.rec("committed", id)
}
func (h *recHooks) MutationRolledBack(id, _ string, _ error) {
	h.rec("rolled_back", id)
}
func (h *recHooks) SignalDeferred(t, id string)         { h.rec("deferred", t+"/"+id) }
func (h *recHooks) StreamError(error)                   { h.rec("stream_error", "") }
func (h *recHooks) SpillRejected(_, reason string)      { h.rec("spill_rejected", reason) }
func (h *recHooks) GenStoreError(key string, err error) { h.rec("genstore", key) }

// ==============================
// Fetcher
// ==============================

var errTransport = errors.New("connection reset")

// fakeFetcher serves pages from full per-group datasets.
type fakeFetcher struct {
	mu       sync.Mutex
	order    []string
	groups   map[string][]Item
	pageSize int
	calls    []PageRequest
	failN    int // fail the next failN calls

	// when gate is set every fetch reports on started and waits for gate
	gate    chan struct{}
	started chan PageRequest
}

func newFakeFetcher(pageSize int) *fakeFetcher {
	return &fakeFetcher{groups: make(map[string][]Item), pageSize: pageSize}
}

// add appends n records of entityType to group, numbering ids from the
// current size of the dataset.
func (f *fakeFetcher) add(group, entityType string, n int) *fakeFetcher {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.groups[group]; !ok {
		f.order = append(f.order, group)
	}
	total := 0
	for _, items := range f.groups {
		total += len(items)
	}
	for i := 0; i < n; i++ {
		seq := int64(total + i + 1)
		f.groups[group] = append(f.groups[group], Item{
			ID:         fmt.Sprintf("%s-%d", entityType, seq),
			EntityType: entityType,
			Seq:        seq,
			Fields:     map[string]any{"status": group},
		})
	}
	return f
}

func (f *fakeFetcher) hold() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
	f.started = make(chan PageRequest, 16)
}

func (f *fakeFetcher) release() {
	f.mu.Lock()
	g := f.gate
	f.gate = nil
	f.mu.Unlock()
	close(g)
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeFetcher) lastCall() PageRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func (f *fakeFetcher) FetchGroupedPage(ctx context.Context, req PageRequest) (Page, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	gate, started := f.gate, f.started
	fail := f.failN > 0
	if fail {
		f.failN--
	}
	f.mu.Unlock()

	if gate != nil {
		started <- req
		select {
		case <-gate:
		case <-ctx.Done():
			return Page{}, ctx.Err()
		}
	}
	if fail {
		return Page{}, errTransport
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var out Page
	for _, key := range f.order {
		if req.GroupKey != "" && key != req.GroupKey {
			continue
		}
		out.Groups = append(out.Groups, f.pageLocked(key, max(req.Page, 1)))
	}
	return out, nil
}

func (f *fakeFetcher) pageLocked(key string, page int) PageGroup {
	all := f.groups[key]
	lo := min((page-1)*f.pageSize, len(all))
	hi := min(lo+f.pageSize, len(all))
	return PageGroup{
		Key:        key,
		Items:      cloneItems(all[lo:hi]),
		TotalCount: len(all),
		HasMore:    hi < len(all),
		NextPage:   page + 1,
	}
}

func (f *fakeFetcher) FetchItem(_ context.Context, entityType, id string) (Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, PageRequest{Params: GroupParams{EntityType: entityType}, GroupKey: "item:" + id})
	for _, items := range f.groups {
		for _, it := range items {
			if it.EntityType == entityType && it.ID == id {
				return it.copyItem(), nil
			}
		}
	}
	return Item{}, fmt.Errorf("%s %s not found", entityType, id)
}

// pageOnly hides FetchItem.
type pageOnly struct{ f *fakeFetcher }

func (p pageOnly) FetchGroupedPage(ctx context.Context, req PageRequest) (Page, error) {
	return p.f.FetchGroupedPage(ctx, req)
}

// ==============================
// Mutator
// ==============================

type fakeMutator struct {
	mu    sync.Mutex
	fn    func(ctx context.Context, req MutationRequest) (MutationResult, error)
	calls []MutationRequest
}

func mutatorFunc(fn func(ctx context.Context, req MutationRequest) (MutationResult, error)) *fakeMutator {
	return &fakeMutator{fn: fn}
}

func (m *fakeMutator) Mutate(ctx context.Context, req MutationRequest) (MutationResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	fn := m.fn
	m.mu.Unlock()
	if fn == nil {
		return MutationResult{OK: true}, nil
	}
	return fn(ctx, req)
}

func okMutator() *fakeMutator { return &fakeMutator{} }

// ==============================
// Setup
// ==============================

var issueParams = GroupParams{EntityType: "issue", GroupBy: "status", Sort: "priority", PageSize: 5}

func newTestStore(t *testing.T, mod func(*StoreOptions)) *Store {
	t.Helper()
	opts := StoreOptions{
		Namespace:  "test",
		GCInterval: -1,
		Scheduler:  syncScheduler,
	}
	if mod != nil {
		mod(&opts)
	}
	s := NewStore(opts)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func newTestEngine(t *testing.T, f Fetcher, m Mutator, mod func(*Options)) *engine {
	t.Helper()
	opts := Options{
		Fetcher:         f,
		Mutator:         m,
		Namespace:       "test",
		GCInterval:      -1,
		FetchRetryDelay: time.Millisecond,
		Scheduler:       syncScheduler,
	}
	if mod != nil {
		mod(&opts)
	}
	e, err := newEngine(opts)
	if err != nil {
		t.Fatalf("newEngine: %v", err)
	}
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func groupOf(t *testing.T, r *GroupedResult, key string) *Group {
	t.Helper()
	if r == nil {
		t.Fatalf("nil grouped result")
	}
	g := r.Group(key)
	if g == nil {
		t.Fatalf("group %q missing", key)
	}
	return g
}

func ids(items []Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
