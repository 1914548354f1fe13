package listsync

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"sync"
	"time"
)

const defaultRetryDelay = 200 * time.Millisecond

// GroupParams select a grouped collection. Any change produces a different
// key, and SetParams never reuses state across keys.
type GroupParams struct {
	EntityType string            `json:"entityType" yaml:"entityType"`
	GroupBy    string            `json:"groupBy" yaml:"groupBy"`
	Sort       string            `json:"sort" yaml:"sort"`
	Filters    map[string]string `json:"filters,omitempty" yaml:"filters,omitempty"`
	PageSize   int               `json:"pageSize,omitempty" yaml:"pageSize,omitempty"`
}

// Key is the query key of the grouped result. Filters are encoded in sorted order.
func (p GroupParams) Key() QueryKey {
	f := make(url.Values, len(p.Filters))
	for k, v := range p.Filters {
		f.Set(k, v)
	}
	return QueryKey{KindGrouped, p.EntityType, p.GroupBy, p.Sort, f.Encode(), p.PageSize}
}

// PageRequest asks for one page. GroupKey is empty for the initial load,
// which returns the first page of every group.
type PageRequest struct {
	Params   GroupParams
	GroupKey string
	Page     int
}

// PageGroup is one group of a fetched page.
type PageGroup struct {
	Key        string `json:"key"`
	Items      []Item `json:"items"`
	TotalCount int    `json:"totalCount"`
	HasMore    bool   `json:"hasMore"`
	NextPage   int    `json:"nextPage,omitempty"` // 0 => requested page + 1
}

// Page is a fetch response. Groups are in server order.
type Page struct {
	Groups []PageGroup `json:"groups"`
}

// Fetcher loads grouped pages from the remote source of truth.
type Fetcher interface {
	FetchGroupedPage(ctx context.Context, req PageRequest) (Page, error)
}

// ItemFetcher is optionally implemented by a Fetcher to load detail entries.
type ItemFetcher interface {
	FetchItem(ctx context.Context, entityType, id string) (Item, error)
}

// fetchApplier writes fetched state at a generation. The Store refuses keys
// with optimistic holds; the Coordinator rebases them.
type fetchApplier interface {
	applyFetched(key QueryKey, gen uint64, fn PatchFunc) error
}

// GroupedView loads one grouped collection and paginates each group on its
// own cursor.
type GroupedView struct {
	store      *Store
	fetch      Fetcher
	apply      fetchApplier
	log        Logger
	hooks      Hooks
	retryDelay time.Duration
	onRekey    func(old, next QueryKey, v *GroupedView)

	mu       sync.Mutex
	params   GroupParams
	key      QueryKey
	inflight map[string]uint64 // group key -> token of the load_more in flight
	token    uint64
}

func newGroupedView(s *Store, f Fetcher, a fetchApplier, p GroupParams, log Logger, hooks Hooks, retryDelay time.Duration) *GroupedView {
	v := &GroupedView{
		store:      s,
		fetch:      f,
		apply:      a,
		log:        log,
		hooks:      hooks,
		retryDelay: coalesce(retryDelay, defaultRetryDelay),
		params:     p,
		key:        p.Key(),
		inflight:   make(map[string]uint64),
	}
	s.setRefetcher(v.key, v.refetch)
	return v
}

// Key is the query key the view currently reads and writes.
func (v *GroupedView) Key() QueryKey {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.key.clone()
}

func (v *GroupedView) Params() GroupParams {
	v.mu.Lock()
	defer v.mu.Unlock()
	p := v.params
	p.Filters = maps.Clone(p.Filters)
	return p
}

// Result returns a copy of the cached grouped result, including any
// optimistic changes.
func (v *GroupedView) Result() (*GroupedResult, bool) {
	cur, ok := v.store.peek(v.Key())
	if !ok {
		return nil, false
	}
	gr, ok := cur.(*GroupedResult)
	if !ok {
		return nil, false
	}
	return gr.clone(), true
}

// Load fetches the first page of every group and replaces all group state.
// It advances the key's generation, so responses to earlier loads and
// load_more calls are dropped. Transport failures are retried once.
func (v *GroupedView) Load(ctx context.Context) (*GroupedResult, error) {
	v.mu.Lock()
	key, params := v.key, v.params
	clear(v.inflight)
	v.mu.Unlock()

	k := key.String()
	gen := v.store.beginFetch(key)
	page, err := retryOnce(ctx, v.retryDelay, func(ctx context.Context) (Page, error) {
		return v.fetch.FetchGroupedPage(ctx, PageRequest{Params: params, Page: 1})
	})
	if err != nil {
		ferr := &FetchError{Key: k, Op: "load", Err: err}
		v.store.failFetch(key, gen, ferr)
		v.hooks.FetchFailed(k, "load", err)
		v.log.Warn("load failed", Fields{"key": k, "err": err})
		return nil, ferr
	}

	fresh := newGroupedResult(params, page)
	if err := v.apply.applyFetched(key, gen, func(Value) Value { return fresh }); err != nil {
		if errors.Is(err, ErrStaleResponse) {
			v.hooks.StaleResponseDropped(k, "load")
			v.log.Debug("stale load response dropped", Fields{"key": k, "gen": gen})
		}
		return nil, err
	}
	v.log.Debug("loaded", Fields{"key": k, "groups": len(fresh.Groups)})

	out, _ := v.Result()
	return out, nil
}

// LoadMore fetches the next page of one group and appends it to the end of
// that group. It returns the appended items. A call made while another
// LoadMore for the same group or a full Load is in flight does nothing and
// returns nil, nil, as does a response dropped because the key was reloaded
// or invalidated.
func (v *GroupedView) LoadMore(ctx context.Context, groupKey string) ([]Item, error) {
	v.mu.Lock()
	key, params := v.key, v.params
	cur, gen, reloading := v.store.peekFetch(key)
	gr, _ := cur.(*GroupedResult)
	if gr == nil {
		v.mu.Unlock()
		return nil, ErrNotLoaded
	}
	g := gr.Group(groupKey)
	switch {
	case g == nil:
		v.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrUnknownGroup, groupKey)
	case !g.HasMore:
		v.mu.Unlock()
		return nil, ErrNoMore
	}
	if _, busy := v.inflight[groupKey]; busy {
		v.mu.Unlock()
		return nil, nil
	}
	if reloading {
		// the cursor belongs to the result the reload replaces
		v.mu.Unlock()
		v.log.Debug("load_more skipped during reload", Fields{"key": key.String(), "group": groupKey})
		return nil, nil
	}
	v.token++
	tok := v.token
	v.inflight[groupKey] = tok
	page := g.NextPage
	v.mu.Unlock()
	defer v.done(groupKey, tok)

	k := key.String()
	resp, err := retryOnce(ctx, v.retryDelay, func(ctx context.Context) (Page, error) {
		return v.fetch.FetchGroupedPage(ctx, PageRequest{Params: params, GroupKey: groupKey, Page: page})
	})
	if err != nil {
		v.hooks.FetchFailed(k, "load_more", err)
		v.log.Warn("load_more failed", Fields{"key": k, "group": groupKey, "page": page, "err": err})
		return nil, &FetchError{Key: k, Op: "load_more", GroupKey: groupKey, Err: err}
	}

	pg := pageGroup(resp, groupKey)
	var added []Item
	err = v.apply.applyFetched(key, gen, func(cur Value) Value {
		gr, ok := cur.(*GroupedResult)
		if !ok || gr == nil {
			gr = &GroupedResult{Meta: paramsMeta(params)}
		}
		g := gr.Group(groupKey)
		if g == nil {
			gr.Groups = append(gr.Groups, Group{Key: groupKey})
			g = &gr.Groups[len(gr.Groups)-1]
		}
		added = g.appendItems(pg.Items)
		g.TotalCount = max(pg.TotalCount, g.LoadedCount)
		g.HasMore = pg.HasMore || g.LoadedCount < g.TotalCount
		g.NextPage = coalesce(pg.NextPage, page+1)
		gr.Meta.GroupCount = len(gr.Groups)
		return gr
	})
	if errors.Is(err, ErrStaleResponse) {
		v.hooks.StaleResponseDropped(k, "load_more")
		v.log.Debug("stale load_more response dropped", Fields{"key": k, "group": groupKey, "gen": gen})
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cloneItems(added), nil
}

// SetParams switches the view to p. When the key changes, the old group
// state is discarded (its generation advances so in-flight responses are
// dropped) and a fresh Load runs. Unchanged params reuse the cached result.
func (v *GroupedView) SetParams(ctx context.Context, p GroupParams) (*GroupedResult, error) {
	next := p.Key()
	v.mu.Lock()
	old := v.key
	if old.String() == next.String() {
		v.params = p
		v.mu.Unlock()
		if out, ok := v.Result(); ok {
			return out, nil
		}
		return v.Load(ctx)
	}
	v.params = p
	v.key = next
	clear(v.inflight)
	v.mu.Unlock()

	v.store.setRefetcher(old, nil)
	v.store.Discard(old)
	v.store.setRefetcher(next, v.refetch)
	if v.onRekey != nil {
		v.onRekey(old, next, v)
	}
	v.log.Debug("params changed", Fields{"old": old.String(), "new": next.String()})
	return v.Load(ctx)
}

func (v *GroupedView) refetch(ctx context.Context) {
	if _, err := v.Load(ctx); err != nil && !errors.Is(err, ErrStaleResponse) {
		v.log.Debug("background refetch failed", Fields{"key": v.Key().String(), "err": err})
	}
}

func (v *GroupedView) done(groupKey string, tok uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.inflight[groupKey] == tok {
		delete(v.inflight, groupKey)
	}
}

func paramsMeta(p GroupParams) Meta {
	return Meta{GroupBy: p.GroupBy, Sort: p.Sort, Filters: maps.Clone(p.Filters)}
}

// newGroupedResult builds group state from a first page. Groups keep the
// order in which the server first reported them; repeated keys merge.
func newGroupedResult(p GroupParams, page Page) *GroupedResult {
	r := &GroupedResult{Meta: paramsMeta(p)}
	for _, pg := range page.Groups {
		g := r.Group(pg.Key)
		if g == nil {
			r.Groups = append(r.Groups, Group{Key: pg.Key})
			g = &r.Groups[len(r.Groups)-1]
		}
		g.appendItems(pg.Items)
		g.TotalCount = max(pg.TotalCount, g.LoadedCount)
		g.HasMore = pg.HasMore || g.LoadedCount < g.TotalCount
		g.NextPage = coalesce(pg.NextPage, 2)
	}
	r.Meta.GroupCount = len(r.Groups)
	return r
}

// pageGroup picks the requested group from a load_more response. Servers
// that answer with an unkeyed single group are accepted too.
func pageGroup(p Page, key string) PageGroup {
	for _, pg := range p.Groups {
		if pg.Key == key {
			return pg
		}
	}
	if len(p.Groups) == 1 && p.Groups[0].Key == "" {
		return p.Groups[0]
	}
	return PageGroup{Key: key}
}
