package listsync

import (
	"cmp"
	"maps"
	"slices"
)

// Target identifies one record.
type Target struct {
	EntityType string `json:"entityType" msgpack:"entityType" cbor:"entityType"`
	ID         string `json:"id" msgpack:"id" cbor:"id"`
}

// ItemTransform is an optimistic per-record transform. Returning keep=false
// removes the record from list and grouped views; detail views keep next.
type ItemTransform func(it Item) (next Item, keep bool)

// Value is the cached data of an entry: Item, ItemList or *GroupedResult.
// Values are never mutated in place once stored; every change produces a new value.
type Value interface {
	Clone() Value
	Contains(entityType, id string) bool
	rewrite(match func(Item) bool, fn ItemTransform) (Value, bool)
}

// Item is a record summary.
type Item struct {
	ID         string `json:"id" msgpack:"id" cbor:"id"`
	EntityType string `json:"entityType" msgpack:"entityType" cbor:"entityType"`
	// Seq is the record's creation order, used as the deterministic tie-break
	// when primary sort values are equal.
	Seq    int64          `json:"seq" msgpack:"seq" cbor:"seq"`
	Fields map[string]any `json:"fields,omitempty" msgpack:"fields,omitempty" cbor:"fields,omitempty"`
}

func (it Item) Target() Target { return Target{EntityType: it.EntityType, ID: it.ID} }

// Field returns the named field or nil.
func (it Item) Field(name string) any { return it.Fields[name] }

// With returns a copy of it with field name set to v.
func (it Item) With(name string, v any) Item {
	out := it.copyItem()
	if out.Fields == nil {
		out.Fields = make(map[string]any, 1)
	}
	out.Fields[name] = v
	return out
}

// Without returns a copy of it with field name removed.
func (it Item) Without(name string) Item {
	out := it.copyItem()
	delete(out.Fields, name)
	return out
}

func (it Item) copyItem() Item {
	out := it
	if it.Fields != nil {
		out.Fields = maps.Clone(it.Fields)
	}
	return out
}

func (it Item) Clone() Value { return it.copyItem() }

func (it Item) Contains(entityType, id string) bool {
	return it.EntityType == entityType && it.ID == id
}

func (it Item) rewrite(match func(Item) bool, fn ItemTransform) (Value, bool) {
	if !match(it) {
		return it, false
	}
	next, _ := fn(it.copyItem())
	return next, true
}

// ItemList is an unordered list of records.
type ItemList []Item

func (l ItemList) Clone() Value { return ItemList(cloneItems(l)) }

func (l ItemList) Contains(entityType, id string) bool {
	return indexOf(l, entityType, id) >= 0
}

func (l ItemList) rewrite(match func(Item) bool, fn ItemTransform) (Value, bool) {
	out, _, changed := rewriteItems(l, match, fn)
	if !changed {
		return l, false
	}
	return ItemList(out), true
}

// Group is one bucket of a grouped result. Every group paginates on its own cursor.
type Group struct {
	Key         string `json:"key" msgpack:"key" cbor:"key"`
	Items       []Item `json:"items" msgpack:"items" cbor:"items"`
	LoadedCount int    `json:"loadedCount" msgpack:"loadedCount" cbor:"loadedCount"`
	TotalCount  int    `json:"totalCount" msgpack:"totalCount" cbor:"totalCount"`
	HasMore     bool   `json:"hasMore" msgpack:"hasMore" cbor:"hasMore"`
	NextPage    int    `json:"nextPage" msgpack:"nextPage" cbor:"nextPage"`
}

// appendItems appends records not already present, in order, and returns
// the ones actually appended.
func (g *Group) appendItems(items []Item) []Item {
	var added []Item
	for _, it := range items {
		if indexOf(g.Items, it.EntityType, it.ID) >= 0 {
			continue
		}
		c := it.copyItem()
		g.Items = append(g.Items, c)
		added = append(added, c)
	}
	g.LoadedCount = len(g.Items)
	return added
}

// Meta carries the parameters a grouped result was loaded with.
type Meta struct {
	GroupCount int               `json:"groupCount" msgpack:"groupCount" cbor:"groupCount"`
	GroupBy    string            `json:"groupBy" msgpack:"groupBy" cbor:"groupBy"`
	Sort       string            `json:"sort" msgpack:"sort" cbor:"sort"`
	Filters    map[string]string `json:"filters,omitempty" msgpack:"filters,omitempty" cbor:"filters,omitempty"`
}

// GroupedResult keeps groups in the order the server first reported them.
type GroupedResult struct {
	Groups []Group `json:"groups" msgpack:"groups" cbor:"groups"`
	Meta   Meta    `json:"meta" msgpack:"meta" cbor:"meta"`
}

// Group returns the group with key, or nil.
func (r *GroupedResult) Group(key string) *Group {
	for i := range r.Groups {
		if r.Groups[i].Key == key {
			return &r.Groups[i]
		}
	}
	return nil
}

func (r *GroupedResult) Clone() Value { return r.clone() }

func (r *GroupedResult) clone() *GroupedResult {
	if r == nil {
		return nil
	}
	out := &GroupedResult{Meta: r.Meta, Groups: make([]Group, len(r.Groups))}
	out.Meta.Filters = maps.Clone(r.Meta.Filters)
	for i, g := range r.Groups {
		g.Items = cloneItems(g.Items)
		out.Groups[i] = g
	}
	return out
}

func (r *GroupedResult) Contains(entityType, id string) bool {
	if r == nil {
		return false
	}
	for _, g := range r.Groups {
		if indexOf(g.Items, entityType, id) >= 0 {
			return true
		}
	}
	return false
}

// rewrite removes dropped records from their groups and decrements both
// counts. Groups left empty stay in place until the next full load.
func (r *GroupedResult) rewrite(match func(Item) bool, fn ItemTransform) (Value, bool) {
	if r == nil {
		return r, false
	}
	var out *GroupedResult
	for i, g := range r.Groups {
		items, removed, changed := rewriteItems(g.Items, match, fn)
		if !changed {
			continue
		}
		if out == nil {
			out = &GroupedResult{Meta: r.Meta, Groups: slices.Clone(r.Groups)}
		}
		ng := g
		ng.Items = items
		ng.LoadedCount = len(items)
		ng.TotalCount = max(g.TotalCount-removed, ng.LoadedCount)
		out.Groups[i] = ng
	}
	if out == nil {
		return r, false
	}
	return out, true
}

func rewriteItems(in []Item, match func(Item) bool, fn ItemTransform) (out []Item, removed int, changed bool) {
	for i, it := range in {
		if !match(it) {
			if changed {
				out = append(out, it)
			}
			continue
		}
		if !changed {
			out = make([]Item, i, len(in))
			copy(out, in[:i])
			changed = true
		}
		next, keep := fn(it.copyItem())
		if !keep {
			removed++
			continue
		}
		out = append(out, next)
	}
	if !changed {
		return in, 0, false
	}
	return out, removed, true
}

func cloneItems(in []Item) []Item {
	if in == nil {
		return nil
	}
	out := make([]Item, len(in))
	for i, it := range in {
		out[i] = it.copyItem()
	}
	return out
}

func indexOf(items []Item, entityType, id string) int {
	return slices.IndexFunc(items, func(it Item) bool {
		return it.EntityType == entityType && it.ID == id
	})
}

// SortItems orders items by cmpFn and breaks ties by creation order (Seq
// ascending), the same tie-break servers apply to grouped pages.
func SortItems(items []Item, cmpFn func(a, b Item) int) {
	slices.SortStableFunc(items, func(a, b Item) int {
		if cmpFn != nil {
			if c := cmpFn(a, b); c != 0 {
				return c
			}
		}
		return cmp.Compare(a.Seq, b.Seq)
	})
}
