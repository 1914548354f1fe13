package listsync

import (
	"context"
	"errors"
	"testing"
	"time"
)

func list(items ...Item) ItemList { return ItemList(items) }

func issue(id string, seq int64) Item {
	return Item{ID: id, EntityType: "issue", Seq: seq, Fields: map[string]any{"title": "t" + id}}
}

// TestStoreSubscribersSeeOnlyTheirKey verifies per-key notification and copy-on-read.
func TestStoreSubscribersSeeOnlyTheirKey(t *testing.T) {
	s := newTestStore(t, nil)
	a, b := ListKey("issue"), ListKey("comment")

	var gotA, gotB []Entry
	defer s.Subscribe(a, func(e Entry) { gotA = append(gotA, e) })()
	defer s.Subscribe(b, func(e Entry) { gotB = append(gotB, e) })()

	if err := s.Write(a, list(issue("1", 1)), StatusSuccess); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(gotA) != 1 || len(gotB) != 0 {
		t.Fatalf("notifications a=%d b=%d, want 1/0", len(gotA), len(gotB))
	}

	e, ok := s.Read(a)
	if !ok || e.Status != StatusSuccess {
		t.Fatalf("Read: ok=%v status=%v", ok, e.Status)
	}
	e.Data.(ItemList)[0].Fields["title"] = "mutated by reader"
	again, _ := s.Read(a)
	if got := again.Data.(ItemList)[0].Field("title"); got != "t1" {
		t.Fatalf("reader mutation leaked into the store: %v", got)
	}
	if again.UpdatedAt <= 0 {
		t.Fatalf("UpdatedAt not advanced")
	}
}

func TestStorePatchesCompose(t *testing.T) {
	s := newTestStore(t, nil)
	k := ListKey("issue")
	_ = s.Write(k, list(issue("1", 1)), StatusSuccess)

	add := func(it Item) PatchFunc {
		return func(v Value) Value { return append(v.(ItemList), it) }
	}
	if !s.Patch(k, add(issue("2", 2))) || !s.Patch(k, add(issue("3", 3))) {
		t.Fatalf("Patch on cached key returned false")
	}
	e, _ := s.Read(k)
	if got := ids(e.Data.(ItemList)); len(got) != 3 || got[2] != "3" {
		t.Fatalf("patches did not compose: %v", got)
	}
	if s.Patch(ListKey("nope"), add(issue("x", 9))) {
		t.Fatalf("Patch on missing key returned true")
	}
}

func TestStoreInvalidateRefetchesOnlySubscribedKeys(t *testing.T) {
	s := newTestStore(t, nil)
	watched, idle := ListKey("issue"), ListKey("comment")
	_ = s.Write(watched, list(issue("1", 1)), StatusSuccess)
	_ = s.Write(idle, list(), StatusSuccess)

	refetches := 0
	s.setRefetcher(watched, func(context.Context) { refetches++ })
	s.setRefetcher(idle, func(context.Context) { refetches += 100 })
	defer s.Subscribe(watched, func(Entry) {})()

	if refetches != 0 {
		t.Fatalf("fresh entry refetched on subscribe")
	}
	s.Invalidate(watched)
	s.Invalidate(idle)
	if refetches != 1 {
		t.Fatalf("refetches=%d, want 1", refetches)
	}

	e, ok := s.Read(watched)
	if !ok || !e.Stale {
		t.Fatalf("watched key: ok=%v stale=%v", ok, e.Stale)
	}
	if _, ok := s.Snapshot(idle); ok {
		t.Fatalf("invalidated idle key still served")
	}
	if s.Len() != 1 {
		t.Fatalf("Len=%d after eviction, want 1", s.Len())
	}
}

func TestStoreSnapshotRevalidatesAfterStaleAfter(t *testing.T) {
	clk := newClock()
	s := newTestStore(t, func(o *StoreOptions) {
		o.Now = clk.Now
		o.StaleAfter = 30 * time.Second
	})
	k := ListKey("issue")
	_ = s.Write(k, list(issue("1", 1)), StatusSuccess)
	n := 0
	s.setRefetcher(k, func(context.Context) { n++ })

	if _, ok := s.Snapshot(k); !ok || n != 0 {
		t.Fatalf("fresh snapshot: ok=%v refetches=%d", ok, n)
	}
	clk.Advance(31 * time.Second)
	e, ok := s.Snapshot(k)
	if !ok || n != 1 {
		t.Fatalf("old snapshot: ok=%v refetches=%d", ok, n)
	}
	if len(e.Data.(ItemList)) != 1 {
		t.Fatalf("snapshot must return cached data while revalidating")
	}
}

func TestStoreSubscribeLoadsNeverFetchedKey(t *testing.T) {
	s := newTestStore(t, nil)
	k := ListKey("issue")
	n := 0
	s.setRefetcher(k, func(context.Context) { n++ })
	defer s.Subscribe(k, func(Entry) {})()
	if n != 1 {
		t.Fatalf("refetches=%d, want 1", n)
	}
}

func TestStoreDropsResponseAfterInvalidate(t *testing.T) {
	s := newTestStore(t, nil)
	k := ListKey("issue")

	g := s.beginFetch(k)
	s.Invalidate(k)
	err := s.applyFetched(k, g, func(Value) Value { return list(issue("1", 1)) })
	if !errors.Is(err, ErrStaleResponse) {
		t.Fatalf("applyFetched after invalidate: %v, want ErrStaleResponse", err)
	}

	g = s.beginFetch(k)
	if err := s.applyFetched(k, g, func(Value) Value { return list(issue("2", 2)) }); err != nil {
		t.Fatalf("current response rejected: %v", err)
	}
	e, _ := s.Read(k)
	if e.Status != StatusSuccess || ids(e.Data.(ItemList))[0] != "2" {
		t.Fatalf("unexpected entry %+v", e)
	}
}

func TestStoreFailFetchIgnoresSupersededGeneration(t *testing.T) {
	s := newTestStore(t, nil)
	k := ListKey("issue")
	old := s.beginFetch(k)
	cur := s.beginFetch(k)

	s.failFetch(k, old, errTransport)
	if e, _ := s.Read(k); e.Status != StatusFetching {
		t.Fatalf("superseded failure changed status to %v", e.Status)
	}
	s.failFetch(k, cur, errTransport)
	if e, _ := s.Read(k); e.Status != StatusError || !errors.Is(e.Err, errTransport) {
		t.Fatalf("status=%v err=%v", e.Status, e.Err)
	}
}

func TestStoreWriteRefusedWhileHeld(t *testing.T) {
	s := newTestStore(t, nil)
	k := ListKey("issue")
	_ = s.Write(k, list(issue("1", 1)), StatusSuccess)

	if _, _, ok := s.applyHeld(k.String(), "m1", func(v Value) Value { return v }); !ok {
		t.Fatalf("applyHeld on cached key failed")
	}
	err := s.Write(k, list(), StatusSuccess)
	var ce *ConflictError
	if !errors.As(err, &ce) || len(ce.Pending) != 1 || ce.Pending[0] != "m1" {
		t.Fatalf("Write on held key: %v", err)
	}
	if e, _ := s.Read(k); len(e.Pending) != 1 {
		t.Fatalf("Pending=%v", e.Pending)
	}

	s.release(k.String(), "m1")
	if err := s.Write(k, list(), StatusSuccess); err != nil {
		t.Fatalf("Write after release: %v", err)
	}
}

func TestStoreDiscardKeepsSubscribers(t *testing.T) {
	s := newTestStore(t, nil)
	k := ListKey("issue")
	_ = s.Write(k, list(issue("1", 1)), StatusSuccess)

	var last Entry
	defer s.Subscribe(k, func(e Entry) { last = e })()
	g := s.generation(k)
	s.Discard(k)

	if last.Data != nil || last.Status != StatusIdle {
		t.Fatalf("subscriber saw %+v after discard", last)
	}
	if s.generation(k) == g {
		t.Fatalf("discard did not advance the generation")
	}
}

func TestStoreCollectEvictsIdleEntries(t *testing.T) {
	clk := newClock()
	s := newTestStore(t, func(o *StoreOptions) {
		o.Now = clk.Now
		o.GCWindow = time.Minute
	})
	idle, watched := ListKey("issue"), ListKey("comment")
	_ = s.Write(idle, list(issue("1", 1)), StatusSuccess)
	_ = s.Write(watched, list(), StatusSuccess)
	unsub := s.Subscribe(watched, func(Entry) {})
	defer unsub()

	clk.Advance(30 * time.Second)
	if n := s.Collect(context.Background()); n != 0 {
		t.Fatalf("collected %d before the window elapsed", n)
	}
	clk.Advance(time.Minute)
	if n := s.Collect(context.Background()); n != 1 {
		t.Fatalf("collected %d, want 1", n)
	}
	if _, ok := s.Read(idle); ok {
		t.Fatalf("idle entry survived GC")
	}
	if _, ok := s.Read(watched); !ok {
		t.Fatalf("subscribed entry was collected")
	}
}

func TestStoreGenStoreErrorDropsResponses(t *testing.T) {
	hooks := newRecHooks()
	s := newTestStore(t, func(o *StoreOptions) {
		o.GenStore = failingGenStore{err: errors.New("redis down")}
		o.Hooks = hooks
	})
	k := ListKey("issue")
	g := s.beginFetch(k)
	err := s.applyFetched(k, g, func(Value) Value { return list() })
	if !errors.Is(err, ErrStaleResponse) {
		t.Fatalf("applyFetched with failing gen store: %v", err)
	}
	if hooks.count("genstore") == 0 {
		t.Fatalf("GenStoreError hook not called")
	}
}

func TestStoreCloseIsIdempotent(t *testing.T) {
	s := NewStore(StoreOptions{GCInterval: 10 * time.Millisecond})
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestItemListCloneIsDeep(t *testing.T) {
	l := list(issue("1", 1))
	c, ok := l.Clone().(ItemList)
	if !ok {
		t.Fatalf("Clone returned %T", l.Clone())
	}
	c[0].Fields["title"] = "changed"
	if got := l[0].Field("title"); got != "t1" {
		t.Fatalf("clone shares fields with the original: %v", got)
	}
}

func TestStoreInvalidateDuringFetchReturnsToIdle(t *testing.T) {
	s := newTestStore(t, nil)
	k := ListKey("issue")
	refetches := 0
	s.setRefetcher(k, func(context.Context) { refetches++ })

	g := s.beginFetch(k)
	s.Invalidate(k)
	if err := s.applyFetched(k, g, func(Value) Value { return list() }); !errors.Is(err, ErrStaleResponse) {
		t.Fatalf("applyFetched after Invalidate: %v", err)
	}

	defer s.Subscribe(k, func(Entry) {})()
	if refetches != 1 {
		t.Fatalf("refetches on subscribe = %d, want 1", refetches)
	}
	e, _ := s.Read(k)
	if e.Status != StatusIdle || !e.Stale {
		t.Fatalf("status=%v stale=%v", e.Status, e.Stale)
	}
}
