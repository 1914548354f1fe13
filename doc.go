// Package listsync keeps a client-side cache of grouped, paginated collections
// consistent with a remote source of truth while optimistic mutations are in
// flight and push signals invalidate parts of the cache out of band.
//
// Components:
//   - Store: keyed cache entries (detail, list, grouped) with per-key
//     subscriptions, a logical clock and per-key generations.
//   - GroupedView: loads a grouped collection and paginates each group on its
//     own cursor. Responses older than the key's generation are dropped.
//   - Coordinator: applies optimistic transforms to every cached view that
//     contains a target record, calls the Mutator, then commits or rolls back.
//   - Listener: consumes push events and invalidates affected keys, deferring
//     entities that still have an optimistic mutation in flight.
//
// Keys are tuples whose first element names the shape:
//
//	{"detail", type, id}                               - single record
//	{"list", type, params...}                          - unordered list
//	{"grouped", type, groupBy, sort, filters, pageSize} - grouped, paginated result
//
// Two keys are equal iff their String forms are equal, e.g.
// s:"detail"|s:"issue"|s:"7".
//
// Rollback chains:
//
//	A := archive(x)   // snapshot(A) = v0, value = A(v0)
//	B := unarchive(x) // snapshot(B) = A(v0), value = B(A(v0))
//	A fails           // value = B(v0); B's snapshot is rebased to v0
//	B commits         // chain empty, value = B(v0)
package listsync
