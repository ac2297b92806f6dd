// Package tree implements the canonical tab hierarchy for one window.
//
// The model is an arena of nodes keyed by stable engine-assigned IDs,
// partitioned into named views. Children lists and depths are derived state:
// parent pointers are authoritative, and RebuildChildren can always
// reconstruct the rest, which is what recovery relies on after
// deserialization.
//
// Components:
//   - Node: one tracked tab (KindTab) or one group placeholder (KindGroup)
//   - View: named, colored partition with ordered roots and pinned tabs
//   - Group: named aggregate bound to exactly one placeholder node
//   - Tree: the window-scoped aggregate owning all of the above
//
// Invariants (hold after every mutator returns):
//  1. Acyclicity: no node is its own ancestor
//  2. Depth consistency: depth = parent.depth+1, or 0 for roots
//  3. Referential integrity: every parent/child/root reference resolves
//  4. One owning view per node; moves are atomic remove+insert
//  5. Group singularity: at most one placeholder per group id
//  6. Pinned exclusivity: pinned tabs never appear in the hierarchy
//
// Mutators are total: they either commit a fully valid state or return an
// error with zero observable change. Callers never see a half-applied
// mutation.
//
// The tree performs no locking. The engine serializes every mutation through
// a single task queue, so no two mutators ever run concurrently.
package tree
