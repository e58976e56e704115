// Package graphcache provides a client-side normalized entity cache; A cache
// keeps a single shared graph of entities (records keyed by "Type:id") and lets
// consumers declare views - trees of the fields they need - that are resolved
// against that graph, fetching only what is missing from a Transport.
//
// Nested payloads returned by the Transport are normalized: every entity is
// stored once, and fields that point at other entities hold a NodeRef instead of
// a copy. Each entity carries a coverage Mask recording which field paths have
// been fetched, so two views requesting overlapping fields never fetch the same
// field twice.
//
// Resolved views are memoized per (entity, view, reference) and invalidated
// transitively whenever any entity they read from changes. Mutations may apply
// optimistic writes before the Transport is called; a failed mutation restores
// every touched entity and list to the state captured right before the
// optimistic write.
package graphcache
