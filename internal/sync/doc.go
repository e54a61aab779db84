// Package sync implements the optimistic-mutation protocol that keeps
// the local entity store convergent with the server of record.
//
// Every user-initiated change is assigned an increasing local
// sequence number, applied to the store immediately, and pushed onto
// the mutation queue as pending while the REST call is in flight. On
// confirmation the server's authoritative copy replaces the
// optimistic one; on rejection the entity is recomputed from the last
// confirmed copy plus the mutations still pending ahead of it, so a
// failed write rolls back deterministically without disturbing later
// edits.
//
// Push events are the second input. An event naming an entity that
// still has pending mutations is buffered and only merged once every
// earlier mutation against that entity has resolved, so a stale event
// never clobbers a newer optimistic edit. Scalar fields merge
// last-writer-wins by server timestamp; for the assignee and
// dependency sets the server's copy wins outright, and a pending
// local change to those fields that loses the race is surfaced as a
// StaleWriteError rather than silently dropped.
package sync
