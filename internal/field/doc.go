// Package field holds the sparse numeric grid each device edits and the
// reconciler that keeps replicas of it convergent.
//
// Every device owns one Reconciler. Local writes go through UpdateCell,
// which stamps the cell with the device's vector clock and returns a Delta
// to transmit. Remote deltas go through Reconcile:
//
//	remote clock strictly newer     apply every change (catch-up)
//	clocks concurrent               per-cell proximity test, see Policy
//	remote clock equal or older     ignore (stale or duplicate)
//
// The local clock is merged with the delta clock after every call, whatever
// branch ran, so re-delivering a delta is always a no-op.
//
// The same Policy is used by the server-side ingestion service against the
// canonical store, so devices and server resolve a race identically.
package field
