// Package syncsvc is the server-side delta ingestion service.
//
// Every submission passes through the same pipeline:
//
//	rate limit -> validate -> compare clocks -> per-cell policy -> commit
//
// The canonical clock decides which branch runs. A delta the canonical
// clock already dominates is acknowledged without touching storage, which
// makes resubmission after a lost response safe.
//
// Ingestion is serialised by a mutex so the read-modify-write against
// the Canonical store is atomic for a single process. A multi-instance
// deployment needs the rate limiter and the read-modify-write moved into
// shared storage.
package syncsvc
