// Package store provides SQLite-backed canonical storage for the sync
// service.
//
// The store holds three tables:
//   - field_cells: the canonical value of every written cell
//   - vector_clocks: the canonical clock, one row per device
//   - field_conflicts: a conflict log capped at MaxConflicts entries
//
// # Invariants
//
// Clock rows never decrease: every write takes MAX(stored, incoming).
//
// Cells are overwritten in place and never deleted.
//
// The conflict log is trimmed oldest-first inside the same transaction
// that appends to it, so readers never observe more than MaxConflicts rows.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
