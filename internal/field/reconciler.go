package field

import (
	"log/slog"
	"sync"

	"github.com/roach88/fieldsync/internal/clock"
	"github.com/roach88/fieldsync/internal/vclock"
)

// Reconciler is one device's authority over its replica of the field.
//
// Thread-safety: all methods are safe for concurrent use. The device
// remains the single writer of its own clock entry.
type Reconciler struct {
	mu       sync.Mutex
	deviceID string
	clock    vclock.VectorClock
	cells    map[Coord]Cell
	version  *clock.Sequence
	wall     clock.Clock
	policy   Policy
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock sets the wall-clock source used for cell timestamps.
func WithClock(c clock.Clock) Option {
	return func(r *Reconciler) {
		r.wall = c
	}
}

// WithPolicy overrides the conflict policy.
func WithPolicy(p Policy) Option {
	return func(r *Reconciler) {
		r.policy = p
	}
}

// NewReconciler creates an empty replica owned by deviceID.
func NewReconciler(deviceID string, opts ...Option) *Reconciler {
	r := &Reconciler{
		deviceID: vclock.NormalizeID(deviceID),
		clock:    vclock.New(),
		cells:    make(map[Coord]Cell),
		version:  &clock.Sequence{},
		wall:     clock.System{},
		policy:   DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State is the persistable form of a Reconciler.
type State struct {
	DeviceID string             `json:"deviceId"`
	Cells    map[Coord]Cell     `json:"cells"`
	Clock    vclock.VectorClock `json:"clock"`
	Version  int64              `json:"version"`
}

// Restore rebuilds a Reconciler from a saved State.
func Restore(st State, opts ...Option) *Reconciler {
	r := NewReconciler(st.DeviceID, opts...)
	r.cells = CloneCells(st.Cells)
	r.clock = st.Clock.Normalized()
	r.version = clock.NewSequenceAt(st.Version)
	return r
}

// Export captures the reconciler state for local persistence.
func (r *Reconciler) Export() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return State{
		DeviceID: r.deviceID,
		Cells:    CloneCells(r.cells),
		Clock:    r.clock.Clone(),
		Version:  r.version.Current(),
	}
}

// DeviceID returns the normalised identifier of the owning device.
func (r *Reconciler) DeviceID() string {
	return r.deviceID
}

// UpdateCell writes a local value and returns the delta describing it.
// A NaN or infinite value is rejected with a *ValidationError and leaves
// the field and clock untouched.
func (r *Reconciler) UpdateCell(x, y int, value float64) (Delta, error) {
	if !Finite(value) {
		return Delta{}, &ValidationError{Field: "value", Reason: "must be finite"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := clock.Millis(r.wall)
	r.clock.Increment(r.deviceID)
	stamp := r.clock.Clone()

	r.cells[Coord{X: x, Y: y}] = Cell{
		Value:       value,
		LastWriter:  r.deviceID,
		Timestamp:   now,
		VectorClock: stamp,
	}
	version := r.version.Next()

	return Delta{
		DeviceID:  r.deviceID,
		Clock:     stamp.Clone(),
		Changes:   []Change{{X: x, Y: y, Value: value, Timestamp: now}},
		Version:   version,
		Timestamp: now,
	}, nil
}

// Reconcile merges a remote delta into the replica.
func (r *Reconciler) Reconcile(d Delta) ReconcileResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	remoteClock := d.Clock.Normalized()
	writer := vclock.NormalizeID(d.DeviceID)
	cmp := vclock.Compare(r.clock, remoteClock)

	result := ReconcileResult{
		Applied:   []Change{},
		Conflicts: []ConflictRecord{},
		Ordering:  cmp,
	}

	switch cmp {
	case vclock.Before:
		for _, ch := range d.Changes {
			r.apply(ch, writer, remoteClock)
			result.Applied = append(result.Applied, ch)
		}

	case vclock.Concurrent:
		for _, ch := range d.Changes {
			stored, exists := r.cells[ch.Coord()]
			decision := r.policy.Decide(stored, exists, ch, writer)
			if decision.Conflict != nil {
				result.Conflicts = append(result.Conflicts, *decision.Conflict)
				slog.Debug("field conflict resolved",
					"device", r.deviceID,
					"remote", writer,
					"cell", decision.Conflict.Cell,
					"resolution", decision.Conflict.Resolution,
				)
			}
			if decision.Apply {
				r.apply(ch, writer, remoteClock)
				result.Applied = append(result.Applied, ch)
			}
		}

	default:
		slog.Debug("stale delta ignored",
			"device", r.deviceID,
			"remote", writer,
			"ordering", cmp.String(),
			"changes", len(d.Changes),
		)
	}

	r.clock.Merge(remoteClock)
	result.NewVersion = r.version.Current()
	return result
}

// MergeCanonical folds a canonical snapshot (cells plus the global clock)
// into the replica. Each canonical cell carries its own writer, so the
// per-cell policy runs with that writer instead of a single delta issuer.
// Canonical copies of this device's own writes never replace a newer or
// equal local value.
func (r *Reconciler) MergeCanonical(cells map[Coord]Cell, global vclock.VectorClock) ReconcileResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	remoteClock := global.Normalized()
	cmp := vclock.Compare(r.clock, remoteClock)

	result := ReconcileResult{
		Applied:   []Change{},
		Conflicts: []ConflictRecord{},
		Ordering:  cmp,
	}

	if cmp == vclock.Before || cmp == vclock.Concurrent {
		for _, coord := range SortedCoords(cells) {
			canon := cells[coord]
			writer := vclock.NormalizeID(canon.LastWriter)
			stored, exists := r.cells[coord]

			if exists && sameCell(stored, canon) {
				continue
			}
			if writer == r.deviceID && exists && stored.Timestamp >= canon.Timestamp {
				continue
			}

			ch := Change{X: coord.X, Y: coord.Y, Value: canon.Value, Timestamp: canon.Timestamp}
			apply := true
			if cmp == vclock.Concurrent {
				decision := r.policy.Decide(stored, exists, ch, writer)
				if decision.Conflict != nil {
					result.Conflicts = append(result.Conflicts, *decision.Conflict)
				}
				apply = decision.Apply
			}
			if apply {
				stamp := canon.VectorClock.Normalized()
				if len(stamp) == 0 {
					stamp = remoteClock.Clone()
				}
				r.cells[coord] = Cell{
					Value:       canon.Value,
					LastWriter:  writer,
					Timestamp:   canon.Timestamp,
					VectorClock: stamp,
				}
				result.Applied = append(result.Applied, ch)
			}
		}
	}

	r.clock.Merge(remoteClock)
	result.NewVersion = r.version.Current()
	return result
}

// Snapshot returns a copy of every stored cell.
func (r *Reconciler) Snapshot() map[Coord]Cell {
	r.mu.Lock()
	defer r.mu.Unlock()
	return CloneCells(r.cells)
}

// Clock returns a copy of the local vector clock.
func (r *Reconciler) Clock() vclock.VectorClock {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clock.Clone()
}

// Version returns the number of local writes issued so far.
func (r *Reconciler) Version() int64 {
	return r.version.Current()
}

// apply overwrites a cell with a remote change. Caller holds r.mu.
func (r *Reconciler) apply(ch Change, writer string, stamp vclock.VectorClock) {
	r.cells[ch.Coord()] = Cell{
		Value:       ch.Value,
		LastWriter:  writer,
		Timestamp:   ch.Timestamp,
		VectorClock: stamp.Clone(),
	}
}

func sameCell(a, b Cell) bool {
	return a.Value == b.Value &&
		a.Timestamp == b.Timestamp &&
		vclock.NormalizeID(a.LastWriter) == vclock.NormalizeID(b.LastWriter)
}
