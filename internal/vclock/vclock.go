package vclock

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Ordering is the causal relation between two clocks.
type Ordering int

const (
	// Equal means both clocks carry identical entries.
	Equal Ordering = iota
	// Before means the left clock is strictly dominated by the right one.
	Before
	// After means the left clock strictly dominates the right one.
	After
	// Concurrent means neither clock dominates the other.
	Concurrent
)

// String returns the lower-case name of the ordering.
func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	default:
		return fmt.Sprintf("ordering(%d)", int(o))
	}
}

// VectorClock maps device identifiers to per-device counters.
// The zero value (nil) is an empty clock and is safe to read.
type VectorClock map[string]int64

// New returns an empty clock.
func New() VectorClock {
	return make(VectorClock)
}

// NormalizeID trims surrounding whitespace and applies Unicode NFC.
func NormalizeID(id string) string {
	return norm.NFC.String(strings.TrimSpace(id))
}

// Get returns the counter for id, 0 if absent.
func (vc VectorClock) Get(id string) int64 {
	return vc[NormalizeID(id)]
}

// Increment advances the entry for id by one and returns the new value.
// Only the owning device may call this for its own id.
func (vc VectorClock) Increment(id string) int64 {
	key := NormalizeID(id)
	vc[key]++
	return vc[key]
}

// Clone returns an independent copy. Cloning nil yields an empty clock.
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}

// Merge raises every entry of vc to at least the matching entry of other.
func (vc VectorClock) Merge(other VectorClock) {
	for k, v := range other {
		key := NormalizeID(k)
		if v > vc[key] {
			vc[key] = v
		}
	}
}

// Merge returns the pointwise maximum of a and b as a new clock.
func Merge(a, b VectorClock) VectorClock {
	out := a.Clone()
	out.Merge(b)
	return out
}

// Compare returns the causal relation of a to b over the union of their keys.
func Compare(a, b VectorClock) Ordering {
	less, greater := false, false

	for k, av := range a {
		bv := b[k]
		if av < bv {
			less = true
		} else if av > bv {
			greater = true
		}
	}
	for k, bv := range b {
		if _, ok := a[k]; ok {
			continue
		}
		if bv > 0 {
			less = true
		} else if bv < 0 {
			greater = true
		}
	}

	switch {
	case less && greater:
		return Concurrent
	case less:
		return Before
	case greater:
		return After
	default:
		return Equal
	}
}

// Dominates reports whether vc has seen everything other has (After or Equal).
func (vc VectorClock) Dominates(other VectorClock) bool {
	o := Compare(vc, other)
	return o == After || o == Equal
}

// Validate rejects empty identifiers and negative counters.
func (vc VectorClock) Validate() error {
	for k, v := range vc {
		if NormalizeID(k) == "" {
			return &InvalidClockError{DeviceID: k, Reason: "empty device id"}
		}
		if v < 0 {
			return &InvalidClockError{DeviceID: k, Counter: v, Reason: "negative counter"}
		}
	}
	return nil
}

// Normalized returns a copy whose keys are normalised; colliding keys merge by max.
func (vc VectorClock) Normalized() VectorClock {
	out := make(VectorClock, len(vc))
	out.Merge(vc)
	return out
}

// IDs returns the device identifiers in sorted order.
func (vc VectorClock) IDs() []string {
	ids := make([]string, 0, len(vc))
	for k := range vc {
		ids = append(ids, k)
	}
	sort.Strings(ids)
	return ids
}

// String renders the clock as {a:1 b:2} with sorted keys.
func (vc VectorClock) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, id := range vc.IDs() {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s:%d", id, vc[id])
	}
	b.WriteByte('}')
	return b.String()
}

// InvalidClockError reports a clock entry that violates the clock invariants.
type InvalidClockError struct {
	DeviceID string
	Counter  int64
	Reason   string
}

// Error implements the error interface.
func (e *InvalidClockError) Error() string {
	return fmt.Sprintf("invalid vector clock entry %q=%d: %s", e.DeviceID, e.Counter, e.Reason)
}
