// Package clock provides the time sources used by fieldsync components.
//
// Wall time is only ever used for conflict proximity windows, rate-limit
// windows and breath phase scheduling. Causal ordering never depends on it;
// that is the job of package vclock.
//
// Components accept a Clock so tests can drive time with
// testutil.ManualClock instead of sleeping.
package clock

import (
	"sync/atomic"
	"time"
)

// Timer is a cancellable pending callback.
type Timer interface {
	// Stop prevents the callback from firing.
	// Returns false if the timer already fired or was stopped.
	Stop() bool
}

// Clock is the source of wall time and deferred callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// System is the real wall clock.
type System struct{}

// Now returns time.Now().
func (System) Now() time.Time {
	return time.Now()
}

// AfterFunc schedules f on its own goroutine after d.
func (System) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Millis returns c.Now() as Unix milliseconds, the unit used on the wire.
func Millis(c Clock) int64 {
	return c.Now().UnixMilli()
}

// Sequence is a monotonic counter for local version numbers.
//
// Thread-safety: Sequence is safe for concurrent use (atomic operations).
type Sequence struct {
	seq atomic.Int64
}

// NewSequenceAt creates a sequence whose next value is start+1.
// Used when restoring a device from a snapshot.
func NewSequenceAt(start int64) *Sequence {
	s := &Sequence{}
	s.seq.Store(start)
	return s
}

// Next returns the next sequence number and increments the counter.
func (s *Sequence) Next() int64 {
	return s.seq.Add(1)
}

// Current returns the current value without incrementing.
func (s *Sequence) Current() int64 {
	return s.seq.Load()
}
