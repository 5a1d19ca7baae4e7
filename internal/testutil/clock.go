package testutil

import (
	"sort"
	"sync"
	"time"

	"github.com/roach88/fieldsync/internal/clock"
)

// Epoch is the default start time of a ManualClock: 2024-01-01T00:00:00Z.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// ManualClock is a clock.Clock that only moves when the test says so.
//
// Timers scheduled with AfterFunc fire synchronously inside Advance, in
// due-time order, with Now() reporting each timer's due time while its
// callback runs. Timers scheduled by a callback fire in the same Advance
// call if they fall due before the target time.
//
// Thread-safety: All methods are safe for concurrent use. Callbacks run
// without the internal mutex held, so they may call back into the clock.
type ManualClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int64
	timers []*manualTimer
}

type manualTimer struct {
	c       *ManualClock
	due     time.Time
	seq     int64
	f       func()
	stopped bool
	fired   bool
}

// NewManualClock creates a clock frozen at Epoch.
func NewManualClock() *ManualClock {
	return NewManualClockAt(Epoch)
}

// NewManualClockAt creates a clock frozen at start.
func NewManualClockAt(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// NewManualClockAtMillis creates a clock frozen at the given Unix milliseconds.
func NewManualClockAtMillis(ms int64) *ManualClock {
	return NewManualClockAt(time.UnixMilli(ms).UTC())
}

// Now returns the current frozen time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc registers f to run once the clock has advanced by d.
// Non-positive durations fire on the next Advance call.
func (c *ManualClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &manualTimer{c: c, due: c.now.Add(d), seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

// Stop cancels the timer.
func (t *manualTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves the clock forward by d, firing every timer that falls due.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		t := c.popDue(target)
		if t == nil {
			break
		}
		t.f()
	}

	c.mu.Lock()
	if target.After(c.now) {
		c.now = target
	}
	c.mu.Unlock()
}

// Set jumps the clock to an absolute time. Timers are not fired.
func (c *ManualClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Pending returns the number of timers that have neither fired nor been stopped.
func (c *ManualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// popDue removes and returns the earliest live timer due at or before target,
// moving the clock to its due time.
func (c *ManualClock) popDue(target time.Time) *manualTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	live := c.timers[:0]
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	c.timers = live

	sort.SliceStable(c.timers, func(i, j int) bool {
		if c.timers[i].due.Equal(c.timers[j].due) {
			return c.timers[i].seq < c.timers[j].seq
		}
		return c.timers[i].due.Before(c.timers[j].due)
	})

	if len(c.timers) == 0 || c.timers[0].due.After(target) {
		return nil
	}

	t := c.timers[0]
	c.timers = c.timers[1:]
	t.fired = true
	if t.due.After(c.now) {
		c.now = t.due
	}
	return t
}
