package syncsvc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/fieldsync/internal/clock"
	"github.com/roach88/fieldsync/internal/vclock"
)

// Default rate limit: 100 submissions per device per minute.
const (
	DefaultLimit  = 100
	DefaultWindow = 60 * time.Second
)

// RateLimiter is a fixed-window counter keyed by device identifier.
//
// A device's window opens with its first request and resets lazily on
// the first request after it expires.
//
// Thread-safety: RateLimiter is safe for concurrent use.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	clock   clock.Clock
	windows map[string]*fixedWindow
}

type fixedWindow struct {
	start time.Time
	count int
}

// NewRateLimiter creates a limiter allowing limit requests per window.
func NewRateLimiter(limit int, window time.Duration, c clock.Clock) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		window:  window,
		clock:   c,
		windows: make(map[string]*fixedWindow),
	}
}

// Check counts one request for deviceID.
//
// Returns *RateLimitedError once the device has used its allowance for
// the current window. Rejected requests are not counted.
func (l *RateLimiter) Check(deviceID string) error {
	key := vclock.NormalizeID(deviceID)
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.window {
		w = &fixedWindow{start: now}
		l.windows[key] = w
	}
	if w.count >= l.limit {
		return &RateLimitedError{
			DeviceID:   key,
			Limit:      l.limit,
			RetryAfter: l.window,
		}
	}
	w.count++
	return nil
}

// Remaining returns how many requests deviceID may still make in its
// current window.
func (l *RateLimiter) Remaining(deviceID string) int {
	key := vclock.NormalizeID(deviceID)
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.window {
		return l.limit
	}
	return l.limit - w.count
}

// Sweep drops windows that have expired. Returns the number removed.
func (l *RateLimiter) Sweep() int {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for k, w := range l.windows {
		if now.Sub(w.start) >= l.window {
			delete(l.windows, k)
			removed++
		}
	}
	return removed
}

// Reset forgets every window.
func (l *RateLimiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.windows = make(map[string]*fixedWindow)
}

// RateLimitedError is returned when a device exceeds its submission quota.
//
// RetryAfter is the full window length, not the time left in the window.
type RateLimitedError struct {
	DeviceID   string
	Limit      int
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("device %s exceeded %d submissions per window, retry after %s",
		e.DeviceID, e.Limit, e.RetryAfter)
}

// IsRateLimited returns true if the error is a RateLimitedError.
// Uses errors.As to handle wrapped errors.
func IsRateLimited(err error) bool {
	var rl *RateLimitedError
	return errors.As(err, &rl)
}

// RetryAfterOf extracts the retry delay from a rate-limit error.
func RetryAfterOf(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}
