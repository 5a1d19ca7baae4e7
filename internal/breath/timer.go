package breath

import (
	"time"

	"github.com/roach88/fieldsync/internal/clock"
)

// timerSlot holds at most one pending callback. Arming a slot stops the
// previous timer and bumps the generation, so a callback that was already
// running when it was superseded sees a stale generation and does nothing.
// Callers hold the Coordinator's mutex.
type timerSlot struct {
	timer clock.Timer
	gen   uint64
}

func (s *timerSlot) arm(c clock.Clock, d time.Duration, f func(gen uint64)) {
	s.cancel()
	gen := s.gen
	s.timer = c.AfterFunc(d, func() { f(gen) })
}

func (s *timerSlot) cancel() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}

func (s *timerSlot) current(gen uint64) bool {
	return s.timer != nil && s.gen == gen
}
