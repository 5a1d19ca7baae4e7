// Package transport carries event envelopes between participants.
//
// Delivery is fire-and-forget: Publish returns once the message has been
// handed to the medium, with no acknowledgement from receivers. Bus is an
// in-process implementation; Hub and Conn relay over WebSocket.
package transport

import (
	"context"
	"sync"
)

// Handler receives one raw envelope.
type Handler func(msg []byte)

// Transport publishes envelopes and delivers inbound ones to subscribers.
type Transport interface {
	Publish(ctx context.Context, msg []byte) error
	// Subscribe registers h and returns a function that removes it.
	Subscribe(h Handler) (unsubscribe func())
}

// subscribers is a handler set shared by Bus and Conn.
type subscribers struct {
	mu   sync.RWMutex
	next int
	subs map[int]Handler
}

func (s *subscribers) add(h Handler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		s.subs = make(map[int]Handler)
	}
	id := s.next
	s.next++
	s.subs[id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// snapshot returns the handlers in subscription order.
func (s *subscribers) snapshot() []Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Handler, 0, len(s.subs))
	for id := 0; id < s.next; id++ {
		if h, ok := s.subs[id]; ok {
			out = append(out, h)
		}
	}
	return out
}

func (s *subscribers) deliver(msg []byte) {
	for _, h := range s.snapshot() {
		h(msg)
	}
}

// Bus is an in-process Transport. Publish delivers synchronously to every
// subscriber, including the publisher's own, in subscription order. No
// lock is held during delivery, so handlers may publish.
type Bus struct {
	subs subscribers
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Publish implements Transport.
func (b *Bus) Publish(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.subs.deliver(append([]byte(nil), msg...))
	return nil
}

// Subscribe implements Transport.
func (b *Bus) Subscribe(h Handler) func() {
	return b.subs.add(h)
}
