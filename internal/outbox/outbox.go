// Package outbox queues packed deltas awaiting acknowledgement by the
// sync service.
//
// Delivery is at-least-once: an item leaves the outbox only on Ack. The
// service ignores deltas its canonical clock already dominates, so a
// resend after a lost response is harmless.
package outbox

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/roach88/fieldsync/internal/syncsvc"
)

// Item is one pending submission.
type Item struct {
	ID            string                      `json:"id"`
	Request       syncsvc.PackedSubmitRequest `json:"request"`
	Attempts      int                         `json:"attempts"`
	QueuedAt      time.Time                   `json:"queuedAt"`
	LastAttemptAt time.Time                   `json:"lastAttemptAt"`
	NextAttemptAt time.Time                   `json:"nextAttemptAt"`
	LastError     string                      `json:"lastError,omitempty"`
}

// Outbox stores pending items by stable id.
//
// Thread-safety: Outbox is safe for concurrent use. Wait signals
// coalesce through a buffer of one.
type Outbox struct {
	mu     sync.RWMutex
	items  map[string]Item
	signal chan struct{}
}

// New creates an empty outbox.
func New() *Outbox {
	return &Outbox{
		items:  make(map[string]Item),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds or replaces an item. Items without an id are dropped.
func (o *Outbox) Enqueue(item Item) {
	key := strings.TrimSpace(item.ID)
	if key == "" {
		return
	}
	item.ID = key

	o.mu.Lock()
	o.items[key] = item
	o.mu.Unlock()

	select {
	case o.signal <- struct{}{}:
	default:
	}
}

// Wait returns a channel that signals when an item may have been enqueued.
func (o *Outbox) Wait() <-chan struct{} {
	return o.signal
}

// MarkAttempt records a failed attempt and schedules the next one.
func (o *Outbox) MarkAttempt(id string, at, next time.Time, lastErr string) (Item, bool) {
	key := strings.TrimSpace(id)
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[key]
	if !ok {
		return Item{}, false
	}
	item.Attempts++
	item.LastAttemptAt = at
	item.NextAttemptAt = next
	item.LastError = strings.TrimSpace(lastErr)
	o.items[key] = item
	return item, true
}

// Ack removes a delivered item.
func (o *Outbox) Ack(id string) {
	key := strings.TrimSpace(id)
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.items, key)
}

// Len returns the number of pending items.
func (o *Outbox) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.items)
}

// List returns every pending item, oldest first.
func (o *Outbox) List() []Item {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Item, 0, len(o.items))
	for _, item := range o.items {
		out = append(out, item)
	}
	sortItems(out)
	return out
}

// Restore replaces the contents with items loaded from a snapshot.
func (o *Outbox) Restore(items []Item) {
	o.mu.Lock()
	o.items = make(map[string]Item, len(items))
	for _, item := range items {
		key := strings.TrimSpace(item.ID)
		if key == "" {
			continue
		}
		item.ID = key
		o.items[key] = item
	}
	n := len(o.items)
	o.mu.Unlock()

	if n > 0 {
		select {
		case o.signal <- struct{}{}:
		default:
		}
	}
}

func sortItems(items []Item) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].QueuedAt.Equal(items[j].QueuedAt) {
			return items[i].QueuedAt.Before(items[j].QueuedAt)
		}
		return items[i].ID < items[j].ID
	})
}
