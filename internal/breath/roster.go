package breath

import (
	"sort"
	"time"

	"github.com/roach88/fieldsync/internal/vclock"
)

// roster tracks known participants for quorum. Not safe for concurrent
// use; the Coordinator's mutex guards it.
type roster struct {
	self    string
	timeout time.Duration
	members map[string]*ParticipantState
}

func newRoster(self string, timeout time.Duration, now int64) *roster {
	r := &roster{
		self:    self,
		timeout: timeout,
		members: make(map[string]*ParticipantState),
	}
	r.touch(self, now)
	return r
}

// touch marks id as seen at now, adding it if unknown.
func (r *roster) touch(id string, now int64) *ParticipantState {
	id = vclock.NormalizeID(id)
	m, ok := r.members[id]
	if !ok {
		m = &ParticipantState{DeviceID: id, BreathPhase: PhaseIdle}
		r.members[id] = m
	}
	m.LastSeen = now
	return m
}

// prune drops participants unseen for longer than the timeout. The local
// device is never dropped. Returns the dropped ids, sorted.
func (r *roster) prune(now int64) []string {
	var dropped []string
	for id, m := range r.members {
		if id == r.self {
			continue
		}
		if now-m.LastSeen > r.timeout.Milliseconds() {
			delete(r.members, id)
			dropped = append(dropped, id)
		}
	}
	sort.Strings(dropped)
	return dropped
}

func (r *roster) has(id string) bool {
	_, ok := r.members[id]
	return ok
}

func (r *roster) live() int {
	return len(r.members)
}

func (r *roster) list() []ParticipantState {
	out := make([]ParticipantState, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DeviceID < out[j].DeviceID
	})
	return out
}
