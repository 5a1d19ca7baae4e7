package field

import (
	"time"

	"github.com/roach88/fieldsync/internal/vclock"
)

// ConflictWindow is the temporal proximity below which two concurrent
// writes to the same cell are treated as a genuine race.
const ConflictWindow = 100 * time.Millisecond

// Policy decides what happens when a causally concurrent change lands on a
// cell that already holds a value.
//
// A conflict exists only when all of these hold:
//   - the cell has a stored value
//   - the stored value was written by a different device
//   - |stored.Timestamp - change.Timestamp| < Window
//
// A conflict is resolved last-writer-wins on the wall-clock timestamp. On an
// exact tie the greater normalised device identifier wins, so every replica
// picks the same winner.
type Policy struct {
	Window time.Duration
}

// DefaultPolicy returns a Policy using ConflictWindow.
func DefaultPolicy() Policy {
	return Policy{Window: ConflictWindow}
}

// Decision is the outcome of Policy.Decide.
type Decision struct {
	// Apply is true if the incoming change should overwrite the stored cell.
	Apply bool
	// Conflict is non-nil if the change raced the stored value.
	Conflict *ConflictRecord
}

// Decide evaluates one incoming change against the stored cell.
func (p Policy) Decide(stored Cell, exists bool, change Change, writer string) Decision {
	if !exists {
		return Decision{Apply: true}
	}
	if vclock.NormalizeID(stored.LastWriter) == vclock.NormalizeID(writer) {
		return Decision{Apply: true}
	}
	if !p.within(stored.Timestamp, change.Timestamp) {
		return Decision{Apply: true}
	}

	remoteWins := RemoteWins(stored.Timestamp, stored.LastWriter, change.Timestamp, writer)
	rec := &ConflictRecord{
		Cell:       change.Coord().String(),
		Local:      stored.Value,
		Remote:     change.Value,
		Resolution: KeptLocal,
	}
	if remoteWins {
		rec.Resolution = UsedRemote
	}
	return Decision{Apply: remoteWins, Conflict: rec}
}

func (p Policy) within(a, b int64) bool {
	window := p.Window
	if window <= 0 {
		window = ConflictWindow
	}
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff < window.Milliseconds()
}

// RemoteWins orders two writes: strictly later timestamp first, then the
// greater normalised writer id.
func RemoteWins(localTS int64, localWriter string, remoteTS int64, remoteWriter string) bool {
	if remoteTS != localTS {
		return remoteTS > localTS
	}
	return vclock.NormalizeID(remoteWriter) > vclock.NormalizeID(localWriter)
}
