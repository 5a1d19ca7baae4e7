package field

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/roach88/fieldsync/internal/vclock"
)

// Coord addresses one cell of the grid.
type Coord struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// String returns the "x,y" key used in conflict records.
func (c Coord) String() string {
	return strconv.Itoa(c.X) + "," + strconv.Itoa(c.Y)
}

// MarshalText lets Coord be used as a JSON object key.
func (c Coord) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText parses the "x,y" form.
func (c *Coord) UnmarshalText(text []byte) error {
	parsed, err := ParseCoord(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseCoord parses "x,y".
func ParseCoord(s string) (Coord, error) {
	xs, ys, ok := strings.Cut(s, ",")
	if !ok {
		return Coord{}, fmt.Errorf("parse coord %q: missing comma", s)
	}
	x, err := strconv.Atoi(strings.TrimSpace(xs))
	if err != nil {
		return Coord{}, fmt.Errorf("parse coord %q: %w", s, err)
	}
	y, err := strconv.Atoi(strings.TrimSpace(ys))
	if err != nil {
		return Coord{}, fmt.Errorf("parse coord %q: %w", s, err)
	}
	return Coord{X: x, Y: y}, nil
}

// Cell is the stored state of one coordinate. Cells are overwritten in
// place and never deleted.
type Cell struct {
	Value       float64            `json:"value"`
	LastWriter  string             `json:"lastWriter"`
	Timestamp   int64              `json:"timestamp"`
	VectorClock vclock.VectorClock `json:"vectorClock"`
}

// Change is one atomic cell mutation.
type Change struct {
	X         int     `json:"x"`
	Y         int     `json:"y"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
}

// Coord returns the coordinate the change targets.
func (c Change) Coord() Coord {
	return Coord{X: c.X, Y: c.Y}
}

// Delta is a transmissible batch of changes with the issuing device's
// clock snapshot. Version is the issuer's local sequence number.
type Delta struct {
	DeviceID  string             `json:"deviceId"`
	Clock     vclock.VectorClock `json:"clock"`
	Changes   []Change           `json:"changes"`
	Version   int64              `json:"version"`
	Timestamp int64              `json:"timestamp"`
}

// Validate checks the structural invariants of a received delta.
func (d Delta) Validate() error {
	if vclock.NormalizeID(d.DeviceID) == "" {
		return &ValidationError{Field: "deviceId", Reason: "must not be empty"}
	}
	if err := d.Clock.Validate(); err != nil {
		return &ValidationError{Field: "clock", Reason: err.Error()}
	}
	for i, c := range d.Changes {
		if c.Timestamp < 0 {
			return &ValidationError{Field: fmt.Sprintf("changes[%d].timestamp", i), Reason: "must not be negative"}
		}
		if !Finite(c.Value) {
			return &ValidationError{Field: fmt.Sprintf("changes[%d].value", i), Reason: "must be finite"}
		}
	}
	return nil
}

// Finite reports whether v can be stored and served as a cell value.
// SQLite binds NaN as NULL and JSON has no encoding for either.
func Finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Resolution names the outcome of a conflict.
type Resolution string

const (
	KeptLocal  Resolution = "kept_local"
	UsedRemote Resolution = "used_remote"
	// Merged is accepted on the wire and in storage but never produced by Policy.
	Merged Resolution = "merged"
)

// Valid reports whether r is one of the known resolutions.
func (r Resolution) Valid() bool {
	switch r {
	case KeptLocal, UsedRemote, Merged:
		return true
	}
	return false
}

// ConflictRecord describes a same-cell race between causally concurrent writes.
type ConflictRecord struct {
	Cell       string     `json:"cell"`
	Local      float64    `json:"local"`
	Remote     float64    `json:"remote"`
	Resolution Resolution `json:"resolution"`
}

// ReconcileResult is returned by Reconcile and MergeCanonical.
type ReconcileResult struct {
	Applied    []Change         `json:"applied"`
	Conflicts  []ConflictRecord `json:"conflicts"`
	NewVersion int64            `json:"newVersion"`

	// Ordering is the comparison of the local clock against the incoming one.
	Ordering vclock.Ordering `json:"-"`
}

// SortedCoords returns the keys of cells ordered by X, then Y.
func SortedCoords(cells map[Coord]Cell) []Coord {
	coords := make([]Coord, 0, len(cells))
	for c := range cells {
		coords = append(coords, c)
	}
	sort.Slice(coords, func(i, j int) bool {
		if coords[i].X != coords[j].X {
			return coords[i].X < coords[j].X
		}
		return coords[i].Y < coords[j].Y
	})
	return coords
}

// CloneCells returns a deep copy of a cell map.
func CloneCells(cells map[Coord]Cell) map[Coord]Cell {
	out := make(map[Coord]Cell, len(cells))
	for k, v := range cells {
		v.VectorClock = v.VectorClock.Clone()
		out[k] = v
	}
	return out
}

// ValidationError reports a structurally invalid delta.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid delta: %s %s", e.Field, e.Reason)
}
