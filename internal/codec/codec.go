// Package codec packs field changes into fixed-width binary records.
//
// Each record is 16 bytes, little-endian:
//
//	offset 0  uint16  x
//	offset 2  uint16  y
//	offset 4  float32 value
//	offset 8  uint64  timestamp (Unix ms)
//
// A payload is a plain concatenation of records. The codec carries no
// conflict semantics.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/roach88/fieldsync/internal/field"
)

// RecordSize is the encoded size of one change.
const RecordSize = 16

// MaxCoord is the largest encodable coordinate.
const MaxCoord = math.MaxUint16

// Codec remembers the last value sent for every cell so Compress only
// emits what changed since the previous call.
//
// Thread-safety: Codec is safe for concurrent use.
type Codec struct {
	mu   sync.Mutex
	memo map[field.Coord]float64
}

// New creates a codec with an empty memo.
func New() *Codec {
	return &Codec{memo: make(map[field.Coord]float64)}
}

// Compress encodes every cell of snapshot whose value differs from the
// last value sent for that coordinate. Records are ordered by (x, y).
// On error nothing is encoded and the memo is left untouched.
func (c *Codec) Compress(snapshot map[field.Coord]field.Cell) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var changes []field.Change
	for _, coord := range field.SortedCoords(snapshot) {
		cell := snapshot[coord]
		if last, ok := c.memo[coord]; ok && last == cell.Value {
			continue
		}
		changes = append(changes, field.Change{
			X:         coord.X,
			Y:         coord.Y,
			Value:     cell.Value,
			Timestamp: cell.Timestamp,
		})
	}

	buf, err := EncodeChanges(changes)
	if err != nil {
		return nil, err
	}
	for _, ch := range changes {
		c.memo[ch.Coord()] = ch.Value
	}
	return buf, nil
}

// Decompress parses a payload produced by Compress.
func (c *Codec) Decompress(buf []byte) ([]field.Change, error) {
	return DecodeChanges(buf)
}

// MarkSent records changes as already known to the other side, so a
// value received from a peer is not echoed back by the next Compress.
func (c *Codec) MarkSent(changes []field.Change) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range changes {
		c.memo[ch.Coord()] = ch.Value
	}
}

// Export returns a copy of the memo for persistence.
func (c *Codec) Export() map[field.Coord]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[field.Coord]float64, len(c.memo))
	for k, v := range c.memo {
		out[k] = v
	}
	return out
}

// Import replaces the memo with a previously exported one.
func (c *Codec) Import(memo map[field.Coord]float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memo = make(map[field.Coord]float64, len(memo))
	for k, v := range memo {
		c.memo[k] = v
	}
}

// EncodeChanges encodes changes in the given order.
// Fails on the first change that cannot be represented.
func EncodeChanges(changes []field.Change) ([]byte, error) {
	buf := make([]byte, len(changes)*RecordSize)
	for i, ch := range changes {
		if err := checkRange(ch); err != nil {
			return nil, err
		}
		rec := buf[i*RecordSize : (i+1)*RecordSize]
		binary.LittleEndian.PutUint16(rec[0:2], uint16(ch.X))
		binary.LittleEndian.PutUint16(rec[2:4], uint16(ch.Y))
		binary.LittleEndian.PutUint32(rec[4:8], math.Float32bits(float32(ch.Value)))
		binary.LittleEndian.PutUint64(rec[8:16], uint64(ch.Timestamp))
	}
	return buf, nil
}

// DecodeChanges decodes a payload of concatenated records.
// A payload whose length is not a multiple of RecordSize yields a
// *MalformedError and no changes.
func DecodeChanges(buf []byte) ([]field.Change, error) {
	if len(buf)%RecordSize != 0 {
		return nil, &MalformedError{Length: len(buf)}
	}
	changes := make([]field.Change, 0, len(buf)/RecordSize)
	for off := 0; off < len(buf); off += RecordSize {
		rec := buf[off : off+RecordSize]
		ts := binary.LittleEndian.Uint64(rec[8:16])
		if ts > math.MaxInt64 {
			return nil, &MalformedError{Length: len(buf), Offset: off, Reason: "timestamp overflows int64"}
		}
		changes = append(changes, field.Change{
			X:         int(binary.LittleEndian.Uint16(rec[0:2])),
			Y:         int(binary.LittleEndian.Uint16(rec[2:4])),
			Value:     float64(math.Float32frombits(binary.LittleEndian.Uint32(rec[4:8]))),
			Timestamp: int64(ts),
		})
	}
	return changes, nil
}

func checkRange(ch field.Change) error {
	switch {
	case ch.X < 0 || ch.X > MaxCoord:
		return &CoordinateRangeError{X: ch.X, Y: ch.Y, Reason: "x out of range"}
	case ch.Y < 0 || ch.Y > MaxCoord:
		return &CoordinateRangeError{X: ch.X, Y: ch.Y, Reason: "y out of range"}
	case ch.Timestamp < 0:
		return &CoordinateRangeError{X: ch.X, Y: ch.Y, Reason: "negative timestamp"}
	case !field.Finite(ch.Value) || math.Abs(ch.Value) > math.MaxFloat32:
		return &CoordinateRangeError{X: ch.X, Y: ch.Y, Reason: "value is not a finite float32"}
	}
	return nil
}

// MalformedError is returned for payloads that cannot be decoded.
type MalformedError struct {
	Length int
	Offset int
	Reason string
}

// Error implements the error interface.
func (e *MalformedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("malformed payload: %s at offset %d", e.Reason, e.Offset)
	}
	return fmt.Sprintf("malformed payload: length %d is not a multiple of %d", e.Length, RecordSize)
}

// IsMalformed reports whether err is or wraps a *MalformedError.
func IsMalformed(err error) bool {
	var m *MalformedError
	return errors.As(err, &m)
}

// CoordinateRangeError is returned when a change cannot be represented
// in the record format.
type CoordinateRangeError struct {
	X, Y   int
	Reason string
}

// Error implements the error interface.
func (e *CoordinateRangeError) Error() string {
	return fmt.Sprintf("cannot encode cell %d,%d: %s", e.X, e.Y, e.Reason)
}

// IsCoordinateRange reports whether err is or wraps a *CoordinateRangeError.
func IsCoordinateRange(err error) bool {
	var c *CoordinateRangeError
	return errors.As(err, &c)
}
