package store

import (
	"path/filepath"
	"testing"

	"github.com/roach88/fieldsync/internal/field"
	"github.com/roach88/fieldsync/internal/vclock"
)

// createTestStore creates a new store in a temporary directory.
// The time source starts at 1000 and advances by one per call.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	var tick int64 = 999
	s, err := Open(path, WithNow(func() int64 {
		tick++
		return tick
	}))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestCell creates a cell with a single-entry clock.
func createTestCell(value float64, writer string, ts int64) field.Cell {
	return field.Cell{
		Value:       value,
		LastWriter:  writer,
		Timestamp:   ts,
		VectorClock: vclock.VectorClock{writer: 1},
	}
}
