package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/field"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/syncsvc"
	"github.com/roach88/fieldsync/internal/vclock"
)

func ptr[T any](v T) *T { return &v }

func sampleResult() *Result {
	r := NewResult()
	r.Trace = []TraceEvent{
		{Seq: 1, Device: "A", Success: true, Applied: 1},
		{Seq: 2, Device: "B", Success: false, Error: "rate_limited"},
	}
	r.State = syncsvc.StateView{
		Cells: map[field.Coord]field.Cell{
			{X: 3, Y: 4}: {Value: 0.9, LastWriter: "B", Timestamp: 1050},
		},
		GlobalClock: vclock.VectorClock{"A": 1, "B": 1},
		TotalWrites: 2,
	}
	r.Conflicts = syncsvc.ConflictsView{Conflicts: []store.LoggedConflict{
		{ConflictRecord: field.ConflictRecord{Cell: "3,4", Resolution: field.UsedRemote}},
	}}
	return r
}

func TestAssertCell(t *testing.T) {
	r := sampleResult()

	assert.NoError(t, assertCell(r, Assertion{Type: AssertCell, Cell: "3,4", Value: ptr(0.9), LastWriter: "B"}))
	assert.NoError(t, assertCell(r, Assertion{Type: AssertCell, Cell: " 3 , 4 ", LastWriter: " B "}))
	assert.NoError(t, assertCell(r, Assertion{Type: AssertCell, Cell: "0,0", Absent: true}))

	err := assertCell(r, Assertion{Type: AssertCell, Cell: "3,4", Value: ptr(0.7)})
	require.Error(t, err)
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "cell 3,4 value 0.7", ae.Expected)
	assert.Equal(t, "value 0.9", ae.Actual)

	err = assertCell(r, Assertion{Type: AssertCell, Cell: "3,4", LastWriter: "A"})
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "last writer B", ae.Actual)

	err = assertCell(r, Assertion{Type: AssertCell, Cell: "3,4", Absent: true})
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "value 0.9 by B", ae.Actual)

	err = assertCell(r, Assertion{Type: AssertCell, Cell: "5,5", Value: ptr(1.0)})
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "never written", ae.Actual)
}

func TestAssertGlobalClock(t *testing.T) {
	r := sampleResult()

	assert.NoError(t, assertGlobalClock(r, Assertion{Clock: map[string]int64{"A": 1, "B": 1}}))
	// Zero entries are equivalent to missing ones.
	assert.NoError(t, assertGlobalClock(r, Assertion{Clock: map[string]int64{"A": 1, "B": 1, "C": 0}}))

	err := assertGlobalClock(r, Assertion{Clock: map[string]int64{"A": 1}})
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "{A:1}", ae.Expected)
	assert.Equal(t, "{A:1 B:1}", ae.Actual)
}

func TestEvaluateAssertions(t *testing.T) {
	r := sampleResult()

	errs := EvaluateAssertions(r, []Assertion{
		{Type: AssertConflictCount, Count: ptr(1)},
		{Type: AssertTotalWrites, Count: ptr(2)},
		{Type: AssertCell, Cell: "3,4", Value: ptr(0.9)},
	})
	assert.Empty(t, errs)

	errs = EvaluateAssertions(r, []Assertion{
		{Type: AssertConflictCount, Count: ptr(0)},
		{Type: AssertTotalWrites, Count: ptr(2)},
		{Type: "bogus"},
	})
	require.Len(t, errs, 2)
	assert.Contains(t, errs[0], "assertions[0]: Assertion failed: conflict_count")
	assert.Contains(t, errs[1], `assertions[2]: unknown assertion type "bogus"`)
}

func TestAssertionError_IncludesTrace(t *testing.T) {
	r := sampleResult()
	err := assertCount(r, Assertion{Type: AssertTotalWrites, Count: ptr(5)}, 2)
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: total_writes")
	assert.Contains(t, msg, "Expected: 5")
	assert.Contains(t, msg, "Actual: 2")
	assert.Contains(t, msg, "[1] A applied=1 conflicts=0 ok")
	assert.Contains(t, msg, "[2] B applied=0 conflicts=0 rate_limited")
}
