package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/fieldsync/internal/field"
	"github.com/roach88/fieldsync/internal/vclock"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, ev := range e.Trace {
		status := "ok"
		if !ev.Success {
			status = ev.Error
		}
		fmt.Fprintf(&buf, "  [%d] %s applied=%d conflicts=%d %s\n",
			ev.Seq, ev.Device, ev.Applied, len(ev.Conflicts), status)
	}

	return buf.String()
}

// assertCell checks one canonical cell.
func assertCell(result *Result, a Assertion) error {
	coord, err := field.ParseCoord(a.Cell)
	if err != nil {
		return err
	}
	cell, ok := result.State.Cells[coord]

	if a.Absent {
		if ok {
			return &AssertionError{
				Type:     AssertCell,
				Expected: fmt.Sprintf("cell %s absent", coord),
				Actual:   fmt.Sprintf("value %g by %s", cell.Value, cell.LastWriter),
				Trace:    result.Trace,
			}
		}
		return nil
	}
	if !ok {
		return &AssertionError{
			Type:     AssertCell,
			Expected: fmt.Sprintf("cell %s present", coord),
			Actual:   "never written",
			Trace:    result.Trace,
		}
	}
	if a.Value != nil && cell.Value != *a.Value {
		return &AssertionError{
			Type:     AssertCell,
			Expected: fmt.Sprintf("cell %s value %g", coord, *a.Value),
			Actual:   fmt.Sprintf("value %g", cell.Value),
			Trace:    result.Trace,
		}
	}
	if a.LastWriter != "" && cell.LastWriter != vclock.NormalizeID(a.LastWriter) {
		return &AssertionError{
			Type:     AssertCell,
			Expected: fmt.Sprintf("cell %s last writer %s", coord, a.LastWriter),
			Actual:   fmt.Sprintf("last writer %s", cell.LastWriter),
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertGlobalClock checks the canonical clock exactly.
func assertGlobalClock(result *Result, a Assertion) error {
	if !clocksEqual(result.State.GlobalClock, a.Clock) {
		return &AssertionError{
			Type:     AssertGlobalClock,
			Expected: vclock.VectorClock(a.Clock).String(),
			Actual:   result.State.GlobalClock.String(),
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertCount checks a counter against the expected count.
func assertCount(result *Result, a Assertion, actual int) error {
	if actual != *a.Count {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%d", *a.Count),
			Actual:   fmt.Sprintf("%d", actual),
			Trace:    result.Trace,
		}
	}
	return nil
}

// EvaluateAssertions runs all assertions against the result.
// Returns the error messages of failed assertions; empty if all passed.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertCell:
			err = assertCell(result, a)
		case AssertGlobalClock:
			err = assertGlobalClock(result, a)
		case AssertConflictCount:
			err = assertCount(result, a, len(result.Conflicts.Conflicts))
		case AssertTotalWrites:
			err = assertCount(result, a, int(result.State.TotalWrites))
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %s", i, err))
		}
	}
	return errs
}
