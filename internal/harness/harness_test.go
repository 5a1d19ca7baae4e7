package harness

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/field"
	"github.com/roach88/fieldsync/internal/vclock"
)

func TestRun_ScenarioFiles(t *testing.T) {
	files, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, file := range files {
		name := strings.TrimSuffix(filepath.Base(file), ".yaml")
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario(file)
			require.NoError(t, err)
			assert.Equal(t, name, scenario.Name, "scenario name must match its file")

			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRun_ConcurrentEditState(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", "concurrent_edit.yaml"))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	cell := result.State.Cells[field.Coord{X: 3, Y: 4}]
	assert.Equal(t, 0.9, cell.Value)
	assert.Equal(t, vclock.VectorClock{"B": 1}, cell.VectorClock)
	require.Len(t, result.Conflicts.Conflicts, 1)
	assert.Equal(t, "B", result.Conflicts.Conflicts[0].DeviceID)
	// The store clock follows the manual clock.
	assert.Equal(t, int64(1704067200000), result.State.UpdatedAt)
}

func TestRun_ExpectMismatch(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: mismatch
description: "Expectations that do not hold are reported, not fatal"
flow:
  - device: A
    clock: { A: 1 }
    changes:
      - { x: 0, y: 0, value: 1, ts: 1 }
    expect:
      success: false
      applied: 3
      conflicts: 2
      error: rate_limited
      global_clock: { A: 7 }
assertions:
  - type: total_writes
    count: 1
`))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 5)
	assert.Contains(t, result.Errors[0], "flow[0] A (repetition 1/1): success = true, expected false")
	assert.Contains(t, result.Errors[1], `error = "", expected "rate_limited"`)
	assert.Contains(t, result.Errors[2], "applied = 1, expected 3")
	assert.Contains(t, result.Errors[3], "conflicts = 0, expected 2")
	assert.Contains(t, result.Errors[4], "global_clock = {A:1}, expected {A:7}")
	// The step is still traced.
	require.Len(t, result.Trace, 1)
	assert.True(t, result.Trace[0].Success)
}

func TestRun_RepeatStopsAtFirstMismatch(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: repeat
description: "A repeated step reports the first failing repetition only"
config:
  rate_limit: 2
flow:
  - device: A
    repeat: 5
    clock: { A: 1 }
    changes:
      - { x: 0, y: 0, value: 1, ts: 1 }
    expect:
      success: true
assertions:
  - type: total_writes
    count: 1
`))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "repetition 3/5")
	assert.Contains(t, result.Errors[0], `(error "rate_limited")`)

	require.Len(t, result.Trace, 1)
	assert.Equal(t, 5, result.Trace[0].Repeat)
	assert.Equal(t, "rate_limited", result.Trace[0].Error)
}

func TestRun_ConfigOverrides(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: wide_window
description: "A wider conflict window turns a 200ms race into a conflict"
start_ms: 1000000
config:
  conflict_window_ms: 500
  rate_window_ms: 1000
flow:
  - device: A
    clock: { A: 1 }
    changes:
      - { x: 0, y: 0, value: 1, ts: 1000 }
  - device: B
    clock: { B: 1 }
    changes:
      - { x: 0, y: 0, value: 2, ts: 1200 }
    expect:
      conflicts: 1
assertions:
  - type: conflict_count
    count: 1
`))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, int64(1000000), result.Trace[0].At)
}

func TestRun_InvalidDelta(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: invalid
description: "A negative change timestamp is rejected"
flow:
  - device: A
    clock: { A: 1 }
    changes:
      - { x: 0, y: 0, value: 1, ts: -5 }
    expect:
      success: false
      error: invalid_delta
assertions:
  - type: cell
    cell: "0,0"
    absent: true
  - type: total_writes
    count: 0
`))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_Isolation(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", "causal_order.yaml"))
	require.NoError(t, err)

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)

	a, err := SnapshotJSON(scenario.Name, first)
	require.NoError(t, err)
	b, err := SnapshotJSON(scenario.Name, second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestSnapshotJSON_MatchesGoldenFile(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", "packed.yaml"))
	require.NoError(t, err)
	result, err := Run(scenario)
	require.NoError(t, err)

	got, err := SnapshotJSON(scenario.Name, result)
	require.NoError(t, err)
	want, err := os.ReadFile(filepath.Join("testdata", "golden", "packed.golden"))
	require.NoError(t, err)
	assert.Equal(t, string(want), string(got))
}
