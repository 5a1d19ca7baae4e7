package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScenario_ValidFile(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", "concurrent_edit.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "concurrent_edit", scenario.Name)
	assert.NotEmpty(t, scenario.Description)
	require.Len(t, scenario.Flow, 2)
	assert.Equal(t, "A", scenario.Flow[0].Device)
	assert.Equal(t, map[string]int64{"A": 1}, scenario.Flow[0].Clock)
	assert.Equal(t, ChangeStep{X: 3, Y: 4, Value: 0.7, TS: 1000}, scenario.Flow[0].Changes[0])
	require.NotNil(t, scenario.Flow[1].Expect)
	require.NotNil(t, scenario.Flow[1].Expect.Conflicts)
	assert.Equal(t, 1, *scenario.Flow[1].Expect.Conflicts)
	assert.Len(t, scenario.Assertions, 4)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("/nonexistent/scenario.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_FromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.yaml")
	content := `
name: disk
description: "Loaded from a temp file"
flow:
  - advance_ms: 10
assertions:
  - type: total_writes
    count: 0
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	scenario, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, int64(10), scenario.Flow[0].AdvanceMS)
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "missing name",
			yaml: `
description: "x"
flow: [{advance_ms: 1}]
assertions: [{type: total_writes, count: 0}]`,
			wantErr: "name is required",
		},
		{
			name: "missing description",
			yaml: `
name: x
flow: [{advance_ms: 1}]
assertions: [{type: total_writes, count: 0}]`,
			wantErr: "description is required",
		},
		{
			name: "empty flow",
			yaml: `
name: x
description: "x"
flow: []
assertions: [{type: total_writes, count: 0}]`,
			wantErr: "flow list is required",
		},
		{
			name: "empty assertions",
			yaml: `
name: x
description: "x"
flow: [{advance_ms: 1}]
assertions: []`,
			wantErr: "assertions list is required",
		},
		{
			name: "unknown field",
			yaml: `
name: x
description: "x"
flow: [{advance_ms: 1}]
assertion: [{type: total_writes, count: 0}]`,
			wantErr: "failed to parse YAML",
		},
		{
			name: "empty step",
			yaml: `
name: x
description: "x"
flow: [{}]
assertions: [{type: total_writes, count: 0}]`,
			wantErr: "flow[0]: device or advance_ms is required",
		},
		{
			name: "device and advance",
			yaml: `
name: x
description: "x"
flow: [{device: A, advance_ms: 5}]
assertions: [{type: total_writes, count: 0}]`,
			wantErr: "mutually exclusive",
		},
		{
			name: "negative advance",
			yaml: `
name: x
description: "x"
flow: [{advance_ms: -5}]
assertions: [{type: total_writes, count: 0}]`,
			wantErr: "advance_ms must be positive",
		},
		{
			name: "bad payload",
			yaml: `
name: x
description: "x"
flow: [{device: A, payload: "zz"}]
assertions: [{type: total_writes, count: 0}]`,
			wantErr: "payload is not hex",
		},
		{
			name: "payload with changes",
			yaml: `
name: x
description: "x"
flow: [{device: A, payload: "00", changes: [{x: 1, y: 1, value: 1, ts: 1}]}]
assertions: [{type: total_writes, count: 0}]`,
			wantErr: "payload and changes are mutually exclusive",
		},
		{
			name: "negative config",
			yaml: `
name: x
description: "x"
config: {rate_limit: -1}
flow: [{advance_ms: 1}]
assertions: [{type: total_writes, count: 0}]`,
			wantErr: "config values must be non-negative",
		},
		{
			name: "unknown assertion",
			yaml: `
name: x
description: "x"
flow: [{advance_ms: 1}]
assertions: [{type: trace_contains}]`,
			wantErr: `unknown assertion type "trace_contains"`,
		},
		{
			name: "cell without expectation",
			yaml: `
name: x
description: "x"
flow: [{advance_ms: 1}]
assertions: [{type: cell, cell: "1,1"}]`,
			wantErr: "value, last_writer or absent is required",
		},
		{
			name: "bad cell",
			yaml: `
name: x
description: "x"
flow: [{advance_ms: 1}]
assertions: [{type: cell, cell: "11", absent: true}]`,
			wantErr: "missing comma",
		},
		{
			name: "clock missing",
			yaml: `
name: x
description: "x"
flow: [{advance_ms: 1}]
assertions: [{type: global_clock}]`,
			wantErr: "clock is required",
		},
		{
			name: "count missing",
			yaml: `
name: x
description: "x"
flow: [{advance_ms: 1}]
assertions: [{type: conflict_count}]`,
			wantErr: "count is required for conflict_count",
		},
		{
			name: "negative count",
			yaml: `
name: x
description: "x"
flow: [{advance_ms: 1}]
assertions: [{type: total_writes, count: -1}]`,
			wantErr: "count must be non-negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFlowStep_Payload(t *testing.T) {
	step := FlowStep{Device: "A", Changes: []ChangeStep{{X: 1, Y: 2, Value: 0.5, TS: 3}}}
	assert.False(t, step.packed())
	data, err := step.payload()
	require.NoError(t, err)
	assert.Len(t, data, 16)

	raw := FlowStep{Device: "A", Payload: "00ff"}
	assert.True(t, raw.packed())
	data, err = raw.payload()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xff}, data)
}
