// Package harness runs scripted sync scenarios against the canonical
// sync service.
//
// A scenario is a YAML file listing device submissions, clock advances
// and final-state assertions. Each run gets a fresh in-memory store and a
// manual clock, so the recorded trace is identical across runs and can be
// compared against a golden file.
//
// # Scenario Format
//
//	name: concurrent_edit
//	description: "Two devices edit the same cell within the conflict window"
//	start_ms: 1704067200000      # optional manual clock start
//	config:                      # optional, defaults match the service
//	  rate_limit: 100
//	  rate_window_ms: 60000
//	  conflict_window_ms: 100
//	flow:
//	  - device: A
//	    clock: { A: 1 }
//	    changes:
//	      - { x: 3, y: 4, value: 0.7, ts: 1000 }
//	    expect:
//	      success: true
//	      applied: 1
//	  - advance_ms: 60000
//	  - device: B
//	    packed: true             # submit as codec records
//	    repeat: 3                # submit the same delta three times
//	    clock: { B: 1 }
//	    changes:
//	      - { x: 3, y: 4, value: 0.5, ts: 1050 }
//	assertions:
//	  - type: cell
//	    cell: "3,4"
//	    value: 0.9
//	    last_writer: B
//	  - type: global_clock
//	    clock: { A: 1, B: 1 }
//	  - type: conflict_count
//	    count: 1
//
// A step with an expect clause checks it against every repetition.
//
// # Assertion Types
//
//   - cell: the canonical cell's value and last writer, or its absence
//   - global_clock: the canonical vector clock, exactly
//   - conflict_count: the number of logged conflicts
//   - total_writes: the canonical total write counter
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/concurrent_edit.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, e := range result.Errors {
//	        log.Println(e)
//	    }
//	}
package harness
