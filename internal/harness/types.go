package harness

import (
	"github.com/roach88/fieldsync/internal/field"
	"github.com/roach88/fieldsync/internal/syncsvc"
	"github.com/roach88/fieldsync/internal/vclock"
)

// TraceEvent records one submission step and the service's answer.
// A repeated step is recorded once, with the last repetition's result.
type TraceEvent struct {
	Seq         int64                  `json:"seq"`
	At          int64                  `json:"at"`
	Device      string                 `json:"device"`
	Packed      bool                   `json:"packed,omitempty"`
	Repeat      int                    `json:"repeat,omitempty"`
	Success     bool                   `json:"success"`
	Error       string                 `json:"error,omitempty"`
	Applied     int                    `json:"applied"`
	Conflicts   []field.ConflictRecord `json:"conflicts,omitempty"`
	GlobalClock vclock.VectorClock     `json:"global_clock,omitempty"`
	RetryAfter  int64                  `json:"retry_after_ms,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace contains one event per submission step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains expectation and assertion failures.
	Errors []string `json:"errors,omitempty"`

	// State is the canonical state after the flow.
	State syncsvc.StateView `json:"state"`

	// Conflicts is the conflict log after the flow, oldest first.
	Conflicts syncsvc.ConflictsView `json:"conflicts"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// addTrace appends a submission result to the trace.
func (r *Result) addTrace(at int64, step FlowStep, res syncsvc.Result) {
	ev := TraceEvent{
		Seq:         int64(len(r.Trace) + 1),
		At:          at,
		Device:      step.Device,
		Packed:      step.packed(),
		Success:     res.Success,
		Error:       res.Error,
		Applied:     res.AppliedChanges,
		Conflicts:   res.Conflicts,
		GlobalClock: res.GlobalClock,
		RetryAfter:  res.RetryAfter,
	}
	if step.Repeat > 1 {
		ev.Repeat = step.Repeat
	}
	if len(ev.Conflicts) == 0 {
		ev.Conflicts = nil
	}
	if len(ev.GlobalClock) == 0 {
		ev.GlobalClock = nil
	}
	r.Trace = append(r.Trace, ev)
}
