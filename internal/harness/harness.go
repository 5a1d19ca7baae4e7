package harness

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/fieldsync/internal/field"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/syncsvc"
	"github.com/roach88/fieldsync/internal/testutil"
	"github.com/roach88/fieldsync/internal/vclock"
)

// conflictLogLimit bounds the conflict log read after a run.
const conflictLogLimit = 1000

// Harness executes one scenario against a private service.
type Harness struct {
	store    *store.Store
	svc      *syncsvc.Service
	clock    *testutil.ManualClock
	versions map[string]int64
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database with a manual clock.
// The returned error is non-nil only when the scenario could not be
// executed; failed expectations and assertions are reported in the
// result.
func Run(scenario *Scenario) (*Result, error) {
	st, clk, err := openStore(scenario.StartMS)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	h := &Harness{
		store:    st,
		svc:      syncsvc.New(st, serviceOptions(scenario.Config, clk)...),
		clock:    clk,
		versions: make(map[string]int64),
	}

	ctx := context.Background()
	result := NewResult()
	if err := h.executeFlow(ctx, scenario.Flow, result); err != nil {
		return nil, fmt.Errorf("failed to execute flow: %w", err)
	}

	if result.State, err = h.svc.State(ctx); err != nil {
		return nil, fmt.Errorf("failed to read final state: %w", err)
	}
	if result.Conflicts, err = h.svc.Conflicts(ctx, conflictLogLimit); err != nil {
		return nil, fmt.Errorf("failed to read conflict log: %w", err)
	}

	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(errMsg)
	}
	return result, nil
}

func openStore(startMS int64) (*store.Store, *testutil.ManualClock, error) {
	clk := testutil.NewManualClock()
	if startMS != 0 {
		clk = testutil.NewManualClockAtMillis(startMS)
	}
	st, err := store.Open(":memory:", store.WithNow(func() int64 {
		return clk.Now().UnixMilli()
	}))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	return st, clk, nil
}

func serviceOptions(cfg *ServiceConfig, clk *testutil.ManualClock) []syncsvc.Option {
	opts := []syncsvc.Option{syncsvc.WithClock(clk)}
	if cfg == nil {
		return opts
	}
	if cfg.RateLimit > 0 || cfg.RateWindowMS > 0 {
		limit, window := syncsvc.DefaultLimit, syncsvc.DefaultWindow
		if cfg.RateLimit > 0 {
			limit = cfg.RateLimit
		}
		if cfg.RateWindowMS > 0 {
			window = time.Duration(cfg.RateWindowMS) * time.Millisecond
		}
		opts = append(opts, syncsvc.WithRateLimit(limit, window))
	}
	if cfg.ConflictWindowMS > 0 {
		opts = append(opts, syncsvc.WithPolicy(field.Policy{
			Window: time.Duration(cfg.ConflictWindowMS) * time.Millisecond,
		}))
	}
	return opts
}

// executeFlow runs the flow steps in order.
func (h *Harness) executeFlow(ctx context.Context, steps []FlowStep, result *Result) error {
	for i, step := range steps {
		if step.Device == "" {
			h.clock.Advance(time.Duration(step.AdvanceMS) * time.Millisecond)
			continue
		}

		n := max(step.Repeat, 1)
		var last syncsvc.Result
		for rep := 1; rep <= n; rep++ {
			res, err := h.submit(ctx, step)
			if err != nil {
				return fmt.Errorf("flow[%d]: %w", i, err)
			}
			last = res
			if step.Expect == nil {
				continue
			}
			if msgs := checkExpect(step.Expect, res); len(msgs) > 0 {
				for _, m := range msgs {
					result.AddError(fmt.Sprintf("flow[%d] %s (repetition %d/%d): %s", i, step.Device, rep, n, m))
				}
				break
			}
		}
		result.addTrace(h.clock.Now().UnixMilli(), step, last)
	}
	return nil
}

// submit sends one step's delta to the service.
func (h *Harness) submit(ctx context.Context, step FlowStep) (syncsvc.Result, error) {
	h.versions[step.Device]++
	clock := vclock.VectorClock(step.Clock)
	if clock == nil {
		clock = vclock.New()
	}
	now := h.clock.Now().UnixMilli()

	if step.packed() {
		payload, err := step.payload()
		if err != nil {
			return syncsvc.Result{}, fmt.Errorf("encode payload: %w", err)
		}
		return h.svc.IngestPacked(ctx, syncsvc.PackedSubmitRequest{
			DeviceID:  step.Device,
			Clock:     clock,
			Version:   h.versions[step.Device],
			Timestamp: now,
			Payload:   payload,
		})
	}

	return h.svc.Ingest(ctx, step.Device, field.Delta{
		DeviceID:  step.Device,
		Clock:     clock,
		Changes:   step.changes(),
		Version:   h.versions[step.Device],
		Timestamp: now,
	})
}

// checkExpect compares one submission result against an expect clause.
func checkExpect(e *ExpectClause, res syncsvc.Result) []string {
	var msgs []string
	if e.Success != nil && res.Success != *e.Success {
		msgs = append(msgs, fmt.Sprintf("success = %t, expected %t (error %q)", res.Success, *e.Success, res.Error))
	}
	if e.Error != "" && res.Error != e.Error {
		msgs = append(msgs, fmt.Sprintf("error = %q, expected %q", res.Error, e.Error))
	}
	if e.Applied != nil && res.AppliedChanges != *e.Applied {
		msgs = append(msgs, fmt.Sprintf("applied = %d, expected %d", res.AppliedChanges, *e.Applied))
	}
	if e.Conflicts != nil && len(res.Conflicts) != *e.Conflicts {
		msgs = append(msgs, fmt.Sprintf("conflicts = %d, expected %d", len(res.Conflicts), *e.Conflicts))
	}
	if e.RetryAfterMS != 0 && res.RetryAfter != e.RetryAfterMS {
		msgs = append(msgs, fmt.Sprintf("retry_after_ms = %d, expected %d", res.RetryAfter, e.RetryAfterMS))
	}
	if e.GlobalClock != nil && !clocksEqual(res.GlobalClock, e.GlobalClock) {
		msgs = append(msgs, fmt.Sprintf("global_clock = %s, expected %s", res.GlobalClock, vclock.VectorClock(e.GlobalClock)))
	}
	return msgs
}

// clocksEqual compares clocks treating missing entries as zero.
func clocksEqual(actual vclock.VectorClock, expected map[string]int64) bool {
	return vclock.Compare(actual, vclock.VectorClock(expected).Normalized()) == vclock.Equal
}
