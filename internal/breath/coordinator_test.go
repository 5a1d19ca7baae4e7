package breath

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/ids"
	"github.com/roach88/fieldsync/internal/testutil"
	"github.com/roach88/fieldsync/internal/vclock"
)

type phaseLog struct {
	mu     sync.Mutex
	phases []Phase
}

func (l *phaseLog) record(p Phase) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.phases = append(l.phases, p)
}

func (l *phaseLog) get() []Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Phase(nil), l.phases...)
}

func newCoord(id string, clk *testutil.ManualClock, opts ...Option) *Coordinator {
	base := []Option{
		WithClock(clk),
		WithIDs(ids.NewFixedGenerator(id+"-p1", id+"-p2", id+"-p3")),
	}
	return NewCoordinator(id, append(base, opts...)...)
}

func TestPropose_AloneCommitsAndRunsSequence(t *testing.T) {
	clk := testutil.NewManualClock()
	var log phaseLog
	a := newCoord("A", clk, WithPhaseHandler(log.record))

	p, d, err := a.ProposeBreathStart()
	require.NoError(t, err)
	assert.Equal(t, "A-p1", p.ID)
	assert.Equal(t, PhaseInhale, p.Phase)
	assert.Equal(t, clk.Now().UnixMilli()+1000, p.StartTime)
	assert.Equal(t, int64(4000), p.Duration)
	assert.Equal(t, vclock.VectorClock{"A": 1}, p.Clock)
	assert.Equal(t, DecisionCommit, d.Type)
	assert.Equal(t, StateCommitted, a.State())

	cy, ok := a.Cycle()
	require.True(t, ok)
	assert.Equal(t, []string{"A"}, cy.Participants)

	clk.Advance(999 * time.Millisecond)
	assert.Equal(t, PhaseIdle, a.Phase())
	assert.Zero(t, a.Progress())

	clk.Advance(time.Millisecond)
	assert.Equal(t, StateBreathing, a.State())
	assert.Equal(t, PhaseInhale, a.Phase())
	assert.Zero(t, a.Progress())

	clk.Advance(2000 * time.Millisecond)
	assert.InDelta(t, 0.5, a.Progress(), 1e-9)

	clk.Advance(2000 * time.Millisecond)
	assert.Equal(t, PhaseHold, a.Phase())

	clk.Advance(1999 * time.Millisecond)
	assert.Equal(t, PhaseHold, a.Phase())
	clk.Advance(time.Millisecond)
	assert.Equal(t, PhaseExhale, a.Phase())

	clk.Advance(4000 * time.Millisecond)
	assert.Equal(t, PhaseRest, a.Phase())
	clk.Advance(1000 * time.Millisecond)
	assert.InDelta(t, 0.5, a.Progress(), 1e-9)

	clk.Advance(1000 * time.Millisecond)
	assert.Equal(t, PhaseIdle, a.Phase())
	assert.Equal(t, StateIdle, a.State())
	_, ok = a.Cycle()
	assert.False(t, ok)
	assert.Zero(t, a.Votes("A-p1"))

	assert.Equal(t, []Phase{PhaseInhale, PhaseHold, PhaseExhale, PhaseRest, PhaseIdle}, log.get())
	assert.Zero(t, clk.Pending())

	// a new proposal is allowed once idle
	_, _, err = a.ProposeBreathStart()
	require.NoError(t, err)
}

func TestQuorum_ThreeParticipants(t *testing.T) {
	clk := testutil.NewManualClock()
	a := newCoord("A", clk)
	b := newCoord("B", clk)
	c := newCoord("C", clk)
	for _, co := range []*Coordinator{a, b, c} {
		for _, id := range []string{"A", "B", "C"} {
			co.AddParticipant(id)
		}
	}

	p, d, err := a.ProposeBreathStart()
	require.NoError(t, err)
	assert.Equal(t, DecisionAccept, d.Type)
	assert.Equal(t, 1, d.VotesNeeded)
	assert.Equal(t, StateProposing, a.State())

	db, err := b.HandleProposal(p)
	require.NoError(t, err)
	assert.Equal(t, DecisionCommit, db.Type)
	assert.Equal(t, vclock.VectorClock{"A": 1}, b.Clock())

	dv, err := a.HandleVote(Vote{ProposalID: p.ID, Voter: "B"})
	require.NoError(t, err)
	assert.Equal(t, DecisionCommit, dv.Type)

	dc, err := c.HandleProposal(p)
	require.NoError(t, err)
	assert.Equal(t, DecisionCommit, dc.Type)

	clk.Advance(time.Second)
	for _, co := range []*Coordinator{a, b, c} {
		assert.Equal(t, PhaseInhale, co.Phase(), co.DeviceID())
	}
	clk.Advance(12 * time.Second)
	for _, co := range []*Coordinator{a, b, c} {
		assert.Equal(t, StateIdle, co.State(), co.DeviceID())
	}
}

func TestQuorum_AcceptNeedsMoreVotes(t *testing.T) {
	clk := testutil.NewManualClock()
	a := newCoord("A", clk)
	e := newCoord("E", clk)
	for _, id := range []string{"A", "B", "C", "D"} {
		e.AddParticipant(id)
	}
	a.AddParticipant("B")

	p, _, err := a.ProposeBreathStart()
	require.NoError(t, err)

	// E knows five participants: proposer plus self is 2 of 5.
	d, err := e.HandleProposal(p)
	require.NoError(t, err)
	assert.Equal(t, DecisionAccept, d.Type)
	assert.Equal(t, 1, d.VotesNeeded)
	assert.Equal(t, StateVoting, e.State())

	d, err = e.HandleVote(Vote{ProposalID: p.ID, Voter: "C"})
	require.NoError(t, err)
	assert.Equal(t, DecisionCommit, d.Type)
}

func TestHandleVote_StashedUntilProposalArrives(t *testing.T) {
	clk := testutil.NewManualClock()
	c := newCoord("C", clk)
	for _, id := range []string{"A", "B", "D", "E"} {
		c.AddParticipant(id)
	}
	a := newCoord("A", clk)

	p, _, err := a.ProposeBreathStart()
	require.NoError(t, err)

	d, err := c.HandleVote(Vote{ProposalID: p.ID, Voter: "B"})
	require.NoError(t, err)
	assert.Equal(t, DecisionIgnored, d.Type)
	assert.Equal(t, 1, c.Votes(p.ID))

	d, err = c.HandleProposal(p)
	require.NoError(t, err)
	assert.Equal(t, DecisionCommit, d.Type)
}

func TestHandleProposal_Rejections(t *testing.T) {
	t.Run("already breathing", func(t *testing.T) {
		clk := testutil.NewManualClock()
		a := newCoord("A", clk)
		_, _, err := a.ProposeBreathStart()
		require.NoError(t, err)
		clk.Advance(1500 * time.Millisecond)

		b := newCoord("B", clk)
		p, _, err := b.ProposeBreathStart()
		require.NoError(t, err)

		d, err := a.HandleProposal(p)
		require.NoError(t, err)
		assert.Equal(t, DecisionReject, d.Type)
		assert.Equal(t, ReasonAlreadyBreathing, d.Reason)
		assert.Equal(t, PhaseInhale, d.Phase)
	})

	t.Run("already committed", func(t *testing.T) {
		clk := testutil.NewManualClock()
		a := newCoord("A", clk)
		_, _, err := a.ProposeBreathStart()
		require.NoError(t, err)

		d, err := a.HandleProposal(Proposal{ID: "x", Proposer: "B", Phase: PhaseInhale, StartTime: clk.Now().UnixMilli() + 1000, Duration: 4000})
		require.NoError(t, err)
		assert.Equal(t, ReasonAlreadyBreathing, d.Reason)
		assert.Equal(t, PhaseInhale, d.Phase)
		assert.Equal(t, PhaseIdle, a.Phase())
	})

	t.Run("clock drift", func(t *testing.T) {
		clk := testutil.NewManualClock()
		a := newCoord("A", clk)
		now := clk.Now().UnixMilli()

		d, err := a.HandleProposal(Proposal{ID: "x", Proposer: "B", Phase: PhaseInhale, StartTime: now + 1000 + 501, Duration: 4000})
		require.NoError(t, err)
		assert.Equal(t, DecisionReject, d.Type)
		assert.Equal(t, ReasonClockDrift, d.Reason)
		assert.Equal(t, now+1000, d.SuggestedStart)
		assert.Equal(t, StateIdle, a.State())

		d, err = a.HandleProposal(Proposal{ID: "y", Proposer: "B", Phase: PhaseInhale, StartTime: now + 1000 - 500, Duration: 4000})
		require.NoError(t, err)
		assert.NotEqual(t, DecisionReject, d.Type)
	})

	t.Run("vote pending", func(t *testing.T) {
		clk := testutil.NewManualClock()
		a := newCoord("A", clk)
		a.AddParticipant("B")
		a.AddParticipant("C")
		_, _, err := a.ProposeBreathStart()
		require.NoError(t, err)

		d, err := a.HandleProposal(Proposal{ID: "other", Proposer: "B", Phase: PhaseInhale, StartTime: clk.Now().UnixMilli() + 1000, Duration: 4000})
		require.NoError(t, err)
		assert.Equal(t, DecisionReject, d.Type)
		assert.Equal(t, ReasonVotePending, d.Reason)
	})
}

func TestHandleProposal_Invalid(t *testing.T) {
	clk := testutil.NewManualClock()
	a := newCoord("A", clk)

	_, err := a.HandleProposal(Proposal{Proposer: "B", Phase: PhaseInhale, StartTime: 1, Duration: 1})
	assert.True(t, IsValidation(err))

	_, err = a.HandleProposal(Proposal{ID: "x", Proposer: "B", Phase: PhaseIdle, StartTime: 1, Duration: 1})
	assert.True(t, IsValidation(err))

	_, err = a.HandleProposal(Proposal{ID: "x", Proposer: "B", Phase: PhaseInhale, StartTime: 1, Duration: 1, Clock: vclock.VectorClock{"B": -1}})
	assert.True(t, IsValidation(err))

	_, err = a.HandleVote(Vote{ProposalID: "x"})
	assert.True(t, IsValidation(err))

	assert.True(t, IsValidation(a.Heartbeat(ParticipantState{DeviceID: "B", Coherence: 2})))
}

func TestPropose_InvalidState(t *testing.T) {
	clk := testutil.NewManualClock()
	a := newCoord("A", clk)
	a.AddParticipant("B")
	a.AddParticipant("C")

	_, _, err := a.ProposeBreathStart()
	require.NoError(t, err)
	_, _, err = a.ProposeBreathStart()
	require.Error(t, err)
	assert.True(t, IsInvalidState(err))
	assert.Contains(t, err.Error(), "proposing")
}

func TestProposalTTL_ReturnsToIdle(t *testing.T) {
	clk := testutil.NewManualClock()
	a := newCoord("A", clk)
	a.AddParticipant("B")
	a.AddParticipant("C")

	p, _, err := a.ProposeBreathStart()
	require.NoError(t, err)

	clk.Advance(ProposalTTL - time.Millisecond)
	assert.Equal(t, StateProposing, a.State())

	clk.Advance(time.Millisecond)
	assert.Equal(t, StateIdle, a.State())
	_, ok := a.Pending()
	assert.False(t, ok)
	assert.Zero(t, a.Votes(p.ID))

	// a late vote for the expired proposal does not revive it
	d, err := a.HandleVote(Vote{ProposalID: p.ID, Voter: "B"})
	require.NoError(t, err)
	assert.Equal(t, DecisionIgnored, d.Type)
	assert.Equal(t, StateIdle, a.State())
}

func TestLiveness_PruneBeforeQuorum(t *testing.T) {
	clk := testutil.NewManualClock()
	a := newCoord("A", clk)
	a.AddParticipant("B")
	a.AddParticipant("C")

	clk.Advance(LivenessTimeout)
	assert.Empty(t, a.Sweep())
	assert.Len(t, a.Participants(), 3)

	clk.Advance(time.Millisecond)
	_, d, err := a.ProposeBreathStart()
	require.NoError(t, err)
	assert.Equal(t, DecisionCommit, d.Type)
	assert.Len(t, a.Participants(), 1)
}

func TestLiveness_PrunedVoterNotCounted(t *testing.T) {
	clk := testutil.NewManualClock()
	a := newCoord("A", clk, WithTimeouts(time.Minute, 5*time.Second))
	for _, id := range []string{"B", "C", "F", "G"} {
		a.AddParticipant(id)
	}

	p, d, err := a.ProposeBreathStart()
	require.NoError(t, err)
	assert.Equal(t, DecisionAccept, d.Type)
	assert.Equal(t, 2, d.VotesNeeded)

	d, err = a.HandleVote(Vote{ProposalID: p.ID, Voter: "B"})
	require.NoError(t, err)
	assert.Equal(t, DecisionAccept, d.Type)
	assert.Equal(t, 1, d.VotesNeeded)

	// B goes silent past the liveness timeout; F and G stay alive.
	clk.Advance(6 * time.Second)
	require.NoError(t, a.Heartbeat(ParticipantState{DeviceID: "F"}))
	require.NoError(t, a.Heartbeat(ParticipantState{DeviceID: "G"}))

	// Live set is {A,C,F,G}; live votes are {A,C}: 2 of 4 is no majority.
	d, err = a.HandleVote(Vote{ProposalID: p.ID, Voter: "C"})
	require.NoError(t, err)
	assert.Equal(t, DecisionAccept, d.Type)
	assert.Equal(t, 1, d.VotesNeeded)
	assert.Equal(t, StateProposing, a.State())

	d, err = a.HandleVote(Vote{ProposalID: p.ID, Voter: "F"})
	require.NoError(t, err)
	assert.Equal(t, DecisionCommit, d.Type)

	cy, ok := a.Cycle()
	require.True(t, ok)
	assert.Equal(t, []string{"A", "C", "F"}, cy.Participants)
}

func TestHeartbeat_KeepsParticipantAlive(t *testing.T) {
	clk := testutil.NewManualClock()
	a := newCoord("A", clk)
	a.AddParticipant("B")

	clk.Advance(20 * time.Second)
	require.NoError(t, a.Heartbeat(ParticipantState{DeviceID: "B", BreathPhase: PhaseHold, Coherence: 0.8}))
	clk.Advance(20 * time.Second)
	assert.Empty(t, a.Sweep())

	parts := a.Participants()
	require.Len(t, parts, 2)
	assert.Equal(t, "B", parts[1].DeviceID)
	assert.Equal(t, PhaseHold, parts[1].BreathPhase)
	assert.Equal(t, 0.8, parts[1].Coherence)

	clk.Advance(11 * time.Second)
	assert.Equal(t, []string{"B"}, a.Sweep())
}

func TestReset_CancelsTimers(t *testing.T) {
	clk := testutil.NewManualClock()
	var log phaseLog
	a := newCoord("A", clk, WithPhaseHandler(log.record))

	_, _, err := a.ProposeBreathStart()
	require.NoError(t, err)
	clk.Advance(1500 * time.Millisecond)
	require.Equal(t, PhaseInhale, a.Phase())

	a.Reset()
	assert.Equal(t, StateIdle, a.State())
	assert.Zero(t, clk.Pending())

	clk.Advance(time.Minute)
	assert.Equal(t, []Phase{PhaseInhale, PhaseIdle}, log.get())
}

func TestReset_DuringProposal(t *testing.T) {
	clk := testutil.NewManualClock()
	a := newCoord("A", clk)
	a.AddParticipant("B")
	a.AddParticipant("C")

	_, _, err := a.ProposeBreathStart()
	require.NoError(t, err)
	a.Reset()
	assert.Zero(t, clk.Pending())

	p, _, err := a.ProposeBreathStart()
	require.NoError(t, err)
	assert.Equal(t, "A-p2", p.ID)
}

func TestWithTimeouts(t *testing.T) {
	clk := testutil.NewManualClock()
	a := newCoord("A", clk, WithTimeouts(2*time.Second, 5*time.Second))
	a.AddParticipant("B")
	a.AddParticipant("C")

	_, _, err := a.ProposeBreathStart()
	require.NoError(t, err)
	clk.Advance(2 * time.Second)
	assert.Equal(t, StateIdle, a.State())

	clk.Advance(5 * time.Second)
	assert.ElementsMatch(t, []string{"B", "C"}, a.Sweep())
}

func TestSelf_ReportsPhaseAndCoherence(t *testing.T) {
	clk := testutil.NewManualClock()
	a := newCoord("A", clk)
	a.SetCoherence(1.7)

	_, _, err := a.ProposeBreathStart()
	require.NoError(t, err)
	clk.Advance(time.Second)

	self := a.Self()
	assert.Equal(t, "A", self.DeviceID)
	assert.Equal(t, PhaseInhale, self.BreathPhase)
	assert.Equal(t, 1.0, self.Coherence)
	assert.Equal(t, clk.Now().UnixMilli(), self.LastSeen)
}
