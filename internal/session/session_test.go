package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/breath"
	"github.com/roach88/fieldsync/internal/clock"
	"github.com/roach88/fieldsync/internal/events"
	"github.com/roach88/fieldsync/internal/ids"
	"github.com/roach88/fieldsync/internal/testutil"
	"github.com/roach88/fieldsync/internal/transport"
)

func newSession(bus *transport.Bus, id string, clk clock.Clock, peers ...string) *Session {
	coord := breath.NewCoordinator(id,
		breath.WithClock(clk),
		breath.WithIDs(ids.NewFixedGenerator(id+"-p1", id+"-p2")),
	)
	for _, p := range peers {
		coord.AddParticipant(p)
	}
	s := New(coord, bus)
	s.Start(context.Background())
	return s
}

func TestSession_ProposalReachesQuorumOverBus(t *testing.T) {
	clk := testutil.NewManualClock()
	bus := transport.NewBus()
	all := []string{"A", "B", "C", "D", "E"}
	var sessions []*Session
	for _, id := range all {
		sessions = append(sessions, newSession(bus, id, clk, all...))
	}

	_, d, err := sessions[0].Propose(context.Background())
	require.NoError(t, err)
	assert.Equal(t, breath.DecisionAccept, d.Type)
	assert.Equal(t, 2, d.VotesNeeded)

	for _, s := range sessions {
		assert.Equal(t, breath.StateCommitted, s.Coordinator().State(), s.Coordinator().DeviceID())
	}

	clk.Advance(time.Second)
	for _, s := range sessions {
		assert.Equal(t, breath.PhaseInhale, s.Coordinator().Phase())
	}
	clk.Advance(12 * time.Second)
	for _, s := range sessions {
		assert.Equal(t, breath.StateIdle, s.Coordinator().State())
	}
}

func TestSession_ConcurrentProposalRejected(t *testing.T) {
	clk := testutil.NewManualClock()
	bus := transport.NewBus()
	all := []string{"A", "B", "C"}
	a := newSession(bus, "A", clk, all...)
	b := newSession(bus, "B", clk, all...)
	c := newSession(bus, "C", clk, all...)

	_, _, err := a.Propose(context.Background())
	require.NoError(t, err)
	require.Equal(t, breath.StateCommitted, b.Coordinator().State())

	_, _, err = c.Propose(context.Background())
	assert.True(t, breath.IsInvalidState(err))
}

func TestSession_StopUnsubscribes(t *testing.T) {
	clk := testutil.NewManualClock()
	bus := transport.NewBus()
	a := newSession(bus, "A", clk, "A", "B")
	b := newSession(bus, "B", clk, "A", "B")
	b.Stop()

	_, d, err := a.Propose(context.Background())
	require.NoError(t, err)
	assert.Equal(t, breath.DecisionAccept, d.Type)
	assert.Equal(t, breath.StateIdle, b.Coordinator().State())
}

func TestSession_IgnoresGarbage(t *testing.T) {
	clk := testutil.NewManualClock()
	bus := transport.NewBus()
	a := newSession(bus, "A", clk)

	require.NoError(t, bus.Publish(context.Background(), []byte("not json")))
	msg, err := events.Encode("B", events.Proposal{Proposal: breath.Proposal{
		ID: "x", Proposer: "B", Phase: breath.PhaseInhale, StartTime: clk.Now().UnixMilli() + 5000, Duration: 4000,
	}})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), msg))

	// drifted proposal is rejected, no state change
	assert.Equal(t, breath.StateIdle, a.Coordinator().State())
}

func TestSession_DropsEventsSpeakingForAnotherDevice(t *testing.T) {
	clk := testutil.NewManualClock()
	bus := transport.NewBus()
	a := newSession(bus, "A", clk, "B", "C")
	ctx := context.Background()

	p, d, err := a.Propose(ctx)
	require.NoError(t, err)
	require.Equal(t, breath.DecisionAccept, d.Type)

	publish := func(sender string, ev events.Event) {
		t.Helper()
		msg, err := events.Encode(sender, ev)
		require.NoError(t, err)
		require.NoError(t, bus.Publish(ctx, msg))
	}

	// B casts a vote in C's name.
	publish("B", events.Vote{Vote: breath.Vote{ProposalID: p.ID, Voter: "C"}})
	assert.Equal(t, 1, a.Coordinator().Votes(p.ID))
	assert.Equal(t, breath.StateProposing, a.Coordinator().State())

	// B keeps C alive with a forged heartbeat.
	clk.Advance(2 * time.Second)
	publish("B", events.Heartbeat{ParticipantState: breath.ParticipantState{DeviceID: "C"}})
	for _, ps := range a.Coordinator().Participants() {
		if ps.DeviceID == "C" {
			assert.Equal(t, testutil.Epoch.UnixMilli(), ps.LastSeen)
		}
	}

	publish("C", events.Vote{Vote: breath.Vote{ProposalID: p.ID, Voter: "C"}})
	assert.Equal(t, breath.StateCommitted, a.Coordinator().State())
}

func TestSession_RunExchangesHeartbeats(t *testing.T) {
	bus := transport.NewBus()
	a := New(breath.NewCoordinator("A"), bus, WithIntervals(5*time.Millisecond, 5*time.Millisecond))
	b := New(breath.NewCoordinator("B"), bus, WithIntervals(5*time.Millisecond, 5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errs := make(chan error, 2)
	go func() { errs <- a.Run(ctx) }()
	go func() { errs <- b.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(a.Coordinator().Participants()) == 2 && len(b.Coordinator().Participants()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return")
		}
	}
}
