package breath

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/fieldsync/internal/clock"
	"github.com/roach88/fieldsync/internal/ids"
	"github.com/roach88/fieldsync/internal/vclock"
)

// maxStashedProposals bounds votes kept for proposals not yet seen.
const maxStashedProposals = 16

// Coordinator is one participant's breath consensus state machine.
//
// Thread-safety: all methods are safe for concurrent use. Phase handlers
// run without the internal mutex held.
type Coordinator struct {
	mu sync.Mutex

	self     string
	clock    clock.Clock
	ids      ids.Generator
	ttl      time.Duration
	liveness time.Duration
	onPhase  func(Phase)

	vc        vclock.VectorClock
	roster    *roster
	coherence float64

	state   State
	pending *Proposal
	// votes maps proposal id to voter ids. Votes for a proposal not yet
	// received are stashed here until it arrives.
	votes map[string]map[string]struct{}

	cycle      *Cycle
	step       int
	phaseStart time.Time
	phaseLen   time.Duration

	phaseTimer timerSlot
	ttlTimer   timerSlot
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock sets the time source and timer factory.
func WithClock(c clock.Clock) Option {
	return func(co *Coordinator) {
		co.clock = c
	}
}

// WithIDs sets the proposal id generator.
func WithIDs(g ids.Generator) Option {
	return func(co *Coordinator) {
		co.ids = g
	}
}

// WithTimeouts overrides ProposalTTL and LivenessTimeout. Non-positive
// values keep the defaults.
func WithTimeouts(proposalTTL, liveness time.Duration) Option {
	return func(co *Coordinator) {
		if proposalTTL > 0 {
			co.ttl = proposalTTL
		}
		if liveness > 0 {
			co.liveness = liveness
		}
	}
}

// WithPhaseHandler registers f to be called on every phase change,
// including the return to idle.
func WithPhaseHandler(f func(Phase)) Option {
	return func(co *Coordinator) {
		co.onPhase = f
	}
}

// NewCoordinator creates an idle coordinator for deviceID.
func NewCoordinator(deviceID string, opts ...Option) *Coordinator {
	c := &Coordinator{
		self:      vclock.NormalizeID(deviceID),
		clock:     clock.System{},
		ids:       ids.UUIDv7Generator{},
		ttl:       ProposalTTL,
		liveness:  LivenessTimeout,
		vc:        vclock.New(),
		coherence: 1,
		state:     StateIdle,
		votes:     make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.roster = newRoster(c.self, c.liveness, clock.Millis(c.clock))
	return c
}

// DeviceID returns the normalised local device id.
func (c *Coordinator) DeviceID() string {
	return c.self
}

// ProposeBreathStart creates a proposal starting StartBuffer from now and
// casts the local vote. If the local device alone is a quorum the cycle
// commits immediately. Only allowed from idle.
func (c *Coordinator) ProposeBreathStart() (Proposal, Decision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle {
		return Proposal{}, Decision{}, &InvalidStateError{Op: "propose breath start", State: c.state}
	}

	now := clock.Millis(c.clock)
	c.vc.Increment(c.self)
	p := Proposal{
		ID:        c.ids.Generate(),
		Proposer:  c.self,
		Phase:     PhaseInhale,
		StartTime: now + StartBuffer.Milliseconds(),
		Duration:  Sequence[0].Duration.Milliseconds(),
		Clock:     c.vc.Clone(),
	}

	c.open(p, StateProposing)
	c.addVote(p.ID, c.self)
	d := c.evaluate(p, now)

	slog.Info("breath proposed",
		"device", c.self,
		"proposal", p.ID,
		"start", p.StartTime,
		"decision", d.Type,
		"votes_needed", d.VotesNeeded,
	)
	proposalsTotal.WithLabelValues("proposed").Inc()
	return p, d, nil
}

// HandleProposal evaluates a peer's proposal. An accepted proposal counts
// votes from the proposer and the local device.
func (c *Coordinator) HandleProposal(p Proposal) (Decision, error) {
	if err := p.Validate(); err != nil {
		return Decision{}, err
	}
	p.Proposer = vclock.NormalizeID(p.Proposer)
	p.Clock = p.Clock.Normalized()

	c.mu.Lock()
	defer c.mu.Unlock()

	now := clock.Millis(c.clock)
	c.roster.touch(p.Proposer, now)
	c.vc.Merge(p.Clock)

	d := c.decideProposal(p, now)
	proposalsTotal.WithLabelValues(string(d.Type)).Inc()
	logDecision(c.self, p.Proposer, d)
	return d, nil
}

func (c *Coordinator) decideProposal(p Proposal, now int64) Decision {
	if c.state.active() {
		return Decision{
			Type:       DecisionReject,
			ProposalID: p.ID,
			Reason:     ReasonAlreadyBreathing,
			Phase:      c.cyclePhase(),
		}
	}

	expected := now + StartBuffer.Milliseconds()
	if abs(p.StartTime-expected) > DriftTolerance.Milliseconds() {
		return Decision{
			Type:           DecisionReject,
			ProposalID:     p.ID,
			Reason:         ReasonClockDrift,
			SuggestedStart: expected,
		}
	}

	if c.state.pending() && c.pending.ID != p.ID {
		return Decision{
			Type:       DecisionReject,
			ProposalID: p.ID,
			Reason:     ReasonVotePending,
		}
	}

	if c.state == StateIdle {
		c.open(p, StateVoting)
	}
	c.addVote(p.ID, p.Proposer)
	c.addVote(p.ID, c.self)
	return c.evaluate(*c.pending, now)
}

// HandleVote counts a peer's vote. Votes for an unknown proposal are kept
// until the proposal arrives or the coordinator returns to idle.
func (c *Coordinator) HandleVote(v Vote) (Decision, error) {
	if err := v.Validate(); err != nil {
		return Decision{}, err
	}
	voter := vclock.NormalizeID(v.Voter)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := clock.Millis(c.clock)
	c.roster.touch(voter, now)

	if c.state.active() {
		return Decision{Type: DecisionIgnored, ProposalID: v.ProposalID}, nil
	}
	if c.pending == nil || c.pending.ID != v.ProposalID {
		if _, ok := c.votes[v.ProposalID]; ok || len(c.votes) < maxStashedProposals {
			c.addVote(v.ProposalID, voter)
		}
		return Decision{Type: DecisionIgnored, ProposalID: v.ProposalID}, nil
	}

	c.addVote(v.ProposalID, voter)
	d := c.evaluate(*c.pending, now)
	if d.Type == DecisionCommit {
		slog.Info("breath quorum reached by vote", "device", c.self, "voter", voter, "proposal", v.ProposalID)
	}
	return d, nil
}

// open makes p the pending proposal and arms its TTL.
func (c *Coordinator) open(p Proposal, st State) {
	c.pending = &p
	c.state = st
	c.ttlTimer.arm(c.clock, c.ttl, c.expire)
}

func (c *Coordinator) addVote(proposalID, voter string) {
	set, ok := c.votes[proposalID]
	if !ok {
		set = make(map[string]struct{})
		c.votes[proposalID] = set
	}
	set[voter] = struct{}{}
}

// evaluate prunes stale participants and commits p if its votes are a
// strict majority of the live participants.
func (c *Coordinator) evaluate(p Proposal, now int64) Decision {
	if dropped := c.roster.prune(now); len(dropped) > 0 {
		slog.Debug("stale participants pruned", "device", c.self, "dropped", dropped)
	}
	live := c.roster.live()
	liveParticipants.Set(float64(live))

	votes := len(c.liveVoters(p.ID))
	if votes*2 > live {
		c.commit(p, now)
		return Decision{Type: DecisionCommit, ProposalID: p.ID}
	}
	return Decision{
		Type:        DecisionAccept,
		ProposalID:  p.ID,
		VotesNeeded: live/2 + 1 - votes,
	}
}

// liveVoters returns the voters for proposalID still in the roster,
// sorted. Votes from pruned participants no longer count.
func (c *Coordinator) liveVoters(proposalID string) []string {
	voters := make([]string, 0, len(c.votes[proposalID]))
	for id := range c.votes[proposalID] {
		if c.roster.has(id) {
			voters = append(voters, id)
		}
	}
	sort.Strings(voters)
	return voters
}

func (c *Coordinator) commit(p Proposal, now int64) {
	c.ttlTimer.cancel()

	voters := c.liveVoters(p.ID)

	c.cycle = &Cycle{
		ProposalID:   p.ID,
		Phase:        PhaseIdle,
		StartTime:    p.StartTime,
		Duration:     p.Duration,
		Participants: voters,
	}
	c.state = StateCommitted
	c.step = stepIndex(p.Phase)

	delay := time.Duration(p.StartTime-now) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	c.phaseTimer.arm(c.clock, delay, c.advance)
	cyclesTotal.WithLabelValues("committed").Inc()

	slog.Info("breath cycle committed",
		"device", c.self,
		"proposal", p.ID,
		"start", p.StartTime,
		"participants", voters,
	)
}

// advance enters the next phase of the committed cycle, or finishes it.
func (c *Coordinator) advance(gen uint64) {
	c.mu.Lock()
	if !c.phaseTimer.current(gen) || c.cycle == nil {
		c.mu.Unlock()
		return
	}

	if c.step >= len(Sequence) {
		slog.Info("breath cycle complete", "device", c.self, "proposal", c.cycle.ProposalID)
		c.phaseTimer.cancel()
		c.clear()
		cyclesTotal.WithLabelValues("completed").Inc()
		c.mu.Unlock()
		c.notify(PhaseIdle)
		return
	}

	step := Sequence[c.step]
	length := step.Duration
	if c.state == StateCommitted && c.cycle.Duration > 0 {
		length = time.Duration(c.cycle.Duration) * time.Millisecond
	}
	c.state = StateBreathing
	c.cycle.Phase = step.Phase
	c.phaseStart = c.clock.Now()
	c.phaseLen = length
	c.step++
	c.phaseTimer.arm(c.clock, length, c.advance)
	c.mu.Unlock()

	slog.Debug("breath phase", "device", c.self, "phase", step.Phase, "duration", length)
	c.notify(step.Phase)
}

// expire returns an unresolved proposal to idle.
func (c *Coordinator) expire(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ttlTimer.current(gen) || !c.state.pending() {
		return
	}
	slog.Info("breath proposal expired", "device", c.self, "proposal", c.pending.ID, "state", c.state)
	c.ttlTimer.cancel()
	c.clear()
	cyclesTotal.WithLabelValues("expired").Inc()
}

// clear returns to idle and forgets all votes.
func (c *Coordinator) clear() {
	c.state = StateIdle
	c.pending = nil
	c.cycle = nil
	c.step = 0
	c.phaseStart = time.Time{}
	c.phaseLen = 0
	c.votes = make(map[string]map[string]struct{})
}

// Reset cancels every pending timer and returns to idle.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	wasBreathing := c.state == StateBreathing
	c.phaseTimer.cancel()
	c.ttlTimer.cancel()
	if c.state != StateIdle {
		cyclesTotal.WithLabelValues("reset").Inc()
	}
	c.clear()
	c.mu.Unlock()

	if wasBreathing {
		c.notify(PhaseIdle)
	}
}

func (c *Coordinator) notify(p Phase) {
	if c.onPhase != nil {
		c.onPhase(p)
	}
}

// AddParticipant registers a peer as seen now.
func (c *Coordinator) AddParticipant(deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roster.touch(deviceID, clock.Millis(c.clock))
}

// Heartbeat records a peer's liveness, phase and coherence. LastSeen is
// taken from the local clock, not the sender's.
func (c *Coordinator) Heartbeat(st ParticipantState) error {
	if err := st.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.roster.touch(st.DeviceID, clock.Millis(c.clock))
	if st.BreathPhase != "" {
		m.BreathPhase = st.BreathPhase
	}
	m.Coherence = st.Coherence
	return nil
}

// SetCoherence sets the local device's coherence reported in heartbeats.
func (c *Coordinator) SetCoherence(v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.coherence = min(max(v, 0), 1)
}

// Sweep prunes stale participants and returns the dropped ids.
func (c *Coordinator) Sweep() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roster.prune(clock.Millis(c.clock))
}

// Participants returns the known participants sorted by id. The local
// entry reflects the current phase and coherence.
func (c *Coordinator) Participants() []ParticipantState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.roster.list()
	for i := range out {
		if out[i].DeviceID == c.self {
			out[i] = c.selfState()
		}
	}
	return out
}

// Self returns the local participant state, stamped now.
func (c *Coordinator) Self() ParticipantState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selfState()
}

func (c *Coordinator) selfState() ParticipantState {
	return ParticipantState{
		DeviceID:    c.self,
		LastSeen:    clock.Millis(c.clock),
		BreathPhase: c.phase(),
		Coherence:   c.coherence,
	}
}

// Progress returns how far the current phase has run, in [0,1]. It is 0
// when no phase is running.
func (c *Coordinator) Progress() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateBreathing || c.phaseLen <= 0 {
		return 0
	}
	f := float64(c.clock.Now().Sub(c.phaseStart)) / float64(c.phaseLen)
	return min(max(f, 0), 1)
}

// State returns the consensus state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Phase returns the running phase, or idle.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase()
}

func (c *Coordinator) phase() Phase {
	if c.state != StateBreathing || c.cycle == nil {
		return PhaseIdle
	}
	return c.cycle.Phase
}

// cyclePhase is the phase of the active cycle. A committed cycle that has
// not started yet reports the phase it will open with.
func (c *Coordinator) cyclePhase() Phase {
	if c.state == StateCommitted && c.cycle != nil && c.step >= 0 && c.step < len(Sequence) {
		return Sequence[c.step].Phase
	}
	return c.phase()
}

// Cycle returns the committed cycle, if any.
func (c *Coordinator) Cycle() (Cycle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cycle == nil {
		return Cycle{}, false
	}
	cy := *c.cycle
	cy.Participants = append([]string(nil), c.cycle.Participants...)
	return cy, true
}

// Pending returns the proposal awaiting quorum, if any.
func (c *Coordinator) Pending() (Proposal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil || !c.state.pending() {
		return Proposal{}, false
	}
	p := *c.pending
	p.Clock = p.Clock.Clone()
	return p, true
}

// Votes returns the number of votes counted for proposalID.
func (c *Coordinator) Votes(proposalID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.votes[proposalID])
}

// Clock returns a copy of the coordinator's vector clock.
func (c *Coordinator) Clock() vclock.VectorClock {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vc.Clone()
}

func logDecision(self, proposer string, d Decision) {
	switch d.Type {
	case DecisionReject:
		slog.Info("breath proposal rejected",
			"device", self,
			"proposer", proposer,
			"proposal", d.ProposalID,
			"reason", d.Reason,
			"phase", d.Phase,
			"suggested_start", d.SuggestedStart,
		)
	default:
		slog.Debug("breath proposal handled",
			"device", self,
			"proposer", proposer,
			"proposal", d.ProposalID,
			"decision", d.Type,
			"votes_needed", d.VotesNeeded,
		)
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
