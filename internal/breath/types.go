// Package breath coordinates a shared breathing cycle across devices.
//
// A participant proposes a start time; peers vote on it through their own
// Coordinator. Once a strict majority of live participants has voted for
// the same proposal, every coordinator that sees the quorum commits and
// walks the fixed phase sequence inhale, hold, exhale, rest and returns
// to idle.
//
// State machine:
//
//	idle -> proposing (local proposal) -> committed -> breathing -> idle
//	idle -> voting (peer proposal)     -> committed -> breathing -> idle
//	proposing/voting -> idle (proposal TTL expired, or Reset)
package breath

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/fieldsync/internal/vclock"
)

// Timing constants.
const (
	// StartBuffer is added to now to give a proposal time to propagate.
	StartBuffer = 1000 * time.Millisecond
	// DriftTolerance bounds how far a proposal's start may be from the
	// receiver's own now+StartBuffer.
	DriftTolerance = 500 * time.Millisecond
	// ProposalTTL returns an unresolved proposal to idle.
	ProposalTTL = 10 * time.Second
	// LivenessTimeout prunes participants not heard from.
	LivenessTimeout = 30 * time.Second
)

// Phase is a step of the breathing cycle.
type Phase string

const (
	PhaseIdle   Phase = "idle"
	PhaseInhale Phase = "inhale"
	PhaseHold   Phase = "hold"
	PhaseExhale Phase = "exhale"
	PhaseRest   Phase = "rest"
)

// Sequence is the fixed phase order with durations.
var Sequence = []PhaseStep{
	{Phase: PhaseInhale, Duration: 4000 * time.Millisecond},
	{Phase: PhaseHold, Duration: 2000 * time.Millisecond},
	{Phase: PhaseExhale, Duration: 4000 * time.Millisecond},
	{Phase: PhaseRest, Duration: 2000 * time.Millisecond},
}

// PhaseStep is one entry of Sequence.
type PhaseStep struct {
	Phase    Phase
	Duration time.Duration
}

// stepIndex returns the position of p in Sequence, or -1.
func stepIndex(p Phase) int {
	for i, s := range Sequence {
		if s.Phase == p {
			return i
		}
	}
	return -1
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	return p == PhaseIdle || stepIndex(p) >= 0
}

// State is the coordinator's position in the consensus state machine.
type State string

const (
	StateIdle      State = "idle"
	StateProposing State = "proposing"
	StateVoting    State = "voting"
	StateCommitted State = "committed"
	StateBreathing State = "breathing"
)

// active reports whether a cycle has been committed and not yet finished.
func (s State) active() bool {
	return s == StateCommitted || s == StateBreathing
}

// pending reports whether a proposal is awaiting quorum.
func (s State) pending() bool {
	return s == StateProposing || s == StateVoting
}

// Proposal asks participants to start a cycle at StartTime (Unix ms).
type Proposal struct {
	ID        string             `json:"id"`
	Proposer  string             `json:"proposer"`
	Phase     Phase              `json:"phase"`
	StartTime int64              `json:"startTime"`
	Duration  int64              `json:"duration"`
	Clock     vclock.VectorClock `json:"clock"`
}

// Validate checks that a proposal received from the network is usable.
func (p Proposal) Validate() error {
	switch {
	case strings.TrimSpace(p.ID) == "":
		return &ValidationError{Field: "id", Reason: "required"}
	case vclock.NormalizeID(p.Proposer) == "":
		return &ValidationError{Field: "proposer", Reason: "required"}
	case stepIndex(p.Phase) < 0:
		return &ValidationError{Field: "phase", Reason: fmt.Sprintf("%q is not a cycle phase", p.Phase)}
	case p.StartTime <= 0:
		return &ValidationError{Field: "startTime", Reason: "must be positive"}
	case p.Duration <= 0:
		return &ValidationError{Field: "duration", Reason: "must be positive"}
	}
	if err := p.Clock.Validate(); err != nil {
		return &ValidationError{Field: "clock", Reason: err.Error()}
	}
	return nil
}

// Vote records that Voter accepted ProposalID.
type Vote struct {
	ProposalID string `json:"proposalId"`
	Voter      string `json:"voter"`
}

// Validate checks that a vote received from the network is usable.
func (v Vote) Validate() error {
	if strings.TrimSpace(v.ProposalID) == "" {
		return &ValidationError{Field: "proposalId", Reason: "required"}
	}
	if vclock.NormalizeID(v.Voter) == "" {
		return &ValidationError{Field: "voter", Reason: "required"}
	}
	return nil
}

// Cycle is a committed breathing cycle.
type Cycle struct {
	ProposalID   string   `json:"proposalId"`
	Phase        Phase    `json:"phase"`
	StartTime    int64    `json:"startTime"`
	Duration     int64    `json:"duration"`
	Participants []string `json:"participants"`
}

// ParticipantState is the liveness record for one device.
type ParticipantState struct {
	DeviceID    string  `json:"deviceId"`
	LastSeen    int64   `json:"lastSeen"`
	BreathPhase Phase   `json:"breathPhase"`
	Coherence   float64 `json:"coherence"`
}

// Validate checks a heartbeat received from the network.
func (p ParticipantState) Validate() error {
	if vclock.NormalizeID(p.DeviceID) == "" {
		return &ValidationError{Field: "deviceId", Reason: "required"}
	}
	if p.BreathPhase != "" && !p.BreathPhase.Valid() {
		return &ValidationError{Field: "breathPhase", Reason: fmt.Sprintf("unknown phase %q", p.BreathPhase)}
	}
	if p.Coherence < 0 || p.Coherence > 1 {
		return &ValidationError{Field: "coherence", Reason: "must be within [0,1]"}
	}
	return nil
}

// DecisionType is the outcome of handling a proposal or vote.
type DecisionType string

const (
	DecisionAccept  DecisionType = "accept"
	DecisionCommit  DecisionType = "commit"
	DecisionReject  DecisionType = "reject"
	DecisionIgnored DecisionType = "ignored"
)

// Rejection reasons.
const (
	ReasonAlreadyBreathing = "already_breathing"
	ReasonClockDrift       = "clock_drift"
	ReasonVotePending      = "vote_pending"
)

// Decision is returned by HandleProposal and HandleVote.
type Decision struct {
	Type DecisionType `json:"type"`
	// ProposalID is the proposal the decision is about.
	ProposalID string `json:"proposalId,omitempty"`
	// Reason is set for rejections.
	Reason string `json:"reason,omitempty"`
	// Phase is the current phase for already_breathing.
	Phase Phase `json:"phase,omitempty"`
	// SuggestedStart is a corrected start time for clock_drift.
	SuggestedStart int64 `json:"suggestedStart,omitempty"`
	// VotesNeeded is how many more votes an accepted proposal needs.
	VotesNeeded int `json:"votesNeeded,omitempty"`
}

// ValidationError reports an unusable proposal, vote or heartbeat.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// InvalidStateError is returned when an operation is not allowed in the
// coordinator's current state.
type InvalidStateError struct {
	Op    string
	State State
}

// Error implements the error interface.
func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s: not allowed in state %s", e.Op, e.State)
}

// IsInvalidState reports whether err is an *InvalidStateError.
func IsInvalidState(err error) bool {
	var target *InvalidStateError
	return errors.As(err, &target)
}
