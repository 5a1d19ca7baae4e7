// Package events defines the envelope exchanged between participants
// over the pub/sub transport.
//
// Every envelope carries one of a closed set of kinds, and each kind
// decodes into its own validated type:
//
//	breath_sync_proposal  -> Proposal
//	breath_sync_vote      -> Vote
//	participant_heartbeat -> Heartbeat
package events

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/fieldsync/internal/breath"
	"github.com/roach88/fieldsync/internal/vclock"
)

// Kind names an event type.
type Kind string

const (
	KindProposal  Kind = "breath_sync_proposal"
	KindVote      Kind = "breath_sync_vote"
	KindHeartbeat Kind = "participant_heartbeat"
)

// Envelope is the wire form of an event.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Sender  string          `json:"sender"`
	Payload json.RawMessage `json:"payload"`
}

// Event is a decoded, validated payload.
type Event interface {
	Kind() Kind
	Validate() error
}

// Proposal carries a breath proposal.
type Proposal struct {
	breath.Proposal
}

// Kind implements Event.
func (Proposal) Kind() Kind { return KindProposal }

// Vote carries a vote for a breath proposal.
type Vote struct {
	breath.Vote
}

// Kind implements Event.
func (Vote) Kind() Kind { return KindVote }

// Heartbeat carries a participant's liveness and phase.
type Heartbeat struct {
	breath.ParticipantState
}

// Kind implements Event.
func (Heartbeat) Kind() Kind { return KindHeartbeat }

// Encode validates ev and wraps it in an envelope from sender.
func Encode(sender string, ev Event) ([]byte, error) {
	sender = vclock.NormalizeID(sender)
	if sender == "" {
		return nil, fmt.Errorf("encode %s: empty sender", ev.Kind())
	}
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Kind(), err)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Kind(), err)
	}
	return json.Marshal(Envelope{Kind: ev.Kind(), Sender: sender, Payload: payload})
}

// Decode parses an envelope and its payload.
func Decode(data []byte) (Envelope, Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, nil, &DecodeError{Err: err}
	}
	env.Sender = vclock.NormalizeID(env.Sender)
	if env.Sender == "" {
		return env, nil, &DecodeError{Kind: env.Kind, Err: errors.New("empty sender")}
	}

	var ev Event
	switch env.Kind {
	case KindProposal:
		var p Proposal
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return env, nil, &DecodeError{Kind: env.Kind, Err: err}
		}
		ev = p
	case KindVote:
		var v Vote
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return env, nil, &DecodeError{Kind: env.Kind, Err: err}
		}
		ev = v
	case KindHeartbeat:
		var h Heartbeat
		if err := json.Unmarshal(env.Payload, &h); err != nil {
			return env, nil, &DecodeError{Kind: env.Kind, Err: err}
		}
		ev = h
	default:
		return env, nil, &UnknownKindError{Kind: env.Kind}
	}

	if err := ev.Validate(); err != nil {
		return env, nil, &DecodeError{Kind: env.Kind, Err: err}
	}
	return env, ev, nil
}

// DecodeError reports an envelope or payload that could not be decoded.
type DecodeError struct {
	Kind Kind
	Err  error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("decode envelope: %v", e.Err)
	}
	return fmt.Sprintf("decode %s: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsDecode reports whether err is a *DecodeError.
func IsDecode(err error) bool {
	var target *DecodeError
	return errors.As(err, &target)
}

// UnknownKindError reports an envelope kind outside the closed set.
type UnknownKindError struct {
	Kind Kind
}

// Error implements the error interface.
func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("unknown event kind %q", e.Kind)
}

// IsUnknownKind reports whether err is an *UnknownKindError.
func IsUnknownKind(err error) bool {
	var target *UnknownKindError
	return errors.As(err, &target)
}
