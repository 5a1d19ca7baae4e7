// Package session connects a breath Coordinator to an event transport.
//
// A Session publishes local proposals, answers accepted peer proposals
// with a vote, feeds peer votes and heartbeats into the coordinator, and
// periodically publishes the local heartbeat and sweeps stale peers.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/fieldsync/internal/breath"
	"github.com/roach88/fieldsync/internal/events"
	"github.com/roach88/fieldsync/internal/transport"
	"github.com/roach88/fieldsync/internal/vclock"
)

// Default loop intervals.
const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultSweepInterval     = 10 * time.Second
)

// Session is one participant on the event transport.
type Session struct {
	coord *breath.Coordinator
	tr    transport.Transport

	heartbeatEvery time.Duration
	sweepEvery     time.Duration

	mu    sync.Mutex
	ctx   context.Context
	unsub func()
}

// Option configures a Session.
type Option func(*Session)

// WithIntervals sets the heartbeat and sweep periods used by Run.
func WithIntervals(heartbeat, sweep time.Duration) Option {
	return func(s *Session) {
		if heartbeat > 0 {
			s.heartbeatEvery = heartbeat
		}
		if sweep > 0 {
			s.sweepEvery = sweep
		}
	}
}

// New creates a session. Call Start or Run to begin receiving.
func New(coord *breath.Coordinator, tr transport.Transport, opts ...Option) *Session {
	s := &Session{
		coord:          coord,
		tr:             tr,
		heartbeatEvery: DefaultHeartbeatInterval,
		sweepEvery:     DefaultSweepInterval,
		ctx:            context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Coordinator returns the wrapped coordinator.
func (s *Session) Coordinator() *breath.Coordinator {
	return s.coord
}

// Start subscribes to the transport. Replies published from inbound
// handlers use ctx. Calling Start twice has no further effect.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsub != nil {
		return
	}
	s.ctx = ctx
	s.unsub = s.tr.Subscribe(s.handle)
}

// Stop unsubscribes from the transport and resets the coordinator.
func (s *Session) Stop() {
	s.mu.Lock()
	unsub := s.unsub
	s.unsub = nil
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	s.coord.Reset()
}

func (s *Session) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// Propose starts a breath proposal and broadcasts it.
func (s *Session) Propose(ctx context.Context) (breath.Proposal, breath.Decision, error) {
	p, d, err := s.coord.ProposeBreathStart()
	if err != nil {
		return p, d, err
	}
	if err := s.publish(ctx, events.Proposal{Proposal: p}); err != nil {
		return p, d, fmt.Errorf("broadcast proposal: %w", err)
	}
	return p, d, nil
}

// Heartbeat publishes the local participant state.
func (s *Session) Heartbeat(ctx context.Context) error {
	return s.publish(ctx, events.Heartbeat{ParticipantState: s.coord.Self()})
}

func (s *Session) publish(ctx context.Context, ev events.Event) error {
	msg, err := events.Encode(s.coord.DeviceID(), ev)
	if err != nil {
		return err
	}
	return s.tr.Publish(ctx, msg)
}

func (s *Session) handle(msg []byte) {
	env, ev, err := events.Decode(msg)
	if err != nil {
		slog.Warn("event ignored", "device", s.coord.DeviceID(), "error", err)
		return
	}
	if env.Sender == s.coord.DeviceID() {
		return
	}

	// A peer speaks only for itself: it cannot propose, vote or keep
	// alive on behalf of another participant.
	if claimed := claimedID(ev); claimed != vclock.NormalizeID(env.Sender) {
		slog.Warn("event sender mismatch",
			"device", s.coord.DeviceID(),
			"sender", env.Sender,
			"claimed", claimed,
			"kind", env.Kind,
		)
		return
	}

	switch e := ev.(type) {
	case events.Proposal:
		d, err := s.coord.HandleProposal(e.Proposal)
		if err != nil {
			slog.Warn("proposal ignored", "device", s.coord.DeviceID(), "sender", env.Sender, "error", err)
			return
		}
		if d.Type == breath.DecisionAccept || d.Type == breath.DecisionCommit {
			vote := events.Vote{Vote: breath.Vote{ProposalID: e.ID, Voter: s.coord.DeviceID()}}
			if err := s.publish(s.context(), vote); err != nil {
				slog.Warn("vote not sent", "device", s.coord.DeviceID(), "proposal", e.ID, "error", err)
			}
		}
	case events.Vote:
		if _, err := s.coord.HandleVote(e.Vote); err != nil {
			slog.Warn("vote ignored", "device", s.coord.DeviceID(), "sender", env.Sender, "error", err)
		}
	case events.Heartbeat:
		if err := s.coord.Heartbeat(e.ParticipantState); err != nil {
			slog.Warn("heartbeat ignored", "device", s.coord.DeviceID(), "sender", env.Sender, "error", err)
		}
	}
}

func claimedID(ev events.Event) string {
	switch e := ev.(type) {
	case events.Proposal:
		return vclock.NormalizeID(e.Proposer)
	case events.Vote:
		return vclock.NormalizeID(e.Voter)
	case events.Heartbeat:
		return vclock.NormalizeID(e.DeviceID)
	}
	return ""
}

// Run subscribes, then publishes heartbeats and sweeps stale peers until
// ctx is cancelled. On return the session is stopped.
func (s *Session) Run(ctx context.Context) error {
	s.Start(ctx)
	defer s.Stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.Heartbeat(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("heartbeat failed", "device", s.coord.DeviceID(), "error", err)
		}
		ticker := time.NewTicker(s.heartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := s.Heartbeat(ctx); err != nil && ctx.Err() == nil {
					slog.Warn("heartbeat failed", "device", s.coord.DeviceID(), "error", err)
				}
			}
		}
	})
	g.Go(func() error {
		ticker := time.NewTicker(s.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if dropped := s.coord.Sweep(); len(dropped) > 0 {
					slog.Info("participants expired", "device", s.coord.DeviceID(), "dropped", dropped)
				}
			}
		}
	})
	return g.Wait()
}
