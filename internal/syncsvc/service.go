package syncsvc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/fieldsync/internal/clock"
	"github.com/roach88/fieldsync/internal/codec"
	"github.com/roach88/fieldsync/internal/field"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/vclock"
)

// Canonical is the persistence the service needs. *store.Store implements it.
type Canonical interface {
	GetGlobalState(ctx context.Context) (store.GlobalState, error)
	GetCells(ctx context.Context, coords []field.Coord) (map[field.Coord]field.Cell, error)
	GetVectorClock(ctx context.Context) (vclock.VectorClock, error)
	GetRecentConflicts(ctx context.Context, limit int) ([]store.LoggedConflict, error)
	Commit(ctx context.Context, b store.Batch) error
}

// Service ingests deltas into the canonical field.
//
// Thread-safety: Service is safe for concurrent use. Ingestion is
// serialised; reads go straight to the Canonical store.
type Service struct {
	mu      sync.Mutex
	store   Canonical
	limiter *RateLimiter
	clock   clock.Clock
	policy  field.Policy

	limit  int
	window time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithRateLimit sets the submissions allowed per device per window.
func WithRateLimit(limit int, window time.Duration) Option {
	return func(s *Service) {
		s.limit = limit
		s.window = window
	}
}

// WithClock sets the clock used by the rate limiter.
func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		s.clock = c
	}
}

// WithPolicy overrides the conflict policy.
func WithPolicy(p field.Policy) Option {
	return func(s *Service) {
		s.policy = p
	}
}

// New creates a Service over the given canonical store.
func New(c Canonical, opts ...Option) *Service {
	s := &Service{
		store:  c,
		clock:  clock.System{},
		policy: field.DefaultPolicy(),
		limit:  DefaultLimit,
		window: DefaultWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.limiter = NewRateLimiter(s.limit, s.window, s.clock)
	return s
}

// Limiter exposes the rate limiter for maintenance sweeps and quota headers.
func (s *Service) Limiter() *RateLimiter {
	return s.limiter
}

// Ingest applies a delta submitted by deviceID.
//
// Business outcomes (rate limiting, invalid input, conflicts, stale
// deltas) are reported in the Result. The error is non-nil only when
// the canonical store fails, in which case nothing was written.
func (s *Service) Ingest(ctx context.Context, deviceID string, d field.Delta) (Result, error) {
	if res, limited := s.checkLimit(deviceID); limited {
		return res, nil
	}
	return s.ingest(ctx, deviceID, d)
}

// IngestPacked decodes a codec payload and ingests it as a delta.
// A payload that does not decode is rejected whole.
func (s *Service) IngestPacked(ctx context.Context, req PackedSubmitRequest) (Result, error) {
	if res, limited := s.checkLimit(req.DeviceID); limited {
		return res, nil
	}

	changes, err := codec.DecodeChanges(req.Payload)
	if err != nil {
		slog.Warn("malformed packed delta rejected",
			"device", req.DeviceID,
			"bytes", len(req.Payload),
			"error", err,
		)
		submissionsTotal.WithLabelValues("malformed").Inc()
		return failed(ErrCodeMalformedDelta), nil
	}

	return s.ingest(ctx, req.DeviceID, field.Delta{
		DeviceID:  req.DeviceID,
		Clock:     req.Clock,
		Changes:   changes,
		Version:   req.Version,
		Timestamp: req.Timestamp,
	})
}

func (s *Service) checkLimit(deviceID string) (Result, bool) {
	if err := s.limiter.Check(deviceID); err != nil {
		retry, _ := RetryAfterOf(err)
		slog.Info("submission rate limited", "device", deviceID, "retry_after", retry)
		submissionsTotal.WithLabelValues("rate_limited").Inc()
		res := failed(ErrCodeRateLimited)
		res.RetryAfter = retry.Milliseconds()
		return res, true
	}
	return Result{}, false
}

func (s *Service) ingest(ctx context.Context, deviceID string, d field.Delta) (Result, error) {
	start := time.Now()

	if err := validate(deviceID, d); err != nil {
		slog.Warn("invalid delta rejected", "device", deviceID, "error", err)
		submissionsTotal.WithLabelValues("invalid").Inc()
		return failed(ErrCodeInvalidDelta), nil
	}
	deltaSize.Observe(float64(len(d.Changes)))

	writer := vclock.NormalizeID(d.DeviceID)
	remote := d.Clock.Normalized()

	s.mu.Lock()
	defer s.mu.Unlock()

	canonical, err := s.store.GetVectorClock(ctx)
	if err != nil {
		submissionsTotal.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("ingest %s: %w", writer, err)
	}

	cmp := vclock.Compare(canonical, remote)
	defer func() {
		ingestDuration.WithLabelValues(cmp.String()).Observe(time.Since(start).Seconds())
	}()

	if cmp == vclock.Equal || cmp == vclock.After {
		slog.Debug("stale delta acknowledged",
			"device", writer,
			"version", d.Version,
			"ordering", cmp.String(),
		)
		submissionsTotal.WithLabelValues("stale").Inc()
		return Result{
			Success:     true,
			Conflicts:   []field.ConflictRecord{},
			GlobalClock: canonical,
			Ordering:    cmp,
		}, nil
	}

	cells, conflicts, applied, err := s.plan(ctx, cmp, writer, remote, d.Changes)
	if err != nil {
		submissionsTotal.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("ingest %s: %w", writer, err)
	}

	merged := vclock.Merge(canonical, remote)
	if err := s.store.Commit(ctx, store.Batch{
		DeviceID:  writer,
		Cells:     cells,
		Clock:     merged,
		Conflicts: conflicts,
	}); err != nil {
		submissionsTotal.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("ingest %s: %w", writer, err)
	}

	submissionsTotal.WithLabelValues("applied").Inc()
	changesAppliedTotal.Add(float64(applied))
	for _, c := range conflicts {
		conflictsTotal.WithLabelValues(string(c.Resolution)).Inc()
		slog.Info("conflict resolved",
			"device", writer,
			"cell", c.Cell,
			"local", c.Local,
			"remote", c.Remote,
			"resolution", c.Resolution,
		)
	}

	return Result{
		Success:        true,
		AppliedChanges: applied,
		Conflicts:      conflicts,
		GlobalClock:    merged,
		Ordering:       cmp,
	}, nil
}

// plan computes the cells to write for a Before or Concurrent delta.
// Changes are evaluated in order; a later change in the same delta sees
// the outcome of an earlier one.
func (s *Service) plan(ctx context.Context, cmp vclock.Ordering, writer string, remote vclock.VectorClock, changes []field.Change) (map[field.Coord]field.Cell, []field.ConflictRecord, int, error) {
	cells := make(map[field.Coord]field.Cell, len(changes))
	conflicts := []field.ConflictRecord{}

	var current map[field.Coord]field.Cell
	if cmp == vclock.Concurrent {
		coords := make([]field.Coord, 0, len(changes))
		for _, ch := range changes {
			coords = append(coords, ch.Coord())
		}
		var err error
		current, err = s.store.GetCells(ctx, coords)
		if err != nil {
			return nil, nil, 0, err
		}
	}

	applied := 0
	for _, ch := range changes {
		coord := ch.Coord()
		if cmp == vclock.Concurrent {
			stored, exists := current[coord]
			decision := s.policy.Decide(stored, exists, ch, writer)
			if decision.Conflict != nil {
				conflicts = append(conflicts, *decision.Conflict)
			}
			if !decision.Apply {
				continue
			}
		}
		cell := field.Cell{
			Value:       ch.Value,
			LastWriter:  writer,
			Timestamp:   ch.Timestamp,
			VectorClock: remote.Clone(),
		}
		cells[coord] = cell
		if current != nil {
			current[coord] = cell
		}
		applied++
	}
	return cells, conflicts, applied, nil
}

func validate(deviceID string, d field.Delta) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if vclock.NormalizeID(deviceID) != vclock.NormalizeID(d.DeviceID) {
		return &field.ValidationError{Field: "deviceId", Reason: "does not match submitting device"}
	}
	return nil
}

// State returns the canonical field and clock.
func (s *Service) State(ctx context.Context) (StateView, error) {
	st, err := s.store.GetGlobalState(ctx)
	if err != nil {
		return StateView{}, fmt.Errorf("state: %w", err)
	}
	vc, err := s.store.GetVectorClock(ctx)
	if err != nil {
		return StateView{}, fmt.Errorf("state: %w", err)
	}
	return StateView{
		Cells:       st.Cells,
		GlobalClock: vc,
		TotalWrites: st.TotalWrites,
		UpdatedAt:   st.UpdatedAt,
	}, nil
}

// GlobalClock returns the canonical vector clock.
func (s *Service) GlobalClock(ctx context.Context) (vclock.VectorClock, error) {
	vc, err := s.store.GetVectorClock(ctx)
	if err != nil {
		return nil, fmt.Errorf("global clock: %w", err)
	}
	return vc, nil
}

// Conflicts returns up to limit of the most recent conflicts, oldest first.
func (s *Service) Conflicts(ctx context.Context, limit int) (ConflictsView, error) {
	c, err := s.store.GetRecentConflicts(ctx, limit)
	if err != nil {
		return ConflictsView{}, fmt.Errorf("conflicts: %w", err)
	}
	return ConflictsView{Conflicts: c}, nil
}

// SubmitPacked ingests a packed delta and reports an unsuccessful result
// through Result.Err, matching the HTTP client. It lets a device run
// against an in-process service.
func (s *Service) SubmitPacked(ctx context.Context, req PackedSubmitRequest) (Result, error) {
	res, err := s.IngestPacked(ctx, req)
	if err != nil {
		return Result{}, err
	}
	return res, res.Err(req.DeviceID)
}

// FetchState is State under the name devices use.
func (s *Service) FetchState(ctx context.Context) (StateView, error) {
	return s.State(ctx)
}
