// Package device runs one device's side of field synchronisation.
//
// An Agent owns the device's reconciler, codec memo and outbox. Local
// writes always succeed immediately. Flush packs everything changed since
// the last flush into a delta, queues it, and sends queued deltas in order
// until one fails. A failed send stays queued and is retried after a
// backoff, or after the service's retry-after when rate limited.
//
// Thread-safety model:
//   - Write, Receive, Snapshot, Clock: safe from any goroutine
//   - Flush, Checkpoint: safe from any goroutine, serialised internally
//   - Run: call from exactly one goroutine
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/fieldsync/internal/clock"
	"github.com/roach88/fieldsync/internal/codec"
	"github.com/roach88/fieldsync/internal/field"
	"github.com/roach88/fieldsync/internal/ids"
	"github.com/roach88/fieldsync/internal/outbox"
	"github.com/roach88/fieldsync/internal/snapshot"
	"github.com/roach88/fieldsync/internal/syncsvc"
	"github.com/roach88/fieldsync/internal/vclock"
)

// Submitter is the sync service as seen by a device.
// *client.Client implements it.
//
// SubmitPacked reports unsuccessful results through Result.Err.
type Submitter interface {
	SubmitPacked(ctx context.Context, req syncsvc.PackedSubmitRequest) (syncsvc.Result, error)
	FetchState(ctx context.Context) (syncsvc.StateView, error)
}

// Default loop intervals for Run.
const (
	DefaultFlushInterval      = 2 * time.Second
	DefaultCheckpointInterval = 30 * time.Second
)

// Agent is one device's synchronisation loop.
type Agent struct {
	deviceID string
	sub      Submitter
	snaps    *snapshot.Store
	clock    clock.Clock
	ids      ids.Generator
	backoff  outbox.BackoffConfig
	rng      *rand.Rand

	onConflict func([]field.ConflictRecord)

	flushEvery      time.Duration
	checkpointEvery time.Duration

	// stateMu guards rec and codec replacement during Restore.
	stateMu sync.RWMutex
	rec     *field.Reconciler
	codec   *codec.Codec
	out     *outbox.Outbox

	// flushMu serialises Flush and Checkpoint.
	flushMu sync.Mutex
}

// Option configures an Agent.
type Option func(*Agent)

// WithClock sets the clock for cell timestamps and retry scheduling.
func WithClock(c clock.Clock) Option {
	return func(a *Agent) {
		a.clock = c
	}
}

// WithIDs sets the generator for outbox item ids.
func WithIDs(g ids.Generator) Option {
	return func(a *Agent) {
		a.ids = g
	}
}

// WithBackoff sets the retry backoff after transport failures.
func WithBackoff(cfg outbox.BackoffConfig) Option {
	return func(a *Agent) {
		a.backoff = cfg
	}
}

// WithRand sets the jitter source. A nil source disables randomness.
func WithRand(r *rand.Rand) Option {
	return func(a *Agent) {
		a.rng = r
	}
}

// WithSnapshots enables Checkpoint and Restore against s.
func WithSnapshots(s *snapshot.Store) Option {
	return func(a *Agent) {
		a.snaps = s
	}
}

// WithConflictHandler is called with every non-empty conflict list the
// device learns about, from peers or from the service.
func WithConflictHandler(f func([]field.ConflictRecord)) Option {
	return func(a *Agent) {
		a.onConflict = f
	}
}

// WithIntervals sets the Run loop periods.
func WithIntervals(flush, checkpoint time.Duration) Option {
	return func(a *Agent) {
		a.flushEvery = flush
		a.checkpointEvery = checkpoint
	}
}

// New creates an agent with empty state.
func New(deviceID string, sub Submitter, opts ...Option) *Agent {
	a := &Agent{
		deviceID:        vclock.NormalizeID(deviceID),
		sub:             sub,
		clock:           clock.System{},
		ids:             ids.UUIDv7Generator{},
		backoff:         outbox.DefaultBackoff(),
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
		flushEvery:      DefaultFlushInterval,
		checkpointEvery: DefaultCheckpointInterval,
		codec:           codec.New(),
		out:             outbox.New(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.rec = field.NewReconciler(a.deviceID, field.WithClock(a.clock))
	return a
}

// DeviceID returns the normalised device identifier.
func (a *Agent) DeviceID() string {
	return a.deviceID
}

func (a *Agent) reconciler() *field.Reconciler {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	return a.rec
}

func (a *Agent) packer() *codec.Codec {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	return a.codec
}

// Write sets a cell locally without touching the network. Only a NaN or
// infinite value fails, with a *field.ValidationError; nothing is queued.
func (a *Agent) Write(x, y int, value float64) (field.Delta, error) {
	return a.reconciler().UpdateCell(x, y, value)
}

// Receive reconciles a delta from a peer. Applied changes are recorded as
// already sent, since the peer submits them itself.
func (a *Agent) Receive(d field.Delta) field.ReconcileResult {
	res := a.reconciler().Reconcile(d)
	a.packer().MarkSent(res.Applied)
	a.reportConflicts(res.Conflicts)
	return res
}

// Snapshot returns the local field.
func (a *Agent) Snapshot() map[field.Coord]field.Cell {
	return a.reconciler().Snapshot()
}

// Clock returns the local vector clock.
func (a *Agent) Clock() vclock.VectorClock {
	return a.reconciler().Clock()
}

// Pending returns the queued submissions, oldest first.
func (a *Agent) Pending() []outbox.Item {
	return a.out.List()
}

// Stage packs every cell changed since the last stage into a queued
// delta. Returns false when there was nothing to send.
func (a *Agent) Stage() (outbox.Item, bool, error) {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()
	return a.stage()
}

func (a *Agent) stage() (outbox.Item, bool, error) {
	// Export reads cells and clock together; a write landing between two
	// separate reads would carry a clock the payload does not cover.
	st := a.reconciler().Export()
	payload, err := a.packer().Compress(st.Cells)
	if err != nil {
		return outbox.Item{}, false, fmt.Errorf("stage: %w", err)
	}
	if len(payload) == 0 {
		return outbox.Item{}, false, nil
	}

	now := a.clock.Now()
	item := outbox.Item{
		ID: a.ids.Generate(),
		Request: syncsvc.PackedSubmitRequest{
			DeviceID:  a.deviceID,
			Clock:     st.Clock,
			Version:   st.Version,
			Timestamp: now.UnixMilli(),
			Payload:   payload,
		},
		QueuedAt:      now,
		NextAttemptAt: now,
	}
	a.out.Enqueue(item)
	slog.Debug("delta staged",
		"device", a.deviceID,
		"id", item.ID,
		"changes", len(payload)/codec.RecordSize,
		"clock", st.Clock.String(),
	)
	return item, true, nil
}

// FlushReport summarises one Flush call.
type FlushReport struct {
	Sent      int
	Remaining int
	Conflicts []field.ConflictRecord
	// CaughtUp is true if canonical state was pulled and merged.
	CaughtUp bool
}

// Flush stages local changes and sends due submissions in order,
// stopping at the first failure so later deltas never overtake earlier
// ones. After a successful send the device pulls canonical state if the
// service has seen writes the device has not.
//
// Returns an error only for failures the caller should see: transport
// errors and rate limiting leave the items queued and are reported in
// the error as well.
func (a *Agent) Flush(ctx context.Context) (FlushReport, error) {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	var report FlushReport
	if _, _, err := a.stage(); err != nil {
		return report, err
	}

	var (
		global  vclock.VectorClock
		sendErr error
	)
	now := a.clock.Now()
	for _, item := range a.out.List() {
		if item.NextAttemptAt.After(now) {
			break
		}
		res, err := a.sub.SubmitPacked(ctx, item.Request)
		if err != nil {
			if syncsvc.IsRejected(err) {
				slog.Error("queued delta rejected by service, dropping",
					"device", a.deviceID,
					"id", item.ID,
					"error", err,
				)
				a.out.Ack(item.ID)
				continue
			}
			a.retryLater(item, err)
			sendErr = err
			break
		}

		a.out.Ack(item.ID)
		report.Sent++
		report.Conflicts = append(report.Conflicts, res.Conflicts...)
		global = vclock.Merge(global, res.GlobalClock)
	}
	report.Remaining = a.out.Len()
	a.reportConflicts(report.Conflicts)

	if report.Sent > 0 && !a.reconciler().Clock().Dominates(global) {
		if err := a.catchUp(ctx); err != nil {
			slog.Warn("canonical catch-up failed", "device", a.deviceID, "error", err)
		} else {
			report.CaughtUp = true
		}
	}

	return report, sendErr
}

func (a *Agent) retryLater(item outbox.Item, err error) {
	now := a.clock.Now()
	delay, limited := syncsvc.RetryAfterOf(err)
	if !limited {
		delay = outbox.NextBackoffDelay(a.backoff, item.Attempts+1, a.rng)
	}
	updated, _ := a.out.MarkAttempt(item.ID, now, now.Add(delay), err.Error())
	slog.Info("delta submission deferred",
		"device", a.deviceID,
		"id", item.ID,
		"attempts", updated.Attempts,
		"retry_in", delay,
		"rate_limited", limited,
		"error", err,
	)
}

// CatchUp pulls canonical state and merges it into the local field.
func (a *Agent) CatchUp(ctx context.Context) error {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()
	return a.catchUp(ctx)
}

func (a *Agent) catchUp(ctx context.Context) error {
	view, err := a.sub.FetchState(ctx)
	if err != nil {
		return fmt.Errorf("catch up: %w", err)
	}
	res := a.reconciler().MergeCanonical(view.Cells, view.GlobalClock)
	a.packer().MarkSent(res.Applied)
	a.reportConflicts(res.Conflicts)
	slog.Debug("canonical state merged",
		"device", a.deviceID,
		"applied", len(res.Applied),
		"ordering", res.Ordering.String(),
	)
	return nil
}

func (a *Agent) reportConflicts(c []field.ConflictRecord) {
	if len(c) == 0 || a.onConflict == nil {
		return
	}
	a.onConflict(c)
}

// ErrNoSnapshots is returned by Checkpoint and Restore when the agent
// was built without WithSnapshots.
var ErrNoSnapshots = errors.New("snapshot store not configured")

// Checkpoint saves field state, outbox and codec memo.
func (a *Agent) Checkpoint() error {
	if a.snaps == nil {
		return ErrNoSnapshots
	}
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	snap := snapshot.Snapshot{
		DeviceID:  a.deviceID,
		Field:     a.reconciler().Export(),
		Pending:   a.out.List(),
		CodecMemo: a.packer().Export(),
		SavedAt:   clock.Millis(a.clock),
	}
	if err := a.snaps.Save(snap); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}

// Restore loads the last checkpoint. Returns false if none exists.
func (a *Agent) Restore() (bool, error) {
	if a.snaps == nil {
		return false, ErrNoSnapshots
	}
	snap, err := a.snaps.Load(a.deviceID)
	if errors.Is(err, snapshot.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("restore: %w", err)
	}

	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	st := snap.Field
	st.DeviceID = a.deviceID
	rec := field.Restore(st, field.WithClock(a.clock))
	cdc := codec.New()
	cdc.Import(snap.CodecMemo)

	a.stateMu.Lock()
	a.rec = rec
	a.codec = cdc
	a.stateMu.Unlock()
	a.out.Restore(snap.Pending)

	slog.Info("device state restored",
		"device", a.deviceID,
		"cells", len(st.Cells),
		"pending", len(snap.Pending),
		"clock", st.Clock.String(),
	)
	return true, nil
}

// Run flushes and checkpoints until ctx is cancelled, then writes a
// final checkpoint.
func (a *Agent) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(a.flushEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			case <-a.out.Wait():
			}
			if _, err := a.Flush(ctx); err != nil && ctx.Err() == nil {
				slog.Debug("flush incomplete", "device", a.deviceID, "error", err)
			}
		}
	})

	if a.snaps != nil {
		g.Go(func() error {
			ticker := time.NewTicker(a.checkpointEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if err := a.Checkpoint(); err != nil {
						slog.Warn("checkpoint failed", "device", a.deviceID, "error", err)
					}
				}
			}
		})
	}

	err := g.Wait()
	if a.snaps != nil {
		if cerr := a.Checkpoint(); cerr != nil {
			return errors.Join(err, cerr)
		}
	}
	return err
}
