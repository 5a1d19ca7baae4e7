package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/fieldsync/internal/breath"
	"github.com/roach88/fieldsync/internal/client"
	"github.com/roach88/fieldsync/internal/device"
	"github.com/roach88/fieldsync/internal/field"
	"github.com/roach88/fieldsync/internal/outbox"
	"github.com/roach88/fieldsync/internal/session"
	"github.com/roach88/fieldsync/internal/snapshot"
	"github.com/roach88/fieldsync/internal/transport"
)

// DeviceOptions holds flags for the device command.
type DeviceOptions struct {
	*RootOptions
	ID          string
	ServerURL   string
	EventsURL   string
	SnapshotDir string
	InMemory    bool
}

// NewDeviceCommand creates the device command.
func NewDeviceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DeviceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "device",
		Short: "Run a device agent",
		Long: `Run one device: local field, offline outbox, and breath session.

Commands are read line by line from stdin:
  set X Y VALUE   write a cell locally
  flush           send queued deltas now
  breathe         propose a breath cycle (needs --events)
  status          print clock, queue and breath phase
  quit            checkpoint and exit

State is checkpointed to --snapshot-dir and restored on the next start.

Example:
  fieldsync device --id tablet-1 --server http://localhost:8080 \
    --events ws://localhost:8080/v1/events`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevice(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.ID, "id", "", "device id (default from config)")
	cmd.Flags().StringVar(&opts.ServerURL, "server", "", "sync service URL (default from config)")
	cmd.Flags().StringVar(&opts.EventsURL, "events", "", "event relay WebSocket URL; empty disables breath")
	cmd.Flags().StringVar(&opts.SnapshotDir, "snapshot-dir", "", "snapshot directory (default from config)")
	cmd.Flags().BoolVar(&opts.InMemory, "in-memory", false, "keep snapshots in memory only")

	return cmd
}

func runDevice(cmd *cobra.Command, opts *DeviceOptions) error {
	cfg := opts.Config.Device
	if opts.ID != "" {
		cfg.ID = opts.ID
	}
	if opts.ServerURL != "" {
		cfg.ServerURL = opts.ServerURL
	}
	if opts.EventsURL != "" {
		cfg.EventsURL = opts.EventsURL
	}
	if opts.SnapshotDir != "" {
		cfg.SnapshotDir = opts.SnapshotDir
	}
	if opts.InMemory {
		cfg.InMemory = true
	}
	if strings.TrimSpace(cfg.ID) == "" {
		return NewExitError(ExitCommandError, "device id is required (--id or device.id)")
	}

	cl, err := client.New(cfg.ServerURL)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid server URL", err)
	}

	snapCfg := snapshot.DefaultConfig(cfg.SnapshotDir)
	if cfg.InMemory {
		snapCfg = snapshot.InMemoryConfig()
	}
	snaps, err := snapshot.Open(snapCfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open snapshot store", err)
	}
	defer func() {
		if closeErr := snaps.Close(); closeErr != nil {
			slog.Error("error closing snapshot store", "error", closeErr)
		}
	}()

	out := cmd.OutOrStdout()
	agent := device.New(cfg.ID, cl,
		device.WithSnapshots(snaps),
		device.WithIntervals(cfg.FlushInterval(), cfg.CheckpointInterval()),
		device.WithBackoff(outbox.BackoffConfig{
			InitialDelay: cfg.BackoffInitial(),
			Multiplier:   2,
			MaxDelay:     cfg.BackoffMax(),
			Jitter:       true,
		}),
		device.WithConflictHandler(func(cs []field.ConflictRecord) {
			for _, c := range cs {
				fmt.Fprintf(out, "conflict %s local=%g remote=%g %s\n", c.Cell, c.Local, c.Remote, c.Resolution)
			}
		}),
	)
	restored, err := agent.Restore()
	if err != nil {
		return WrapExitError(ExitFailure, "failed to restore device state", err)
	}
	if restored {
		fmt.Fprintf(out, "Restored state for %s: clock %s, %d queued\n", agent.DeviceID(), agent.Clock(), len(agent.Pending()))
	}

	ctx, stop := signalContext(cmd)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return agent.Run(gctx)
	})

	var sess *session.Session
	if cfg.EventsURL != "" {
		conn, err := transport.Dial(ctx, cfg.EventsURL)
		if err != nil {
			cancel()
			_ = g.Wait()
			return WrapExitError(ExitFailure, "failed to connect to event relay", err)
		}
		defer conn.Close()

		bc := opts.Config.Breath
		coord := breath.NewCoordinator(cfg.ID,
			breath.WithTimeouts(bc.ProposalTTL(), bc.LivenessTimeout()),
			breath.WithPhaseHandler(func(p breath.Phase) {
				fmt.Fprintf(out, "phase %s\n", p)
			}),
		)
		sess = session.New(coord, conn, session.WithIntervals(bc.HeartbeatInterval(), bc.SweepInterval()))
		g.Go(func() error {
			return sess.Run(gctx)
		})
	}

	fmt.Fprintf(out, "Device %s ready.\n", agent.DeviceID())
	g.Go(func() error {
		defer cancel()
		return commandLoop(gctx, cmd.InOrStdin(), out, agent, sess)
	})

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "device error", err)
	}
	if _, err := agent.Flush(context.Background()); err != nil {
		slog.Info("final flush incomplete, deltas stay queued", "error", err)
	}
	if err := agent.Checkpoint(); err != nil {
		return WrapExitError(ExitFailure, "failed to checkpoint", err)
	}
	return nil
}

// commandLoop reads commands until EOF, quit, or cancellation.
func commandLoop(ctx context.Context, in io.Reader, out io.Writer, agent *device.Agent, sess *session.Session) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = l
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "set":
			x, y, v, err := parseSet(fields[1:])
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			if _, err := agent.Write(x, y, v); err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			fmt.Fprintf(out, "ok %d,%d=%g\n", x, y, v)
		case "flush":
			rep, err := agent.Flush(ctx)
			if err != nil {
				fmt.Fprintf(out, "flush: sent %d, %d queued: %v\n", rep.Sent, rep.Remaining, err)
				continue
			}
			fmt.Fprintf(out, "flush: sent %d, %d queued\n", rep.Sent, rep.Remaining)
		case "breathe":
			if sess == nil {
				fmt.Fprintln(out, "error: no event relay configured")
				continue
			}
			p, d, err := sess.Propose(ctx)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			fmt.Fprintf(out, "proposed %s start=%d %s\n", p.ID, p.StartTime, d.Type)
		case "status":
			phase := breath.PhaseIdle
			if sess != nil {
				phase = sess.Coordinator().Phase()
			}
			fmt.Fprintf(out, "clock %s, %d cells, %d queued, phase %s\n",
				agent.Clock(), len(agent.Snapshot()), len(agent.Pending()), phase)
		case "quit", "exit":
			return nil
		default:
			fmt.Fprintf(out, "error: unknown command %q\n", fields[0])
		}
	}
}

func parseSet(args []string) (int, int, float64, error) {
	if len(args) != 3 {
		return 0, 0, 0, fmt.Errorf("usage: set X Y VALUE")
	}
	x, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, 0, 0, fmt.Errorf("bad x %q", args[0])
	}
	y, err := strconv.Atoi(args[1])
	if err != nil {
		return 0, 0, 0, fmt.Errorf("bad y %q", args[1])
	}
	v, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("bad value %q", args[2])
	}
	return x, y, v, nil
}
