package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/fieldsync/internal/field"
	"github.com/roach88/fieldsync/internal/server"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/syncsvc"
	"github.com/roach88/fieldsync/internal/transport"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr     string
	Database string

	// Ready, if set, receives the listen address once the server is up.
	Ready chan<- string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync service and event relay",
		Long: `Run the canonical sync service over HTTP.

The service stores the canonical field in a SQLite database (created if
it does not exist), accepts deltas from devices, and relays breath events
between connected devices over WebSocket.

Example:
  fieldsync serve --db ./fieldsync.db --addr :8080
  fieldsync serve --config fieldsync.yaml --verbose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (default from config, :8080)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")

	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	cfg := opts.Config
	if opts.Addr != "" {
		cfg.Server.Addr = opts.Addr
	}
	if opts.Database != "" {
		cfg.Server.DBPath = opts.Database
	}

	slog.Info("opening database", "path", cfg.Server.DBPath)
	st, err := store.Open(cfg.Server.DBPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	svc := syncsvc.New(st,
		syncsvc.WithRateLimit(cfg.Sync.RateLimit, cfg.Sync.RateWindow()),
		syncsvc.WithPolicy(field.Policy{Window: cfg.Sync.ConflictWindow()}),
	)
	hub := transport.NewHub()
	srv := server.New(svc, hub,
		server.WithHealthCheck(st.Ping),
		server.WithShutdownTimeout(cfg.Server.ShutdownTimeout()),
	)

	ctx, stop := signalContext(cmd)
	defer stop()

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Sync service listening on %s\n", ln.Addr())
	if opts.Ready != nil {
		opts.Ready <- ln.Addr().String()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(ctx, ln)
	})
	g.Go(func() error {
		sweepLimiter(ctx, svc.Limiter(), cfg.Sync.RateWindow())
		return nil
	})

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}
	slog.Info("server stopped gracefully")
	return nil
}

// sweepLimiter drops expired rate-limit windows once per window.
func sweepLimiter(ctx context.Context, l *syncsvc.RateLimiter, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				slog.Debug("rate limit windows swept", "removed", n)
			}
		}
	}
}

// signalContext derives a context from the command's that is cancelled
// on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
