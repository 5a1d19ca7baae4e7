package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/store"
)

// ConflictsOptions holds flags for the conflicts command.
type ConflictsOptions struct {
	*RootOptions
	Database string
	Limit    int
}

// ConflictList is the conflicts command's output.
type ConflictList struct {
	Conflicts []store.LoggedConflict `json:"conflicts"`
}

// RenderText prints one conflict per line, newest first.
func (l ConflictList) RenderText(w io.Writer) error {
	if len(l.Conflicts) == 0 {
		_, err := fmt.Fprintln(w, "No conflicts logged.")
		return err
	}
	for _, c := range l.Conflicts {
		if _, err := fmt.Fprintf(w, "#%d %s cell %s local=%g remote=%g %s\n",
			c.ID, c.DeviceID, c.Cell, c.Local, c.Remote, c.Resolution); err != nil {
			return err
		}
	}
	return nil
}

// NewConflictsCommand creates the conflicts command.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ConflictsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List recently logged conflicts",
		Long: `List conflicts recorded by the sync service, newest first.

Example:
  fieldsync conflicts --db fieldsync.db --limit 20`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConflicts(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "SQLite database path (default from config)")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 50, "maximum number of conflicts")

	return cmd
}

func runConflicts(cmd *cobra.Command, opts *ConflictsOptions) error {
	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	if opts.Limit <= 0 {
		_ = formatter.Error(ErrCodeArgument, "limit must be positive")
		return NewExitError(ExitCommandError, "limit must be positive")
	}

	st, err := openExisting(opts.Database, opts.Config.Server.DBPath)
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error())
		return err
	}
	defer st.Close()

	conflicts, err := st.GetRecentConflicts(cmd.Context(), opts.Limit)
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error())
		return WrapExitError(ExitFailure, "failed to read conflicts", err)
	}
	if conflicts == nil {
		conflicts = []store.LoggedConflict{}
	}
	return formatter.Success(ConflictList{Conflicts: conflicts})
}
