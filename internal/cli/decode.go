package cli

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/codec"
	"github.com/roach88/fieldsync/internal/field"
)

// DecodeOptions holds flags for the decode command.
type DecodeOptions struct {
	*RootOptions
	File string
}

// DecodeResult is the decode command's output.
type DecodeResult struct {
	Bytes   int            `json:"bytes"`
	Changes []field.Change `json:"changes"`
}

// RenderText prints one change per line.
func (r DecodeResult) RenderText(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "%d bytes, %d changes\n", r.Bytes, len(r.Changes)); err != nil {
		return err
	}
	for _, ch := range r.Changes {
		if _, err := fmt.Fprintf(w, "  %d,%d = %g @ %d\n", ch.X, ch.Y, ch.Value, ch.Timestamp); err != nil {
			return err
		}
	}
	return nil
}

// NewDecodeCommand creates the decode command.
func NewDecodeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DecodeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "decode [HEX]",
		Short: "Decode a packed change payload",
		Long: `Decode a packed change payload into its cell changes.

The payload is given as a hex argument or read raw from --file.

Examples:
  fieldsync decode 0300040000...
  fieldsync decode --file payload.bin --format json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDecode(cmd, opts, args)
		},
	}

	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "read the raw payload from a file")

	return cmd
}

func runDecode(cmd *cobra.Command, opts *DecodeOptions, args []string) error {
	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}

	var payload []byte
	switch {
	case opts.File != "" && len(args) > 0:
		_ = formatter.Error(ErrCodeArgument, "give either a hex argument or --file, not both")
		return NewExitError(ExitCommandError, "conflicting inputs")
	case opts.File != "":
		data, err := os.ReadFile(opts.File)
		if err != nil {
			_ = formatter.Error(ErrCodeArgument, err.Error())
			return WrapExitError(ExitCommandError, "failed to read payload", err)
		}
		payload = data
	case len(args) == 1:
		data, err := hex.DecodeString(strings.TrimSpace(args[0]))
		if err != nil {
			_ = formatter.Error(ErrCodeArgument, err.Error())
			return WrapExitError(ExitCommandError, "invalid hex payload", err)
		}
		payload = data
	default:
		_ = formatter.Error(ErrCodeArgument, "no payload given")
		return NewExitError(ExitCommandError, "no payload given")
	}

	changes, err := codec.DecodeChanges(payload)
	if err != nil {
		_ = formatter.Error(ErrCodeDecode, err.Error())
		return WrapExitError(ExitFailure, "decode failed", err)
	}
	if changes == nil {
		changes = []field.Change{}
	}
	return formatter.Success(DecodeResult{Bytes: len(payload), Changes: changes})
}
