package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/objwatch/objwatch/internal/changelog"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Changelog string
	RecordID  string // optional - specific record only
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Print a persisted change log in order",
		Long: `Read a SQLite change log written by the watch command and print its
entries oldest first.

Examples:
  objwatch replay --changelog ./changes.db
  objwatch replay --changelog ./changes.db --record state.json --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Changelog, "changelog", "", "path to SQLite change log (required)")
	_ = cmd.MarkFlagRequired("changelog")
	cmd.Flags().StringVar(&opts.RecordID, "record", "", "replay a specific record only")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	store, err := changelog.Open(opts.Changelog)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open change log", err)
	}
	defer store.Close()

	var entries []changelog.Entry
	if opts.RecordID != "" {
		entries, err = store.ReadRecord(ctx, opts.RecordID)
	} else {
		entries, err = store.ReadAll(ctx)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read change log", err)
	}

	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		enc := json.NewEncoder(out)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return WrapExitError(ExitFailure, "failed to encode entry", err)
			}
		}
		return nil
	}

	for _, e := range entries {
		line := fmt.Sprintf("%d\t%s\t%s", e.Tick, e.RecordID, e.Type)
		if e.Name != "" {
			line += " " + e.Name
		}
		if e.OldValue != nil {
			line += fmt.Sprintf(" (was %v)", e.OldValue)
		}
		if _, err := fmt.Fprintln(out, line); err != nil {
			return WrapExitError(ExitFailure, "failed to write entry", err)
		}
	}
	return nil
}
