package cli

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/objwatch/objwatch/internal/changelog"
	"github.com/objwatch/objwatch/internal/config"
	"github.com/objwatch/objwatch/internal/observe"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Interval  time.Duration
	Changelog string
	Types     []string
	Config    string
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch FILE",
		Short: "Observe a JSON file's top-level object and stream change records",
		Long: `Observe the top-level object of a JSON file as a record.

The file is polled at the tick interval; additions, updates, and
deletions of top-level keys are reported as change records on stdout.
With --changelog, every record is also appended to a SQLite change log
readable by the replay command.

Examples:
  objwatch watch state.json
  objwatch watch state.json --interval 100ms --types add,delete
  objwatch watch state.json --changelog ./changes.db --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(opts, cmd, args[0])
		},
	}

	cmd.Flags().DurationVar(&opts.Interval, "interval", observe.DefaultTickInterval, "tick interval")
	cmd.Flags().StringVar(&opts.Changelog, "changelog", "", "path to SQLite change log (optional)")
	cmd.Flags().StringSliceVar(&opts.Types, "types", nil, "change types to report (default all)")
	cmd.Flags().StringVar(&opts.Config, "config", "", "path to config file (yaml/json/toml)")

	return cmd
}

func runWatch(opts *WatchOptions, cmd *cobra.Command, path string) error {
	// Config file supplies defaults; explicit flags win.
	if opts.Config != "" {
		cfg, err := config.Load(opts.Config)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load config", err)
		}
		if !cmd.Flags().Changed("interval") && cfg.TickInterval() > 0 {
			opts.Interval = cfg.TickInterval()
		}
		if !cmd.Flags().Changed("changelog") {
			opts.Changelog = cfg.Changelog
		}
		if !cmd.Flags().Changed("types") {
			opts.Types = cfg.Types
		}
	}

	log := newLogger(opts.Verbose)

	engineOpts := []observe.Option{observe.WithLogger(log)}
	if opts.Changelog != "" {
		sink, err := changelog.Open(opts.Changelog)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open change log", err)
		}
		defer sink.Close()
		engineOpts = append(engineOpts, observe.WithSink(sink))
	}

	rec, err := newFileRecord(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open watched file", err)
	}

	engine := observe.New(observe.NewTickerClock(opts.Interval), engineOpts...)
	defer engine.Close()

	out := cmd.OutOrStdout()
	handler := observe.HandlerFunc(func(batch []observe.ChangeRecord) {
		for _, cr := range batch {
			if err := writeChange(out, opts.Format, cr); err != nil {
				log.Error().Err(err).Msg("failed to write change record")
			}
		}
	})

	if err := engine.Observe(rec, handler, opts.Types...); err != nil {
		return WrapExitError(ExitCommandError, "failed to observe file", err)
	}

	log.Info().Str("file", path).Dur("interval", opts.Interval).Msg("watching")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info().Msg("stopping")
	return nil
}

func newLogger(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}
