// Command progressiond runs the learning progression engine: the HTTP API,
// the background sweep worker, and the operator tooling around them.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/alem-hub/progression-engine/config"
	"github.com/alem-hub/progression-engine/pkg/logger"
)

// rootOptions holds state shared by every subcommand.
type rootOptions struct {
	logLevel string

	cfg *config.Config
	log *logger.Logger
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "progressiond",
		Short:         "Learning progression engine",
		Long:          "Tracks learner progress through course dependency graphs and decides which nodes unlock.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if opts.logLevel != "" {
				cfg.Observability.LogLevel = opts.logLevel
			}
			opts.cfg = cfg
			opts.log = newLogger(cfg)
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if opts.log != nil {
				_ = opts.log.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override LOG_LEVEL (debug|info|warn|error)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newWorkerCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newSeedCommand(opts))
	cmd.AddCommand(newValidateCommand(opts))

	return cmd
}

func newLogger(cfg *config.Config) *logger.Logger {
	opts := logger.DefaultOptions()
	opts.Level = logger.ParseLevel(cfg.Observability.LogLevel)
	opts.Format = cfg.Observability.LogFormat
	if cfg.App.Debug {
		opts.Level = logger.LevelDebug
	}
	return logger.New(opts).With(
		logger.String("service", cfg.App.Name),
		logger.String("env", string(cfg.App.Environment)),
	)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "progressiond: %v\n", err)
		os.Exit(1)
	}
}
