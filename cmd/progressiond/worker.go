package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alem-hub/progression-engine/pkg/logger"
)

type workerOptions struct {
	*rootOptions
	once bool
}

func newWorkerCommand(root *rootOptions) *cobra.Command {
	opts := &workerOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run scheduled maintenance jobs",
		Long:  "Runs the idempotency-key sweep on SWEEP_SCHEDULE until interrupted, or once with --once.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWorker(ctx, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.once, "once", false, "run every job once and exit")
	return cmd
}

func runWorker(ctx context.Context, opts *workerOptions) error {
	cfg, log := opts.cfg, opts.log

	rt, err := newRuntime(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
		defer cancel()
		if err := rt.Close(closeCtx); err != nil {
			log.Error("shutdown finished with errors", logger.Err(err))
		}
	}()

	sched, err := newSweepScheduler(rt)
	if err != nil {
		return err
	}

	if opts.once {
		for _, info := range sched.ListJobs() {
			if _, err := sched.RunNow(ctx, info.Name); err != nil {
				return fmt.Errorf("job %s failed: %w", info.Name, err)
			}
		}
		return nil
	}

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	for _, info := range sched.ListJobs() {
		log.Info("job scheduled",
			logger.String("job", info.Name),
			logger.String("schedule", info.Schedule),
			logger.Time("next_run", info.NextRun),
		)
	}

	<-ctx.Done()
	log.Info("shutdown signal received, stopping worker")
	if err := sched.Stop(); err != nil {
		return err
	}

	history := sched.GetHistory(0)
	failed := 0
	for _, r := range history {
		if !r.Success {
			failed++
		}
	}
	log.Info("worker stopped", logger.Int("recent_runs", len(history)), logger.Int("recent_failures", failed))
	return nil
}
