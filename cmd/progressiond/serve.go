package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/alem-hub/progression-engine/config"
	"github.com/alem-hub/progression-engine/internal/application/command"
	"github.com/alem-hub/progression-engine/internal/application/query"
	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/infrastructure/scheduler"
	"github.com/alem-hub/progression-engine/internal/infrastructure/scheduler/jobs"
	httpapi "github.com/alem-hub/progression-engine/internal/interface/http"
	"github.com/alem-hub/progression-engine/pkg/logger"
	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts.cfg, opts.log)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	log.Info("starting progression engine",
		logger.String("version", cfg.App.Version),
		logger.String("db_driver", cfg.Database.Driver),
		logger.String("cache_backend", cfg.Redis.CacheBackend),
		logger.String("event_bus", cfg.Redis.EventBus),
	)

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

	server := httpapi.NewServer(serverConfig(cfg), httpapi.Dependencies{
		Submit:         newSubmitHandler(rt),
		NodeStatus:     query.NewGetNodeStatusHandler(rt.graphs, rt.progress, rt.unlock, rt.metrics, log),
		CourseProgress: query.NewGetCourseProgressHandler(rt.graphs, rt.progress),
		Health:         rt.health,
		Observer:       rt.metrics,
		Metrics:        rt.metrics,
		Logger:         log,
	})

	var sched *scheduler.Scheduler
	if cfg.Sweep.InProcess {
		sched, err = newSweepScheduler(rt)
		if err != nil {
			return err
		}
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	}

	errCh := server.StartAsync()
	log.Info("HTTP server listening", logger.String("addr", server.Address()))

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error("HTTP server failed", logger.Err(err))
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if sched != nil {
		_ = sched.Stop()
	}
	uptime := server.Uptime()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", logger.Err(err))
		return err
	}
	log.Info("progression engine stopped", logger.Duration("uptime", uptime))
	return nil
}

func serverConfig(cfg *config.Config) httpapi.Config {
	mode := gin.ReleaseMode
	if cfg.App.Debug {
		mode = gin.DebugMode
	}
	return httpapi.Config{
		Host:           cfg.HTTP.Host,
		Port:           cfg.HTTP.Port,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		EnableMetrics:  cfg.Observability.MetricsEnabled,
		ServiceName:    cfg.App.Name,
		Mode:           mode,
	}
}

func newSubmitHandler(rt *runtime) *command.SubmitProgressHandler {
	e := rt.cfg.Engine
	return command.NewSubmitProgressHandler(
		rt.graphs,
		rt.progress,
		rt.unlock,
		rt.bus,
		rt.log,
		command.SubmitProgressHandlerConfig{
			MaxCASAttempts:      e.MaxCASAttempts,
			IdempotencyKeyBound: e.IdempotencyKeyBound,
			Policy: progression.Policy{
				MaxPlaybackRate:    e.MaxPlaybackRate,
				InitialWatchWindow: e.InitialWatchWindow,
				MaxClockSkew:       e.MaxClockSkew,
			},
		},
		command.WithObserver(rt.metrics),
	)
}

// newSweepScheduler registers the idempotency-key sweep on its configured schedule.
func newSweepScheduler(rt *runtime) (*scheduler.Scheduler, error) {
	sched := scheduler.NewScheduler(scheduler.SchedulerConfig{
		Logger:         rt.log,
		Timezone:       timeutil.LoadLocation(rt.cfg.Sweep.Timezone),
		MaxHistorySize: 100,
		Observer:       rt.metrics,
	})
	job := jobs.NewSweepIdempotencyKeysJob(rt.progress, rt.bus, rt.metrics, nil, rt.log,
		jobs.SweepIdempotencyKeysConfig{Retention: rt.cfg.Sweep.Retention})
	if err := sched.Register(job, rt.cfg.Sweep.Schedule); err != nil {
		return nil, fmt.Errorf("register %s: %w", job.Name(), err)
	}
	return sched, nil
}
