package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/crownd/internal/bus"
	"github.com/basket/crownd/internal/config"
	"github.com/basket/crownd/internal/crown"
	"github.com/basket/crownd/internal/cron"
	"github.com/basket/crownd/internal/jobs"
	otelPkg "github.com/basket/crownd/internal/otel"
)

// retentionSchedule runs the history purge once a day.
const retentionSchedule = "@daily"

func serveCmd(env *appOptions) *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the evaluation workers and the maintenance sweeps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := *env
			opts.quiet = quiet
			return withApp(cmd.Context(), opts, serve)
		},
	}
	cmd.Flags().BoolVar(&quiet, "quiet", false, "log to the log file only")
	return cmd
}

func newWorker(a *app) *jobs.Worker {
	cfg := a.cfg()
	w := jobs.New(a.store, jobs.Config{
		WorkerCount:  cfg.WorkerCount,
		PollInterval: time.Duration(cfg.PollIntervalMillis) * time.Millisecond,
		// An attempt that outlives the stale threshold is repaired by the
		// stuck sweep anyway.
		JobTimeout: time.Duration(cfg.Crown.StaleThresholdMinutes) * time.Minute,
		Logger:     a.logger,
		Metrics:    a.metrics,
	})
	w.Register(crown.JobTypeEvaluate, jobs.HandlerFunc(a.svc.HandleEvaluateJob))
	return w
}

func newScheduler(a *app) (*cron.Scheduler, error) {
	cfg := a.cfg()
	sweeps := cron.MaintenanceSweeps(a.svc, a.store, cron.Schedules{
		Stuck:       cfg.Crown.StuckSchedule,
		AutoRefresh: cfg.Crown.AutoRefreshSchedule,
		Missing:     cfg.Crown.MissingSchedule,
		Retention:   retentionSchedule,
	}, cron.RetentionDays{Events: cfg.RetentionEventsDays, Audit: cfg.RetentionAuditDays})
	return cron.NewScheduler(cron.Config{
		Sweeps: sweeps,
		Logger: a.logger,
		OnRun: func(ctx context.Context, name string, _ int, err error) {
			outcome := "succeeded"
			if err != nil {
				outcome = "failed"
			}
			a.metrics.CountJob(ctx, "sweep."+name, outcome)
		},
	})
}

func serve(ctx context.Context, a *app) error {
	logger := a.logger
	cfg := a.cfg()
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint(), "version", Version)

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	} else {
		go watcher.Follow(a.snap, func(next config.Config) {
			if next.WorkerCount != cfg.WorkerCount || next.DBPath != cfg.DBPath {
				logger.Warn("worker_count and db_path changes apply on restart")
			}
		})
	}

	a.bus.SetDropHook(func(topic string) { a.metrics.CountBusDrop(ctx, topic) })
	sub := a.bus.Subscribe("crown.", bus.WithBuffer(cfg.WorkerCount*64))
	defer func() {
		if n := sub.Dropped(); n > 0 {
			logger.Warn("bus observer missed events", "dropped", n)
		}
		a.bus.Unsubscribe(sub)
	}()
	go observeBus(ctx, sub, a.metrics, logger)

	worker := newWorker(a)
	sched, err := newScheduler(a)
	if err != nil {
		return err
	}
	worker.Start(ctx)
	sched.Start(ctx)
	logger.Info("startup phase", "phase", "serving", "workers", cfg.WorkerCount)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	sched.Stop()
	drainTimeout := time.Duration(cfg.DrainTimeoutSeconds) * time.Second
	if drainTimeout <= 0 {
		drainTimeout = 5 * time.Second
	}
	worker.Drain(drainTimeout)
	logger.Info("shutdown complete")
	return nil
}

// observeBus logs and counts every committed crown event.
func observeBus(ctx context.Context, sub *bus.Subscription, metrics *otelPkg.Metrics, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			metrics.CountBusEvent(ctx, ev.Topic)
			switch p := ev.Payload.(type) {
			case bus.CrownStatusChanged:
				metrics.CountTransition(ctx, p.OldStatus, p.NewStatus, p.Trigger)
				logger.Debug("crown status changed", "task_id", p.TaskID, "from", p.OldStatus, "to", p.NewStatus, "trigger", p.Trigger)
			case bus.CrownEvaluated:
				logger.Info("crown evaluated", "task_id", p.TaskID, "winner_run_id", p.WinnerRunID, "candidates", p.Candidates, "refresh", p.IsRefresh)
			case bus.CrownOverridden:
				logger.Info("crown overridden", "task_id", p.TaskID, "run_id", p.RunID, "principal", p.Principal)
			case bus.SweepRepaired:
				logger.Info("crown repaired by sweep", "task_id", p.TaskID, "sweep", p.Sweep, "action", p.Action)
			}
		}
	}
}

func workCmd(env *appOptions) *cobra.Command {
	var max int
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Run queued evaluation jobs until the queue is idle, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), env.quietly(), func(ctx context.Context, a *app) error {
				n, err := drainQueue(ctx, newWorker(a), max)
				fmt.Fprintf(cmd.OutOrStdout(), "ran %d job(s)\n", n)
				return err
			})
		},
	}
	cmd.Flags().IntVar(&max, "max", 100, "stop after this many jobs")
	return cmd
}

func drainQueue(ctx context.Context, w *jobs.Worker, max int) (int, error) {
	n := 0
	for n < max {
		ran, err := w.RunOnce(ctx)
		if err != nil || !ran {
			return n, err
		}
		n++
	}
	return n, nil
}
