// Package cron runs the periodic crown maintenance sweeps on cron
// schedules.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow) and descriptors such as @hourly.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Sweep is one named maintenance pass. Run returns how many tasks it
// repaired or scheduled.
type Sweep struct {
	Name     string
	CronExpr string
	Run      func(ctx context.Context) (int, error)
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Sweeps   []Sweep
	Logger   *slog.Logger
	Interval time.Duration    // tick interval; defaults to 1 minute if zero
	Now      func() time.Time // defaults to time.Now
	// OnRun is called after every sweep run, for metrics.
	OnRun func(ctx context.Context, name string, n int, err error)
}

type entry struct {
	sweep    Sweep
	schedule cronlib.Schedule
	next     time.Time
}

// Scheduler ticks at a fixed interval and runs every sweep whose next run
// time has passed. Sweeps run one at a time in declaration order.
type Scheduler struct {
	entries  []*entry
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time
	onRun    func(ctx context.Context, name string, n int, err error)

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates every schedule and computes the first run times.
// All sweeps are due on the first tick.
func NewScheduler(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	s := &Scheduler{
		logger:   logger,
		interval: interval,
		now:      now,
		onRun:    cfg.OnRun,
	}
	start := now()
	for _, sw := range cfg.Sweeps {
		if sw.Run == nil {
			return nil, fmt.Errorf("sweep %q has no run function", sw.Name)
		}
		sched, err := cronParser.Parse(sw.CronExpr)
		if err != nil {
			return nil, fmt.Errorf("sweep %q: parse %q: %w", sw.Name, sw.CronExpr, err)
		}
		s.entries = append(s.entries, &entry{sweep: sw, schedule: sched, next: start})
	}
	return s, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval, "sweeps", len(s.entries))
}

// Stop cancels the scheduler loop and waits for the running sweep to
// return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs every due sweep once and advances its next run time. It is
// exported so callers and tests can drive the scheduler without a ticker.
func (s *Scheduler) Tick(ctx context.Context) int {
	now := s.now()
	ran := 0
	for _, e := range s.entries {
		if ctx.Err() != nil {
			return ran
		}
		if now.Before(e.next) {
			continue
		}
		s.fire(ctx, e)
		e.next = e.schedule.Next(now)
		ran++
	}
	return ran
}

func (s *Scheduler) fire(ctx context.Context, e *entry) {
	start := time.Now()
	n, err := e.sweep.Run(ctx)
	if s.onRun != nil {
		s.onRun(ctx, e.sweep.Name, n, err)
	}
	if err != nil {
		s.logger.Error("cron: sweep failed",
			"sweep", e.sweep.Name,
			"error", err,
		)
		return
	}
	level := slog.LevelDebug
	if n > 0 {
		level = slog.LevelInfo
	}
	s.logger.Log(ctx, level, "cron: sweep finished",
		"sweep", e.sweep.Name,
		"count", n,
		"duration", time.Since(start),
	)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
