package cron_test

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/crownd/internal/crown"
	"github.com/basket/crownd/internal/cron"
	"github.com/basket/crownd/internal/persistence"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "crownd.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestScheduler_FiresOnStart(t *testing.T) {
	var runs atomic.Int32
	sched, err := cron.NewScheduler(cron.Config{
		Sweeps: []cron.Sweep{{
			Name:     "count",
			CronExpr: "*/5 * * * *",
			Run: func(context.Context) (int, error) {
				runs.Add(1)
				return 0, nil
			},
		}},
		Logger:   slog.Default(),
		Interval: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sched.Start(context.Background())
	defer sched.Stop()

	waitFor(t, 3*time.Second, func() bool { return runs.Load() > 0 })
}

func TestScheduler_RunsOnlyWhenDue(t *testing.T) {
	clock := &manualClock{now: time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC)}
	var fast, slow int
	sched, err := cron.NewScheduler(cron.Config{
		Sweeps: []cron.Sweep{
			{Name: "fast", CronExpr: "*/5 * * * *", Run: func(context.Context) (int, error) { fast++; return 1, nil }},
			{Name: "slow", CronExpr: "@hourly", Run: func(context.Context) (int, error) { slow++; return 0, nil }},
		},
		Now: clock.Now,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if n := sched.Tick(ctx); n != 2 {
		t.Fatalf("first tick ran %d sweeps, want 2", n)
	}
	clock.Advance(time.Minute)
	if n := sched.Tick(ctx); n != 0 {
		t.Fatalf("tick before 12:05 ran %d sweeps", n)
	}
	clock.Advance(3 * time.Minute)
	sched.Tick(ctx)
	if fast != 2 || slow != 1 {
		t.Fatalf("fast = %d, slow = %d; want 2, 1", fast, slow)
	}
	clock.Advance(time.Hour)
	sched.Tick(ctx)
	if fast != 3 || slow != 2 {
		t.Fatalf("fast = %d, slow = %d; want 3, 2", fast, slow)
	}
}

func TestScheduler_ErrorDoesNotStopOtherSweeps(t *testing.T) {
	var reported []string
	ran := false
	sched, err := cron.NewScheduler(cron.Config{
		Sweeps: []cron.Sweep{
			{Name: "broken", CronExpr: "* * * * *", Run: func(context.Context) (int, error) { return 0, errors.New("db locked") }},
			{Name: "ok", CronExpr: "* * * * *", Run: func(context.Context) (int, error) { ran = true; return 0, nil }},
		},
		OnRun: func(_ context.Context, name string, _ int, err error) {
			if err != nil {
				reported = append(reported, name)
			}
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	sched.Tick(context.Background())
	if !ran || len(reported) != 1 || reported[0] != "broken" {
		t.Fatalf("ran = %v, reported = %v", ran, reported)
	}
}

func TestNewScheduler_RejectsBadSchedule(t *testing.T) {
	_, err := cron.NewScheduler(cron.Config{
		Sweeps: []cron.Sweep{{Name: "bad", CronExpr: "every tuesday", Run: func(context.Context) (int, error) { return 0, nil }}},
	})
	if err == nil {
		t.Fatal("expected parse error")
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 3, 1, 12, 3, 0, 0, time.UTC)
	next, err := cron.NextRunTime("*/10 * * * *", after)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2026, 3, 1, 12, 10, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestMaintenanceSweeps_RepairStuckTask(t *testing.T) {
	store := openTestStore(t)
	clock := &manualClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store.SetClock(clock.Now)
	ctx := context.Background()

	taskID, err := store.CreateTask(ctx, "Add retries")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if _, err := store.AddRun(ctx, taskID, persistence.NewRun{AgentName: "agent", Status: persistence.RunCompleted, SandboxID: "sb"}); err != nil {
			t.Fatal(err)
		}
		clock.Advance(time.Millisecond)
	}
	svc := crown.NewService(store, crown.Options{})
	if _, err := svc.RequestEvaluation(ctx, taskID); err != nil {
		t.Fatal(err)
	}
	clock.Advance(20 * time.Minute)

	sweeps := cron.MaintenanceSweeps(svc, store, cron.Schedules{
		Stuck:       "*/5 * * * *",
		AutoRefresh: "*/15 * * * *",
		Missing:     "@hourly",
		Retention:   "@daily",
	}, cron.RetentionDays{Events: 90, Audit: 365})
	if len(sweeps) != 4 {
		t.Fatalf("sweeps = %d, want 4", len(sweeps))
	}
	counts := map[string]int{}
	sched, err := cron.NewScheduler(cron.Config{
		Sweeps: sweeps,
		Now:    clock.Now,
		OnRun: func(_ context.Context, name string, n int, err error) {
			if err != nil {
				t.Errorf("sweep %s: %v", name, err)
			}
			counts[name] = n
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	sched.Tick(ctx)

	if counts["stuck"] != 1 {
		t.Fatalf("counts = %v", counts)
	}
	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatal(err)
	}
	if task.CrownStatus != persistence.CrownError {
		t.Fatalf("status = %s, want error", task.CrownStatus)
	}
}

func TestMaintenanceSweeps_RetentionDisabled(t *testing.T) {
	store := openTestStore(t)
	svc := crown.NewService(store, crown.Options{})
	sweeps := cron.MaintenanceSweeps(svc, store, cron.Schedules{
		Stuck: "* * * * *", AutoRefresh: "* * * * *", Missing: "* * * * *", Retention: "@daily",
	}, cron.RetentionDays{})
	if len(sweeps) != 3 {
		t.Fatalf("sweeps = %d, want 3 without retention windows", len(sweeps))
	}
}
