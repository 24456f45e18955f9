package cron

import (
	"context"

	"github.com/basket/crownd/internal/crown"
	"github.com/basket/crownd/internal/persistence"
)

// Schedules are the cron expressions of the maintenance sweeps.
type Schedules struct {
	Stuck       string
	AutoRefresh string
	Missing     string
	Retention   string
}

// RetentionDays are the history windows purged by the retention sweep.
// Zero keeps that history forever.
type RetentionDays struct {
	Events int
	Audit  int
}

// MaintenanceSweeps returns the crown repair sweeps and the retention purge.
// The stuck sweep is listed first so a task it moves to error can be picked
// up by the missing evaluation sweep on a later pass.
func MaintenanceSweeps(svc *crown.Service, store *persistence.Store, sch Schedules, keep RetentionDays) []Sweep {
	sweeps := []Sweep{
		{
			Name:     "stuck",
			CronExpr: sch.Stuck,
			Run: func(ctx context.Context) (int, error) {
				r, err := svc.SweepStuck(ctx)
				return r.Repaired(), err
			},
		},
		{
			Name:     "auto_refresh",
			CronExpr: sch.AutoRefresh,
			Run:      svc.SweepAutoRefresh,
		},
		{
			Name:     "missing",
			CronExpr: sch.Missing,
			Run: func(ctx context.Context) (int, error) {
				r, err := svc.SweepMissingEvaluations(ctx)
				return r.Repaired(), err
			},
		},
	}
	if sch.Retention != "" && (keep.Events > 0 || keep.Audit > 0) {
		sweeps = append(sweeps, Sweep{
			Name:     "retention",
			CronExpr: sch.Retention,
			Run: func(ctx context.Context) (int, error) {
				res, err := store.RunRetention(ctx, keep.Events, keep.Audit)
				return int(res.PurgedCrownEvents + res.PurgedAuditLogs + res.PurgedJobs), err
			},
		})
	}
	return sweeps
}
