package crown

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/basket/crownd/internal/bus"
	"github.com/basket/crownd/internal/persistence"
	"github.com/basket/crownd/internal/shared"
)

// UnrecoverableMessage is stored when neither retry data nor a reachable
// diff source is left.
const UnrecoverableMessage = "Crown evaluation cannot be retried: diffs cannot be recovered; create a new task"

// ErrDiffsUnrecoverable is returned by RetryEvaluation when the task was
// marked unrecoverable.
var ErrDiffsUnrecoverable = errors.New("crown: diffs cannot be recovered; create a new task")

// ErrAutoRefreshCap stops automatic refreshes of an evaluation that has
// already been refreshed the maximum number of times.
var ErrAutoRefreshCap = errors.New("crown: auto refresh cap reached")

// CooldownError rejects a retry made too soon after the previous one.
type CooldownError struct {
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	secs := int(math.Ceil(e.Remaining.Seconds()))
	return fmt.Sprintf("crown: retry cooldown active, try again in %d seconds", secs)
}

// RetryEvaluation schedules another attempt for a task in error. Stored
// retry data is reused when it decodes; otherwise the candidates are
// collected fresh, which needs a reachable diff source.
func (s *Service) RetryEvaluation(ctx context.Context, taskID string) error {
	ctx = shared.WithTaskID(ctx, taskID)

	// Reachability probes talk to Docker, so they run before the transaction.
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("retry evaluation: %w", err)
	}
	recoverable := false
	if !decodable(task.CrownRetryData) {
		runs, err := s.store.ListRuns(ctx, taskID)
		if err != nil {
			return fmt.Errorf("retry evaluation: %w", err)
		}
		recoverable = s.collector.HasRecoverableSource(ctx, runs)
	}

	var (
		mode          Mode
		unrecoverable bool
	)
	err = s.store.Atomic(ctx, func(tx *persistence.Tx) error {
		unrecoverable = false
		task, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		now := tx.Now()
		if task.CrownLastRetryAt != nil {
			if elapsed := now.Sub(*task.CrownLastRetryAt); elapsed < s.settings.RetryCooldown {
				return &CooldownError{Remaining: s.settings.RetryCooldown - elapsed}
			}
		}
		if inFlight(task) {
			return ErrEvaluationInFlight
		}
		if task.CrownStatus != StatusError {
			return &TransitionError{From: task.CrownStatus, Trigger: TriggerRequest}
		}
		if task.CrownUnrecoverable {
			return ErrDiffsUnrecoverable
		}
		patch := persistence.TaskPatch{
			CrownRetryCount:  persistence.Ptr(task.CrownRetryCount + 1),
			CrownLastRetryAt: persistence.Ptr(now),
		}

		switch {
		case decodable(task.CrownRetryData):
			mode = ModeRetryData
		case recoverable:
			mode = ModeFresh
		default:
			unrecoverable = true
			patch.CrownError = persistence.Ptr(UnrecoverableMessage)
			patch.CrownUnrecoverable = persistence.Ptr(true)
			return tx.PatchTask(ctx, taskID, patch)
		}

		attemptID := shared.NewAttemptID()
		patch.CrownError = persistence.Ptr("")
		patch.CrownAttemptID = persistence.Ptr(attemptID)
		patch.CrownNeedsConfig = persistence.Ptr(false)
		if err := transition(ctx, tx, task, TriggerRequest, patch); err != nil {
			return err
		}
		return enqueueEvaluate(ctx, tx, EvaluateJob{TaskID: taskID, Mode: mode, AttemptID: attemptID})
	})
	if err != nil {
		return fmt.Errorf("retry evaluation: %w", err)
	}
	if unrecoverable {
		s.log(ctx).Warn("crown retry impossible; no retry data and no reachable diff source")
		return ErrDiffsUnrecoverable
	}
	s.log(ctx).Info("crown retry scheduled", "mode", mode)
	return nil
}

// RefreshEvaluation re-runs the evaluation of a succeeded task from fresh
// diffs. The current evaluation and crowned run stay in place until the new
// attempt has both a winner and a summary.
func (s *Service) RefreshEvaluation(ctx context.Context, taskID string) error {
	return s.refresh(ctx, taskID, false)
}

func (s *Service) refresh(ctx context.Context, taskID string, auto bool) error {
	ctx = shared.WithTaskID(ctx, taskID)
	err := s.store.Atomic(ctx, func(tx *persistence.Tx) error {
		task, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if inFlight(task) {
			return ErrEvaluationInFlight
		}
		if task.CrownStatus != StatusSucceeded {
			return &TransitionError{From: task.CrownStatus, Trigger: TriggerRefresh}
		}
		count := 0
		ev, err := tx.GetEvaluation(ctx, taskID)
		if err != nil {
			return err
		}
		if ev != nil {
			count = ev.AutoRefreshCount
		}
		if auto {
			if count >= s.settings.AutoRefreshCap {
				return ErrAutoRefreshCap
			}
			count++
		}
		attemptID := shared.NewAttemptID()
		if err := transition(ctx, tx, task, TriggerRefresh, persistence.TaskPatch{
			CrownIsRefreshing: persistence.Ptr(true),
			CrownAttemptID:    persistence.Ptr(attemptID),
		}); err != nil {
			return err
		}
		if auto {
			tx.Publish(bus.TopicCrownSweepRepaired, bus.SweepRepaired{Sweep: "auto_refresh", TaskID: taskID, Action: "refresh"})
		}
		return enqueueEvaluate(ctx, tx, EvaluateJob{
			TaskID:           taskID,
			Mode:             ModeRefresh,
			AttemptID:        attemptID,
			AutoRefreshCount: count,
		})
	})
	if err != nil {
		return fmt.Errorf("refresh evaluation: %w", err)
	}
	s.log(ctx).Info("crown refresh scheduled", "auto", auto)
	return nil
}

// SweepAutoRefresh schedules a refresh for recent evaluations that saw
// empty diffs, are below the refresh cap, and whose candidate runs all pushed
// a branch. It returns the number scheduled.
func (s *Service) SweepAutoRefresh(ctx context.Context) (int, error) {
	since := s.store.Now().Add(-s.settings.AutoRefreshLookback)
	evs, err := s.store.ListAutoRefreshCandidates(ctx, since, s.settings.AutoRefreshCap)
	if err != nil {
		return 0, fmt.Errorf("auto refresh sweep: %w", err)
	}
	scheduled := 0
	for _, ev := range evs {
		runs, err := s.store.ListRuns(ctx, ev.TaskID)
		if err != nil {
			return scheduled, fmt.Errorf("auto refresh sweep: %w", err)
		}
		if !allHaveBranches(runs, ev.CandidateRunIDs) {
			continue
		}
		if err := s.refresh(ctx, ev.TaskID, true); err != nil {
			var te *TransitionError
			if errors.Is(err, ErrEvaluationInFlight) || errors.Is(err, ErrAutoRefreshCap) || errors.As(err, &te) {
				continue
			}
			return scheduled, err
		}
		scheduled++
	}
	s.metrics.CountRepairs(ctx, "auto_refresh", scheduled)
	if scheduled > 0 {
		s.logger.Info("auto refresh sweep scheduled refreshes", "count", scheduled)
	}
	return scheduled, nil
}

func allHaveBranches(runs []persistence.Run, ids []string) bool {
	if len(ids) == 0 {
		return false
	}
	byID := make(map[string]persistence.Run, len(runs))
	for _, r := range runs {
		byID[r.ID] = r
	}
	for _, id := range ids {
		r, ok := byID[id]
		if !ok || !r.HasBranch() {
			return false
		}
	}
	return true
}
