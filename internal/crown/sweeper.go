package crown

import (
	"context"
	"fmt"

	"github.com/basket/crownd/internal/bus"
	"github.com/basket/crownd/internal/persistence"
	"github.com/basket/crownd/internal/shared"
)

// SweepReport counts what one sweep pass did.
type SweepReport struct {
	Scanned   int
	Succeeded int // repaired to succeeded or auto-crowned
	Failed    int // repaired to error
	Scheduled int // fresh attempts enqueued
}

func (r SweepReport) Repaired() int {
	return r.Succeeded + r.Failed + r.Scheduled
}

// SweepStuck repairs tasks left pending or in_progress for longer than the
// stale threshold. A task that already has an evaluation goes back to
// succeeded without re-running anything, as does an abandoned refresh of a
// task crowned by hand; others move to error so the user can retry. Results of the abandoned attempt are discarded when they
// arrive because the attempt id is cleared.
func (s *Service) SweepStuck(ctx context.Context) (SweepReport, error) {
	cutoff := s.store.Now().Add(-s.settings.StaleThreshold)
	tasks, err := s.store.ListStaleTasks(ctx, cutoff)
	if err != nil {
		return SweepReport{}, fmt.Errorf("stuck sweep: %w", err)
	}
	report := SweepReport{Scanned: len(tasks)}
	for _, candidate := range tasks {
		tctx := shared.WithTaskID(ctx, candidate.ID)
		var action string
		err := s.store.Atomic(tctx, func(tx *persistence.Tx) error {
			action = ""
			task, err := tx.GetTask(tctx, candidate.ID)
			if err != nil {
				return err
			}
			if (task.CrownStatus != StatusPending && task.CrownStatus != StatusInProgress) || !task.UpdatedAt.Before(cutoff) {
				return nil
			}
			ev, err := tx.GetEvaluation(tctx, task.ID)
			if err != nil {
				return err
			}
			if ev != nil {
				action = "succeeded"
				err = transition(tctx, tx, task, TriggerRepairSucceeded, persistence.TaskPatch{
					IsCompleted:       persistence.Ptr(true),
					CrownError:        persistence.Ptr(""),
					CrownIsRefreshing: persistence.Ptr(false),
					CrownAttemptID:    persistence.Ptr(""),
					SelectedRunID:     persistence.Ptr(ev.WinnerRunID),
				})
			} else if task.CrownIsRefreshing {
				// Crowned by hand, so there is no evaluation to check. The
				// crowned run is untouched until a refresh succeeds.
				action = "restored"
				err = transition(tctx, tx, task, TriggerRestore, persistence.TaskPatch{
					CrownIsRefreshing: persistence.Ptr(false),
					CrownAttemptID:    persistence.Ptr(""),
				})
			} else {
				action = "failed"
				minutes := int(tx.Now().Sub(task.UpdatedAt).Minutes())
				err = transition(tctx, tx, task, TriggerRepairFailed, persistence.TaskPatch{
					IsCompleted:       persistence.Ptr(true),
					CrownError:        persistence.Ptr(fmt.Sprintf("Crown evaluation timed out after %d minutes", minutes)),
					CrownIsRefreshing: persistence.Ptr(false),
					CrownAttemptID:    persistence.Ptr(""),
				})
			}
			if err != nil {
				return err
			}
			tx.Publish(bus.TopicCrownSweepRepaired, bus.SweepRepaired{Sweep: "stuck", TaskID: task.ID, Action: action})
			return nil
		})
		if err != nil {
			return report, fmt.Errorf("stuck sweep task %s: %w", candidate.ID, err)
		}
		switch action {
		case "succeeded", "restored":
			report.Succeeded++
		case "failed":
			report.Failed++
		}
		if action != "" {
			s.log(tctx).Warn("repaired stuck crown evaluation", "action", action)
		}
	}
	s.metrics.CountRepairs(ctx, "stuck", report.Repaired())
	return report, nil
}

// SweepMissingEvaluations finds completed tasks that never got an
// evaluation. A task with one completed run is crowned directly; a task
// with several gets a fresh attempt, counted as a retry.
func (s *Service) SweepMissingEvaluations(ctx context.Context) (SweepReport, error) {
	cutoff := s.store.Now().Add(-s.settings.MissingEvaluationAge)
	tasks, err := s.store.ListMissingEvaluationTasks(ctx, cutoff, s.settings.MissingEvaluationMaxRetries)
	if err != nil {
		return SweepReport{}, fmt.Errorf("missing evaluation sweep: %w", err)
	}
	report := SweepReport{Scanned: len(tasks)}
	for _, candidate := range tasks {
		tctx := shared.WithTaskID(ctx, candidate.ID)
		runs, err := s.store.ListRuns(tctx, candidate.ID)
		if err != nil {
			return report, fmt.Errorf("missing evaluation sweep: %w", err)
		}
		completed := completedRuns(runs)
		if len(completed) == 0 || !hasDiffMetadata(completed) {
			continue
		}

		var action string
		err = s.store.Atomic(tctx, func(tx *persistence.Tx) error {
			action = ""
			task, err := tx.GetTask(tctx, candidate.ID)
			if err != nil {
				return err
			}
			if task.CrownStatus != StatusNone && task.CrownStatus != StatusError {
				return nil
			}
			if task.CrownUnrecoverable || task.CrownNeedsConfig || task.CrownRetryCount >= s.settings.MissingEvaluationMaxRetries {
				return nil
			}
			ev, err := tx.GetEvaluation(tctx, task.ID)
			if err != nil || ev != nil {
				return err
			}

			if len(completed) == 1 {
				action = "crowned"
				o := Outcome{TaskID: task.ID}.single(completed[0], recoveryWinnerReason)
				if err := crownWinner(tctx, tx, task, o); err != nil {
					return err
				}
				if err := transition(tctx, tx, task, TriggerRepairSucceeded, successPatch(o.WinnerRunID)); err != nil {
					return err
				}
			} else {
				action = "scheduled"
				attemptID := shared.NewAttemptID()
				if err := transition(tctx, tx, task, TriggerRequest, persistence.TaskPatch{
					CrownError:       persistence.Ptr(""),
					CrownRetryCount:  persistence.Ptr(task.CrownRetryCount + 1),
					CrownLastRetryAt: persistence.Ptr(tx.Now()),
					CrownAttemptID:   persistence.Ptr(attemptID),
				}); err != nil {
					return err
				}
				if err := enqueueEvaluate(tctx, tx, EvaluateJob{TaskID: task.ID, Mode: ModeFresh, AttemptID: attemptID}); err != nil {
					return err
				}
			}
			tx.Publish(bus.TopicCrownSweepRepaired, bus.SweepRepaired{Sweep: "missing", TaskID: task.ID, Action: action})
			return nil
		})
		if err != nil {
			return report, fmt.Errorf("missing evaluation sweep task %s: %w", candidate.ID, err)
		}
		switch action {
		case "crowned":
			report.Succeeded++
		case "scheduled":
			report.Scheduled++
		}
		if action != "" {
			s.log(tctx).Info("recovered missing crown evaluation", "action", action, "runs", len(completed))
		}
	}
	s.metrics.CountRepairs(ctx, "missing", report.Repaired())
	return report, nil
}

// hasDiffMetadata reports whether any run can be diffed from a sandbox or
// a pushed branch.
func hasDiffMetadata(runs []persistence.Run) bool {
	for _, r := range runs {
		if r.SandboxID != "" || (r.Repo != "" && r.HasBranch()) {
			return true
		}
	}
	return false
}
