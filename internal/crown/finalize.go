package crown

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/basket/crownd/internal/audit"
	"github.com/basket/crownd/internal/bus"
	"github.com/basket/crownd/internal/engine"
	"github.com/basket/crownd/internal/persistence"
	"github.com/basket/crownd/internal/shared"
)

const (
	singleWinnerReason    = "Only one model completed the task"
	recoveryWinnerReason  = "Only one model completed the task (recovery)"
	defaultOverrideReason = "Manually selected"
)

// ErrPrincipalRequired rejects an override without an identified operator.
var ErrPrincipalRequired = errors.New("crown: manual override requires a principal")

// Outcome is the result of one attempt, handed to Finalize.
type Outcome struct {
	TaskID    string
	AttemptID string
	Refresh   bool
	Success   bool

	WinnerRunID        string
	CandidateRunIDs    []string
	Reason             string
	Summary            string
	PRTitle            string // ignored; the title is always derived
	EvaluationPrompt   string
	EvaluationResponse string
	HadEmptyDiffs      bool
	AutoRefreshCount   int
	IsFallback         bool
	Note               string

	Message   string
	RetryData string
	// NeedsConfig marks a failure that no automatic retry can fix.
	NeedsConfig bool
}

func (o Outcome) failure(msg, retryData string) Outcome {
	o.Success = false
	o.Message = msg
	o.RetryData = retryData
	return o
}

// because records whether err is a configuration error.
func (o Outcome) because(err error) Outcome {
	o.NeedsConfig = errors.Is(err, engine.ErrNoCredentials)
	return o
}

func (o Outcome) single(run persistence.Run, reason string) Outcome {
	o.Success = true
	o.WinnerRunID = run.ID
	o.CandidateRunIDs = []string{run.ID}
	o.Reason = reason
	o.Note = "single candidate; no model call"
	return o
}

// Finalize is the only path to a terminal status for an attempt. It applies
// the outcome only while the task is still in_progress under the same
// attempt id and reports whether it did. The winner's PR title is always
// derived from the first non-blank line of the task prompt; see
// DerivePRTitle.
func (s *Service) Finalize(ctx context.Context, o Outcome) (bool, error) {
	ctx = shared.WithTaskID(ctx, o.TaskID)
	var applied bool
	err := s.store.Atomic(ctx, func(tx *persistence.Tx) error {
		applied = false
		task, err := tx.GetTask(ctx, o.TaskID)
		if err != nil {
			return err
		}
		if task.CrownStatus != StatusInProgress || task.CrownAttemptID != o.AttemptID {
			return nil
		}
		if o.Success {
			err = s.finalizeSuccess(ctx, tx, task, o)
		} else {
			err = s.finalizeFailure(ctx, tx, task, o)
		}
		if err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("finalize: %w", err)
	}
	if !applied {
		s.log(ctx).Warn("discarding result of a stale attempt", "attempt_id", o.AttemptID)
	}
	return applied, nil
}

func (s *Service) finalizeSuccess(ctx context.Context, tx *persistence.Tx, task *persistence.Task, o Outcome) error {
	if o.Refresh {
		// The new winner and summary exist, so the old result can go.
		if _, err := tx.DeleteEvaluation(ctx, task.ID); err != nil {
			return err
		}
		if err := tx.UncrownAll(ctx, task.ID); err != nil {
			return err
		}
	}
	if err := crownWinner(ctx, tx, task, o); err != nil {
		return err
	}
	if err := transition(ctx, tx, task, TriggerSucceed, successPatch(o.WinnerRunID)); err != nil {
		return err
	}
	tx.Publish(bus.TopicCrownEvaluated, bus.CrownEvaluated{
		TaskID:       task.ID,
		WinnerRunID:  o.WinnerRunID,
		Candidates:   len(o.CandidateRunIDs),
		IsRefresh:    o.Refresh,
		HadEmptyDiff: o.HadEmptyDiffs,
	})
	return nil
}

// crownWinner inserts the evaluation and crowns its winner, uncrowning
// every sibling.
func crownWinner(ctx context.Context, tx *persistence.Tx, task *persistence.Task, o Outcome) error {
	winner, err := tx.GetRun(ctx, o.WinnerRunID)
	if err != nil {
		return err
	}
	if winner.TaskID != task.ID {
		return fmt.Errorf("winner %s is not a run of task %s: %w", winner.ID, task.ID, persistence.ErrRunNotFound)
	}
	if _, err := tx.InsertEvaluation(ctx, persistence.Evaluation{
		TaskID:             task.ID,
		WinnerRunID:        winner.ID,
		CandidateRunIDs:    o.CandidateRunIDs,
		EvaluationPrompt:   o.EvaluationPrompt,
		EvaluationResponse: o.EvaluationResponse,
		HadEmptyDiffs:      o.HadEmptyDiffs,
		AutoRefreshCount:   o.AutoRefreshCount,
		IsFallback:         o.IsFallback,
		Note:               o.Note,
	}); err != nil {
		return err
	}
	n := len(o.CandidateRunIDs)
	return tx.CrownRun(ctx, task.ID, winner.ID, persistence.RunPatch{
		CrownReason:   persistence.Ptr(o.Reason),
		Summary:       persistence.Ptr(o.Summary),
		PRTitle:       persistence.Ptr(DerivePRTitle(task.Prompt, n)),
		PRDescription: persistence.Ptr(BuildPRDescription(*winner, o.Summary, o.Reason, n)),
	})
}

func successPatch(winnerRunID string) persistence.TaskPatch {
	return persistence.TaskPatch{
		IsCompleted:       persistence.Ptr(true),
		CrownError:        persistence.Ptr(""),
		CrownRetryData:    persistence.Ptr(""),
		CrownIsRefreshing: persistence.Ptr(false),
		CrownAttemptID:    persistence.Ptr(""),
		CrownNeedsConfig:  persistence.Ptr(false),
		SelectedRunID:     persistence.Ptr(winnerRunID),
	}
}

func (s *Service) finalizeFailure(ctx context.Context, tx *persistence.Tx, task *persistence.Task, o Outcome) error {
	if o.Refresh {
		// A failed refresh leaves the previous result exactly as it was.
		return transition(ctx, tx, task, TriggerRestore, persistence.TaskPatch{
			CrownIsRefreshing: persistence.Ptr(false),
			CrownAttemptID:    persistence.Ptr(""),
		})
	}
	msg := strings.TrimSpace(o.Message)
	if msg == "" {
		msg = "Crown evaluation failed"
	}
	return transition(ctx, tx, task, TriggerFail, persistence.TaskPatch{
		IsCompleted:    persistence.Ptr(true),
		CrownError:     persistence.Ptr(msg),
		CrownRetryData:   persistence.Ptr(chooseRetryData(task.CrownRetryData, o.RetryData)),
		CrownAttemptID:   persistence.Ptr(""),
		CrownNeedsConfig: persistence.Ptr(o.NeedsConfig),
	})
}

// chooseRetryData keeps the stored blob when the new one would replace a
// decodable blob with an undecodable one.
func chooseRetryData(current, next string) string {
	if next == "" {
		return current
	}
	if !decodable(next) && decodable(current) {
		return current
	}
	return next
}

// ManualOverride crowns runID by hand. The previous evaluation, if any, is
// replaced so its winner matches the crowned run, and the run's PR
// association is cleared so a fresh PR is opened.
func (s *Service) ManualOverride(ctx context.Context, principal, runID, reason string) (string, error) {
	principal = strings.TrimSpace(principal)
	if principal == "" {
		audit.Record(ctx, audit.DecisionDeny, "crown.override", "", runID, ErrPrincipalRequired.Error())
		return "", ErrPrincipalRequired
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = defaultOverrideReason
	}

	var taskID string
	err := s.store.Atomic(ctx, func(tx *persistence.Tx) error {
		run, err := tx.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		taskID = run.TaskID
		task, err := tx.GetTask(ctx, run.TaskID)
		if err != nil {
			return err
		}
		if inFlight(task) {
			return ErrEvaluationInFlight
		}
		if _, err := Next(task.CrownStatus, TriggerOverride); err != nil {
			return err
		}

		candidates := []string{run.ID}
		ev, err := tx.GetEvaluation(ctx, task.ID)
		if err != nil {
			return err
		}
		if ev != nil {
			candidates = ev.CandidateRunIDs
			if _, err := tx.DeleteEvaluation(ctx, task.ID); err != nil {
				return err
			}
			replacement := *ev
			replacement.ID = ""
			replacement.CreatedAt = tx.Now()
			replacement.WinnerRunID = run.ID
			replacement.IsFallback = false
			replacement.Note = fmt.Sprintf("manual override by %s: %s", principal, reason)
			if !slices.Contains(replacement.CandidateRunIDs, run.ID) {
				replacement.CandidateRunIDs = append(append([]string{}, ev.CandidateRunIDs...), run.ID)
				candidates = replacement.CandidateRunIDs
			}
			if _, err := tx.InsertEvaluation(ctx, replacement); err != nil {
				return err
			}
		}

		if err := tx.CrownRun(ctx, task.ID, run.ID, persistence.RunPatch{
			CrownReason:      persistence.Ptr(reason),
			PRTitle:          persistence.Ptr(DerivePRTitle(task.Prompt, len(candidates))),
			PRDescription:    persistence.Ptr(BuildPRDescription(*run, run.Summary, reason, len(candidates))),
			PullRequestURL:   persistence.Ptr(""),
			PullRequestState: persistence.Ptr(""),
		}); err != nil {
			return err
		}
		if err := transition(ctx, tx, task, TriggerOverride, persistence.TaskPatch{
			CrownError:        persistence.Ptr(""),
			CrownIsRefreshing: persistence.Ptr(false),
			CrownAttemptID:    persistence.Ptr(""),
			CrownNeedsConfig:  persistence.Ptr(false),
			SelectedRunID:     persistence.Ptr(run.ID),
		}); err != nil {
			return err
		}
		tx.Publish(bus.TopicCrownOverridden, bus.CrownOverridden{TaskID: task.ID, RunID: run.ID, Principal: principal})
		return nil
	})
	if err != nil {
		audit.Record(ctx, audit.DecisionDeny, "crown.override", principal, runID, err.Error())
		return "", fmt.Errorf("manual override: %w", err)
	}
	audit.Record(ctx, audit.DecisionAllow, "crown.override", principal, runID, reason)
	s.log(shared.WithRunID(shared.WithTaskID(ctx, taskID), runID)).Info("run crowned manually", "principal", principal)
	return runID, nil
}
