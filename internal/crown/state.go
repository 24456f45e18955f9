// Package crown judges the candidate runs of a task, crowns exactly one
// winner and keeps the per-task evaluation status consistent across worker
// crashes, retries and refreshes.
package crown

import (
	"context"
	"errors"
	"fmt"

	"github.com/basket/crownd/internal/persistence"
)

// Status is the per-task crown status.
type Status = persistence.CrownStatus

const (
	StatusNone       = persistence.CrownNone
	StatusPending    = persistence.CrownPending
	StatusInProgress = persistence.CrownInProgress
	StatusSucceeded  = persistence.CrownSucceeded
	StatusError      = persistence.CrownError
)

// Trigger names the event that moves a task between statuses. It is stored
// on every crown_events row.
type Trigger string

const (
	TriggerRequest         Trigger = "request"
	TriggerClaim           Trigger = "claim"
	TriggerSucceed         Trigger = "succeed"
	TriggerFail            Trigger = "fail"
	TriggerRefresh         Trigger = "refresh"
	TriggerRestore         Trigger = "restore"
	TriggerRepairSucceeded Trigger = "repair-succeeded"
	TriggerRepairFailed    Trigger = "repair-failed"
	TriggerOverride        Trigger = "override"
)

var transitions = map[Trigger]map[Status]Status{
	TriggerRequest: {
		StatusNone:  StatusPending,
		StatusError: StatusPending,
	},
	TriggerClaim: {
		StatusPending: StatusInProgress,
	},
	TriggerSucceed: {
		StatusInProgress: StatusSucceeded,
	},
	TriggerFail: {
		StatusInProgress: StatusError,
	},
	// succeeded -> in_progress is only reachable through a refresh, and a
	// failed refresh goes back with restore.
	TriggerRefresh: {
		StatusSucceeded: StatusInProgress,
	},
	TriggerRestore: {
		StatusInProgress: StatusSucceeded,
	},
	TriggerRepairSucceeded: {
		StatusPending:    StatusSucceeded,
		StatusInProgress: StatusSucceeded,
		StatusNone:       StatusSucceeded,
		StatusError:      StatusSucceeded,
	},
	TriggerRepairFailed: {
		StatusPending:    StatusError,
		StatusInProgress: StatusError,
	},
	TriggerOverride: {
		StatusNone:      StatusSucceeded,
		StatusError:     StatusSucceeded,
		StatusSucceeded: StatusSucceeded,
	},
}

// TransitionError reports a trigger that is not legal from the current status.
type TransitionError struct {
	From    Status
	Trigger Trigger
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("crown: %s is not allowed from status %s", e.Trigger, e.From)
}

// ErrStaleState means the task row changed between the read and the write
// of a transition.
var ErrStaleState = errors.New("crown: task status changed concurrently")

// Next returns the status trig leads to from from.
func Next(from Status, trig Trigger) (Status, error) {
	if to, ok := transitions[trig][from]; ok {
		return to, nil
	}
	return from, &TransitionError{From: from, Trigger: trig}
}

// transition applies trig to task inside tx and updates task in place.
func transition(ctx context.Context, tx *persistence.Tx, task *persistence.Task, trig Trigger, patch persistence.TaskPatch) error {
	to, err := Next(task.CrownStatus, trig)
	if err != nil {
		return err
	}
	ok, err := tx.Transition(ctx, task.ID, task.CrownStatus, to, string(trig), patch)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("task %s left %s: %w", task.ID, task.CrownStatus, ErrStaleState)
	}
	task.CrownStatus = to
	return nil
}

func inFlight(task *persistence.Task) bool {
	return task.CrownStatus == StatusPending || task.CrownStatus == StatusInProgress || task.CrownIsRefreshing
}
