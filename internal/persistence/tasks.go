package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/crownd/internal/bus"
	"github.com/basket/crownd/internal/shared"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const taskColumns = `id, prompt, is_completed, crown_status, crown_error, crown_retry_data,
	crown_retry_count, crown_last_retry_at, crown_is_refreshing, crown_attempt_id,
	crown_unrecoverable, crown_needs_config, selected_run_id, created_at, updated_at`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var (
		lastRetry            sql.NullString
		completed            int
		refreshing           int
		unrecoverable        int
		needsConfig          int
		createdAt, updatedAt string
	)
	if err := scanFn(
		&task.ID,
		&task.Prompt,
		&completed,
		&task.CrownStatus,
		&task.CrownError,
		&task.CrownRetryData,
		&task.CrownRetryCount,
		&lastRetry,
		&refreshing,
		&task.CrownAttemptID,
		&unrecoverable,
		&needsConfig,
		&task.SelectedRunID,
		&createdAt,
		&updatedAt,
	); err != nil {
		return err
	}
	task.IsCompleted = completed == 1
	task.CrownIsRefreshing = refreshing == 1
	task.CrownUnrecoverable = unrecoverable == 1
	task.CrownNeedsConfig = needsConfig == 1
	task.CrownLastRetryAt = parseNullTime(lastRetry)
	task.CreatedAt = parseTime(createdAt)
	task.UpdatedAt = parseTime(updatedAt)
	return nil
}

const runColumns = `id, task_id, agent_name, model_name, status, sandbox_id, repo, base_ref,
	new_branch, is_crowned, crown_reason, summary, pr_title, pr_description,
	pull_request_url, pull_request_state, created_at, updated_at`

func scanRun(scanFn func(dest ...any) error, run *Run) error {
	var (
		branch               sql.NullString
		crowned              int
		createdAt, updatedAt string
	)
	if err := scanFn(
		&run.ID,
		&run.TaskID,
		&run.AgentName,
		&run.ModelName,
		&run.Status,
		&run.SandboxID,
		&run.Repo,
		&run.BaseRef,
		&branch,
		&crowned,
		&run.CrownReason,
		&run.Summary,
		&run.PRTitle,
		&run.PRDescription,
		&run.PullRequestURL,
		&run.PullRequestState,
		&createdAt,
		&updatedAt,
	); err != nil {
		return err
	}
	if branch.Valid {
		b := branch.String
		run.NewBranch = &b
	}
	run.IsCrowned = crowned == 1
	run.CreatedAt = parseTime(createdAt)
	run.UpdatedAt = parseTime(updatedAt)
	return nil
}

func getTask(ctx context.Context, q queryer, taskID string) (*Task, error) {
	var task Task
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID)
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

func listRuns(ctx context.Context, q queryer, taskID string) ([]Run, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM task_runs
		WHERE task_id = ?
		ORDER BY created_at ASC, id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var r Run
		if err := scanRun(rows.Scan, &r); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

func listTasks(ctx context.Context, q queryer, where string, args ...any) ([]Task, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE `+where+` ORDER BY updated_at ASC, id ASC;`, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

// CreateTask inserts a task with crown status none and returns its id.
func (s *Store) CreateTask(ctx context.Context, prompt string) (string, error) {
	id := uuid.NewString()
	now := formatTime(s.now())
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, prompt, created_at, updated_at)
			VALUES (?, ?, ?, ?);
		`, id, prompt, now, now)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	return id, nil
}

// NewRun is the input for AddRun.
type NewRun struct {
	AgentName string
	ModelName string
	Status    RunStatus
	SandboxID string
	Repo      string
	BaseRef   string
	NewBranch *string
}

// AddRun registers an agent attempt under taskID.
func (s *Store) AddRun(ctx context.Context, taskID string, in NewRun) (string, error) {
	if in.Status == "" {
		in.Status = RunPending
	}
	id := uuid.NewString()
	now := formatTime(s.now())
	var branch sql.NullString
	if in.NewBranch != nil {
		branch = sql.NullString{String: *in.NewBranch, Valid: true}
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO task_runs (id, task_id, agent_name, model_name, status, sandbox_id, repo, base_ref, new_branch, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, id, taskID, in.AgentName, in.ModelName, in.Status, in.SandboxID, in.Repo, in.BaseRef, branch, now, now)
		return err
	})
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return "", ErrTaskNotFound
		}
		return "", fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

// UpdateRun patches a run outside any crown transaction, as the
// orchestration pipeline does when an agent finishes.
func (s *Store) UpdateRun(ctx context.Context, runID string, patch RunPatch) error {
	return s.Atomic(ctx, func(tx *Tx) error {
		return tx.PatchRun(ctx, runID, patch)
	})
}

// MarkTaskCompleted sets the outer pipeline's completion flag.
func (s *Store) MarkTaskCompleted(ctx context.Context, taskID string) error {
	return s.Atomic(ctx, func(tx *Tx) error {
		return tx.PatchTask(ctx, taskID, TaskPatch{IsCompleted: Ptr(true)})
	})
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	return getTask(ctx, s.db, taskID)
}

func (s *Store) ListRuns(ctx context.Context, taskID string) ([]Run, error) {
	return listRuns(ctx, s.db, taskID)
}

// ListStaleTasks returns tasks whose evaluation is pending or in progress and
// whose row has not changed since cutoff.
func (s *Store) ListStaleTasks(ctx context.Context, cutoff time.Time) ([]Task, error) {
	return listTasks(ctx, s.db, `crown_status IN (?, ?) AND updated_at < ?`,
		CrownPending, CrownInProgress, formatTime(cutoff))
}

// ListMissingEvaluationTasks returns completed tasks that never got (or lost)
// an evaluation: status none or error, no evaluation row, untouched since
// cutoff, recoverable, not waiting on configuration, and with fewer than
// maxRetries recorded retries.
func (s *Store) ListMissingEvaluationTasks(ctx context.Context, cutoff time.Time, maxRetries int) ([]Task, error) {
	return listTasks(ctx, s.db, `
		is_completed = 1
		AND crown_status IN (?, ?)
		AND crown_unrecoverable = 0
		AND crown_needs_config = 0
		AND crown_retry_count < ?
		AND updated_at < ?
		AND NOT EXISTS (SELECT 1 FROM crown_evaluations e WHERE e.task_id = tasks.id)`,
		CrownNone, CrownError, maxRetries, formatTime(cutoff))
}

// ListTasksByStatus returns tasks in any of the given statuses.
func (s *Store) ListTasksByStatus(ctx context.Context, statuses ...CrownStatus) ([]Task, error) {
	if len(statuses) == 0 {
		return listTasks(ctx, s.db, `1 = 1`)
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}
	return listTasks(ctx, s.db, `crown_status IN (`+marks+`)`, args...)
}

// ListCrownEvents returns the transition history of a task in order.
func (s *Store) ListCrownEvents(ctx context.Context, taskID string) ([]CrownEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, trace_id, trigger_name, state_from, state_to, payload_json, created_at
		FROM crown_events
		WHERE task_id = ?
		ORDER BY event_id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list crown events: %w", err)
	}
	defer rows.Close()
	var out []CrownEvent
	for rows.Next() {
		var (
			ev        CrownEvent
			createdAt string
		)
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.TraceID, &ev.Trigger, &ev.StateFrom, &ev.StateTo, &ev.Payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan crown event: %w", err)
		}
		ev.CreatedAt = parseTime(createdAt)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate crown events: %w", err)
	}
	return out, nil
}

func (t *Tx) GetTask(ctx context.Context, taskID string) (*Task, error) {
	return getTask(ctx, t.tx, taskID)
}

func (t *Tx) ListRuns(ctx context.Context, taskID string) ([]Run, error) {
	return listRuns(ctx, t.tx, taskID)
}

func (t *Tx) GetRun(ctx context.Context, runID string) (*Run, error) {
	var run Run
	row := t.tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM task_runs WHERE id = ?;`, runID)
	if err := scanRun(row.Scan, &run); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &run, nil
}

func (t *Tx) appendCrownEvent(ctx context.Context, taskID string, from, to CrownStatus, trigger string, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO crown_events (task_id, trace_id, trigger_name, state_from, state_to, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`, taskID, shared.TraceID(ctx), trigger, string(from), string(to), payload, formatTime(t.Now()))
	if err != nil {
		return fmt.Errorf("insert crown_event: %w", err)
	}
	return nil
}

// Transition moves taskID from `from` to `to` and applies patch, but only if
// the row is still in `from`. It returns false without error when the task
// has moved on. Callers decide legality; the store only guards staleness.
func (t *Tx) Transition(ctx context.Context, taskID string, from, to CrownStatus, trigger string, patch TaskPatch) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE tasks
		SET crown_status = ?, updated_at = ?
		WHERE id = ? AND crown_status = ?;
	`, to, formatTime(t.Now()), taskID, from)
	if err != nil {
		return false, fmt.Errorf("update task transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return false, nil
	}
	if err := t.PatchTask(ctx, taskID, patch); err != nil {
		return false, err
	}
	payload, _ := json.Marshal(map[string]any{"attempt_id": derefString(patch.CrownAttemptID)})
	if err := t.appendCrownEvent(ctx, taskID, from, to, trigger, string(payload)); err != nil {
		return false, err
	}
	t.Publish(bus.TopicCrownStatusChanged, bus.CrownStatusChanged{
		TaskID:    taskID,
		OldStatus: string(from),
		NewStatus: string(to),
		Trigger:   trigger,
		AttemptID: derefString(patch.CrownAttemptID),
	})
	return true, nil
}

func derefString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// PatchTask overwrites the non-nil fields of patch and bumps updated_at.
func (t *Tx) PatchTask(ctx context.Context, taskID string, patch TaskPatch) error {
	sets := []string{"updated_at = ?"}
	args := []any{formatTime(t.Now())}
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if patch.IsCompleted != nil {
		add("is_completed", boolToInt(*patch.IsCompleted))
	}
	if patch.CrownError != nil {
		add("crown_error", shared.Redact(*patch.CrownError))
	}
	if patch.CrownRetryData != nil {
		add("crown_retry_data", *patch.CrownRetryData)
	}
	if patch.CrownRetryCount != nil {
		// retry_count never decreases.
		sets = append(sets, "crown_retry_count = MAX(crown_retry_count, ?)")
		args = append(args, *patch.CrownRetryCount)
	}
	if patch.CrownLastRetryAt != nil {
		add("crown_last_retry_at", formatTime(*patch.CrownLastRetryAt))
	}
	if patch.CrownIsRefreshing != nil {
		add("crown_is_refreshing", boolToInt(*patch.CrownIsRefreshing))
	}
	if patch.CrownAttemptID != nil {
		add("crown_attempt_id", *patch.CrownAttemptID)
	}
	if patch.CrownUnrecoverable != nil {
		add("crown_unrecoverable", boolToInt(*patch.CrownUnrecoverable))
	}
	if patch.CrownNeedsConfig != nil {
		add("crown_needs_config", boolToInt(*patch.CrownNeedsConfig))
	}
	if patch.SelectedRunID != nil {
		add("selected_run_id", *patch.SelectedRunID)
	}
	args = append(args, taskID)
	res, err := t.tx.ExecContext(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?;`, args...)
	if err != nil {
		return fmt.Errorf("patch task: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrTaskNotFound
	}
	return nil
}

// PatchRun overwrites the non-nil fields of patch.
func (t *Tx) PatchRun(ctx context.Context, runID string, patch RunPatch) error {
	sets := []string{"updated_at = ?"}
	args := []any{formatTime(t.Now())}
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.SandboxID != nil {
		add("sandbox_id", *patch.SandboxID)
	}
	if patch.NewBranch != nil {
		add("new_branch", *patch.NewBranch)
	}
	if patch.IsCrowned != nil {
		add("is_crowned", boolToInt(*patch.IsCrowned))
	}
	if patch.CrownReason != nil {
		add("crown_reason", *patch.CrownReason)
	}
	if patch.Summary != nil {
		add("summary", *patch.Summary)
	}
	if patch.PRTitle != nil {
		add("pr_title", *patch.PRTitle)
	}
	if patch.PRDescription != nil {
		add("pr_description", *patch.PRDescription)
	}
	if patch.PullRequestURL != nil {
		add("pull_request_url", *patch.PullRequestURL)
	}
	if patch.PullRequestState != nil {
		add("pull_request_state", *patch.PullRequestState)
	}
	args = append(args, runID)
	res, err := t.tx.ExecContext(ctx, `UPDATE task_runs SET `+strings.Join(sets, ", ")+` WHERE id = ?;`, args...)
	if err != nil {
		return fmt.Errorf("patch run: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrRunNotFound
	}
	return nil
}

// UncrownAll clears is_crowned on every run of taskID.
func (t *Tx) UncrownAll(ctx context.Context, taskID string) error {
	if _, err := t.tx.ExecContext(ctx, `
		UPDATE task_runs SET is_crowned = 0, updated_at = ?
		WHERE task_id = ? AND is_crowned = 1;
	`, formatTime(t.Now()), taskID); err != nil {
		return fmt.Errorf("uncrown runs: %w", err)
	}
	return nil
}

// CrownRun makes runID the only crowned run of taskID and applies patch to it.
func (t *Tx) CrownRun(ctx context.Context, taskID, runID string, patch RunPatch) error {
	run, err := t.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.TaskID != taskID {
		return fmt.Errorf("run %s belongs to task %s, not %s: %w", runID, run.TaskID, taskID, ErrRunNotFound)
	}
	// Siblings first so the one-crown index never sees two.
	if _, err := t.tx.ExecContext(ctx, `
		UPDATE task_runs SET is_crowned = 0, updated_at = ?
		WHERE task_id = ? AND id <> ? AND is_crowned = 1;
	`, formatTime(t.Now()), taskID, runID); err != nil {
		return fmt.Errorf("uncrown siblings: %w", err)
	}
	patch.IsCrowned = Ptr(true)
	return t.PatchRun(ctx, runID, patch)
}
