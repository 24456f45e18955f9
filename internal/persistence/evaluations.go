package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrEvaluationExists is returned when a second evaluation is inserted for a task.
var ErrEvaluationExists = errors.New("evaluation already exists for task")

const evaluationColumns = `id, task_id, winner_run_id, candidate_run_ids, evaluation_prompt,
	evaluation_response, had_empty_diffs, auto_refresh_count, is_fallback, evaluation_note, created_at`

func scanEvaluation(scanFn func(dest ...any) error, ev *Evaluation) error {
	var (
		candidates string
		hadEmpty   int
		fallback   int
		createdAt  string
	)
	if err := scanFn(
		&ev.ID,
		&ev.TaskID,
		&ev.WinnerRunID,
		&candidates,
		&ev.EvaluationPrompt,
		&ev.EvaluationResponse,
		&hadEmpty,
		&ev.AutoRefreshCount,
		&fallback,
		&ev.Note,
		&createdAt,
	); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(candidates), &ev.CandidateRunIDs); err != nil {
		return fmt.Errorf("decode candidate_run_ids: %w", err)
	}
	ev.HadEmptyDiffs = hadEmpty == 1
	ev.IsFallback = fallback == 1
	ev.CreatedAt = parseTime(createdAt)
	return nil
}

func getEvaluation(ctx context.Context, q queryer, taskID string) (*Evaluation, error) {
	var ev Evaluation
	row := q.QueryRowContext(ctx, `SELECT `+evaluationColumns+` FROM crown_evaluations WHERE task_id = ?;`, taskID)
	if err := scanEvaluation(row.Scan, &ev); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get evaluation: %w", err)
	}
	return &ev, nil
}

// GetEvaluation returns the live evaluation of taskID, or nil when none exists.
func (s *Store) GetEvaluation(ctx context.Context, taskID string) (*Evaluation, error) {
	return getEvaluation(ctx, s.db, taskID)
}

// ListAutoRefreshCandidates returns evaluations that saw empty diffs, were
// created at or after since, are below the refresh cap, and whose task is
// succeeded and not already refreshing. Oldest first.
func (s *Store) ListAutoRefreshCandidates(ctx context.Context, since time.Time, maxCount int) ([]Evaluation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.task_id, e.winner_run_id, e.candidate_run_ids, e.evaluation_prompt,
			e.evaluation_response, e.had_empty_diffs, e.auto_refresh_count, e.is_fallback,
			e.evaluation_note, e.created_at
		FROM crown_evaluations e
		JOIN tasks t ON t.id = e.task_id
		WHERE e.had_empty_diffs = 1
		  AND e.created_at >= ?
		  AND e.auto_refresh_count < ?
		  AND t.crown_status = ?
		  AND t.crown_is_refreshing = 0
		ORDER BY e.created_at ASC, e.id ASC;
	`, formatTime(since), maxCount, CrownSucceeded)
	if err != nil {
		return nil, fmt.Errorf("list auto refresh candidates: %w", err)
	}
	defer rows.Close()
	var out []Evaluation
	for rows.Next() {
		var ev Evaluation
		if err := scanEvaluation(rows.Scan, &ev); err != nil {
			return nil, fmt.Errorf("scan evaluation: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate evaluations: %w", err)
	}
	return out, nil
}

func (t *Tx) GetEvaluation(ctx context.Context, taskID string) (*Evaluation, error) {
	return getEvaluation(ctx, t.tx, taskID)
}

// InsertEvaluation stores ev and returns its id. It fails with
// ErrEvaluationExists if the task already has one.
func (t *Tx) InsertEvaluation(ctx context.Context, ev Evaluation) (string, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = t.Now()
	}
	if ev.CandidateRunIDs == nil {
		ev.CandidateRunIDs = []string{}
	}
	candidates, err := json.Marshal(ev.CandidateRunIDs)
	if err != nil {
		return "", fmt.Errorf("encode candidate_run_ids: %w", err)
	}
	existing, err := t.GetEvaluation(ctx, ev.TaskID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return "", ErrEvaluationExists
	}
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO crown_evaluations (`+evaluationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, ev.ID, ev.TaskID, ev.WinnerRunID, string(candidates), ev.EvaluationPrompt,
		ev.EvaluationResponse, boolToInt(ev.HadEmptyDiffs), ev.AutoRefreshCount,
		boolToInt(ev.IsFallback), ev.Note, formatTime(ev.CreatedAt)); err != nil {
		return "", fmt.Errorf("insert evaluation: %w", err)
	}
	return ev.ID, nil
}

// DeleteEvaluation removes the evaluation of taskID, reporting whether one existed.
func (t *Tx) DeleteEvaluation(ctx context.Context, taskID string) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM crown_evaluations WHERE task_id = ?;`, taskID)
	if err != nil {
		return false, fmt.Errorf("delete evaluation: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}
