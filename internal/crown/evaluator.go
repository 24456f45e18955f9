package crown

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/crownd/internal/diffsource"
	"github.com/basket/crownd/internal/engine"
	"github.com/basket/crownd/internal/shared"
)

const (
	defaultModelAttempts = 3
	modelBackoffBase     = time.Second
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// withModelRetries runs call up to attempts times, sleeping 1s, 2s, 4s...
// between tries. Missing credentials and context cancellation stop at once.
func withModelRetries(ctx context.Context, attempts int, sleep Sleeper, logger *slog.Logger, purpose string, call func() error) error {
	if attempts <= 0 {
		attempts = defaultModelAttempts
	}
	if sleep == nil {
		sleep = sleepContext
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		err := call()
		if err == nil {
			return nil
		}
		if errors.Is(err, engine.ErrNoCredentials) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		lastErr = err
		logger.Warn("model attempt failed", "purpose", purpose, "attempt", attempt+1, "of", attempts, "error", err)
		if attempt == attempts-1 {
			break
		}
		if err := sleep(ctx, modelBackoffBase<<attempt); err != nil {
			return err
		}
	}
	return &exhaustedError{attempts: attempts, err: lastErr}
}

type exhaustedError struct {
	attempts int
	err      error
}

func (e *exhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.attempts, e.err)
}

func (e *exhaustedError) Unwrap() error { return e.err }

// Evaluation is the judge's decision. Winner is nil only for a fallback.
type Evaluation struct {
	Winner     *int
	Reason     string
	IsFallback bool
	Note       string
	// Response is the validated JSON the model returned.
	Response string
}

var verdictSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "winner": {"type": ["integer", "null"], "minimum": 0},
    "reason": {"type": "string"}
  },
  "required": ["winner", "reason"],
  "additionalProperties": false
}`)

const defaultJudgeSystemPrompt = `You review competing solutions to one coding task and pick the best one.
Judge each candidate on correctness, completeness and best practice.
A candidate with real code changes always beats one with no changes.
Answer with the zero-based index of the winning candidate and a short reason.
Use null for winner only if every diff is empty.`

type Evaluator struct {
	Gateway  engine.Gateway
	Sleep    Sleeper
	Attempts int
	Logger   *slog.Logger
}

// Evaluate asks the judge model for a winner. Exhausting every attempt is
// not an error: it returns a fallback with Winner nil so the caller can
// keep the candidates for a retry. Missing credentials are an error.
func (e *Evaluator) Evaluate(ctx context.Context, prompt string, candidates []Candidate, prefs engine.ModelPreferences) (Evaluation, error) {
	if len(candidates) == 0 {
		return Evaluation{}, errors.New("crown: evaluate needs at least one candidate")
	}
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(shared.LogAttrs(ctx)...)

	system := prefs.SystemPrompt
	if strings.TrimSpace(system) == "" {
		system = defaultJudgeSystemPrompt
	}
	req := engine.ObjectRequest{
		Purpose:      "judge",
		Prefs:        prefs,
		SchemaName:   "crown_verdict",
		Schema:       verdictSchema,
		SystemPrompt: system,
		UserPrompt:   judgePrompt(prompt, candidates),
	}

	var (
		verdict struct {
			Winner *int   `json:"winner"`
			Reason string `json:"reason"`
		}
		raw json.RawMessage
	)
	err := withModelRetries(ctx, e.Attempts, e.Sleep, logger, "judge", func() error {
		obj, err := e.Gateway.GenerateObject(ctx, req)
		if err != nil {
			return err
		}
		verdict.Winner, verdict.Reason = nil, ""
		if err := json.Unmarshal(obj, &verdict); err != nil {
			return fmt.Errorf("decode verdict: %w", err)
		}
		if w := verdict.Winner; w != nil && (*w < 0 || *w >= len(candidates)) {
			return fmt.Errorf("winner %d out of range for %d candidates", *verdict.Winner, len(candidates))
		}
		raw = obj
		return nil
	})
	if err != nil {
		var exhausted *exhaustedError
		if !errors.As(err, &exhausted) {
			return Evaluation{}, err
		}
		logger.Error("crown evaluation exhausted retries", "error", err)
		return Evaluation{IsFallback: true, Note: "Evaluation " + err.Error()}, nil
	}

	out := Evaluation{Reason: strings.TrimSpace(verdict.Reason), Response: string(raw)}
	var notes []string
	winner := 0
	if verdict.Winner == nil {
		notes = append(notes, "model judged every diff empty; defaulted to candidate 0")
	} else {
		winner = *verdict.Winner
	}
	if tb, changed := TieBreak(candidates, winner); changed {
		notes = append(notes, fmt.Sprintf("candidate %d has no changes; crowned candidate %d instead", winner, tb))
		winner = tb
	}
	out.Winner = &winner
	out.Note = strings.Join(notes, "; ")
	return out, nil
}

// TieBreak replaces a winner whose diff is trivial with the first candidate
// that has real changes. It reports whether the winner changed.
func TieBreak(candidates []Candidate, winner int) (int, bool) {
	if winner < 0 || winner >= len(candidates) || !diffsource.IsTrivial(candidates[winner].GitDiff) {
		return winner, false
	}
	for i, c := range candidates {
		if !diffsource.IsTrivial(c.GitDiff) {
			return i, true
		}
	}
	return winner, false
}

func judgePrompt(prompt string, candidates []Candidate) string {
	var b strings.Builder
	b.WriteString("Task:\n")
	b.WriteString(prompt)
	b.WriteString("\n\nCandidates:\n")
	for i, c := range candidates {
		fmt.Fprintf(&b, "\n### Candidate %d\nAgent: %s\n", i, c.AgentName)
		if c.ModelName != "" {
			fmt.Fprintf(&b, "Model: %s\n", c.ModelName)
		}
		if c.NewBranch != nil && *c.NewBranch != "" {
			fmt.Fprintf(&b, "Branch: %s\n", *c.NewBranch)
		}
		if stats, ok := diffsource.ComputeStats(c.GitDiff); ok {
			fmt.Fprintf(&b, "Changes: %d files, +%d -%d\n", stats.Files, stats.Added, stats.Deleted)
		}
		b.WriteString("Diff:\n```diff\n")
		b.WriteString(c.GitDiff)
		if !strings.HasSuffix(c.GitDiff, "\n") {
			b.WriteByte('\n')
		}
		b.WriteString("```\n")
	}
	fmt.Fprintf(&b, "\nPick the winner among indexes 0 to %d.", len(candidates)-1)
	return b.String()
}
