package crown

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/crownd/internal/engine"
	"github.com/basket/crownd/internal/shared"
)

var summarySchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "summary": {"type": "string", "minLength": 1}
  },
  "required": ["summary"]
}`)

const defaultSummarySystemPrompt = `You write the description of a pull request from its diff.
Summarize what changed and why in a few sentences of plain prose.`

var errEmptySummary = errors.New("model returned an empty summary")

type Summarizer struct {
	Gateway  engine.Gateway
	Sleep    Sleeper
	Attempts int
	Logger   *slog.Logger
}

// Summarize describes the winning diff. A blank summary counts as a failed
// attempt; exhausting the attempts is an error.
func (s *Summarizer) Summarize(ctx context.Context, prompt, winningDiff string, prefs engine.ModelPreferences) (string, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(shared.LogAttrs(ctx)...)

	system := prefs.SystemPrompt
	if strings.TrimSpace(system) == "" {
		system = defaultSummarySystemPrompt
	}
	req := engine.ObjectRequest{
		Purpose:      "summary",
		Prefs:        prefs,
		SchemaName:   "crown_summary",
		Schema:       summarySchema,
		SystemPrompt: system,
		UserPrompt:   "Task:\n" + prompt + "\n\nWinning diff:\n```diff\n" + winningDiff + "\n```",
	}

	var summary string
	err := withModelRetries(ctx, s.Attempts, s.Sleep, logger, "summary", func() error {
		obj, err := s.Gateway.GenerateObject(ctx, req)
		if err != nil {
			return err
		}
		var out struct {
			Summary string `json:"summary"`
		}
		if err := json.Unmarshal(obj, &out); err != nil {
			return fmt.Errorf("decode summary: %w", err)
		}
		if strings.TrimSpace(out.Summary) == "" {
			return errEmptySummary
		}
		summary = strings.TrimSpace(out.Summary)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("summarize winner: %w", err)
	}
	return summary, nil
}
