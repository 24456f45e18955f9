package crown

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/basket/crownd/internal/persistence"
)

const (
	crownTitlePrefix = "[Crown] "
	maxPRTitleRunes  = 72
	untitledTask     = "Untitled task"
)

// DerivePRTitle builds the PR title from the task prompt: its first line,
// prefixed with "[Crown] " when more than one candidate competed, and cut to
// 72 characters with a trailing "...".
func DerivePRTitle(prompt string, candidates int) string {
	line := strings.TrimSpace(prompt)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if line == "" {
		line = untitledTask
	}
	if candidates > 1 {
		line = crownTitlePrefix + line
	}
	if utf8.RuneCountInString(line) <= maxPRTitleRunes {
		return line
	}
	runes := []rune(line)
	return string(runes[:maxPRTitleRunes-3]) + "..."
}

// BuildPRDescription renders the body handed to the PR step.
func BuildPRDescription(run persistence.Run, summary, reason string, candidates int) string {
	var b strings.Builder
	if summary != "" {
		b.WriteString(summary)
		b.WriteString("\n\n")
	}
	agent := run.AgentName
	if run.ModelName != "" {
		agent += " (" + run.ModelName + ")"
	}
	if candidates > 1 {
		fmt.Fprintf(&b, "Selected from %d candidate solutions. Winner: %s.\n", candidates, agent)
	} else {
		fmt.Fprintf(&b, "Solution by %s.\n", agent)
	}
	if reason != "" {
		fmt.Fprintf(&b, "\nReason: %s\n", reason)
	}
	return b.String()
}
