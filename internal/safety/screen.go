// Package safety screens candidate diffs before they reach the judge model.
// Secrets are redacted; text that tries to steer the judge is reported so
// the evaluation can be audited, but the diff is still judged.
package safety

import "strings"

const (
	KindSecret    = "secret"
	KindInjection = "injection"
)

type Finding struct {
	Kind   string
	Reason string
	Sample string // truncated for secrets
}

// Report is the outcome of screening one diff.
type Report struct {
	Diff     string
	Findings []Finding
}

// Redacted reports how many secrets were replaced.
func (r Report) Redacted() int {
	n := 0
	for _, f := range r.Findings {
		if f.Kind == KindSecret {
			n++
		}
	}
	return n
}

// Suspicious reports whether the diff contains judge-directed text.
func (r Report) Suspicious() bool {
	for _, f := range r.Findings {
		if f.Kind == KindInjection {
			return true
		}
	}
	return false
}

type Screener struct{}

func NewScreener() *Screener {
	return &Screener{}
}

// Screen redacts secrets in diff and flags injection attempts. Only added
// lines are checked for injection so removed text cannot taint a candidate.
func (s *Screener) Screen(diff string) Report {
	if strings.TrimSpace(diff) == "" {
		return Report{Diff: diff}
	}
	redacted, findings := redactSecrets(diff)
	findings = append(findings, detectInjection(addedLines(redacted))...)
	return Report{Diff: redacted, Findings: findings}
}

func addedLines(diff string) string {
	var b strings.Builder
	for _, line := range strings.Split(diff, "\n") {
		if strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++") {
			b.WriteString(line[1:])
			b.WriteByte('\n')
		}
	}
	return b.String()
}
