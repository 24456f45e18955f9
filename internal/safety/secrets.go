package safety

import "regexp"

var secretPatterns = []struct {
	re   *regexp.Regexp
	desc string
}{
	{
		re:   regexp.MustCompile(`(?s)-----BEGIN\s+([A-Z]+\s+)?PRIVATE\s+KEY-----.*?(-----END\s+([A-Z]+\s+)?PRIVATE\s+KEY-----|\z)`),
		desc: "private key",
	},
	{
		re:   regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
		desc: "API key",
	},
	{
		re:   regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`),
		desc: "bearer token",
	},
	{
		re:   regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
		desc: "Google API key",
	},
	{
		re:   regexp.MustCompile(`sk-(ant-)?[A-Za-z0-9_\-]{20,}`),
		desc: "provider API key",
	},
	{
		re:   regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36,}`),
		desc: "GitHub token",
	},
	{
		re:   regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*"?[^\s"]{8,}"?`),
		desc: "password",
	},
}

// redactSecrets replaces every secret match with a marker naming its kind.
func redactSecrets(text string) (string, []Finding) {
	var findings []Finding
	for _, pat := range secretPatterns {
		text = pat.re.ReplaceAllStringFunc(text, func(match string) string {
			sample := match
			if len(sample) > 12 {
				sample = sample[:9] + "..."
			}
			findings = append(findings, Finding{Kind: KindSecret, Reason: pat.desc, Sample: sample})
			return "[REDACTED " + pat.desc + "]"
		})
	}
	return text, findings
}
