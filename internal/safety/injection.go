package safety

import "regexp"

type injectionPattern struct {
	re     *regexp.Regexp
	reason string
}

// Patterns aimed at the judge rather than at the code under review.
var injectionPatterns = []injectionPattern{
	{
		re:     regexp.MustCompile(`(?i)\b(ignore\s+(all\s+)?(previous|above|prior)\s+(instructions?|prompts?|rules?))\b`),
		reason: "role manipulation: ignore previous instructions",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(you\s+are\s+now\s+(a|an|the)\s+\w+)`),
		reason: "role manipulation: identity override",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(new\s+instructions?|override\s+(system\s+)?prompt|system\s+prompt\s+override)\b`),
		reason: "role manipulation: system prompt override",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(choose|pick|select|crown)\s+(this|me|candidate\s+\d+|this\s+(diff|run|candidate))\s+as\s+(the\s+)?(winner|best)\b`),
		reason: "judge manipulation: winner instruction",
	},
	{
		re:     regexp.MustCompile(`(?i)\bnote\s+to\s+(the\s+)?(judge|evaluator|reviewer\s+model)\b`),
		reason: "judge manipulation: addressed to the evaluator",
	},
	{
		re:     regexp.MustCompile(`(?i)\[\s*SYSTEM\s*\]`),
		reason: "injection marker: [SYSTEM] tag",
	},
	{
		re:     regexp.MustCompile(`(?i)<\s*\|?\s*(system|im_start|im_end)\s*\|?\s*>`),
		reason: "injection marker: chat template tag",
	},
}

func detectInjection(text string) []Finding {
	var findings []Finding
	for _, pat := range injectionPatterns {
		if m := pat.re.FindString(text); m != "" {
			findings = append(findings, Finding{Kind: KindInjection, Reason: pat.reason, Sample: m})
		}
	}
	return findings
}
