package tokenutil

import "strings"

// EstimateTokens returns a word-based token estimate.
// Splits on whitespace, multiplies by 1.33 (avg tokens/word for English).
// Uses max(wordEstimate, len/4) as floor for code/non-English.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	words := len(strings.Fields(content))
	wordEstimate := int(float64(words) * 1.33)
	charEstimate := len(content) / 4
	if wordEstimate > charEstimate {
		return wordEstimate
	}
	return charEstimate
}

// TruncateToTokens cuts content so its estimate stays within maxTokens,
// appending marker when anything was removed. maxTokens <= 0 disables the cap.
func TruncateToTokens(content string, maxTokens int, marker string) string {
	if maxTokens <= 0 || EstimateTokens(content) <= maxTokens {
		return content
	}
	limit := maxTokens * 4
	if limit > len(content) {
		limit = len(content)
	}
	cut := content[:limit]
	for EstimateTokens(cut) > maxTokens && len(cut) > 0 {
		cut = cut[:len(cut)*9/10]
	}
	// Keep whole lines so a diff hunk is never split mid-line.
	if i := strings.LastIndexByte(cut, '\n'); i > 0 {
		cut = cut[:i+1]
	}
	return cut + marker
}
