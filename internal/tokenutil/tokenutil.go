// Package tokenutil holds the token-estimation heuristics used by the
// budget monitor when the agent CLI's stream carries no usage object.
package tokenutil

import "strings"

// FromByteCount is the budget monitor's floor estimate: one token per
// four raw stdout bytes. Deliberately crude — it only needs to be
// monotonic and cheap, and the parsed usage total replaces it whenever
// the stream provides one.
func FromByteCount(n int) int {
	if n <= 0 {
		return 0
	}
	return n / 4
}

// EstimateText returns a word-based estimate for prompt-sized text,
// floored by FromByteCount so code and non-English content are not
// undercounted. Splits on whitespace, 1.33 tokens per word.
func EstimateText(content string) int {
	if content == "" {
		return 0
	}
	words := len(strings.Fields(content))
	wordEstimate := int(float64(words) * 1.33)
	if floor := FromByteCount(len(content)); floor > wordEstimate {
		return floor
	}
	return wordEstimate
}
