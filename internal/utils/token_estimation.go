package utils

import (
	"unicode/utf8"
)

// EstimateTokensFromString estimates token count using a ~4 runes per token
// heuristic. This is an approximation and may differ from actual tokenizers.
func EstimateTokensFromString(text string) int {
	if text == "" {
		return 0
	}
	count := utf8.RuneCountInString(text)
	if count <= 0 {
		return 0
	}
	return (count + 3) / 4
}

// EstimateTokensFromBytes estimates token count from a byte slice.
func EstimateTokensFromBytes(b []byte) int {
	if len(b) == 0 {
		return 0
	}
	count := utf8.RuneCount(b)
	if count <= 0 {
		return 0
	}
	return (count + 3) / 4
}
