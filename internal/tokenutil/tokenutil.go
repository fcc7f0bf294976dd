// Package tokenutil estimates prompt sizes without a tokenizer.
package tokenutil

import "strings"

// Estimate approximates the token count of s: 1.33 tokens per word, with
// a floor of one token per four bytes for code and non-Latin scripts.
func Estimate(s string) int {
	if s == "" {
		return 0
	}
	byWords := int(float64(len(strings.Fields(s))) * 1.33)
	byBytes := len(s) / 4
	return max(byWords, byBytes)
}

// FitNewest returns the index of the oldest item that still fits when items
// are kept newest-first within budget. Items are ordered oldest first; the
// newest item is always kept. A budget of zero or less keeps everything.
func FitNewest(items []string, budget int) int {
	if budget <= 0 || len(items) == 0 {
		return 0
	}
	used := 0
	for i := len(items) - 1; i >= 0; i-- {
		used += Estimate(items[i])
		if used > budget && i < len(items)-1 {
			return i + 1
		}
	}
	return 0
}
