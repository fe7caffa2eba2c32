package fetcher

import "strings"

// repetitionWindow flags output whose last lastTokens tokens are made of a
// pattern no longer than maxSequence tokens.
type repetitionWindow struct {
	maxSequence int
	lastTokens  int
}

var repetitionWindows = []repetitionWindow{
	{maxSequence: 1, lastTokens: 10},
	{maxSequence: 10, lastTokens: 30},
	{maxSequence: 20, lastTokens: 45},
	{maxSequence: 30, lastTokens: 60},
}

// isRepetitive reports whether the tail of tokens loops on a short pattern,
// either as emitted or with whitespace-only tokens ignored.
func isRepetitive(tokens []string) bool {
	reversed := make([]string, len(tokens))
	for i, tok := range tokens {
		reversed[len(tokens)-1-i] = tok
	}
	if repeatsPattern(reversed) {
		return true
	}

	nonBlank := reversed[:0:0]
	for _, tok := range reversed {
		if strings.TrimSpace(tok) != "" {
			nonBlank = append(nonBlank, tok)
		}
	}
	return repeatsPattern(nonBlank)
}

// repeatsPattern checks the prefix of s, which holds the output tail in
// reverse order.
func repeatsPattern(s []string) bool {
	if len(s) == 0 {
		return false
	}
	prefix := prefixFunction(s)
	for _, w := range repetitionWindows {
		if len(s) < w.lastTokens {
			continue
		}
		period := w.lastTokens - 1 - prefix[w.lastTokens-1]
		if period <= w.maxSequence {
			return true
		}
	}
	return false
}

// prefixFunction is the Knuth-Morris-Pratt failure function with -1 meaning
// no proper border.
func prefixFunction(s []string) []int {
	pi := make([]int, len(s))
	pi[0] = -1
	k := -1
	for q := 1; q < len(s); q++ {
		for k >= 0 && s[k+1] != s[q] {
			k = pi[k]
		}
		if s[k+1] == s[q] {
			k++
		}
		pi[q] = k
	}
	return pi
}

// lineRepetition describes the most repeated non-blank line of a text.
type lineRepetition struct {
	totalLines  int
	line        string
	repetitions int
}

func lineRepetitionStats(text string) lineRepetition {
	lines := strings.Split(text, "\n")
	counts := make(map[string]int)
	stats := lineRepetition{totalLines: len(lines)}
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		counts[trimmed]++
		if n := counts[trimmed]; n > stats.repetitions {
			stats.repetitions = n
			stats.line = trimmed
		}
	}
	return stats
}
