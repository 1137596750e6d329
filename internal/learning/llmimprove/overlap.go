package llmimprove

import "strings"

// overlap returns the fraction of original's tokens that appear, in order, in
// suggestion. Tokens are compared lowercased with trailing punctuation
// stripped. An empty original yields 1.
func overlap(original, suggestion string) float64 {
	orig := tokens(original)
	if len(orig) == 0 {
		return 1
	}
	return float64(lcsLen(orig, tokens(suggestion))) / float64(len(orig))
}

func tokens(s string) []string {
	fields := strings.Fields(s)
	for i, f := range fields {
		fields[i] = strings.ToLower(strings.TrimRight(f, ".,;:!?\"')"))
	}
	return fields
}

// lcsLen is the length of the longest common subsequence of a and b. Inputs
// are single utterances, so the O(m*n) table is small.
func lcsLen(a, b []string) int {
	m, n := len(a), len(b)
	if m == 0 || n == 0 {
		return 0
	}

	prev := make([]int, n+1)
	cur := make([]int, n+1)
	for i := 1; i <= m; i++ {
		for j := 1; j <= n; j++ {
			switch {
			case a[i-1] == b[j-1]:
				cur[j] = prev[j-1] + 1
			case prev[j] >= cur[j-1]:
				cur[j] = prev[j]
			default:
				cur[j] = cur[j-1]
			}
		}
		prev, cur = cur, prev
	}
	return prev[n]
}
