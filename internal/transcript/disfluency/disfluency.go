// Package disfluency strips filler words, filler phrases and stutters from
// recognised speech.
package disfluency

import (
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultFillers is the filler vocabulary used by [New] when no custom list
// is supplied. Multi-word entries are matched as whole phrases.
var DefaultFillers = []string{
	"umm", "uhh", "ehh", "uh", "um", "er", "ah", "oh",
	"you know", "like", "so", "well", "actually", "basically",
	"literally", "totally", "really", "very", "just",
	"kind of", "sort of", "i mean", "you see",
	"right", "okay", "alright",
}

// stutterRun is the number of consecutive repeats at which a word is treated
// as a stutter and collapsed to a single occurrence.
const stutterRun = 3

// Option is a functional option for configuring a [Filter].
type Option func(*Filter)

// WithFillers replaces the filler vocabulary.
func WithFillers(fillers ...string) Option {
	return func(f *Filter) {
		f.setFillers(fillers)
	}
}

// Filter removes disfluencies. It is immutable after construction and safe
// for concurrent use.
type Filter struct {
	// phrases holds tokenised fillers, longest first, so "you know" is
	// consumed whole before "know" could ever be considered.
	phrases [][]string
}

// New returns a [Filter] using [DefaultFillers] unless overridden.
func New(opts ...Option) *Filter {
	f := &Filter{}
	f.setFillers(DefaultFillers)
	for _, o := range opts {
		o(f)
	}
	return f
}

func (f *Filter) setFillers(fillers []string) {
	phrases := make([][]string, 0, len(fillers))
	for _, p := range fillers {
		toks := strings.Fields(strings.ToLower(p))
		if len(toks) > 0 {
			phrases = append(phrases, toks)
		}
	}
	slices.SortStableFunc(phrases, func(a, b []string) int { return len(b) - len(a) })
	f.phrases = phrases
}

// Clean removes stutters and fillers, collapses whitespace and capitalises the
// first letter. Empty or whitespace-only input yields "".
func (f *Filter) Clean(text string) string {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return ""
	}

	tokens = collapseStutters(tokens)
	tokens = f.dropFillers(tokens)

	return capitalizeFirst(strings.Join(tokens, " "))
}

// dropFillers removes every filler phrase occurrence, trying longer phrases
// first at each position.
func (f *Filter) dropFillers(tokens []string) []string {
	keys := make([]string, len(tokens))
	for i, t := range tokens {
		keys[i] = key(t)
	}

	out := make([]string, 0, len(tokens))
	for i := 0; i < len(tokens); {
		if n := f.matchAt(keys, i); n > 0 {
			i += n
			continue
		}
		out = append(out, tokens[i])
		i++
	}
	return out
}

// matchAt returns the length of the longest filler phrase starting at keys[i],
// or 0 when none matches.
func (f *Filter) matchAt(keys []string, i int) int {
	for _, p := range f.phrases {
		if i+len(p) > len(keys) {
			continue
		}
		if slices.Equal(keys[i:i+len(p)], p) {
			return len(p)
		}
	}
	return 0
}

// collapseStutters reduces runs of stutterRun or more identical words to the
// first occurrence. Shorter runs are left for the deduplicator.
func collapseStutters(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for i := 0; i < len(tokens); {
		j := i + 1
		for j < len(tokens) && key(tokens[j]) == key(tokens[i]) && key(tokens[i]) != "" {
			j++
		}
		if j-i >= stutterRun {
			out = append(out, tokens[i])
		} else {
			out = append(out, tokens[i:j]...)
		}
		i = j
	}
	return out
}

// key lowercases a token and trims surrounding punctuation for comparison.
func key(tok string) string {
	return strings.ToLower(strings.TrimFunc(tok, func(r rune) bool {
		return unicode.IsPunct(r) && r != '\''
	}))
}

func capitalizeFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
