// Package dedup removes repeated sub-phrases and immediate word repeats from
// raw STT utterances.
//
// Streaming recognisers frequently emit the same phrase twice when a speaker
// restarts a sentence ("I want to I want to go"). [Deduplicator] scans the
// token stream left to right and, at each position, looks for a window of up
// to N tokens that is immediately followed by a near-identical window. The
// comparison is case-insensitive and fuzzy: two windows count as repeats when
// their Levenshtein similarity ratio reaches the configured threshold.
//
// The procedure is applied until the token stream stops changing, so
// deduplicating already deduplicated text is always a no-op.
package dedup

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	// DefaultWindow is the largest repeated phrase length, in tokens, that is
	// detected.
	DefaultWindow = 6

	// DefaultThreshold is the minimum similarity ratio (0–100) for two windows
	// to count as repeats.
	DefaultThreshold = 92
)

// Option is a functional option for configuring a [Deduplicator].
type Option func(*Deduplicator)

// WithWindow sets the largest candidate repeat length in tokens. Values below
// 1 are ignored.
func WithWindow(n int) Option {
	return func(d *Deduplicator) {
		if n > 0 {
			d.window = n
		}
	}
}

// WithThreshold sets the minimum similarity ratio in the range 0–100.
// Out-of-range values are ignored.
func WithThreshold(t int) Option {
	return func(d *Deduplicator) {
		if t >= 0 && t <= 100 {
			d.threshold = t
		}
	}
}

// Deduplicator collapses repeated phrases. It holds no mutable state and is
// safe for concurrent use.
type Deduplicator struct {
	window    int
	threshold int
}

// New returns a [Deduplicator] with the given options applied over
// [DefaultWindow] and [DefaultThreshold].
func New(opts ...Option) *Deduplicator {
	d := &Deduplicator{
		window:    DefaultWindow,
		threshold: DefaultThreshold,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dedupe is shorthand for New(opts...).Dedupe(text).
func Dedupe(text string, opts ...Option) string {
	return New(opts...).Dedupe(text)
}

// Dedupe returns text with repeated phrases and adjacent duplicate words
// removed. Surviving tokens keep their original order and spelling; tokens are
// rejoined with single spaces.
func (d *Deduplicator) Dedupe(text string) string {
	tokens := strings.Fields(text)
	if len(tokens) < 2 {
		return strings.Join(tokens, " ")
	}

	// Every pass that changes anything strictly shrinks the slice, so this
	// terminates after at most len(tokens) iterations.
	for {
		next := collapseAdjacent(d.collapseWindows(tokens))
		if len(next) == len(tokens) {
			break
		}
		tokens = next
	}
	return strings.Join(tokens, " ")
}

// collapseWindows performs one left-to-right scan, preferring the largest
// repeated window at each position.
func (d *Deduplicator) collapseWindows(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	i := 0
	for i < len(tokens) {
		matched := false
		maxK := min(d.window, (len(tokens)-i)/2)
		for k := maxK; k >= 1; k-- {
			first := strings.ToLower(strings.Join(tokens[i:i+k], " "))
			second := strings.ToLower(strings.Join(tokens[i+k:i+2*k], " "))
			if Ratio(first, second) >= d.threshold {
				out = append(out, tokens[i:i+k]...)
				i += 2 * k
				matched = true
				break
			}
		}
		if !matched {
			out = append(out, tokens[i])
			i++
		}
	}
	return out
}

// collapseAdjacent drops a token when it equals the previous surviving token,
// ignoring case.
func collapseAdjacent(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if n := len(out); n > 0 && strings.EqualFold(out[n-1], tok) {
			continue
		}
		out = append(out, tok)
	}
	return out
}

// Ratio returns the similarity of a and b as an integer percentage derived
// from their Levenshtein distance: 100 * (len(a)+len(b)-dist) / (len(a)+len(b)).
// Two empty strings are identical.
func Ratio(a, b string) int {
	total := len([]rune(a)) + len([]rune(b))
	if total == 0 {
		return 100
	}
	dist := matchr.Levenshtein(a, b)
	return 100 * (total - dist) / total
}
