package dedup_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/verbatim/internal/transcript/dedup"
)

func TestDedupe(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"whitespace only", "   \t ", ""},
		{"single word", "hello", "hello"},
		{"no repeats", "the quick brown fox", "the quick brown fox"},
		{"repeated phrase", "I want to I want to go home", "I want to go home"},
		{"immediate word repeat", "the the cat", "the cat"},
		{"case insensitive", "Hello hello world", "Hello world"},
		{"largest window wins", "we should go we should go now", "we should go now"},
		{"whitespace normalised", "  a   b  ", "a b"},
		{"triple repeat", "go go go", "go"},
		{"repeated triplet", "a b c a b c a b c", "a b c"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := dedup.Dedupe(tt.in); got != tt.want {
				t.Errorf("Dedupe(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestDedupe_Idempotent(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"I want to I want to go home",
		"a b c a b c a b c",
		"a b a b a a b",
		"yes yes no yes yes no no",
		"this is is a test this is is a test",
		"one two one two three one two one two three",
		"x y x y x y x",
		"the cat sat the cat sat on the the mat",
	}
	for _, in := range inputs {
		once := dedup.Dedupe(in)
		twice := dedup.Dedupe(once)
		if once != twice {
			t.Errorf("not idempotent for %q: once=%q twice=%q", in, once, twice)
		}
	}
}

func TestDedupe_NeverGrowsOrReorders(t *testing.T) {
	t.Parallel()

	in := "please please send the the report report to to Anna"
	got := dedup.Dedupe(in)

	inTokens := strings.Fields(in)
	gotTokens := strings.Fields(got)
	if len(gotTokens) > len(inTokens) {
		t.Fatalf("output grew: %d > %d tokens", len(gotTokens), len(inTokens))
	}

	// Surviving tokens must form a subsequence of the input.
	j := 0
	for _, tok := range inTokens {
		if j < len(gotTokens) && tok == gotTokens[j] {
			j++
		}
	}
	if j != len(gotTokens) {
		t.Errorf("output %q is not an in-order subsequence of %q", got, in)
	}
}

func TestDedupe_WindowOption(t *testing.T) {
	t.Parallel()

	in := "one two three one two three"
	if got := dedup.Dedupe(in, dedup.WithWindow(2)); got != in {
		t.Errorf("window 2 should not collapse a 3-token repeat, got %q", got)
	}
	if got := dedup.Dedupe(in, dedup.WithWindow(3)); got != "one two three" {
		t.Errorf("window 3: got %q, want %q", got, "one two three")
	}
}

func TestDedupe_FuzzyThreshold(t *testing.T) {
	t.Parallel()

	in := "going to the stores going to the store"
	if got := dedup.Dedupe(in); got != "going to the stores" {
		t.Errorf("default threshold: got %q", got)
	}
	if got := dedup.Dedupe(in, dedup.WithThreshold(100)); got != in {
		t.Errorf("strict threshold should keep near repeats, got %q", got)
	}
}

func TestRatio(t *testing.T) {
	t.Parallel()

	if got := dedup.Ratio("", ""); got != 100 {
		t.Errorf("Ratio of empties = %d, want 100", got)
	}
	if got := dedup.Ratio("abc", "abc"); got != 100 {
		t.Errorf("Ratio identical = %d, want 100", got)
	}
	if got := dedup.Ratio("abc", "xyz"); got != 50 {
		t.Errorf("Ratio disjoint = %d, want 50", got)
	}
}
