// Package grammar implements a deterministic, rule-based grammar corrector for
// recognised speech.
//
// Correction is a fixed sequence of pure string-to-string sub-rules. Each
// sub-rule is exported so it can be exercised on its own, and the order
// matters: word order is repaired before articles because moving a word can
// change which word follows "a" or "an".
//
//	NONE → LOWERCASED → MISTAKES_FIXED → REORDERED → ARTICLES_FIXED →
//	CAPITALIZED → PUNCTUATED → SPACED
//
// [Corrector.Correct] never panics. When a sub-rule fails the result is marked
// [Result.Degraded] and carries the minimal [Fallback] transform of the text
// reached so far.
package grammar

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// State is the last sub-rule a correction run completed.
type State int

const (
	StateNone State = iota
	StateLowercased
	StateMistakesFixed
	StateReordered
	StateArticlesFixed
	StateCapitalized
	StatePunctuated
	StateSpaced
)

var stateNames = [...]string{
	"NONE", "LOWERCASED", "MISTAKES_FIXED", "REORDERED",
	"ARTICLES_FIXED", "CAPITALIZED", "PUNCTUATED", "SPACED",
}

// String returns the upper-case state name.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Result is the outcome of one correction run.
type Result struct {
	// Text is the corrected text, or the fallback text when Degraded.
	Text string

	// State is the last state reached. It is [StateSpaced] on success.
	State State

	// Degraded is true when a sub-rule failed and Text holds the fallback
	// transform of Partial.
	Degraded bool

	// Partial is the text as it was before the failing sub-rule ran. Empty
	// unless Degraded.
	Partial string

	// Err describes the failure. Nil unless Degraded.
	Err error
}

// Rule is a single correction step.
type Rule func(string) string

type step struct {
	to   State
	rule Rule
}

// Option is a functional option for configuring a [Corrector].
type Option func(*Corrector)

// WithPrepositions enables the preposition fixes ("different than" and
// friends) as part of the common-mistake step.
func WithPrepositions() Option {
	return func(c *Corrector) { c.prepositions = true }
}

// WithAgreement enables subject-verb agreement for irregular verbs as part of
// the common-mistake step.
func WithAgreement() Option {
	return func(c *Corrector) { c.agreement = true }
}

// Corrector runs the ordered sub-rules. It is immutable and safe for
// concurrent use.
type Corrector struct {
	prepositions bool
	agreement    bool
	steps        []step
}

// New returns a [Corrector] with the standard rule sequence.
func New(opts ...Option) *Corrector {
	c := &Corrector{}
	for _, o := range opts {
		o(c)
	}

	mistakes := []Rule{FixCommonMistakes, FixDoubleNegatives}
	if c.prepositions {
		mistakes = append(mistakes, FixPrepositions)
	}
	if c.agreement {
		mistakes = append(mistakes, FixAgreement)
	}

	c.steps = []step{
		{StateLowercased, strings.ToLower},
		{StateMistakesFixed, chain(mistakes...)},
		{StateReordered, FixWordOrder},
		{StateArticlesFixed, FixArticles},
		{StateCapitalized, Capitalize},
		{StatePunctuated, Punctuate},
		{StateSpaced, NormalizeSpacing},
	}
	return c
}

// Correct runs every sub-rule in order. Blank input is returned unchanged.
func (c *Corrector) Correct(text string) Result {
	if strings.TrimSpace(text) == "" {
		return Result{Text: text, State: StateSpaced}
	}

	cur := text
	state := StateNone
	for _, s := range c.steps {
		next, err := apply(s.rule, cur)
		if err != nil {
			return Result{
				Text:     Fallback(cur),
				State:    state,
				Degraded: true,
				Partial:  cur,
				Err:      fmt.Errorf("grammar: %s: %w", s.to, err),
			}
		}
		cur = next
		state = s.to
	}
	return Result{Text: cur, State: state}
}

// apply runs rule and converts a panic into an error.
func apply(rule Rule, in string) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rule panicked: %v", r)
		}
	}()
	return rule(in), nil
}

func chain(rules ...Rule) Rule {
	return func(s string) string {
		for _, r := range rules {
			s = r(s)
		}
		return s
	}
}

// Fallback is the minimal transform used when correction fails: trim,
// capitalise the first letter, and ensure terminal punctuation.
func Fallback(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	text = upperFirst(text)
	if !endsSentence(text) {
		text += "."
	}
	return text
}

func upperFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

func endsSentence(s string) bool {
	if s == "" {
		return false
	}
	switch s[len(s)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}
