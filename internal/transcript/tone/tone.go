// Package tone rewrites a sentence into one of the stylistic targets a user
// can pick for their session.
//
// Every transform is two-phase: the text is first normalised to a neutral
// baseline (slang mapped to plain vocabulary, spoken fillers stripped, casing
// reset) and then the per-mode rewrite runs on that baseline. Unknown modes
// produce the neutral baseline rather than an error.
package tone

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/MrWong99/verbatim/pkg/types"
)

// substitution is a whole-word, case-insensitive replacement.
type substitution struct {
	re   *regexp.Regexp
	repl string
}

func words(pairs ...string) []substitution {
	subs := make([]substitution, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		subs = append(subs, substitution{
			re:   regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(pairs[i]) + `\b`),
			repl: pairs[i+1],
		})
	}
	return subs
}

// apply runs every substitution in order. The replacement keeps an initial
// capital when the matched text had one.
func apply(text string, subs []substitution) string {
	for _, s := range subs {
		text = s.re.ReplaceAllStringFunc(text, func(m string) string {
			return keepInitialCase(m, s.repl)
		})
	}
	return text
}

// Normalisation vocabulary. Order matters: earlier entries run first.
var (
	slang = words(
		"hey", "hello",
		"hi", "hello",
		"yo", "hello",
		"dude", "",
		"man", "",
		"guys", "everyone",
		"wanna", "want to",
		"gonna", "going to",
		"gotta", "have to",
		"kinda", "kind of",
		"sorta", "sort of",
		"yeah", "yes",
		"nope", "no",
		"yep", "yes",
		"ok", "okay",
		"super", "very",
		"totally", "completely",
		"basically", "essentially",
	)

	fillers = words(
		"um", "",
		"uh", "",
		"you know", "",
		"i mean", "",
	)

	loneI = regexp.MustCompile(`\bi\b`)
)

// Formal mode.
var (
	expandContractions = words(
		"I'm", "I am",
		"you're", "you are",
		"he's", "he is",
		"she's", "she is",
		"it's", "it is",
		"we're", "we are",
		"they're", "they are",
		"can't", "cannot",
		"won't", "will not",
		"don't", "do not",
		"doesn't", "does not",
		"didn't", "did not",
	)
	formalVocabulary = words(
		"get", "obtain",
		"show", "demonstrate",
		"help", "assist",
		"ask", "inquire",
	)
	formalWant   = regexp.MustCompile(`(?i)^I want\b`)
	formalNeedTo = regexp.MustCompile(`(?i)^I need to\b`)
	formalNeed   = regexp.MustCompile(`(?i)^I need\b`)
)

// Casual mode.
var (
	contract = words(
		"I am", "I'm",
		"you are", "you're",
		"he is", "he's",
		"she is", "she's",
		"it is", "it's",
		"we are", "we're",
		"they are", "they're",
		"cannot", "can't",
		"will not", "won't",
		"do not", "don't",
	)
	casualVocabulary = words(
		"want to", "wanna",
		"going to", "gonna",
		"have to", "gotta",
	)
	casualGreeting = regexp.MustCompile(`(?i)^(hey|hi|hello|yo)\b`)
	startsWithI    = regexp.MustCompile(`^I\b`)
)

// Soft mode.
var (
	softOpening    = regexp.MustCompile(`(?i)^I (want|need|would like)\b`)
	softAsk        = regexp.MustCompile(`(?i)\b(can|could|would) you\b`)
	softRequest    = regexp.MustCompile(`(?i)\b(want|need|like)\b`)
	softVocabulary = words(
		"need to", "would need to",
		"need", "would appreciate",
		"want", "would like",
	)
)

// Concise mode.
var (
	hedges = words(
		"if possible", "",
		"perhaps", "",
		"possibly", "",
		"maybe", "",
		"I think", "",
		"I believe", "",
		"in my opinion", "",
		"it seems", "",
		"kind of", "",
		"sort of", "",
		"basically", "",
		"actually", "",
		"literally", "",
		"honestly", "",
		"just", "",
	)
	directStatement = regexp.MustCompile(`(?i)\bI (would like|want) to\s+`)
)

// Friendly mode.
var (
	friendlyGreeting   = regexp.MustCompile(`(?i)^(hey|hi|hello)\b`)
	friendlyVocabulary = words(
		"okay", "great",
		"yes", "absolutely",
	)
	friendlyContractions = []substitution{
		{re: regexp.MustCompile(`\bI am\b`), repl: "I'm"},
		{re: regexp.MustCompile(`\bI will\b`), repl: "I'll"},
	}
)

// Shared tidy-up patterns.
var (
	multiSpace       = regexp.MustCompile(`\s+`)
	spaceBeforePunct = regexp.MustCompile(`\s+([,.!?;:])`)
	repeatedComma    = regexp.MustCompile(`,(\s*,)+`)
	commaBeforeEnd   = regexp.MustCompile(`,([.!?])`)
)

// Transformer applies tone modes to text. The zero value is not usable; call
// [New]. A Transformer holds no mutable state and is safe for concurrent use.
type Transformer struct {
	modes map[types.ToneMode]func(string) string
}

// New returns a Transformer with every mode in [types.ToneModes] registered.
func New() *Transformer {
	return &Transformer{
		modes: map[types.ToneMode]func(string) string{
			types.ToneNeutral:  func(s string) string { return s },
			types.ToneFormal:   Formal,
			types.ToneCasual:   Casual,
			types.ToneSoft:     Soft,
			types.ToneConcise:  Concise,
			types.ToneFriendly: Friendly,
		},
	}
}

// Transform normalises text and then applies mode. An unknown mode returns
// the normalised text.
func (t *Transformer) Transform(text string, mode types.ToneMode) string {
	normalized := Normalize(text)
	if normalized == "" {
		return ""
	}
	fn, ok := t.modes[mode]
	if !ok {
		return normalized
	}
	return fn(normalized)
}

// ParseMode validates a client-supplied mode name. Matching ignores case and
// surrounding whitespace.
func ParseMode(s string) (types.ToneMode, bool) {
	m := types.ToneMode(strings.ToLower(strings.TrimSpace(s)))
	if !m.IsValid() {
		return "", false
	}
	return m, true
}

// Normalize reduces text to the neutral baseline. It is iterated until the
// output stops changing, so Normalize(Normalize(x)) == Normalize(x). Nested
// fillers such as "you you know know" need one pass per level.
//
// The loop terminates: filler removal shrinks the text, and every slang
// replacement yields a word no pattern matches again.
func Normalize(text string) string {
	cur := text
	for {
		next := normalizeOnce(cur)
		if next == cur {
			return cur
		}
		cur = next
	}
}

func normalizeOnce(text string) string {
	s := strings.ToLower(text)
	s = apply(s, slang)
	s = apply(s, fillers)
	s = tidy(s)
	s = loneI.ReplaceAllString(s, "I")
	return upperFirst(s)
}

// Formal expands contractions, replaces a blunt "I want"/"I need" opening and
// swaps everyday verbs for their formal equivalents.
func Formal(text string) string {
	s := apply(text, expandContractions)
	switch {
	case formalWant.MatchString(s):
		s = formalWant.ReplaceAllString(s, "I would like")
	case formalNeedTo.MatchString(s):
		s = formalNeedTo.ReplaceAllString(s, "I must")
	case formalNeed.MatchString(s):
		s = formalNeed.ReplaceAllString(s, "I require")
	}
	return apply(s, formalVocabulary)
}

// Casual contracts, swaps in spoken forms and opens with a greeting.
func Casual(text string) string {
	s := apply(text, contract)
	s = apply(s, casualVocabulary)
	if s == "" || casualGreeting.MatchString(s) {
		return s
	}
	if !startsWithI.MatchString(s) {
		s = lowerFirst(s)
	}
	return "Hey, " + s
}

// Soft adds softening phrases and a closing "please" to requests.
func Soft(text string) string {
	s := text
	if softOpening.MatchString(s) {
		s = "If possible, " + s
	}
	if !strings.Contains(strings.ToLower(s), "please") {
		s = softAsk.ReplaceAllString(s, "$1 you please")
		if !strings.Contains(strings.ToLower(s), "please") && softRequest.MatchString(s) && !strings.HasSuffix(s, "?") {
			s = strings.TrimRight(s, ".!") + ", please."
		}
	}
	return apply(s, softVocabulary)
}

// Concise strips hedges and indirect openings.
func Concise(text string) string {
	s := apply(text, hedges)
	s = directStatement.ReplaceAllString(s, "I ")
	return upperFirst(tidy(s))
}

// Friendly opens with a greeting, turns a closing period into an exclamation
// and warms up the vocabulary.
func Friendly(text string) string {
	s := text
	if !friendlyGreeting.MatchString(s) {
		s = "Hi! " + s
	}
	if strings.HasSuffix(s, ".") {
		s = strings.TrimSuffix(s, ".") + "!"
	}
	s = apply(s, friendlyVocabulary)
	for _, c := range friendlyContractions {
		s = c.re.ReplaceAllString(s, c.repl)
	}
	return s
}

// tidy collapses whitespace, removes space before punctuation and strips
// punctuation stranded at the start by a removed word.
func tidy(s string) string {
	s = multiSpace.ReplaceAllString(s, " ")
	s = spaceBeforePunct.ReplaceAllString(s, "$1")
	s = repeatedComma.ReplaceAllString(s, ",")
	s = commaBeforeEnd.ReplaceAllString(s, "$1")
	s = strings.TrimLeft(s, " ,;:")
	return strings.TrimSpace(s)
}

func keepInitialCase(matched, repl string) string {
	if repl == "" || matched == "" {
		return repl
	}
	r, _ := utf8.DecodeRuneInString(matched)
	if unicode.IsUpper(r) {
		return upperFirst(repl)
	}
	return repl
}

func upperFirst(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	if n == 0 || unicode.IsUpper(r) {
		return s
	}
	return string(unicode.ToUpper(r)) + s[n:]
}

func lowerFirst(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	if n == 0 {
		return s
	}
	return string(unicode.ToLower(r)) + s[n:]
}
