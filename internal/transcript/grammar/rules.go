package grammar

import (
	"regexp"
	"strings"
	"unicode"
)

type rewrite struct {
	re   *regexp.Regexp
	repl string
}

func rewriteAll(text string, rules []rewrite) string {
	for _, r := range rules {
		text = r.re.ReplaceAllString(text, r.repl)
	}
	return text
}

var commonMistakes = []rewrite{
	{regexp.MustCompile(`(?i)\bcould\s+of\b`), "could have"},
	{regexp.MustCompile(`(?i)\bshould\s+of\b`), "should have"},
	{regexp.MustCompile(`(?i)\bwould\s+of\b`), "would have"},
	{regexp.MustCompile(`(?i)\balot\b`), "a lot"},
	{regexp.MustCompile(`(?i)\byour\s+(going|coming|doing)\b`), "you're ${1}"},
	{regexp.MustCompile(`(?i)\bits\s+(going|coming|doing)\b`), "it's ${1}"},
	{regexp.MustCompile(`(?i)\btheir\s+(is|are|was|were)\b`), "there ${1}"},
	{regexp.MustCompile(`(?i)\bthere\s+(going|coming)\b`), "they're ${1}"},
}

// FixCommonMistakes repairs frequent homophone and spelling slips such as
// "could of" and "alot".
func FixCommonMistakes(text string) string {
	return rewriteAll(text, commonMistakes)
}

var doubleNegatives = []rewrite{
	{regexp.MustCompile(`(?i)\bdon't\s+have\s+no\b`), "don't have any"},
	{regexp.MustCompile(`(?i)\bdidn't\s+have\s+no\b`), "didn't have any"},
	{regexp.MustCompile(`(?i)\bcan't\s+see\s+nothing\b`), "can't see anything"},
}

// FixDoubleNegatives rewrites the common double negatives.
func FixDoubleNegatives(text string) string {
	return rewriteAll(text, doubleNegatives)
}

var prepositions = []rewrite{
	{regexp.MustCompile(`(?i)\bdifferent\s+than\b`), "different from"},
	{regexp.MustCompile(`(?i)\bin\s+the\s+weekend\b`), "on the weekend"},
	{regexp.MustCompile(`(?i)\bmarried\s+with\b`), "married to"},
}

// FixPrepositions repairs a handful of preposition collocations.
func FixPrepositions(text string) string {
	return rewriteAll(text, prepositions)
}

var (
	thirdPerson     = map[string]bool{"he": true, "she": true, "it": true}
	nonThirdPerson  = map[string]bool{"i": true, "you": true, "we": true, "they": true}
	toThirdPerson   = map[string]string{"have": "has", "do": "does", "go": "goes"}
	fromThirdPerson = map[string]string{"has": "have", "does": "do", "goes": "go"}
)

// FixAgreement fixes subject-verb agreement for the irregular verbs have, do
// and go directly after a personal pronoun.
func FixAgreement(text string) string {
	words := strings.Fields(text)
	for i := 0; i+1 < len(words); i++ {
		subj := bare(words[i])
		verb := words[i+1]
		var table map[string]string
		switch {
		case thirdPerson[subj]:
			table = toThirdPerson
		case nonThirdPerson[subj]:
			table = fromThirdPerson
		default:
			continue
		}
		if repl, ok := table[strings.ToLower(verb)]; ok {
			words[i+1] = matchCase(verb, repl)
		}
	}
	return strings.Join(words, " ")
}

var timeWords = setOf(
	"today", "tomorrow", "yesterday", "tonight", "now", "later",
	"soon", "morning", "afternoon", "evening", "night", "week",
	"month", "year", "monday", "tuesday", "wednesday", "thursday",
	"friday", "saturday", "sunday",
)

var frequencyAdverbs = setOf(
	"always", "usually", "often", "sometimes", "rarely",
	"never", "frequently", "occasionally", "seldom",
)

var articles = setOf("a", "an", "the")

var auxiliaries = setOf("am", "is", "are", "was", "were", "have", "has", "had")

var subjectPronouns = setOf("i", "you", "he", "she", "it", "we", "they")

// FixWordOrder applies two reorderings, in this order:
//
//  1. article + time word + noun → article + noun + time word
//     ("a tomorrow match" → "a match tomorrow").
//  2. subject pronoun + verb + frequency adverb → subject + adverb + verb
//     ("i go always" → "i always go"). Auxiliaries keep the adverb after
//     them ("she is often late"). A reordered sentence is left alone on a
//     second pass because the adverb then follows the subject.
func FixWordOrder(text string) string {
	words := strings.Fields(text)

	for i := 0; i+2 < len(words); i++ {
		if !articles[bare(words[i])] || !timeWords[strings.ToLower(words[i+1])] {
			continue
		}
		noun := bare(words[i+2])
		if noun == "" || articles[noun] || timeWords[noun] || frequencyAdverbs[noun] {
			continue
		}
		core, tail := splitTrailingPunct(words[i+2])
		words[i+1], words[i+2] = core, words[i+1]+tail
	}

	for i := 2; i < len(words); i++ {
		adv, tail := splitTrailingPunct(words[i])
		if !frequencyAdverbs[strings.ToLower(adv)] || !subjectPronouns[bare(words[i-2])] {
			continue
		}
		prev := words[i-1]
		if auxiliaries[bare(prev)] || hasTrailingPunct(prev) {
			continue
		}
		words[i-1], words[i] = adv, prev+tail
	}

	return strings.Join(words, " ")
}

// vowelSoundWords start with a consonant letter but a vowel sound.
var vowelSoundWords = setOf("hour", "hours", "honest", "honestly", "honor", "honour", "heir", "herb")

// consonantSoundWords start with a vowel letter but a consonant sound.
var consonantSoundWords = setOf(
	"one", "once", "unicorn", "uniform", "union", "unique", "unit",
	"university", "user", "useful", "usual", "usually", "utility", "european",
)

// FixArticles chooses "a" or "an" from the sound of the following word.
func FixArticles(text string) string {
	words := strings.Fields(text)
	for i := 0; i+1 < len(words); i++ {
		art := words[i]
		lower := strings.ToLower(art)
		if lower != "a" && lower != "an" {
			continue
		}
		next := bare(words[i+1])
		if next == "" {
			continue
		}
		want := "a"
		if startsWithVowelSound(next) {
			want = "an"
		}
		if lower != want {
			words[i] = matchCase(art, want)
		}
	}
	return strings.Join(words, " ")
}

func startsWithVowelSound(word string) bool {
	if vowelSoundWords[word] {
		return true
	}
	if consonantSoundWords[word] {
		return false
	}
	return strings.ContainsRune("aeiou", rune(word[0]))
}

var (
	afterTerminator = regexp.MustCompile(`[.!?]\s+[a-z]`)
	pronounI        = regexp.MustCompile(`\bi\b`)
	calendarWords   = regexp.MustCompile(`(?i)\b(monday|tuesday|wednesday|thursday|friday|saturday|sunday|january|february|april|june|july|august|september|october|november|december)\b`)
)

// Capitalize upper-cases the first letter, the first letter after sentence
// punctuation, the pronoun "I", and day and month names. "may" and "march"
// are left alone because they are more often verbs.
func Capitalize(text string) string {
	if text == "" {
		return text
	}
	text = upperFirst(text)
	text = afterTerminator.ReplaceAllStringFunc(text, func(m string) string {
		return m[:len(m)-1] + strings.ToUpper(m[len(m)-1:])
	})
	text = pronounI.ReplaceAllString(text, "I")
	text = calendarWords.ReplaceAllStringFunc(text, func(m string) string {
		return strings.ToUpper(m[:1]) + strings.ToLower(m[1:])
	})
	return text
}

// longSentenceWords is the word count above which commas are inserted
// before coordinating conjunctions.
const longSentenceWords = 8

var conjunctions = setOf("and", "but", "or", "so", "yet")

// Punctuate appends a period when the text lacks terminal punctuation and,
// for sentences longer than eight words, puts a comma before each
// coordinating conjunction that does not already follow punctuation.
func Punctuate(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return text
	}
	if !endsSentence(text) {
		text += "."
	}

	words := strings.Fields(text)
	if len(words) <= longSentenceWords {
		return text
	}
	for i := 1; i < len(words); i++ {
		if conjunctions[words[i]] && !hasTrailingPunct(words[i-1]) {
			words[i-1] += ","
		}
	}
	return strings.Join(words, " ")
}

var (
	spaceBeforePunct = regexp.MustCompile(`\s+([,.!?;:])`)
	noSpaceAfter     = regexp.MustCompile(`([,.!?;:])([^\s\d,.!?;:'")\]])`)
	multiSpace       = regexp.MustCompile(`\s+`)
)

// NormalizeSpacing removes whitespace before punctuation, ensures a space
// after it, and collapses runs of whitespace.
func NormalizeSpacing(text string) string {
	text = spaceBeforePunct.ReplaceAllString(text, "${1}")
	text = noSpaceAfter.ReplaceAllString(text, "${1} ${2}")
	return strings.TrimSpace(multiSpace.ReplaceAllString(text, " "))
}

// bare lowercases a token and strips surrounding punctuation.
func bare(tok string) string {
	return strings.ToLower(strings.TrimFunc(tok, func(r rune) bool {
		return unicode.IsPunct(r) && r != '\''
	}))
}

func splitTrailingPunct(tok string) (core, tail string) {
	core = strings.TrimRightFunc(tok, unicode.IsPunct)
	return core, tok[len(core):]
}

func hasTrailingPunct(tok string) bool {
	_, tail := splitTrailingPunct(tok)
	return tail != ""
}

// matchCase returns repl with the capitalisation of the first letter of orig.
func matchCase(orig, repl string) string {
	if orig != "" && unicode.IsUpper(rune(orig[0])) {
		return upperFirst(repl)
	}
	return repl
}

func setOf(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}
