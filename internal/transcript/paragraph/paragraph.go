// Package paragraph decides how a finished utterance is joined to the text
// before it, based on how long the speaker paused.
//
// A short pause continues the sentence, a medium pause ends it and a long
// pause starts a new paragraph. The Detector also recognises questions so the
// terminal mark can be chosen correctly.
package paragraph

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/verbatim/pkg/types"
)

const (
	// DefaultSentencePause is the silence after which a sentence is closed.
	DefaultSentencePause = 2 * time.Second

	// DefaultParagraphPause is the silence after which a paragraph break is
	// inserted.
	DefaultParagraphPause = 5 * time.Second
)

// Option configures a [Detector].
type Option func(*Detector)

// WithPauses overrides the sentence and paragraph silence thresholds.
// Non-positive values keep the defaults.
func WithPauses(sentence, paragraph time.Duration) Option {
	return func(d *Detector) {
		if sentence > 0 {
			d.sentencePause = sentence
		}
		if paragraph > 0 {
			d.paragraphPause = paragraph
		}
	}
}

// WithClock replaces time.Now. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) {
		d.now = now
	}
}

// Detector tracks speech and silence for one session. All methods are safe
// for concurrent use.
type Detector struct {
	sentencePause  time.Duration
	paragraphPause time.Duration
	now            func() time.Time

	mu           sync.Mutex
	lastVoice    time.Time
	silenceStart time.Time
	silent       bool
	lastSilence  time.Duration
}

// New creates a Detector with the given options applied.
func New(opts ...Option) *Detector {
	d := &Detector{
		sentencePause:  DefaultSentencePause,
		paragraphPause: DefaultParagraphPause,
		now:            time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	d.lastVoice = d.now()
	return d
}

// MarkVoiceActivity records that the speaker is talking. If a silence was in
// progress it is closed and its length remembered.
func (d *Detector) MarkVoiceActivity() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.lastVoice = now
	if d.silent {
		d.lastSilence = now.Sub(d.silenceStart)
		d.silent = false
		d.silenceStart = time.Time{}
	}
}

// MarkSilenceStart records that the speaker stopped talking. Repeated calls
// during the same silence keep the original start time.
func (d *Detector) MarkSilenceStart() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.silent {
		d.silent = true
		d.silenceStart = d.now()
	}
}

// SilenceDuration returns the length of the silence in progress, or zero
// when the speaker is talking.
func (d *Detector) SilenceDuration() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currentSilence()
}

// LastSilence returns the length of the most recently completed silence.
func (d *Detector) LastSilence() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSilence
}

func (d *Detector) currentSilence() time.Duration {
	if !d.silent {
		return 0
	}
	return d.now().Sub(d.silenceStart)
}

// Classify maps a silence duration onto a break type.
func (d *Detector) Classify(silence time.Duration) types.BreakType {
	switch {
	case silence >= d.paragraphPause:
		return types.BreakParagraph
	case silence >= d.sentencePause:
		return types.BreakSentence
	default:
		return types.BreakNone
	}
}

// DetectBreak classifies the silence that preceded the current utterance:
// the ongoing silence if there is one, otherwise the last completed one.
func (d *Detector) DetectBreak() types.BreakType {
	d.mu.Lock()
	silence := d.currentSilence()
	if !d.silent {
		silence = d.lastSilence
	}
	d.mu.Unlock()
	return d.Classify(silence)
}

// Reset forgets all tracked speech and silence.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.lastVoice = d.now()
	d.silenceStart = time.Time{}
	d.silent = false
	d.lastSilence = 0
}

// Statements that open like a question.
var notQuestion = []*regexp.Regexp{
	regexp.MustCompile(`^what\s+(i'm|im|i am)\s+`),
	regexp.MustCompile(`^what\s+a\s+`),
	regexp.MustCompile(`^what\s+(we|they|he|she|it)\s+(need|want|should|can|could)`),
	regexp.MustCompile(`know\s+what\s+to`),
	regexp.MustCompile(`tell\s+me\s+what`),
}

var questionStarters = map[string]bool{
	"what": true, "where": true, "when": true, "why": true, "who": true,
	"whom": true, "whose": true, "which": true, "how": true,
	"is": true, "are": true, "was": true, "were": true, "am": true,
	"do": true, "does": true, "did": true,
	"can": true, "could": true, "would": true, "should": true, "will": true, "shall": true,
	"have": true, "has": true, "had": true,
	"may": true, "might": true, "must": true,
}

// IsQuestion reports whether text reads as a direct question. Known
// statement patterns are ruled out before the opening word is inspected.
func IsQuestion(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	for _, re := range notQuestion {
		if re.MatchString(lower) {
			return false
		}
	}
	if strings.HasSuffix(lower, "?") {
		return true
	}
	fields := strings.Fields(lower)
	if len(fields) == 0 {
		return false
	}
	return questionStarters[strings.Trim(fields[0], ",.!?;:")]
}

// Format closes text according to brk. Sentence and paragraph breaks replace
// any terminal mark with "." or "?" and append a space or a blank line. With
// no break the text is left as is, except that a question ending in "." gets
// a "?" instead.
func Format(text string, brk types.BreakType) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}

	if brk != types.BreakSentence && brk != types.BreakParagraph {
		if strings.HasSuffix(text, ".") && !strings.HasSuffix(text, "..") && IsQuestion(text) {
			return strings.TrimSuffix(text, ".") + "?"
		}
		return text
	}

	question := IsQuestion(text)
	body := strings.TrimSpace(strings.TrimRight(text, ".!?"))
	if body == "" {
		return ""
	}
	mark := "."
	if question {
		mark = "?"
	}
	if brk == types.BreakParagraph {
		return body + mark + "\n\n"
	}
	return body + mark + " "
}
