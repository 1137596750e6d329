package paragraph_test

import (
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/verbatim/internal/transcript/paragraph"
	"github.com/MrWong99/verbatim/pkg/types"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestClassify(t *testing.T) {
	t.Parallel()

	d := paragraph.New()
	tests := []struct {
		silence time.Duration
		want    types.BreakType
	}{
		{silence: 1 * time.Second, want: types.BreakNone},
		{silence: 2500 * time.Millisecond, want: types.BreakSentence},
		{silence: 6 * time.Second, want: types.BreakParagraph},
		{silence: 2 * time.Second, want: types.BreakSentence},
		{silence: 5 * time.Second, want: types.BreakParagraph},
		{silence: 0, want: types.BreakNone},
	}
	for _, tt := range tests {
		if got := d.Classify(tt.silence); got != tt.want {
			t.Errorf("Classify(%v) = %q, want %q", tt.silence, got, tt.want)
		}
	}
}

func TestClassify_CustomPauses(t *testing.T) {
	t.Parallel()

	d := paragraph.New(paragraph.WithPauses(500*time.Millisecond, time.Second))
	if got := d.Classify(700 * time.Millisecond); got != types.BreakSentence {
		t.Errorf("Classify(700ms) = %q, want sentence", got)
	}
	if got := d.Classify(time.Second); got != types.BreakParagraph {
		t.Errorf("Classify(1s) = %q, want paragraph", got)
	}
}

func TestDetector_SilenceTracking(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	d := paragraph.New(paragraph.WithClock(clk.Now))

	if got := d.SilenceDuration(); got != 0 {
		t.Fatalf("initial SilenceDuration = %v, want 0", got)
	}

	d.MarkSilenceStart()
	clk.Advance(3 * time.Second)
	d.MarkSilenceStart() // must not restart the silence
	clk.Advance(500 * time.Millisecond)

	if got := d.SilenceDuration(); got != 3500*time.Millisecond {
		t.Errorf("SilenceDuration = %v, want 3.5s", got)
	}
	if got := d.DetectBreak(); got != types.BreakSentence {
		t.Errorf("DetectBreak during silence = %q, want sentence", got)
	}

	d.MarkVoiceActivity()
	if got := d.SilenceDuration(); got != 0 {
		t.Errorf("SilenceDuration after voice = %v, want 0", got)
	}
	if got := d.LastSilence(); got != 3500*time.Millisecond {
		t.Errorf("LastSilence = %v, want 3.5s", got)
	}
	if got := d.DetectBreak(); got != types.BreakSentence {
		t.Errorf("DetectBreak after voice = %q, want sentence", got)
	}

	d.MarkSilenceStart()
	clk.Advance(7 * time.Second)
	if got := d.DetectBreak(); got != types.BreakParagraph {
		t.Errorf("DetectBreak after long silence = %q, want paragraph", got)
	}

	d.Reset()
	if got := d.LastSilence(); got != 0 {
		t.Errorf("LastSilence after Reset = %v, want 0", got)
	}
	if got := d.DetectBreak(); got != types.BreakNone {
		t.Errorf("DetectBreak after Reset = %q, want none", got)
	}
}

func TestIsQuestion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text string
		want bool
	}{
		{"what is your name", true},
		{"where are you going", true},
		{"how does this work", true},
		{"is this correct", true},
		{"do you understand", true},
		{"could you explain", true},
		{"Will you come.", true},
		{"you are coming?", true},
		{"there should be question mark but it's not coming up", false},
		{"what I'm trying to say is we should release", false},
		{"I don't know what to do", false},
		{"tell me what happened", false},
		{"what a beautiful day", false},
		{"what we need is time", false},
		{"this is a statement", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := paragraph.IsQuestion(tt.text); got != tt.want {
			t.Errorf("IsQuestion(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		brk  types.BreakType
		want string
	}{
		{name: "sentence", text: "Hello everyone", brk: types.BreakSentence, want: "Hello everyone. "},
		{name: "paragraph", text: "This is a new paragraph.", brk: types.BreakParagraph, want: "This is a new paragraph.\n\n"},
		{name: "question sentence", text: "What is your name.", brk: types.BreakSentence, want: "What is your name? "},
		{name: "question paragraph", text: "are you ready", brk: types.BreakParagraph, want: "are you ready?\n\n"},
		{name: "none keeps text", text: "I have a match tomorrow.", brk: types.BreakNone, want: "I have a match tomorrow."},
		{name: "none fixes question mark", text: "Is this correct.", brk: types.BreakNone, want: "Is this correct?"},
		{name: "none keeps ellipsis", text: "Is this...", brk: types.BreakNone, want: "Is this..."},
		{name: "empty", text: "  ", brk: types.BreakParagraph, want: ""},
		{name: "only punctuation", text: "?!", brk: types.BreakSentence, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := paragraph.Format(tt.text, tt.brk); got != tt.want {
				t.Errorf("Format(%q, %s) = %q, want %q", tt.text, tt.brk, got, tt.want)
			}
		})
	}
}
