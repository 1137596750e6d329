package grammar_test

import (
	"testing"

	"github.com/MrWong99/verbatim/internal/transcript/grammar"
)

func TestCorrect_Scenarios(t *testing.T) {
	t.Parallel()

	c := grammar.New()
	tests := []struct {
		in   string
		want string
	}{
		{"i have a tomorrow match", "I have a match tomorrow."},
		{"this is a umbrella", "This is an umbrella."},
		{"i could of done it", "I could have done it."},
		{"I GO ALWAYS TO THE GYM", "I always go to the gym."},
		{"we meet on monday", "We meet on Monday."},
		{"its going well. i think so", "It's going well. I think so."},
		{"hello , world", "Hello, world."},
		{"is it done?", "Is it done?"},
		{"we went to the store and we bought milk and then we went home", "We went to the store, and we bought milk, and then we went home."},
	}
	for _, tt := range tests {
		res := c.Correct(tt.in)
		if res.Degraded {
			t.Errorf("Correct(%q) degraded: %v", tt.in, res.Err)
		}
		if res.State != grammar.StateSpaced {
			t.Errorf("Correct(%q) state = %s, want SPACED", tt.in, res.State)
		}
		if res.Text != tt.want {
			t.Errorf("Correct(%q) = %q, want %q", tt.in, res.Text, tt.want)
		}
	}
}

func TestCorrect_Blank(t *testing.T) {
	t.Parallel()

	res := grammar.New().Correct("   ")
	if res.Text != "   " || res.Degraded {
		t.Errorf("blank input: got %+v", res)
	}
}

func TestCorrect_Deterministic(t *testing.T) {
	t.Parallel()

	c := grammar.New()
	in := "i could of gone their is a hour left"
	first := c.Correct(in).Text
	for range 5 {
		if got := c.Correct(in).Text; got != first {
			t.Fatalf("non-deterministic: %q vs %q", got, first)
		}
	}
}

func TestFixCommonMistakes(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want string }{
		{"i could of done it", "i could have done it"},
		{"you should of known", "you should have known"},
		{"that would of helped", "that would have helped"},
		{"thanks alot", "thanks a lot"},
		{"your going home", "you're going home"},
		{"its coming", "it's coming"},
		{"their is a cat", "there is a cat"},
		{"there going now", "they're going now"},
		{"the offer is fine", "the offer is fine"},
	}
	for _, tt := range tests {
		if got := grammar.FixCommonMistakes(tt.in); got != tt.want {
			t.Errorf("FixCommonMistakes(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFixDoubleNegatives(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want string }{
		{"i don't have no money", "i don't have any money"},
		{"we didn't have no time", "we didn't have any time"},
		{"i can't see nothing", "i can't see anything"},
	}
	for _, tt := range tests {
		if got := grammar.FixDoubleNegatives(tt.in); got != tt.want {
			t.Errorf("FixDoubleNegatives(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFixWordOrder(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want string }{
		{"i have a tomorrow match", "i have a match tomorrow"},
		{"the tonight show.", "the show tonight."},
		{"i go always", "i always go"},
		{"i always go", "i always go"},
		{"she is often late", "she is often late"},
		{"we eat usually, then rest", "we usually eat, then rest"},
		{"a tomorrow morning", "a tomorrow morning"},
	}
	for _, tt := range tests {
		if got := grammar.FixWordOrder(tt.in); got != tt.want {
			t.Errorf("FixWordOrder(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFixWordOrder_Idempotent(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"i go always to a tomorrow match",
		"they play never the sunday game",
		"we watch a tonight movie often",
	}
	for _, in := range inputs {
		once := grammar.FixWordOrder(in)
		if twice := grammar.FixWordOrder(once); twice != once {
			t.Errorf("FixWordOrder not stable for %q: %q then %q", in, once, twice)
		}
	}
}

func TestFixArticles(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want string }{
		{"this is a umbrella", "this is an umbrella"},
		{"an dog barked", "a dog barked"},
		{"wait a hour", "wait an hour"},
		{"a honest man", "an honest man"},
		{"an university", "a university"},
		{"A apple a day", "An apple a day"},
		{"a apple.", "an apple."},
		{"it is a", "it is a"},
	}
	for _, tt := range tests {
		if got := grammar.FixArticles(tt.in); got != tt.want {
			t.Errorf("FixArticles(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCapitalize(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want string }{
		{"hello there", "Hello there"},
		{"done. next one! really? yes", "Done. Next one! Really? Yes"},
		{"i think i'm right", "I think I'm right"},
		{"see you on friday in june", "See you on Friday in June"},
		{"you may march on", "You may march on"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := grammar.Capitalize(tt.in); got != tt.want {
			t.Errorf("Capitalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPunctuate(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want string }{
		{"Hello", "Hello."},
		{"Really?", "Really?"},
		{"Short and sweet", "Short and sweet."},
		{"We tried the first one, and we tried the second one too", "We tried the first one, and we tried the second one too."},
		{"I wanted to go out but it was raining all day long", "I wanted to go out, but it was raining all day long."},
	}
	for _, tt := range tests {
		if got := grammar.Punctuate(tt.in); got != tt.want {
			t.Errorf("Punctuate(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeSpacing(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want string }{
		{"Hello , world .", "Hello, world."},
		{"One,two", "One, two"},
		{"  too   many   spaces ", "too many spaces"},
		{"It costs 3.50 today.", "It costs 3.50 today."},
		{"Wait...", "Wait..."},
	}
	for _, tt := range tests {
		if got := grammar.NormalizeSpacing(tt.in); got != tt.want {
			t.Errorf("NormalizeSpacing(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestOptionalRules(t *testing.T) {
	t.Parallel()

	c := grammar.New(grammar.WithPrepositions(), grammar.WithAgreement())
	got := c.Correct("he have a car different than mine").Text
	want := "He has a car different from mine."
	if got != want {
		t.Errorf("Correct = %q, want %q", got, want)
	}

	if got := grammar.New().Correct("he have a car").Text; got != "He have a car." {
		t.Errorf("agreement must be opt-in, got %q", got)
	}
}

func TestFallback(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want string }{
		{"", ""},
		{"  hi there ", "Hi there."},
		{"done!", "Done!"},
	}
	for _, tt := range tests {
		if got := grammar.Fallback(tt.in); got != tt.want {
			t.Errorf("Fallback(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
