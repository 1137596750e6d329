package disfluency_test

import (
	"testing"

	"github.com/MrWong99/verbatim/internal/transcript/disfluency"
)

func TestClean(t *testing.T) {
	t.Parallel()

	f := disfluency.New()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"whitespace", "  \n\t ", ""},
		{"single filler", "um I want pizza", "I want pizza"},
		{"phrase consumed whole", "you know I went home", "I went home"},
		{"phrase not partially shadowed", "I know you know", "I know"},
		{"multiple fillers", "uh so basically it works", "It works"},
		{"stutter collapsed", "I I I want to go", "I want to go"},
		{"double kept", "that that is fine", "That that is fine"},
		{"punctuated filler", "um, the plan is fine", "The plan is fine"},
		{"case insensitive", "Okay Kind Of ready", "Ready"},
		{"content kept", "the meeting starts at noon", "The meeting starts at noon"},
		{"only fillers", "um uh like", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := f.Clean(tt.in); got != tt.want {
				t.Errorf("Clean(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestClean_CustomFillers(t *testing.T) {
	t.Parallel()

	f := disfluency.New(disfluency.WithFillers("hmm", "let me think"))
	got := f.Clean("hmm let me think um okay")
	if got != "Um okay" {
		t.Errorf("Clean = %q, want %q", got, "Um okay")
	}
}
