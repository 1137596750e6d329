package grammar

import (
	"strings"
	"testing"
)

func TestCorrect_DegradesOnPanic(t *testing.T) {
	t.Parallel()

	c := New()
	c.steps[3].rule = func(string) string { panic("boom") }

	res := c.Correct("i have a tomorrow match")
	if !res.Degraded {
		t.Fatal("expected degraded result")
	}
	if res.Err == nil || !strings.Contains(res.Err.Error(), "ARTICLES_FIXED") {
		t.Errorf("Err = %v, want mention of ARTICLES_FIXED", res.Err)
	}
	if res.State != StateReordered {
		t.Errorf("State = %s, want REORDERED", res.State)
	}
	if res.Partial != "i have a match tomorrow" {
		t.Errorf("Partial = %q", res.Partial)
	}
	if res.Text != "I have a match tomorrow." {
		t.Errorf("Text = %q, want fallback of partial", res.Text)
	}
}
