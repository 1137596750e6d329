package learning

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/MrWong99/verbatim/pkg/types"
)

type replacement struct {
	re   *regexp.Regexp
	repl string
}

func table(pairs ...string) []replacement {
	out := make([]replacement, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, replacement{
			re:   regexp.MustCompile(`\b` + regexp.QuoteMeta(pairs[i]) + `\b`),
			repl: pairs[i+1],
		})
	}
	return out
}

// simpleCorrections is the built-in correction table used when no improver
// is configured or the improver fails. Tones without an entry have no
// built-in corrections.
var simpleCorrections = map[types.ToneMode][]replacement{
	types.ToneFormal: table(
		"gotta", "must",
		"wanna", "want to",
		"gonna", "going to",
		"yeah", "yes",
		"nope", "no",
		"hey", "hello",
		"dude", "sir/madam",
		"bruh", "",
		"kinda", "somewhat",
		"sorta", "somewhat",
	),
	types.ToneCasual: table(
		"must", "gotta",
		"want to", "wanna",
		"going to", "gonna",
	),
}

var collapseSpace = regexp.MustCompile(`\s+`)

// SimpleCorrection applies the built-in whole-word correction table for tone
// to text.
func SimpleCorrection(text string, tone types.ToneMode) string {
	result := text
	for _, r := range simpleCorrections[tone] {
		result = r.re.ReplaceAllString(result, r.repl)
	}
	return squash(result)
}

// squash collapses runs of whitespace and trims the ends.
func squash(s string) string {
	return strings.TrimSpace(collapseSpace.ReplaceAllString(s, " "))
}

// AutoImprove produces a better version of original after the user rejected
// wrongOutput. The configured [Improver] is tried first; when it is absent,
// fails or returns nothing new, the built-in table is used. A result that
// differs from original by more than whitespace is recorded as an automatic correction and returned
// with changed set to true.
func (m *Memory) AutoImprove(ctx context.Context, original, wrongOutput string, tone types.ToneMode) (improved string, changed bool, err error) {
	if strings.TrimSpace(original) == "" {
		return "", false, fmt.Errorf("learning: auto improve: original is required: %w", ErrInvalidFeedback)
	}

	improved = m.suggest(ctx, original, wrongOutput, tone)
	if improved == "" || improved == squash(original) {
		return "", false, nil
	}

	if err := m.RecordCorrection(ctx, original, wrongOutput, improved, types.SourceAutomatic, tone); err != nil {
		return "", false, fmt.Errorf("learning: auto improve: %w", err)
	}
	return improved, true, nil
}

func (m *Memory) suggest(ctx context.Context, original, wrongOutput string, tone types.ToneMode) string {
	if m.improver != nil {
		s, err := m.improver.Improve(ctx, original, wrongOutput, tone)
		switch {
		case err != nil:
			slog.Warn("learning: improver failed, using built-in corrections", "err", err)
		case squash(s) != "" && squash(s) != squash(original):
			return squash(s)
		}
	}
	return SimpleCorrection(original, tone)
}
