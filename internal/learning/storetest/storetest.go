// Package storetest holds the behaviour every [learning.Store] backend must
// share. Backend packages call [Run] from their own tests.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/MrWong99/verbatim/internal/learning"
	"github.com/MrWong99/verbatim/pkg/types"
)

// Opener returns an empty store. It should register cleanup with t.
type Opener func(t *testing.T) learning.Store

// base is truncated to microseconds so every backend round-trips it.
var base = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func at(sec int) time.Time { return base.Add(time.Duration(sec) * time.Second) }

// Run executes the conformance suite against stores produced by open.
func Run(t *testing.T, open Opener) {
	t.Helper()

	t.Run("RuleUpsert", func(t *testing.T) { testRuleUpsert(t, open(t)) })
	t.Run("RulesFilterAndOrder", func(t *testing.T) { testRulesFilterAndOrder(t, open(t)) })
	t.Run("MarkApplied", func(t *testing.T) { testMarkApplied(t, open(t)) })
	t.Run("ExactMatch", func(t *testing.T) { testExactMatch(t, open(t)) })
	t.Run("Feedback", func(t *testing.T) { testFeedback(t, open(t)) })
	t.Run("History", func(t *testing.T) { testHistory(t, open(t)) })
	t.Run("StatsAndClear", func(t *testing.T) { testStatsAndClear(t, open(t)) })
}

func correction(original, corrected string, tone types.ToneMode, when time.Time) types.CorrectionEntry {
	return types.CorrectionEntry{
		Original:    original,
		WrongOutput: original,
		Corrected:   corrected,
		Source:      types.SourceManual,
		Tone:        tone,
		CreatedAt:   when,
	}
}

func mustAdd(t *testing.T, s learning.Store, e types.CorrectionEntry, rules ...types.RuleKey) {
	t.Helper()
	if err := s.AddCorrection(context.Background(), e, rules); err != nil {
		t.Fatalf("AddCorrection: %v", err)
	}
}

func testRuleUpsert(t *testing.T, s learning.Store) {
	ctx := context.Background()
	key := types.RuleKey{From: "gotta", To: "must", Tone: types.ToneFormal}

	mustAdd(t, s, correction("I gotta go", "I must leave", types.ToneFormal, at(0)), key,
		types.RuleKey{From: "go", To: "leave", Tone: types.ToneFormal})
	mustAdd(t, s, correction("I gotta sleep", "I must sleep", types.ToneFormal, at(10)), key)

	rules, err := s.Rules(ctx, types.ToneFormal, 1)
	if err != nil {
		t.Fatalf("Rules: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("got %d rules, want 2: %+v", len(rules), rules)
	}
	got := rules[0]
	if got.RuleKey != key || got.UsageCount != 2 {
		t.Errorf("first rule = %+v, want %+v with usage 2", got, key)
	}
	if !got.CreatedAt.Equal(at(0)) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, at(0))
	}
	if !got.LastUsed.Equal(at(10)) {
		t.Errorf("LastUsed = %v, want %v", got.LastUsed, at(10))
	}
	if rules[1].UsageCount != 1 {
		t.Errorf("second rule usage = %d, want 1", rules[1].UsageCount)
	}
}

func testRulesFilterAndOrder(t *testing.T, s learning.Store) {
	ctx := context.Background()
	a := types.RuleKey{From: "a", To: "x", Tone: types.ToneFormal}
	b := types.RuleKey{From: "b", To: "y", Tone: types.ToneFormal}
	c := types.RuleKey{From: "c", To: "z", Tone: types.ToneCasual}

	mustAdd(t, s, correction("a b c", "x y z", types.ToneFormal, at(0)), a, b)
	mustAdd(t, s, correction("b", "y", types.ToneFormal, at(1)), b)
	mustAdd(t, s, correction("b", "y", types.ToneFormal, at(2)), b)
	mustAdd(t, s, correction("a", "x", types.ToneFormal, at(3)), a)
	mustAdd(t, s, correction("c", "z", types.ToneCasual, at(4)), c)

	formal, err := s.Rules(ctx, types.ToneFormal, 2)
	if err != nil {
		t.Fatalf("Rules: %v", err)
	}
	if len(formal) != 2 || formal[0].RuleKey != b || formal[1].RuleKey != a {
		t.Fatalf("formal rules = %+v, want b(3) then a(2)", formal)
	}

	active, err := s.Rules(ctx, types.ToneCasual, 2)
	if err != nil {
		t.Fatalf("Rules: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("casual active rules = %+v, want none", active)
	}

	all, err := s.Rules(ctx, "", 1)
	if err != nil {
		t.Fatalf("Rules(all): %v", err)
	}
	if len(all) != 3 {
		t.Errorf("all rules = %d, want 3", len(all))
	}
}

func testMarkApplied(t *testing.T, s learning.Store) {
	ctx := context.Background()
	key := types.RuleKey{From: "gotta", To: "must", Tone: types.ToneFormal}
	mustAdd(t, s, correction("gotta", "must", types.ToneFormal, at(0)), key)

	if err := s.MarkApplied(ctx, []types.RuleKey{key}, at(30)); err != nil {
		t.Fatalf("MarkApplied: %v", err)
	}
	if err := s.MarkApplied(ctx, []types.RuleKey{key}, at(40)); err != nil {
		t.Fatalf("MarkApplied: %v", err)
	}

	rules, err := s.Rules(ctx, types.ToneFormal, 1)
	if err != nil {
		t.Fatalf("Rules: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("got %d rules, want 1", len(rules))
	}
	if rules[0].SuccessCount != 2 {
		t.Errorf("SuccessCount = %d, want 2", rules[0].SuccessCount)
	}
	if rules[0].UsageCount != 1 {
		t.Errorf("UsageCount = %d, want 1 (applications must not count as usage)", rules[0].UsageCount)
	}
	if !rules[0].LastUsed.Equal(at(40)) {
		t.Errorf("LastUsed = %v, want %v", rules[0].LastUsed, at(40))
	}
}

func testExactMatch(t *testing.T, s learning.Store) {
	ctx := context.Background()

	m, err := s.ExactMatch(ctx, "hello there", types.ToneNeutral)
	if err != nil {
		t.Fatalf("ExactMatch: %v", err)
	}
	if m != nil {
		t.Fatalf("ExactMatch on empty store = %+v, want nil", m)
	}

	mustAdd(t, s, correction("Hello There", "Hi there.", types.ToneNeutral, at(0)))
	mustAdd(t, s, correction("hello there ", "Hello there.", types.ToneNeutral, at(1)))
	mustAdd(t, s, correction("HELLO THERE", "Hello there.", types.ToneNeutral, at(2)))
	mustAdd(t, s, correction("hello there", "Good day.", types.ToneFormal, at(3)))

	m, err = s.ExactMatch(ctx, "hello there", types.ToneNeutral)
	if err != nil {
		t.Fatalf("ExactMatch: %v", err)
	}
	if m == nil || m.Corrected != "Hello there." || m.Count != 2 {
		t.Fatalf("ExactMatch = %+v, want {Hello there. 2}", m)
	}

	// Ties go to the most recent output.
	mustAdd(t, s, correction("hello there", "Hi there.", types.ToneNeutral, at(4)))
	m, err = s.ExactMatch(ctx, "hello there", types.ToneNeutral)
	if err != nil {
		t.Fatalf("ExactMatch: %v", err)
	}
	if m == nil || m.Corrected != "Hi there." || m.Count != 2 {
		t.Fatalf("ExactMatch after tie = %+v, want {Hi there. 2}", m)
	}

	m, err = s.ExactMatch(ctx, "hello there", types.ToneFormal)
	if err != nil {
		t.Fatalf("ExactMatch: %v", err)
	}
	if m == nil || m.Corrected != "Good day." || m.Count != 1 {
		t.Errorf("formal ExactMatch = %+v, want {Good day. 1}", m)
	}

	// Keys fold non-ASCII capitals and surrounding tabs and newlines.
	mustAdd(t, s, correction("Élan vital", "Élan vital!", types.ToneNeutral, at(5)))
	mustAdd(t, s, correction("\tÉLAN VITAL\n", "Élan vital!", types.ToneNeutral, at(6)))
	mustAdd(t, s, correction("élan vital", "Élan vital!", types.ToneNeutral, at(7)))
	m, err = s.ExactMatch(ctx, learning.OriginalKey("Élan vital"), types.ToneNeutral)
	if err != nil {
		t.Fatalf("ExactMatch: %v", err)
	}
	if m == nil || m.Corrected != "Élan vital!" || m.Count != 3 {
		t.Errorf("ExactMatch(Élan vital) = %+v, want {Élan vital! 3}", m)
	}
}

func testFeedback(t *testing.T, s learning.Store) {
	ctx := context.Background()
	for i, kind := range []types.FeedbackKind{types.FeedbackApprove, types.FeedbackApprove, types.FeedbackReject} {
		err := s.AddFeedback(ctx, types.FeedbackEntry{
			Kind: kind, Original: "x", Output: "X.", Tone: types.ToneNeutral, CreatedAt: at(i),
		})
		if err != nil {
			t.Fatalf("AddFeedback: %v", err)
		}
	}
	approved, rejected, err := s.FeedbackCounts(ctx)
	if err != nil {
		t.Fatalf("FeedbackCounts: %v", err)
	}
	if approved != 2 || rejected != 1 {
		t.Errorf("FeedbackCounts = %d/%d, want 2/1", approved, rejected)
	}
}

func record(id, raw, final string, latency time.Duration, when time.Time) types.PipelineRecord {
	return types.PipelineRecord{
		ID:               id,
		SessionID:        "session-1",
		Raw:              raw,
		Deduplicated:     raw,
		Filtered:         raw,
		GrammarCorrected: final,
		Toned:            final,
		Final:            final,
		Tone:             types.ToneNeutral,
		BreakType:        types.BreakSentence,
		Timings: map[types.Stage]time.Duration{
			types.StageDeduplicated: time.Millisecond,
			types.StageGrammar:      5 * time.Millisecond,
		},
		TotalLatency: latency,
		CreatedAt:    when,
	}
}

func testHistory(t *testing.T, s learning.Store) {
	ctx := context.Background()
	for i, id := range []string{"r1", "r2", "r3"} {
		rec := record(id, "raw "+id, "Final "+id+".", time.Duration(i+1)*10*time.Millisecond, at(i))
		if err := s.SaveRecord(ctx, rec); err != nil {
			t.Fatalf("SaveRecord: %v", err)
		}
	}

	items, err := s.History(ctx, 2)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("History returned %d items, want 2", len(items))
	}
	if items[0].ID != "r3" || items[1].ID != "r2" {
		t.Errorf("History order = %s,%s, want r3,r2", items[0].ID, items[1].ID)
	}
	if items[0].Original != "raw r3" || items[0].Final != "Final r3." || items[0].LatencyMS != 30 {
		t.Errorf("History[0] = %+v", items[0])
	}
	if !items[0].CreatedAt.Equal(at(2)) {
		t.Errorf("History[0].CreatedAt = %v, want %v", items[0].CreatedAt, at(2))
	}
}

func testStatsAndClear(t *testing.T, s learning.Store) {
	ctx := context.Background()
	key := types.RuleKey{From: "gotta", To: "must", Tone: types.ToneFormal}
	mustAdd(t, s, correction("I gotta go", "I must go", types.ToneFormal, at(0)), key)
	mustAdd(t, s, correction("I gotta eat", "I must eat", types.ToneFormal, at(1)), key)
	mustAdd(t, s, correction("yeah", "yes", types.ToneFormal, at(2)),
		types.RuleKey{From: "yeah", To: "yes", Tone: types.ToneFormal})
	if err := s.SaveRecord(ctx, record("r1", "a", "A.", 10*time.Millisecond, at(3))); err != nil {
		t.Fatalf("SaveRecord: %v", err)
	}
	if err := s.SaveRecord(ctx, record("r2", "b", "B.", 20*time.Millisecond, at(4))); err != nil {
		t.Fatalf("SaveRecord: %v", err)
	}
	if err := s.AddFeedback(ctx, types.FeedbackEntry{Kind: types.FeedbackReject, Original: "a", Output: "A.", CreatedAt: at(5)}); err != nil {
		t.Fatalf("AddFeedback: %v", err)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	want := types.Stats{
		TotalTranscriptions: 2,
		TotalCorrections:    3,
		TotalRules:          2,
		ActiveRules:         1,
		Rejected:            1,
		AvgLatencyMS:        15,
	}
	if st != want {
		t.Errorf("Stats = %+v, want %+v", st, want)
	}

	corrections, err := s.Corrections(ctx)
	if err != nil {
		t.Fatalf("Corrections: %v", err)
	}
	if len(corrections) != 3 || corrections[0].Original != "I gotta go" || corrections[2].Corrected != "yes" {
		t.Errorf("Corrections = %+v", corrections)
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	st, err = s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats after Clear: %v", err)
	}
	if st != (types.Stats{}) {
		t.Errorf("Stats after Clear = %+v, want zero", st)
	}
	items, err := s.History(ctx, 10)
	if err != nil {
		t.Fatalf("History after Clear: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("History after Clear = %+v, want empty", items)
	}
}
