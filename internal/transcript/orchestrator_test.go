package transcript_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/verbatim/internal/learning"
	"github.com/MrWong99/verbatim/internal/learning/memstore"
	"github.com/MrWong99/verbatim/internal/observe"
	"github.com/MrWong99/verbatim/internal/transcript"
	"github.com/MrWong99/verbatim/internal/transcript/grammar"
	"github.com/MrWong99/verbatim/pkg/types"
)

type fakeSession struct {
	id   string
	tone types.ToneMode
	brk  types.BreakType

	mu   sync.Mutex
	last string
}

func (s *fakeSession) ID() string                   { return s.id }
func (s *fakeSession) Tone() types.ToneMode         { return s.tone }
func (s *fakeSession) DetectBreak() types.BreakType { return s.brk }

func (s *fakeSession) SetLastRecordID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = id
}

func (s *fakeSession) lastRecordID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func newSession(tone types.ToneMode) *fakeSession {
	return &fakeSession{id: "sess-1", tone: tone, brk: types.BreakNone}
}

// slowGrammar sleeps before answering.
type slowGrammar struct {
	delay time.Duration
	calls atomic.Int32
}

func (g *slowGrammar) Correct(text string) grammar.Result {
	g.calls.Add(1)
	time.Sleep(g.delay)
	return grammar.Result{Text: "CORRECTED", State: grammar.StateSpaced}
}

type panicGrammar struct{}

func (panicGrammar) Correct(string) grammar.Result { panic("boom") }

// recorder collects emitted events.
type recorder struct {
	mu     sync.Mutex
	events []transcript.Event
}

func (r *recorder) emit(e transcript.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) stages() []types.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.Stage
	for _, e := range r.events {
		if e.Type == transcript.EventStage {
			out = append(out, e.Stage)
		}
	}
	return out
}

func (r *recorder) last(typ transcript.EventType) (transcript.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == typ {
			return r.events[i], true
		}
	}
	return transcript.Event{}, false
}

func testMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func counter(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not a sum", name)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func utterance(text string) types.Utterance {
	return types.Utterance{Text: text, ReceivedAt: time.Now(), TranscriptionDuration: 300 * time.Millisecond}
}

func TestProcess_FullPipeline(t *testing.T) {
	t.Parallel()

	met, _ := testMetrics(t)
	mem := learning.New(memstore.New())
	o := transcript.New(transcript.WithRules(mem), transcript.WithMetrics(met))
	sess := newSession(types.ToneNeutral)
	rec := &recorder{}

	got := o.Process(context.Background(), utterance("i i have a um tomorrow match"), sess, 0, rec.emit)

	wantStages := []types.Stage{types.StageRaw, types.StageDeduplicated, types.StageFiltered, types.StageGrammar, types.StageFinal}
	if stages := rec.stages(); !equalStages(stages, wantStages) {
		t.Errorf("stages = %v, want %v", stages, wantStages)
	}
	if got.Raw != "i i have a um tomorrow match" {
		t.Errorf("Raw = %q", got.Raw)
	}
	if got.Deduplicated != "i have a um tomorrow match" {
		t.Errorf("Deduplicated = %q", got.Deduplicated)
	}
	if got.Filtered != "I have a tomorrow match" {
		t.Errorf("Filtered = %q", got.Filtered)
	}
	if got.GrammarCorrected != "I have a match tomorrow." {
		t.Errorf("GrammarCorrected = %q", got.GrammarCorrected)
	}
	if got.Final != "I have a match tomorrow." {
		t.Errorf("Final = %q", got.Final)
	}
	if got.GrammarTimedOut || got.GrammarSkipped || got.ExactMatch {
		t.Errorf("unexpected flags: %+v", got)
	}
	for _, st := range []types.Stage{types.StageDeduplicated, types.StageFiltered, types.StageGrammar, types.StageFinal} {
		if _, ok := got.Timings[st]; !ok {
			t.Errorf("missing timing for stage %s", st)
		}
	}

	full, ok := rec.last(transcript.EventFullSentence)
	if !ok || full.Text != got.Final {
		t.Errorf("fullSentence = %+v, want %q", full, got.Final)
	}
	done, ok := rec.last(transcript.EventRecordingComplete)
	if !ok || done.Learned || done.Latency != got.TotalLatency {
		t.Errorf("recording_complete = %+v", done)
	}

	if sess.lastRecordID() != got.ID {
		t.Errorf("session last record = %q, want %q", sess.lastRecordID(), got.ID)
	}
	history, err := mem.History(context.Background(), 1)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 || history[0].ID != got.ID || history[0].Final != got.Final {
		t.Errorf("persisted history = %+v", history)
	}
}

func TestProcess_BudgetRespected(t *testing.T) {
	t.Parallel()

	met, reader := testMetrics(t)
	g := &slowGrammar{delay: 2 * time.Second}
	o := transcript.New(
		transcript.WithGrammar(g),
		transcript.WithMetrics(met),
		transcript.WithTiming(transcript.Timing{GrammarCap: 10 * time.Second}),
	)

	start := time.Now()
	got := o.Process(context.Background(), utterance("so i think we should go"), newSession(types.ToneNeutral), 1500*time.Millisecond, nil)
	elapsed := time.Since(start)

	if elapsed > 1700*time.Millisecond {
		t.Errorf("Process took %v, want about 1.5s", elapsed)
	}
	if elapsed < time.Second {
		t.Errorf("Process took %v, grammar was not waited for", elapsed)
	}
	if !got.GrammarTimedOut {
		t.Error("GrammarTimedOut = false")
	}
	if got.GrammarCorrected != got.Filtered {
		t.Errorf("GrammarCorrected = %q, want uncorrected %q", got.GrammarCorrected, got.Filtered)
	}
	if strings.Contains(got.Final, "CORRECTED") {
		t.Errorf("late grammar result leaked into Final: %q", got.Final)
	}
	if n := counter(t, reader, "verbatim.grammar.timeouts"); n != 1 {
		t.Errorf("grammar timeouts = %d, want 1", n)
	}
}

func TestProcess_GrammarCapBoundsWait(t *testing.T) {
	t.Parallel()

	met, _ := testMetrics(t)
	g := &slowGrammar{delay: time.Second}
	o := transcript.New(
		transcript.WithGrammar(g),
		transcript.WithMetrics(met),
		transcript.WithTiming(transcript.Timing{GrammarCap: 100 * time.Millisecond}),
	)

	start := time.Now()
	got := o.Process(context.Background(), utterance("hello there"), newSession(types.ToneNeutral), 5*time.Second, nil)
	if elapsed := time.Since(start); elapsed > 600*time.Millisecond {
		t.Errorf("Process took %v, want the 100ms cap", elapsed)
	}
	if !got.GrammarTimedOut {
		t.Error("GrammarTimedOut = false")
	}
}

func TestProcess_SkipsGrammarWhenBudgetTooSmall(t *testing.T) {
	t.Parallel()

	met, reader := testMetrics(t)
	g := &slowGrammar{}
	o := transcript.New(transcript.WithGrammar(g), transcript.WithMetrics(met))
	rec := &recorder{}

	got := o.Process(context.Background(), utterance("hey dude i wanna go"), newSession(types.ToneFormal), 120*time.Millisecond, rec.emit)

	if !got.GrammarSkipped {
		t.Fatal("GrammarSkipped = false")
	}
	if g.calls.Load() != 0 {
		t.Errorf("grammar called %d times", g.calls.Load())
	}
	if got.Final != got.Filtered {
		t.Errorf("Final = %q, want filtered %q", got.Final, got.Filtered)
	}
	if len(rec.stages()) != 5 {
		t.Errorf("stages = %v, want all five", rec.stages())
	}
	if n := counter(t, reader, "verbatim.grammar.skipped"); n != 1 {
		t.Errorf("grammar skipped = %d, want 1", n)
	}
}

func TestProcess_ExactMatchGate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	met, reader := testMetrics(t)
	mem := learning.New(memstore.New())
	g := &slowGrammar{}
	o := transcript.New(transcript.WithRules(mem), transcript.WithGrammar(g), transcript.WithMetrics(met))

	record := func() {
		t.Helper()
		if err := mem.RecordCorrection(ctx, "see you tomorrow", "See you tomorrow.", "See you tomorrow!", types.SourceManual, types.ToneNeutral); err != nil {
			t.Fatalf("RecordCorrection: %v", err)
		}
	}
	record()
	record()

	got := o.Process(ctx, utterance("see you tomorrow"), newSession(types.ToneNeutral), 0, nil)
	if got.ExactMatch {
		t.Fatal("count 2 must not override the pipeline")
	}
	if g.calls.Load() != 1 {
		t.Fatalf("grammar calls = %d, want 1", g.calls.Load())
	}

	record()
	rec := &recorder{}
	got = o.Process(ctx, utterance("See you tomorrow"), newSession(types.ToneNeutral), 0, rec.emit)
	if !got.ExactMatch || got.Final != "See you tomorrow!" {
		t.Fatalf("count 3: ExactMatch = %v, Final = %q", got.ExactMatch, got.Final)
	}
	if g.calls.Load() != 1 {
		t.Errorf("grammar ran during override")
	}
	if stages := rec.stages(); !equalStages(stages, []types.Stage{types.StageRaw}) {
		t.Errorf("stages = %v, want only raw", stages)
	}
	done, _ := rec.last(transcript.EventRecordingComplete)
	if !done.Learned {
		t.Error("recording_complete.learned = false for override")
	}
	if n := counter(t, reader, "verbatim.exact_match.overrides"); n != 1 {
		t.Errorf("overrides = %d, want 1", n)
	}
}

func TestProcess_AppliesLearnedRules(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	met, _ := testMetrics(t)
	mem := learning.New(memstore.New())
	for _, c := range [][2]string{{"I gotta go", "I must leave"}, {"I gotta sleep", "I must sleep"}} {
		if err := mem.RecordCorrection(ctx, c[0], "", c[1], types.SourceManual, types.ToneFormal); err != nil {
			t.Fatalf("RecordCorrection: %v", err)
		}
	}
	o := transcript.New(transcript.WithRules(mem), transcript.WithMetrics(met))
	rec := &recorder{}

	got := o.Process(ctx, utterance("i gotta eat"), newSession(types.ToneFormal), 0, rec.emit)

	if !got.RulesApplied {
		t.Fatal("RulesApplied = false")
	}
	if got.Final != "I must eat." {
		t.Errorf("Final = %q, want %q", got.Final, "I must eat.")
	}
	done, _ := rec.last(transcript.EventRecordingComplete)
	if !done.Learned {
		t.Error("recording_complete.learned = false after rule application")
	}
}

func TestProcess_GrammarPanicDegrades(t *testing.T) {
	t.Parallel()

	met, reader := testMetrics(t)
	o := transcript.New(transcript.WithGrammar(panicGrammar{}), transcript.WithMetrics(met))

	got := o.Process(context.Background(), utterance("where is it"), newSession(types.ToneNeutral), 0, nil)

	if !got.GrammarDegraded {
		t.Fatal("GrammarDegraded = false")
	}
	if want := grammar.Fallback(got.Filtered); got.GrammarCorrected != want {
		t.Errorf("GrammarCorrected = %q, want fallback %q", got.GrammarCorrected, want)
	}
	if got.Final == "" {
		t.Error("pipeline produced no output")
	}
	if n := counter(t, reader, "verbatim.stage.failures"); n != 1 {
		t.Errorf("stage failures = %d, want 1", n)
	}
}

func TestProcess_ParagraphBreak(t *testing.T) {
	t.Parallel()

	met, _ := testMetrics(t)
	o := transcript.New(transcript.WithMetrics(met))
	sess := newSession(types.ToneNeutral)
	sess.brk = types.BreakParagraph

	got := o.Process(context.Background(), utterance("what time is it"), sess, 0, nil)

	if got.BreakType != types.BreakParagraph {
		t.Errorf("BreakType = %q", got.BreakType)
	}
	if got.Final != "What time is it?\n\n" {
		t.Errorf("Final = %q", got.Final)
	}
}

// failingStore errors on every call.
type failingStore struct{ saves atomic.Int32 }

func (s *failingStore) CheckExactMatch(context.Context, string, types.ToneMode) (*types.ExactMatch, error) {
	return nil, errors.New("db down")
}

func (s *failingStore) ApplyRules(_ context.Context, text string, _ types.ToneMode) (string, error) {
	return text, errors.New("db down")
}

func (s *failingStore) SaveRecord(context.Context, types.PipelineRecord) error {
	s.saves.Add(1)
	return errors.New("db down")
}

func TestProcess_StoreFailuresDoNotBlockOutput(t *testing.T) {
	t.Parallel()

	met, reader := testMetrics(t)
	store := &failingStore{}
	o := transcript.New(transcript.WithRules(store), transcript.WithMetrics(met))
	rec := &recorder{}

	got := o.Process(context.Background(), utterance("this is a umbrella"), newSession(types.ToneNeutral), 0, rec.emit)

	if got.Final != "This is an umbrella." {
		t.Errorf("Final = %q", got.Final)
	}
	if _, ok := rec.last(transcript.EventFullSentence); !ok {
		t.Error("fullSentence not emitted")
	}
	if store.saves.Load() != 1 {
		t.Errorf("SaveRecord calls = %d, want 1", store.saves.Load())
	}
	if n := counter(t, reader, "verbatim.store.errors"); n != 3 {
		t.Errorf("store errors = %d, want 3", n)
	}
}

func equalStages(a, b []types.Stage) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
