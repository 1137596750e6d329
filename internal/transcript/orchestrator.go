// Package transcript runs recognised utterances through the text
// post-processing pipeline.
//
// The [Orchestrator] sequences the stages for one utterance:
//
//  1. Exact-match override: a correction recorded at least
//     [learning.ExactMatchThreshold] times replaces the output outright.
//  2. Deduplication and disfluency removal, always.
//  3. Grammar correction on a worker goroutine, bounded by what is left of
//     the latency budget. A run that misses its deadline is abandoned and its
//     result dropped when it eventually finishes.
//  4. Learned word rules, tone transformation and paragraph formatting.
//  5. Persistence of the [types.PipelineRecord].
//
// Every stage runs behind a recover boundary: a failing stage is logged and
// its input passes through unchanged.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/verbatim/internal/learning"
	"github.com/MrWong99/verbatim/internal/observe"
	"github.com/MrWong99/verbatim/internal/transcript/dedup"
	"github.com/MrWong99/verbatim/internal/transcript/disfluency"
	"github.com/MrWong99/verbatim/internal/transcript/grammar"
	"github.com/MrWong99/verbatim/internal/transcript/paragraph"
	"github.com/MrWong99/verbatim/internal/transcript/tone"
	"github.com/MrWong99/verbatim/pkg/types"
)

const (
	// DefaultBudget is the latency budget used when Process is called with a
	// non-positive budget.
	DefaultBudget = 1500 * time.Millisecond

	// DefaultGrammarCap is the longest grammar correction is ever waited for.
	DefaultGrammarCap = time.Second

	// DefaultSafetyMargin is reserved from the budget for the stages after
	// grammar.
	DefaultSafetyMargin = 50 * time.Millisecond

	// DefaultMinGrammarBudget is the least remaining budget for which grammar
	// and tone still run.
	DefaultMinGrammarBudget = 100 * time.Millisecond
)

// Session is the per-connection state read by the orchestrator.
type Session interface {
	ID() string
	Tone() types.ToneMode
	DetectBreak() types.BreakType
	SetLastRecordID(id string)
}

// GrammarCorrector is satisfied by [*grammar.Corrector].
type GrammarCorrector interface {
	Correct(text string) grammar.Result
}

// RuleStore is the subset of [*learning.Memory] the pipeline consults.
type RuleStore interface {
	CheckExactMatch(ctx context.Context, original string, tone types.ToneMode) (*types.ExactMatch, error)
	ApplyRules(ctx context.Context, text string, tone types.ToneMode) (string, error)
	SaveRecord(ctx context.Context, rec types.PipelineRecord) error
}

// EventType names an outbound pipeline event.
type EventType string

const (
	EventStage             EventType = "stage"
	EventFullSentence      EventType = "fullSentence"
	EventRecordingComplete EventType = "recording_complete"
)

// Event is emitted while an utterance moves through the pipeline.
type Event struct {
	Type EventType

	// Stage and Text are set for EventStage. Text is also set for
	// EventFullSentence.
	Stage types.Stage
	Text  string

	// Latency and Learned are set for EventRecordingComplete.
	Latency time.Duration
	Learned bool
}

// Emitter receives pipeline events. It is called synchronously from Process
// and must not block for long.
type Emitter func(Event)

// Timing holds the budget parameters.
type Timing struct {
	GrammarCap       time.Duration
	SafetyMargin     time.Duration
	MinGrammarBudget time.Duration
}

// DefaultTiming returns the default budget parameters.
func DefaultTiming() Timing {
	return Timing{
		GrammarCap:       DefaultGrammarCap,
		SafetyMargin:     DefaultSafetyMargin,
		MinGrammarBudget: DefaultMinGrammarBudget,
	}
}

// Option is a functional option for configuring an [Orchestrator].
type Option func(*Orchestrator)

// WithDeduplicator replaces the default [dedup.Deduplicator].
func WithDeduplicator(d *dedup.Deduplicator) Option {
	return func(o *Orchestrator) { o.dedup = d }
}

// WithFilter replaces the default [disfluency.Filter].
func WithFilter(f *disfluency.Filter) Option {
	return func(o *Orchestrator) { o.filter = f }
}

// WithGrammar replaces the default [grammar.Corrector].
func WithGrammar(g GrammarCorrector) Option {
	return func(o *Orchestrator) { o.grammar = g }
}

// WithRules attaches the learned-rule store. Without one the exact-match
// override and learned rules are skipped and nothing is persisted.
func WithRules(r RuleStore) Option {
	return func(o *Orchestrator) { o.rules = r }
}

// WithTiming overrides the budget parameters. Zero fields keep their
// defaults.
func WithTiming(t Timing) Option {
	return func(o *Orchestrator) {
		if t.GrammarCap > 0 {
			o.timing.GrammarCap = t.GrammarCap
		}
		if t.SafetyMargin > 0 {
			o.timing.SafetyMargin = t.SafetyMargin
		}
		if t.MinGrammarBudget > 0 {
			o.timing.MinGrammarBudget = t.MinGrammarBudget
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock replaces time.Now for latency measurement. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator is safe for concurrent use by many sessions. Each session
// must call Process for one utterance at a time.
type Orchestrator struct {
	// mu guards the fields replaced by SetTiming and SetCleaners.
	mu      sync.RWMutex
	dedup   *dedup.Deduplicator
	filter  *disfluency.Filter
	grammar GrammarCorrector
	tone    *tone.Transformer
	rules   RuleStore
	timing  Timing
	metrics *observe.Metrics
	now     func() time.Time
}

// New returns an [Orchestrator] with the default stages.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		dedup:   dedup.New(),
		filter:  disfluency.New(),
		grammar: grammar.New(),
		tone:    tone.New(),
		timing:  DefaultTiming(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o
}

// SetTiming replaces the budget parameters for runs that start afterwards.
// Zero fields keep their current values.
func (o *Orchestrator) SetTiming(t Timing) {
	o.mu.Lock()
	defer o.mu.Unlock()
	WithTiming(t)(o)
}

// SetCleaners replaces the deduplicator and the disfluency filter for runs
// that start afterwards. Nil arguments keep the current stage.
func (o *Orchestrator) SetCleaners(d *dedup.Deduplicator, f *disfluency.Filter) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if d != nil {
		o.dedup = d
	}
	if f != nil {
		o.filter = f
	}
}

// Process runs utt through the pipeline under budget and returns the
// finished record. Stage events are delivered to emit as they happen.
func (o *Orchestrator) Process(ctx context.Context, utt types.Utterance, sess Session, budget time.Duration, emit Emitter) types.PipelineRecord {
	start := o.now()
	if budget <= 0 {
		budget = DefaultBudget
	}
	if emit == nil {
		emit = func(Event) {}
	}
	mode := sess.Tone()

	o.mu.RLock()
	dd, filter, timing := o.dedup, o.filter, o.timing
	o.mu.RUnlock()

	ctx, span := observe.StartSpan(ctx, "pipeline.process",
		trace.WithAttributes(
			attribute.String("session_id", sess.ID()),
			attribute.String("tone", string(mode)),
		),
	)
	defer span.End()
	log := observe.Logger(ctx).With("session_id", sess.ID())

	rec := types.PipelineRecord{
		ID:                    uuid.NewString(),
		SessionID:             sess.ID(),
		Raw:                   utt.Text,
		Tone:                  mode,
		BreakType:             types.BreakNone,
		Timings:               make(map[types.Stage]time.Duration, 4),
		TranscriptionDuration: utt.TranscriptionDuration,
		CreatedAt:             start.UTC(),
	}
	emit(Event{Type: EventStage, Stage: types.StageRaw, Text: rec.Raw})

	if match := o.exactMatch(ctx, utt.Text, mode); match != nil {
		rec.ExactMatch = true
		rec.Deduplicated = match.Corrected
		rec.Filtered = match.Corrected
		rec.GrammarCorrected = match.Corrected
		rec.Toned = match.Corrected
		rec.Final = match.Corrected
		o.metrics.ExactMatchOverrides.Add(ctx, 1)
		log.Debug("exact-match override", "count", match.Count)
		return o.finish(ctx, &rec, sess, start, emit)
	}

	rec.Deduplicated = o.runStage(ctx, &rec, types.StageDeduplicated, rec.Raw, dd.Dedupe)
	emit(Event{Type: EventStage, Stage: types.StageDeduplicated, Text: rec.Deduplicated})

	rec.Filtered = o.runStage(ctx, &rec, types.StageFiltered, rec.Deduplicated, filter.Clean)
	emit(Event{Type: EventStage, Stage: types.StageFiltered, Text: rec.Filtered})

	remaining := budget - o.now().Sub(start) - timing.SafetyMargin
	timeout := min(timing.GrammarCap, remaining-timing.SafetyMargin)
	if remaining < timing.MinGrammarBudget || timeout <= 0 {
		rec.GrammarSkipped = true
		rec.GrammarCorrected = rec.Filtered
		rec.Toned = rec.Filtered
		rec.Final = rec.Filtered
		o.metrics.GrammarSkipped.Add(ctx, 1)
		log.Warn("budget exhausted, skipping grammar and tone", "remaining", remaining)
		emit(Event{Type: EventStage, Stage: types.StageGrammar, Text: rec.GrammarCorrected})
		emit(Event{Type: EventStage, Stage: types.StageFinal, Text: rec.Final})
		return o.finish(ctx, &rec, sess, start, emit)
	}

	rec.GrammarCorrected = o.correctWithin(ctx, &rec, rec.Filtered, timeout)
	rec.GrammarCorrected = o.applyRules(ctx, &rec, rec.GrammarCorrected)
	emit(Event{Type: EventStage, Stage: types.StageGrammar, Text: rec.GrammarCorrected})

	rec.Toned = o.runStage(ctx, &rec, types.StageFinal, rec.GrammarCorrected, func(s string) string {
		return o.tone.Transform(s, mode)
	})
	rec.BreakType = sess.DetectBreak()
	rec.Final = o.runStage(ctx, &rec, types.StageFinal, rec.Toned, func(s string) string {
		return paragraph.Format(s, rec.BreakType)
	})
	emit(Event{Type: EventStage, Stage: types.StageFinal, Text: rec.Final})

	return o.finish(ctx, &rec, sess, start, emit)
}

// exactMatch returns the recorded correction for original when it clears
// [learning.ExactMatchThreshold].
func (o *Orchestrator) exactMatch(ctx context.Context, original string, mode types.ToneMode) *types.ExactMatch {
	if o.rules == nil {
		return nil
	}
	m, err := o.rules.CheckExactMatch(ctx, original, mode)
	if err != nil {
		o.metrics.RecordStoreError(ctx, "exact_match")
		observe.Logger(ctx).Error("exact-match lookup failed", "err", err)
		return nil
	}
	if m == nil || m.Count < learning.ExactMatchThreshold {
		return nil
	}
	return m
}

// runStage applies fn to in behind a recover boundary and accumulates the
// elapsed time under stage. A panic returns in unchanged.
func (o *Orchestrator) runStage(ctx context.Context, rec *types.PipelineRecord, stage types.Stage, in string, fn func(string) string) string {
	ctx, span := observe.StartStageSpan(ctx, stage.String())
	defer span.End()

	t0 := o.now()
	out, err := safely(fn, in)
	d := o.now().Sub(t0)
	rec.Timings[stage] += d
	o.metrics.RecordStage(ctx, stage.String(), d)

	if err != nil {
		observe.Fail(span, err)
		o.metrics.RecordStageFailure(ctx, stage.String())
		observe.Logger(ctx).Warn("stage failed, passing input through", "stage", stage.String(), "err", err)
		return in
	}
	return out
}

func safely(fn func(string) string, in string) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transcript: stage panicked: %v", r)
		}
	}()
	return fn(in), nil
}

// correctWithin runs grammar correction on its own goroutine and waits at
// most timeout. On timeout the goroutine is abandoned; it finishes in the
// background and its result is dropped.
func (o *Orchestrator) correctWithin(ctx context.Context, rec *types.PipelineRecord, text string, timeout time.Duration) string {
	ctx, span := observe.StartStageSpan(ctx, types.StageGrammar.String())
	defer span.End()
	log := observe.Logger(ctx)

	done := make(chan grammar.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- grammar.Result{
					Text:     grammar.Fallback(text),
					Degraded: true,
					Partial:  text,
					Err:      fmt.Errorf("transcript: grammar panicked: %v", r),
				}
			}
		}()
		done <- o.grammar.Correct(text)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	t0 := o.now()
	var (
		res      grammar.Result
		timedOut bool
	)
	select {
	case res = <-done:
	case <-timer.C:
		timedOut = true
	case <-ctx.Done():
		timedOut = true
	}
	d := o.now().Sub(t0)
	rec.Timings[types.StageGrammar] += d
	o.metrics.RecordStage(ctx, types.StageGrammar.String(), d)

	if timedOut {
		rec.GrammarTimedOut = true
		o.metrics.GrammarTimeouts.Add(ctx, 1)
		span.SetAttributes(attribute.Bool("timed_out", true))
		log.Warn("grammar correction timed out, using uncorrected text", "timeout", timeout)
		return text
	}
	if res.Degraded {
		rec.GrammarDegraded = true
		observe.Fail(span, res.Err)
		o.metrics.RecordStageFailure(ctx, types.StageGrammar.String())
		log.Warn("grammar correction degraded", "err", res.Err, "state", res.State.String())
	}
	return res.Text
}

// applyRules runs the active learned rules over text. Time spent is counted
// towards the grammar stage.
func (o *Orchestrator) applyRules(ctx context.Context, rec *types.PipelineRecord, text string) string {
	if o.rules == nil {
		return text
	}
	t0 := o.now()
	out, err := o.rules.ApplyRules(ctx, text, rec.Tone)
	rec.Timings[types.StageGrammar] += o.now().Sub(t0)

	switch {
	case errors.Is(err, learning.ErrNoChange):
		return text
	case err != nil:
		o.metrics.RecordStoreError(ctx, "apply_rules")
		observe.Logger(ctx).Error("applying learned rules failed", "err", err)
		return text
	}
	rec.RulesApplied = true
	o.metrics.RulesApplied.Add(ctx, 1)
	return out
}

// finish persists rec and emits the closing events.
func (o *Orchestrator) finish(ctx context.Context, rec *types.PipelineRecord, sess Session, start time.Time, emit Emitter) types.PipelineRecord {
	rec.TotalLatency = o.now().Sub(start)
	o.metrics.PipelineDuration.Record(ctx, rec.TotalLatency.Seconds())
	o.metrics.Utterances.Add(ctx, 1, metric.WithAttributes(observe.Attr("tone", string(rec.Tone))))

	if o.rules != nil {
		if err := o.rules.SaveRecord(ctx, *rec); err != nil {
			o.metrics.RecordStoreError(ctx, "save_record")
			observe.Logger(ctx).Error("persisting pipeline record failed", "err", err, "record_id", rec.ID)
		}
	}
	sess.SetLastRecordID(rec.ID)

	emit(Event{Type: EventFullSentence, Text: rec.Final})
	emit(Event{Type: EventRecordingComplete, Latency: rec.TotalLatency, Learned: rec.ExactMatch || rec.RulesApplied})
	return *rec
}
