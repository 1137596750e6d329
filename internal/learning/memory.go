// Package learning keeps the corrections, feedback and learned word rules
// that let the pipeline improve from user input.
//
// [Memory] is the single entry point. It derives word-level rules from
// corrections, decides which rules are active, answers exact-match lookups and
// aggregates statistics. Persistence is delegated to a [Store]; all writes go
// through one mutex so rule counters never lose updates.
package learning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/verbatim/pkg/types"
)

const (
	// RuleActivationThreshold is the usage count at which a learned rule
	// starts being applied.
	RuleActivationThreshold = 2

	// ExactMatchThreshold is the number of identical corrections required
	// before a recorded correction replaces the pipeline output outright.
	ExactMatchThreshold = 3

	// DefaultHistoryLimit is used when History is called with a non-positive
	// limit.
	DefaultHistoryLimit = 10

	// MaxHistoryLimit caps History requests.
	MaxHistoryLimit = 500
)

var (
	// ErrNoChange is returned by [Memory.ApplyRules] when no active rule
	// altered the text.
	ErrNoChange = errors.New("learning: no rule changed the text")

	// ErrInvalidFeedback is returned when a correction or feedback entry is
	// missing required fields or carries an unknown kind.
	ErrInvalidFeedback = errors.New("learning: invalid feedback")
)

// Option configures a [Memory].
type Option func(*Memory)

// WithCache puts c in front of the exact-match and active-rule lookups.
func WithCache(c Cache) Option {
	return func(m *Memory) { m.cache = c }
}

// WithImprover makes [Memory.AutoImprove] consult imp before falling back to
// the built-in correction table.
func WithImprover(imp Improver) Option {
	return func(m *Memory) { m.improver = imp }
}

// WithClock replaces time.Now for timestamps. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) { m.now = now }
}

// Memory is the learned-rule store. It is safe for concurrent use.
type Memory struct {
	store    Store
	cache    Cache
	improver Improver
	now      func() time.Time

	// mu serialises every write.
	mu sync.Mutex
}

// New creates a Memory over store.
func New(store Store, opts ...Option) *Memory {
	m := &Memory{store: store, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

// RecordCorrection appends a correction and upserts the word rules derived
// from it.
func (m *Memory) RecordCorrection(ctx context.Context, original, wrongOutput, corrected string, source types.CorrectionSource, tone types.ToneMode) error {
	if strings.TrimSpace(original) == "" || strings.TrimSpace(corrected) == "" {
		return fmt.Errorf("learning: record correction: original and corrected are required: %w", ErrInvalidFeedback)
	}
	if source != types.SourceManual && source != types.SourceAutomatic {
		return fmt.Errorf("learning: record correction: unknown source %q: %w", source, ErrInvalidFeedback)
	}

	entry := types.CorrectionEntry{
		Original:    original,
		WrongOutput: wrongOutput,
		Corrected:   corrected,
		Source:      source,
		Tone:        tone,
		CreatedAt:   m.now().UTC(),
	}
	rules := DeriveRules(original, corrected, tone)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.AddCorrection(ctx, entry, rules); err != nil {
		return fmt.Errorf("learning: record correction: %w", err)
	}
	m.invalidate(ctx)
	return nil
}

// DeriveRules aligns the lowercased whitespace tokens of original and
// corrected index by index, up to the shorter length, and returns one key per
// distinct differing pair in order of first appearance.
func DeriveRules(original, corrected string, tone types.ToneMode) []types.RuleKey {
	from := strings.Fields(strings.ToLower(original))
	to := strings.Fields(strings.ToLower(corrected))
	n := min(len(from), len(to))

	var keys []types.RuleKey
	for i := range n {
		if from[i] == to[i] {
			continue
		}
		k := types.RuleKey{From: from[i], To: to[i], Tone: tone}
		if !slices.Contains(keys, k) {
			keys = append(keys, k)
		}
	}
	return keys
}

// ActiveRules returns the rules for tone with usage_count >= minUsage,
// most used first. minUsage is raised to [RuleActivationThreshold] so a rule
// seen once is never reported as active.
func (m *Memory) ActiveRules(ctx context.Context, tone types.ToneMode, minUsage int) ([]types.LearnedRule, error) {
	minUsage = max(minUsage, RuleActivationThreshold)

	if m.cache != nil {
		rules, ok, err := m.cache.Rules(ctx, tone, minUsage)
		if err != nil {
			slog.Warn("learning: rule cache read failed", "err", err)
		} else if ok {
			return rules, nil
		}
	}

	rules, err := m.store.Rules(ctx, tone, minUsage)
	if err != nil {
		return nil, fmt.Errorf("learning: active rules: %w", err)
	}
	if m.cache != nil {
		if err := m.cache.PutRules(ctx, tone, minUsage, rules); err != nil {
			slog.Warn("learning: rule cache write failed", "err", err)
		}
	}
	return rules, nil
}

// Rules returns every rule for tone regardless of usage, most used first. An
// empty tone returns the rules of all tones.
func (m *Memory) Rules(ctx context.Context, tone types.ToneMode) ([]types.LearnedRule, error) {
	rules, err := m.store.Rules(ctx, tone, 1)
	if err != nil {
		return nil, fmt.Errorf("learning: rules: %w", err)
	}
	return rules, nil
}

// ApplyRules replaces every occurrence of each active rule's from-word with
// its to-word, most used rule first. The replacement is a literal substring
// match. When the result equals text it returns text and [ErrNoChange].
func (m *Memory) ApplyRules(ctx context.Context, text string, tone types.ToneMode) (string, error) {
	rules, err := m.ActiveRules(ctx, tone, RuleActivationThreshold)
	if err != nil {
		return text, fmt.Errorf("learning: apply rules: %w", err)
	}

	result := text
	var applied []types.RuleKey
	for _, r := range rules {
		if r.From == "" || !strings.Contains(result, r.From) {
			continue
		}
		result = strings.ReplaceAll(result, r.From, r.To)
		applied = append(applied, r.RuleKey)
	}
	if result == text {
		return text, ErrNoChange
	}

	// Applying a rule does not change usage counts, so cached rule sets stay
	// valid.
	m.mu.Lock()
	err = m.store.MarkApplied(ctx, applied, m.now().UTC())
	m.mu.Unlock()
	if err != nil {
		slog.Warn("learning: failed to record rule application", "err", err, "rules", len(applied))
	}
	return result, nil
}

// CheckExactMatch looks up the most frequent correction recorded for
// original under tone, ignoring case and surrounding whitespace. It returns
// nil when there is none. Callers decide whether Count clears
// [ExactMatchThreshold].
func (m *Memory) CheckExactMatch(ctx context.Context, original string, tone types.ToneMode) (*types.ExactMatch, error) {
	key := OriginalKey(original)
	if key == "" {
		return nil, nil
	}

	if m.cache != nil {
		match, ok, err := m.cache.ExactMatch(ctx, key, tone)
		if err != nil {
			slog.Warn("learning: exact-match cache read failed", "err", err)
		} else if ok {
			return match, nil
		}
	}

	match, err := m.store.ExactMatch(ctx, key, tone)
	if err != nil {
		return nil, fmt.Errorf("learning: check exact match: %w", err)
	}
	if m.cache != nil {
		if err := m.cache.PutExactMatch(ctx, key, tone, match); err != nil {
			slog.Warn("learning: exact-match cache write failed", "err", err)
		}
	}
	return match, nil
}

// RecordFeedback appends an approval or rejection and returns the updated
// accuracy.
func (m *Memory) RecordFeedback(ctx context.Context, kind types.FeedbackKind, original, output string, tone types.ToneMode) (float64, error) {
	if kind != types.FeedbackApprove && kind != types.FeedbackReject {
		return 0, fmt.Errorf("learning: record feedback: unknown kind %q: %w", kind, ErrInvalidFeedback)
	}

	entry := types.FeedbackEntry{
		Kind:      kind,
		Original:  original,
		Output:    output,
		Tone:      tone,
		CreatedAt: m.now().UTC(),
	}

	m.mu.Lock()
	err := m.store.AddFeedback(ctx, entry)
	m.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("learning: record feedback: %w", err)
	}
	return m.Accuracy(ctx)
}

// Accuracy returns approvals / (approvals + rejections), or 0 without any
// feedback.
func (m *Memory) Accuracy(ctx context.Context) (float64, error) {
	approved, rejected, err := m.store.FeedbackCounts(ctx)
	if err != nil {
		return 0, fmt.Errorf("learning: accuracy: %w", err)
	}
	return accuracy(approved, rejected), nil
}

func accuracy(approved, rejected int) float64 {
	total := approved + rejected
	if total == 0 {
		return 0
	}
	return float64(approved) / float64(total)
}

// SaveRecord persists a finished pipeline run.
func (m *Memory) SaveRecord(ctx context.Context, rec types.PipelineRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.SaveRecord(ctx, rec); err != nil {
		return fmt.Errorf("learning: save record: %w", err)
	}
	return nil
}

// History returns the most recent runs, newest first.
func (m *Memory) History(ctx context.Context, limit int) ([]types.HistoryItem, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	limit = min(limit, MaxHistoryLimit)

	items, err := m.store.History(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("learning: history: %w", err)
	}
	return items, nil
}

// Stats aggregates the store contents.
func (m *Memory) Stats(ctx context.Context) (types.Stats, error) {
	st, err := m.store.Stats(ctx)
	if err != nil {
		return types.Stats{}, fmt.Errorf("learning: stats: %w", err)
	}
	st.Accuracy = accuracy(st.Approved, st.Rejected)
	return st, nil
}

// Export collects stats, every correction and every rule.
func (m *Memory) Export(ctx context.Context) (types.Export, error) {
	st, err := m.Stats(ctx)
	if err != nil {
		return types.Export{}, err
	}
	corrections, err := m.store.Corrections(ctx)
	if err != nil {
		return types.Export{}, fmt.Errorf("learning: export corrections: %w", err)
	}
	rules, err := m.store.Rules(ctx, "", 1)
	if err != nil {
		return types.Export{}, fmt.Errorf("learning: export rules: %w", err)
	}
	return types.Export{
		ExportedAt:  m.now().UTC(),
		Stats:       st,
		Corrections: corrections,
		Rules:       rules,
	}, nil
}

// Clear deletes everything the store holds.
func (m *Memory) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Clear(ctx); err != nil {
		return fmt.Errorf("learning: clear: %w", err)
	}
	m.invalidate(ctx)
	return nil
}

// Close closes the underlying store.
func (m *Memory) Close() error {
	return m.store.Close()
}

// Ping checks that the store answers queries. It is used by readiness
// probes.
func (m *Memory) Ping(ctx context.Context) error {
	if _, _, err := m.store.FeedbackCounts(ctx); err != nil {
		return fmt.Errorf("learning: ping: %w", err)
	}
	return nil
}

// invalidate must be called with mu held.
func (m *Memory) invalidate(ctx context.Context) {
	if m.cache == nil {
		return
	}
	if err := m.cache.Invalidate(ctx); err != nil {
		slog.Warn("learning: cache invalidation failed", "err", err)
	}
}
