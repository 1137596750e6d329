package learning

import (
	"context"
	"strings"
	"time"

	"github.com/MrWong99/verbatim/pkg/types"
)

// Store is the persistence layer behind [Memory]. Implementations live in the
// memstore, sqlite and postgres subpackages.
//
// Every write must be durable when the method returns. Implementations must be
// safe for concurrent use; [Memory] additionally serialises all writes.
type Store interface {
	// AddCorrection appends entry and, in the same transaction, upserts every
	// key in rules: a new key is created with usage_count 1, an existing key
	// has its usage_count incremented and last_used set to entry.CreatedAt.
	AddCorrection(ctx context.Context, entry types.CorrectionEntry, rules []types.RuleKey) error

	// Rules returns rules with usage_count >= minUsage ordered by usage_count
	// descending, then by from and to ascending. An empty tone matches every
	// tone.
	Rules(ctx context.Context, tone types.ToneMode, minUsage int) ([]types.LearnedRule, error)

	// MarkApplied bumps success_count and last_used for each rule and appends
	// a rule_applications row per rule.
	MarkApplied(ctx context.Context, rules []types.RuleKey, at time.Time) error

	// ExactMatch groups corrections whose [OriginalKey] equals original
	// (already a key, computed by the caller) under tone, and returns the
	// most frequent corrected output. Ties go to the most recently recorded
	// output. It returns nil when no correction matches.
	ExactMatch(ctx context.Context, original string, tone types.ToneMode) (*types.ExactMatch, error)

	// AddFeedback appends a feedback entry.
	AddFeedback(ctx context.Context, entry types.FeedbackEntry) error

	// FeedbackCounts returns the number of approvals and rejections.
	FeedbackCounts(ctx context.Context) (approved, rejected int, err error)

	// SaveRecord persists one finished pipeline run.
	SaveRecord(ctx context.Context, rec types.PipelineRecord) error

	// History returns up to limit persisted runs, newest first.
	History(ctx context.Context, limit int) ([]types.HistoryItem, error)

	// Corrections returns every correction, oldest first.
	Corrections(ctx context.Context) ([]types.CorrectionEntry, error)

	// Stats returns the row counts and average latency. Accuracy is filled in
	// by [Memory].
	Stats(ctx context.Context) (types.Stats, error)

	// Clear deletes all rows and resets identity sequences.
	Clear(ctx context.Context) error

	// Close releases the underlying resources.
	Close() error
}

// Cache is an optional read-through cache for the two lookups on the hot
// path. Every write to [Memory] invalidates it.
type Cache interface {
	// ExactMatch returns the cached lookup result. ok is false on a miss. A
	// hit with a nil match means "no correction recorded".
	ExactMatch(ctx context.Context, original string, tone types.ToneMode) (m *types.ExactMatch, ok bool, err error)

	// PutExactMatch stores a lookup result; m may be nil.
	PutExactMatch(ctx context.Context, original string, tone types.ToneMode, m *types.ExactMatch) error

	// Rules returns cached active rules. ok is false on a miss.
	Rules(ctx context.Context, tone types.ToneMode, minUsage int) (rules []types.LearnedRule, ok bool, err error)

	// PutRules stores active rules.
	PutRules(ctx context.Context, tone types.ToneMode, minUsage int, rules []types.LearnedRule) error

	// Invalidate drops every cached entry.
	Invalidate(ctx context.Context) error
}

// Improver suggests a corrected version of a sentence the user rejected.
type Improver interface {
	Improve(ctx context.Context, original, wrongOutput string, tone types.ToneMode) (string, error)
}

// OriginalKey is the lookup key of an original utterance: surrounding
// Unicode whitespace trimmed and Unicode-lowercased. Stores persist it next
// to the original text and match on it.
func OriginalKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
