// Package memstore is an in-process [learning.Store]. Nothing survives a
// restart; it backs tests and the "memory" store backend.
package memstore

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/verbatim/internal/learning"
	"github.com/MrWong99/verbatim/pkg/types"
)

var _ learning.Store = (*Store)(nil)

// Application is one recorded rule application.
type Application struct {
	Rule types.RuleKey
	At   time.Time
}

// Store keeps everything in slices and maps guarded by a mutex.
type Store struct {
	mu           sync.RWMutex
	corrections  []types.CorrectionEntry
	rules        map[types.RuleKey]*types.LearnedRule
	applications []Application
	feedback     []types.FeedbackEntry
	records      []types.PipelineRecord
}

// New returns an empty Store.
func New() *Store {
	return &Store{rules: make(map[types.RuleKey]*types.LearnedRule)}
}

// AddCorrection implements [learning.Store].
func (s *Store) AddCorrection(_ context.Context, entry types.CorrectionEntry, rules []types.RuleKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.corrections = append(s.corrections, entry)
	for _, k := range rules {
		if r, ok := s.rules[k]; ok {
			r.UsageCount++
			r.LastUsed = entry.CreatedAt
			continue
		}
		s.rules[k] = &types.LearnedRule{
			RuleKey:    k,
			UsageCount: 1,
			CreatedAt:  entry.CreatedAt,
			LastUsed:   entry.CreatedAt,
		}
	}
	return nil
}

// Rules implements [learning.Store].
func (s *Store) Rules(_ context.Context, tone types.ToneMode, minUsage int) ([]types.LearnedRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []types.LearnedRule{}
	for _, r := range s.rules {
		if tone != "" && r.Tone != tone {
			continue
		}
		if r.UsageCount < minUsage {
			continue
		}
		out = append(out, *r)
	}
	slices.SortFunc(out, func(a, b types.LearnedRule) int {
		return cmp.Or(
			cmp.Compare(b.UsageCount, a.UsageCount),
			cmp.Compare(a.From, b.From),
			cmp.Compare(a.To, b.To),
			cmp.Compare(a.Tone, b.Tone),
		)
	})
	return out, nil
}

// MarkApplied implements [learning.Store].
func (s *Store) MarkApplied(_ context.Context, rules []types.RuleKey, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range rules {
		r, ok := s.rules[k]
		if !ok {
			continue
		}
		r.SuccessCount++
		r.LastUsed = at
		s.applications = append(s.applications, Application{Rule: k, At: at})
	}
	return nil
}

// Applications returns a copy of the recorded rule applications.
func (s *Store) Applications() []Application {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.applications)
}

// ExactMatch implements [learning.Store].
func (s *Store) ExactMatch(_ context.Context, original string, tone types.ToneMode) (*types.ExactMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	latest := make(map[string]int)
	for i, c := range s.corrections {
		if c.Tone != tone || learning.OriginalKey(c.Original) != original {
			continue
		}
		counts[c.Corrected]++
		latest[c.Corrected] = i
	}
	if len(counts) == 0 {
		return nil, nil
	}

	var best *types.ExactMatch
	bestLatest := -1
	for text, n := range counts {
		if best == nil || n > best.Count || (n == best.Count && latest[text] > bestLatest) {
			best = &types.ExactMatch{Corrected: text, Count: n}
			bestLatest = latest[text]
		}
	}
	return best, nil
}

// AddFeedback implements [learning.Store].
func (s *Store) AddFeedback(_ context.Context, entry types.FeedbackEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedback = append(s.feedback, entry)
	return nil
}

// FeedbackCounts implements [learning.Store].
func (s *Store) FeedbackCounts(_ context.Context) (approved, rejected int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	approved, rejected = s.feedbackCounts()
	return approved, rejected, nil
}

func (s *Store) feedbackCounts() (approved, rejected int) {
	for _, f := range s.feedback {
		switch f.Kind {
		case types.FeedbackApprove:
			approved++
		case types.FeedbackReject:
			rejected++
		}
	}
	return approved, rejected
}

// SaveRecord implements [learning.Store].
func (s *Store) SaveRecord(_ context.Context, rec types.PipelineRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// History implements [learning.Store].
func (s *Store) History(_ context.Context, limit int) ([]types.HistoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []types.HistoryItem{}
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		rec := s.records[i]
		out = append(out, types.HistoryItem{
			ID:        rec.ID,
			Original:  rec.Raw,
			Final:     rec.Final,
			Tone:      rec.Tone,
			LatencyMS: rec.TotalLatency.Milliseconds(),
			CreatedAt: rec.CreatedAt,
		})
	}
	return out, nil
}

// Corrections implements [learning.Store].
func (s *Store) Corrections(_ context.Context) ([]types.CorrectionEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.CorrectionEntry, len(s.corrections))
	copy(out, s.corrections)
	return out, nil
}

// Stats implements [learning.Store].
func (s *Store) Stats(_ context.Context) (types.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := types.Stats{
		TotalTranscriptions: len(s.records),
		TotalCorrections:    len(s.corrections),
		TotalRules:          len(s.rules),
	}
	for _, r := range s.rules {
		if r.UsageCount >= learning.RuleActivationThreshold {
			st.ActiveRules++
		}
	}
	st.Approved, st.Rejected = s.feedbackCounts()

	if len(s.records) > 0 {
		var totalMS int64
		for _, rec := range s.records {
			totalMS += rec.TotalLatency.Milliseconds()
		}
		st.AvgLatencyMS = float64(totalMS) / float64(len(s.records))
	}
	return st, nil
}

// Clear implements [learning.Store].
func (s *Store) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.corrections = nil
	s.rules = make(map[types.RuleKey]*types.LearnedRule)
	s.applications = nil
	s.feedback = nil
	s.records = nil
	return nil
}

// Close implements [learning.Store]. It is a no-op.
func (s *Store) Close() error { return nil }
