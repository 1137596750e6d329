// Package postgres is a PostgreSQL-backed [learning.Store] for deployments
// that run several server instances against one database.
//
// All queries share a single [pgxpool.Pool]. [Migrate] creates the schema on
// start-up.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/verbatim/internal/learning"
	"github.com/MrWong99/verbatim/pkg/types"
)

var _ learning.Store = (*Store)(nil)

// Store is safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, verifies the connection and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close implements [learning.Store].
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// AddCorrection implements [learning.Store].
func (s *Store) AddCorrection(ctx context.Context, entry types.CorrectionEntry, rules []types.RuleKey) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		const insert = `
			INSERT INTO corrections
			    (original_text, original_key, wrong_output, corrected_output, correction_type, tone_mode, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`
		if _, err := tx.Exec(ctx, insert,
			entry.Original, learning.OriginalKey(entry.Original), entry.WrongOutput, entry.Corrected,
			string(entry.Source), string(entry.Tone), entry.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert correction: %w", err)
		}

		const upsert = `
			INSERT INTO learned_rules (from_word, to_word, tone_mode, usage_count, created_at, last_used)
			VALUES ($1, $2, $3, 1, $4, $4)
			ON CONFLICT (from_word, to_word, tone_mode) DO UPDATE SET
			    usage_count = learned_rules.usage_count + 1,
			    last_used   = EXCLUDED.last_used`
		batch := &pgx.Batch{}
		for _, k := range rules {
			batch.Queue(upsert, k.From, k.To, string(k.Tone), entry.CreatedAt)
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("upsert rules: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres store: add correction: %w", err)
	}
	return nil
}

// Rules implements [learning.Store].
func (s *Store) Rules(ctx context.Context, tone types.ToneMode, minUsage int) ([]types.LearnedRule, error) {
	const q = `
		SELECT from_word, to_word, tone_mode, usage_count, success_count, created_at, last_used
		FROM   learned_rules
		WHERE  ($1 = '' OR tone_mode = $1)
		  AND  usage_count >= $2
		ORDER  BY usage_count DESC, from_word COLLATE "C", to_word COLLATE "C", tone_mode COLLATE "C"`

	rows, err := s.pool.Query(ctx, q, string(tone), minUsage)
	if err != nil {
		return nil, fmt.Errorf("postgres store: rules: %w", err)
	}
	rules, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.LearnedRule, error) {
		var (
			r    types.LearnedRule
			mode string
		)
		err := row.Scan(&r.From, &r.To, &mode, &r.UsageCount, &r.SuccessCount, &r.CreatedAt, &r.LastUsed)
		r.Tone = types.ToneMode(mode)
		r.CreatedAt = r.CreatedAt.UTC()
		r.LastUsed = r.LastUsed.UTC()
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: rules: scan: %w", err)
	}
	if rules == nil {
		rules = []types.LearnedRule{}
	}
	return rules, nil
}

// MarkApplied implements [learning.Store].
func (s *Store) MarkApplied(ctx context.Context, rules []types.RuleKey, at time.Time) error {
	if len(rules) == 0 {
		return nil
	}
	const q = `
		WITH bumped AS (
		    UPDATE learned_rules
		    SET    success_count = success_count + 1, last_used = $4
		    WHERE  from_word = $1 AND to_word = $2 AND tone_mode = $3
		    RETURNING id
		)
		INSERT INTO rule_applications (rule_id, applied_at)
		SELECT id, $4 FROM bumped`

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, k := range rules {
			batch.Queue(q, k.From, k.To, string(k.Tone), at)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("postgres store: mark applied: %w", err)
	}
	return nil
}

// ExactMatch implements [learning.Store].
func (s *Store) ExactMatch(ctx context.Context, original string, tone types.ToneMode) (*types.ExactMatch, error) {
	const q = `
		SELECT corrected_output, COUNT(*) AS n
		FROM   corrections
		WHERE  original_key = $1
		  AND  tone_mode = $2
		GROUP  BY corrected_output
		ORDER  BY n DESC, MAX(id) DESC
		LIMIT  1`

	var m types.ExactMatch
	err := s.pool.QueryRow(ctx, q, original, string(tone)).Scan(&m.Corrected, &m.Count)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: exact match: %w", err)
	}
	return &m, nil
}

// AddFeedback implements [learning.Store].
func (s *Store) AddFeedback(ctx context.Context, entry types.FeedbackEntry) error {
	const q = `
		INSERT INTO feedback (feedback_type, original_text, output_text, tone_mode, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	if _, err := s.pool.Exec(ctx, q,
		string(entry.Kind), entry.Original, entry.Output, string(entry.Tone), entry.CreatedAt,
	); err != nil {
		return fmt.Errorf("postgres store: add feedback: %w", err)
	}
	return nil
}

// FeedbackCounts implements [learning.Store].
func (s *Store) FeedbackCounts(ctx context.Context) (approved, rejected int, err error) {
	const q = `
		SELECT COUNT(*) FILTER (WHERE feedback_type = 'approve'),
		       COUNT(*) FILTER (WHERE feedback_type = 'reject')
		FROM   feedback`

	if err := s.pool.QueryRow(ctx, q).Scan(&approved, &rejected); err != nil {
		return 0, 0, fmt.Errorf("postgres store: feedback counts: %w", err)
	}
	return approved, rejected, nil
}

// SaveRecord implements [learning.Store].
func (s *Store) SaveRecord(ctx context.Context, rec types.PipelineRecord) error {
	timings := make(map[string]int64, len(rec.Timings))
	for stage, d := range rec.Timings {
		timings[stage.String()] = d.Microseconds()
	}
	timingsJSON, err := json.Marshal(timings)
	if err != nil {
		return fmt.Errorf("postgres store: save record: encode timings: %w", err)
	}

	const q = `
		INSERT INTO transcriptions (
		    record_id, session_id, raw_text, deduplicated, filtered_text, grammar_corrected,
		    tone_transformed, final_output, tone_mode, break_type, stage_timings,
		    transcription_ms, latency_ms, grammar_skipped, grammar_timed_out, grammar_degraded,
		    exact_match, rules_applied, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`

	_, err = s.pool.Exec(ctx, q,
		rec.ID, rec.SessionID, rec.Raw, rec.Deduplicated, rec.Filtered, rec.GrammarCorrected,
		rec.Toned, rec.Final, string(rec.Tone), string(rec.BreakType), timingsJSON,
		rec.TranscriptionDuration.Milliseconds(), rec.TotalLatency.Milliseconds(),
		rec.GrammarSkipped, rec.GrammarTimedOut, rec.GrammarDegraded,
		rec.ExactMatch, rec.RulesApplied, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres store: save record: %w", err)
	}
	return nil
}

// History implements [learning.Store].
func (s *Store) History(ctx context.Context, limit int) ([]types.HistoryItem, error) {
	const q = `
		SELECT record_id, raw_text, final_output, tone_mode, latency_ms, created_at
		FROM   transcriptions
		ORDER  BY id DESC
		LIMIT  $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: history: %w", err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.HistoryItem, error) {
		var (
			it   types.HistoryItem
			mode string
		)
		err := row.Scan(&it.ID, &it.Original, &it.Final, &mode, &it.LatencyMS, &it.CreatedAt)
		it.Tone = types.ToneMode(mode)
		it.CreatedAt = it.CreatedAt.UTC()
		return it, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: history: scan: %w", err)
	}
	if items == nil {
		items = []types.HistoryItem{}
	}
	return items, nil
}

// Corrections implements [learning.Store].
func (s *Store) Corrections(ctx context.Context) ([]types.CorrectionEntry, error) {
	const q = `
		SELECT original_text, wrong_output, corrected_output, correction_type, tone_mode, created_at
		FROM   corrections
		ORDER  BY id`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("postgres store: corrections: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.CorrectionEntry, error) {
		var (
			c            types.CorrectionEntry
			source, mode string
		)
		err := row.Scan(&c.Original, &c.WrongOutput, &c.Corrected, &source, &mode, &c.CreatedAt)
		c.Source = types.CorrectionSource(source)
		c.Tone = types.ToneMode(mode)
		c.CreatedAt = c.CreatedAt.UTC()
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: corrections: scan: %w", err)
	}
	if entries == nil {
		entries = []types.CorrectionEntry{}
	}
	return entries, nil
}

// Stats implements [learning.Store].
func (s *Store) Stats(ctx context.Context) (types.Stats, error) {
	const q = `
		SELECT (SELECT COUNT(*) FROM transcriptions),
		       (SELECT COUNT(*) FROM corrections),
		       (SELECT COUNT(*) FROM learned_rules),
		       (SELECT COUNT(*) FROM learned_rules WHERE usage_count >= $1),
		       (SELECT COUNT(*) FROM feedback WHERE feedback_type = 'approve'),
		       (SELECT COUNT(*) FROM feedback WHERE feedback_type = 'reject'),
		       (SELECT COALESCE(AVG(latency_ms), 0)::float8 FROM transcriptions)`

	var st types.Stats
	err := s.pool.QueryRow(ctx, q, learning.RuleActivationThreshold).Scan(
		&st.TotalTranscriptions, &st.TotalCorrections, &st.TotalRules, &st.ActiveRules,
		&st.Approved, &st.Rejected, &st.AvgLatencyMS,
	)
	if err != nil {
		return types.Stats{}, fmt.Errorf("postgres store: stats: %w", err)
	}
	return st, nil
}

// Clear implements [learning.Store]. Identity sequences restart at 1.
func (s *Store) Clear(ctx context.Context) error {
	const q = `
		TRUNCATE rule_applications, learned_rules, corrections, feedback, transcriptions
		RESTART IDENTITY CASCADE`

	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("postgres store: clear: %w", err)
	}
	return nil
}

// Ping verifies the pool can reach the database.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
