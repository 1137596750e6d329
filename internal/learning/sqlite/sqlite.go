// Package sqlite is the default durable [learning.Store], backed by a single
// SQLite file through the pure-Go modernc.org/sqlite driver.
//
// Timestamps are stored as Unix nanoseconds. Every write runs in its own
// transaction and is committed before the method returns.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/verbatim/internal/learning"
	"github.com/MrWong99/verbatim/pkg/types"
)

var _ learning.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS transcriptions (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    record_id         TEXT    NOT NULL UNIQUE,
    session_id        TEXT    NOT NULL DEFAULT '',
    raw_text          TEXT    NOT NULL,
    deduplicated      TEXT    NOT NULL DEFAULT '',
    filtered_text     TEXT    NOT NULL DEFAULT '',
    grammar_corrected TEXT    NOT NULL DEFAULT '',
    tone_transformed  TEXT    NOT NULL DEFAULT '',
    final_output      TEXT    NOT NULL,
    tone_mode         TEXT    NOT NULL,
    break_type        TEXT    NOT NULL DEFAULT 'none',
    stage_timings     TEXT    NOT NULL DEFAULT '{}',
    transcription_ms  INTEGER NOT NULL DEFAULT 0,
    latency_ms        INTEGER NOT NULL DEFAULT 0,
    grammar_skipped   INTEGER NOT NULL DEFAULT 0,
    grammar_timed_out INTEGER NOT NULL DEFAULT 0,
    grammar_degraded  INTEGER NOT NULL DEFAULT 0,
    exact_match       INTEGER NOT NULL DEFAULT 0,
    rules_applied     INTEGER NOT NULL DEFAULT 0,
    created_at        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS corrections (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    original_text    TEXT    NOT NULL,
    original_key     TEXT    NOT NULL DEFAULT '',
    wrong_output     TEXT    NOT NULL,
    corrected_output TEXT    NOT NULL,
    correction_type  TEXT    NOT NULL,
    tone_mode        TEXT    NOT NULL,
    created_at       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS feedback (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    feedback_type TEXT    NOT NULL,
    original_text TEXT    NOT NULL,
    output_text   TEXT    NOT NULL,
    tone_mode     TEXT    NOT NULL,
    created_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS learned_rules (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    from_word     TEXT    NOT NULL,
    to_word       TEXT    NOT NULL,
    tone_mode     TEXT    NOT NULL,
    usage_count   INTEGER NOT NULL DEFAULT 1,
    success_count INTEGER NOT NULL DEFAULT 0,
    created_at    INTEGER NOT NULL,
    last_used     INTEGER NOT NULL,
    UNIQUE (from_word, to_word, tone_mode)
);

CREATE TABLE IF NOT EXISTS rule_applications (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    rule_id    INTEGER NOT NULL REFERENCES learned_rules (id) ON DELETE CASCADE,
    applied_at INTEGER NOT NULL
);
`

// Store is a SQLite-backed [learning.Store].
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := "file:" + path + "?" + url.Values{
		"_pragma": []string{"busy_timeout(5000)", "journal_mode(WAL)", "foreign_keys(1)"},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serialises writers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: migrate: %w", err)
	}
	if err := migrateOriginalKey(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// migrateOriginalKey adds corrections.original_key to databases created
// before the column existed, fills it for rows that lack it and indexes it.
// SQLite's LOWER and TRIM only fold ASCII, so the key is computed in Go.
func migrateOriginalKey(ctx context.Context, db *sql.DB) error {
	var n int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info('corrections') WHERE name = 'original_key'`,
	).Scan(&n); err != nil {
		return fmt.Errorf("inspect corrections: %w", err)
	}
	if n == 0 {
		if _, err := db.ExecContext(ctx,
			`ALTER TABLE corrections ADD COLUMN original_key TEXT NOT NULL DEFAULT ''`,
		); err != nil {
			return fmt.Errorf("add original_key: %w", err)
		}
	}

	rows, err := db.QueryContext(ctx, `SELECT id, original_text FROM corrections WHERE original_key = ''`)
	if err != nil {
		return fmt.Errorf("scan original_key: %w", err)
	}
	keys := make(map[int64]string)
	for rows.Next() {
		var (
			id   int64
			text string
		)
		if err := rows.Scan(&id, &text); err != nil {
			rows.Close()
			return fmt.Errorf("scan original_key: %w", err)
		}
		if k := learning.OriginalKey(text); k != "" {
			keys[id] = k
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("scan original_key: %w", err)
	}
	for id, k := range keys {
		if _, err := db.ExecContext(ctx, `UPDATE corrections SET original_key = ? WHERE id = ?`, k, id); err != nil {
			return fmt.Errorf("backfill original_key: %w", err)
		}
	}

	_, err = db.ExecContext(ctx, `
		DROP INDEX IF EXISTS idx_corrections_lookup;
		CREATE INDEX IF NOT EXISTS idx_corrections_key ON corrections (tone_mode, original_key);`)
	if err != nil {
		return fmt.Errorf("index original_key: %w", err)
	}
	return nil
}

// Close implements [learning.Store].
func (s *Store) Close() error {
	return s.db.Close()
}

// AddCorrection implements [learning.Store].
func (s *Store) AddCorrection(ctx context.Context, entry types.CorrectionEntry, rules []types.RuleKey) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite store: add correction: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	ts := entry.CreatedAt.UnixNano()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO corrections (original_text, original_key, wrong_output, corrected_output, correction_type, tone_mode, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.Original, learning.OriginalKey(entry.Original), entry.WrongOutput, entry.Corrected, string(entry.Source), string(entry.Tone), ts,
	); err != nil {
		return fmt.Errorf("sqlite store: add correction: %w", err)
	}

	for _, k := range rules {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO learned_rules (from_word, to_word, tone_mode, usage_count, created_at, last_used)
			VALUES (?, ?, ?, 1, ?, ?)
			ON CONFLICT (from_word, to_word, tone_mode) DO UPDATE SET
				usage_count = usage_count + 1,
				last_used   = excluded.last_used`,
			k.From, k.To, string(k.Tone), ts, ts,
		); err != nil {
			return fmt.Errorf("sqlite store: upsert rule %q->%q: %w", k.From, k.To, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite store: add correction: commit: %w", err)
	}
	return nil
}

// Rules implements [learning.Store].
func (s *Store) Rules(ctx context.Context, tone types.ToneMode, minUsage int) ([]types.LearnedRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT from_word, to_word, tone_mode, usage_count, success_count, created_at, last_used
		FROM   learned_rules
		WHERE  (? = '' OR tone_mode = ?) AND usage_count >= ?
		ORDER  BY usage_count DESC, from_word, to_word, tone_mode`,
		string(tone), string(tone), minUsage,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: rules: %w", err)
	}
	defer rows.Close()

	out := []types.LearnedRule{}
	for rows.Next() {
		var (
			r                 types.LearnedRule
			mode              string
			created, lastUsed int64
		)
		if err := rows.Scan(&r.From, &r.To, &mode, &r.UsageCount, &r.SuccessCount, &created, &lastUsed); err != nil {
			return nil, fmt.Errorf("sqlite store: rules: scan: %w", err)
		}
		r.Tone = types.ToneMode(mode)
		r.CreatedAt = fromNanos(created)
		r.LastUsed = fromNanos(lastUsed)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: rules: %w", err)
	}
	return out, nil
}

// MarkApplied implements [learning.Store].
func (s *Store) MarkApplied(ctx context.Context, rules []types.RuleKey, at time.Time) error {
	if len(rules) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite store: mark applied: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	ts := at.UnixNano()
	for _, k := range rules {
		var id int64
		err := tx.QueryRowContext(ctx, `
			UPDATE learned_rules
			SET    success_count = success_count + 1, last_used = ?
			WHERE  from_word = ? AND to_word = ? AND tone_mode = ?
			RETURNING id`,
			ts, k.From, k.To, string(k.Tone),
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return fmt.Errorf("sqlite store: mark applied: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rule_applications (rule_id, applied_at) VALUES (?, ?)`, id, ts,
		); err != nil {
			return fmt.Errorf("sqlite store: log application: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite store: mark applied: commit: %w", err)
	}
	return nil
}

// ExactMatch implements [learning.Store].
func (s *Store) ExactMatch(ctx context.Context, original string, tone types.ToneMode) (*types.ExactMatch, error) {
	var (
		m      types.ExactMatch
		latest int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT corrected_output, COUNT(*) AS n, MAX(id) AS latest
		FROM   corrections
		WHERE  original_key = ? AND tone_mode = ?
		GROUP  BY corrected_output
		ORDER  BY n DESC, latest DESC
		LIMIT  1`,
		original, string(tone),
	).Scan(&m.Corrected, &m.Count, &latest)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite store: exact match: %w", err)
	}
	return &m, nil
}

// AddFeedback implements [learning.Store].
func (s *Store) AddFeedback(ctx context.Context, entry types.FeedbackEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feedback (feedback_type, original_text, output_text, tone_mode, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		string(entry.Kind), entry.Original, entry.Output, string(entry.Tone), entry.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("sqlite store: add feedback: %w", err)
	}
	return nil
}

// FeedbackCounts implements [learning.Store].
func (s *Store) FeedbackCounts(ctx context.Context) (approved, rejected int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(feedback_type = 'approve'), 0),
		       COALESCE(SUM(feedback_type = 'reject'), 0)
		FROM   feedback`,
	).Scan(&approved, &rejected)
	if err != nil {
		return 0, 0, fmt.Errorf("sqlite store: feedback counts: %w", err)
	}
	return approved, rejected, nil
}

// SaveRecord implements [learning.Store].
func (s *Store) SaveRecord(ctx context.Context, rec types.PipelineRecord) error {
	timings, err := encodeTimings(rec.Timings)
	if err != nil {
		return fmt.Errorf("sqlite store: save record: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transcriptions (
			record_id, session_id, raw_text, deduplicated, filtered_text, grammar_corrected,
			tone_transformed, final_output, tone_mode, break_type, stage_timings,
			transcription_ms, latency_ms, grammar_skipped, grammar_timed_out, grammar_degraded,
			exact_match, rules_applied, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, rec.Raw, rec.Deduplicated, rec.Filtered, rec.GrammarCorrected,
		rec.Toned, rec.Final, string(rec.Tone), string(rec.BreakType), timings,
		rec.TranscriptionDuration.Milliseconds(), rec.TotalLatency.Milliseconds(),
		rec.GrammarSkipped, rec.GrammarTimedOut, rec.GrammarDegraded,
		rec.ExactMatch, rec.RulesApplied, rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("sqlite store: save record: %w", err)
	}
	return nil
}

// History implements [learning.Store].
func (s *Store) History(ctx context.Context, limit int) ([]types.HistoryItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_id, raw_text, final_output, tone_mode, latency_ms, created_at
		FROM   transcriptions
		ORDER  BY id DESC
		LIMIT  ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: history: %w", err)
	}
	defer rows.Close()

	out := []types.HistoryItem{}
	for rows.Next() {
		var (
			it      types.HistoryItem
			tone    string
			created int64
		)
		if err := rows.Scan(&it.ID, &it.Original, &it.Final, &tone, &it.LatencyMS, &created); err != nil {
			return nil, fmt.Errorf("sqlite store: history: scan: %w", err)
		}
		it.Tone = types.ToneMode(tone)
		it.CreatedAt = fromNanos(created)
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: history: %w", err)
	}
	return out, nil
}

// Corrections implements [learning.Store].
func (s *Store) Corrections(ctx context.Context) ([]types.CorrectionEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT original_text, wrong_output, corrected_output, correction_type, tone_mode, created_at
		FROM   corrections
		ORDER  BY id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: corrections: %w", err)
	}
	defer rows.Close()

	out := []types.CorrectionEntry{}
	for rows.Next() {
		var (
			c            types.CorrectionEntry
			source, tone string
			created      int64
		)
		if err := rows.Scan(&c.Original, &c.WrongOutput, &c.Corrected, &source, &tone, &created); err != nil {
			return nil, fmt.Errorf("sqlite store: corrections: scan: %w", err)
		}
		c.Source = types.CorrectionSource(source)
		c.Tone = types.ToneMode(tone)
		c.CreatedAt = fromNanos(created)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: corrections: %w", err)
	}
	return out, nil
}

// Stats implements [learning.Store].
func (s *Store) Stats(ctx context.Context) (types.Stats, error) {
	var st types.Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM transcriptions),
		       (SELECT COUNT(*) FROM corrections),
		       (SELECT COUNT(*) FROM learned_rules),
		       (SELECT COUNT(*) FROM learned_rules WHERE usage_count >= ?),
		       (SELECT COUNT(*) FROM feedback WHERE feedback_type = 'approve'),
		       (SELECT COUNT(*) FROM feedback WHERE feedback_type = 'reject'),
		       (SELECT COALESCE(AVG(latency_ms), 0.0) FROM transcriptions)`,
		learning.RuleActivationThreshold,
	).Scan(
		&st.TotalTranscriptions, &st.TotalCorrections, &st.TotalRules, &st.ActiveRules,
		&st.Approved, &st.Rejected, &st.AvgLatencyMS,
	)
	if err != nil {
		return types.Stats{}, fmt.Errorf("sqlite store: stats: %w", err)
	}
	return st, nil
}

// Clear implements [learning.Store]. It deletes every row and resets the
// AUTOINCREMENT counters.
func (s *Store) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite store: clear: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for _, stmt := range []string{
		`DELETE FROM rule_applications`,
		`DELETE FROM learned_rules`,
		`DELETE FROM corrections`,
		`DELETE FROM feedback`,
		`DELETE FROM transcriptions`,
		`DELETE FROM sqlite_sequence`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite store: clear: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite store: clear: commit: %w", err)
	}
	return nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// encodeTimings stores stage timings as {"dedup": microseconds, ...}.
func encodeTimings(t map[types.Stage]time.Duration) (string, error) {
	m := make(map[string]int64, len(t))
	for stage, d := range t {
		m[stage.String()] = d.Microseconds()
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode timings: %w", err)
	}
	return string(b), nil
}
