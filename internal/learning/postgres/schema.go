package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/verbatim/internal/learning"
)

const ddlTranscriptions = `
CREATE TABLE IF NOT EXISTS transcriptions (
    id                BIGSERIAL    PRIMARY KEY,
    record_id         TEXT         NOT NULL UNIQUE,
    session_id        TEXT         NOT NULL DEFAULT '',
    raw_text          TEXT         NOT NULL,
    deduplicated      TEXT         NOT NULL DEFAULT '',
    filtered_text     TEXT         NOT NULL DEFAULT '',
    grammar_corrected TEXT         NOT NULL DEFAULT '',
    tone_transformed  TEXT         NOT NULL DEFAULT '',
    final_output      TEXT         NOT NULL,
    tone_mode         TEXT         NOT NULL,
    break_type        TEXT         NOT NULL DEFAULT 'none',
    stage_timings     JSONB        NOT NULL DEFAULT '{}',
    transcription_ms  BIGINT       NOT NULL DEFAULT 0,
    latency_ms        BIGINT       NOT NULL DEFAULT 0,
    grammar_skipped   BOOLEAN      NOT NULL DEFAULT false,
    grammar_timed_out BOOLEAN      NOT NULL DEFAULT false,
    grammar_degraded  BOOLEAN      NOT NULL DEFAULT false,
    exact_match       BOOLEAN      NOT NULL DEFAULT false,
    rules_applied     BOOLEAN      NOT NULL DEFAULT false,
    created_at        TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcriptions_session_id
    ON transcriptions (session_id);
`

const ddlLearning = `
CREATE TABLE IF NOT EXISTS corrections (
    id               BIGSERIAL    PRIMARY KEY,
    original_text    TEXT         NOT NULL,
    original_key     TEXT         NOT NULL DEFAULT '',
    wrong_output     TEXT         NOT NULL,
    corrected_output TEXT         NOT NULL,
    correction_type  TEXT         NOT NULL,
    tone_mode        TEXT         NOT NULL,
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

ALTER TABLE corrections ADD COLUMN IF NOT EXISTS original_key TEXT NOT NULL DEFAULT '';

DROP INDEX IF EXISTS idx_corrections_lookup;

CREATE INDEX IF NOT EXISTS idx_corrections_key
    ON corrections (tone_mode, original_key);

CREATE TABLE IF NOT EXISTS feedback (
    id            BIGSERIAL    PRIMARY KEY,
    feedback_type TEXT         NOT NULL CHECK (feedback_type IN ('approve', 'reject')),
    original_text TEXT         NOT NULL,
    output_text   TEXT         NOT NULL,
    tone_mode     TEXT         NOT NULL,
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS learned_rules (
    id            BIGSERIAL    PRIMARY KEY,
    from_word     TEXT         NOT NULL,
    to_word       TEXT         NOT NULL,
    tone_mode     TEXT         NOT NULL,
    usage_count   INTEGER      NOT NULL DEFAULT 1 CHECK (usage_count >= 1),
    success_count INTEGER      NOT NULL DEFAULT 0,
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    last_used     TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (from_word, to_word, tone_mode)
);

CREATE INDEX IF NOT EXISTS idx_learned_rules_tone_usage
    ON learned_rules (tone_mode, usage_count DESC);

CREATE TABLE IF NOT EXISTS rule_applications (
    id         BIGSERIAL    PRIMARY KEY,
    rule_id    BIGINT       NOT NULL REFERENCES learned_rules (id) ON DELETE CASCADE,
    applied_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// Migrate creates every table and index the store needs and fills
// corrections.original_key for rows written before the column existed. It is
// idempotent and safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlTranscriptions, ddlLearning} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	if err := backfillOriginalKeys(ctx, pool); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

// backfillOriginalKeys computes the lookup key in Go so every backend folds
// case and whitespace identically.
func backfillOriginalKeys(ctx context.Context, pool *pgxpool.Pool) error {
	rows, err := pool.Query(ctx, `SELECT id, original_text FROM corrections WHERE original_key = ''`)
	if err != nil {
		return fmt.Errorf("scan original_key: %w", err)
	}
	type pending struct {
		ID   int64
		Text string
	}
	todo, err := pgx.CollectRows(rows, pgx.RowToStructByPos[pending])
	if err != nil {
		return fmt.Errorf("scan original_key: %w", err)
	}

	batch := &pgx.Batch{}
	for _, p := range todo {
		if k := learning.OriginalKey(p.Text); k != "" {
			batch.Queue(`UPDATE corrections SET original_key = $1 WHERE id = $2`, k, p.ID)
		}
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("backfill original_key: %w", err)
	}
	return nil
}
