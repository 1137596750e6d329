// Package types defines the shared types used across all verbatim packages.
//
// These types form the lingua franca between the STT adapters, the text
// pipeline stages, the learning store backends, and the server. Each package
// defines its own domain types, but cross-cutting data structures live here
// to avoid circular imports.
package types

import "time"

// Utterance is one complete unit of recognised speech handed to the pipeline.
// It is produced once by the STT collaborator and never mutated afterwards.
type Utterance struct {
	// Text is the raw recognised text.
	Text string

	// ReceivedAt is the wall-clock time the utterance arrived at the server.
	ReceivedAt time.Time

	// TranscriptionDuration is how long the STT collaborator took to produce
	// the utterance. Zero when unknown.
	TranscriptionDuration time.Duration
}

// Transcript represents a speech-to-text result from an STT provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the provider
	// does not report confidence.
	Confidence float64

	// Start marks when the utterance started, relative to stream start.
	Start time.Duration

	// Duration is the length of the utterance audio.
	Duration time.Duration
}

// Utterance converts a final transcript into an [Utterance] stamped with now.
func (t Transcript) Utterance(now time.Time) Utterance {
	return Utterance{Text: t.Text, ReceivedAt: now, TranscriptionDuration: t.Duration}
}

// Message represents a single message in an LLM conversation.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// ToneMode is a named stylistic target for the tone stage.
type ToneMode string

const (
	ToneNeutral  ToneMode = "neutral"
	ToneFormal   ToneMode = "formal"
	ToneCasual   ToneMode = "casual"
	ToneSoft     ToneMode = "soft"
	ToneConcise  ToneMode = "concise"
	ToneFriendly ToneMode = "friendly"
)

// ToneModes lists every recognised tone mode in display order.
var ToneModes = []ToneMode{ToneNeutral, ToneFormal, ToneCasual, ToneSoft, ToneConcise, ToneFriendly}

// IsValid reports whether m is a recognised tone mode.
func (m ToneMode) IsValid() bool {
	switch m {
	case ToneNeutral, ToneFormal, ToneCasual, ToneSoft, ToneConcise, ToneFriendly:
		return true
	}
	return false
}

// BreakType classifies the silence preceding an utterance.
type BreakType string

const (
	BreakNone      BreakType = "none"
	BreakSentence  BreakType = "sentence"
	BreakParagraph BreakType = "paragraph"
)

// Stage identifies one pipeline step. The numeric value is the stage number
// sent to clients in stage events.
type Stage int

const (
	StageRaw Stage = iota + 1
	StageDeduplicated
	StageFiltered
	StageGrammar
	StageFinal
)

// String returns the lowercase stage name used in logs and metric attributes.
func (s Stage) String() string {
	switch s {
	case StageRaw:
		return "raw"
	case StageDeduplicated:
		return "dedup"
	case StageFiltered:
		return "disfluency"
	case StageGrammar:
		return "grammar"
	case StageFinal:
		return "tone"
	}
	return "unknown"
}

// PipelineRecord holds the text at every stage of one utterance's trip
// through the pipeline. The orchestrator owns it until the run finishes and
// then hands it to persistence by value.
type PipelineRecord struct {
	ID        string
	SessionID string

	Raw              string
	Deduplicated     string
	Filtered         string
	GrammarCorrected string
	Toned            string
	Final            string

	Tone      ToneMode
	BreakType BreakType

	// Timings maps each executed stage to its elapsed time.
	Timings map[Stage]time.Duration

	TranscriptionDuration time.Duration
	TotalLatency          time.Duration

	GrammarSkipped  bool
	GrammarTimedOut bool
	GrammarDegraded bool
	ExactMatch      bool
	RulesApplied    bool

	CreatedAt time.Time
}

// CorrectionSource tells whether a correction came from a user or from the
// automatic improver.
type CorrectionSource string

const (
	SourceManual    CorrectionSource = "manual"
	SourceAutomatic CorrectionSource = "automatic"
)

// CorrectionEntry is one user or automatic correction. Entries are
// append-only.
type CorrectionEntry struct {
	Original    string           `json:"original"`
	WrongOutput string           `json:"wrong_output"`
	Corrected   string           `json:"corrected"`
	Source      CorrectionSource `json:"source"`
	Tone        ToneMode         `json:"tone_mode"`
	CreatedAt   time.Time        `json:"created_at"`
}

// RuleKey identifies a learned rule. Using a struct key avoids any delimiter
// ambiguity between the parts.
type RuleKey struct {
	From string   `json:"from"`
	To   string   `json:"to"`
	Tone ToneMode `json:"tone_mode"`
}

// LearnedRule is a word substitution inferred from repeated corrections.
// UsageCount is always at least 1.
type LearnedRule struct {
	RuleKey
	UsageCount   int       `json:"usage_count"`
	SuccessCount int       `json:"success_count"`
	CreatedAt    time.Time `json:"created_at"`
	LastUsed     time.Time `json:"last_used"`
}

// FeedbackKind is the verdict carried by a [FeedbackEntry].
type FeedbackKind string

const (
	FeedbackApprove FeedbackKind = "approve"
	FeedbackReject  FeedbackKind = "reject"
)

// FeedbackEntry records a user's verdict on a pipeline output.
type FeedbackEntry struct {
	Kind      FeedbackKind `json:"kind"`
	Original  string       `json:"original"`
	Output    string       `json:"output"`
	Tone      ToneMode     `json:"tone_mode"`
	CreatedAt time.Time    `json:"created_at"`
}

// ExactMatch is the most frequent corrected output recorded for an original
// text and tone, with the number of times it was recorded.
type ExactMatch struct {
	Corrected string `json:"corrected"`
	Count     int    `json:"count"`
}

// Stats aggregates the learning store contents.
type Stats struct {
	TotalTranscriptions int     `json:"total_transcriptions"`
	TotalCorrections    int     `json:"total_corrections"`
	TotalRules          int     `json:"total_rules"`
	ActiveRules         int     `json:"active_rules"`
	Approved            int     `json:"approved"`
	Rejected            int     `json:"rejected"`
	Accuracy            float64 `json:"accuracy"`
	AvgLatencyMS        float64 `json:"avg_latency_ms"`
}

// Export is the structured document produced by the export operation.
type Export struct {
	ExportedAt  time.Time         `json:"exported_at"`
	Stats       Stats             `json:"stats"`
	Corrections []CorrectionEntry `json:"corrections"`
	Rules       []LearnedRule     `json:"learned_rules"`
}

// HistoryItem is the client-facing summary of a persisted pipeline record.
type HistoryItem struct {
	ID        string    `json:"id"`
	Original  string    `json:"original"`
	Final     string    `json:"final"`
	Tone      ToneMode  `json:"tone_mode"`
	LatencyMS int64     `json:"latency_ms"`
	CreatedAt time.Time `json:"created_at"`
}
