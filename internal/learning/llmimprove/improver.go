// Package llmimprove implements [learning.Improver] on top of an
// [llm.Provider].
//
// The [Improver] sends the original transcript, the output the user rejected
// and the target tone to the model and asks for a JSON reply carrying a single
// rewritten sentence. Replies that cannot be parsed, or that drift too far
// from the original wording, yield an empty suggestion so the caller falls
// back to its built-in corrections.
package llmimprove

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/verbatim/internal/learning"
	"github.com/MrWong99/verbatim/pkg/provider/llm"
	"github.com/MrWong99/verbatim/pkg/types"
)

const (
	defaultTemperature = 0.1
	defaultTimeout     = 5 * time.Second
	defaultMaxTokens   = 256

	// defaultMinOverlap is the share of original tokens that must survive in
	// the suggestion.
	defaultMinOverlap = 0.3
)

var _ learning.Improver = (*Improver)(nil)

const systemPromptTemplate = `You improve dictated text produced by a speech-to-text pipeline.

The user rejected the pipeline output. Rewrite the ORIGINAL transcript so it reads correctly in the %q tone.

Tone guide:
- neutral: plain, grammatical, unchanged register
- formal: no slang or contractions, polite business register
- casual: relaxed, contractions welcome
- soft: gentle and indirect
- concise: as short as possible without losing meaning
- friendly: warm and upbeat

Rules:
- Keep the meaning and the speaker's intent.
- Do NOT add new facts, greetings or sign-offs.
- Return a single sentence or short passage, never an explanation.

Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{"improved_text": "<rewritten text>"}`

type llmResponse struct {
	ImprovedText string `json:"improved_text"`
}

// Option is a functional option for configuring an [Improver].
type Option func(*Improver)

// WithTemperature sets the LLM sampling temperature. Default: 0.1.
func WithTemperature(temp float64) Option {
	return func(i *Improver) { i.temperature = temp }
}

// WithTimeout bounds each Improve call. Default: 5s.
func WithTimeout(d time.Duration) Option {
	return func(i *Improver) {
		if d > 0 {
			i.timeout = d
		}
	}
}

// WithMinOverlap sets the fraction (0..1) of original tokens a suggestion must
// keep to be accepted. Default: 0.3.
func WithMinOverlap(f float64) Option {
	return func(i *Improver) { i.minOverlap = f }
}

// Improver asks an LLM for a better rendition of a rejected output. It is
// safe for concurrent use.
type Improver struct {
	llm         llm.Provider
	temperature float64
	timeout     time.Duration
	minOverlap  float64
}

// New returns an [Improver] backed by provider.
func New(provider llm.Provider, opts ...Option) *Improver {
	i := &Improver{
		llm:         provider,
		temperature: defaultTemperature,
		timeout:     defaultTimeout,
		minOverlap:  defaultMinOverlap,
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Improve implements [learning.Improver].
//
// An unparseable or rejected reply returns "" and a nil error. Context
// cancellation and provider failures are returned as errors.
func (i *Improver) Improve(ctx context.Context, original, wrongOutput string, tone types.ToneMode) (string, error) {
	if strings.TrimSpace(original) == "" {
		return "", nil
	}
	if !tone.IsValid() {
		tone = types.ToneNeutral
	}

	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	userMsg := "Original: " + original
	if strings.TrimSpace(wrongOutput) != "" {
		userMsg += "\nRejected output: " + wrongOutput
	}

	resp, err := i.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: fmt.Sprintf(systemPromptTemplate, string(tone)),
		Messages:     []types.Message{{Role: "user", Content: userMsg}},
		Temperature:  i.temperature,
		MaxTokens:    defaultMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("llmimprove: complete: %w", err)
	}
	if resp == nil {
		return "", nil
	}

	improved, err := parseResponse(resp.Content)
	if err != nil {
		return "", nil //nolint:nilerr // unparseable reply falls back to built-in corrections
	}
	if overlap(original, improved) < i.minOverlap {
		return "", nil
	}
	return improved, nil
}

// parseResponse extracts improved_text from the model reply, tolerating
// markdown code fences.
func parseResponse(content string) (string, error) {
	var r llmResponse
	if err := json.Unmarshal([]byte(stripMarkdown(content)), &r); err != nil {
		return "", fmt.Errorf("llmimprove: parse response: %w", err)
	}
	text := strings.Join(strings.Fields(r.ImprovedText), " ")
	if text == "" {
		return "", fmt.Errorf("llmimprove: parse response: empty improved_text")
	}
	return text, nil
}

// stripMarkdown removes optional markdown code fences (```json ... ```) that
// some models wrap around JSON output.
func stripMarkdown(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}
