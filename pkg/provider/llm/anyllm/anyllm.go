// Package anyllm adapts github.com/mozilla-ai/any-llm-go to [llm.Provider],
// giving verbatim one code path for hosted APIs (OpenAI, Anthropic, Gemini,
// DeepSeek, Mistral, Groq) and local servers (Ollama, llama.cpp, llamafile).
//
//	p, err := anyllm.New("ollama", "llama3.2")
//	p, err := anyllm.New("openai", "gpt-4o-mini", anyllmlib.WithAPIKey(key))
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/verbatim/pkg/provider/llm"
	"github.com/MrWong99/verbatim/pkg/types"
)

// ErrEmptyReply is returned when the backend answers without any text.
var ErrEmptyReply = errors.New("anyllm: empty reply")

type constructor func(...anyllmlib.Option) (anyllmlib.Provider, error)

// backends maps lower-case backend names to their constructors.
var backends = map[string]constructor{
	"openai":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anyllmoai.New(o...) },
	"anthropic": func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anthropic.New(o...) },
	"gemini":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return gemini.New(o...) },
	"ollama":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return ollama.New(o...) },
	"deepseek":  func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return deepseek.New(o...) },
	"mistral":   func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return mistral.New(o...) },
	"groq":      func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return groq.New(o...) },
	"llamacpp":  func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamacpp.New(o...) },
	"llamafile": func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamafile.New(o...) },
}

// Supported lists the backend names accepted by [New], sorted.
var Supported = slices.Sorted(maps.Keys(backends))

// Provider is an [llm.Provider] over one any-llm-go backend and model.
type Provider struct {
	name    string
	model   string
	backend anyllmlib.Provider
}

var _ llm.Provider = (*Provider)(nil)

// New builds a Provider for backend name (case-insensitive, one of
// [Supported]) and model. Hosted backends without anyllmlib.WithAPIKey read
// their usual environment variable and fail when it is unset.
func New(name, model string, opts ...anyllmlib.Option) (*Provider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if model == "" {
		return nil, errors.New("anyllm: model is required")
	}
	ctor, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("anyllm: unknown backend %q (supported: %s)", name, strings.Join(Supported, ", "))
	}
	backend, err := ctor(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: %s: %w", name, err)
	}
	return &Provider{name: name, model: model, backend: backend}, nil
}

// Complete returns the first choice of a non-streaming completion with
// surrounding whitespace removed.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.backend.Completion(ctx, params(p.model, req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: %s completion: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyReply
	}
	text := strings.TrimSpace(resp.Choices[0].Message.ContentString())
	if text == "" {
		return nil, ErrEmptyReply
	}

	out := &llm.CompletionResponse{Content: text}
	if u := resp.Usage; u != nil {
		out.Usage = llm.Usage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: u.TotalTokens}
	}
	return out, nil
}

// params translates req. A system prompt becomes the leading system message;
// zero temperature and max tokens keep the backend defaults.
func params(model string, req llm.CompletionRequest) anyllmlib.CompletionParams {
	msgs := make([]anyllmlib.Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, message(m))
	}

	cp := anyllmlib.CompletionParams{Model: model, Messages: msgs}
	if req.Temperature != 0 {
		cp.Temperature = &req.Temperature
	}
	if req.MaxTokens > 0 {
		cp.MaxTokens = &req.MaxTokens
	}
	return cp
}

func message(m types.Message) anyllmlib.Message {
	return anyllmlib.Message{Role: m.Role, Content: m.Content}
}
