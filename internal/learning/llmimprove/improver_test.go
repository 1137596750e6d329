package llmimprove_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/verbatim/internal/learning"
	"github.com/MrWong99/verbatim/internal/learning/llmimprove"
	"github.com/MrWong99/verbatim/internal/learning/memstore"
	"github.com/MrWong99/verbatim/pkg/provider/llm"
	"github.com/MrWong99/verbatim/pkg/provider/llm/mock"
	"github.com/MrWong99/verbatim/pkg/types"
)

func reply(content string) *mock.Provider {
	return &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: content}}
}

func TestImprove_SendsToneAndTexts(t *testing.T) {
	t.Parallel()

	provider := reply(`{"improved_text": "Yes, I must go now."}`)
	imp := llmimprove.New(provider)

	got, err := imp.Improve(context.Background(), "yeah i gotta go now", "Yeah I gotta go now.", types.ToneFormal)
	if err != nil {
		t.Fatalf("Improve: %v", err)
	}
	if got != "Yes, I must go now." {
		t.Errorf("Improve = %q", got)
	}

	calls := provider.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 Complete call, got %d", len(calls))
	}
	req := calls[0].Req
	if !strings.Contains(req.SystemPrompt, `"formal"`) {
		t.Errorf("system prompt does not name the tone:\n%s", req.SystemPrompt)
	}
	if len(req.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(req.Messages))
	}
	msg := req.Messages[0].Content
	for _, want := range []string{"yeah i gotta go now", "Rejected output: Yeah I gotta go now."} {
		if !strings.Contains(msg, want) {
			t.Errorf("user message missing %q: %s", want, msg)
		}
	}
	if _, ok := calls[0].Ctx.Deadline(); !ok {
		t.Error("Complete was called without a deadline")
	}
}

func TestImprove_Replies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "markdown fences", content: "```json\n{\"improved_text\": \"I must go.\"}\n```", want: "I must go."},
		{name: "whitespace collapsed", content: `{"improved_text": "  I   must go. "}`, want: "I must go."},
		{name: "prose", content: "Sure! Here is a better version: I must go.", want: ""},
		{name: "empty text", content: `{"improved_text": ""}`, want: ""},
		{name: "unrelated rewrite", content: `{"improved_text": "The weather is lovely today."}`, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			imp := llmimprove.New(reply(tt.content))
			got, err := imp.Improve(context.Background(), "i gotta go", "", types.ToneFormal)
			if err != nil {
				t.Fatalf("Improve: %v", err)
			}
			if got != tt.want {
				t.Errorf("Improve = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestImprove_ProviderError(t *testing.T) {
	t.Parallel()

	imp := llmimprove.New(&mock.Provider{CompleteErr: context.DeadlineExceeded})
	_, err := imp.Improve(context.Background(), "i gotta go", "", types.ToneFormal)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want wrapped DeadlineExceeded", err)
	}
}

func TestImprove_Timeout(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{
		CompleteFunc: func(ctx context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	imp := llmimprove.New(provider, llmimprove.WithTimeout(20*time.Millisecond))

	start := time.Now()
	_, err := imp.Improve(context.Background(), "i gotta go", "", types.ToneFormal)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Improve took %v, want the configured timeout", elapsed)
	}
}

func TestImprove_BlankOriginal(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{}
	got, err := llmimprove.New(provider).Improve(context.Background(), "   ", "", types.ToneFormal)
	if err != nil || got != "" {
		t.Errorf("Improve = %q, %v", got, err)
	}
	if len(provider.Calls()) != 0 {
		t.Error("provider called for blank original")
	}
}

// When the model fails, Memory falls back to the built-in table.
func TestMemoryFallback(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	imp := llmimprove.New(&mock.Provider{CompleteErr: errors.New("rate limited")})
	mem := learning.New(memstore.New(), learning.WithImprover(imp))

	got, changed, err := mem.AutoImprove(ctx, "yeah I gotta go", "Yeah I gotta go.", types.ToneFormal)
	if err != nil {
		t.Fatalf("AutoImprove: %v", err)
	}
	if !changed || got != "yes I must go" {
		t.Errorf("AutoImprove = %q, %v; want table fallback", got, changed)
	}
}
