package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/verbatim/internal/resilience"
	"github.com/MrWong99/verbatim/pkg/provider/llm"
	llmmock "github.com/MrWong99/verbatim/pkg/provider/llm/mock"
	"github.com/MrWong99/verbatim/pkg/provider/stt"
	sttmock "github.com/MrWong99/verbatim/pkg/provider/stt/mock"
)

var errDown = errors.New("backend down")

func TestLLM_Failover(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{CompleteErr: errDown}
	backup := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "I must go"}}

	p := resilience.NewLLM("openai", primary, resilience.BreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})
	p.Add("ollama", backup)

	req := llm.CompletionRequest{SystemPrompt: "fix", Messages: nil}
	for range 3 {
		resp, err := p.Complete(context.Background(), req)
		if err != nil {
			t.Fatalf("Complete: %v", err)
		}
		if resp.Content != "I must go" {
			t.Errorf("content = %q", resp.Content)
		}
	}

	// The primary breaker opened after two failures and was skipped on the third call.
	if n := len(primary.Calls()); n != 2 {
		t.Errorf("primary called %d times, want 2", n)
	}
	if n := len(backup.Calls()); n != 3 {
		t.Errorf("backup called %d times, want 3", n)
	}
	states := p.States()
	if states["openai"] != resilience.StateOpen || states["ollama"] != resilience.StateClosed {
		t.Errorf("states = %v", states)
	}
}

func TestLLM_AllFailed(t *testing.T) {
	t.Parallel()

	p := resilience.NewLLM("a", &llmmock.Provider{CompleteErr: errDown}, resilience.BreakerConfig{})
	p.Add("b", &llmmock.Provider{CompleteErr: errors.New("quota")})

	_, err := p.Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, resilience.ErrAllFailed) || !errors.Is(err, errDown) {
		t.Fatalf("Complete() = %v, want ErrAllFailed wrapping errDown", err)
	}
	if p.Len() != 2 {
		t.Errorf("Len() = %d, want 2", p.Len())
	}
}

func TestLLM_StopsOnCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	primary := &llmmock.Provider{
		CompleteFunc: func(ctx context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
			cancel()
			return nil, ctx.Err()
		},
	}
	backup := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "late"}}
	p := resilience.NewLLM("primary", primary, resilience.BreakerConfig{MaxFailures: 1})
	p.Add("backup", backup)

	_, err := p.Complete(ctx, llm.CompletionRequest{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Complete() = %v, want context.Canceled", err)
	}
	if len(backup.Calls()) != 0 {
		t.Error("backup called after cancellation")
	}
	if p.States()["primary"] != resilience.StateClosed {
		t.Error("cancellation opened the primary breaker")
	}
}

func TestSTT_Failover(t *testing.T) {
	t.Parallel()

	primary := &sttmock.Provider{StartStreamErr: errDown}
	sess := sttmock.NewSession()
	backup := &sttmock.Provider{Session: sess}

	p := resilience.NewSTT("deepgram", primary, resilience.BreakerConfig{})
	p.Add("deepgram-eu", backup)

	cfg := stt.StreamConfig{SampleRate: 16000}
	h, err := p.StartStream(context.Background(), cfg)
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if h != sess {
		t.Error("StartStream did not return the backup session")
	}
	if calls := backup.Calls(); len(calls) != 1 || calls[0].Cfg.SampleRate != 16000 {
		t.Errorf("backup calls = %+v", calls)
	}
}
