package resilience

import (
	"context"

	"github.com/MrWong99/verbatim/pkg/provider/llm"
	"github.com/MrWong99/verbatim/pkg/provider/stt"
)

// LLM is an [llm.Provider] that fails over across a [Group] of LLM backends.
type LLM struct {
	*Group[llm.Provider]
}

var _ llm.Provider = (*LLM)(nil)

// NewLLM wraps primary in a breaker. Fallbacks are added with [Group.Add].
func NewLLM(name string, primary llm.Provider, cfg BreakerConfig) *LLM {
	return &LLM{Group: NewGroup(name, primary, cfg)}
}

// Complete sends req to the first healthy backend.
func (l *LLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return Do(ctx, l.Group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// STT is an [stt.Provider] that fails over across a [Group] of STT backends.
// Failover happens when a stream is opened; an established stream stays on
// the backend that accepted it.
type STT struct {
	*Group[stt.Provider]
}

var _ stt.Provider = (*STT)(nil)

// NewSTT wraps primary in a breaker. Fallbacks are added with [Group.Add].
func NewSTT(name string, primary stt.Provider, cfg BreakerConfig) *STT {
	return &STT{Group: NewGroup(name, primary, cfg)}
}

// StartStream opens a stream on the first backend that accepts it.
func (s *STT) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return Do(ctx, s.Group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}
