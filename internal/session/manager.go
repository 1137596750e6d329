package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/verbatim/internal/observe"
	"github.com/MrWong99/verbatim/internal/transcript"
	"github.com/MrWong99/verbatim/internal/transcript/paragraph"
	"github.com/MrWong99/verbatim/pkg/types"
)

// ManagerOption configures a [Manager].
type ManagerOption func(*Manager)

// WithRedialer enables audio ingestion through an STT provider.
func WithRedialer(r *Redialer) ManagerOption {
	return func(m *Manager) { m.redialer = r }
}

// WithDefaultTone sets the tone new sessions start with.
func WithDefaultTone(mode types.ToneMode) ManagerOption {
	return func(m *Manager) {
		if mode.IsValid() {
			m.tone = mode
		}
	}
}

// WithQueueSize sets the per-session utterance buffer.
func WithQueueSize(n int) ManagerOption {
	return func(m *Manager) { m.queueSize = n }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(met *observe.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = met }
}

// Manager tracks the live sessions of a server. Sessions are independent of
// each other. All methods are safe for concurrent use.
type Manager struct {
	proc      Processor
	redialer  *Redialer
	queueSize int
	metrics   *observe.Metrics

	budget atomic.Int64

	mu             sync.Mutex
	tone           types.ToneMode
	sentencePause  time.Duration
	paragraphPause time.Duration
	sessions       map[string]*Session
}

// NewManager returns a Manager that runs utterances through proc.
func NewManager(proc Processor, opts ...ManagerOption) *Manager {
	m := &Manager{
		proc:     proc,
		tone:     types.ToneNeutral,
		sessions: make(map[string]*Session),
	}
	m.budget.Store(int64(transcript.DefaultBudget))
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// SetBudget changes the latency budget used for every following utterance.
// Non-positive values are ignored.
func (m *Manager) SetBudget(d time.Duration) {
	if d > 0 {
		m.budget.Store(int64(d))
	}
}

// Budget returns the current latency budget.
func (m *Manager) Budget() time.Duration {
	return time.Duration(m.budget.Load())
}

// SetPauses changes the silence thresholds for sessions opened afterwards.
func (m *Manager) SetPauses(sentence, paragraphPause time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sentencePause, m.paragraphPause = sentence, paragraphPause
}

// SetDefaultTone changes the tone of sessions opened afterwards.
func (m *Manager) SetDefaultTone(mode types.ToneMode) {
	if !mode.IsValid() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tone = mode
}

// Open creates, starts and registers a session whose events go to emit. The
// session runs until Close or until ctx is cancelled.
func (m *Manager) Open(ctx context.Context, emit transcript.Emitter) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := NewState(m.tone, paragraph.New(paragraph.WithPauses(m.sentencePause, m.paragraphPause)))
	s := New(Config{
		Processor: m.proc,
		Emit:      emit,
		State:     state,
		Redialer:  m.redialer,
		Budget:    m.Budget,
		QueueSize: m.queueSize,
		Metrics:   m.metrics,
	})
	s.Start(ctx)
	m.sessions[s.ID()] = s
	m.metrics.ActiveSessions.Add(ctx, 1)

	observe.Logger(ctx).Info("session opened", "session_id", s.ID(), "tone", string(state.Tone()))
	return s
}

// Get returns the session with the given id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Count returns the number of open sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close closes and forgets the session with the given id. Unknown ids are
// ignored.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	m.metrics.ActiveSessions.Add(context.Background(), -1)
	return s.Close()
}

// CloseAll closes every open session.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		all = append(all, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, s := range all {
		m.metrics.ActiveSessions.Add(context.Background(), -1)
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
