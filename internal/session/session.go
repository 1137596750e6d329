package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/verbatim/internal/observe"
	"github.com/MrWong99/verbatim/internal/transcript"
	"github.com/MrWong99/verbatim/pkg/provider/stt"
	"github.com/MrWong99/verbatim/pkg/types"
)

// DefaultQueueSize is the number of utterances a session buffers while one is
// being processed.
const DefaultQueueSize = 8

var (
	// ErrQueueFull is returned by Submit when the utterance buffer is full.
	ErrQueueFull = errors.New("session: utterance queue full")

	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session: closed")
)

// Processor runs one utterance through the pipeline. It is satisfied by
// [*transcript.Orchestrator].
type Processor interface {
	Process(ctx context.Context, utt types.Utterance, sess transcript.Session, budget time.Duration, emit transcript.Emitter) types.PipelineRecord
}

// Config holds the dependencies of a [Session].
type Config struct {
	// Processor is required.
	Processor Processor

	// Emit receives pipeline events.
	Emit transcript.Emitter

	// State is the connection state. A nil State gets a neutral one.
	State *State

	// Redialer opens STT streams for incoming audio. When nil, audio frames
	// are ignored and only text utterances are processed.
	Redialer *Redialer

	// Budget returns the latency budget for the next utterance. Nil selects
	// [transcript.DefaultBudget].
	Budget func() time.Duration

	QueueSize int
	Metrics   *observe.Metrics
}

type job struct {
	utt types.Utterance
	brk types.BreakType

	// fromSTT marks utterances heard by the STT stream during recording
	// take. They are skipped once that take has stopped.
	fromSTT bool
	take    uint64
}

// Session owns one connection's pipeline worker and its STT stream.
// Utterances are processed strictly one at a time in arrival order.
type Session struct {
	*State

	proc     Processor
	emit     transcript.Emitter
	redialer *Redialer
	budget   func() time.Duration
	metrics  *observe.Metrics
	now      func() time.Time

	queue     chan job
	take      atomic.Uint64
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// streamCtx bounds the STT stream goroutines and is cancelled by Close.
	streamCtx    context.Context
	streamCancel context.CancelFunc

	streamMu  sync.Mutex
	stream    stt.SessionHandle
	streamCfg stt.StreamConfig
}

// New creates a Session. Call Start to launch its worker.
func New(cfg Config) *Session {
	s := &Session{
		State:    cfg.State,
		proc:     cfg.Processor,
		emit:     cfg.Emit,
		redialer: cfg.Redialer,
		budget:   cfg.Budget,
		metrics:  cfg.Metrics,
		now:      time.Now,
		done:     make(chan struct{}),
	}
	if s.State == nil {
		s.State = NewState(types.ToneNeutral, nil)
	}
	if s.emit == nil {
		s.emit = func(transcript.Event) {}
	}
	if s.budget == nil {
		s.budget = func() time.Duration { return transcript.DefaultBudget }
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	s.queue = make(chan job, size)
	s.streamCtx, s.streamCancel = context.WithCancel(context.Background())
	return s
}

// Start launches the pipeline worker. It stops when ctx is cancelled or
// Close is called.
func (s *Session) Start(ctx context.Context) {
	s.streamCancel()
	s.streamCtx, s.streamCancel = context.WithCancel(ctx)
	s.wg.Go(func() { s.work(ctx) })
}

func (s *Session) work(ctx context.Context) {
	for {
		select {
		case j := <-s.queue:
			if j.fromSTT && (!s.Active() || j.take != s.take.Load()) {
				observe.Logger(ctx).Debug("skipping utterance from stopped recording",
					"session_id", s.ID(), "chars", len(j.utt.Text))
				continue
			}
			s.proc.Process(ctx, j.utt, pinned{State: s.State, brk: j.brk}, s.budget(), s.emit)
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Submit queues utt for processing without blocking. The paragraph break is
// decided here, from the silence that preceded the utterance. Submitted text
// is processed whether or not recording is on.
func (s *Session) Submit(utt types.Utterance) error {
	return s.enqueue(job{utt: utt})
}

// Pending reports how many utterances wait behind the one in flight.
func (s *Session) Pending() int {
	return len(s.queue)
}

func (s *Session) enqueue(j job) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	d := s.Detector()
	d.MarkVoiceActivity()
	brk := d.DetectBreak()
	d.MarkSilenceStart()

	j.brk = brk
	select {
	case s.queue <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

// StartRecording turns recording on. It reports whether recording was off.
func (s *Session) StartRecording() bool {
	if !s.SetActive(true) {
		return false
	}
	s.metrics.RecordingSessions.Add(context.Background(), 1)
	s.Detector().Reset()
	return true
}

// StopRecording turns recording off and closes the STT stream. The utterance
// in flight completes; transcribed utterances still queued are not started.
// It reports whether recording was on.
func (s *Session) StopRecording() bool {
	if !s.SetActive(false) {
		return false
	}
	s.take.Add(1)
	s.metrics.RecordingSessions.Add(context.Background(), -1)
	s.closeStream()
	return true
}

// Audio forwards a PCM16 chunk to the STT stream, opening one on first use or
// when the sample rate changes. Audio is dropped while recording is off or
// when no STT provider is configured.
func (s *Session) Audio(sampleRate int, pcm []byte) error {
	if !s.Active() || s.redialer == nil || len(pcm) == 0 {
		return nil
	}

	s.streamMu.Lock()
	select {
	case <-s.done:
		s.streamMu.Unlock()
		return ErrClosed
	default:
	}
	if s.stream != nil && s.streamCfg.SampleRate != sampleRate {
		_ = s.stream.Close()
		s.stream = nil
	}
	if s.stream == nil {
		cfg := stt.StreamConfig{SampleRate: sampleRate, Channels: 1}
		ctx := s.streamCtx
		h, err := s.redialer.Dial(ctx, cfg)
		if err != nil {
			s.streamMu.Unlock()
			return err
		}
		s.stream, s.streamCfg = h, cfg
		s.wg.Go(func() { s.forward(ctx, h) })
	}
	h := s.stream
	s.streamMu.Unlock()

	return h.SendAudio(pcm)
}

// forward feeds finals from h into the queue while recording is on. When the
// stream ends on its own during recording it is reopened.
func (s *Session) forward(ctx context.Context, h stt.SessionHandle) {
	log := observe.Logger(ctx).With("session_id", s.ID())
	partials := h.Partials()
	for {
		select {
		case _, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			s.Detector().MarkVoiceActivity()
		case t, ok := <-h.Finals():
			if !ok {
				s.streamEnded(ctx, h)
				return
			}
			if !s.Active() || t.Text == "" {
				continue
			}
			if err := s.enqueue(job{utt: t.Utterance(s.now()), fromSTT: true, take: s.take.Load()}); err != nil {
				log.Warn("dropping utterance", "err", err)
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) streamEnded(ctx context.Context, h stt.SessionHandle) {
	s.streamMu.Lock()
	if s.stream != h {
		// Closed on purpose or already replaced.
		s.streamMu.Unlock()
		return
	}
	s.stream = nil
	cfg := s.streamCfg
	s.streamMu.Unlock()
	_ = h.Close()

	if !s.Active() {
		return
	}
	log := observe.Logger(ctx).With("session_id", s.ID())
	log.Warn("stt stream ended while recording, reopening")

	next, err := s.redialer.Redial(ctx, cfg)
	if err != nil {
		log.Error("stt stream lost", "err", err)
		return
	}

	s.streamMu.Lock()
	if s.stream != nil || !s.Active() {
		s.streamMu.Unlock()
		_ = next.Close()
		return
	}
	s.stream, s.streamCfg = next, cfg
	s.streamMu.Unlock()
	s.forward(ctx, next)
}

func (s *Session) closeStream() {
	s.streamMu.Lock()
	h := s.stream
	s.stream = nil
	s.streamMu.Unlock()
	if h != nil {
		_ = h.Close()
	}
}

// Close stops recording, closes the STT stream and waits for the in-flight
// utterance. Queued utterances are discarded. Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.StopRecording()
		close(s.done)
		s.streamCancel()
		s.closeStream()
		s.wg.Wait()
	})
	return nil
}
