// Package session holds per-connection pipeline state and runs each
// connection's utterances through the pipeline one at a time.
package session

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/MrWong99/verbatim/internal/transcript"
	"github.com/MrWong99/verbatim/internal/transcript/paragraph"
	"github.com/MrWong99/verbatim/pkg/types"
)

var _ transcript.Session = (*State)(nil)

// State is the mutable context of one client connection. Tone and last record
// id are changed only by the control handler and read by the pipeline.
type State struct {
	id       string
	detector *paragraph.Detector
	active   atomic.Bool

	mu           sync.RWMutex
	tone         types.ToneMode
	lastRecordID string
}

// NewState returns a State with a fresh id. An invalid tone becomes neutral.
// A nil detector gets one with default pauses.
func NewState(tone types.ToneMode, detector *paragraph.Detector) *State {
	if !tone.IsValid() {
		tone = types.ToneNeutral
	}
	if detector == nil {
		detector = paragraph.New()
	}
	return &State{id: uuid.NewString(), tone: tone, detector: detector}
}

// ID returns the session id.
func (s *State) ID() string { return s.id }

// Tone returns the current tone mode.
func (s *State) Tone() types.ToneMode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tone
}

// SetTone changes the tone mode. It reports false, leaving the tone
// unchanged, when mode is not recognised.
func (s *State) SetTone(mode types.ToneMode) bool {
	if !mode.IsValid() {
		return false
	}
	s.mu.Lock()
	s.tone = mode
	s.mu.Unlock()
	return true
}

// LastRecordID returns the id of the most recent pipeline record.
func (s *State) LastRecordID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRecordID
}

// SetLastRecordID implements [transcript.Session].
func (s *State) SetLastRecordID(id string) {
	s.mu.Lock()
	s.lastRecordID = id
	s.mu.Unlock()
}

// Active reports whether recording is on.
func (s *State) Active() bool { return s.active.Load() }

// SetActive switches recording and reports whether the flag changed.
func (s *State) SetActive(on bool) bool { return s.active.Swap(on) != on }

// Detector returns the session's silence tracker.
func (s *State) Detector() *paragraph.Detector { return s.detector }

// DetectBreak implements [transcript.Session].
func (s *State) DetectBreak() types.BreakType { return s.detector.DetectBreak() }

// pinned fixes the break type decided when an utterance arrived, so queued
// utterances are not classified against later silences.
type pinned struct {
	*State
	brk types.BreakType
}

func (p pinned) DetectBreak() types.BreakType { return p.brk }
