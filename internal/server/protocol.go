package server

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MrWong99/verbatim/internal/transcript"
	"github.com/MrWong99/verbatim/pkg/types"
)

// Control commands accepted on the WebSocket.
const (
	cmdStartRecording = "start_recording"
	cmdStopRecording  = "stop_recording"
	cmdSetTone        = "set_tone"
	cmdGetHistory     = "get_history"
	cmdApprove        = "approve"
	cmdReject         = "reject"
	cmdFeedback       = "feedback"
	cmdAutoImprove    = "auto_improve"
	cmdTranscript     = "transcript"
	cmdGetStats       = "get_stats"
)

// command is the union of every control message. Only the fields of the
// named command are read.
type command struct {
	Command string `json:"command"`

	Mode  string `json:"mode,omitempty"`
	Limit int    `json:"limit,omitempty"`

	Original       string `json:"original,omitempty"`
	Output         string `json:"output,omitempty"`
	SystemOutput   string `json:"system_output,omitempty"`
	UserCorrection string `json:"user_correction,omitempty"`
	WrongOutput    string `json:"wrong_output,omitempty"`
	ToneMode       string `json:"tone_mode,omitempty"`

	Text       string `json:"text,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// Outbound message types.
const (
	msgRecordingStarted = "recording_started"
	msgRecordingStopped = "recording_stopped"
	msgToneChanged      = "tone_changed"
	msgHistory          = "history"
	msgStats            = "stats"
	msgFeedbackRecorded = "feedback_recorded"
	msgAutoImproved     = "auto_improved"
	msgError            = "error"
)

type ackMessage struct {
	Type string `json:"type"`
}

type stageMessage struct {
	Type  string `json:"type"`
	Stage int    `json:"stage"`
	Text  string `json:"text"`
}

type sentenceMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type completeMessage struct {
	Type      string `json:"type"`
	LatencyMS int64  `json:"latency_ms"`
	Learned   bool   `json:"learned"`
}

type toneMessage struct {
	Type string         `json:"type"`
	Mode types.ToneMode `json:"mode"`
}

type historyMessage struct {
	Type  string              `json:"type"`
	Items []types.HistoryItem `json:"items"`
}

type statsMessage struct {
	Type  string      `json:"type"`
	Stats types.Stats `json:"stats"`
}

type feedbackMessage struct {
	Type     string  `json:"type"`
	Accuracy float64 `json:"accuracy"`
}

type improvedMessage struct {
	Type     string `json:"type"`
	Improved string `json:"improved"`
	Changed  bool   `json:"changed"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// eventMessage converts a pipeline event into its wire form.
func eventMessage(ev transcript.Event) any {
	switch ev.Type {
	case transcript.EventStage:
		return stageMessage{Type: string(ev.Type), Stage: int(ev.Stage), Text: ev.Text}
	case transcript.EventFullSentence:
		return sentenceMessage{Type: string(ev.Type), Text: ev.Text}
	case transcript.EventRecordingComplete:
		return completeMessage{Type: string(ev.Type), LatencyMS: ev.Latency.Milliseconds(), Learned: ev.Learned}
	}
	return ackMessage{Type: string(ev.Type)}
}

var errShortFrame = errors.New("server: audio frame shorter than its header")

// audioMeta is the JSON header of a binary audio frame.
type audioMeta struct {
	SampleRate int `json:"sampleRate"`
}

// decodeFrame splits a binary audio frame into its sample rate and PCM16
// payload. The frame layout is a 4-byte little-endian header length, the
// JSON header, then the raw samples.
func decodeFrame(frame []byte) (sampleRate int, pcm []byte, err error) {
	if len(frame) < 4 {
		return 0, nil, errShortFrame
	}
	n := binary.LittleEndian.Uint32(frame[:4])
	if uint64(n) > uint64(len(frame)-4) {
		return 0, nil, errShortFrame
	}
	var meta audioMeta
	if err := json.Unmarshal(frame[4:4+n], &meta); err != nil {
		return 0, nil, fmt.Errorf("server: decode audio header: %w", err)
	}
	if meta.SampleRate <= 0 {
		return 0, nil, fmt.Errorf("server: audio header has invalid sampleRate %d", meta.SampleRate)
	}
	return meta.SampleRate, frame[4+n:], nil
}
