// Package stt defines the Provider interface for streaming speech-to-text
// backends.
//
// A provider wraps a real-time recognition service and exposes one
// abstraction: SessionHandle. Once opened, a session accepts raw PCM16 audio
// and emits interim and final [types.Transcript] values. Only finals are fed
// to the text pipeline.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"

	"github.com/MrWong99/verbatim/pkg/types"
)

// ErrClosed is returned by SendAudio after Close.
var ErrClosed = errors.New("stt: session is closed")

// StreamConfig describes the audio format of a new session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Zero selects the provider
	// default.
	SampleRate int

	// Channels is the number of interleaved audio channels. Zero means mono.
	Channels int

	// Language is the BCP-47 language tag. Empty selects the provider default.
	Language string
}

// SessionHandle is an open streaming session.
//
// Callers must call Close when done. All methods must be safe for concurrent
// use.
type SessionHandle interface {
	// SendAudio queues a chunk of little-endian PCM16 audio.
	SendAudio(chunk []byte) error

	// Partials emits interim results. Closed when the session ends.
	Partials() <-chan types.Transcript

	// Finals emits committed results. Closed when the session ends.
	Finals() <-chan types.Transcript

	// Close flushes pending audio and releases the session. Calling Close more
	// than once is safe and returns nil.
	Close() error
}

// Provider opens streaming sessions.
type Provider interface {
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
