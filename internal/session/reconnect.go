package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/verbatim/internal/observe"
	"github.com/MrWong99/verbatim/pkg/provider/stt"
)

// Default redial parameters.
const (
	defaultMaxRetries = 5
	defaultBackoff    = 500 * time.Millisecond
	defaultMaxBackoff = 10 * time.Second
)

// errRetriesExhausted is wrapped by [Redialer.Redial] when every attempt failed.
var errRetriesExhausted = errors.New("session: stt redial retries exhausted")

// Redialer opens STT streams and reopens them with exponential backoff when a
// stream drops while recording is still active.
type Redialer struct {
	provider   stt.Provider
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
}

// RedialerConfig configures a [Redialer]. Zero values select the defaults.
type RedialerConfig struct {
	MaxRetries int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// NewRedialer returns a [Redialer] for provider.
func NewRedialer(provider stt.Provider, cfg RedialerConfig) *Redialer {
	r := &Redialer{
		provider:   provider,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff,
		maxBackoff: cfg.MaxBackoff,
	}
	if r.maxRetries <= 0 {
		r.maxRetries = defaultMaxRetries
	}
	if r.backoff <= 0 {
		r.backoff = defaultBackoff
	}
	if r.maxBackoff <= 0 {
		r.maxBackoff = defaultMaxBackoff
	}
	return r
}

// Dial opens a stream with a single attempt.
func (r *Redialer) Dial(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	h, err := r.provider.StartStream(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("session: open stt stream: %w", err)
	}
	return h, nil
}

// Redial retries Dial with exponential backoff until it succeeds, ctx ends or
// the retry limit is reached.
func (r *Redialer) Redial(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	log := observe.Logger(ctx)
	wait := r.backoff
	var lastErr error

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		h, err := r.Dial(ctx, cfg)
		if err == nil {
			log.Info("stt stream reopened", "attempt", attempt)
			return h, nil
		}
		lastErr = err
		log.Warn("stt redial failed", "attempt", attempt, "max_retries", r.maxRetries, "err", err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		wait = min(wait*2, r.maxBackoff)
	}
	return nil, fmt.Errorf("%w: %w", errRetriesExhausted, lastErr)
}
