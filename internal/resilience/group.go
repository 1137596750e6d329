package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when no member of a [Group] produced a result.
var ErrAllFailed = errors.New("resilience: all providers failed")

type member[T any] struct {
	value   T
	breaker *Breaker
}

// Group holds a primary provider followed by fallbacks of the same kind.
// Members are tried in the order they were added. Add is not safe to call
// once the group is in use.
type Group[T any] struct {
	cfg     BreakerConfig
	members []member[T]
}

// NewGroup returns a Group whose first member is primary. cfg is copied into
// every member's breaker with the member's name filled in.
func NewGroup[T any](name string, primary T, cfg BreakerConfig) *Group[T] {
	g := &Group[T]{cfg: cfg}
	g.Add(name, primary)
	return g
}

// Add appends a fallback member.
func (g *Group[T]) Add(name string, value T) {
	cfg := g.cfg
	cfg.Name = name
	g.members = append(g.members, member[T]{value: value, breaker: NewBreaker(cfg)})
}

// Len returns the number of members.
func (g *Group[T]) Len() int { return len(g.members) }

// States reports each member's breaker state keyed by member name.
func (g *Group[T]) States() map[string]State {
	out := make(map[string]State, len(g.members))
	for _, m := range g.members {
		out[m.breaker.Name()] = m.breaker.State()
	}
	return out
}

// Do calls fn with each member in turn until one returns without error.
// Members whose breaker is open are skipped. Do stops early when ctx is done,
// returning ctx.Err() so callers can tell a timeout from a provider outage.
func Do[T, R any](ctx context.Context, g *Group[T], fn func(T) (R, error)) (R, error) {
	var (
		zero R
		errs []error
	)
	for _, m := range g.members {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		var out R
		err := m.breaker.Do(func() error {
			var err error
			out, err = fn(m.value)
			return err
		})
		if err == nil {
			return out, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return zero, err
		}
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("provider skipped, circuit open", "provider", m.breaker.Name())
		} else if len(g.members) > 1 {
			slog.Warn("provider failed, trying next", "provider", m.breaker.Name(), "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", m.breaker.Name(), err))
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
