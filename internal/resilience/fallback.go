package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when no member of a [FallbackGroup] produced a
// result: each one either failed or had its breaker open.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackConfig configures the breaker placed in front of every member.
// CircuitBreaker.Name is overwritten with the member's name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// MemberHealth is the breaker state of one group member.
type MemberHealth struct {
	Name  string
	State State
}

type member[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary and any number of fallbacks of the same
// provider type, each behind its own [CircuitBreaker]. Calls go to the first
// member whose breaker admits them; on failure the next member is tried.
//
// Members are registered during setup. AddFallback must not race with calls.
type FallbackGroup[T any] struct {
	members []member[T]
	cfg     FallbackConfig
}

// NewFallbackGroup returns a group whose first member is primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	g := &FallbackGroup[T]{cfg: cfg}
	g.AddFallback(primaryName, primary)
	return g
}

// AddFallback appends a member. Members are tried in registration order.
func (g *FallbackGroup[T]) AddFallback(name string, v T) {
	cbCfg := g.cfg.CircuitBreaker
	cbCfg.Name = name
	g.members = append(g.members, member[T]{name: name, value: v, breaker: NewCircuitBreaker(cbCfg)})
}

// Health reports each member's breaker state in registration order.
func (g *FallbackGroup[T]) Health() []MemberHealth {
	out := make([]MemberHealth, len(g.members))
	for i, m := range g.members {
		out[i] = MemberHealth{Name: m.name, State: m.breaker.State()}
	}
	return out
}

// Execute calls fn on members in order until one returns nil.
func (g *FallbackGroup[T]) Execute(ctx context.Context, fn func(context.Context, T) error) error {
	_, err := Do(ctx, g, func(ctx context.Context, v T) (struct{}, error) {
		return struct{}{}, fn(ctx, v)
	})
	return err
}

// Do calls fn on members in order and returns the first successful result.
//
// Once ctx is done the walk stops and fn's error is returned unchanged; a
// later member would only hit the same deadline. When every member fails the
// error wraps [ErrAllFailed] together with each member's error.
func Do[T, R any](ctx context.Context, g *FallbackGroup[T], fn func(context.Context, T) (R, error)) (R, error) {
	return doWhere(ctx, g, nil, fn)
}

// doWhere is [Do] restricted to members for which keep reports true. A nil
// keep admits every member.
func doWhere[T, R any](ctx context.Context, g *FallbackGroup[T], keep func(T) bool, fn func(context.Context, T) (R, error)) (R, error) {
	var (
		zero R
		errs []error
	)
	for i := range g.members {
		m := &g.members[i]
		if keep != nil && !keep(m.value) {
			continue
		}
		var out R
		err := m.breaker.Execute(ctx, func(ctx context.Context) error {
			var err error
			out, err = fn(ctx, m.value)
			return err
		})
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return zero, err
		}
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("provider skipped, circuit open", "provider", m.name)
		} else {
			slog.Warn("provider failed, trying next", "provider", m.name, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", m.name, err))
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
