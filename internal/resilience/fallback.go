package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrExhausted is returned when every backend in a group failed or sat
// behind an open breaker.
var ErrExhausted = errors.New("resilience: all backends failed")

// FallbackConfig configures the breaker stamped out for each backend in a
// group.
type FallbackConfig struct {
	Breaker BreakerConfig
}

type backend[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// FallbackGroup chains a primary and ordered fallbacks of one provider type.
// Each backend carries its own breaker; tripped backends are skipped.
type FallbackGroup[T any] struct {
	backends []backend[T]
	cfg      FallbackConfig
}

// NewFallbackGroup creates a group with primary as its first backend.
func NewFallbackGroup[T any](primary T, name string, cfg FallbackConfig) *FallbackGroup[T] {
	g := &FallbackGroup[T]{cfg: cfg}
	g.add(name, primary)
	return g
}

// AddFallback appends a backend tried after all earlier ones.
func (g *FallbackGroup[T]) AddFallback(name string, value T) {
	g.add(name, value)
}

func (g *FallbackGroup[T]) add(name string, value T) {
	bcfg := g.cfg.Breaker
	bcfg.Name = name
	g.backends = append(g.backends, backend[T]{
		name:    name,
		value:   value,
		breaker: NewBreaker(bcfg),
	})
}

// Names lists the backends in try order.
func (g *FallbackGroup[T]) Names() []string {
	out := make([]string, len(g.backends))
	for i, b := range g.backends {
		out[i] = b.name
	}
	return out
}

// States reports each backend's breaker state, keyed by name.
func (g *FallbackGroup[T]) States() map[string]BreakerState {
	out := make(map[string]BreakerState, len(g.backends))
	for _, b := range g.backends {
		out[b.name] = b.breaker.State()
	}
	return out
}

// Try runs fn against each backend in order until one succeeds. A method
// cannot carry its own type parameter, so the result-bearing variant lives
// in [TryWithResult].
func (g *FallbackGroup[T]) Try(fn func(T) error) error {
	_, err := TryWithResult(g, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// TryWithResult runs fn against each backend in order until one succeeds and
// returns its result.
func TryWithResult[T, R any](g *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range g.backends {
		be := &g.backends[i]
		var result R
		err := be.breaker.Execute(func() error {
			var callErr error
			result, callErr = fn(be.value)
			return callErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrOpen) {
			slog.Debug("skipping backend, breaker open", "backend", be.name)
			continue
		}
		slog.Warn("backend failed, trying next", "backend", be.name, "error", err)
	}
	return zero, fmt.Errorf("%w: %v", ErrExhausted, lastErr)
}
