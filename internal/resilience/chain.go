package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [Chain] fails or has an open
// circuit breaker. The last provider error is wrapped alongside it so the
// caller's error taxonomy (transcription and extraction error types) survives
// the chain.
var ErrAllFailed = errors.New("all providers failed")

// ChainConfig configures the per-entry circuit breaker created for each
// provider in a [Chain].
type ChainConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// chainEntry pairs a provider value with its dedicated circuit breaker.
type chainEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// Chain wraps a primary and zero or more fallback instances of the same
// provider type. When the primary fails (or its circuit breaker is open), the
// next healthy fallback is tried in registration order.
//
// Chain is safe for concurrent use after registration is complete.
type Chain[T any] struct {
	entries []chainEntry[T]
	cfg     ChainConfig
}

// NewChain creates a [Chain] with primary as the first entry. Additional
// fallbacks are registered via [Chain.AddFallback].
func NewChain[T any](primary T, primaryName string, cfg ChainConfig) *Chain[T] {
	cbCfg := cfg.CircuitBreaker
	cbCfg.Name = primaryName
	return &Chain[T]{
		entries: []chainEntry[T]{{
			name:    primaryName,
			value:   primary,
			breaker: NewCircuitBreaker(cbCfg),
		}},
		cfg: cfg,
	}
}

// AddFallback appends a fallback provider. Fallbacks are tried in the order
// they are added, after the primary.
func (c *Chain[T]) AddFallback(name string, fallback T) {
	cbCfg := c.cfg.CircuitBreaker
	cbCfg.Name = name
	c.entries = append(c.entries, chainEntry[T]{
		name:    name,
		value:   fallback,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Try runs fn against each entry in the chain until one succeeds, returning
// that entry's result. Circuit-breaker-open entries are skipped. When every
// entry fails, [ErrAllFailed] is returned with the last provider error in the
// wrap chain. This is a package-level function because Go does not support
// method-level type parameters.
func Try[T any, R any](c *Chain[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range c.entries {
		entry := &c.entries[i]
		var result R
		err := entry.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = fn(entry.value)
			return innerErr
		})
		if err == nil {
			return result, nil
		}
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider (circuit open)", "provider", entry.name)
			if lastErr == nil {
				lastErr = err
			}
			continue
		}
		lastErr = err
		slog.Warn("provider failed, trying next", "provider", entry.name, "error", err)
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
