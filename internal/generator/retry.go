package generator

import (
	"context"
	"time"

	"github.com/hotpin/hotpinserver/internal/apperr"
	"github.com/hotpin/hotpinserver/internal/reliability"
)

// RetryingGenerator wraps another Generator with the three-attempt
// exponential backoff §4.5 requires. When every attempt fails it returns
// apperr.KindLLMFailed rather than inventing a fallback reply itself —
// the fixed "I'm having trouble" text is the controller's concern so it
// stays in one place alongside the rest of the client-facing copy.
type RetryingGenerator struct {
	inner    Generator
	attempts int
	base     time.Duration
	cap      time.Duration
}

func NewRetryingGenerator(inner Generator, attempts int, base, cap time.Duration) *RetryingGenerator {
	if attempts <= 0 {
		attempts = 3
	}
	if base <= 0 {
		base = time.Second
	}
	if cap <= 0 {
		cap = 60 * time.Second
	}
	return &RetryingGenerator{inner: inner, attempts: attempts, base: base, cap: cap}
}

func (g *RetryingGenerator) Generate(ctx context.Context, req Request) (string, error) {
	var lastErr error
	for attempt := 0; attempt < g.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(reliability.ExponentialBackoff(attempt, g.base, g.cap)):
			}
		}

		text, err := g.inner.Generate(ctx, req)
		if err == nil {
			return text, nil
		}
		lastErr = err
	}
	return "", apperr.Wrap(apperr.KindLLMFailed, "generator exhausted retries", lastErr)
}
