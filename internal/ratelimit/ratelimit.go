// Package ratelimit paces calls to the decision backend.
//
// Inference backends are slow and often a single local model shared by every
// target. A limiter keyed by target ID caps how often each target may consult
// it; denied cycles decide with the rule-based strategy instead.
package ratelimit

import "context"

// Limiter decides whether a call identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the call should proceed. An error signals a
	// limiter malfunction; callers fail open and permit the call.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines).
	Close() error
}

// NoopLimiter permits every call. Used when pacing is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
