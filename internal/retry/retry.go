// Package retry holds the capped exponential backoff policy shared by the
// queue, the watcher, and the publish signaler.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy describes capped exponential backoff
type Policy struct {
	InitialBackoff time.Duration `toml:"initial_backoff"`
	MaxBackoff     time.Duration `toml:"max_backoff"`
	Multiplier     float64       `toml:"multiplier"`
}

// DefaultPolicy returns the backoff used when nothing is configured
func DefaultPolicy() Policy {
	return Policy{
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     5 * time.Minute,
		Multiplier:     2.0,
	}
}

// Validate checks the policy is usable
func (p Policy) Validate() error {
	if p.InitialBackoff <= 0 {
		return fmt.Errorf("InitialBackoff must be positive, got %v", p.InitialBackoff)
	}
	if p.MaxBackoff < p.InitialBackoff {
		return fmt.Errorf("MaxBackoff must be at least InitialBackoff, got %v < %v", p.MaxBackoff, p.InitialBackoff)
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("Multiplier must be at least 1, got %v", p.Multiplier)
	}
	return nil
}

// Delay returns the wait before the given attempt (1-based) is retried:
// InitialBackoff * Multiplier^(attempt-1), capped at MaxBackoff.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.InitialBackoff)
	for i := 1; i < attempt; i++ {
		delay *= p.Multiplier
		if delay >= float64(p.MaxBackoff) {
			return p.MaxBackoff
		}
	}
	return time.Duration(delay)
}

// Do runs fn up to attempts times, sleeping Delay(n) between failures.
// It stops early when ctx ends.
func Do(ctx context.Context, p Policy, attempts int, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt == attempts {
			break
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return fmt.Errorf("max attempts (%d) exceeded: %w", attempts, lastErr)
}
