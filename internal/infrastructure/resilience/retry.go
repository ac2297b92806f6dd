// Package resilience provides retry policies for unreliable collaborators.
package resilience

import (
	"context"
	"errors"
	"time"
)

// ErrRetriesExhausted is returned when every attempt failed.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Policy configures bounded retry with exponential backoff.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// BaseDelay is the delay before the second attempt; it doubles per
	// attempt up to MaxDelay.
	BaseDelay time.Duration
	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration
	// OnRetry is called before each retry with the attempt number (1-based)
	// and the error that triggered it.
	OnRetry func(attempt int, err error)
}

// DefaultPolicy returns a policy suitable for local storage operations.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 4,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}
}

// Do runs fn until it succeeds, the attempts are exhausted, or the context is
// canceled. The returned error wraps the last failure.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 250 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 2 * time.Second
	}

	var lastErr error
	delay := p.BaseDelay

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if attempt == p.MaxAttempts {
			break
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, lastErr)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	return errors.Join(ErrRetriesExhausted, lastErr)
}
