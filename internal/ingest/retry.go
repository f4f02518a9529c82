package ingest

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/discloser/internal/interfaces"
)

// RetryPolicy implements the exponential-backoff retry contract for
// Archive Ingester (C7) remote fetches: base 2s, cap 60s, max 5 attempts.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// NewRetryPolicy returns the default policy from §4.6: base 2s, cap 60s,
// max 5 attempts.
func NewRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:       5,
		InitialBackoff:    2 * time.Second,
		MaxBackoff:        60 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// CalculateBackoff returns the backoff duration for the given zero-based
// attempt index, with +/-25% jitter.
func (p *RetryPolicy) CalculateBackoff(attempt int) time.Duration {
	backoff := float64(p.InitialBackoff) * pow(p.BackoffMultiplier, float64(attempt))
	if backoff > float64(p.MaxBackoff) {
		backoff = float64(p.MaxBackoff)
	}

	jitter := backoff * 0.25 * (rand.Float64()*2 - 1)
	backoff += jitter
	if backoff < 0 {
		backoff = float64(p.InitialBackoff)
	}

	return time.Duration(backoff)
}

// Do runs fn up to MaxAttempts times. It retries when fn's error chain
// holds a net.Error whose Timeout() is true, or, when the chain holds no
// net.Error, when the error wraps ErrTransientIO. Any other error (or nil)
// returns immediately.
func (p *RetryPolicy) Do(ctx context.Context, logger arbor.ILogger, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if !isRetryable(lastErr) {
			return lastErr
		}

		if attempt < p.MaxAttempts-1 {
			backoff := p.CalculateBackoff(attempt)
			if logger != nil {
				logger.Debug().
					Int("attempt", attempt+1).
					Err(lastErr).
					Dur("backoff", backoff).
					Msg("retrying after backoff")
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	if logger != nil {
		logger.Warn().Int("max_attempts", p.MaxAttempts).Err(lastErr).Msg("retry attempts exhausted")
	}
	return lastErr
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, interfaces.ErrTransientIO)
}

func pow(base, exp float64) float64 {
	result := 1.0
	for i := 0; i < int(exp); i++ {
		result *= base
	}
	return result
}
