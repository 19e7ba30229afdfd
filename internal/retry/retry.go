// Package retry runs operations under a bounded exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Policy bounds how often and how patiently an operation is retried.
type Policy struct {
	// MaxAttempts counts the first call. Values below 1 mean a single attempt.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the randomization factor in [0,1].
	Jitter float64
	Logger *zap.Logger
}

// Default returns the policy used when configuration leaves retry unset.
func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Jitter:      0.2,
	}
}

// Once allows exactly one retry after the first failure.
func Once(delay time.Duration) Policy {
	return Policy{MaxAttempts: 2, BaseDelay: delay, MaxDelay: delay}
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	if eb.InitialInterval <= 0 {
		eb.InitialInterval = 100 * time.Millisecond
	}
	eb.MaxInterval = p.MaxDelay
	if eb.MaxInterval < eb.InitialInterval {
		eb.MaxInterval = eb.InitialInterval
	}
	eb.Multiplier = 2
	eb.RandomizationFactor = clamp01(p.Jitter)
	eb.MaxElapsedTime = 0

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
}

// Do calls op until it succeeds, the attempts run out, ctx ends, or
// retryable reports false for the returned error. A nil retryable retries
// every error. The last error from op is returned unchanged.
func (p Policy) Do(ctx context.Context, op func(context.Context) error, retryable func(error) bool) error {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	attempt := 0
	wrapped := func() error {
		attempt++
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		err := op(ctx)
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Debug("retrying operation",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	return backoff.RetryNotify(wrapped, p.backOff(ctx), notify)
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
