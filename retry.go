package ygggo_odbc

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy controls retry strategy.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Jitter      bool
	MaxElapsed  time.Duration
}

// DefaultRetryPolicy retries three times with jittered exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseBackoff: 50 * time.Millisecond,
		MaxBackoff:  time.Second,
		Jitter:      true,
	}
}

// backOff builds the backoff schedule of pol bound to ctx.
func (pol RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	if pol.MaxAttempts <= 0 { pol.MaxAttempts = 1 }
	if pol.BaseBackoff <= 0 { pol.BaseBackoff = 10 * time.Millisecond }
	if pol.MaxBackoff <= 0 { pol.MaxBackoff = pol.BaseBackoff }

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = pol.BaseBackoff
	b.MaxInterval = pol.MaxBackoff
	b.MaxElapsedTime = pol.MaxElapsed
	if !pol.Jitter {
		b.RandomizationFactor = 0
	}
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(pol.MaxAttempts-1)), ctx)
}

// retryWithPolicy retries op while retryable reports true for its error.
func retryWithPolicy(ctx context.Context, pol RetryPolicy, op func() error, retryable func(error) bool) error {
	return backoff.Retry(func() error {
		err := op()
		if err == nil { return nil }
		if !retryable(err) { return backoff.Permanent(err) }
		return err
	}, pol.backOff(ctx))
}
