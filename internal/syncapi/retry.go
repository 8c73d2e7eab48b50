package syncapi

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds Retry.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsed stops retrying after this long; zero retries until ctx is
	// done.
	MaxElapsed time.Duration
}

// DefaultRetryPolicy retries transient failures for up to five minutes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		MaxElapsed:      5 * time.Minute,
	}
}

// NewBackOff builds the exponential backoff described by p.
func (p RetryPolicy) NewBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = p.MaxElapsed
	b.Reset()
	return b
}

// Retry runs op until it succeeds, returns a non-retryable error, or the
// policy gives up. Connection errors and transient remote errors are
// retried; parse errors and other remote errors stop immediately.
func Retry(ctx context.Context, p RetryPolicy, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(p.NewBackOff(), ctx))
}
