// Package retry describes how often an external call is attempted.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type Policy struct {
	// MaxAttempts counts the first call. Values below 1 mean 1.
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// Retryable reports whether a failed attempt may be repeated.
	// nil means every error is retryable.
	Retryable func(error) bool
}

// NoRetry attempts once.
var NoRetry = Policy{MaxAttempts: 1}

func Attempts(n int) Policy {
	return Policy{
		MaxAttempts:     n,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// Do calls op until it succeeds, the attempts are used up, the error is not
// retryable, or ctx is done. The last error of op is returned.
func (p Policy) Do(ctx context.Context, op func() error) error {
	attempts := max(p.MaxAttempts, 1)

	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx))
}
