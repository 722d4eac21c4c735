// Package retry repeats idempotent operations that failed with a transient
// error, using bounded exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dimitrije/taskflow-api/internal/apperr"
)

type Policy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

var DefaultPolicy = Policy{
	Attempts: 3,
	Initial:  50 * time.Millisecond,
	Max:      time.Second,
}

// Do calls op until it succeeds, returns a non-retryable error, the
// attempts are used up, or ctx is done. The last error is returned.
func (p Policy) Do(ctx context.Context, op func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.Initial
	exp.MaxInterval = p.Max
	exp.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)

	return backoff.Retry(func() error {
		err := op()
		if err != nil && !apperr.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

func Do(ctx context.Context, op func() error) error {
	return DefaultPolicy.Do(ctx, op)
}
