// Package retry centralizes the retry/backoff policy consumed by the
// merge engine and the encryption migration engine. One policy object
// decides attempt counts, backoff shape, and which errors are worth
// retrying at all.
package retry

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

// Policy describes how remote operations are retried.
// The zero value is not usable; construct with NewPolicy.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// Base is the initial backoff interval; subsequent waits grow
	// fibonacci-style with jitter.
	Base time.Duration

	// IsRetryable classifies errors. Errors it rejects fail immediately;
	// structural failures such as a missing index must never be retried.
	IsRetryable func(error) bool
}

// NewPolicy builds a policy. A nil isRetryable treats every error as
// retryable.
func NewPolicy(maxAttempts int, base time.Duration, isRetryable func(error) bool) Policy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return Policy{MaxAttempts: maxAttempts, Base: base, IsRetryable: isRetryable}
}

// Do runs op, retrying per the policy. It returns the last error when
// attempts are exhausted, or the error unchanged when it is not
// retryable.
func (p Policy) Do(ctx context.Context, op func(context.Context) error) error {
	backoff := retry.WithJitterPercent(10, retry.NewFibonacci(p.Base))
	backoff = retry.WithMaxRetries(uint64(p.MaxAttempts-1), backoff)

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if p.IsRetryable == nil || p.IsRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}
