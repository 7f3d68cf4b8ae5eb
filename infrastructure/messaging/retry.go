package messaging

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy is the publish retry budget described in §4.1: up to
// maxAttempts attempts, exponential backoff starting at initialBackoff
// and doubling per attempt, on transient broker errors. Permanent
// errors (ErrSerialization, ErrAuth) bypass retry entirely.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
}

// DefaultRetryPolicy matches the spec's stated defaults: 5 attempts,
// 500ms initial backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, InitialBackoff: 500 * time.Millisecond}
}

// withRetry runs op under the policy, wrapping persistent failure in a
// *PublishError that names topic and the number of attempts made.
func withRetry(ctx context.Context, policy RetryPolicy, topic string, op func() error) error {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = policy.InitialBackoff
	eb.Multiplier = 2
	eb.MaxElapsedTime = 0 // bounded by MaxRetries, not wall-clock

	bo := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(policy.MaxAttempts-1)), ctx)

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		opErr := op()
		if opErr == nil {
			return nil
		}
		if isPermanent(opErr) {
			return backoff.Permanent(opErr)
		}
		return opErr
	}, bo)

	if err != nil {
		return &PublishError{Topic: topic, Attempts: attempts, Err: err}
	}
	return nil
}
