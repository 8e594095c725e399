package execution

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/LeeeWayyy/trading-platform-sub016/internal/broker"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/orders"
)

// RetryPolicy bounds broker retries. Only transient errors are retried.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is three attempts starting at 200ms
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialInterval: 200 * time.Millisecond, MaxInterval: 2 * time.Second}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0
	b.Reset()

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// withRetry runs fn until it succeeds, fails non-transiently, or the attempt
// budget is spent. onRetry is called after each failed transient attempt.
// Exhaustion is reported as *orders.BrokerTransientError.
func withRetry[T any](ctx context.Context, p RetryPolicy, op string, onRetry func(attempt int, err error), fn func(context.Context) (T, error)) (T, error) {
	attempt := 0
	var lastErr error
	res, err := backoff.RetryNotifyWithData(func() (T, error) {
		attempt++
		v, err := fn(ctx)
		if err != nil && !broker.IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		if err != nil {
			lastErr = err
			if onRetry != nil {
				onRetry(attempt, err)
			}
		}
		return v, err
	}, p.backOff(ctx), nil)

	if err != nil && lastErr != nil && broker.IsTransient(err) {
		return res, &orders.BrokerTransientError{Op: op, Attempts: attempt, Err: err}
	}
	if err != nil && ctx.Err() != nil && lastErr != nil {
		return res, &orders.BrokerTransientError{Op: op, Attempts: attempt, Err: lastErr}
	}
	return res, err
}
