package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"stakegate/native/staking"
)

// RetryPolicy bounds how often and how fast a ledger operation is retried.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
	// RetryIf selects the errors worth another attempt. Defaults to
	// transient ledger failures.
	RetryIf func(error) bool
	// OnRetry is invoked before each wait.
	OnRetry func(err error, wait time.Duration)
}

// DefaultReadPolicy covers single-account reads.
var DefaultReadPolicy = RetryPolicy{Attempts: 3, Delay: 250 * time.Millisecond}

// DefaultConfirmationPolicy polls a just-submitted transaction: 10 attempts one
// second apart.
var DefaultConfirmationPolicy = RetryPolicy{Attempts: 10, Delay: time.Second, RetryIf: RetryWhilePending}

// RetryTransient retries transport and node failures only.
func RetryTransient(err error) bool {
	return errors.Is(err, staking.ErrLedgerUnavailable)
}

// RetryWhilePending additionally retries lookups that have not found their
// subject yet.
func RetryWhilePending(err error) bool {
	return errors.Is(err, staking.ErrNotFound) || errors.Is(err, staking.ErrLedgerUnavailable)
}

// Retry runs op until it succeeds, fails with an error RetryIf rejects, the
// attempts are used up or ctx ends. The last error is returned.
func Retry(ctx context.Context, policy RetryPolicy, op func(context.Context) error) error {
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}
	retryIf := policy.RetryIf
	if retryIf == nil {
		retryIf = RetryTransient
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(policy.Delay), uint64(attempts-1)),
		ctx,
	)
	var notify backoff.Notify
	if policy.OnRetry != nil {
		notify = backoff.Notify(policy.OnRetry)
	}
	return backoff.RetryNotify(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		err := op(ctx)
		if err == nil || retryIf(err) {
			return err
		}
		return backoff.Permanent(err)
	}, b, notify)
}

// RetryValue is Retry for operations that produce a value.
func RetryValue[T any](ctx context.Context, policy RetryPolicy, op func(context.Context) (T, error)) (T, error) {
	var out T
	err := Retry(ctx, policy, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
