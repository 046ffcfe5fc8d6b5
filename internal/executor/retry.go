// Copyright (c) 2026 ToeiRei
// Runmaster - secure remote execution for managed hosts
// This source code is licensed under the MIT license found in the LICENSE file.

package executor

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy bounds how hard the executor tries against a flaky transport.
// MaxAttempts counts total tries, not extra retries; delays grow
// exponentially from BaseDelay with jitter, capped at MaxDelay.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy matches the shipped configuration defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second}
}

// normalized fills zero fields so a partially specified policy behaves.
func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	return p
}

// withAttempts returns a copy with a different attempt budget, used when an
// operation overrides the retry count.
func (p RetryPolicy) withAttempts(attempts int) RetryPolicy {
	if attempts > 0 {
		p.MaxAttempts = attempts
	}
	return p
}

// backoff builds the go-retry schedule for one operation.
func (p RetryPolicy) backoff() retry.Backoff {
	p = p.normalized()
	b := retry.NewExponential(p.BaseDelay)
	b = retry.WithJitterPercent(20, b)
	b = retry.WithCappedDuration(p.MaxDelay, b)
	return retry.WithMaxRetries(uint64(p.MaxAttempts-1), b)
}

// do runs fn under the policy. fn reports via shouldRetry whether its error
// deserves another attempt; everything else aborts immediately. The
// returned attempt count is how many times fn actually ran.
func (p RetryPolicy) do(ctx context.Context, shouldRetry func(error) bool, fn func(ctx context.Context, attempt int) error) (int, error) {
	attempts := 0
	err := retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		attempts++
		err := fn(ctx, attempts)
		if err != nil && shouldRetry(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	return attempts, err
}
